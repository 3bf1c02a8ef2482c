package exchange

import "errors"

var (
	ErrInvalidOrder         = errors.New("invalid order")
	ErrAssetNotFound        = errors.New("asset not found")
	ErrAssetNotTradable     = errors.New("asset not tradable")
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrInsufficientHoldings = errors.New("insufficient holdings")
	ErrOrderNotFound        = errors.New("order not found")
	ErrInvalidOrderState    = errors.New("invalid order state")
	ErrSettlementFailure    = errors.New("settlement failed")
)

// reason labels a placement error for metrics
func reason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidOrder):
		return "invalid"
	case errors.Is(err, ErrAssetNotFound):
		return "asset_not_found"
	case errors.Is(err, ErrAssetNotTradable):
		return "not_tradable"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrInsufficientHoldings):
		return "insufficient_holdings"
	default:
		return "error"
	}
}
