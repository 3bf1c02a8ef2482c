package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/xtrntr/fracex/internal/ledger"
	"github.com/xtrntr/fracex/internal/models"
)

// Settler turns a matched pair into a settled trade
type Settler struct {
	store   ledger.Store
	feeRate decimal.Decimal
	now     func() time.Time
}

// NewSettler creates a Settler charging feeRate to each side
func NewSettler(store ledger.Store, feeRate decimal.Decimal, now func() time.Time) *Settler {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Settler{store: store, feeRate: feeRate, now: now}
}

// Settle executes qty between a buy and a sell order at the sell order's price.
// Orders, portfolios, wallets, the asset and the trade record change in one
// transaction; on error nothing is written and the error wraps ErrSettlementFailure.
func (s *Settler) Settle(ctx context.Context, buyID, sellID uuid.UUID, qty decimal.Decimal) (*models.Trade, error) {
	var trade *models.Trade
	err := s.store.WithTx(ctx, func(tx ledger.Tx) error {
		t, err := s.settle(ctx, tx, buyID, sellID, qty)
		if err != nil {
			return err
		}
		trade = t
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSettlementFailure, err)
	}
	return trade, nil
}

func (s *Settler) settle(ctx context.Context, tx ledger.Tx, buyID, sellID uuid.UUID, qty decimal.Decimal) (*models.Trade, error) {
	now := s.now()

	buy, err := tx.Orders().GetForUpdate(ctx, buyID)
	if err != nil {
		return nil, fmt.Errorf("load buy order %s: %w", buyID, err)
	}
	sell, err := tx.Orders().GetForUpdate(ctx, sellID)
	if err != nil {
		return nil, fmt.Errorf("load sell order %s: %w", sellID, err)
	}
	if buy.Side != models.SideBuy || sell.Side != models.SideSell {
		return nil, fmt.Errorf("sides %s/%s: %w", buy.Side, sell.Side, ErrInvalidOrder)
	}
	if buy.AssetID != sell.AssetID {
		return nil, fmt.Errorf("orders on different assets: %w", ErrInvalidOrder)
	}
	if buy.Price.LessThan(sell.Price) {
		return nil, fmt.Errorf("bid %s below ask %s: %w", buy.Price, sell.Price, ErrInvalidOrder)
	}

	price := sell.Price
	total := qty.Mul(price)
	fee := total.Mul(s.feeRate)

	trade := &models.Trade{
		ID:               uuid.New(),
		AssetID:          buy.AssetID,
		BuyOrderID:       buy.ID,
		SellOrderID:      sell.ID,
		BuyerID:          buy.UserID,
		SellerID:         sell.UserID,
		Quantity:         qty,
		Price:            price,
		TotalAmount:      total,
		BuyerFee:         fee,
		SellerFee:        fee,
		SettlementStatus: models.SettlementPending,
		ExecutedAt:       now,
	}
	if err := tx.Trades().Create(ctx, trade); err != nil {
		return nil, fmt.Errorf("create trade: %w", err)
	}

	for _, o := range []*models.Order{buy, sell} {
		if err := o.Fill(qty, now); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidOrderState, err)
		}
		if err := tx.Orders().Update(ctx, o); err != nil {
			return nil, fmt.Errorf("update order %s: %w", o.ID, err)
		}
	}

	if buy.UserID == sell.UserID {
		if err := s.rollPosition(ctx, tx, sell, qty, price, now); err != nil {
			return nil, err
		}
	} else {
		if err := s.creditBuyer(ctx, tx, buy, qty, price, now); err != nil {
			return nil, err
		}
		if err := s.debitSeller(ctx, tx, sell, qty, price, now); err != nil {
			return nil, err
		}
	}

	if err := s.adjustWallet(ctx, tx, sell.UserID, total.Sub(fee), now); err != nil {
		return nil, err
	}
	// The buy reserved qty at its own price; hand back the price improvement
	// so the buyer pays exactly total + fee.
	if improvement := buy.Price.Sub(price); improvement.IsPositive() {
		refund := qty.Mul(improvement).Mul(one.Add(s.feeRate))
		if err := s.adjustWallet(ctx, tx, buy.UserID, refund, now); err != nil {
			return nil, err
		}
	}

	asset, err := tx.Assets().GetForUpdate(ctx, buy.AssetID)
	if err != nil {
		return nil, fmt.Errorf("load asset: %w", err)
	}
	asset.CurrentPrice = price
	asset.DailyVolume = asset.DailyVolume.Add(total)
	asset.LastPriceUpdate = now
	if err := tx.Assets().Update(ctx, asset); err != nil {
		return nil, fmt.Errorf("update asset: %w", err)
	}

	trade.SettlementStatus = models.SettlementSettled
	trade.SettledAt = &now
	if err := tx.Trades().Update(ctx, trade); err != nil {
		return nil, fmt.Errorf("settle trade: %w", err)
	}
	return trade, nil
}

func (s *Settler) creditBuyer(ctx context.Context, tx ledger.Tx, buy *models.Order, qty, price decimal.Decimal, now time.Time) error {
	p, err := tx.Portfolios().GetForUpdate(ctx, buy.UserID, buy.AssetID)
	if errors.Is(err, ledger.ErrNotFound) {
		p = &models.Portfolio{UserID: buy.UserID, AssetID: buy.AssetID}
	} else if err != nil {
		return fmt.Errorf("load buyer portfolio: %w", err)
	}
	p.ApplyBuy(qty, price, now)
	if err := tx.Portfolios().Save(ctx, p); err != nil {
		return fmt.Errorf("save buyer portfolio: %w", err)
	}
	return nil
}

func (s *Settler) debitSeller(ctx context.Context, tx ledger.Tx, sell *models.Order, qty, price decimal.Decimal, now time.Time) error {
	p, err := tx.Portfolios().GetForUpdate(ctx, sell.UserID, sell.AssetID)
	if errors.Is(err, ledger.ErrNotFound) {
		return fmt.Errorf("seller has no position: %w", ErrInsufficientHoldings)
	}
	if err != nil {
		return fmt.Errorf("load seller portfolio: %w", err)
	}
	closed, err := p.ApplySell(qty, price, now)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInsufficientHoldings, err)
	}
	if closed {
		if err := tx.Portfolios().Delete(ctx, p.UserID, p.AssetID); err != nil {
			return fmt.Errorf("close seller portfolio: %w", err)
		}
		return nil
	}
	if err := tx.Portfolios().Save(ctx, p); err != nil {
		return fmt.Errorf("save seller portfolio: %w", err)
	}
	return nil
}

// rollPosition settles both legs of a self-trade on one position. The sell leg
// is booked against the basis held before the trade, then the bought units
// are added back at the trade price.
func (s *Settler) rollPosition(ctx context.Context, tx ledger.Tx, sell *models.Order, qty, price decimal.Decimal, now time.Time) error {
	p, err := tx.Portfolios().GetForUpdate(ctx, sell.UserID, sell.AssetID)
	if errors.Is(err, ledger.ErrNotFound) {
		return fmt.Errorf("seller has no position: %w", ErrInsufficientHoldings)
	}
	if err != nil {
		return fmt.Errorf("load portfolio: %w", err)
	}
	if _, err := p.ApplySell(qty, price, now); err != nil {
		return fmt.Errorf("%w: %w", ErrInsufficientHoldings, err)
	}
	p.ApplyBuy(qty, price, now)
	if err := tx.Portfolios().Save(ctx, p); err != nil {
		return fmt.Errorf("save portfolio: %w", err)
	}
	return nil
}

func (s *Settler) adjustWallet(ctx context.Context, tx ledger.Tx, userID uuid.UUID, delta decimal.Decimal, now time.Time) error {
	w, err := tx.Wallets().GetForUpdate(ctx, userID)
	if errors.Is(err, ledger.ErrNotFound) {
		w = &models.Wallet{UserID: userID}
	} else if err != nil {
		return fmt.Errorf("load wallet %s: %w", userID, err)
	}
	w.Balance = w.Balance.Add(delta)
	w.UpdatedAt = now
	if err := tx.Wallets().Save(ctx, w); err != nil {
		return fmt.Errorf("save wallet %s: %w", userID, err)
	}
	return nil
}
