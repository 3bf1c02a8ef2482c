package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Side is the direction of an order
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether s is a known side
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// OrderType distinguishes market and limit orders
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// Valid reports whether t is a known order type
func (t OrderType) Valid() bool {
	return t == OrderTypeMarket || t == OrderTypeLimit
}

// OrderStatus is the lifecycle state of an order
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusPartial   OrderStatus = "partial"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// Open reports whether the order can still be matched or cancelled
func (s OrderStatus) Open() bool {
	return s == OrderStatusPending || s == OrderStatusPartial
}

// TimeInForce controls how long an unfilled order rests on the book
type TimeInForce string

const (
	TimeInForceGTC TimeInForce = "GTC" // good till cancelled
	TimeInForceDay TimeInForce = "DAY" // expired by the daily market run
)

// Valid reports whether t is a known time in force
func (t TimeInForce) Valid() bool {
	return t == TimeInForceGTC || t == TimeInForceDay
}

// TradingPhase is the market phase of an asset
type TradingPhase string

const (
	PhasePrimary   TradingPhase = "primary"
	PhaseSecondary TradingPhase = "secondary"
	PhasePaused    TradingPhase = "paused"
	PhaseClosed    TradingPhase = "closed"
)

// Tradable reports whether orders may be placed in this phase
func (p TradingPhase) Tradable() bool {
	return p == PhasePrimary || p == PhaseSecondary
}

// SettlementStatus tracks a trade through settlement
type SettlementStatus string

const (
	SettlementPending SettlementStatus = "pending"
	SettlementSettled SettlementStatus = "settled"
)

var (
	ErrOrderClosed     = errors.New("order is not open")
	ErrOverfill        = errors.New("fill exceeds remaining quantity")
	ErrInsufficientQty = errors.New("position smaller than sell quantity")
)

// Order represents one side of trading intent on an asset
type Order struct {
	ID                uuid.UUID       `json:"id"`
	AssetID           uuid.UUID       `json:"asset_id"`
	UserID            uuid.UUID       `json:"user_id"`
	Side              Side            `json:"side"`
	Type              OrderType       `json:"order_type"`
	Price             decimal.Decimal `json:"price"` // limit price, or the reference price of a market order
	Quantity          decimal.Decimal `json:"quantity"`
	FilledQuantity    decimal.Decimal `json:"filled_quantity"`
	RemainingQuantity decimal.Decimal `json:"remaining_quantity"`
	Status            OrderStatus     `json:"status"`
	TimeInForce       TimeInForce     `json:"time_in_force"`
	Seq               int64           `json:"-"` // insertion sequence, breaks CreatedAt ties
	CreatedAt         time.Time       `json:"created_at"`
	ExecutedAt        *time.Time      `json:"executed_at,omitempty"`
	CancelledAt       *time.Time      `json:"cancelled_at,omitempty"`
}

// Fill applies an execution of qty to the order
func (o *Order) Fill(qty decimal.Decimal, at time.Time) error {
	if !o.Status.Open() {
		return fmt.Errorf("order %s: %w", o.ID, ErrOrderClosed)
	}
	if !qty.IsPositive() || qty.GreaterThan(o.RemainingQuantity) {
		return fmt.Errorf("order %s: fill %s of %s: %w", o.ID, qty, o.RemainingQuantity, ErrOverfill)
	}
	o.FilledQuantity = o.FilledQuantity.Add(qty)
	o.RemainingQuantity = o.RemainingQuantity.Sub(qty)
	if o.RemainingQuantity.IsZero() {
		o.Status = OrderStatusFilled
		t := at
		o.ExecutedAt = &t
	} else {
		o.Status = OrderStatusPartial
	}
	return nil
}

// Cancel moves an open order to the terminal cancelled state
func (o *Order) Cancel(at time.Time) error {
	if !o.Status.Open() {
		return fmt.Errorf("order %s is %s: %w", o.ID, o.Status, ErrOrderClosed)
	}
	o.Status = OrderStatusCancelled
	t := at
	o.CancelledAt = &t
	return nil
}

// Trade represents an executed match between one buy and one sell order
type Trade struct {
	ID               uuid.UUID        `json:"id"`
	AssetID          uuid.UUID        `json:"asset_id"`
	BuyOrderID       uuid.UUID        `json:"buy_order_id"`
	SellOrderID      uuid.UUID        `json:"sell_order_id"`
	BuyerID          uuid.UUID        `json:"buyer_id"`
	SellerID         uuid.UUID        `json:"seller_id"`
	Quantity         decimal.Decimal  `json:"quantity"`
	Price            decimal.Decimal  `json:"price"`
	TotalAmount      decimal.Decimal  `json:"total_amount"`
	BuyerFee         decimal.Decimal  `json:"buyer_fee"`
	SellerFee        decimal.Decimal  `json:"seller_fee"`
	SettlementStatus SettlementStatus `json:"settlement_status"`
	ExecutedAt       time.Time        `json:"executed_at"`
	SettledAt        *time.Time       `json:"settled_at,omitempty"`
}

// Portfolio is a user's aggregate position in one asset
type Portfolio struct {
	UserID           uuid.UUID       `json:"user_id"`
	AssetID          uuid.UUID       `json:"asset_id"`
	Quantity         decimal.Decimal `json:"quantity"`
	ReservedQuantity decimal.Decimal `json:"reserved_quantity"` // committed to open sell orders
	AverageBuyPrice  decimal.Decimal `json:"average_buy_price"`
	TotalInvested    decimal.Decimal `json:"total_invested"`
	RealizedGain     decimal.Decimal `json:"realized_gain"`
	CurrentValue     decimal.Decimal `json:"current_value"`
	LastUpdated      time.Time       `json:"last_updated"`
}

// Available returns the quantity not yet committed to sell orders
func (p *Portfolio) Available() decimal.Decimal {
	return p.Quantity.Sub(p.ReservedQuantity)
}

// ApplyBuy accumulates qty bought at price into the cost basis
func (p *Portfolio) ApplyBuy(qty, price decimal.Decimal, at time.Time) {
	cost := qty.Mul(price)
	newQty := p.Quantity.Add(qty)
	if p.Quantity.IsZero() {
		p.AverageBuyPrice = price
		p.TotalInvested = cost
	} else {
		p.TotalInvested = p.TotalInvested.Add(cost)
		p.AverageBuyPrice = p.TotalInvested.Div(newQty)
	}
	p.Quantity = newQty
	p.CurrentValue = newQty.Mul(price)
	p.LastUpdated = at
}

// ApplySell removes qty sold at price from the position and books the
// realized gain. It reports whether the position is now closed.
func (p *Portfolio) ApplySell(qty, price decimal.Decimal, at time.Time) (bool, error) {
	if qty.GreaterThan(p.Quantity) {
		return false, fmt.Errorf("sell %s of %s: %w", qty, p.Quantity, ErrInsufficientQty)
	}
	p.RealizedGain = p.RealizedGain.Add(qty.Mul(price.Sub(p.AverageBuyPrice)))
	oldQty := p.Quantity
	p.Quantity = oldQty.Sub(qty)
	p.ReservedQuantity = decimal.Max(decimal.Zero, p.ReservedQuantity.Sub(qty))
	p.LastUpdated = at
	if p.Quantity.IsZero() {
		p.TotalInvested = decimal.Zero
		p.CurrentValue = decimal.Zero
		return true, nil
	}
	p.TotalInvested = p.TotalInvested.Mul(p.Quantity).Div(oldQty)
	p.CurrentValue = p.Quantity.Mul(price)
	return false, nil
}

// Wallet is a user's cash balance
type Wallet struct {
	UserID    uuid.UUID       `json:"user_id"`
	Balance   decimal.Decimal `json:"balance"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Asset is a tradable fractional instrument
type Asset struct {
	ID              uuid.UUID       `json:"id"`
	Symbol          string          `json:"symbol"`
	CurrentPrice    decimal.Decimal `json:"current_price"`
	PriceChange24h  float64         `json:"price_change_24h"` // percent
	DailyVolume     decimal.Decimal `json:"daily_volume"`
	DemandIndex     float64         `json:"demand_index"`
	SentimentScore  float64         `json:"sentiment_score"` // 0..100
	MarketCap       decimal.Decimal `json:"market_cap"`
	MarketCategory  string          `json:"market_category"`
	ExpectedROI     float64         `json:"expected_roi"`
	ActualROI       float64         `json:"actual_roi"`
	TradingPhase    TradingPhase    `json:"trading_phase"`
	LastPriceUpdate time.Time       `json:"last_price_update"`
}

// Candle is one OHLC market-data record for an asset
type Candle struct {
	ID          uuid.UUID       `json:"id"`
	AssetID     uuid.UUID       `json:"asset_id"`
	Open        decimal.Decimal `json:"open"`
	High        decimal.Decimal `json:"high"`
	Low         decimal.Decimal `json:"low"`
	Close       decimal.Decimal `json:"close"`
	Volume      decimal.Decimal `json:"volume"`
	PeriodStart time.Time       `json:"period_start"`
	CreatedAt   time.Time       `json:"created_at"`
}
