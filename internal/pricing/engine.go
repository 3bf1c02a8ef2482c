// Package pricing computes an asset's quoted price from a weighted
// five-factor model over its open orders, recent trades and peer assets.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/xtrntr/fracex/internal/ledger"
	"github.com/xtrntr/fracex/internal/models"
)

const (
	// MaxDailyMove is the price change produced by a composite of ±100
	MaxDailyMove = 0.05
	// MaxJitter bounds the uniform noise applied after the model move
	MaxJitter = 0.005
)

var ErrAssetNotFound = errors.New("asset not found")

// Result is a computed price with every input that produced it
type Result struct {
	AssetID        uuid.UUID       `json:"asset_id"`
	CurrentPrice   decimal.Decimal `json:"current_price"`
	NewPrice       decimal.Decimal `json:"new_price"`
	Factors        Factors         `json:"factors"`
	Composite      float64         `json:"composite"`
	PriceChangePct float64         `json:"price_change_pct"` // model move as a fraction, before jitter
	Jitter         float64         `json:"jitter"`
	DemandIndex    float64         `json:"demand_index"`
	BuyVolume      decimal.Decimal `json:"buy_volume"`
	SellVolume     decimal.Decimal `json:"sell_volume"`
	Volume24h      decimal.Decimal `json:"volume_24h"`
	CalculatedAt   time.Time       `json:"calculated_at"`
}

// Engine computes prices. It only reads the ledger.
type Engine struct {
	store  ledger.Store
	jitter func() float64
	now    func() time.Time
}

type Option func(*Engine)

// WithJitter replaces the noise source. f must return values in [-MaxJitter, MaxJitter].
func WithJitter(f func() float64) Option {
	return func(e *Engine) { e.jitter = f }
}

// WithClock sets the time source used for the trailing volume window
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an engine over store
func New(store ledger.Store, opts ...Option) *Engine {
	e := &Engine{
		store: store,
		jitter: func() float64 {
			return (rand.Float64()*2 - 1) * MaxJitter
		},
		now: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CalculatePrice computes a new price for an asset without writing anything
func (e *Engine) CalculatePrice(ctx context.Context, assetID uuid.UUID) (*Result, error) {
	var res *Result
	err := e.store.View(ctx, func(tx ledger.Tx) error {
		asset, err := tx.Assets().Get(ctx, assetID)
		if errors.Is(err, ledger.ErrNotFound) {
			return fmt.Errorf("asset %s: %w", assetID, ErrAssetNotFound)
		}
		if err != nil {
			return fmt.Errorf("load asset: %w", err)
		}
		res, err = e.Compute(ctx, tx, asset)
		return err
	})
	return res, err
}

// Compute prices asset using the repositories of an open transaction
func (e *Engine) Compute(ctx context.Context, tx ledger.Tx, asset *models.Asset) (*Result, error) {
	now := e.now()

	open, err := tx.Orders().ListOpen(ctx, asset.ID)
	if err != nil {
		return nil, fmt.Errorf("load open orders: %w", err)
	}
	buyVol, sellVol := decimal.Zero, decimal.Zero
	for _, o := range open {
		notional := o.RemainingQuantity.Mul(o.Price)
		if o.Side == models.SideBuy {
			buyVol = buyVol.Add(notional)
		} else {
			sellVol = sellVol.Add(notional)
		}
	}

	vol24, err := tx.Trades().VolumeSince(ctx, asset.ID, now.Add(-24*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("load trailing volume: %w", err)
	}

	peers, err := tx.Assets().ListByCategory(ctx, asset.MarketCategory)
	if err != nil {
		return nil, fmt.Errorf("load peers: %w", err)
	}
	var changes []float64
	for _, p := range peers {
		if p.ID != asset.ID {
			changes = append(changes, p.PriceChange24h)
		}
	}

	f := Factors{
		DemandSupply: DemandSupplyScore(buyVol, sellVol),
		ROI:          ROIScore(asset.ActualROI, asset.ExpectedROI),
		Sentiment:    SentimentScore(asset.SentimentScore),
		Liquidity:    LiquidityScore(vol24, asset.MarketCap),
		MarketIndex:  MarketIndexScore(changes),
	}
	composite := f.Composite()
	pct := composite / 100 * MaxDailyMove
	jitter := clamp(e.jitter(), -MaxJitter, MaxJitter)

	newPrice := asset.CurrentPrice.
		Mul(decimal.NewFromFloat(1 + pct)).
		Mul(decimal.NewFromFloat(1 + jitter)).
		Round(2)

	return &Result{
		AssetID:        asset.ID,
		CurrentPrice:   asset.CurrentPrice,
		NewPrice:       newPrice,
		Factors:        f,
		Composite:      composite,
		PriceChangePct: pct,
		Jitter:         jitter,
		DemandIndex:    DemandIndex(f.DemandSupply),
		BuyVolume:      buyVol,
		SellVolume:     sellVol,
		Volume24h:      vol24,
		CalculatedAt:   now,
	}, nil
}
