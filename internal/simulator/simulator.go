// Package simulator runs the daily market cycle: it reprices every tradable
// asset, records a candle, resets the daily volume and expires DAY orders.
package simulator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xtrntr/fracex/internal/events"
	"github.com/xtrntr/fracex/internal/ledger"
	"github.com/xtrntr/fracex/internal/metrics"
	"github.com/xtrntr/fracex/internal/models"
	"github.com/xtrntr/fracex/internal/pricing"
)

var (
	candleHigh = decimal.RequireFromString("1.02")
	candleLow  = decimal.RequireFromString("0.98")
)

// Pricer computes a new price inside an open transaction
type Pricer interface {
	Compute(ctx context.Context, tx ledger.Tx, asset *models.Asset) (*pricing.Result, error)
}

// DayOrderExpirer cancels open DAY orders at the end of a market day
type DayOrderExpirer interface {
	ExpireDayOrders(ctx context.Context) (int, error)
}

type Options struct {
	Interval  time.Duration // between runs; defaults to 24h
	Logger    *zap.Logger
	Publisher events.Publisher
	Expirer   DayOrderExpirer // optional
	Now       func() time.Time
}

type Simulator struct {
	store     ledger.Store
	pricer    Pricer
	interval  time.Duration
	log       *zap.Logger
	publisher events.Publisher
	expirer   DayOrderExpirer
	now       func() time.Time
}

func New(store ledger.Store, pricer Pricer, opts Options) *Simulator {
	if opts.Interval <= 0 {
		opts.Interval = 24 * time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Publisher == nil {
		opts.Publisher = events.Nop{}
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Simulator{
		store:     store,
		pricer:    pricer,
		interval:  opts.Interval,
		log:       opts.Logger,
		publisher: opts.Publisher,
		expirer:   opts.Expirer,
		now:       opts.Now,
	}
}

// AssetResult is the outcome for one asset
type AssetResult struct {
	AssetID  uuid.UUID       `json:"asset_id"`
	Symbol   string          `json:"symbol"`
	OldPrice decimal.Decimal `json:"old_price"`
	NewPrice decimal.Decimal `json:"new_price"`
	Err      error           `json:"-"`
}

// Report summarizes one daily run
type Report struct {
	Updated int
	Failed  int
	Skipped int // assets not in a tradable phase
	Expired int // DAY orders cancelled
	Assets  []AssetResult
}

// SimulateDailyMarket reprices every tradable asset, each in its own
// transaction. A failing asset is logged and recorded; the others continue.
func (s *Simulator) SimulateDailyMarket(ctx context.Context) (Report, error) {
	var report Report

	var assets []models.Asset
	err := s.store.View(ctx, func(tx ledger.Tx) error {
		var err error
		assets, err = tx.Assets().List(ctx)
		return err
	})
	if err != nil {
		metrics.SimulatorRuns.WithLabelValues("error").Inc()
		return report, fmt.Errorf("list assets: %w", err)
	}

	for _, a := range assets {
		if !a.TradingPhase.Tradable() {
			report.Skipped++
			continue
		}
		res, err := s.reprice(ctx, a.ID)
		if err != nil {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			report.Failed++
			metrics.SimulatorAssetFailures.Inc()
			s.log.Error("daily price update failed",
				zap.String("asset_id", a.ID.String()),
				zap.String("symbol", a.Symbol),
				zap.Error(err))
			report.Assets = append(report.Assets, AssetResult{AssetID: a.ID, Symbol: a.Symbol, OldPrice: a.CurrentPrice, Err: err})
			continue
		}
		if res == nil {
			report.Skipped++
			continue
		}
		report.Updated++
		report.Assets = append(report.Assets, *res)
	}

	if s.expirer != nil {
		n, err := s.expirer.ExpireDayOrders(ctx)
		report.Expired = n
		if err != nil {
			s.log.Error("expire day orders", zap.Error(err))
		}
	}

	result := "ok"
	if report.Failed > 0 {
		result = "partial"
	}
	metrics.SimulatorRuns.WithLabelValues(result).Inc()
	s.log.Info("daily market simulated",
		zap.Int("updated", report.Updated),
		zap.Int("failed", report.Failed),
		zap.Int("skipped", report.Skipped),
		zap.Int("expired", report.Expired))
	return report, nil
}

// reprice returns nil when the asset left the tradable phases since listing
func (s *Simulator) reprice(ctx context.Context, assetID uuid.UUID) (*AssetResult, error) {
	var (
		out     *AssetResult
		updated models.Asset
	)
	err := s.store.WithTx(ctx, func(tx ledger.Tx) error {
		out = nil
		now := s.now()
		asset, err := tx.Assets().GetForUpdate(ctx, assetID)
		if err != nil {
			return fmt.Errorf("load asset: %w", err)
		}
		if !asset.TradingPhase.Tradable() {
			return nil
		}

		res, err := s.pricer.Compute(ctx, tx, asset)
		if err != nil {
			return fmt.Errorf("compute price: %w", err)
		}

		old := asset.CurrentPrice
		candle := &models.Candle{
			ID:          uuid.New(),
			AssetID:     asset.ID,
			Open:        old,
			High:        res.NewPrice.Mul(candleHigh).Round(2),
			Low:         res.NewPrice.Mul(candleLow).Round(2),
			Close:       res.NewPrice,
			Volume:      asset.DailyVolume,
			PeriodStart: now.Truncate(24 * time.Hour),
			CreatedAt:   now,
		}
		if err := tx.Candles().Create(ctx, candle); err != nil {
			return fmt.Errorf("create candle: %w", err)
		}

		if old.IsPositive() {
			asset.PriceChange24h = res.NewPrice.Sub(old).Div(old).Mul(decimal.NewFromInt(100)).InexactFloat64()
		}
		asset.CurrentPrice = res.NewPrice
		asset.DemandIndex = res.DemandIndex
		asset.DailyVolume = decimal.Zero
		asset.LastPriceUpdate = now
		if err := tx.Assets().Update(ctx, asset); err != nil {
			return fmt.Errorf("update asset: %w", err)
		}

		updated = *asset
		out = &AssetResult{AssetID: asset.ID, Symbol: asset.Symbol, OldPrice: old, NewPrice: res.NewPrice}
		return nil
	})
	if err != nil || out == nil {
		return nil, err
	}

	if err := s.publisher.Publish(ctx, events.Event{Type: events.TypePrice, AssetID: assetID, Asset: &updated, At: s.now()}); err != nil {
		s.log.Warn("publish price failed", zap.String("asset_id", assetID.String()), zap.Error(err))
	}
	return out, nil
}

// Run simulates the market every interval until ctx is cancelled
func (s *Simulator) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.SimulateDailyMarket(ctx); err != nil && ctx.Err() == nil {
				s.log.Error("daily market run failed", zap.Error(err))
			}
		}
	}
}
