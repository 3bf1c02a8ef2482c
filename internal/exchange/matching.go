package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xtrntr/fracex/internal/events"
	"github.com/xtrntr/fracex/internal/ledger"
	"github.com/xtrntr/fracex/internal/metrics"
	"github.com/xtrntr/fracex/internal/models"
	"github.com/xtrntr/fracex/internal/orderbook"
)

// MatchResult summarizes one matching pass
type MatchResult struct {
	AssetID  uuid.UUID
	Trades   []models.Trade
	Failures int // pairs whose settlement failed and were skipped
}

// MatchOrders runs one price-time priority pass over the open orders of an
// asset. Bids are walked best first; for each bid, asks are walked best first
// and every crossing pair is settled at the ask price before moving on.
// Passes for the same asset never overlap. Trade, book and price events are
// published once the pass has released the asset.
func (e *Exchange) MatchOrders(ctx context.Context, assetID uuid.UUID) (MatchResult, error) {
	res, evs, err := e.matchPass(ctx, assetID)
	for _, ev := range evs {
		e.publish(ctx, ev)
	}
	return res, err
}

// matchPass settles crossing pairs under the asset lock and returns the
// events to publish.
func (e *Exchange) matchPass(ctx context.Context, assetID uuid.UUID) (MatchResult, []events.Event, error) {
	ab := e.bookFor(assetID)
	ab.mu.Lock()
	defer ab.mu.Unlock()

	start := time.Now()
	defer func() { metrics.MatchDuration.Observe(time.Since(start).Seconds()) }()

	res := MatchResult{AssetID: assetID}

	var open []models.Order
	err := e.store.View(ctx, func(tx ledger.Tx) error {
		var err error
		open, err = tx.Orders().ListOpen(ctx, assetID)
		return err
	})
	if err != nil {
		return res, nil, fmt.Errorf("load open orders: %w", err)
	}

	book := ab.book
	book.Load(open)
	if bids, asks := book.Len(); bids == 0 || asks == 0 {
		return res, nil, nil
	}

	asks := book.Asks()
	for _, buy := range book.Bids() {
		for _, sell := range asks {
			if !buy.RemainingQuantity.IsPositive() {
				break
			}
			if !sell.RemainingQuantity.IsPositive() {
				continue
			}
			if buy.Price.LessThan(sell.Price) {
				break // asks only get more expensive
			}

			qty := decimal.Min(buy.RemainingQuantity, sell.RemainingQuantity)
			trade, err := e.settler.Settle(ctx, buy.ID, sell.ID, qty)
			if err != nil {
				if ctx.Err() != nil {
					return res, nil, ctx.Err()
				}
				res.Failures++
				metrics.SettlementFailures.Inc()
				e.log.Error("settlement failed",
					zap.String("asset_id", assetID.String()),
					zap.String("buy_order_id", buy.ID.String()),
					zap.String("sell_order_id", sell.ID.String()),
					zap.String("quantity", qty.String()),
					zap.Error(err))
				continue
			}

			for _, o := range []*models.Order{buy, sell} {
				if err := o.Fill(qty, trade.ExecutedAt); err != nil {
					// Ledger and arena disagree; drop the order from this pass.
					e.log.Warn("arena fill", zap.String("order_id", o.ID.String()), zap.Error(err))
					o.RemainingQuantity = decimal.Zero
				}
			}
			res.Trades = append(res.Trades, *trade)
			metrics.TradesSettled.Inc()
			metrics.TradeNotional.Add(trade.TotalAmount.InexactFloat64())
			e.log.Info("trade settled",
				zap.String("trade_id", trade.ID.String()),
				zap.String("asset_id", assetID.String()),
				zap.String("price", trade.Price.String()),
				zap.String("quantity", trade.Quantity.String()))
		}
	}
	book.Prune()

	if len(res.Trades) == 0 {
		return res, nil, nil
	}
	asset, err := e.refreshPrice(ctx, assetID)
	if err != nil {
		e.log.Error("refresh price failed", zap.String("asset_id", assetID.String()), zap.Error(err))
	}
	return res, e.passEvents(assetID, book, res.Trades, asset), nil
}

// passEvents builds the events for settled trades. The book snapshot is taken
// here, while the caller still holds the asset lock.
func (e *Exchange) passEvents(assetID uuid.UUID, book *orderbook.Book, trades []models.Trade, asset *models.Asset) []events.Event {
	at := e.now()
	evs := make([]events.Event, 0, len(trades)+2)
	for i := range trades {
		t := trades[i]
		evs = append(evs, events.Event{Type: events.TypeTrade, AssetID: assetID, Trade: &t, At: at})
	}
	snap := book.Snapshot(0)
	evs = append(evs, events.Event{Type: events.TypeOrderBook, AssetID: assetID, OrderBook: &snap, At: at})
	if asset != nil {
		evs = append(evs, events.Event{Type: events.TypePrice, AssetID: assetID, Asset: asset, At: at})
	}
	return evs
}

// refreshPrice sets the asset's displayed price to its most recent trade
func (e *Exchange) refreshPrice(ctx context.Context, assetID uuid.UUID) (*models.Asset, error) {
	var asset *models.Asset
	err := e.store.WithTx(ctx, func(tx ledger.Tx) error {
		a, err := tx.Assets().GetForUpdate(ctx, assetID)
		if err != nil {
			return err
		}
		last, err := tx.Trades().Latest(ctx, assetID)
		if errors.Is(err, ledger.ErrNotFound) {
			asset = a
			return nil
		}
		if err != nil {
			return err
		}
		if !a.CurrentPrice.Equal(last.Price) {
			a.CurrentPrice = last.Price
			a.LastPriceUpdate = e.now()
			if err := tx.Assets().Update(ctx, a); err != nil {
				return err
			}
		}
		asset = a
		return nil
	})
	return asset, err
}

func (e *Exchange) runMatch(ctx context.Context, assetID uuid.UUID) {
	res, err := e.MatchOrders(ctx, assetID)
	if err != nil {
		if ctx.Err() == nil {
			e.log.Error("matching pass failed", zap.String("asset_id", assetID.String()), zap.Error(err))
		}
		return
	}
	if len(res.Trades) > 0 || res.Failures > 0 {
		e.log.Debug("matching pass",
			zap.String("asset_id", assetID.String()),
			zap.Int("trades", len(res.Trades)),
			zap.Int("failures", res.Failures))
	}
}
