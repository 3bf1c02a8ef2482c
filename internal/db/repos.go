package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/xtrntr/fracex/internal/ledger"
	"github.com/xtrntr/fracex/internal/models"
)

type tx struct {
	q        pgx.Tx
	readOnly bool
}

func (t *tx) Assets() ledger.AssetRepository         { return assetRepo{t} }
func (t *tx) Orders() ledger.OrderRepository         { return orderRepo{t} }
func (t *tx) Trades() ledger.TradeRepository         { return tradeRepo{t} }
func (t *tx) Portfolios() ledger.PortfolioRepository { return portfolioRepo{t} }
func (t *tx) Wallets() ledger.WalletRepository       { return walletRepo{t} }
func (t *tx) Candles() ledger.CandleRepository       { return candleRepo{t} }

func (t *tx) writable() error {
	if t.readOnly {
		return ledger.ErrReadOnly
	}
	return nil
}

// exec runs a write statement and reports ErrNotFound when no row matched
func (t *tx) exec(ctx context.Context, sql string, args ...any) error {
	if err := t.writable(); err != nil {
		return err
	}
	tag, err := t.q.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

const assetColumns = `id, symbol, current_price, price_change_24h, daily_volume, demand_index,
	sentiment_score, market_cap, market_category, expected_roi, actual_roi, trading_phase, last_price_update`

func scanAsset(row pgx.Row) (models.Asset, error) {
	var a models.Asset
	err := row.Scan(&a.ID, &a.Symbol, &a.CurrentPrice, &a.PriceChange24h, &a.DailyVolume, &a.DemandIndex,
		&a.SentimentScore, &a.MarketCap, &a.MarketCategory, &a.ExpectedROI, &a.ActualROI, &a.TradingPhase, &a.LastPriceUpdate)
	return a, err
}

type assetRepo struct{ *tx }

func (r assetRepo) Create(ctx context.Context, a *models.Asset) error {
	if err := r.writable(); err != nil {
		return err
	}
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	_, err := r.q.Exec(ctx, "INSERT INTO assets ("+assetColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)",
		a.ID, a.Symbol, a.CurrentPrice.String(), a.PriceChange24h, a.DailyVolume.String(), a.DemandIndex,
		a.SentimentScore, a.MarketCap.String(), a.MarketCategory, a.ExpectedROI, a.ActualROI, a.TradingPhase, a.LastPriceUpdate)
	if err != nil {
		return fmt.Errorf("failed to create asset: %w", err)
	}
	return nil
}

func (r assetRepo) get(ctx context.Context, id uuid.UUID, lock string) (*models.Asset, error) {
	a, err := scanAsset(r.q.QueryRow(ctx, "SELECT "+assetColumns+" FROM assets WHERE id = $1"+lock, id))
	if err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

func (r assetRepo) Get(ctx context.Context, id uuid.UUID) (*models.Asset, error) {
	return r.get(ctx, id, "")
}

func (r assetRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*models.Asset, error) {
	return r.get(ctx, id, " FOR UPDATE")
}

func (r assetRepo) Update(ctx context.Context, a *models.Asset) error {
	return r.exec(ctx, `UPDATE assets SET symbol = $2, current_price = $3, price_change_24h = $4, daily_volume = $5,
		demand_index = $6, sentiment_score = $7, market_cap = $8, market_category = $9, expected_roi = $10,
		actual_roi = $11, trading_phase = $12, last_price_update = $13 WHERE id = $1`,
		a.ID, a.Symbol, a.CurrentPrice.String(), a.PriceChange24h, a.DailyVolume.String(),
		a.DemandIndex, a.SentimentScore, a.MarketCap.String(), a.MarketCategory, a.ExpectedROI,
		a.ActualROI, a.TradingPhase, a.LastPriceUpdate)
}

func (r assetRepo) list(ctx context.Context, sql string, args ...any) ([]models.Asset, error) {
	rows, err := r.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list assets: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Asset, error) {
		return scanAsset(row)
	})
}

func (r assetRepo) List(ctx context.Context) ([]models.Asset, error) {
	return r.list(ctx, "SELECT "+assetColumns+" FROM assets ORDER BY symbol")
}

func (r assetRepo) ListByCategory(ctx context.Context, category string) ([]models.Asset, error) {
	return r.list(ctx, "SELECT "+assetColumns+" FROM assets WHERE market_category = $1 ORDER BY symbol", category)
}

const orderColumns = `id, seq, asset_id, user_id, side, order_type, price, quantity, filled_quantity,
	remaining_quantity, status, time_in_force, created_at, executed_at, cancelled_at`

func scanOrder(row pgx.Row) (models.Order, error) {
	var o models.Order
	err := row.Scan(&o.ID, &o.Seq, &o.AssetID, &o.UserID, &o.Side, &o.Type, &o.Price, &o.Quantity, &o.FilledQuantity,
		&o.RemainingQuantity, &o.Status, &o.TimeInForce, &o.CreatedAt, &o.ExecutedAt, &o.CancelledAt)
	return o, err
}

type orderRepo struct{ *tx }

func (r orderRepo) Create(ctx context.Context, o *models.Order) error {
	if err := r.writable(); err != nil {
		return err
	}
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	err := r.q.QueryRow(ctx, `INSERT INTO orders (id, asset_id, user_id, side, order_type, price, quantity,
		filled_quantity, remaining_quantity, status, time_in_force, created_at, executed_at, cancelled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14) RETURNING seq`,
		o.ID, o.AssetID, o.UserID, o.Side, o.Type, o.Price.String(), o.Quantity.String(),
		o.FilledQuantity.String(), o.RemainingQuantity.String(), o.Status, o.TimeInForce, o.CreatedAt,
		o.ExecutedAt, o.CancelledAt).Scan(&o.Seq)
	if err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}
	return nil
}

func (r orderRepo) get(ctx context.Context, id uuid.UUID, lock string) (*models.Order, error) {
	o, err := scanOrder(r.q.QueryRow(ctx, "SELECT "+orderColumns+" FROM orders WHERE id = $1"+lock, id))
	if err != nil {
		return nil, notFound(err)
	}
	return &o, nil
}

func (r orderRepo) Get(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	return r.get(ctx, id, "")
}

func (r orderRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	return r.get(ctx, id, " FOR UPDATE")
}

func (r orderRepo) Update(ctx context.Context, o *models.Order) error {
	return r.exec(ctx, `UPDATE orders SET price = $2, filled_quantity = $3, remaining_quantity = $4, status = $5,
		executed_at = $6, cancelled_at = $7 WHERE id = $1`,
		o.ID, o.Price.String(), o.FilledQuantity.String(), o.RemainingQuantity.String(), o.Status,
		o.ExecutedAt, o.CancelledAt)
}

func (r orderRepo) list(ctx context.Context, where string, args ...any) ([]models.Order, error) {
	rows, err := r.q.Query(ctx, "SELECT "+orderColumns+" FROM orders WHERE "+where+" ORDER BY seq", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Order, error) {
		return scanOrder(row)
	})
}

func (r orderRepo) ListOpen(ctx context.Context, assetID uuid.UUID) ([]models.Order, error) {
	return r.list(ctx, "asset_id = $1 AND status IN ('pending', 'partial')", assetID)
}

func (r orderRepo) ListOpenByTimeInForce(ctx context.Context, tif models.TimeInForce) ([]models.Order, error) {
	return r.list(ctx, "time_in_force = $1 AND status IN ('pending', 'partial')", tif)
}

func (r orderRepo) ListByUser(ctx context.Context, userID uuid.UUID) ([]models.Order, error) {
	return r.list(ctx, "user_id = $1", userID)
}

const tradeColumns = `id, asset_id, buy_order_id, sell_order_id, buyer_id, seller_id, quantity, price,
	total_amount, buyer_fee, seller_fee, settlement_status, executed_at, settled_at`

func scanTrade(row pgx.Row) (models.Trade, error) {
	var t models.Trade
	err := row.Scan(&t.ID, &t.AssetID, &t.BuyOrderID, &t.SellOrderID, &t.BuyerID, &t.SellerID, &t.Quantity, &t.Price,
		&t.TotalAmount, &t.BuyerFee, &t.SellerFee, &t.SettlementStatus, &t.ExecutedAt, &t.SettledAt)
	return t, err
}

type tradeRepo struct{ *tx }

func (r tradeRepo) Create(ctx context.Context, t *models.Trade) error {
	if err := r.writable(); err != nil {
		return err
	}
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	_, err := r.q.Exec(ctx, "INSERT INTO trades ("+tradeColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)",
		t.ID, t.AssetID, t.BuyOrderID, t.SellOrderID, t.BuyerID, t.SellerID, t.Quantity.String(), t.Price.String(),
		t.TotalAmount.String(), t.BuyerFee.String(), t.SellerFee.String(), t.SettlementStatus, t.ExecutedAt, t.SettledAt)
	if err != nil {
		return fmt.Errorf("failed to create trade: %w", err)
	}
	return nil
}

func (r tradeRepo) Update(ctx context.Context, t *models.Trade) error {
	return r.exec(ctx, "UPDATE trades SET settlement_status = $2, settled_at = $3 WHERE id = $1",
		t.ID, t.SettlementStatus, t.SettledAt)
}

func (r tradeRepo) Latest(ctx context.Context, assetID uuid.UUID) (*models.Trade, error) {
	t, err := scanTrade(r.q.QueryRow(ctx, "SELECT "+tradeColumns+` FROM trades
		WHERE asset_id = $1 AND settlement_status = 'settled'
		ORDER BY executed_at DESC, seq DESC LIMIT 1`, assetID))
	if err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

func (r tradeRepo) VolumeSince(ctx context.Context, assetID uuid.UUID, since time.Time) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := r.q.QueryRow(ctx, `SELECT COALESCE(SUM(total_amount), 0)::text FROM trades
		WHERE asset_id = $1 AND settlement_status = 'settled' AND executed_at >= $2`, assetID, since).Scan(&total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum volume: %w", err)
	}
	return total, nil
}

func (r tradeRepo) ListByUser(ctx context.Context, userID uuid.UUID) ([]models.Trade, error) {
	rows, err := r.q.Query(ctx, "SELECT "+tradeColumns+" FROM trades WHERE buyer_id = $1 OR seller_id = $1 ORDER BY seq", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user trades: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Trade, error) {
		return scanTrade(row)
	})
}

const portfolioColumns = `user_id, asset_id, quantity, reserved_quantity, average_buy_price, total_invested,
	realized_gain, current_value, last_updated`

func scanPortfolio(row pgx.Row) (models.Portfolio, error) {
	var p models.Portfolio
	err := row.Scan(&p.UserID, &p.AssetID, &p.Quantity, &p.ReservedQuantity, &p.AverageBuyPrice, &p.TotalInvested,
		&p.RealizedGain, &p.CurrentValue, &p.LastUpdated)
	return p, err
}

type portfolioRepo struct{ *tx }

func (r portfolioRepo) get(ctx context.Context, userID, assetID uuid.UUID, lock string) (*models.Portfolio, error) {
	p, err := scanPortfolio(r.q.QueryRow(ctx,
		"SELECT "+portfolioColumns+" FROM portfolios WHERE user_id = $1 AND asset_id = $2"+lock, userID, assetID))
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (r portfolioRepo) Get(ctx context.Context, userID, assetID uuid.UUID) (*models.Portfolio, error) {
	return r.get(ctx, userID, assetID, "")
}

func (r portfolioRepo) GetForUpdate(ctx context.Context, userID, assetID uuid.UUID) (*models.Portfolio, error) {
	return r.get(ctx, userID, assetID, " FOR UPDATE")
}

func (r portfolioRepo) Save(ctx context.Context, p *models.Portfolio) error {
	return r.exec(ctx, "INSERT INTO portfolios ("+portfolioColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (user_id, asset_id) DO UPDATE SET quantity = EXCLUDED.quantity,
		reserved_quantity = EXCLUDED.reserved_quantity, average_buy_price = EXCLUDED.average_buy_price,
		total_invested = EXCLUDED.total_invested, realized_gain = EXCLUDED.realized_gain,
		current_value = EXCLUDED.current_value, last_updated = EXCLUDED.last_updated`,
		p.UserID, p.AssetID, p.Quantity.String(), p.ReservedQuantity.String(), p.AverageBuyPrice.String(),
		p.TotalInvested.String(), p.RealizedGain.String(), p.CurrentValue.String(), p.LastUpdated)
}

func (r portfolioRepo) Delete(ctx context.Context, userID, assetID uuid.UUID) error {
	return r.exec(ctx, "DELETE FROM portfolios WHERE user_id = $1 AND asset_id = $2", userID, assetID)
}

func (r portfolioRepo) ListByUser(ctx context.Context, userID uuid.UUID) ([]models.Portfolio, error) {
	rows, err := r.q.Query(ctx, "SELECT "+portfolioColumns+" FROM portfolios WHERE user_id = $1 ORDER BY asset_id", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list portfolios: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Portfolio, error) {
		return scanPortfolio(row)
	})
}

type walletRepo struct{ *tx }

func (r walletRepo) get(ctx context.Context, userID uuid.UUID, lock string) (*models.Wallet, error) {
	var w models.Wallet
	err := r.q.QueryRow(ctx, "SELECT user_id, balance, updated_at FROM wallets WHERE user_id = $1"+lock, userID).
		Scan(&w.UserID, &w.Balance, &w.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &w, nil
}

func (r walletRepo) Get(ctx context.Context, userID uuid.UUID) (*models.Wallet, error) {
	return r.get(ctx, userID, "")
}

func (r walletRepo) GetForUpdate(ctx context.Context, userID uuid.UUID) (*models.Wallet, error) {
	return r.get(ctx, userID, " FOR UPDATE")
}

func (r walletRepo) Save(ctx context.Context, w *models.Wallet) error {
	return r.exec(ctx, `INSERT INTO wallets (user_id, balance, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET balance = EXCLUDED.balance, updated_at = EXCLUDED.updated_at`,
		w.UserID, w.Balance.String(), w.UpdatedAt)
}

const candleColumns = "id, asset_id, open, high, low, close, volume, period_start, created_at"

type candleRepo struct{ *tx }

func (r candleRepo) Create(ctx context.Context, c *models.Candle) error {
	if err := r.writable(); err != nil {
		return err
	}
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	_, err := r.q.Exec(ctx, "INSERT INTO candles ("+candleColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)",
		c.ID, c.AssetID, c.Open.String(), c.High.String(), c.Low.String(), c.Close.String(), c.Volume.String(),
		c.PeriodStart, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create candle: %w", err)
	}
	return nil
}

func (r candleRepo) ListByAsset(ctx context.Context, assetID uuid.UUID, limit int) ([]models.Candle, error) {
	if limit < 0 {
		limit = 0
	}
	rows, err := r.q.Query(ctx, "SELECT "+candleColumns+` FROM candles WHERE asset_id = $1
		ORDER BY seq DESC LIMIT NULLIF($2::int, 0)`, assetID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list candles: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Candle, error) {
		var c models.Candle
		err := row.Scan(&c.ID, &c.AssetID, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume, &c.PeriodStart, &c.CreatedAt)
		return c, err
	})
}
