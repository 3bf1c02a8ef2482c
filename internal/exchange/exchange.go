// Package exchange implements order placement, cancellation, price-time
// matching and trade settlement on top of a ledger.Store.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync"
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

var (
	DefaultFeeRate = decimal.RequireFromString("0.005")

	one = decimal.NewFromInt(1)
)

// Options configures an Exchange. Zero values select defaults.
type Options struct {
	FeeRate   decimal.Decimal
	Workers   int // match queue workers
	QueueSize int // match queue capacity
	Logger    *zap.Logger
	Publisher events.Publisher
	Now       func() time.Time
}

// Exchange is the order-handling core for all assets
type Exchange struct {
	store     ledger.Store
	feeRate   decimal.Decimal
	log       *zap.Logger
	publisher events.Publisher
	now       func() time.Time
	settler   *Settler
	queue     *dispatcher

	mu    sync.Mutex
	books map[uuid.UUID]*assetBook
}

// assetBook serializes matching passes for one asset
type assetBook struct {
	mu   sync.Mutex
	book *orderbook.Book
}

// New creates an exchange over store. Call Run to start the match workers.
func New(store ledger.Store, opts Options) *Exchange {
	if !opts.FeeRate.IsPositive() {
		opts.FeeRate = DefaultFeeRate
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
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

	e := &Exchange{
		store:     store,
		feeRate:   opts.FeeRate,
		log:       opts.Logger,
		publisher: opts.Publisher,
		now:       opts.Now,
		settler:   NewSettler(store, opts.FeeRate, opts.Now),
		books:     make(map[uuid.UUID]*assetBook),
	}
	e.queue = newDispatcher(opts.QueueSize, opts.Workers, e.runMatch)
	return e
}

// FeeRate returns the fee charged to each side of a trade
func (e *Exchange) FeeRate() decimal.Decimal {
	return e.feeRate
}

// Run drives the match queue until ctx is cancelled
func (e *Exchange) Run(ctx context.Context) error {
	return e.queue.Run(ctx)
}

// Enqueue schedules a matching pass for an asset. It blocks while the queue is full.
func (e *Exchange) Enqueue(ctx context.Context, assetID uuid.UUID) error {
	return e.queue.Enqueue(ctx, assetID)
}

func (e *Exchange) bookFor(assetID uuid.UUID) *assetBook {
	e.mu.Lock()
	defer e.mu.Unlock()
	ab, ok := e.books[assetID]
	if !ok {
		ab = &assetBook{book: orderbook.New(assetID)}
		e.books[assetID] = ab
	}
	return ab
}

func (e *Exchange) publish(ctx context.Context, ev events.Event) {
	if ev.At.IsZero() {
		ev.At = e.now()
	}
	if err := e.publisher.Publish(ctx, ev); err != nil {
		e.log.Warn("publish event failed",
			zap.String("type", string(ev.Type)),
			zap.String("asset_id", ev.AssetID.String()),
			zap.Error(err))
	}
}

// PlaceOrderRequest carries a new order from a user
type PlaceOrderRequest struct {
	UserID      uuid.UUID
	AssetID     uuid.UUID
	Side        models.Side
	Type        models.OrderType
	Quantity    decimal.Decimal
	Price       decimal.Decimal // ignored for market orders
	TimeInForce models.TimeInForce
}

func (r *PlaceOrderRequest) normalize() error {
	if r.Type == "" {
		r.Type = models.OrderTypeLimit
	}
	if r.TimeInForce == "" {
		r.TimeInForce = models.TimeInForceGTC
	}
	switch {
	case !r.Side.Valid():
		return fmt.Errorf("side %q: %w", r.Side, ErrInvalidOrder)
	case !r.Type.Valid():
		return fmt.Errorf("order type %q: %w", r.Type, ErrInvalidOrder)
	case !r.TimeInForce.Valid():
		return fmt.Errorf("time in force %q: %w", r.TimeInForce, ErrInvalidOrder)
	case !r.Quantity.IsPositive():
		return fmt.Errorf("quantity must be positive: %w", ErrInvalidOrder)
	case r.Type == models.OrderTypeLimit && !r.Price.IsPositive():
		return fmt.Errorf("limit price must be positive: %w", ErrInvalidOrder)
	}
	return nil
}

// PlaceOrder validates an order, reserves funds (buy) or holdings (sell),
// records it and schedules a matching pass for its asset.
func (e *Exchange) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*models.Order, error) {
	if err := req.normalize(); err != nil {
		metrics.OrdersRejected.WithLabelValues(reason(err)).Inc()
		return nil, err
	}

	var order *models.Order
	err := e.store.WithTx(ctx, func(tx ledger.Tx) error {
		now := e.now()
		asset, err := tx.Assets().Get(ctx, req.AssetID)
		if errors.Is(err, ledger.ErrNotFound) {
			return fmt.Errorf("asset %s: %w", req.AssetID, ErrAssetNotFound)
		}
		if err != nil {
			return fmt.Errorf("load asset: %w", err)
		}
		if !asset.TradingPhase.Tradable() {
			return fmt.Errorf("%s is %s: %w", asset.Symbol, asset.TradingPhase, ErrAssetNotTradable)
		}

		price := req.Price
		if req.Type == models.OrderTypeMarket {
			price = asset.CurrentPrice
			if !price.IsPositive() {
				return fmt.Errorf("%s has no reference price: %w", asset.Symbol, ErrInvalidOrder)
			}
		}

		if req.Side == models.SideBuy {
			if err := e.reserveFunds(ctx, tx, req.UserID, req.Quantity.Mul(price).Mul(one.Add(e.feeRate)), now); err != nil {
				return err
			}
		} else {
			if err := e.reserveHoldings(ctx, tx, req.UserID, req.AssetID, req.Quantity, now); err != nil {
				return err
			}
		}

		o := &models.Order{
			ID:                uuid.New(),
			AssetID:           req.AssetID,
			UserID:            req.UserID,
			Side:              req.Side,
			Type:              req.Type,
			Price:             price,
			Quantity:          req.Quantity,
			FilledQuantity:    decimal.Zero,
			RemainingQuantity: req.Quantity,
			Status:            models.OrderStatusPending,
			TimeInForce:       req.TimeInForce,
			CreatedAt:         now,
		}
		if err := tx.Orders().Create(ctx, o); err != nil {
			return fmt.Errorf("create order: %w", err)
		}
		order = o
		return nil
	})
	if err != nil {
		metrics.OrdersRejected.WithLabelValues(reason(err)).Inc()
		return nil, err
	}

	metrics.OrdersPlaced.WithLabelValues(string(order.Side), string(order.Type)).Inc()
	e.log.Info("order placed",
		zap.String("order_id", order.ID.String()),
		zap.String("asset_id", order.AssetID.String()),
		zap.String("side", string(order.Side)),
		zap.String("price", order.Price.String()),
		zap.String("quantity", order.Quantity.String()))
	e.publish(ctx, events.Event{Type: events.TypeOrder, AssetID: order.AssetID, Order: order})

	if err := e.queue.Enqueue(ctx, order.AssetID); err != nil {
		// The order is committed; the next pass for this asset picks it up.
		e.log.Warn("enqueue match failed", zap.String("asset_id", order.AssetID.String()), zap.Error(err))
	}
	return order, nil
}

func (e *Exchange) reserveFunds(ctx context.Context, tx ledger.Tx, userID uuid.UUID, amount decimal.Decimal, now time.Time) error {
	w, err := tx.Wallets().GetForUpdate(ctx, userID)
	if errors.Is(err, ledger.ErrNotFound) {
		return fmt.Errorf("no wallet for %s: %w", userID, ErrInsufficientBalance)
	}
	if err != nil {
		return fmt.Errorf("load wallet: %w", err)
	}
	if w.Balance.LessThan(amount) {
		return fmt.Errorf("need %s, have %s: %w", amount.StringFixed(2), w.Balance.StringFixed(2), ErrInsufficientBalance)
	}
	w.Balance = w.Balance.Sub(amount)
	w.UpdatedAt = now
	if err := tx.Wallets().Save(ctx, w); err != nil {
		return fmt.Errorf("save wallet: %w", err)
	}
	return nil
}

func (e *Exchange) reserveHoldings(ctx context.Context, tx ledger.Tx, userID, assetID uuid.UUID, qty decimal.Decimal, now time.Time) error {
	p, err := tx.Portfolios().GetForUpdate(ctx, userID, assetID)
	if errors.Is(err, ledger.ErrNotFound) {
		return fmt.Errorf("no position: %w", ErrInsufficientHoldings)
	}
	if err != nil {
		return fmt.Errorf("load portfolio: %w", err)
	}
	if p.Available().LessThan(qty) {
		return fmt.Errorf("need %s, available %s: %w", qty, p.Available(), ErrInsufficientHoldings)
	}
	p.ReservedQuantity = p.ReservedQuantity.Add(qty)
	p.LastUpdated = now
	if err := tx.Portfolios().Save(ctx, p); err != nil {
		return fmt.Errorf("save portfolio: %w", err)
	}
	return nil
}

// CancelOrder cancels the unfilled remainder of a user's open order and
// returns what was reserved for it.
func (e *Exchange) CancelOrder(ctx context.Context, orderID, userID uuid.UUID) (*models.Order, error) {
	var order *models.Order
	err := e.store.WithTx(ctx, func(tx ledger.Tx) error {
		o, err := tx.Orders().GetForUpdate(ctx, orderID)
		if errors.Is(err, ledger.ErrNotFound) {
			return fmt.Errorf("order %s: %w", orderID, ErrOrderNotFound)
		}
		if err != nil {
			return fmt.Errorf("load order: %w", err)
		}
		if o.UserID != userID {
			return fmt.Errorf("order %s: %w", orderID, ErrOrderNotFound)
		}
		if err := e.release(ctx, tx, o); err != nil {
			return err
		}
		order = o
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.OrdersCancelled.WithLabelValues("user").Inc()
	e.log.Info("order cancelled",
		zap.String("order_id", order.ID.String()),
		zap.String("remaining", order.RemainingQuantity.String()))
	e.publish(ctx, events.Event{Type: events.TypeOrder, AssetID: order.AssetID, Order: order})
	return order, nil
}

// release cancels o and returns its unfilled reservation
func (e *Exchange) release(ctx context.Context, tx ledger.Tx, o *models.Order) error {
	if !o.Status.Open() {
		return fmt.Errorf("order %s is %s: %w", o.ID, o.Status, ErrInvalidOrderState)
	}
	now := e.now()
	if err := o.Cancel(now); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidOrderState, err)
	}
	if err := tx.Orders().Update(ctx, o); err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	if !o.RemainingQuantity.IsPositive() {
		return nil
	}

	if o.Side == models.SideBuy {
		w, err := tx.Wallets().GetForUpdate(ctx, o.UserID)
		if err != nil {
			return fmt.Errorf("load wallet: %w", err)
		}
		w.Balance = w.Balance.Add(o.RemainingQuantity.Mul(o.Price).Mul(one.Add(e.feeRate)))
		w.UpdatedAt = now
		if err := tx.Wallets().Save(ctx, w); err != nil {
			return fmt.Errorf("save wallet: %w", err)
		}
		return nil
	}

	p, err := tx.Portfolios().GetForUpdate(ctx, o.UserID, o.AssetID)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load portfolio: %w", err)
	}
	p.ReservedQuantity = decimal.Max(decimal.Zero, p.ReservedQuantity.Sub(o.RemainingQuantity))
	p.LastUpdated = now
	if err := tx.Portfolios().Save(ctx, p); err != nil {
		return fmt.Errorf("save portfolio: %w", err)
	}
	return nil
}

// ExpireDayOrders cancels every open DAY order. Each order is released in its
// own transaction; failures are logged and the rest continue.
func (e *Exchange) ExpireDayOrders(ctx context.Context) (int, error) {
	var open []models.Order
	err := e.store.View(ctx, func(tx ledger.Tx) error {
		var err error
		open, err = tx.Orders().ListOpenByTimeInForce(ctx, models.TimeInForceDay)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("list day orders: %w", err)
	}

	expired := 0
	var errs []error
	for _, o := range open {
		var cancelled *models.Order
		err := e.store.WithTx(ctx, func(tx ledger.Tx) error {
			cur, err := tx.Orders().GetForUpdate(ctx, o.ID)
			if err != nil {
				return fmt.Errorf("load order: %w", err)
			}
			if !cur.Status.Open() {
				cancelled = nil
				return nil
			}
			if err := e.release(ctx, tx, cur); err != nil {
				return err
			}
			cancelled = cur
			return nil
		})
		if err != nil {
			e.log.Error("expire order failed", zap.String("order_id", o.ID.String()), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		if cancelled == nil {
			continue
		}
		expired++
		metrics.OrdersCancelled.WithLabelValues("expiry").Inc()
		e.publish(ctx, events.Event{Type: events.TypeOrder, AssetID: cancelled.AssetID, Order: cancelled})
	}
	if expired > 0 {
		e.log.Info("day orders expired", zap.Int("count", expired))
	}
	return expired, errors.Join(errs...)
}

// GetOrderBook returns an aggregated snapshot of an asset's open orders
func (e *Exchange) GetOrderBook(ctx context.Context, assetID uuid.UUID, depth int) (*orderbook.Snapshot, error) {
	var open []models.Order
	err := e.store.View(ctx, func(tx ledger.Tx) error {
		if _, err := tx.Assets().Get(ctx, assetID); err != nil {
			if errors.Is(err, ledger.ErrNotFound) {
				return fmt.Errorf("asset %s: %w", assetID, ErrAssetNotFound)
			}
			return fmt.Errorf("load asset: %w", err)
		}
		var err error
		open, err = tx.Orders().ListOpen(ctx, assetID)
		return err
	})
	if err != nil {
		return nil, err
	}

	book := orderbook.New(assetID)
	book.Load(open)
	snap := book.Snapshot(depth)
	return &snap, nil
}

// Asset returns one asset
func (e *Exchange) Asset(ctx context.Context, assetID uuid.UUID) (*models.Asset, error) {
	var asset *models.Asset
	err := e.store.View(ctx, func(tx ledger.Tx) error {
		var err error
		asset, err = tx.Assets().Get(ctx, assetID)
		return err
	})
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, fmt.Errorf("asset %s: %w", assetID, ErrAssetNotFound)
	}
	return asset, err
}

// Assets lists every asset
func (e *Exchange) Assets(ctx context.Context) ([]models.Asset, error) {
	var assets []models.Asset
	err := e.store.View(ctx, func(tx ledger.Tx) error {
		var err error
		assets, err = tx.Assets().List(ctx)
		return err
	})
	return assets, err
}

// UserOrders lists a user's orders, oldest first
func (e *Exchange) UserOrders(ctx context.Context, userID uuid.UUID) ([]models.Order, error) {
	var orders []models.Order
	err := e.store.View(ctx, func(tx ledger.Tx) error {
		var err error
		orders, err = tx.Orders().ListByUser(ctx, userID)
		return err
	})
	return orders, err
}

// UserTrades lists trades where the user was buyer or seller
func (e *Exchange) UserTrades(ctx context.Context, userID uuid.UUID) ([]models.Trade, error) {
	var trades []models.Trade
	err := e.store.View(ctx, func(tx ledger.Tx) error {
		var err error
		trades, err = tx.Trades().ListByUser(ctx, userID)
		return err
	})
	return trades, err
}

// Portfolio lists a user's open positions
func (e *Exchange) Portfolio(ctx context.Context, userID uuid.UUID) ([]models.Portfolio, error) {
	var positions []models.Portfolio
	err := e.store.View(ctx, func(tx ledger.Tx) error {
		var err error
		positions, err = tx.Portfolios().ListByUser(ctx, userID)
		return err
	})
	return positions, err
}

// Wallet returns a user's wallet; users without one have a zero balance
func (e *Exchange) Wallet(ctx context.Context, userID uuid.UUID) (*models.Wallet, error) {
	var w *models.Wallet
	err := e.store.View(ctx, func(tx ledger.Tx) error {
		var err error
		w, err = tx.Wallets().Get(ctx, userID)
		return err
	})
	if errors.Is(err, ledger.ErrNotFound) {
		return &models.Wallet{UserID: userID, Balance: decimal.Zero}, nil
	}
	return w, err
}
