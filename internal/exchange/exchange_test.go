package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtrntr/fracex/internal/events"
	"github.com/xtrntr/fracex/internal/ledger"
	"github.com/xtrntr/fracex/internal/memdb"
	"github.com/xtrntr/fracex/internal/models"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// clock advances one millisecond per reading so orders get distinct times
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

type fixture struct {
	ctx   context.Context
	store *memdb.Store
	ex    *Exchange
	asset *models.Asset
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := memdb.New()
	c := &clock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}

	asset := &models.Asset{
		Symbol:         "VILLA",
		CurrentPrice:   d("50"),
		MarketCap:      d("1000000"),
		MarketCategory: "real_estate",
		TradingPhase:   models.PhaseSecondary,
	}
	require.NoError(t, store.WithTx(ctx, func(tx ledger.Tx) error {
		return tx.Assets().Create(ctx, asset)
	}))

	return &fixture{
		ctx:   ctx,
		store: store,
		ex:    New(store, Options{Now: c.Now}),
		asset: asset,
	}
}

func (f *fixture) fund(t *testing.T, userID uuid.UUID, balance string) {
	t.Helper()
	require.NoError(t, f.store.WithTx(f.ctx, func(tx ledger.Tx) error {
		return tx.Wallets().Save(f.ctx, &models.Wallet{UserID: userID, Balance: d(balance)})
	}))
}

func (f *fixture) hold(t *testing.T, userID uuid.UUID, qty, avg string) {
	t.Helper()
	require.NoError(t, f.store.WithTx(f.ctx, func(tx ledger.Tx) error {
		return tx.Portfolios().Save(f.ctx, &models.Portfolio{
			UserID:          userID,
			AssetID:         f.asset.ID,
			Quantity:        d(qty),
			AverageBuyPrice: d(avg),
			TotalInvested:   d(qty).Mul(d(avg)),
		})
	}))
}

func (f *fixture) limit(userID uuid.UUID, side models.Side, qty, price string) PlaceOrderRequest {
	return PlaceOrderRequest{
		UserID:   userID,
		AssetID:  f.asset.ID,
		Side:     side,
		Type:     models.OrderTypeLimit,
		Quantity: d(qty),
		Price:    d(price),
	}
}

func (f *fixture) place(t *testing.T, req PlaceOrderRequest) *models.Order {
	t.Helper()
	o, err := f.ex.PlaceOrder(f.ctx, req)
	require.NoError(t, err)
	return o
}

func (f *fixture) wallet(t *testing.T, userID uuid.UUID) decimal.Decimal {
	t.Helper()
	w, err := f.ex.Wallet(f.ctx, userID)
	require.NoError(t, err)
	return w.Balance
}

func (f *fixture) order(t *testing.T, id uuid.UUID) *models.Order {
	t.Helper()
	var o *models.Order
	require.NoError(t, f.store.View(f.ctx, func(tx ledger.Tx) error {
		var err error
		o, err = tx.Orders().Get(f.ctx, id)
		return err
	}))
	return o
}

func (f *fixture) position(t *testing.T, userID uuid.UUID) (*models.Portfolio, error) {
	t.Helper()
	var p *models.Portfolio
	err := f.store.View(f.ctx, func(tx ledger.Tx) error {
		var err error
		p, err = tx.Portfolios().Get(f.ctx, userID, f.asset.ID)
		return err
	})
	return p, err
}

func assertDec(t *testing.T, expected string, actual decimal.Decimal, msg string) {
	t.Helper()
	assert.True(t, actual.Equal(d(expected)), "%s: expected %s, got %s", msg, expected, actual)
}

func TestPlaceOrder_Validation(t *testing.T) {
	f := newFixture(t)
	buyer := uuid.New()
	seller := uuid.New()
	f.fund(t, buyer, "1000")
	f.hold(t, seller, "10", "40")

	paused := &models.Asset{Symbol: "PAUSED", CurrentPrice: d("10"), TradingPhase: models.PhasePaused}
	require.NoError(t, f.store.WithTx(f.ctx, func(tx ledger.Tx) error {
		return tx.Assets().Create(f.ctx, paused)
	}))

	tests := []struct {
		name        string
		req         PlaceOrderRequest
		expectedErr error
	}{
		{
			name:        "UnknownAsset",
			req:         PlaceOrderRequest{UserID: buyer, AssetID: uuid.New(), Side: models.SideBuy, Quantity: d("1"), Price: d("1")},
			expectedErr: ErrAssetNotFound,
		},
		{
			name:        "PausedAsset",
			req:         PlaceOrderRequest{UserID: buyer, AssetID: paused.ID, Side: models.SideBuy, Quantity: d("1"), Price: d("1")},
			expectedErr: ErrAssetNotTradable,
		},
		{
			name:        "ZeroQuantity",
			req:         f.limit(buyer, models.SideBuy, "0", "50"),
			expectedErr: ErrInvalidOrder,
		},
		{
			name:        "LimitWithoutPrice",
			req:         f.limit(buyer, models.SideBuy, "1", "0"),
			expectedErr: ErrInvalidOrder,
		},
		{
			name:        "BadSide",
			req:         f.limit(buyer, models.Side("hold"), "1", "50"),
			expectedErr: ErrInvalidOrder,
		},
		{
			name:        "InsufficientBalance",
			req:         f.limit(buyer, models.SideBuy, "20", "50"),
			expectedErr: ErrInsufficientBalance,
		},
		{
			name:        "NoWallet",
			req:         f.limit(uuid.New(), models.SideBuy, "1", "50"),
			expectedErr: ErrInsufficientBalance,
		},
		{
			name:        "InsufficientHoldings",
			req:         f.limit(seller, models.SideSell, "11", "50"),
			expectedErr: ErrInsufficientHoldings,
		},
		{
			name:        "NoPosition",
			req:         f.limit(buyer, models.SideSell, "1", "50"),
			expectedErr: ErrInsufficientHoldings,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, err := f.ex.PlaceOrder(f.ctx, tt.req)
			assert.ErrorIs(t, err, tt.expectedErr)
			assert.Nil(t, o)
		})
	}

	assertDec(t, "1000", f.wallet(t, buyer), "rejected orders must not touch the wallet")
	orders, err := f.ex.UserOrders(f.ctx, buyer)
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestPlaceOrder_ReservesHoldings(t *testing.T) {
	f := newFixture(t)
	seller := uuid.New()
	f.hold(t, seller, "100", "40")

	f.place(t, f.limit(seller, models.SideSell, "60", "55"))
	_, err := f.ex.PlaceOrder(f.ctx, f.limit(seller, models.SideSell, "60", "56"))
	assert.ErrorIs(t, err, ErrInsufficientHoldings, "second sell would oversell the position")

	f.place(t, f.limit(seller, models.SideSell, "40", "56"))
	p, err := f.position(t, seller)
	require.NoError(t, err)
	assertDec(t, "100", p.ReservedQuantity, "reserved")
	assertDec(t, "0", p.Available(), "available")
}

func TestPlaceOrder_MarketUsesCurrentPrice(t *testing.T) {
	f := newFixture(t)
	buyer := uuid.New()
	f.fund(t, buyer, "1000")

	o := f.place(t, PlaceOrderRequest{
		UserID:   buyer,
		AssetID:  f.asset.ID,
		Side:     models.SideBuy,
		Type:     models.OrderTypeMarket,
		Quantity: d("10"),
	})
	assertDec(t, "50", o.Price, "market order reference price")
	assert.Equal(t, models.TimeInForceGTC, o.TimeInForce)
	assertDec(t, "497.5", f.wallet(t, buyer), "wallet after reserving 10 x 50 x 1.005")

	// no counterparty: stays pending
	res, err := f.ex.MatchOrders(f.ctx, f.asset.ID)
	require.NoError(t, err)
	assert.Empty(t, res.Trades)
	assert.Equal(t, models.OrderStatusPending, f.order(t, o.ID).Status)
}

func TestEndToEnd(t *testing.T) {
	f := newFixture(t)
	buyer := uuid.New()
	seller := uuid.New()
	f.fund(t, buyer, "6000")
	f.hold(t, seller, "100", "40")

	buy := f.place(t, f.limit(buyer, models.SideBuy, "100", "50"))
	assert.Equal(t, models.OrderStatusPending, buy.Status)
	assertDec(t, "975", f.wallet(t, buyer), "buyer wallet after reservation")

	sell := f.place(t, f.limit(seller, models.SideSell, "100", "48"))

	res, err := f.ex.MatchOrders(f.ctx, f.asset.ID)
	require.NoError(t, err)
	require.Len(t, res.Trades, 1)
	assert.Zero(t, res.Failures)

	trade := res.Trades[0]
	assertDec(t, "48", trade.Price, "execution price")
	assertDec(t, "100", trade.Quantity, "trade quantity")
	assertDec(t, "4800", trade.TotalAmount, "total")
	assertDec(t, "24", trade.BuyerFee, "buyer fee")
	assertDec(t, "24", trade.SellerFee, "seller fee")
	assert.Equal(t, models.SettlementSettled, trade.SettlementStatus)
	assert.NotNil(t, trade.SettledAt)

	assertDec(t, "4776", f.wallet(t, seller), "seller wallet")
	// 975 + 100 x (50 - 48) x 1.005 price improvement
	assertDec(t, "1176", f.wallet(t, buyer), "buyer wallet after refund")

	for _, id := range []uuid.UUID{buy.ID, sell.ID} {
		o := f.order(t, id)
		assert.Equal(t, models.OrderStatusFilled, o.Status)
		assert.NotNil(t, o.ExecutedAt)
		assertDec(t, "0", o.RemainingQuantity, "remaining")
	}

	asset, err := f.ex.Asset(f.ctx, f.asset.ID)
	require.NoError(t, err)
	assertDec(t, "48", asset.CurrentPrice, "asset price")
	assertDec(t, "4800", asset.DailyVolume, "daily volume")

	bp, err := f.position(t, buyer)
	require.NoError(t, err)
	assertDec(t, "100", bp.Quantity, "buyer quantity")
	assertDec(t, "48", bp.AverageBuyPrice, "buyer average")

	_, err = f.position(t, seller)
	assert.ErrorIs(t, err, ledger.ErrNotFound, "closed position must be removed")
}

func TestMatchOrders_PriceTimePriority(t *testing.T) {
	f := newFixture(t)
	buyer1, buyer2 := uuid.New(), uuid.New()
	seller1, seller2 := uuid.New(), uuid.New()
	f.fund(t, buyer1, "1000")
	f.fund(t, buyer2, "1000")
	f.hold(t, seller1, "3", "5")
	f.hold(t, seller2, "4", "5")

	b10 := f.place(t, f.limit(buyer1, models.SideBuy, "5", "10"))
	s8 := f.place(t, f.limit(seller1, models.SideSell, "3", "8"))
	b9 := f.place(t, f.limit(buyer2, models.SideBuy, "5", "9"))
	s9 := f.place(t, f.limit(seller2, models.SideSell, "4", "9"))

	res, err := f.ex.MatchOrders(f.ctx, f.asset.ID)
	require.NoError(t, err)
	require.Len(t, res.Trades, 3)

	expected := []struct {
		buy, sell  uuid.UUID
		qty, price string
	}{
		{b10.ID, s8.ID, "3", "8"},
		{b10.ID, s9.ID, "2", "9"},
		{b9.ID, s9.ID, "2", "9"},
	}
	for i, e := range expected {
		tr := res.Trades[i]
		assert.Equal(t, e.buy, tr.BuyOrderID, "trade %d buy order", i)
		assert.Equal(t, e.sell, tr.SellOrderID, "trade %d sell order", i)
		assertDec(t, e.qty, tr.Quantity, fmt.Sprintf("trade %d quantity", i))
		assertDec(t, e.price, tr.Price, fmt.Sprintf("trade %d price", i))
	}

	assert.Equal(t, models.OrderStatusFilled, f.order(t, b10.ID).Status)
	assert.Equal(t, models.OrderStatusFilled, f.order(t, s8.ID).Status)
	assert.Equal(t, models.OrderStatusFilled, f.order(t, s9.ID).Status)
	rest := f.order(t, b9.ID)
	assert.Equal(t, models.OrderStatusPartial, rest.Status)
	assertDec(t, "3", rest.RemainingQuantity, "b9 remaining")

	// 1000 - (3 x 8 + 2 x 9) x 1.005
	assertDec(t, "957.79", f.wallet(t, buyer1), "buyer1 pays execution prices plus fee")

	asset, err := f.ex.Asset(f.ctx, f.asset.ID)
	require.NoError(t, err)
	assertDec(t, "9", asset.CurrentPrice, "price follows the latest trade")

	snap, err := f.ex.GetOrderBook(f.ctx, f.asset.ID, 10)
	require.NoError(t, err)
	require.Len(t, snap.Bids, 1)
	assert.Empty(t, snap.Asks)
	assertDec(t, "3", snap.Bids[0].Quantity, "resting bid")
	assert.True(t, snap.Spread.IsZero())
}

func TestMatchOrders_NoCross(t *testing.T) {
	f := newFixture(t)
	buyer, seller := uuid.New(), uuid.New()
	f.fund(t, buyer, "1000")
	f.hold(t, seller, "10", "5")

	res, err := f.ex.MatchOrders(f.ctx, f.asset.ID)
	require.NoError(t, err)
	assert.Empty(t, res.Trades, "empty book is a no-op")

	f.place(t, f.limit(buyer, models.SideBuy, "5", "9"))
	f.place(t, f.limit(seller, models.SideSell, "5", "10"))

	res, err = f.ex.MatchOrders(f.ctx, f.asset.ID)
	require.NoError(t, err)
	assert.Empty(t, res.Trades)

	snap, err := f.ex.GetOrderBook(f.ctx, f.asset.ID, 0)
	require.NoError(t, err)
	assertDec(t, "1", snap.Spread, "spread")

	_, err = f.ex.GetOrderBook(f.ctx, uuid.New(), 0)
	assert.ErrorIs(t, err, ErrAssetNotFound)
}

func TestMatchOrders_SelfTrade(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	f.fund(t, user, "1000")
	f.hold(t, user, "10", "40")

	f.place(t, f.limit(user, models.SideSell, "10", "50"))
	f.place(t, f.limit(user, models.SideBuy, "10", "50"))

	res, err := f.ex.MatchOrders(f.ctx, f.asset.ID)
	require.NoError(t, err)
	require.Len(t, res.Trades, 1)

	// buyer and seller fee both leave the wallet
	assertDec(t, "995", f.wallet(t, user), "wallet after self trade")
	p, err := f.position(t, user)
	require.NoError(t, err)
	assertDec(t, "10", p.Quantity, "quantity")
	assertDec(t, "0", p.ReservedQuantity, "reserved")
	assertDec(t, "100", p.RealizedGain, "realized gain survives the position rolling over")
	assertDec(t, "50", p.AverageBuyPrice, "average")
}

func TestMatchOrders_SelfTradeCostBasis(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	f.fund(t, user, "1000")
	f.hold(t, user, "20", "40")

	f.place(t, f.limit(user, models.SideSell, "10", "50"))
	f.place(t, f.limit(user, models.SideBuy, "10", "50"))

	res, err := f.ex.MatchOrders(f.ctx, f.asset.ID)
	require.NoError(t, err)
	require.Len(t, res.Trades, 1)

	// sold 10 against the 40 basis, then bought 10 back at 50
	p, err := f.position(t, user)
	require.NoError(t, err)
	assertDec(t, "20", p.Quantity, "quantity")
	assertDec(t, "0", p.ReservedQuantity, "reserved")
	assertDec(t, "100", p.RealizedGain, "realized gain")
	assertDec(t, "900", p.TotalInvested, "invested")
	assertDec(t, "45", p.AverageBuyPrice, "average")
}

// gatedPublisher parks trade events until released
type gatedPublisher struct {
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedPublisher) Publish(ctx context.Context, ev events.Event) error {
	if ev.Type != events.TypeTrade {
		return nil
	}
	g.once.Do(func() { close(g.entered) })
	select {
	case <-g.release:
	case <-ctx.Done():
	}
	return nil
}

func TestMatchOrders_PublishesOutsideAssetLock(t *testing.T) {
	f := newFixture(t)
	buyer, seller := uuid.New(), uuid.New()
	f.fund(t, buyer, "1000")
	f.hold(t, seller, "10", "40")
	f.place(t, f.limit(seller, models.SideSell, "10", "50"))
	f.place(t, f.limit(buyer, models.SideBuy, "10", "50"))

	pub := &gatedPublisher{entered: make(chan struct{}), release: make(chan struct{})}
	ex := New(f.store, Options{Publisher: pub})

	first := make(chan error, 1)
	go func() {
		res, err := ex.MatchOrders(f.ctx, f.asset.ID)
		if err == nil && len(res.Trades) != 1 {
			err = fmt.Errorf("expected 1 trade, got %d", len(res.Trades))
		}
		first <- err
	}()

	select {
	case <-pub.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("trade event never published")
	}

	second := make(chan error, 1)
	go func() {
		_, err := ex.MatchOrders(f.ctx, f.asset.ID)
		second <- err
	}()
	select {
	case err := <-second:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("second pass blocked behind a slow publisher")
	}

	close(pub.release)
	require.NoError(t, <-first)
}

func TestCancelOrder(t *testing.T) {
	f := newFixture(t)
	buyer, seller, other := uuid.New(), uuid.New(), uuid.New()
	f.fund(t, buyer, "1000")
	f.hold(t, seller, "10", "40")

	buy := f.place(t, f.limit(buyer, models.SideBuy, "10", "50"))
	f.place(t, f.limit(seller, models.SideSell, "4", "50"))
	_, err := f.ex.MatchOrders(f.ctx, f.asset.ID)
	require.NoError(t, err)

	_, err = f.ex.CancelOrder(f.ctx, buy.ID, other)
	assert.ErrorIs(t, err, ErrOrderNotFound, "orders of other users are invisible")
	_, err = f.ex.CancelOrder(f.ctx, uuid.New(), buyer)
	assert.ErrorIs(t, err, ErrOrderNotFound)

	before := f.wallet(t, buyer)
	cancelled, err := f.ex.CancelOrder(f.ctx, buy.ID, buyer)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, cancelled.Status)
	assert.NotNil(t, cancelled.CancelledAt)
	assertDec(t, "4", cancelled.FilledQuantity, "fills before cancel are kept")
	// 6 x 50 x 1.005
	assertDec(t, before.Add(d("301.5")).String(), f.wallet(t, buyer), "refund of the remainder")

	after := f.wallet(t, buyer)
	_, err = f.ex.CancelOrder(f.ctx, buy.ID, buyer)
	assert.ErrorIs(t, err, ErrInvalidOrderState)
	assertDec(t, after.String(), f.wallet(t, buyer), "second cancel must not refund")
	assert.Equal(t, models.OrderStatusCancelled, f.order(t, buy.ID).Status)
}

func TestCancelOrder_FilledAndSell(t *testing.T) {
	f := newFixture(t)
	buyer, seller := uuid.New(), uuid.New()
	f.fund(t, buyer, "1000")
	f.hold(t, seller, "10", "40")

	buy := f.place(t, f.limit(buyer, models.SideBuy, "2", "50"))
	sell := f.place(t, f.limit(seller, models.SideSell, "5", "50"))
	_, err := f.ex.MatchOrders(f.ctx, f.asset.ID)
	require.NoError(t, err)

	_, err = f.ex.CancelOrder(f.ctx, buy.ID, buyer)
	assert.ErrorIs(t, err, ErrInvalidOrderState, "filled orders cannot be cancelled")

	p, err := f.position(t, seller)
	require.NoError(t, err)
	assertDec(t, "3", p.ReservedQuantity, "reserved before cancel")

	_, err = f.ex.CancelOrder(f.ctx, sell.ID, seller)
	require.NoError(t, err)
	p, err = f.position(t, seller)
	require.NoError(t, err)
	assertDec(t, "8", p.Quantity, "quantity")
	assertDec(t, "0", p.ReservedQuantity, "cancel releases the reservation")
}

func TestCancelOrder_Concurrent(t *testing.T) {
	f := newFixture(t)
	buyer := uuid.New()
	f.fund(t, buyer, "1000")
	buy := f.place(t, f.limit(buyer, models.SideBuy, "10", "50"))

	const n = 10
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.ex.CancelOrder(f.ctx, buy.ID, buyer)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	successes := 0
	for err := range errs {
		if err == nil {
			successes++
			continue
		}
		assert.ErrorIs(t, err, ErrInvalidOrderState)
	}
	assert.Equal(t, 1, successes, "exactly one cancel must win")
	assertDec(t, "1000", f.wallet(t, buyer), "refunded exactly once")
}

func TestExpireDayOrders(t *testing.T) {
	f := newFixture(t)
	buyer := uuid.New()
	f.fund(t, buyer, "1000")

	day := f.limit(buyer, models.SideBuy, "2", "50")
	day.TimeInForce = models.TimeInForceDay
	dayOrder := f.place(t, day)
	gtc := f.place(t, f.limit(buyer, models.SideBuy, "2", "40"))

	n, err := f.ex.ExpireDayOrders(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, models.OrderStatusCancelled, f.order(t, dayOrder.ID).Status)
	assert.Equal(t, models.OrderStatusPending, f.order(t, gtc.ID).Status)
	// only the GTC reservation (2 x 40 x 1.005) remains
	assertDec(t, "919.6", f.wallet(t, buyer), "wallet")

	n, err = f.ex.ExpireDayOrders(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSettle_FailureLeavesNoTrace(t *testing.T) {
	f := newFixture(t)
	buyer, seller := uuid.New(), uuid.New()
	f.fund(t, buyer, "1000")
	f.hold(t, seller, "10", "40")

	buy := f.place(t, f.limit(buyer, models.SideBuy, "5", "50"))
	sell := f.place(t, f.limit(seller, models.SideSell, "5", "50"))

	settler := NewSettler(f.store, DefaultFeeRate, nil)
	_, err := settler.Settle(f.ctx, buy.ID, sell.ID, d("6"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSettlementFailure)

	_, err = settler.Settle(f.ctx, sell.ID, buy.ID, d("1"))
	assert.ErrorIs(t, err, ErrSettlementFailure, "sides swapped")

	for _, id := range []uuid.UUID{buy.ID, sell.ID} {
		o := f.order(t, id)
		assert.Equal(t, models.OrderStatusPending, o.Status)
		assertDec(t, "5", o.RemainingQuantity, "remaining")
	}
	trades, err := f.ex.UserTrades(f.ctx, buyer)
	require.NoError(t, err)
	assert.Empty(t, trades)
	assertDec(t, "0", f.wallet(t, seller), "seller wallet")
}

// assertConserved checks that cash only moved between wallets, open buy
// reservations and collected fees, and that shares only moved between users.
func assertConserved(t *testing.T, f *fixture, users []uuid.UUID, cash, shares decimal.Decimal) {
	t.Helper()
	require.NoError(t, f.store.View(f.ctx, func(tx ledger.Tx) error {
		wallets := decimal.Zero
		held := decimal.Zero
		reserved := decimal.Zero
		fees := decimal.Zero
		seen := make(map[uuid.UUID]bool)

		for _, u := range users {
			w, err := tx.Wallets().Get(f.ctx, u)
			if err == nil {
				assert.False(t, w.Balance.IsNegative(), "negative wallet for %s", u)
				wallets = wallets.Add(w.Balance)
			} else if !errors.Is(err, ledger.ErrNotFound) {
				return err
			}

			p, err := tx.Portfolios().Get(f.ctx, u, f.asset.ID)
			if err == nil {
				held = held.Add(p.Quantity)
				assert.False(t, p.ReservedQuantity.GreaterThan(p.Quantity), "over-reserved position")
			} else if !errors.Is(err, ledger.ErrNotFound) {
				return err
			}

			trades, err := tx.Trades().ListByUser(f.ctx, u)
			if err != nil {
				return err
			}
			for _, tr := range trades {
				if seen[tr.ID] {
					continue
				}
				seen[tr.ID] = true
				fees = fees.Add(tr.BuyerFee).Add(tr.SellerFee)
			}

			orders, err := tx.Orders().ListByUser(f.ctx, u)
			if err != nil {
				return err
			}
			for _, o := range orders {
				assert.True(t, o.FilledQuantity.Add(o.RemainingQuantity).Equal(o.Quantity), "order %s out of balance", o.ID)
				assert.False(t, o.RemainingQuantity.IsNegative())
				if o.Side == models.SideBuy && o.Status.Open() {
					reserved = reserved.Add(o.RemainingQuantity.Mul(o.Price).Mul(one.Add(DefaultFeeRate)))
				}
			}
		}

		total := wallets.Add(reserved).Add(fees)
		assert.True(t, total.Equal(cash), "cash not conserved: wallets %s + reserved %s + fees %s != %s", wallets, reserved, fees, cash)
		assert.True(t, held.Equal(shares), "shares not conserved: %s != %s", held, shares)
		return nil
	}))
}

func TestConservation(t *testing.T) {
	f := newFixture(t)
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	users := []uuid.UUID{a, b, c}
	f.fund(t, a, "5000")
	f.fund(t, b, "5000")
	f.hold(t, b, "40", "45")
	f.hold(t, c, "60", "30")

	f.place(t, f.limit(a, models.SideBuy, "10", "52.5"))
	f.place(t, f.limit(c, models.SideSell, "15", "49.25"))
	f.place(t, f.limit(b, models.SideSell, "20", "51"))
	f.place(t, f.limit(a, models.SideBuy, "7.5", "51"))
	f.place(t, f.limit(b, models.SideBuy, "3", "60"))
	f.place(t, f.limit(c, models.SideSell, "12", "55"))

	res, err := f.ex.MatchOrders(f.ctx, f.asset.ID)
	require.NoError(t, err)
	require.NotEmpty(t, res.Trades)

	for _, tr := range res.Trades {
		assertDec(t, tr.TotalAmount.Mul(DefaultFeeRate).String(), tr.BuyerFee, "buyer fee")
		assertDec(t, tr.Quantity.Mul(tr.Price).String(), tr.TotalAmount, "total")
	}
	assertConserved(t, f, users, d("10000"), d("100"))
}

func TestExchange_ConcurrentOrders(t *testing.T) {
	f := newFixture(t)
	buyers := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	sellers := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	for _, u := range buyers {
		f.fund(t, u, "100000")
	}
	for _, u := range sellers {
		f.hold(t, u, "1000", "50")
	}
	users := append(append([]uuid.UUID{}, buyers...), sellers...)

	ctx, cancel := context.WithCancel(f.ctx)
	done := make(chan error, 1)
	go func() { done <- f.ex.Run(ctx) }()

	var wg sync.WaitGroup
	for g := 0; g < 12; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 15; i++ {
				price := decimal.NewFromInt(int64(95 + (g*7+i*3)%11))
				qty := decimal.NewFromInt(int64(1 + (g+i)%5))
				var req PlaceOrderRequest
				if (g+i)%2 == 0 {
					req = f.limit(buyers[(g+i)%len(buyers)], models.SideBuy, qty.String(), price.String())
				} else {
					req = f.limit(sellers[(g+i)%len(sellers)], models.SideSell, qty.String(), price.String())
				}
				if _, err := f.ex.PlaceOrder(f.ctx, req); err != nil {
					assert.True(t, errors.Is(err, ErrInsufficientBalance) || errors.Is(err, ErrInsufficientHoldings), "unexpected error: %v", err)
				}
			}
		}(g)
	}
	wg.Wait()

	_, err := f.ex.MatchOrders(f.ctx, f.asset.ID)
	require.NoError(t, err)
	cancel()
	require.NoError(t, <-done)

	snap, err := f.ex.GetOrderBook(f.ctx, f.asset.ID, 1)
	require.NoError(t, err)
	if len(snap.Bids) > 0 && len(snap.Asks) > 0 {
		assert.True(t, snap.Bids[0].Price.LessThan(snap.Asks[0].Price), "book left crossed: %s >= %s", snap.Bids[0].Price, snap.Asks[0].Price)
	}
	assertConserved(t, f, users, d("300000"), d("3000"))
}
