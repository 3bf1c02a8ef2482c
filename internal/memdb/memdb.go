// Package memdb is an in-process ledger.Store. Transactions are serialized
// behind one mutex and run against a private copy of the data that replaces
// the live state only when the transaction function succeeds.
package memdb

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/xtrntr/fracex/internal/ledger"
	"github.com/xtrntr/fracex/internal/models"
)

type portfolioKey struct {
	userID  uuid.UUID
	assetID uuid.UUID
}

type state struct {
	seq        int64
	assets     map[uuid.UUID]models.Asset
	orders     map[uuid.UUID]models.Order
	trades     map[uuid.UUID]models.Trade
	tradeLog   []uuid.UUID // insertion order
	portfolios map[portfolioKey]models.Portfolio
	wallets    map[uuid.UUID]models.Wallet
	candles    []models.Candle
}

func newState() *state {
	return &state{
		assets:     make(map[uuid.UUID]models.Asset),
		orders:     make(map[uuid.UUID]models.Order),
		trades:     make(map[uuid.UUID]models.Trade),
		portfolios: make(map[portfolioKey]models.Portfolio),
		wallets:    make(map[uuid.UUID]models.Wallet),
	}
}

func (s *state) clone() *state {
	c := &state{
		seq:        s.seq,
		assets:     make(map[uuid.UUID]models.Asset, len(s.assets)),
		orders:     make(map[uuid.UUID]models.Order, len(s.orders)),
		trades:     make(map[uuid.UUID]models.Trade, len(s.trades)),
		tradeLog:   append([]uuid.UUID(nil), s.tradeLog...),
		portfolios: make(map[portfolioKey]models.Portfolio, len(s.portfolios)),
		wallets:    make(map[uuid.UUID]models.Wallet, len(s.wallets)),
		candles:    append([]models.Candle(nil), s.candles...),
	}
	for k, v := range s.assets {
		c.assets[k] = v
	}
	for k, v := range s.orders {
		c.orders[k] = v
	}
	for k, v := range s.trades {
		c.trades[k] = v
	}
	for k, v := range s.portfolios {
		c.portfolios[k] = v
	}
	for k, v := range s.wallets {
		c.wallets[k] = v
	}
	return c
}

// Store is an in-memory ledger
type Store struct {
	mu   sync.Mutex
	data *state
}

// New returns an empty store
func New() *Store {
	return &Store{data: newState()}
}

// WithTx runs fn against a copy of the data and commits it if fn succeeds
func (s *Store) WithTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.data.clone()
	if err := fn(&tx{st: work}); err != nil {
		return err
	}
	s.data = work
	return nil
}

// View runs fn against the live data; writes are rejected
func (s *Store) View(ctx context.Context, fn func(tx ledger.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&tx{st: s.data, readOnly: true})
}

type tx struct {
	st       *state
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

type assetRepo struct{ *tx }

func (r assetRepo) Create(ctx context.Context, a *models.Asset) error {
	if err := r.writable(); err != nil {
		return err
	}
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	r.st.assets[a.ID] = *a
	return nil
}

func (r assetRepo) Get(ctx context.Context, id uuid.UUID) (*models.Asset, error) {
	a, ok := r.st.assets[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return &a, nil
}

func (r assetRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*models.Asset, error) {
	return r.Get(ctx, id)
}

func (r assetRepo) Update(ctx context.Context, a *models.Asset) error {
	if err := r.writable(); err != nil {
		return err
	}
	if _, ok := r.st.assets[a.ID]; !ok {
		return ledger.ErrNotFound
	}
	r.st.assets[a.ID] = *a
	return nil
}

func (r assetRepo) List(ctx context.Context) ([]models.Asset, error) {
	assets := make([]models.Asset, 0, len(r.st.assets))
	for _, a := range r.st.assets {
		assets = append(assets, a)
	}
	sort.Slice(assets, func(i, j int) bool { return assets[i].Symbol < assets[j].Symbol })
	return assets, nil
}

func (r assetRepo) ListByCategory(ctx context.Context, category string) ([]models.Asset, error) {
	all, _ := r.List(ctx)
	var assets []models.Asset
	for _, a := range all {
		if a.MarketCategory == category {
			assets = append(assets, a)
		}
	}
	return assets, nil
}

type orderRepo struct{ *tx }

func (r orderRepo) Create(ctx context.Context, o *models.Order) error {
	if err := r.writable(); err != nil {
		return err
	}
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	r.st.seq++
	o.Seq = r.st.seq
	r.st.orders[o.ID] = *o
	return nil
}

func (r orderRepo) Get(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	o, ok := r.st.orders[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return &o, nil
}

func (r orderRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	return r.Get(ctx, id)
}

func (r orderRepo) Update(ctx context.Context, o *models.Order) error {
	if err := r.writable(); err != nil {
		return err
	}
	if _, ok := r.st.orders[o.ID]; !ok {
		return ledger.ErrNotFound
	}
	r.st.orders[o.ID] = *o
	return nil
}

func (r orderRepo) filter(keep func(o *models.Order) bool) []models.Order {
	var orders []models.Order
	for _, o := range r.st.orders {
		if keep(&o) {
			orders = append(orders, o)
		}
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].Seq < orders[j].Seq })
	return orders
}

func (r orderRepo) ListOpen(ctx context.Context, assetID uuid.UUID) ([]models.Order, error) {
	return r.filter(func(o *models.Order) bool {
		return o.AssetID == assetID && o.Status.Open()
	}), nil
}

func (r orderRepo) ListOpenByTimeInForce(ctx context.Context, tif models.TimeInForce) ([]models.Order, error) {
	return r.filter(func(o *models.Order) bool {
		return o.TimeInForce == tif && o.Status.Open()
	}), nil
}

func (r orderRepo) ListByUser(ctx context.Context, userID uuid.UUID) ([]models.Order, error) {
	return r.filter(func(o *models.Order) bool { return o.UserID == userID }), nil
}

type tradeRepo struct{ *tx }

func (r tradeRepo) Create(ctx context.Context, t *models.Trade) error {
	if err := r.writable(); err != nil {
		return err
	}
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	r.st.trades[t.ID] = *t
	r.st.tradeLog = append(r.st.tradeLog, t.ID)
	return nil
}

func (r tradeRepo) Update(ctx context.Context, t *models.Trade) error {
	if err := r.writable(); err != nil {
		return err
	}
	if _, ok := r.st.trades[t.ID]; !ok {
		return ledger.ErrNotFound
	}
	r.st.trades[t.ID] = *t
	return nil
}

func (r tradeRepo) Latest(ctx context.Context, assetID uuid.UUID) (*models.Trade, error) {
	var latest *models.Trade
	for _, id := range r.st.tradeLog {
		t := r.st.trades[id]
		if t.AssetID != assetID || t.SettlementStatus != models.SettlementSettled {
			continue
		}
		if latest == nil || !t.ExecutedAt.Before(latest.ExecutedAt) {
			latest = &t
		}
	}
	if latest == nil {
		return nil, ledger.ErrNotFound
	}
	return latest, nil
}

func (r tradeRepo) VolumeSince(ctx context.Context, assetID uuid.UUID, since time.Time) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, id := range r.st.tradeLog {
		t := r.st.trades[id]
		if t.AssetID != assetID || t.SettlementStatus != models.SettlementSettled || t.ExecutedAt.Before(since) {
			continue
		}
		total = total.Add(t.TotalAmount)
	}
	return total, nil
}

func (r tradeRepo) ListByUser(ctx context.Context, userID uuid.UUID) ([]models.Trade, error) {
	var trades []models.Trade
	for _, id := range r.st.tradeLog {
		t := r.st.trades[id]
		if t.BuyerID == userID || t.SellerID == userID {
			trades = append(trades, t)
		}
	}
	return trades, nil
}

type portfolioRepo struct{ *tx }

func (r portfolioRepo) Get(ctx context.Context, userID, assetID uuid.UUID) (*models.Portfolio, error) {
	p, ok := r.st.portfolios[portfolioKey{userID, assetID}]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return &p, nil
}

func (r portfolioRepo) GetForUpdate(ctx context.Context, userID, assetID uuid.UUID) (*models.Portfolio, error) {
	return r.Get(ctx, userID, assetID)
}

func (r portfolioRepo) Save(ctx context.Context, p *models.Portfolio) error {
	if err := r.writable(); err != nil {
		return err
	}
	r.st.portfolios[portfolioKey{p.UserID, p.AssetID}] = *p
	return nil
}

func (r portfolioRepo) Delete(ctx context.Context, userID, assetID uuid.UUID) error {
	if err := r.writable(); err != nil {
		return err
	}
	key := portfolioKey{userID, assetID}
	if _, ok := r.st.portfolios[key]; !ok {
		return ledger.ErrNotFound
	}
	delete(r.st.portfolios, key)
	return nil
}

func (r portfolioRepo) ListByUser(ctx context.Context, userID uuid.UUID) ([]models.Portfolio, error) {
	var portfolios []models.Portfolio
	for k, p := range r.st.portfolios {
		if k.userID == userID {
			portfolios = append(portfolios, p)
		}
	}
	sort.Slice(portfolios, func(i, j int) bool {
		return portfolios[i].AssetID.String() < portfolios[j].AssetID.String()
	})
	return portfolios, nil
}

type walletRepo struct{ *tx }

func (r walletRepo) Get(ctx context.Context, userID uuid.UUID) (*models.Wallet, error) {
	w, ok := r.st.wallets[userID]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return &w, nil
}

func (r walletRepo) GetForUpdate(ctx context.Context, userID uuid.UUID) (*models.Wallet, error) {
	return r.Get(ctx, userID)
}

func (r walletRepo) Save(ctx context.Context, w *models.Wallet) error {
	if err := r.writable(); err != nil {
		return err
	}
	r.st.wallets[w.UserID] = *w
	return nil
}

type candleRepo struct{ *tx }

func (r candleRepo) Create(ctx context.Context, c *models.Candle) error {
	if err := r.writable(); err != nil {
		return err
	}
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	r.st.candles = append(r.st.candles, *c)
	return nil
}

func (r candleRepo) ListByAsset(ctx context.Context, assetID uuid.UUID, limit int) ([]models.Candle, error) {
	var candles []models.Candle
	for i := len(r.st.candles) - 1; i >= 0 && (limit <= 0 || len(candles) < limit); i-- {
		if r.st.candles[i].AssetID == assetID {
			candles = append(candles, r.st.candles[i])
		}
	}
	return candles, nil
}
