// Package ledger defines the repository contract the exchange core consumes.
// Implementations must run each transaction with serializable semantics: no
// intermediate state of one transaction is visible to another.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/xtrntr/fracex/internal/models"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("transaction conflict")
	ErrReadOnly = errors.New("write in read-only transaction")
)

// Store runs units of work against the ledger
type Store interface {
	// WithTx runs fn in one serializable read-write transaction. fn may be
	// invoked more than once when the store retries a conflicting commit.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	// View runs fn in a read-only transaction.
	View(ctx context.Context, fn func(tx Tx) error) error
}

// Tx exposes the repositories bound to one transaction
type Tx interface {
	Assets() AssetRepository
	Orders() OrderRepository
	Trades() TradeRepository
	Portfolios() PortfolioRepository
	Wallets() WalletRepository
	Candles() CandleRepository
}

type AssetRepository interface {
	Create(ctx context.Context, a *models.Asset) error
	Get(ctx context.Context, id uuid.UUID) (*models.Asset, error)
	GetForUpdate(ctx context.Context, id uuid.UUID) (*models.Asset, error)
	Update(ctx context.Context, a *models.Asset) error
	List(ctx context.Context) ([]models.Asset, error)
	ListByCategory(ctx context.Context, category string) ([]models.Asset, error)
}

type OrderRepository interface {
	// Create inserts o and assigns its Seq.
	Create(ctx context.Context, o *models.Order) error
	Get(ctx context.Context, id uuid.UUID) (*models.Order, error)
	GetForUpdate(ctx context.Context, id uuid.UUID) (*models.Order, error)
	Update(ctx context.Context, o *models.Order) error
	// ListOpen returns pending and partial orders for an asset.
	ListOpen(ctx context.Context, assetID uuid.UUID) ([]models.Order, error)
	ListOpenByTimeInForce(ctx context.Context, tif models.TimeInForce) ([]models.Order, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]models.Order, error)
}

type TradeRepository interface {
	Create(ctx context.Context, t *models.Trade) error
	Update(ctx context.Context, t *models.Trade) error
	// Latest returns the most recently executed settled trade for an asset.
	Latest(ctx context.Context, assetID uuid.UUID) (*models.Trade, error)
	// VolumeSince sums TotalAmount of settled trades executed at or after since.
	VolumeSince(ctx context.Context, assetID uuid.UUID, since time.Time) (decimal.Decimal, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]models.Trade, error)
}

type PortfolioRepository interface {
	Get(ctx context.Context, userID, assetID uuid.UUID) (*models.Portfolio, error)
	GetForUpdate(ctx context.Context, userID, assetID uuid.UUID) (*models.Portfolio, error)
	Save(ctx context.Context, p *models.Portfolio) error
	Delete(ctx context.Context, userID, assetID uuid.UUID) error
	ListByUser(ctx context.Context, userID uuid.UUID) ([]models.Portfolio, error)
}

type WalletRepository interface {
	Get(ctx context.Context, userID uuid.UUID) (*models.Wallet, error)
	GetForUpdate(ctx context.Context, userID uuid.UUID) (*models.Wallet, error)
	Save(ctx context.Context, w *models.Wallet) error
}

type CandleRepository interface {
	Create(ctx context.Context, c *models.Candle) error
	// ListByAsset returns up to limit candles, newest first.
	ListByAsset(ctx context.Context, assetID uuid.UUID, limit int) ([]models.Candle, error)
}
