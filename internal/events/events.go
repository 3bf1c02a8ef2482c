// Package events fans exchange activity out to live consumers: WebSocket
// clients through Hub and downstream services through Kafka.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/xtrntr/fracex/internal/models"
	"github.com/xtrntr/fracex/internal/orderbook"
)

// Type names an event kind
type Type string

const (
	TypeTrade     Type = "trade"
	TypeOrder     Type = "order"
	TypeOrderBook Type = "orderbook"
	TypePrice     Type = "price"
)

// Event is one published message. Exactly one payload field is set.
type Event struct {
	Type      Type                `json:"type"`
	AssetID   uuid.UUID           `json:"asset_id"`
	Trade     *models.Trade       `json:"trade,omitempty"`
	Order     *models.Order       `json:"order,omitempty"`
	OrderBook *orderbook.Snapshot `json:"orderbook,omitempty"`
	Asset     *models.Asset       `json:"asset,omitempty"`
	At        time.Time           `json:"at"`
}

// Publisher delivers events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Nop discards every event
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Multi publishes to every publisher and joins their errors
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
