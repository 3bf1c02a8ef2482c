// Package orderbook holds the per-asset arena of open orders used by the
// matching engine. A Book owns copies of the orders it indexes; bids and asks
// are kept in btrees ordered by price, then creation time, then insertion
// sequence.
package orderbook

import (
	"bytes"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"

	"github.com/xtrntr/fracex/internal/models"
)

// Book is the order book for a single asset
type Book struct {
	AssetID uuid.UUID

	arena []models.Order
	bids  *btree.BTreeG[*models.Order] // best (highest) price first
	asks  *btree.BTreeG[*models.Order] // best (lowest) price first
}

// New creates an empty book for an asset
func New(assetID uuid.UUID) *Book {
	return &Book{
		AssetID: assetID,
		bids:    btree.NewBTreeG(bidLess),
		asks:    btree.NewBTreeG(askLess),
	}
}

// earlier reports time priority: creation time, then insertion sequence
func earlier(a, b *models.Order) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	if a.Seq != b.Seq {
		return a.Seq < b.Seq
	}
	return bytes.Compare(a.ID[:], b.ID[:]) < 0
}

func bidLess(a, b *models.Order) bool {
	if c := a.Price.Cmp(b.Price); c != 0 {
		return c > 0
	}
	return earlier(a, b)
}

func askLess(a, b *models.Order) bool {
	if c := a.Price.Cmp(b.Price); c != 0 {
		return c < 0
	}
	return earlier(a, b)
}

// Load replaces the book's contents with copies of the open orders given.
// Orders that belong to another asset or are no longer open are ignored.
func (b *Book) Load(orders []models.Order) {
	b.bids.Clear()
	b.asks.Clear()
	b.arena = make([]models.Order, 0, len(orders))
	for _, o := range orders {
		if o.AssetID != b.AssetID || !o.Status.Open() || !o.RemainingQuantity.IsPositive() {
			continue
		}
		b.arena = append(b.arena, o)
	}
	for i := range b.arena {
		b.index(&b.arena[i])
	}
}

func (b *Book) index(o *models.Order) {
	if o.Side == models.SideBuy {
		b.bids.Set(o)
	} else {
		b.asks.Set(o)
	}
}

// Bids returns the resting buy orders in priority order
func (b *Book) Bids() []*models.Order {
	return collect(b.bids)
}

// Asks returns the resting sell orders in priority order
func (b *Book) Asks() []*models.Order {
	return collect(b.asks)
}

func collect(tree *btree.BTreeG[*models.Order]) []*models.Order {
	orders := make([]*models.Order, 0, tree.Len())
	tree.Scan(func(o *models.Order) bool {
		orders = append(orders, o)
		return true
	})
	return orders
}

// Len returns the number of resting bids and asks
func (b *Book) Len() (bids, asks int) {
	return b.bids.Len(), b.asks.Len()
}

// Prune drops orders with nothing left to fill
func (b *Book) Prune() {
	for _, tree := range []*btree.BTreeG[*models.Order]{b.bids, b.asks} {
		var done []*models.Order
		tree.Scan(func(o *models.Order) bool {
			if !o.RemainingQuantity.IsPositive() || !o.Status.Open() {
				done = append(done, o)
			}
			return true
		})
		for _, o := range done {
			tree.Delete(o)
		}
	}
}

// BestBid returns the highest bid price, or false if there are no bids
func (b *Book) BestBid() (decimal.Decimal, bool) {
	o, ok := b.bids.Min()
	if !ok {
		return decimal.Zero, false
	}
	return o.Price, true
}

// BestAsk returns the lowest ask price, or false if there are no asks
func (b *Book) BestAsk() (decimal.Decimal, bool) {
	o, ok := b.asks.Min()
	if !ok {
		return decimal.Zero, false
	}
	return o.Price, true
}

// LevelSnapshot is the aggregated quantity at one price
type LevelSnapshot struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Orders   int             `json:"orders"`
}

// Snapshot is an aggregated view of the book
type Snapshot struct {
	AssetID uuid.UUID       `json:"asset_id"`
	Bids    []LevelSnapshot `json:"bids"`
	Asks    []LevelSnapshot `json:"asks"`
	Spread  decimal.Decimal `json:"spread"`
}

// Snapshot aggregates up to depth price levels per side. depth <= 0 means all levels.
func (b *Book) Snapshot(depth int) Snapshot {
	snap := Snapshot{
		AssetID: b.AssetID,
		Bids:    levels(b.bids, depth),
		Asks:    levels(b.asks, depth),
	}
	bid, hasBid := b.BestBid()
	ask, hasAsk := b.BestAsk()
	if hasBid && hasAsk {
		snap.Spread = ask.Sub(bid)
	}
	return snap
}

func levels(tree *btree.BTreeG[*models.Order], depth int) []LevelSnapshot {
	out := make([]LevelSnapshot, 0)
	tree.Scan(func(o *models.Order) bool {
		n := len(out)
		if n > 0 && out[n-1].Price.Equal(o.Price) {
			out[n-1].Quantity = out[n-1].Quantity.Add(o.RemainingQuantity)
			out[n-1].Orders++
			return true
		}
		if depth > 0 && n == depth {
			return false
		}
		out = append(out, LevelSnapshot{Price: o.Price, Quantity: o.RemainingQuantity, Orders: 1})
		return true
	})
	return out
}
