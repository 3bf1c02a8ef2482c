package exchange

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/xtrntr/fracex/internal/metrics"
)

// dispatcher is the match queue. Requests for an asset that is already
// queued are dropped; requests for an asset being matched mark it dirty and
// the worker running it makes one more pass when it finishes.
type dispatcher struct {
	queue   chan uuid.UUID
	workers int
	run     func(ctx context.Context, assetID uuid.UUID)

	mu      sync.Mutex
	queued  map[uuid.UUID]bool
	running map[uuid.UUID]bool
	dirty   map[uuid.UUID]bool
}

func newDispatcher(size, workers int, run func(ctx context.Context, assetID uuid.UUID)) *dispatcher {
	return &dispatcher{
		queue:   make(chan uuid.UUID, size),
		workers: workers,
		run:     run,
		queued:  make(map[uuid.UUID]bool),
		running: make(map[uuid.UUID]bool),
		dirty:   make(map[uuid.UUID]bool),
	}
}

// Enqueue blocks while the queue is full
func (d *dispatcher) Enqueue(ctx context.Context, assetID uuid.UUID) error {
	d.mu.Lock()
	switch {
	case d.queued[assetID]:
		d.mu.Unlock()
		return nil
	case d.running[assetID]:
		d.dirty[assetID] = true
		d.mu.Unlock()
		return nil
	}
	d.queued[assetID] = true
	d.mu.Unlock()

	select {
	case d.queue <- assetID:
		metrics.MatchQueueDepth.Set(float64(len(d.queue)))
		return nil
	case <-ctx.Done():
		d.mu.Lock()
		delete(d.queued, assetID)
		d.mu.Unlock()
		return ctx.Err()
	}
}

// Run starts the workers and blocks until ctx is cancelled
func (d *dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < d.workers; i++ {
		g.Go(func() error {
			d.work(ctx)
			return nil
		})
	}
	return g.Wait()
}

func (d *dispatcher) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case assetID := <-d.queue:
			metrics.MatchQueueDepth.Set(float64(len(d.queue)))
			d.process(ctx, assetID)
		}
	}
}

func (d *dispatcher) process(ctx context.Context, assetID uuid.UUID) {
	d.mu.Lock()
	delete(d.queued, assetID)
	if d.running[assetID] {
		d.dirty[assetID] = true
		d.mu.Unlock()
		return
	}
	d.running[assetID] = true
	d.mu.Unlock()

	for {
		d.run(ctx, assetID)

		d.mu.Lock()
		if d.dirty[assetID] && ctx.Err() == nil {
			delete(d.dirty, assetID)
			d.mu.Unlock()
			continue
		}
		delete(d.dirty, assetID)
		delete(d.running, assetID)
		d.mu.Unlock()
		return
	}
}
