package syncer

import (
	"context"
	"sync"

	"dispatchsync/internal/dispatch"
)

// outlet serializes publications to one transport. Only the latest pending
// snapshot is kept: with whole-document replication an older queued
// snapshot carries nothing the newer one lacks.
type outlet struct {
	transport Transport
	wake      chan struct{}

	mu      sync.Mutex
	pending *dispatch.Snapshot
	busy    bool
	waiters []chan struct{}
}

func newOutlet(t Transport) *outlet {
	return &outlet{transport: t, wake: make(chan struct{}, 1)}
}

func (o *outlet) offer(snapshot dispatch.Snapshot) {
	copied := snapshot.Clone()
	o.mu.Lock()
	o.pending = &copied
	o.mu.Unlock()
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *outlet) run(ctx context.Context, c *Controller) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.wake:
		}
		for {
			o.mu.Lock()
			next := o.pending
			o.pending = nil
			if next == nil {
				o.busy = false
				for _, w := range o.waiters {
					close(w)
				}
				o.waiters = nil
				o.mu.Unlock()
				break
			}
			o.busy = true
			o.mu.Unlock()

			pubCtx, cancel := context.WithTimeout(ctx, c.publishTimeout)
			if err := o.transport.Publish(pubCtx, *next); err != nil {
				c.report(EventPublishFailed, o.transport.Name(), err)
			}
			cancel()
		}
	}
}

func (o *outlet) idle(ctx context.Context) error {
	o.mu.Lock()
	if o.pending == nil && !o.busy {
		o.mu.Unlock()
		return nil
	}
	w := make(chan struct{})
	o.waiters = append(o.waiters, w)
	o.mu.Unlock()

	select {
	case <-w:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
