package notifier

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"livesync/internal/domain"
	"livesync/internal/hashroute"
)

// Start launches one worker per dispatch partition. Batches of one context
// always land on the same partition and are processed in arrival order.
func (n *Notifier) Start(ctx context.Context) {
	if !n.started.CompareAndSwap(false, true) {
		return
	}
	for i := range n.partQ {
		n.wg.Add(1)
		go n.runPartitionWorker(ctx, n.partQ[i])
	}
}

// HandleChanges enqueues a committed batch without waiting for delivery.
func (n *Notifier) HandleChanges(ctx context.Context, identity string, changes []domain.ChangeEvent) error {
	if len(changes) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed.Load() {
		return ErrClosed
	}
	name := identity
	if resolved, ok := n.catalog.Resolve(identity); ok {
		name = resolved
	}
	q := n.partQ[hashroute.PartitionFor(name, len(n.partQ))]
	select {
	case q <- batch{identity: identity, changes: changes}:
		n.metrics.queueDepth.Inc()
		return nil
	default:
		n.metrics.batches.WithLabelValues("overloaded").Inc()
		return fmt.Errorf("%w: context %s", ErrOverloaded, name)
	}
}

func (n *Notifier) runPartitionWorker(ctx context.Context, q chan batch) {
	defer n.wg.Done()
	for b := range q {
		n.metrics.queueDepth.Dec()
		if err := n.Process(ctx, b.identity, b.changes); err != nil {
			n.log.Warn("change batch not fully processed", zap.String("context", b.identity), zap.Error(err))
		}
	}
}

// Close stops accepting batches, drains the queues and waits for the workers.
func (n *Notifier) Close() error {
	n.mu.Lock()
	if !n.closed.CompareAndSwap(false, true) {
		n.mu.Unlock()
		return nil
	}
	for _, q := range n.partQ {
		close(q)
	}
	n.mu.Unlock()
	if !n.started.Load() {
		for _, q := range n.partQ {
			for range q {
				n.metrics.queueDepth.Dec()
			}
		}
	}
	n.wg.Wait()
	return nil
}
