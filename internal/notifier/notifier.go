// Package notifier turns committed change batches into per-subscription
// load, update, unload and query events.
package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"livesync/internal/auth"
	"livesync/internal/catalog"
	"livesync/internal/diff"
	"livesync/internal/domain"
	"livesync/internal/hashroute"
	"livesync/internal/prefilter"
	"livesync/internal/subscription"
)

var (
	ErrOverloaded = errors.New("notifier: dispatch queue overloaded")
	ErrClosed     = errors.New("notifier: closed")
)

var tracer = otel.Tracer("livesync/notifier")

type Config struct {
	// Workers bounds concurrent subscription passes across all batches.
	Workers         int
	Partitions      int
	QueueSize       int
	DeliveryTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 64
	}
	if c.Partitions <= 0 {
		c.Partitions = hashroute.DefaultPartitionCount
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 128
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = 10 * time.Second
	}
	return c
}

type Option func(*Notifier)

func WithLogger(l *zap.Logger) Option { return func(n *Notifier) { n.log = l } }

func WithMetrics(m *Metrics) Option { return func(n *Notifier) { n.metrics = m } }

type Notifier struct {
	cfg      Config
	catalog  *catalog.Catalog
	registry *subscription.Registry
	gate     auth.Gate
	log      *zap.Logger
	metrics  *Metrics
	workers  *semaphore.Weighted

	mu      sync.RWMutex
	partQ   []chan batch
	closed  atomic.Bool
	started atomic.Bool
	wg      sync.WaitGroup
}

type batch struct {
	identity string
	changes  []domain.ChangeEvent
}

func New(cfg Config, cat *catalog.Catalog, reg *subscription.Registry, gate auth.Gate, opts ...Option) *Notifier {
	cfg = cfg.withDefaults()
	n := &Notifier{cfg: cfg, catalog: cat, registry: reg, gate: gate, log: zap.NewNop(), workers: semaphore.NewWeighted(int64(cfg.Workers))}
	for _, o := range opts {
		o(n)
	}
	if n.metrics == nil {
		n.metrics = NewMetrics(nil)
	}
	n.partQ = make([]chan batch, cfg.Partitions)
	for i := range n.partQ {
		n.partQ[i] = make(chan batch, cfg.QueueSize)
	}
	return n
}

// Process runs one pass for a batch and returns when every affected
// subscription has been handled. Per-subscription failures are delivered as
// error events and do not fail the call.
func (n *Notifier) Process(ctx context.Context, identity string, changes []domain.ChangeEvent) error {
	ctx, span := tracer.Start(ctx, "notifier.Process", trace.WithAttributes(
		attribute.String("livesync.context", identity),
		attribute.Int("livesync.changes", len(changes)),
	))
	defer span.End()

	contextName, ok := n.catalog.Resolve(identity)
	if !ok {
		n.log.Debug("change batch for unknown context ignored", zap.String("context", identity))
		n.metrics.batches.WithLabelValues("unknown_context").Inc()
		return nil
	}
	byColl := map[string][]domain.ChangeEvent{}
	for _, ch := range changes {
		c := hashroute.Canonicalize(ch.Collection)
		byColl[c] = append(byColl[c], ch)
	}

	var g errgroup.Group
	for _, cg := range n.registry.Groups(contextName) {
		evs := byColl[hashroute.Canonicalize(cg.Collection)]
		if len(evs) == 0 {
			continue
		}
		g.Go(func() error {
			n.processCollection(ctx, contextName, cg, evs)
			return nil
		})
	}
	_ = g.Wait()
	n.metrics.batches.WithLabelValues("processed").Inc()
	if err := ctx.Err(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// changeSet is the batch of one collection, indexed by key ID. The last
// change of a key wins.
type changeSet struct {
	ids    map[string]struct{}
	events map[string]domain.ChangeEvent
}

func (n *Notifier) changeSet(coll *catalog.Collection, evs []domain.ChangeEvent) changeSet {
	cs := changeSet{ids: make(map[string]struct{}, len(evs)), events: make(map[string]domain.ChangeEvent, len(evs))}
	for _, ev := range evs {
		if len(ev.Key) == 0 && ev.Value != nil {
			k, err := coll.Key(ev.Value)
			if err != nil {
				n.log.Warn("change without usable key skipped", zap.String("collection", coll.Name), zap.Error(err))
				continue
			}
			ev.Key = k
		}
		if len(ev.Key) == 0 {
			continue
		}
		id := ev.Key.ID()
		cs.ids[id] = struct{}{}
		cs.events[id] = ev
	}
	return cs
}

func (n *Notifier) processCollection(ctx context.Context, contextName string, cg subscription.CollectionGroup, evs []domain.ChangeEvent) {
	ctx, span := tracer.Start(ctx, "notifier.collection", trace.WithAttributes(attribute.String("livesync.collection", cg.Collection)))
	defer span.End()

	coll, err := n.catalog.Collection(contextName, cg.Collection)
	if err == nil {
		var records []domain.Record
		if records, err = n.load(ctx, coll); err == nil {
			cs := n.changeSet(coll, evs)
			var g errgroup.Group
			for _, conn := range cg.Connections {
				g.Go(func() error {
					n.processConnection(ctx, coll, records, cs, conn)
					return nil
				})
			}
			_ = g.Wait()
			return
		}
	}

	span.SetStatus(codes.Error, err.Error())
	n.log.Error("collection load failed", zap.String("context", contextName), zap.String("collection", cg.Collection), zap.Error(err))
	for _, conn := range cg.Connections {
		for _, sub := range conn.Subscriptions {
			n.metrics.passes.WithLabelValues("error").Inc()
			n.deliverError(ctx, conn.Conn, sub, fmt.Errorf("load collection: %w", err))
		}
	}
}

// load reads the collection once. The result is shared read-only by every
// subscription of the group.
func (n *Notifier) load(ctx context.Context, coll *catalog.Collection) (records []domain.Record, err error) {
	if coll.Load == nil {
		return nil, fmt.Errorf("collection %s.%s has no loader", coll.Context, coll.Name)
	}
	defer func() {
		if r := recover(); r != nil {
			records, err = nil, fmt.Errorf("panic loading %s: %v", coll.Name, r)
		}
	}()
	return prefilter.Collect(coll.Load(ctx))
}

func (n *Notifier) processConnection(ctx context.Context, coll *catalog.Collection, records []domain.Record, cs changeSet, cg subscription.ConnectionGroup) {
	p := cg.Conn.Principal()
	queryable := n.gate.CanQueryCollection(p, coll)
	authorized := make(map[string]domain.ChangeEvent, len(cs.events))
	if queryable {
		for id, ev := range cs.events {
			if ev.Kind == domain.Deleted || (ev.Value != nil && n.gate.CanQuery(p, coll, ev.Value)) {
				authorized[id] = ev
			}
		}
	}
	var g errgroup.Group
	for _, sub := range cg.Subscriptions {
		g.Go(func() error {
			n.runSubscription(ctx, pass{
				conn: cg.Conn, principal: p, sub: sub, coll: coll,
				records: records, queryable: queryable, changed: cs.ids, authorized: authorized,
			})
			return nil
		})
	}
	_ = g.Wait()
}

type pass struct {
	conn       subscription.Connection
	principal  domain.Principal
	sub        *subscription.Subscription
	coll       *catalog.Collection
	records    []domain.Record
	queryable  bool
	changed    map[string]struct{}
	authorized map[string]domain.ChangeEvent
}

func (n *Notifier) runSubscription(ctx context.Context, ps pass) {
	if err := n.workers.Acquire(ctx, 1); err != nil {
		n.metrics.passes.WithLabelValues("dropped").Inc()
		n.log.Warn("subscription pass dropped before it started",
			zap.String("connection", ps.conn.ID()),
			zap.String("reference", ps.sub.ReferenceID),
			zap.String("collection", ps.coll.Name),
			zap.Error(err))
		return
	}
	defer n.workers.Release(1)

	ctx, span := tracer.Start(ctx, "notifier.subscription", trace.WithAttributes(
		attribute.String("livesync.connection", ps.conn.ID()),
		attribute.String("livesync.reference", ps.sub.ReferenceID),
	))
	defer span.End()

	start := time.Now()
	err := n.runPass(ctx, ps)
	n.metrics.duration.Observe(time.Since(start).Seconds())
	if err == nil {
		n.metrics.passes.WithLabelValues("ok").Inc()
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	n.metrics.passes.WithLabelValues("error").Inc()
	n.log.Warn("subscription pass failed",
		zap.String("connection", ps.conn.ID()),
		zap.String("reference", ps.sub.ReferenceID),
		zap.String("collection", ps.coll.Name),
		zap.Error(err))
	n.deliverError(ctx, ps.conn, ps.sub, err)
}

func (n *Notifier) deliverError(ctx context.Context, conn subscription.Connection, sub *subscription.Subscription, cause error) {
	dctx, cancel := context.WithTimeout(ctx, n.cfg.DeliveryTimeout)
	defer cancel()
	if err := conn.Send(dctx, sub.ErrorResponse(cause)); err != nil {
		n.log.Debug("error event not delivered", zap.String("connection", conn.ID()), zap.Error(err))
		return
	}
	n.metrics.events.WithLabelValues(string(domain.ResponseError)).Inc()
}

// runPass holds the subscription lock for the whole pass so passes of one
// subscription never interleave.
func (n *Notifier) runPass(ctx context.Context, ps pass) (err error) {
	if err := ps.sub.Lock(ctx); err != nil {
		return fmt.Errorf("acquire subscription: %w", err)
	}
	defer ps.sub.Unlock()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in subscription pass: %v", r)
		}
	}()

	candidates, err := prefilter.Collect(ps.sub.Pipeline.Run(prefilter.FromSlice(ps.records)))
	if err != nil {
		return fmt.Errorf("run prefilters: %w", err)
	}
	if !ps.queryable {
		candidates = nil
	}
	dctx, cancel := context.WithTimeout(ctx, n.cfg.DeliveryTimeout)
	defer cancel()

	if term, ok := ps.sub.Pipeline.Terminal(); ok {
		visible := make([]domain.Record, 0, len(candidates))
		for _, r := range candidates {
			if n.gate.CanQuery(ps.principal, ps.coll, r) {
				visible = append(visible, n.gate.Project(ps.principal, ps.coll, r))
			}
		}
		result, err := term.Execute(visible)
		if err != nil {
			return fmt.Errorf("run terminal prefilter: %w", err)
		}
		if err := ps.conn.Send(dctx, domain.Response{Kind: domain.ResponseQuery, ReferenceID: ps.sub.ReferenceID, Result: result}); err != nil {
			return fmt.Errorf("deliver query result: %w", err)
		}
		n.metrics.events.WithLabelValues(string(domain.ResponseQuery)).Inc()
		return nil
	}

	res, err := diff.Compute(diff.Input{
		Candidates: candidates,
		Prior:      ps.sub.Snapshot(),
		Changed:    ps.changed,
		Authorized: ps.authorized,
		Key:        ps.coll.Key,
		CanQuery:   func(r domain.Record) bool { return n.gate.CanQuery(ps.principal, ps.coll, r) },
		Project:    func(r domain.Record) domain.Record { return n.gate.Project(ps.principal, ps.coll, r) },
	})
	if err != nil {
		return err
	}
	for _, ev := range res.Events {
		resp := domain.Response{Kind: ev.Kind, ReferenceID: ps.sub.ReferenceID, Value: ev.Value, PrimaryValues: ev.Key}
		if err := ps.conn.Send(dctx, resp); err != nil {
			return fmt.Errorf("deliver %s %s: %w", ev.Kind, ev.Key, err)
		}
		n.metrics.events.WithLabelValues(string(ev.Kind)).Inc()
	}
	ps.sub.SetSnapshot(res.Next)
	return nil
}
