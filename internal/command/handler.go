package command

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"livesync/internal/auth"
	"livesync/internal/catalog"
	"livesync/internal/domain"
	"livesync/internal/prefilter"
	"livesync/internal/storage"
	"livesync/internal/subscription"
)

var ErrForbidden = errors.New("forbidden")

// ChangeSink receives the change batch of every committed mutation.
type ChangeSink interface {
	HandleChanges(ctx context.Context, identity string, changes []domain.ChangeEvent) error
}

type Handler struct {
	catalog  *catalog.Catalog
	registry *subscription.Registry
	store    storage.Engine
	gate     auth.Gate
	sink     ChangeSink
	log      *zap.Logger
}

func NewHandler(cat *catalog.Catalog, reg *subscription.Registry, store storage.Engine, gate auth.Gate, sink ChangeSink, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{catalog: cat, registry: reg, store: store, gate: gate, sink: sink, log: log}
}

func (h *Handler) Connect(conn subscription.Connection) error {
	if err := h.registry.Add(conn); err != nil {
		return err
	}
	info := conn.Info()
	h.log.Info("connection opened", zap.String("connection", conn.ID()), zap.String("transport", info.Transport), zap.String("user", info.UserID))
	return nil
}

// Disconnect tears down the connection and every subscription it held.
func (h *Handler) Disconnect(connID string) {
	subs := h.registry.Remove(connID)
	h.log.Info("connection closed", zap.String("connection", connID), zap.Int("subscriptions", len(subs)))
}

// Handle executes cmd and sends its response on conn.
func (h *Handler) Handle(ctx context.Context, conn subscription.Connection, cmd Command) error {
	if err := cmd.Validate(); err != nil {
		return conn.Send(ctx, Failure(cmd.ReferenceID, err))
	}
	var resp domain.Response
	switch cmd.Type {
	case TypeSubscribe:
		// subscribe sends its own response while holding the subscription lock
		return h.subscribe(ctx, conn, cmd)
	case TypeUnsubscribe:
		resp = h.unsubscribe(conn, cmd)
	case TypeQuery:
		resp = h.query(ctx, conn, cmd)
	case TypeCreate:
		resp = h.create(ctx, conn, cmd)
	case TypeUpdate:
		resp = h.update(ctx, conn, cmd)
	case TypeDelete:
		resp = h.delete(ctx, conn, cmd)
	case TypeQueryConnections:
		resp = h.connections(conn, cmd)
	case TypePing:
		resp = domain.Response{Kind: domain.ResponsePong, ReferenceID: cmd.ReferenceID}
	}
	return conn.Send(ctx, resp)
}

// Failure builds the error response for a command, with per-field results for
// validation errors.
func Failure(referenceID string, err error) domain.Response {
	resp := domain.ErrorResponse(referenceID, err)
	var verr *ValidationError
	if errors.As(err, &verr) {
		resp.ValidationResults = verr.Fields
	}
	return resp
}

func (h *Handler) collection(p domain.Principal, cmd Command) (*catalog.Collection, error) {
	coll, err := h.catalog.Collection(cmd.ContextName, cmd.CollectionName)
	if err != nil {
		return nil, err
	}
	if !h.gate.CanQueryCollection(p, coll) {
		return nil, fmt.Errorf("%w: query %s.%s", ErrForbidden, coll.Context, coll.Name)
	}
	return coll, nil
}

// evaluate runs the pipeline over the current collection state for p. It
// returns the client result and the keys of the visible records.
func (h *Handler) evaluate(ctx context.Context, p domain.Principal, coll *catalog.Collection, pipeline *prefilter.Pipeline) (any, domain.KeySet, error) {
	if coll.Load == nil {
		return nil, nil, fmt.Errorf("collection %s.%s has no loader", coll.Context, coll.Name)
	}
	candidates, err := prefilter.Collect(pipeline.Run(coll.Load(ctx)))
	if err != nil {
		return nil, nil, fmt.Errorf("run prefilters: %w", err)
	}
	keys := domain.KeySet{}
	visible := make([]domain.Record, 0, len(candidates))
	for _, r := range candidates {
		if !h.gate.CanQuery(p, coll, r) {
			continue
		}
		k, err := coll.Key(r)
		if err != nil {
			return nil, nil, err
		}
		keys.Add(k)
		visible = append(visible, h.gate.Project(p, coll, r))
	}
	if term, ok := pipeline.Terminal(); ok {
		result, err := term.Execute(visible)
		if err != nil {
			return nil, nil, fmt.Errorf("run terminal prefilter: %w", err)
		}
		return result, nil, nil
	}
	return visible, keys, nil
}

func subscribeFailure(cmd Command, err error) domain.Response {
	resp := Failure(cmd.ReferenceID, err)
	resp.Error.Collection, resp.Error.Prefilters = cmd.CollectionName, cmd.Prefilters
	return resp
}

func (h *Handler) subscribe(ctx context.Context, conn subscription.Connection, cmd Command) error {
	p := conn.Principal()
	coll, err := h.collection(p, cmd)
	if err != nil {
		return conn.Send(ctx, subscribeFailure(cmd, err))
	}
	pipeline, err := prefilter.Parse(coll.Model, cmd.Prefilters)
	if err != nil {
		return conn.Send(ctx, subscribeFailure(cmd, err))
	}
	sub := subscription.New(cmd.ReferenceID, coll.Context, coll.Name, pipeline)
	if err := sub.Lock(ctx); err != nil {
		return err
	}
	defer sub.Unlock()
	if err := h.registry.Subscribe(conn.ID(), sub); err != nil {
		return conn.Send(ctx, subscribeFailure(cmd, err))
	}

	result, keys, err := h.evaluate(ctx, p, coll, pipeline)
	if err != nil {
		h.registry.Unsubscribe(conn.ID(), sub.ReferenceID)
		return conn.Send(ctx, subscribeFailure(cmd, err))
	}
	if err := conn.Send(ctx, domain.Response{Kind: domain.ResponseSubscribe, ReferenceID: cmd.ReferenceID, Result: result}); err != nil {
		h.registry.Unsubscribe(conn.ID(), sub.ReferenceID)
		return err
	}
	sub.SetSnapshot(keys)
	h.log.Debug("subscribed", zap.String("connection", conn.ID()), zap.String("reference", cmd.ReferenceID),
		zap.String("collection", coll.Name), zap.Bool("terminal", sub.Terminal()), zap.Int("visible", len(keys)))
	return nil
}

func (h *Handler) unsubscribe(conn subscription.Connection, cmd Command) domain.Response {
	if _, ok := h.registry.Unsubscribe(conn.ID(), cmd.ReferenceID); !ok {
		return Failure(cmd.ReferenceID, fmt.Errorf("no subscription %q", cmd.ReferenceID))
	}
	return domain.Response{Kind: domain.ResponseUnsubscribe, ReferenceID: cmd.ReferenceID}
}

func (h *Handler) query(ctx context.Context, conn subscription.Connection, cmd Command) domain.Response {
	p := conn.Principal()
	coll, err := h.collection(p, cmd)
	if err != nil {
		return Failure(cmd.ReferenceID, err)
	}
	pipeline, err := prefilter.Parse(coll.Model, cmd.Prefilters)
	if err != nil {
		return Failure(cmd.ReferenceID, err)
	}
	result, _, err := h.evaluate(ctx, p, coll, pipeline)
	if err != nil {
		return Failure(cmd.ReferenceID, err)
	}
	return domain.Response{Kind: domain.ResponseQuery, ReferenceID: cmd.ReferenceID, Result: result}
}

func (h *Handler) connections(conn subscription.Connection, cmd Command) domain.Response {
	p := conn.Principal()
	if p.Anonymous || p.UserID == "" {
		return Failure(cmd.ReferenceID, fmt.Errorf("%w: anonymous connections cannot list connections", ErrForbidden))
	}
	var infos []domain.ConnectionInfo
	for _, c := range h.registry.ConnectionsFor(p.UserID) {
		infos = append(infos, c.Info())
	}
	return domain.Response{Kind: domain.ResponseConnections, ReferenceID: cmd.ReferenceID, Connections: infos}
}
