package command

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"livesync/internal/auth"
	"livesync/internal/catalog"
	"livesync/internal/domain"
	"livesync/internal/subscription"
)

// checkRecord validates a payload against the collection model.
func checkRecord(coll *catalog.Collection, r domain.Record) error {
	verr := &ValidationError{}
	if r == nil {
		verr.add("value", "is required")
		return verr
	}
	for _, f := range coll.Model.KeyFields {
		if v, ok := r[f]; !ok || v == nil {
			verr.add(f, "is required")
		} else if !domain.IsScalar(v) {
			verr.add(f, "must be a string, number or boolean")
		}
	}
	for f := range r {
		if !coll.Model.HasField(f) {
			verr.add(f, "is not a field of "+coll.Name)
		}
	}
	if len(verr.Fields) > 0 {
		return verr
	}
	return nil
}

func (h *Handler) mutable(p domain.Principal, coll *catalog.Collection, action auth.Action, records ...domain.Record) error {
	for _, r := range records {
		if !h.gate.CanMutate(p, coll, action, r) {
			return fmt.Errorf("%w: %s %s.%s", ErrForbidden, action, coll.Context, coll.Name)
		}
	}
	return nil
}

func (h *Handler) raise(ctx context.Context, coll *catalog.Collection, ev domain.ChangeEvent) {
	if h.sink == nil {
		return
	}
	ev.Collection = coll.Name
	if err := h.sink.HandleChanges(ctx, coll.Context, []domain.ChangeEvent{ev}); err != nil {
		h.log.Warn("change notification not queued", zap.String("context", coll.Context), zap.String("collection", coll.Name),
			zap.String("kind", ev.Kind.String()), zap.Error(err))
	}
}

func (h *Handler) create(ctx context.Context, conn subscription.Connection, cmd Command) domain.Response {
	p := conn.Principal()
	coll, err := h.catalog.Collection(cmd.ContextName, cmd.CollectionName)
	if err != nil {
		return Failure(cmd.ReferenceID, err)
	}
	if err := checkRecord(coll, cmd.Value); err != nil {
		return Failure(cmd.ReferenceID, err)
	}
	if err := h.mutable(p, coll, auth.ActionCreate, cmd.Value); err != nil {
		return Failure(cmd.ReferenceID, err)
	}
	key, err := coll.Key(cmd.Value)
	if err != nil {
		return Failure(cmd.ReferenceID, err)
	}
	entry, err := h.store.Insert(ctx, coll.Context, coll.Name, key, cmd.Value)
	if err != nil {
		return Failure(cmd.ReferenceID, err)
	}
	h.raise(ctx, coll, domain.ChangeEvent{Key: key, Value: entry.Value, Kind: domain.Created})
	return domain.Response{Kind: domain.ResponseCreateResult, ReferenceID: cmd.ReferenceID, Value: h.gate.Project(p, coll, entry.Value), PrimaryValues: key}
}

func (h *Handler) update(ctx context.Context, conn subscription.Connection, cmd Command) domain.Response {
	p := conn.Principal()
	coll, err := h.catalog.Collection(cmd.ContextName, cmd.CollectionName)
	if err != nil {
		return Failure(cmd.ReferenceID, err)
	}
	if err := checkRecord(coll, cmd.Value); err != nil {
		return Failure(cmd.ReferenceID, err)
	}
	key, err := coll.Key(cmd.Value)
	if err != nil {
		return Failure(cmd.ReferenceID, err)
	}
	current, err := h.store.Get(ctx, coll.Context, coll.Name, key)
	if err != nil {
		return Failure(cmd.ReferenceID, err)
	}
	if err := h.mutable(p, coll, auth.ActionUpdate, current, cmd.Value); err != nil {
		return Failure(cmd.ReferenceID, err)
	}
	entry, err := h.store.Update(ctx, coll.Context, coll.Name, key, cmd.Value)
	if err != nil {
		return Failure(cmd.ReferenceID, err)
	}
	h.raise(ctx, coll, domain.ChangeEvent{Key: key, Value: entry.Value, Kind: domain.Updated})
	return domain.Response{Kind: domain.ResponseUpdateResult, ReferenceID: cmd.ReferenceID, Value: h.gate.Project(p, coll, entry.Value), PrimaryValues: key}
}

func (h *Handler) delete(ctx context.Context, conn subscription.Connection, cmd Command) domain.Response {
	p := conn.Principal()
	coll, err := h.catalog.Collection(cmd.ContextName, cmd.CollectionName)
	if err != nil {
		return Failure(cmd.ReferenceID, err)
	}
	key := cmd.PrimaryValues
	if len(key) == 0 {
		if key, err = coll.Key(cmd.Value); err != nil {
			return Failure(cmd.ReferenceID, err)
		}
	} else if _, err := coll.Model.KeyRecord(key); err != nil {
		return Failure(cmd.ReferenceID, err)
	}
	current, err := h.store.Get(ctx, coll.Context, coll.Name, key)
	if err != nil {
		return Failure(cmd.ReferenceID, err)
	}
	if err := h.mutable(p, coll, auth.ActionDelete, current); err != nil {
		return Failure(cmd.ReferenceID, err)
	}
	if _, err := h.store.Delete(ctx, coll.Context, coll.Name, key); err != nil {
		return Failure(cmd.ReferenceID, err)
	}
	h.raise(ctx, coll, domain.ChangeEvent{Key: key, Kind: domain.Deleted})
	return domain.Response{Kind: domain.ResponseDeleteResult, ReferenceID: cmd.ReferenceID, PrimaryValues: key}
}
