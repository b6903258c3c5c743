// Package subscription tracks open connections and the live subscriptions each
// of them registered.
package subscription

import (
	"context"

	json "github.com/goccy/go-json"
	"golang.org/x/sync/semaphore"

	"livesync/internal/domain"
	"livesync/internal/prefilter"
)

// Connection is a persistent client connection. Send must be safe for
// concurrent use.
type Connection interface {
	ID() string
	Principal() domain.Principal
	Info() domain.ConnectionInfo
	Send(ctx context.Context, resp domain.Response) error
}

// Subscription is one live query. Snapshot and the pass that updates it are
// guarded by a lock that callers take with Lock/Unlock.
type Subscription struct {
	ReferenceID string
	Context     string
	Collection  string
	Pipeline    *prefilter.Pipeline

	lock     *semaphore.Weighted
	snapshot domain.KeySet
}

func New(referenceID, contextName, collection string, pipeline *prefilter.Pipeline) *Subscription {
	if pipeline == nil {
		pipeline = prefilter.New(nil)
	}
	return &Subscription{
		ReferenceID: referenceID, Context: contextName, Collection: collection, Pipeline: pipeline,
		lock: semaphore.NewWeighted(1), snapshot: domain.KeySet{},
	}
}

// Lock waits for exclusive access to the subscription or for ctx to end.
func (s *Subscription) Lock(ctx context.Context) error { return s.lock.Acquire(ctx, 1) }

func (s *Subscription) Unlock() { s.lock.Release(1) }

// Snapshot returns the keys the client currently holds. Callers must hold the lock.
func (s *Subscription) Snapshot() domain.KeySet { return s.snapshot }

// SetSnapshot replaces the snapshot. Callers must hold the lock.
func (s *Subscription) SetSnapshot(keys domain.KeySet) {
	if keys == nil {
		keys = domain.KeySet{}
	}
	s.snapshot = keys
}

func (s *Subscription) Terminal() bool {
	_, ok := s.Pipeline.Terminal()
	return ok
}

// Specs returns the prefilter configuration the client subscribed with.
func (s *Subscription) Specs() json.RawMessage { return s.Pipeline.SpecsJSON() }

// ErrorResponse builds the error event for a failed pass of this subscription.
func (s *Subscription) ErrorResponse(err error) domain.Response {
	return domain.Response{
		Kind:        domain.ResponseError,
		ReferenceID: s.ReferenceID,
		Error:       &domain.ErrorInfo{Message: err.Error(), Collection: s.Collection, Prefilters: s.Specs()},
	}
}
