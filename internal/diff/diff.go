// Package diff computes the incremental events that move a client from the
// keys it last saw to the records currently visible to it.
package diff

import (
	"fmt"

	"livesync/internal/domain"
)

// Input is everything one pass needs. Compute never mutates it.
type Input struct {
	// Candidates is the pipeline output over the loaded collection, in order.
	Candidates []domain.Record
	Prior      domain.KeySet
	// Changed holds the IDs of every key touched by the batch, authorized or not.
	Changed map[string]struct{}
	// Authorized holds the changes the connection may see, by key ID.
	Authorized map[string]domain.ChangeEvent

	Key      func(domain.Record) (domain.Key, error)
	CanQuery func(domain.Record) bool
	Project  func(domain.Record) domain.Record
}

type Event struct {
	Kind  domain.ResponseKind
	Key   domain.Key
	Value domain.Record
}

type Result struct {
	Events []Event
	Next   domain.KeySet
}

// Compute applies the visibility rules:
//   - a key changed in this batch is visible only if its change is authorized
//     and the committed record passes the query check;
//   - an unchanged key already held by the client stays visible;
//   - any other record needs a per-record query check.
//
// Newly visible keys produce Load, continuing keys with an authorized change
// produce Update, and keys that disappeared produce Unload in key order. Load
// and Update always carry the projection of the committed record, never the
// change value, which may be older than the record.
func Compute(in Input) (Result, error) {
	next := make(domain.KeySet, len(in.Prior))
	var events []Event
	for _, r := range in.Candidates {
		k, err := in.Key(r)
		if err != nil {
			return Result{}, fmt.Errorf("extract key: %w", err)
		}
		id := k.ID()
		if _, dup := next[id]; dup {
			continue
		}
		_, authorized := in.Authorized[id]
		_, changed := in.Changed[id]
		_, held := in.Prior[id]
		switch {
		case changed || authorized:
			if !authorized || !in.canQuery(r) {
				continue
			}
		case held:
		default:
			if !in.canQuery(r) {
				continue
			}
		}
		next[id] = k
		switch {
		case !held:
			events = append(events, Event{Kind: domain.ResponseLoad, Key: k, Value: in.project(r)})
		case authorized:
			events = append(events, Event{Kind: domain.ResponseUpdate, Key: k, Value: in.project(r)})
		}
	}
	for _, k := range in.Prior.Sorted() {
		if _, ok := next[k.ID()]; !ok {
			events = append(events, Event{Kind: domain.ResponseUnload, Key: k})
		}
	}
	return Result{Events: events, Next: next}, nil
}

func (in Input) canQuery(r domain.Record) bool { return in.CanQuery == nil || in.CanQuery(r) }

func (in Input) project(r domain.Record) domain.Record {
	if in.Project == nil {
		return r
	}
	return in.Project(r)
}
