// Package memory is a process-local storage.Engine used by tests and by the
// daemon when storage.driver is "memory".
package memory

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"sync"
	"time"

	"livesync/internal/domain"
	"livesync/internal/hashroute"
	"livesync/internal/storage"
)

type row struct {
	seq   uint64
	entry storage.Entry
}

type Store struct {
	mu     sync.Mutex
	tables map[string]map[string]*row
	seq    uint64
}

var _ storage.Engine = (*Store)(nil)

func NewStore() *Store { return &Store{tables: map[string]map[string]*row{}} }

func table(contextName, collection string) string { return hashroute.Join(contextName, collection) }

// Load snapshots the table when iteration starts.
func (m *Store) Load(ctx context.Context, contextName, collection string) iter.Seq2[domain.Record, error] {
	return func(yield func(domain.Record, error) bool) {
		m.mu.Lock()
		rows := make([]*row, 0, len(m.tables[table(contextName, collection)]))
		for _, r := range m.tables[table(contextName, collection)] {
			rows = append(rows, r)
		}
		m.mu.Unlock()
		sort.Slice(rows, func(i, j int) bool { return rows[i].seq < rows[j].seq })
		for _, r := range rows {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			if !yield(r.entry.Value.Clone(), nil) {
				return
			}
		}
	}
}

func (m *Store) Get(_ context.Context, contextName, collection string, key domain.Key) (domain.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.tables[table(contextName, collection)][key.ID()]
	if !ok {
		return nil, fmt.Errorf("%w: %s %s", storage.ErrNotFound, collection, key)
	}
	return r.entry.Value.Clone(), nil
}

func (m *Store) Insert(_ context.Context, contextName, collection string, key domain.Key, value domain.Record) (storage.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tables[table(contextName, collection)]
	if !ok {
		t = map[string]*row{}
		m.tables[table(contextName, collection)] = t
	}
	if _, exists := t[key.ID()]; exists {
		return storage.Entry{}, fmt.Errorf("%w: %s %s", storage.ErrConflict, collection, key)
	}
	m.seq++
	e := storage.Entry{Context: contextName, Collection: collection, Key: key, Value: value.Clone(), Version: 1, UpdatedAtUTCNs: time.Now().UTC().UnixNano()}
	t[key.ID()] = &row{seq: m.seq, entry: e}
	return e, nil
}

func (m *Store) Update(_ context.Context, contextName, collection string, key domain.Key, value domain.Record) (storage.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.tables[table(contextName, collection)][key.ID()]
	if !ok {
		return storage.Entry{}, fmt.Errorf("%w: %s %s", storage.ErrNotFound, collection, key)
	}
	r.entry.Value, r.entry.Version, r.entry.UpdatedAtUTCNs = value.Clone(), r.entry.Version+1, time.Now().UTC().UnixNano()
	return r.entry, nil
}

func (m *Store) Delete(_ context.Context, contextName, collection string, key domain.Key) (domain.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tables[table(contextName, collection)]
	r, ok := t[key.ID()]
	if !ok {
		return nil, fmt.Errorf("%w: %s %s", storage.ErrNotFound, collection, key)
	}
	delete(t, key.ID())
	return r.entry.Value, nil
}

func (m *Store) Health(context.Context) (bool, string) { return true, "ok" }

func (m *Store) Close() error { return nil }
