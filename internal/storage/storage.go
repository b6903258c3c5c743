package storage

import (
	"context"
	"errors"
	"iter"

	"livesync/internal/domain"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("record already exists")
)

// Entry is one stored record with its bookkeeping columns.
type Entry struct {
	Context        string
	Collection     string
	Key            domain.Key
	Value          domain.Record
	Version        uint64
	UpdatedAtUTCNs int64
}

// Engine is the authoritative record store. Keys are computed by the caller
// from the collection model; the store treats them as opaque tuples.
type Engine interface {
	// Load streams the committed records of a collection in insertion order.
	Load(ctx context.Context, contextName, collection string) iter.Seq2[domain.Record, error]
	Get(ctx context.Context, contextName, collection string, key domain.Key) (domain.Record, error)
	Insert(ctx context.Context, contextName, collection string, key domain.Key, value domain.Record) (Entry, error)
	Update(ctx context.Context, contextName, collection string, key domain.Key, value domain.Record) (Entry, error)
	// Delete removes the record and returns its last value.
	Delete(ctx context.Context, contextName, collection string, key domain.Key) (domain.Record, error)
	Health(ctx context.Context) (bool, string)
	Close() error
}
