// Package ingest decodes change batches produced by external writers. The
// broker adapters in the kafka and rabbitmq subpackages feed them to a Sink.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"

	"livesync/internal/domain"
	"livesync/internal/notifier"
)

// ErrInvalidPayload marks messages that can never be processed.
var ErrInvalidPayload = errors.New("invalid change payload")

// Sink receives decoded batches. notifier.Notifier implements it.
type Sink interface {
	HandleChanges(ctx context.Context, identity string, changes []domain.ChangeEvent) error
}

// Batch is one committed write of an external writer.
type Batch struct {
	Context string
	Changes []domain.ChangeEvent
}

type wireChange struct {
	Collection    string        `json:"collection"`
	Kind          string        `json:"kind"`
	PrimaryValues domain.Key    `json:"primaryValues"`
	Value         domain.Record `json:"value"`
}

type wireBatch struct {
	Context string       `json:"context"`
	Changes []wireChange `json:"changes"`
}

// Decode parses a JSON batch. defaultContext applies when the payload names
// none.
func Decode(payload []byte, defaultContext string) (Batch, error) {
	var in wireBatch
	if err := json.Unmarshal(payload, &in); err != nil {
		return Batch{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	b := Batch{Context: strings.TrimSpace(in.Context)}
	if b.Context == "" {
		b.Context = defaultContext
	}
	if b.Context == "" {
		return Batch{}, fmt.Errorf("%w: context is required", ErrInvalidPayload)
	}
	if len(in.Changes) == 0 {
		return Batch{}, fmt.Errorf("%w: changes are required", ErrInvalidPayload)
	}
	for i, c := range in.Changes {
		if strings.TrimSpace(c.Collection) == "" {
			return Batch{}, fmt.Errorf("%w: changes[%d]: collection is required", ErrInvalidPayload, i)
		}
		kind, err := domain.ParseChangeKind(c.Kind)
		if err != nil {
			return Batch{}, fmt.Errorf("%w: changes[%d]: %v", ErrInvalidPayload, i, err)
		}
		if len(c.PrimaryValues) == 0 {
			return Batch{}, fmt.Errorf("%w: changes[%d]: primaryValues are required", ErrInvalidPayload, i)
		}
		for _, v := range c.PrimaryValues {
			if !domain.IsScalar(v) {
				return Batch{}, fmt.Errorf("%w: changes[%d]: primaryValues must be scalars", ErrInvalidPayload, i)
			}
		}
		if kind == domain.Deleted {
			c.Value = nil
		}
		b.Changes = append(b.Changes, domain.ChangeEvent{Collection: c.Collection, Key: c.PrimaryValues, Value: c.Value, Kind: kind})
	}
	return b, nil
}

type temporary interface{ Temporary() bool }

// Retryable reports whether a sink error is worth redelivering.
func Retryable(err error) bool {
	if errors.Is(err, notifier.ErrOverloaded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var te temporary
	if errors.As(err, &te) {
		return te.Temporary()
	}
	return false
}
