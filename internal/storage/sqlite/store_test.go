package sqlite

import (
	"context"
	"errors"
	"testing"

	"livesync/internal/domain"
	"livesync/internal/storage"
)

func collect(t *testing.T, s *Store, ctxName, coll string) []domain.Record {
	t.Helper()
	var out []domain.Record
	for r, err := range s.Load(context.Background(), ctxName, coll) {
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, r)
	}
	return out
}

func TestSchemaInitializationCreatesRecordsTable(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	db, err := s.contextDB("Shop")
	if err != nil {
		t.Fatalf("context init: %v", err)
	}
	var cnt int
	if err := db.QueryRow(`SELECT count(*) FROM sqlite_master WHERE type='table' AND name='records'`).Scan(&cnt); err != nil {
		t.Fatal(err)
	}
	if cnt != 1 {
		t.Fatalf("records table missing")
	}
	if ok, msg := s.Health(context.Background()); !ok {
		t.Fatalf("unhealthy: %s", msg)
	}
}

func TestInsertGetUpdateDelete(t *testing.T) {
	ctx := context.Background()
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	key := domain.Key{1.0}
	e, err := s.Insert(ctx, "shop", "orders", key, domain.Record{"id": 1.0, "total": 10.0})
	if err != nil {
		t.Fatal(err)
	}
	if e.Version != 1 {
		t.Fatalf("expected version 1, got %d", e.Version)
	}
	if _, err := s.Insert(ctx, "shop", "ORDERS", domain.Key{int64(1)}, domain.Record{"id": 1.0}); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	e, err = s.Update(ctx, "shop", "orders", key, domain.Record{"id": 1.0, "total": 20.0})
	if err != nil {
		t.Fatal(err)
	}
	if e.Version != 2 {
		t.Fatalf("expected version 2, got %d", e.Version)
	}
	got, err := s.Get(ctx, "SHOP", "orders", key)
	if err != nil {
		t.Fatal(err)
	}
	if got["total"] != 20.0 {
		t.Fatalf("unexpected record %v", got)
	}
	if _, err := s.Update(ctx, "shop", "orders", domain.Key{2.0}, domain.Record{"id": 2.0}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	old, err := s.Delete(ctx, "shop", "orders", key)
	if err != nil {
		t.Fatal(err)
	}
	if old["total"] != 20.0 {
		t.Fatalf("delete must return last value, got %v", old)
	}
	if _, err := s.Get(ctx, "shop", "orders", key); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	if _, err := s.Delete(ctx, "shop", "orders", key); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
}

func TestLoadIsScopedAndOrderedAndDurable(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range []float64{3, 1, 2} {
		if _, err := s.Insert(ctx, "shop", "orders", domain.Key{id}, domain.Record{"id": id}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.Insert(ctx, "shop", "items", domain.Key{9.0}, domain.Record{"id": 9.0}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Insert(ctx, "warehouse", "orders", domain.Key{8.0}, domain.Record{"id": 8.0}); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s, err = NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	got := collect(t, s, "shop", "orders")
	if len(got) != 3 || got[0]["id"] != 3.0 || got[1]["id"] != 1.0 || got[2]["id"] != 2.0 {
		t.Fatalf("unexpected load %v", got)
	}
	if got := collect(t, s, "shop", "missing"); len(got) != 0 {
		t.Fatalf("unknown collection must load empty, got %v", got)
	}
}

func TestLoadStopsEarly(t *testing.T) {
	ctx := context.Background()
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	for _, id := range []float64{1, 2, 3} {
		if _, err := s.Insert(ctx, "shop", "orders", domain.Key{id}, domain.Record{"id": id}); err != nil {
			t.Fatal(err)
		}
	}
	n := 0
	for _, err := range s.Load(ctx, "shop", "orders") {
		if err != nil {
			t.Fatal(err)
		}
		if n++; n == 1 {
			break
		}
	}
	if _, err := s.Insert(ctx, "shop", "orders", domain.Key{4.0}, domain.Record{"id": 4.0}); err != nil {
		t.Fatalf("store must stay usable after an abandoned load: %v", err)
	}
}
