package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"livesync/internal/domain"
	"livesync/internal/hashroute"
	"livesync/internal/storage"

	_ "modernc.org/sqlite"
)

const recordsSchema = `
CREATE TABLE IF NOT EXISTS records (
	collection TEXT NOT NULL,
	record_key TEXT NOT NULL,
	key_json TEXT NOT NULL,
	body_json TEXT NOT NULL,
	version INTEGER NOT NULL,
	created_at_utc_ns INTEGER NOT NULL,
	updated_at_utc_ns INTEGER NOT NULL,
	PRIMARY KEY (collection, record_key)
);

CREATE INDEX IF NOT EXISTS idx_records_collection_created ON records(collection, created_at_utc_ns);
`

// Store keeps one database file per data context.
type Store struct {
	baseDir string

	mu  sync.Mutex
	dbs map[string]*sql.DB
}

var _ storage.Engine = (*Store)(nil)

func NewStore(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir base dir: %w", err)
	}
	return &Store{baseDir: baseDir, dbs: make(map[string]*sql.DB)}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for k, db := range s.dbs {
		if err := db.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(s.dbs, k)
	}
	return errors.Join(errs...)
}

func (s *Store) Health(ctx context.Context) (bool, string) {
	s.mu.Lock()
	dbs := make([]*sql.DB, 0, len(s.dbs))
	for _, db := range s.dbs {
		dbs = append(dbs, db)
	}
	s.mu.Unlock()
	for _, db := range dbs {
		if err := db.PingContext(ctx); err != nil {
			return false, err.Error()
		}
	}
	return true, "ok"
}

func (s *Store) Load(ctx context.Context, contextName, collection string) iter.Seq2[domain.Record, error] {
	return func(yield func(domain.Record, error) bool) {
		db, err := s.contextDB(contextName)
		if err != nil {
			yield(nil, err)
			return
		}
		rows, err := db.QueryContext(ctx, `
SELECT body_json FROM records
WHERE collection=?
ORDER BY created_at_utc_ns ASC, rowid ASC`, hashroute.Canonicalize(collection))
		if err != nil {
			yield(nil, err)
			return
		}
		defer rows.Close()
		for rows.Next() {
			var body string
			if err := rows.Scan(&body); err != nil {
				yield(nil, err)
				return
			}
			rec, err := decode(body)
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, err)
		}
	}
}

func (s *Store) Get(ctx context.Context, contextName, collection string, key domain.Key) (domain.Record, error) {
	db, err := s.contextDB(contextName)
	if err != nil {
		return nil, err
	}
	var body string
	err = db.QueryRowContext(ctx, `SELECT body_json FROM records WHERE collection=? AND record_key=?`,
		hashroute.Canonicalize(collection), key.ID()).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s %s", storage.ErrNotFound, collection, key)
	}
	if err != nil {
		return nil, err
	}
	return decode(body)
}

func (s *Store) Insert(ctx context.Context, contextName, collection string, key domain.Key, value domain.Record) (storage.Entry, error) {
	db, err := s.contextDB(contextName)
	if err != nil {
		return storage.Entry{}, err
	}
	keyJSON, body, err := encode(key, value)
	if err != nil {
		return storage.Entry{}, err
	}
	now := time.Now().UTC().UnixNano()
	res, err := db.ExecContext(ctx, `
INSERT INTO records(collection, record_key, key_json, body_json, version, created_at_utc_ns, updated_at_utc_ns)
VALUES (?, ?, ?, ?, 1, ?, ?)
ON CONFLICT(collection, record_key) DO NOTHING`,
		hashroute.Canonicalize(collection), key.ID(), keyJSON, body, now, now)
	if err != nil {
		return storage.Entry{}, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return storage.Entry{}, err
	} else if n == 0 {
		return storage.Entry{}, fmt.Errorf("%w: %s %s", storage.ErrConflict, collection, key)
	}
	return storage.Entry{Context: contextName, Collection: collection, Key: key, Value: value, Version: 1, UpdatedAtUTCNs: now}, nil
}

func (s *Store) Update(ctx context.Context, contextName, collection string, key domain.Key, value domain.Record) (storage.Entry, error) {
	db, err := s.contextDB(contextName)
	if err != nil {
		return storage.Entry{}, err
	}
	keyJSON, body, err := encode(key, value)
	if err != nil {
		return storage.Entry{}, err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return storage.Entry{}, err
	}
	defer tx.Rollback()

	now := time.Now().UTC().UnixNano()
	res, err := tx.ExecContext(ctx, `
UPDATE records SET key_json=?, body_json=?, version=version+1, updated_at_utc_ns=?
WHERE collection=? AND record_key=?`, keyJSON, body, now, hashroute.Canonicalize(collection), key.ID())
	if err != nil {
		return storage.Entry{}, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return storage.Entry{}, err
	} else if n == 0 {
		return storage.Entry{}, fmt.Errorf("%w: %s %s", storage.ErrNotFound, collection, key)
	}
	var version int64
	if err := tx.QueryRowContext(ctx, `SELECT version FROM records WHERE collection=? AND record_key=?`,
		hashroute.Canonicalize(collection), key.ID()).Scan(&version); err != nil {
		return storage.Entry{}, err
	}
	if err := tx.Commit(); err != nil {
		return storage.Entry{}, err
	}
	return storage.Entry{Context: contextName, Collection: collection, Key: key, Value: value, Version: uint64(version), UpdatedAtUTCNs: now}, nil
}

func (s *Store) Delete(ctx context.Context, contextName, collection string, key domain.Key) (domain.Record, error) {
	db, err := s.contextDB(contextName)
	if err != nil {
		return nil, err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var body string
	err = tx.QueryRowContext(ctx, `SELECT body_json FROM records WHERE collection=? AND record_key=?`,
		hashroute.Canonicalize(collection), key.ID()).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s %s", storage.ErrNotFound, collection, key)
	}
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE collection=? AND record_key=?`,
		hashroute.Canonicalize(collection), key.ID()); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return decode(body)
}

func (s *Store) contextDB(contextName string) (*sql.DB, error) {
	name := fileName(contextName)
	if name == "" {
		return nil, fmt.Errorf("context name is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if db, ok := s.dbs[name]; ok {
		return db, nil
	}
	db, err := openSQLite(filepath.Join(s.baseDir, "context-"+name+".db"))
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(recordsSchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.dbs[name] = db
	return db, nil
}

// fileName maps a context name onto a safe file name component.
func fileName(contextName string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, hashroute.Canonicalize(contextName))
}

func openSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return db, nil
}

func encode(key domain.Key, value domain.Record) (string, string, error) {
	k, err := json.Marshal(key)
	if err != nil {
		return "", "", fmt.Errorf("encode key: %w", err)
	}
	b, err := json.Marshal(value)
	if err != nil {
		return "", "", fmt.Errorf("encode record: %w", err)
	}
	return string(k), string(b), nil
}

func decode(body string) (domain.Record, error) {
	var rec domain.Record
	if err := json.Unmarshal([]byte(body), &rec); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return rec, nil
}
