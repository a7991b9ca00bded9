package memory

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schema string

// Store wraps the shared database handle backing every component in this
// package, grounded on the teacher's NewSQLiteOperationalDB /
// NewSQLiteLearningDB (same PRAGMA set, single embedded schema exec).
type Store struct {
	db *sql.DB
}

// Open creates or attaches to a SQLite database at path and applies the
// embedded schema. path may be ":memory:" for ephemeral stores (tests).
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA cache_size=-64000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", p, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying handle.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the raw handle for components that need direct access
// (CognitiveRepository's generic table interception, migrations tooling).
func (s *Store) DB() *sql.DB { return s.db }

func nowUTC() time.Time { return time.Now().UTC() }

// withImmediateTx runs fn against a single reserved connection wrapped in a
// SQLite BEGIN IMMEDIATE transaction, SQLite's substitute for SELECT ... FOR
// UPDATE row locking (it has no such clause). database/sql's *sql.Tx always
// issues a plain deferred BEGIN, so the write lock is acquired with a raw
// statement on the connection instead of through the Tx API.
func (s *Store) withImmediateTx(ctx context.Context, fn func(*sql.Conn) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return fmt.Errorf("begin immediate: %w", err)
	}
	if err := fn(conn); err != nil {
		conn.ExecContext(ctx, "ROLLBACK")
		return err
	}
	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("commit immediate: %w", err)
	}
	return nil
}
