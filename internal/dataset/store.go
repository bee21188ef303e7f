// Package dataset manages registered tabular datasets in the embedded
// analytical store.
package dataset

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// Store wraps the embedded sqlite database holding dataset tables.
type Store struct {
	db *sql.DB
}

// Open opens the analytical store at path. An empty path opens a private
// in-memory database, used by tests and ephemeral deployments.
func Open(path string) (*Store, error) {
	dsn := path
	maxConns := 4
	if dsn == "" {
		// A shared-cache in-memory database must keep at least one
		// connection open or it vanishes between queries.
		dsn = "file::memory:?cache=shared"
		maxConns = 1
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)

	if _, err := db.ExecContext(context.Background(), "PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure store: %w", err)
	}

	return &Store{db: db}, nil
}

// DB exposes the underlying handle for query execution.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// QuoteIdent quotes a column or table name for SQL emission. Names are
// opaque labels; quoting is unconditional.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
