// Package sqlite implements tract storage on SQLite via the pure-Go
// ncruces/go-sqlite3 driver.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/tracthq/tract/internal/storage"
)

// timeLayout is a fixed-width UTC layout so lexicographic ordering of
// the stored text equals chronological ordering.
const timeLayout = "2006-01-02 15:04:05.000000"

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteStore implements storage.Store on a single SQLite database.
type SQLiteStore struct {
	db   *sql.DB
	q    queryer // db outside transactions, *sql.Tx inside
	path string
	inTx bool
}

var _ storage.Store = (*SQLiteStore)(nil)

// New opens (or creates) a database at path and initializes the
// schema. Use MemoryPath for an in-memory store.
func New(ctx context.Context, path string) (*SQLiteStore, error) {
	dsn := connString(path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// The pure Go driver serializes best over a single connection.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s := &SQLiteStore{db: db, q: db, path: path}
	if err := s.runMigrations(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func connString(path string) string {
	if path == MemoryPath {
		// Private in-memory database, one per open.
		return "file::memory:?_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)"
	}
	return "file:" + path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=foreign_keys(ON)" +
		"&_pragma=busy_timeout(5000)" +
		"&_txlock=immediate"
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string { return s.path }

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	if s.inTx {
		return fmt.Errorf("cannot close store inside a transaction")
	}
	return s.db.Close()
}

// RunInTransaction executes fn within a single transaction. The Store
// handed to fn routes every query through the transaction. fn
// returning nil commits; an error or panic rolls back.
func (s *SQLiteStore) RunInTransaction(ctx context.Context, fn func(tx storage.Store) error) error {
	if s.inTx {
		// Nested use shares the outer transaction.
		return fn(s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	txStore := &SQLiteStore{db: s.db, q: tx, path: s.path, inTx: true}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(txStore); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback also failed: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// formatTime renders a timestamp in the fixed-width storage layout.
func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// parseTime reads a stored timestamp back. Accepts both the storage
// layout and RFC3339 for rows written by external tools.
func parseTime(s string) (time.Time, error) {
	if t, err := time.ParseInLocation(timeLayout, s, time.UTC); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid stored timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

// nullable maps empty strings to NULL for optional columns.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// placeholders returns "?, ?, ..." for n parameters.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
