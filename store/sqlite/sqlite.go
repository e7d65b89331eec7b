/*
Package sqlite provides a SQLite-backed implementation of the ledger storage
interfaces.

INTERFACES IMPLEMENTED:
  ledger.TxStore:         Obligations, with all-or-nothing batches
  ledger.AssessmentStore: Special assessments
  ledger.Directory:       Units and their current residents
  ledger.ConfigProvider:  The active billing configuration

KEY TABLES:
  obligations:            One row per (unit, period), versioned
  obligation_allocations: Surplus trail, append-only
  units / unit_residents: Directory data the ledger reads
  billing_config:         Single-row active configuration
  assessments:            Special assessments with their roster as JSON

INDEXES:
  - idx_unique_unit_period: Enforces one obligation per unit and month
  - idx_obligations_state_due: Overdue sweep

CONCURRENCY:
  The pool is limited to one connection, so SQLite sees a single writer and
  ":memory:" databases are shared by every caller. Stale writes are caught by
  the version column: UPDATE ... WHERE version = ? affects no row.

  Writes that touch more than one table (an obligation plus its allocation
  entries) run in their own transaction. Inside WithTx every query goes
  through the *sql.Tx, never through the pool, or it would wait forever for
  the connection the transaction holds.

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := ledger.NewService(store, store, store, store, ledger.Options{})

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/warp/community-ledger/ledger"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
}

var _ interface {
	ledger.TxStore
	ledger.AssessmentStore
	ledger.Directory
	ledger.ConfigProvider
} = (*Store)(nil)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Directory
	CREATE TABLE IF NOT EXISTS units (
		id TEXT PRIMARY KEY,
		label TEXT NOT NULL DEFAULT '',
		fee_override TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS unit_residents (
		unit_id TEXT PRIMARY KEY REFERENCES units(id),
		resident_id TEXT NOT NULL,
		since TEXT NOT NULL
	);

	-- Active billing configuration (single row)
	CREATE TABLE IF NOT EXISTS billing_config (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		default_fee TEXT NOT NULL,
		surcharge_percent TEXT NOT NULL,
		grace_period_days INTEGER NOT NULL,
		max_lookahead INTEGER NOT NULL,
		updated_at TEXT NOT NULL,
		updated_by TEXT NOT NULL
	);

	-- Obligations
	CREATE TABLE IF NOT EXISTS obligations (
		id TEXT PRIMARY KEY,
		unit_id TEXT NOT NULL,
		resident_id TEXT,
		period_year INTEGER NOT NULL,
		period_month INTEGER NOT NULL,
		amount_due TEXT NOT NULL,
		amount_paid TEXT NOT NULL,
		surplus TEXT NOT NULL,
		extra_amount TEXT NOT NULL,
		extra_reason TEXT NOT NULL DEFAULT '',
		period_start TEXT NOT NULL,
		period_end TEXT NOT NULL,
		due_date TEXT NOT NULL,
		state TEXT NOT NULL,
		payment_method TEXT,
		payment_reference TEXT,
		paid_at TEXT,
		created_by TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1
	);

	-- CRITICAL: at most one obligation per unit and billing month
	CREATE UNIQUE INDEX IF NOT EXISTS idx_unique_unit_period
		ON obligations(unit_id, period_year, period_month);

	CREATE INDEX IF NOT EXISTS idx_obligations_state_due
		ON obligations(state, due_date);

	-- Surplus trail. kind is 'advance' on the source, 'forward' on the receiver.
	CREATE TABLE IF NOT EXISTS obligation_allocations (
		obligation_id TEXT NOT NULL REFERENCES obligations(id),
		kind TEXT NOT NULL,
		counterpart_id TEXT NOT NULL,
		period_year INTEGER NOT NULL,
		period_month INTEGER NOT NULL,
		amount TEXT NOT NULL,
		applied_at TEXT NOT NULL,
		UNIQUE(obligation_id, kind, counterpart_id)
	);

	-- Special assessments
	CREATE TABLE IF NOT EXISTS assessments (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		amount_per_unit TEXT NOT NULL,
		due_date TEXT NOT NULL,
		state TEXT NOT NULL,
		roster_json TEXT NOT NULL,
		created_by TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// inTx runs fn in a transaction on the single connection.
func (s *Store) inTx(ctx context.Context, fn func(q querier) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(sqlTx); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// Helper functions

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
