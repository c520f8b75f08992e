/*
Package sqlstore provides the SQL implementation of ledger.TxStore.

PURPOSE:
  Persists students, classes, invoices, payments, enrollment records and
  the audit log through sqlx. Two dialects share every query:
  - sqlite3:  development and tests (":memory:" works)
  - postgres: production

DIALECT DIFFERENCES:
  - Placeholders: queries are written with "?" and rebound per driver
  - Money: TEXT on SQLite, NUMERIC(14,2) on PostgreSQL (decimal.Decimal both ways)
  - Row locks: "FOR UPDATE" on PostgreSQL; SQLite serializes writers instead
    (_txlock=immediate and a single connection)

INVARIANTS BACKED BY THE SCHEMA:
  - ux_invoices_tuition_period: one tuition invoice per (school, student, month, year)
  - ux_enrollments_one_active: at most one active enrollment per student
  Violations come back as ledger.ErrAlreadyExists and
  ledger.ErrInvariantViolation respectively.

USAGE:
  store, err := sqlstore.Open(ctx, "sqlite3", "./data/ledger.db", logger)
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on Open(). For production, use a proper
  migration tool with versioned migrations.

SEE ALSO:
  - ledger/store.go: interface definitions
  - ledger/store/memory.go: in-memory implementation for unit tests
*/
package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/warp/school-ledger/ledger"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// Store implements ledger.TxStore on a SQL database.
type Store struct {
	*queries
	db  *sqlx.DB
	log *zap.Logger
}

var _ ledger.TxStore = (*Store)(nil)

// queries runs every ledger.Store method against either the database or an
// open transaction.
type queries struct {
	ext     sqlx.ExtContext
	dialect dialect
}

type dialect struct {
	name      string
	forUpdate string
}

func dialectFor(driver string) (dialect, error) {
	switch driver {
	case DriverSQLite:
		return dialect{name: DriverSQLite}, nil
	case DriverPostgres:
		return dialect{name: DriverPostgres, forUpdate: " FOR UPDATE"}, nil
	}
	return dialect{}, fmt.Errorf("unsupported database driver %q", driver)
}

// Open connects, waits for the database to answer and migrates the schema.
func Open(ctx context.Context, driver, dsn string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	d, err := dialectFor(driver)
	if err != nil {
		return nil, err
	}

	if driver == DriverSQLite {
		dsn = sqliteDSN(dsn)
	}
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if driver == DriverSQLite {
		// One connection: ":memory:" stays a single database and writers
		// serialize on it.
		db.SetMaxOpenConns(1)
	}

	if err := ping(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{
		queries: &queries{ext: db, dialect: d},
		db:      db,
		log:     log.Named("sqlstore"),
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	s.log.Info("database ready", zap.String("driver", driver))
	return s, nil
}

// sqliteDSN adds the connection options the store relies on.
func sqliteDSN(dsn string) string {
	opts := "_foreign_keys=on&_txlock=immediate&_busy_timeout=5000"
	if dsn != ":memory:" {
		opts += "&_journal_mode=WAL"
	}
	if strings.Contains(dsn, "?") {
		return dsn + "&" + opts
	}
	return dsn + "?" + opts
}

// ping waits for the database to be ready. Waits 100ms longer between each attempt.
func ping(ctx context.Context, db *sqlx.DB) error {
	var err error
	maxAttempts := 30
	for attempts := 1; attempts <= maxAttempts; attempts++ {
		if err = db.PingContext(ctx); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("ping database: %w", ctx.Err())
		case <-time.After(time.Duration(attempts) * 100 * time.Millisecond):
		}
	}
	return fmt.Errorf("ping database: timeout: %w", err)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database still answers.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&queries{ext: tx, dialect: s.dialect}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (q *queries) get(ctx context.Context, dest any, query string, args ...any) error {
	return sqlx.GetContext(ctx, q.ext, dest, q.ext.Rebind(query), args...)
}

func (q *queries) selectAll(ctx context.Context, dest any, query string, args ...any) error {
	return sqlx.SelectContext(ctx, q.ext, dest, q.ext.Rebind(query), args...)
}

func (q *queries) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := q.ext.ExecContext(ctx, q.ext.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// where accumulates AND-ed conditions of a list query.
type where struct {
	clauses []string
	args    []any
}

func (w *where) add(clause string, args ...any) {
	w.clauses = append(w.clauses, clause)
	w.args = append(w.args, args...)
}

func (w *where) String() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

func limitClause(p ledger.Page, args []any) (string, []any) {
	if p.Limit <= 0 {
		return "", args
	}
	return " LIMIT ? OFFSET ?", append(args, p.Limit, p.Offset)
}

// isUniqueViolation recognizes unique/primary key violations of both drivers.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
