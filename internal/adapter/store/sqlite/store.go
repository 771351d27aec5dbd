// Package sqlite implements the transactional persistence port on an
// embedded SQLite database. One writer connection in WAL mode carries all
// traffic; busy contention surfaces as domain.ErrStoreBusy so workers back
// off instead of erroring out.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/fairyhunter13/codegraph/internal/domain"
)

func tracer() trace.Tracer { return otel.Tracer("store.sqlite") }

// dbtx is the common surface of *sql.DB and *sql.Tx the store runs on.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is the SQLite-backed domain.Store. A Store returned by Open owns
// the database handle; views created by InTransaction borrow its settings
// and run on the transaction instead.
type Store struct {
	db  *sql.DB
	q   dbtx
	now func() time.Time
}

var _ domain.Store = (*Store)(nil)

// Open creates or opens the database at path, applies the schema, and
// returns a ready store. The DSN pins WAL journaling, a 10 s busy timeout,
// foreign keys, and immediate write transactions.
func Open(path string) (*Store, error) {
	dsn := "file:" + path +
		"?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL&_foreign_keys=on&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, mapErr("sqlite.Open", err)
	}
	// The single writer connection serializes all statements; WAL readers
	// in other processes are unaffected.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(context.Background(), schemaDDL); err != nil {
		_ = db.Close()
		return nil, mapErr("sqlite.Open schema", err)
	}
	return &Store{db: db, q: db, now: time.Now}, nil
}

// Close releases the database handle. Closing a transaction view is a no-op.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// InTransaction runs fn against a view bound to one immediate transaction,
// committing when fn returns nil. Inside an existing transaction fn runs on
// the same view, so helpers compose without nesting.
func (s *Store) InTransaction(ctx domain.Context, fn func(tx domain.Store) error) error {
	if s.db == nil {
		return fn(s)
	}
	ctx, span := tracer().Start(ctx, "store.transaction")
	defer span.End()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapErr("sqlite.InTransaction begin", err)
	}
	view := &Store{q: tx, now: s.now}
	if err := fn(view); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return mapErr("sqlite.InTransaction rollback", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return mapErr("sqlite.InTransaction commit", err)
	}
	return nil
}

// mapErr tags driver failures with the domain taxonomy: busy contention,
// lock cycles, and constraint hits become branchable sentinels.
func mapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("op=%s: %w", op, domain.ErrNotFound)
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch se.Code {
		case sqlite3.ErrBusy:
			return fmt.Errorf("op=%s: %s: %w", op, err, domain.ErrStoreBusy)
		case sqlite3.ErrLocked:
			return fmt.Errorf("op=%s: %s: %w", op, err, domain.ErrStoreDeadlock)
		case sqlite3.ErrConstraint:
			return fmt.Errorf("op=%s: %s: %w", op, err, domain.ErrConflict)
		}
	}
	return fmt.Errorf("op=%s: %w", op, err)
}

// insertReturningID runs an INSERT and returns the new rowid.
func (s *Store) insertReturningID(ctx domain.Context, op, query string, args ...any) (int64, error) {
	res, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, mapErr(op, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, mapErr(op, err)
	}
	return id, nil
}

// execAffecting runs a statement that must touch at least one row and maps
// zero rows to ErrNotFound.
func (s *Store) execAffecting(ctx domain.Context, op, query string, args ...any) error {
	res, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return mapErr(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return mapErr(op, err)
	}
	if n == 0 {
		return fmt.Errorf("op=%s: %w", op, domain.ErrNotFound)
	}
	return nil
}
