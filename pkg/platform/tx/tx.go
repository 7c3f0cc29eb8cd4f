package tx

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
)

type ctxKey struct{}

var txKey = ctxKey{}

// WithTx stores a SQL transaction in context for downstream store usage.
func WithTx(ctx context.Context, tx *sql.Tx) context.Context {
	if tx == nil {
		return ctx
	}
	return context.WithValue(ctx, txKey, tx)
}

// From extracts a SQL transaction from context if present.
func From(ctx context.Context) (*sql.Tx, bool) {
	tx, ok := ctx.Value(txKey).(*sql.Tx)
	return tx, ok
}

// Executor is the subset of *sql.DB and *sql.Tx that stores use.
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Exec returns the transaction carried by ctx, falling back to db.
func Exec(ctx context.Context, db *sql.DB) Executor {
	if tx, ok := From(ctx); ok {
		return tx
	}
	return db
}

// Run executes fn inside a transaction. Stores called with the returned
// context join the transaction. A transaction already present in ctx is
// reused and left for the outer caller to commit.
func Run(ctx context.Context, db *sql.DB, fn func(ctx context.Context) error) error {
	if _, ok := From(ctx); ok {
		return fn(ctx)
	}
	sqlTx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(WithTx(ctx, sqlTx)); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// SQLTransactor runs callbacks in a database/sql transaction.
type SQLTransactor struct {
	db *sql.DB
}

// NewTransactor returns a transactor over db.
func NewTransactor(db *sql.DB) *SQLTransactor {
	return &SQLTransactor{db: db}
}

// RunInTx executes fn inside a transaction on the underlying database.
func (t *SQLTransactor) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return Run(ctx, t.db, fn)
}

// Barrier is the in-memory stand-in for row locks between the key store and
// the profile store. RunInTx holds it exclusively; Shared holds it for reading.
type Barrier struct {
	mu sync.RWMutex
}

// RunInTx runs fn while no shared holder is active.
func (b *Barrier) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return fn(ctx)
}

// Shared runs fn concurrently with other shared holders but never alongside
// RunInTx.
func (b *Barrier) Shared(fn func() error) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return fn()
}
