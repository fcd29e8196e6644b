// ABOUTME: Transaction handle passed to transactional callbacks
// ABOUTME: Carries identity, an operation log, and savepoint nesting state

package txn

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/itehadironstore/ironstore/internal/store"
)

// ctxKey carries the live transaction through nested Execute calls.
type ctxKey struct{}

func withTx(ctx context.Context, tx *Tx) context.Context {
	return context.WithValue(ctx, ctxKey{}, tx)
}

// FromContext returns the transaction the context is running under, or
// nil outside a transaction.
func FromContext(ctx context.Context) *Tx {
	tx, _ := ctx.Value(ctxKey{}).(*Tx)
	return tx
}

// Tx is a live transaction. It is handed to the callback of Execute and
// is only valid until that callback returns. Not safe for concurrent
// use; a transaction belongs to one goroutine.
type Tx struct {
	id        string
	label     string
	startedAt time.Time
	sqlTx     *sql.Tx

	mu     sync.Mutex
	ops    []string
	depth  int
	nested bool
}

func newTx(sqlTx *sql.Tx, label string) *Tx {
	return &Tx{
		id:        uuid.New().String(),
		label:     label,
		startedAt: time.Now(),
		sqlTx:     sqlTx,
	}
}

// ID returns the transaction's unique identifier.
func (t *Tx) ID() string { return t.id }

// StartedAt returns when the outermost transaction began.
func (t *Tx) StartedAt() time.Time { return t.startedAt }

// Nested reports whether any savepoint scope ran inside this transaction.
func (t *Tx) Nested() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nested
}

// Ops returns the statements executed so far, normalized, in order.
func (t *Tx) Ops() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.ops...)
}

func (t *Tx) record(stmt string) {
	t.mu.Lock()
	t.ops = append(t.ops, strings.Join(strings.Fields(stmt), " "))
	t.mu.Unlock()
}

// Execute runs a mutating statement inside the transaction.
func (t *Tx) Execute(ctx context.Context, stmt string, args ...any) (store.ExecResult, error) {
	t.record(stmt)
	res, err := t.sqlTx.ExecContext(ctx, stmt, args...)
	if err != nil {
		return store.ExecResult{}, fmt.Errorf("executing in transaction: %w", err)
	}
	affected, _ := res.RowsAffected()
	lastID, _ := res.LastInsertId()
	return store.ExecResult{Affected: affected, LastID: lastID}, nil
}

// Query runs a read statement inside the transaction.
func (t *Tx) Query(ctx context.Context, stmt string, args ...any) (*sql.Rows, error) {
	t.record(stmt)
	rows, err := t.sqlTx.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("querying in transaction: %w", err)
	}
	return rows, nil
}

// QueryRow runs a single-row read inside the transaction.
func (t *Tx) QueryRow(ctx context.Context, stmt string, args ...any) *sql.Row {
	t.record(stmt)
	return t.sqlTx.QueryRowContext(ctx, stmt, args...)
}

// savepoint runs fn inside a named savepoint scope. On failure the
// scope rolls back to the savepoint, leaving the outer transaction's
// earlier work intact, and the error propagates to the caller.
func (t *Tx) savepoint(ctx context.Context, fn Fn) error {
	t.mu.Lock()
	t.depth++
	name := fmt.Sprintf("sp_%d", t.depth)
	t.nested = true
	t.mu.Unlock()

	if _, err := t.sqlTx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("creating savepoint %s: %w", name, err)
	}

	if err := fn(ctx, t); err != nil {
		if _, rbErr := t.sqlTx.ExecContext(ctx, "ROLLBACK TO "+name); rbErr != nil {
			return fmt.Errorf("rolling back to savepoint %s after %v: %w", name, err, rbErr)
		}
		// Release discards the savepoint name; the rollback already
		// undid its work
		t.sqlTx.ExecContext(ctx, "RELEASE "+name)
		return err
	}

	if _, err := t.sqlTx.ExecContext(ctx, "RELEASE "+name); err != nil {
		return fmt.Errorf("releasing savepoint %s: %w", name, err)
	}
	return nil
}
