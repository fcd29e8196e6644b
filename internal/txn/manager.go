// ABOUTME: Transaction manager with bounded slots, retry with backoff, and timeouts
// ABOUTME: Nested Execute calls become savepoints inside the live transaction

package txn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/itehadironstore/ironstore/internal/store"
)

// ErrClosed is returned when Execute is called after Close.
var ErrClosed = errors.New("transaction manager closed")

// ErrTimeout is returned when a transaction exceeds its deadline. A
// timed-out transaction is rolled back and never retried.
var ErrTimeout = errors.New("transaction timed out")

// Fn is a transactional unit of work. Returning an error rolls the
// transaction back; returning nil commits it.
type Fn func(ctx context.Context, tx *Tx) error

// Options overrides the manager defaults for one Execute call. Zero
// fields keep the defaults.
type Options struct {
	// Label names the transaction in logs.
	Label string

	MaxRetries     int
	Timeout        time.Duration
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

// Config carries the manager defaults.
type Config struct {
	MaxSlots       int64
	MaxRetries     int
	Timeout        time.Duration
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

// Stats is a snapshot of the manager counters.
type Stats struct {
	Active     int64
	Queued     int64
	Committed  int64
	RolledBack int64
	Retried    int64
}

// Manager serializes write transactions through a bounded slot pool
// and retries transient contention failures with jittered backoff.
type Manager struct {
	conn   *store.Conn
	cfg    Config
	slots  *semaphore.Weighted
	logger *slog.Logger

	active     int64
	queued     int64
	committed  int64
	rolledBack int64
	retried    int64

	closed atomic.Bool
}

// NewManager creates a transaction manager over the given connection.
func NewManager(conn *store.Conn, cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxSlots <= 0 {
		cfg.MaxSlots = 4
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 50 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 2 * time.Second
	}

	return &Manager{
		conn:   conn,
		cfg:    cfg,
		slots:  semaphore.NewWeighted(cfg.MaxSlots),
		logger: logger.With("component", "txn"),
	}
}

// Execute runs fn in a transaction with the manager defaults.
func (m *Manager) Execute(ctx context.Context, fn Fn) error {
	return m.ExecuteWith(ctx, Options{}, fn)
}

// ExecuteWith runs fn in a transaction. If the context already carries
// a live transaction, fn runs in a savepoint scope inside it instead:
// no new slot, no retry, and a failure unwinds only the savepoint.
//
// Otherwise a slot is acquired (blocking while the pool is full, until
// the context is done), and fn runs under the per-transaction timeout.
// Transient contention failures are retried with exponential backoff
// and jitter; timeouts and logic errors are not.
func (m *Manager) ExecuteWith(ctx context.Context, opts Options, fn Fn) error {
	if parent := FromContext(ctx); parent != nil {
		return parent.savepoint(ctx, fn)
	}

	maxRetries := m.cfg.MaxRetries
	if opts.MaxRetries > 0 {
		maxRetries = opts.MaxRetries
	}
	timeout := m.cfg.Timeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	baseDelay := m.cfg.RetryBaseDelay
	if opts.RetryBaseDelay > 0 {
		baseDelay = opts.RetryBaseDelay
	}
	maxDelay := m.cfg.RetryMaxDelay
	if opts.RetryMaxDelay > 0 {
		maxDelay = opts.RetryMaxDelay
	}
	label := opts.Label
	if label == "" {
		label = "anonymous"
	}

	// Each attempt is a full pass: wait for a slot, run, release. The
	// slot is never held across a backoff sleep, so a retrying writer
	// does not head-of-line block the pool while it waits.
	for attempt := 0; ; attempt++ {
		if m.closed.Load() {
			return ErrClosed
		}

		atomic.AddInt64(&m.queued, 1)
		acqErr := m.slots.Acquire(ctx, 1)
		atomic.AddInt64(&m.queued, -1)
		if acqErr != nil {
			return fmt.Errorf("waiting for transaction slot: %w", acqErr)
		}

		// Release survives a panic unwinding out of fn
		err := func() error {
			defer m.slots.Release(1)
			return m.attempt(ctx, timeout, label, fn)
		}()

		if err == nil {
			atomic.AddInt64(&m.committed, 1)
			return nil
		}

		atomic.AddInt64(&m.rolledBack, 1)

		if errors.Is(err, ErrTimeout) || ctx.Err() != nil {
			m.logger.Warn("transaction timed out", "label", label, "attempt", attempt+1)
			return err
		}
		if !retryable(err) || attempt >= maxRetries {
			return err
		}

		atomic.AddInt64(&m.retried, 1)
		delay := backoffDelay(attempt, baseDelay, maxDelay)
		m.logger.Debug("retrying transaction",
			"label", label,
			"attempt", attempt+1,
			"delay", delay,
			"error", err)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("waiting to retry: %w", ctx.Err())
		}
	}
}

// attempt runs fn in one fresh transaction with its own deadline.
func (m *Manager) attempt(ctx context.Context, timeout time.Duration, label string, fn Fn) error {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sqlTx, err := m.conn.DB().BeginTx(attemptCtx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	tx := newTx(sqlTx, label)
	atomic.AddInt64(&m.active, 1)
	defer atomic.AddInt64(&m.active, -1)

	done := false
	defer func() {
		if !done {
			// A panic in fn unwinds through here; the transaction must
			// not stay open
			sqlTx.Rollback()
		}
	}()

	if err := fn(withTx(attemptCtx, tx), tx); err != nil {
		sqlTx.Rollback()
		done = true
		if attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return fmt.Errorf("%w after %v: %v", ErrTimeout, timeout, err)
		}
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		done = true
		if attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return fmt.Errorf("%w after %v: %v", ErrTimeout, timeout, err)
		}
		return fmt.Errorf("committing transaction: %w", err)
	}
	done = true
	return nil
}

// retrySignatures are the error fragments that mark transient lock
// contention worth retrying.
var retrySignatures = []string{
	"database is locked",
	"database table is locked",
	"busy",
	"sqlite_busy",
	"deadlock",
}

func retryable(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, sig := range retrySignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}

// backoffDelay computes base<<attempt plus up to 50% jitter, capped.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt > 16 {
		attempt = 16
	}
	delay := base << uint(attempt)
	if delay > max || delay <= 0 {
		delay = max
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/2 + 1))
	if delay+jitter > max {
		return max
	}
	return delay + jitter
}

// Stats returns a snapshot of the manager counters.
func (m *Manager) Stats() Stats {
	return Stats{
		Active:     atomic.LoadInt64(&m.active),
		Queued:     atomic.LoadInt64(&m.queued),
		Committed:  atomic.LoadInt64(&m.committed),
		RolledBack: atomic.LoadInt64(&m.rolledBack),
		Retried:    atomic.LoadInt64(&m.retried),
	}
}

// Close stops accepting new transactions and waits for in-flight ones
// to finish, up to the context deadline. Callers set the shutdown
// grace on ctx.
func (m *Manager) Close(ctx context.Context) error {
	if m.closed.Swap(true) {
		return nil
	}

	if err := m.slots.Acquire(ctx, m.cfg.MaxSlots); err != nil {
		return fmt.Errorf("waiting for in-flight transactions: %w", err)
	}
	m.slots.Release(m.cfg.MaxSlots)

	m.logger.Info("transaction manager closed",
		"committed", atomic.LoadInt64(&m.committed),
		"rolled_back", atomic.LoadInt64(&m.rolledBack))
	return nil
}
