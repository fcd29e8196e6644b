// ABOUTME: SQLite connection manager using modernc.org/sqlite
// ABOUTME: Probes candidate store locations, applies tuning pragmas, times every call

package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNoStoreLocation is returned when no candidate store location
// accepts a connection. This indicates a deployment problem and is
// never retried automatically.
var ErrNoStoreLocation = errors.New("no candidate store location reachable")

// ErrClosed is returned when the connection has been closed
var ErrClosed = errors.New("store connection closed")

// storeFileName is the on-disk database file name. Existing
// deployments already use it, so it never changes.
const storeFileName = "store.db"

// Options configures Open.
type Options struct {
	// Path, when set, is tried first and alone disables no other
	// candidates; the probing order is Path, platform data dir, ./data.
	Path string

	BusyTimeout        time.Duration
	SlowQueryThreshold time.Duration
	Logger             *slog.Logger
}

// ExecResult reports the outcome of a mutating statement.
type ExecResult struct {
	Affected int64
	LastID   int64
}

// Stats is a snapshot of per-connection counters.
type Stats struct {
	TotalQueries     int64
	SlowQueries      int64
	ConnectionErrors int64
}

// Conn is the single live handle to the embedded store. It is safe
// for concurrent use; the underlying *sql.DB pools connections but
// all access funnels through this type.
type Conn struct {
	// db is swapped by Reconnect while reads may be in flight
	db     atomic.Pointer[sql.DB]
	path   string
	logger *slog.Logger

	busyTimeout   time.Duration
	slowThreshold time.Duration

	totalQueries int64
	slowQueries  int64
	connErrors   int64

	closed atomic.Bool
}

// Open establishes the store handle. Candidate locations are tried in
// order; the first that connects and answers a liveness probe wins.
// If none connects, ErrNoStoreLocation is returned with the per-path
// failures attached.
func Open(opts Options) (*Conn, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store")

	if opts.SlowQueryThreshold <= 0 {
		opts.SlowQueryThreshold = 250 * time.Millisecond
	}
	if opts.BusyTimeout < 0 {
		opts.BusyTimeout = 0
	}

	var failures []string
	for _, candidate := range candidateLocations(opts.Path) {
		db, err := openAndProbe(candidate)
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", candidate, err))
			logger.Warn("store location rejected", "path", candidate, "error", err)
			continue
		}

		c := &Conn{
			path:          candidate,
			logger:        logger,
			busyTimeout:   opts.BusyTimeout,
			slowThreshold: opts.SlowQueryThreshold,
		}
		c.db.Store(db)
		c.applyTuning()
		logger.Info("store connected", "path", candidate)
		return c, nil
	}

	return nil, fmt.Errorf("%w: %s", ErrNoStoreLocation, strings.Join(failures, "; "))
}

// candidateLocations returns the ordered list of store paths to probe.
func candidateLocations(explicit string) []string {
	var candidates []string
	if explicit != "" {
		candidates = append(candidates, explicit)
	}
	if dir := platformDataDir(); dir != "" {
		candidates = append(candidates, filepath.Join(dir, "ironstore", storeFileName))
	}
	candidates = append(candidates, filepath.Join("data", storeFileName))
	return candidates
}

// platformDataDir resolves the per-user application data directory.
func platformDataDir() string {
	if runtime.GOOS == "windows" {
		return os.Getenv("APPDATA")
	}
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".local", "share")
}

// openAndProbe opens a candidate path and verifies liveness with a
// trivial query. The parent directory is created if needed.
func openAndProbe(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var probe int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&probe); err != nil {
		db.Close()
		return nil, fmt.Errorf("liveness probe: %w", err)
	}

	return db, nil
}

// applyTuning applies the engine tuning directives. Each directive is
// best-effort: a failure is logged and skipped, connectivity already
// succeeded.
func (c *Conn) applyTuning() {
	directives := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		fmt.Sprintf("PRAGMA busy_timeout=%d", c.busyTimeout.Milliseconds()),
		"PRAGMA cache_size=-64000",
		"PRAGMA synchronous=NORMAL",
	}

	for _, directive := range directives {
		if _, err := c.handle().Exec(directive); err != nil {
			c.logger.Warn("tuning directive skipped", "directive", directive, "error", err)
		}
	}
}

// handle returns the current database handle.
func (c *Conn) handle() *sql.DB {
	return c.db.Load()
}

// Path returns the on-disk location that won the probe.
func (c *Conn) Path() string {
	return c.path
}

// DB exposes the underlying handle for the transaction manager. All
// other callers should use Query/Execute.
func (c *Conn) DB() *sql.DB {
	return c.handle()
}

// Query runs a read statement and returns its rows. The call is timed
// and counted against the slow-query threshold.
func (c *Conn) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}

	start := time.Now()
	rows, err := c.handle().QueryContext(ctx, query, args...)
	c.observe(query, start, err)
	if err != nil {
		return nil, fmt.Errorf("querying store: %w", err)
	}
	return rows, nil
}

// QueryRow runs a single-row read statement. The call is timed.
func (c *Conn) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	start := time.Now()
	row := c.handle().QueryRowContext(ctx, query, args...)
	c.observe(query, start, nil)
	return row
}

// Execute runs a mutating statement and reports affected rows and the
// last insert id. The call is timed and counted.
func (c *Conn) Execute(ctx context.Context, query string, args ...any) (ExecResult, error) {
	if c.closed.Load() {
		return ExecResult{}, ErrClosed
	}

	start := time.Now()
	res, err := c.handle().ExecContext(ctx, query, args...)
	c.observe(query, start, err)
	if err != nil {
		return ExecResult{}, fmt.Errorf("executing statement: %w", err)
	}

	affected, _ := res.RowsAffected()
	lastID, _ := res.LastInsertId()
	return ExecResult{Affected: affected, LastID: lastID}, nil
}

// observe records timing for one call. Statements are logged on the
// slow path, parameter values never are.
func (c *Conn) observe(query string, start time.Time, err error) {
	atomic.AddInt64(&c.totalQueries, 1)
	if err != nil {
		atomic.AddInt64(&c.connErrors, 1)
	}

	elapsed := time.Since(start)
	if elapsed >= c.slowThreshold {
		atomic.AddInt64(&c.slowQueries, 1)
		c.logger.Warn("slow query",
			"statement", strings.Join(strings.Fields(query), " "),
			"duration", elapsed)
	}
}

// Stats returns a snapshot of the connection counters.
func (c *Conn) Stats() Stats {
	return Stats{
		TotalQueries:     atomic.LoadInt64(&c.totalQueries),
		SlowQueries:      atomic.LoadInt64(&c.slowQueries),
		ConnectionErrors: atomic.LoadInt64(&c.connErrors),
	}
}

// ResetStats zeroes the connection counters. Operator action only.
func (c *Conn) ResetStats() {
	atomic.StoreInt64(&c.totalQueries, 0)
	atomic.StoreInt64(&c.slowQueries, 0)
	atomic.StoreInt64(&c.connErrors, 0)
}

// Ping verifies the handle is still live.
func (c *Conn) Ping(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	var probe int
	if err := c.handle().QueryRowContext(ctx, "SELECT 1").Scan(&probe); err != nil {
		atomic.AddInt64(&c.connErrors, 1)
		return fmt.Errorf("liveness probe: %w", err)
	}
	return nil
}

// CheckpointMode selects a wal_checkpoint strategy.
type CheckpointMode string

const (
	CheckpointPassive  CheckpointMode = "PASSIVE"
	CheckpointFull     CheckpointMode = "FULL"
	CheckpointRestart  CheckpointMode = "RESTART"
	CheckpointTruncate CheckpointMode = "TRUNCATE"
)

// Checkpoint merges the WAL into the main database file. Used before
// file-level backups so the backup sees a complete store.
func (c *Conn) Checkpoint(ctx context.Context, mode CheckpointMode) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if _, err := c.handle().ExecContext(ctx, fmt.Sprintf("PRAGMA wal_checkpoint(%s)", mode)); err != nil {
		return fmt.Errorf("wal checkpoint %s: %w", mode, err)
	}
	c.logger.Debug("wal checkpoint completed", "mode", string(mode))
	return nil
}

// BackupInfo describes a completed backup file.
type BackupInfo struct {
	Path     string
	Size     int64
	Checksum string
}

// Backup writes a consistent copy of the store to dest using VACUUM
// INTO, after a best-effort WAL checkpoint, and returns the copy's
// size and sha256 checksum.
func (c *Conn) Backup(ctx context.Context, dest string) (BackupInfo, error) {
	if c.closed.Load() {
		return BackupInfo{}, ErrClosed
	}

	if err := c.Checkpoint(ctx, CheckpointRestart); err != nil {
		c.logger.Warn("pre-backup checkpoint failed, continuing", "error", err)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return BackupInfo{}, fmt.Errorf("creating backup directory: %w", err)
	}
	// VACUUM INTO refuses to overwrite an existing file
	if _, err := os.Stat(dest); err == nil {
		return BackupInfo{}, fmt.Errorf("backup destination already exists: %s", dest)
	}

	start := time.Now()
	if _, err := c.handle().ExecContext(ctx, "VACUUM INTO ?", dest); err != nil {
		return BackupInfo{}, fmt.Errorf("vacuum into backup: %w", err)
	}

	info, err := os.Stat(dest)
	if err != nil {
		return BackupInfo{}, fmt.Errorf("reading backup metadata: %w", err)
	}

	checksum, err := fileChecksum(dest)
	if err != nil {
		return BackupInfo{}, fmt.Errorf("checksumming backup: %w", err)
	}

	c.logger.Info("backup completed",
		"path", dest,
		"size", info.Size(),
		"duration", time.Since(start))

	return BackupInfo{Path: dest, Size: info.Size(), Checksum: checksum}, nil
}

// fileChecksum returns the sha256 hex digest of a file.
func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// Reconnect closes and reopens the handle at the same location.
func (c *Conn) Reconnect(ctx context.Context) error {
	if err := c.handle().Close(); err != nil {
		c.logger.Warn("closing store before reconnect", "error", err)
	}

	db, err := openAndProbe(c.path)
	if err != nil {
		atomic.AddInt64(&c.connErrors, 1)
		return fmt.Errorf("reconnecting store: %w", err)
	}

	c.db.Store(db)
	c.closed.Store(false)
	c.applyTuning()
	c.logger.Info("store reconnected", "path", c.path)
	return nil
}

// Close releases the store handle. Further calls return ErrClosed.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.logger.Info("closing store", "path", c.path)
	return c.handle().Close()
}
