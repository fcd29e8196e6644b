// ABOUTME: Tests for the SQLite connection manager
// ABOUTME: Covers location probing, timed query/execute, stats, checkpoint, and backup

package store

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestConn opens a store in a temporary directory.
func setupTestConn(t *testing.T) *Conn {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test-store.db")

	conn, err := Open(Options{
		Path:               dbPath,
		BusyTimeout:        5 * time.Second,
		SlowQueryThreshold: time.Second,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		conn.Close()
	})

	return conn
}

func TestOpen_ExplicitPath(t *testing.T) {
	conn := setupTestConn(t)

	assert.NotEmpty(t, conn.Path())
	assert.FileExists(t, conn.Path())
}

func TestOpen_CreatesParentDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "deeper", "store.db")

	conn, err := Open(Options{Path: dbPath})
	require.NoError(t, err)
	defer conn.Close()

	assert.FileExists(t, dbPath)
}

func TestOpen_UnreachableExplicitPathFallsThrough(t *testing.T) {
	// An explicit path that cannot be created falls through to the
	// next candidate rather than failing outright.
	t.Setenv("XDG_DATA_HOME", t.TempDir())

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { os.Chdir(wd) })

	conn, err := Open(Options{Path: "/proc/no-such-place/store.db"})
	require.NoError(t, err)
	defer conn.Close()

	assert.NotEqual(t, "/proc/no-such-place/store.db", conn.Path())
}

func TestConn_ExecuteAndQuery(t *testing.T) {
	conn := setupTestConn(t)
	ctx := context.Background()

	_, err := conn.Execute(ctx, `CREATE TABLE scratch (id INTEGER PRIMARY KEY, name TEXT)`)
	require.NoError(t, err)

	res, err := conn.Execute(ctx, `INSERT INTO scratch (name) VALUES (?)`, "first")
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Affected)
	assert.Equal(t, int64(1), res.LastID)

	rows, err := conn.Query(ctx, `SELECT name FROM scratch WHERE id = ?`, res.LastID)
	require.NoError(t, err)
	defer rows.Close()

	require.True(t, rows.Next())
	var name string
	require.NoError(t, rows.Scan(&name))
	assert.Equal(t, "first", name)
}

func TestConn_StatsCount(t *testing.T) {
	conn := setupTestConn(t)
	ctx := context.Background()

	_, err := conn.Execute(ctx, `CREATE TABLE counted (id INTEGER)`)
	require.NoError(t, err)

	rows, err := conn.Query(ctx, `SELECT id FROM counted`)
	require.NoError(t, err)
	rows.Close()

	stats := conn.Stats()
	assert.Equal(t, int64(2), stats.TotalQueries)
	assert.Equal(t, int64(0), stats.ConnectionErrors)

	// A failing statement counts as an error
	_, err = conn.Execute(ctx, `INSERT INTO no_such_table VALUES (1)`)
	require.Error(t, err)
	assert.Equal(t, int64(1), conn.Stats().ConnectionErrors)

	conn.ResetStats()
	assert.Equal(t, Stats{}, conn.Stats())
}

func TestConn_Ping(t *testing.T) {
	conn := setupTestConn(t)
	assert.NoError(t, conn.Ping(context.Background()))
}

func TestConn_ClosedRejectsCalls(t *testing.T) {
	conn := setupTestConn(t)
	require.NoError(t, conn.Close())

	_, err := conn.Query(context.Background(), `SELECT 1`)
	assert.ErrorIs(t, err, ErrClosed)

	_, err = conn.Execute(context.Background(), `SELECT 1`)
	assert.ErrorIs(t, err, ErrClosed)

	assert.ErrorIs(t, conn.Ping(context.Background()), ErrClosed)

	// Close is idempotent
	assert.NoError(t, conn.Close())
}

func TestConn_Checkpoint(t *testing.T) {
	conn := setupTestConn(t)
	ctx := context.Background()

	_, err := conn.Execute(ctx, `CREATE TABLE cp (id INTEGER)`)
	require.NoError(t, err)

	assert.NoError(t, conn.Checkpoint(ctx, CheckpointTruncate))
}

func TestConn_Backup(t *testing.T) {
	conn := setupTestConn(t)
	ctx := context.Background()

	_, err := conn.Execute(ctx, `CREATE TABLE backed_up (id INTEGER PRIMARY KEY, v TEXT)`)
	require.NoError(t, err)
	_, err = conn.Execute(ctx, `INSERT INTO backed_up (v) VALUES ('keep me')`)
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "backups", "store-backup.db")
	info, err := conn.Backup(ctx, dest)
	require.NoError(t, err)

	assert.Equal(t, dest, info.Path)
	assert.Greater(t, info.Size, int64(0))
	assert.Len(t, info.Checksum, 64)

	// The backup is itself a valid store containing the data
	restored, err := Open(Options{Path: dest})
	require.NoError(t, err)
	defer restored.Close()

	var v string
	require.NoError(t, restored.QueryRow(ctx, `SELECT v FROM backed_up`).Scan(&v))
	assert.Equal(t, "keep me", v)
}

func TestConn_BackupRefusesExistingDest(t *testing.T) {
	conn := setupTestConn(t)

	dest := filepath.Join(t.TempDir(), "existing.db")
	require.NoError(t, os.WriteFile(dest, []byte("occupied"), 0644))

	_, err := conn.Backup(context.Background(), dest)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestConn_Reconnect(t *testing.T) {
	conn := setupTestConn(t)
	ctx := context.Background()

	_, err := conn.Execute(ctx, `CREATE TABLE survives (id INTEGER)`)
	require.NoError(t, err)

	require.NoError(t, conn.Reconnect(ctx))

	rows, err := conn.Query(ctx, `SELECT id FROM survives`)
	require.NoError(t, err)
	rows.Close()
}

func TestConn_ReconnectDuringConcurrentReads(t *testing.T) {
	conn := setupTestConn(t)
	ctx := context.Background()

	_, err := conn.Execute(ctx, `CREATE TABLE busy (id INTEGER)`)
	require.NoError(t, err)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				// A read racing a handle swap may fail against the old
				// handle; it must never observe a torn pointer
				rows, err := conn.Query(ctx, `SELECT id FROM busy`)
				if err == nil {
					rows.Close()
				}
			}
		}()
	}

	for i := 0; i < 3; i++ {
		require.NoError(t, conn.Reconnect(ctx))
	}
	close(stop)
	wg.Wait()

	require.NoError(t, conn.Ping(ctx))
}
