// ABOUTME: Versioned schema migration manager with a durable applied-migrations ledger
// ABOUTME: Applies DDL and ledger insert as one transaction, exactly once per version

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// ErrLedgerUnreadable is returned when the migration ledger exists but
// cannot be read. Startup must fail loudly in this case rather than
// re-apply DDL that could conflict with existing objects.
var ErrLedgerUnreadable = errors.New("migration ledger unreadable")

// ErrDuplicateVersion is returned when a migration set contains the
// same version twice.
var ErrDuplicateVersion = errors.New("duplicate migration version")

// Migration is one versioned DDL script.
type Migration struct {
	Version     int
	Description string
	DDL         string
}

// MigrationRecord is one row of the applied-migrations ledger.
type MigrationRecord struct {
	Version     int
	Description string
	AppliedAt   time.Time
}

// Migrator tracks and applies schema migrations against a Conn.
type Migrator struct {
	conn       *Conn
	logger     *slog.Logger
	migrations []Migration
}

// NewMigrator builds a migrator over the given set, sorted ascending
// by version. Duplicate versions are rejected.
func NewMigrator(conn *Conn, migrations []Migration) (*Migrator, error) {
	sorted := make([]Migration, len(migrations))
	copy(sorted, migrations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version < sorted[j].Version })

	for i := 1; i < len(sorted); i++ {
		if sorted[i].Version == sorted[i-1].Version {
			return nil, fmt.Errorf("%w: %d", ErrDuplicateVersion, sorted[i].Version)
		}
	}

	return &Migrator{
		conn:       conn,
		logger:     conn.logger.With("component", "migrator"),
		migrations: sorted,
	}, nil
}

// Initialize ensures the migration ledger table exists.
func (m *Migrator) Initialize(ctx context.Context) error {
	_, err := m.conn.Execute(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("creating migration ledger: %w", err)
	}
	return nil
}

// currentVersion reads the highest recorded version from the ledger.
// Any read failure is surfaced as ErrLedgerUnreadable.
func (m *Migrator) currentVersion(ctx context.Context) (int, error) {
	var version sql.NullInt64
	err := m.conn.QueryRow(ctx, `SELECT MAX(version) FROM schema_migrations`).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrLedgerUnreadable, err)
	}
	if !version.Valid {
		return 0, nil
	}
	return int(version.Int64), nil
}

// Apply runs every migration whose version exceeds the highest
// recorded version, in ascending order. Each migration's DDL and its
// ledger record commit as a single transaction; the first failure
// aborts with nothing recorded for that version.
func (m *Migrator) Apply(ctx context.Context) ([]int, error) {
	current, err := m.currentVersion(ctx)
	if err != nil {
		return nil, err
	}

	var applied []int
	for _, mig := range m.migrations {
		if mig.Version <= current {
			continue
		}
		if err := m.applyOne(ctx, mig); err != nil {
			return applied, fmt.Errorf("applying migration %d (%s): %w", mig.Version, mig.Description, err)
		}
		applied = append(applied, mig.Version)
		m.logger.Info("applied migration", "version", mig.Version, "description", mig.Description)
	}

	if len(applied) == 0 {
		m.logger.Debug("schema up to date", "version", current)
	}
	return applied, nil
}

// applyOne executes one migration atomically.
func (m *Migrator) applyOne(ctx context.Context, mig Migration) error {
	tx, err := m.conn.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning migration transaction: %w", err)
	}

	if _, err := tx.ExecContext(ctx, mig.DDL); err != nil {
		tx.Rollback()
		return fmt.Errorf("executing ddl: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)`,
		mig.Version, mig.Description, time.Now().UTC().Format(time.RFC3339),
	); err != nil {
		tx.Rollback()
		return fmt.Errorf("recording ledger entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing migration: %w", err)
	}
	return nil
}

// Applied returns the full ledger, ascending by version.
func (m *Migrator) Applied(ctx context.Context) ([]MigrationRecord, error) {
	rows, err := m.conn.Query(ctx, `
		SELECT version, description, applied_at
		FROM schema_migrations
		ORDER BY version ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLedgerUnreadable, err)
	}
	defer rows.Close()

	var records []MigrationRecord
	for rows.Next() {
		var rec MigrationRecord
		var appliedAtStr string
		if err := rows.Scan(&rec.Version, &rec.Description, &appliedAtStr); err != nil {
			return nil, fmt.Errorf("%w: scanning ledger row: %v", ErrLedgerUnreadable, err)
		}
		rec.AppliedAt, err = time.Parse(time.RFC3339, appliedAtStr)
		if err != nil {
			return nil, fmt.Errorf("%w: parsing applied_at: %v", ErrLedgerUnreadable, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating ledger rows: %v", ErrLedgerUnreadable, err)
	}
	return records, nil
}

// Pending returns the migrations not yet recorded in the ledger.
func (m *Migrator) Pending(ctx context.Context) ([]Migration, error) {
	current, err := m.currentVersion(ctx)
	if err != nil {
		return nil, err
	}

	var pending []Migration
	for _, mig := range m.migrations {
		if mig.Version > current {
			pending = append(pending, mig)
		}
	}
	return pending, nil
}
