package pgguard

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/uptrace/bun"
)

// Migration represents a single migration to execute
type Migration struct {
	ID          string // Unique identifier
	Description string // Human-readable description
	SQL         string // SQL statements to execute
}

// MigrationResult represents the result of running migrations
type MigrationResult struct {
	Applied   []AppliedMigration
	Skipped   []string // IDs that were already applied
	TotalTime time.Duration
}

// AppliedMigration represents a successfully applied migration
type AppliedMigration struct {
	ID          string
	Description string
	AppliedAt   time.Time
	Duration    time.Duration
	Checksum    string
}

// migrationsTable is the schema for tracking migrations
const migrationsTable = `
CREATE TABLE IF NOT EXISTS _pgguard_migrations (
    id VARCHAR(255) PRIMARY KEY,
    description TEXT,
    checksum VARCHAR(64) NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    duration_ms BIGINT NOT NULL
);
`

// AuditMigrations create the durable audit table.
var AuditMigrations = []Migration{
	{
		ID:          "001_create_audit_events",
		Description: "Create pgguard_audit_events",
		SQL: `
			CREATE TABLE IF NOT EXISTS pgguard_audit_events (
				id UUID PRIMARY KEY,
				event_type VARCHAR(64) NOT NULL,
				episode_id VARCHAR(64),
				backend_pid BIGINT,
				error_code VARCHAR(5),
				error_message TEXT,
				environment VARCHAR(64),
				details JSONB,
				created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
			);
		`,
	},
	{
		ID:          "002_index_audit_events",
		Description: "Index audit events by time and episode",
		SQL: `
			CREATE INDEX IF NOT EXISTS idx_pgguard_audit_events_created_at ON pgguard_audit_events(created_at);
			CREATE INDEX IF NOT EXISTS idx_pgguard_audit_events_episode ON pgguard_audit_events(episode_id);
		`,
	},
}

// MigrateAudit applies AuditMigrations to the audit database.
func MigrateAudit(ctx context.Context, db *bun.DB) (*MigrationResult, error) {
	return Migrate(ctx, db, AuditMigrations)
}

// Migrate executes migrations in order, skipping already-applied ones
func Migrate(ctx context.Context, db *bun.DB, migrations []Migration) (*MigrationResult, error) {
	start := time.Now()
	result := &MigrationResult{
		Applied: make([]AppliedMigration, 0),
		Skipped: make([]string, 0),
	}

	// Ensure migrations table exists
	if _, err := db.ExecContext(ctx, migrationsTable); err != nil {
		return nil, &Error{
			Code:    CodeUnknown,
			Message: "failed to create migrations table",
			Op:      "Migrate",
			Cause:   err,
		}
	}

	applied, err := getAppliedMigrations(ctx, db)
	if err != nil {
		return nil, err
	}

	for _, m := range migrations {
		checksum := checksumSQL(m.SQL)

		if existing, ok := applied[m.ID]; ok {
			if existing != checksum {
				return nil, &Error{
					Code:    CodeUnknown,
					Message: fmt.Sprintf("migration %s has changed (checksum mismatch: expected %s, got %s)", m.ID, existing, checksum),
					Op:      "Migrate",
				}
			}
			result.Skipped = append(result.Skipped, m.ID)
			continue
		}

		migrationStart := time.Now()
		if err := applyMigration(ctx, db, m, checksum, migrationStart); err != nil {
			return nil, err
		}

		result.Applied = append(result.Applied, AppliedMigration{
			ID:          m.ID,
			Description: m.Description,
			AppliedAt:   time.Now(),
			Duration:    time.Since(migrationStart),
			Checksum:    checksum,
		})
	}

	result.TotalTime = time.Since(start)
	return result, nil
}

// getAppliedMigrations returns a map of migration ID to checksum
func getAppliedMigrations(ctx context.Context, db *bun.DB) (map[string]string, error) {
	var rows []struct {
		ID       string `bun:"id"`
		Checksum string `bun:"checksum"`
	}

	err := db.NewSelect().
		TableExpr("_pgguard_migrations").
		Column("id", "checksum").
		Scan(ctx, &rows)
	if err != nil {
		return nil, &Error{
			Code:    CodeUnknown,
			Message: "failed to read applied migrations",
			Op:      "Migrate.GetApplied",
			Cause:   err,
		}
	}

	result := make(map[string]string, len(rows))
	for _, row := range rows {
		result[row.ID] = row.Checksum
	}
	return result, nil
}

// applyMigration executes a single migration within a transaction
func applyMigration(ctx context.Context, db *bun.DB, m Migration, checksum string, startTime time.Time) error {
	return db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
			return &Error{
				Code:    CodeUnknown,
				Message: fmt.Sprintf("migration %s failed: %s", m.ID, truncateSQL(m.SQL, 200)),
				Op:      "Migrate.Apply",
				Cause:   err,
			}
		}

		_, err := tx.NewRaw(`
            INSERT INTO _pgguard_migrations (id, description, checksum, duration_ms)
            VALUES (?, ?, ?, ?)
        `, m.ID, m.Description, checksum, time.Since(startTime).Milliseconds()).Exec(ctx)
		if err != nil {
			return &Error{
				Code:    CodeUnknown,
				Message: fmt.Sprintf("failed to record migration %s", m.ID),
				Op:      "Migrate.Record",
				Cause:   err,
			}
		}
		return nil
	})
}

// checksumSQL creates a SHA256 checksum of SQL content
func checksumSQL(sql string) string {
	hash := sha256.Sum256([]byte(sql))
	return hex.EncodeToString(hash[:])
}

// truncateSQL truncates SQL for error messages
func truncateSQL(sql string, maxLen int) string {
	if len(sql) <= maxLen {
		return sql
	}
	return sql[:maxLen] + "..."
}
