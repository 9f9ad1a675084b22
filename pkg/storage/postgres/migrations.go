package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// GetMigrations returns all engine migrations
func GetMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create users table",
			SQL: `
				CREATE TABLE IF NOT EXISTS users (
					id UUID PRIMARY KEY,
					email VARCHAR(320) NOT NULL,
					idp_identity_id VARCHAR(255),
					active BOOLEAN NOT NULL DEFAULT TRUE,
					deactivation_reason TEXT,
					version BIGINT NOT NULL DEFAULT 1,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE UNIQUE INDEX IF NOT EXISTS idx_users_email_active
					ON users(email) WHERE active;
				CREATE UNIQUE INDEX IF NOT EXISTS idx_users_identity_active
					ON users(idp_identity_id) WHERE active AND idp_identity_id IS NOT NULL;
			`,
		},
		{
			Version:     2,
			Description: "Create role_assignments table",
			SQL: `
				CREATE TABLE IF NOT EXISTS role_assignments (
					id BIGSERIAL PRIMARY KEY,
					user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					role VARCHAR(50) NOT NULL,
					event_id VARCHAR(255),
					start_date TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					end_date TIMESTAMPTZ
				);

				CREATE INDEX IF NOT EXISTS idx_role_assignments_user_end
					ON role_assignments(user_id, end_date);
				CREATE UNIQUE INDEX IF NOT EXISTS idx_role_assignments_one_open
					ON role_assignments(user_id, role, COALESCE(event_id, ''))
					WHERE end_date IS NULL;
			`,
		},
		{
			Version:     3,
			Description: "Create compensation_log table",
			SQL: `
				CREATE TABLE IF NOT EXISTS compensation_log (
					id UUID PRIMARY KEY,
					user_id UUID NOT NULL,
					operation VARCHAR(50) NOT NULL,
					target_role VARCHAR(50),
					status VARCHAR(30) NOT NULL,
					retry_count INT NOT NULL DEFAULT 0,
					error_message TEXT,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					last_attempt_at TIMESTAMPTZ,
					resolved_at TIMESTAMPTZ
				);

				CREATE INDEX IF NOT EXISTS idx_compensation_log_status
					ON compensation_log(status);
				CREATE INDEX IF NOT EXISTS idx_compensation_log_user
					ON compensation_log(user_id);
			`,
		},
		{
			Version:     4,
			Description: "Create reconciliation_reports table",
			SQL: `
				CREATE TABLE IF NOT EXISTS reconciliation_reports (
					id UUID PRIMARY KEY,
					status VARCHAR(20) NOT NULL,
					started_at TIMESTAMPTZ NOT NULL,
					duration_ms BIGINT NOT NULL,
					metrics JSONB NOT NULL DEFAULT '{}',
					row_errors INT NOT NULL DEFAULT 0,
					error TEXT
				);

				CREATE INDEX IF NOT EXISTS idx_reconciliation_reports_started
					ON reconciliation_reports(started_at DESC);
			`,
		},
	}
}

// Migrate applies all migrations in order, tracking the applied version in a
// schema_migrations table.
func Migrate(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	for _, m := range GetMigrations() {
		var exists bool
		err := db.QueryRowContext(ctx,
			"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)", m.Version,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check migration %d: %w", m.Version, err)
		}
		if exists {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s) failed: %w", m.Version, m.Description, err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO schema_migrations (version, description) VALUES ($1, $2)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}
