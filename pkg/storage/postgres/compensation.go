package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/batbern/identity-reconciler/pkg/identity"
)

// CompensationStore implements storage.CompensationLogStore on PostgreSQL.
type CompensationStore struct {
	db *sql.DB
}

// NewCompensationStore creates a new compensation log store
func NewCompensationStore(db *sql.DB) *CompensationStore {
	return &CompensationStore{db: db}
}

// Upsert inserts the entry or updates it in place by ID. The log is
// append/update only; nothing is ever deleted.
func (s *CompensationStore) Upsert(ctx context.Context, entry *identity.CompensationLogEntry) error {
	var targetRole *string
	if entry.TargetRole != nil {
		r := string(*entry.TargetRole)
		targetRole = &r
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO compensation_log
			(id, user_id, operation, target_role, status, retry_count, error_message, created_at, last_attempt_at, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			retry_count = EXCLUDED.retry_count,
			error_message = EXCLUDED.error_message,
			last_attempt_at = EXCLUDED.last_attempt_at,
			resolved_at = EXCLUDED.resolved_at
	`,
		entry.ID,
		entry.UserID,
		string(entry.Operation),
		targetRole,
		string(entry.Status),
		entry.RetryCount,
		entry.ErrorMessage,
		entry.CreatedAt,
		entry.LastAttemptAt,
		entry.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert compensation entry: %w", err)
	}
	return nil
}

const compensationColumns = `id, user_id, operation, target_role, status, retry_count, error_message, created_at, last_attempt_at, resolved_at`

func scanCompensation(rows *sql.Rows) (*identity.CompensationLogEntry, error) {
	var e identity.CompensationLogEntry
	var operation, status string
	var targetRole, errorMessage sql.NullString
	var lastAttemptAt, resolvedAt sql.NullTime

	err := rows.Scan(&e.ID, &e.UserID, &operation, &targetRole, &status,
		&e.RetryCount, &errorMessage, &e.CreatedAt, &lastAttemptAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	e.Operation = identity.CompensationOperation(operation)
	e.Status = identity.CompensationStatus(status)
	if targetRole.Valid {
		r := identity.Role(targetRole.String)
		e.TargetRole = &r
	}
	if errorMessage.Valid {
		msg := errorMessage.String
		e.ErrorMessage = &msg
	}
	if lastAttemptAt.Valid {
		t := lastAttemptAt.Time
		e.LastAttemptAt = &t
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		e.ResolvedAt = &t
	}
	return &e, nil
}

func (s *CompensationStore) list(ctx context.Context, query string, args ...interface{}) ([]identity.CompensationLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query compensation log: %w", err)
	}
	defer rows.Close()

	var entries []identity.CompensationLogEntry
	for rows.Next() {
		e, err := scanCompensation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan compensation entry: %w", err)
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// ListPending returns PENDING and RETRYING entries, oldest first, so retries
// happen in arrival order.
func (s *CompensationStore) ListPending(ctx context.Context) ([]identity.CompensationLogEntry, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM compensation_log
		WHERE status IN ('PENDING', 'RETRYING')
		ORDER BY created_at ASC
	`, compensationColumns)
	return s.list(ctx, query)
}

// ListByUser returns every entry for a user, newest first.
func (s *CompensationStore) ListByUser(ctx context.Context, userID string) ([]identity.CompensationLogEntry, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM compensation_log
		WHERE user_id = $1
		ORDER BY created_at DESC
	`, compensationColumns)
	return s.list(ctx, query, userID)
}
