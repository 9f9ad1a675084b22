package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/batbern/identity-reconciler/pkg/identity"
	"github.com/batbern/identity-reconciler/pkg/storage"
)

// uniqueViolation is the PostgreSQL error code for unique constraint breaks.
const uniqueViolation = "23505"

// UserStore implements storage.UserRepository on PostgreSQL.
type UserStore struct {
	db *sql.DB
}

// NewUserStore creates a new user store
func NewUserStore(db *sql.DB) *UserStore {
	return &UserStore{db: db}
}

const userColumns = `id, email, idp_identity_id, active, deactivation_reason, version, created_at, updated_at`

// scanUser scans one user row from any row-like source.
func scanUser(row interface{ Scan(...interface{}) error }) (*identity.User, error) {
	var u identity.User
	var identityID, reason sql.NullString
	err := row.Scan(&u.ID, &u.Email, &identityID, &u.Active, &reason, &u.Version, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if identityID.Valid {
		id := identityID.String
		u.IdentityID = &id
	}
	if reason.Valid {
		r := reason.String
		u.DeactivationReason = &r
	}
	return &u, nil
}

// loadRoles populates the user's current platform-wide role set.
func (s *UserStore) loadRoles(ctx context.Context, q interface {
	QueryContext(context.Context, string, ...interface{}) (*sql.Rows, error)
}, u *identity.User) error {
	rows, err := q.QueryContext(ctx, `
		SELECT DISTINCT role FROM role_assignments
		WHERE user_id = $1 AND end_date IS NULL AND event_id IS NULL
		ORDER BY role
	`, u.ID)
	if err != nil {
		return fmt.Errorf("failed to load roles: %w", err)
	}
	defer rows.Close()

	u.Roles = nil
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return fmt.Errorf("failed to scan role: %w", err)
		}
		u.Roles = append(u.Roles, identity.Role(role))
	}
	return rows.Err()
}

func (s *UserStore) getBy(ctx context.Context, where string, arg interface{}) (*identity.User, error) {
	query := fmt.Sprintf(`SELECT %s FROM users WHERE %s`, userColumns, where)
	u, err := scanUser(s.db.QueryRowContext(ctx, query, arg))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %v", identity.ErrUserNotFound, arg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if err := s.loadRoles(ctx, s.db, u); err != nil {
		return nil, err
	}
	return u, nil
}

// GetByID retrieves a user by local ID.
func (s *UserStore) GetByID(ctx context.Context, id string) (*identity.User, error) {
	return s.getBy(ctx, "id = $1", id)
}

// GetByEmail retrieves a user by email, preferring the active record.
func (s *UserStore) GetByEmail(ctx context.Context, email string) (*identity.User, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM users WHERE email = $1
		ORDER BY active DESC, updated_at DESC
		LIMIT 1
	`, userColumns)
	u, err := scanUser(s.db.QueryRowContext(ctx, query, email))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", identity.ErrUserNotFound, email)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if err := s.loadRoles(ctx, s.db, u); err != nil {
		return nil, err
	}
	return u, nil
}

// GetByIdentityID retrieves the active user linked to a provider identity.
func (s *UserStore) GetByIdentityID(ctx context.Context, identityID string) (*identity.User, error) {
	return s.getBy(ctx, "idp_identity_id = $1 AND active", identityID)
}

// Create inserts a new active user with one open role assignment.
func (s *UserStore) Create(ctx context.Context, user *identity.User, initialRole identity.Role) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO users (id, email, idp_identity_id, active, version, created_at, updated_at)
		VALUES ($1, $2, $3, TRUE, 1, $4, $4)
	`, user.ID, user.Email, user.IdentityID, now)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == uniqueViolation {
			if pqErr.Constraint == "idx_users_identity_active" {
				return fmt.Errorf("%w: %s", identity.ErrDuplicateIdentity, user.Email)
			}
			return fmt.Errorf("%w: %s", identity.ErrDuplicateEmail, user.Email)
		}
		return fmt.Errorf("failed to create user: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO role_assignments (user_id, role, start_date)
		VALUES ($1, $2, $3)
	`, user.ID, string(initialRole), now)
	if err != nil {
		return fmt.Errorf("failed to create initial role assignment: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit user creation: %w", err)
	}

	user.Active = true
	user.Roles = []identity.Role{initialRole}
	user.Version = 1
	user.CreatedAt = now
	user.UpdatedAt = now
	return nil
}

// LinkIdentity sets the provider identity on a user with a version check.
func (s *UserStore) LinkIdentity(ctx context.Context, userID, identityID string, expectedVersion int64) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET idp_identity_id = $1, version = version + 1, updated_at = NOW()
		WHERE id = $2 AND version = $3
	`, identityID, userID, expectedVersion)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == uniqueViolation {
			return fmt.Errorf("%w: %s", identity.ErrDuplicateIdentity, identityID)
		}
		return fmt.Errorf("failed to link identity: %w", err)
	}
	return s.checkUpdated(ctx, result, userID)
}

// UpdateRoles applies a role change atomically: bump the version under the
// optimistic check, end-date the old assignment, open the new one unless an
// identical open row already exists.
func (s *UserStore) UpdateRoles(ctx context.Context, userID string, expectedVersion int64, change storage.RoleChange) (*identity.User, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE users SET version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2
	`, userID, expectedVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to bump user version: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		if _, getErr := s.GetByID(ctx, userID); getErr != nil {
			return nil, getErr
		}
		return nil, identity.ErrVersionConflict
	}

	if change.Old != nil {
		_, err = tx.ExecContext(ctx, `
			UPDATE role_assignments SET end_date = NOW()
			WHERE user_id = $1 AND role = $2 AND end_date IS NULL
			  AND COALESCE(event_id, '') = COALESCE($3, '')
		`, userID, string(*change.Old), change.EventID)
		if err != nil {
			return nil, fmt.Errorf("failed to end role assignment: %w", err)
		}
	}

	if change.New != nil {
		// The partial unique index guarantees at most one open row per
		// (user, role, event); the WHERE NOT EXISTS makes re-grants
		// idempotent instead of erroring.
		_, err = tx.ExecContext(ctx, `
			INSERT INTO role_assignments (user_id, role, event_id, start_date)
			SELECT $1, $2, $3, NOW()
			WHERE NOT EXISTS (
				SELECT 1 FROM role_assignments
				WHERE user_id = $1 AND role = $2 AND end_date IS NULL
				  AND COALESCE(event_id, '') = COALESCE($3, '')
			)
		`, userID, string(*change.New), change.EventID)
		if err != nil {
			return nil, fmt.Errorf("failed to open role assignment: %w", err)
		}
	}

	query := fmt.Sprintf(`SELECT %s FROM users WHERE id = $1`, userColumns)
	u, err := scanUser(tx.QueryRowContext(ctx, query, userID))
	if err != nil {
		return nil, fmt.Errorf("failed to reload user: %w", err)
	}
	if err := s.loadRoles(ctx, tx, u); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit role change: %w", err)
	}
	return u, nil
}

// Deactivate marks the user inactive and end-dates all open assignments.
func (s *UserStore) Deactivate(ctx context.Context, userID, reason string, expectedVersion int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE users
		SET active = FALSE, deactivation_reason = $1, version = version + 1, updated_at = NOW()
		WHERE id = $2 AND version = $3
	`, reason, userID, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to deactivate user: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		if _, getErr := s.GetByID(ctx, userID); getErr != nil {
			return getErr
		}
		return identity.ErrVersionConflict
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE role_assignments SET end_date = NOW()
		WHERE user_id = $1 AND end_date IS NULL
	`, userID)
	if err != nil {
		return fmt.Errorf("failed to end role assignments: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit deactivation: %w", err)
	}
	return nil
}

// ListLinked returns all active users with a linked provider identity.
func (s *UserStore) ListLinked(ctx context.Context) ([]identity.User, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM users
		WHERE active AND idp_identity_id IS NOT NULL
		ORDER BY id
	`, userColumns)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list linked users: %w", err)
	}
	defer rows.Close()

	var users []identity.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range users {
		if err := s.loadRoles(ctx, s.db, &users[i]); err != nil {
			return nil, err
		}
	}
	return users, nil
}

// RoleHistory returns the full assignment history for a user, newest first.
func (s *UserStore) RoleHistory(ctx context.Context, userID string) ([]identity.RoleAssignment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, role, event_id, start_date, end_date
		FROM role_assignments
		WHERE user_id = $1
		ORDER BY start_date DESC, id DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query role history: %w", err)
	}
	defer rows.Close()

	var history []identity.RoleAssignment
	for rows.Next() {
		var a identity.RoleAssignment
		var role string
		var eventID sql.NullString
		var endDate sql.NullTime
		if err := rows.Scan(&a.UserID, &role, &eventID, &a.StartDate, &endDate); err != nil {
			return nil, fmt.Errorf("failed to scan role assignment: %w", err)
		}
		a.Role = identity.Role(role)
		if eventID.Valid {
			id := eventID.String
			a.EventID = &id
		}
		if endDate.Valid {
			end := endDate.Time
			a.EndDate = &end
		}
		history = append(history, a)
	}
	return history, rows.Err()
}

// OpenEventRoles returns currently effective event-scoped roles.
func (s *UserStore) OpenEventRoles(ctx context.Context, userID string) (map[string]identity.Role, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, role FROM role_assignments
		WHERE user_id = $1 AND end_date IS NULL AND event_id IS NOT NULL
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query event roles: %w", err)
	}
	defer rows.Close()

	out := make(map[string]identity.Role)
	for rows.Next() {
		var eventID, role string
		if err := rows.Scan(&eventID, &role); err != nil {
			return nil, fmt.Errorf("failed to scan event role: %w", err)
		}
		out[eventID] = identity.Role(role)
	}
	return out, rows.Err()
}

// checkUpdated maps a zero-row update to not-found or version conflict.
func (s *UserStore) checkUpdated(ctx context.Context, result sql.Result, userID string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		if _, getErr := s.GetByID(ctx, userID); getErr != nil {
			return getErr
		}
		return identity.ErrVersionConflict
	}
	return nil
}
