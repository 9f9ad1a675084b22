package storage

import (
	"context"

	"github.com/batbern/identity-reconciler/pkg/identity"
)

// RoleChange describes one role transition applied atomically by
// UserRepository.UpdateRoles: the old assignment (if any) is end-dated and
// the new one (if any) opened, in a single transaction.
type RoleChange struct {
	Old *identity.Role
	New *identity.Role

	// EventID scopes the change to one event; nil means platform-wide.
	EventID *string
}

// UserRepository is the transactional store of local users and their role
// history. Mutations take the caller's snapshot version and return
// identity.ErrVersionConflict when the row has moved on, so read-then-decide
// sequences around provider calls commit with compare-and-set semantics.
type UserRepository interface {
	GetByID(ctx context.Context, id string) (*identity.User, error)
	GetByEmail(ctx context.Context, email string) (*identity.User, error)
	GetByIdentityID(ctx context.Context, identityID string) (*identity.User, error)

	// Create inserts a new active user with one open role assignment.
	// Returns identity.ErrDuplicateEmail if an active user holds the email.
	Create(ctx context.Context, user *identity.User, initialRole identity.Role) error

	// LinkIdentity sets the provider identity on an unlinked user.
	LinkIdentity(ctx context.Context, userID, identityID string, expectedVersion int64) error

	// UpdateRoles applies a role change to the user's history and current
	// role set, and bumps the version.
	UpdateRoles(ctx context.Context, userID string, expectedVersion int64, change RoleChange) (*identity.User, error)

	// Deactivate marks the user inactive with a reason and end-dates every
	// open role assignment.
	Deactivate(ctx context.Context, userID, reason string, expectedVersion int64) error

	// ListLinked returns all active users with a linked provider identity.
	ListLinked(ctx context.Context) ([]identity.User, error)

	// RoleHistory returns the full assignment history for a user, newest
	// first.
	RoleHistory(ctx context.Context, userID string) ([]identity.RoleAssignment, error)

	// OpenEventRoles returns the user's currently effective event-scoped
	// roles keyed by event ID.
	OpenEventRoles(ctx context.Context, userID string) (map[string]identity.Role, error)
}

// CompensationLogStore is the append/update store of compensation attempts.
type CompensationLogStore interface {
	// Upsert inserts the entry or updates it in place by ID.
	Upsert(ctx context.Context, entry *identity.CompensationLogEntry) error

	// ListPending returns entries with status PENDING or RETRYING, oldest
	// first.
	ListPending(ctx context.Context) ([]identity.CompensationLogEntry, error)

	// ListByUser returns every entry for a user, newest first.
	ListByUser(ctx context.Context, userID string) ([]identity.CompensationLogEntry, error)
}

// ReportStore persists reconciliation run reports.
type ReportStore interface {
	SaveReport(ctx context.Context, report *identity.ReconciliationReport) error

	// LatestReport returns the most recent report, or identity.ErrNoReport.
	LatestReport(ctx context.Context) (*identity.ReconciliationReport, error)
}
