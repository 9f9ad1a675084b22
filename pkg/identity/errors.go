package identity

import (
	"context"
	"errors"
)

// Sentinel errors shared across the engine. Repositories and the provider
// gateway return these (possibly wrapped); callers branch with errors.Is.
var (
	// ErrUserNotFound is returned when no local user matches the lookup.
	ErrUserNotFound = errors.New("user not found")

	// ErrIdentityNotFound is returned when the provider has no such identity.
	ErrIdentityNotFound = errors.New("identity not found")

	// ErrDuplicateEmail is returned when creating a user would violate the
	// one-active-user-per-email invariant.
	ErrDuplicateEmail = errors.New("active user with this email already exists")

	// ErrDuplicateIdentity is returned when creating or linking a user would
	// violate the one-active-user-per-identity invariant.
	ErrDuplicateIdentity = errors.New("active user with this identity already exists")

	// ErrIdentityConflict is returned when an identity-confirmed event names
	// an email whose local user is already linked to a different identity.
	// The engine never silently relinks; the conflict is recorded for
	// operator follow-up.
	ErrIdentityConflict = errors.New("user already linked to a different identity")

	// ErrVersionConflict is returned when an optimistic update lost the race
	// against a concurrent mutation of the same user row.
	ErrVersionConflict = errors.New("user version conflict")

	// ErrNoLinkedIdentity is returned when an operation needs a provider
	// identity but the user is not linked to one.
	ErrNoLinkedIdentity = errors.New("user has no linked identity")

	// ErrUnparseableRoles is returned when the provider's role attribute
	// cannot be decoded. Treated as a conflict, never as an empty role set.
	ErrUnparseableRoles = errors.New("unparseable role attribute")

	// ErrProviderThrottled is returned when the provider rejected a call due
	// to rate limiting. Always a transient failure.
	ErrProviderThrottled = errors.New("identity provider throttled the request")

	// ErrProviderUnavailable is returned when the provider could not be
	// reached at all. At job level this fails the whole run.
	ErrProviderUnavailable = errors.New("identity provider unavailable")

	// ErrNoReport is returned when no reconciliation run has been recorded.
	ErrNoReport = errors.New("no reconciliation report recorded")
)

// Transient reports whether an error represents a transient provider failure
// that is eligible for compensation and retry. Timeouts and cancellations
// count: a call that never completed must never be read as "already synced".
func Transient(err error) bool {
	return errors.Is(err, ErrProviderThrottled) ||
		errors.Is(err, ErrProviderUnavailable) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}
