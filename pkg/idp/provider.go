package idp

import (
	"context"
	"time"

	"github.com/batbern/identity-reconciler/pkg/identity"
)

// Provider is the engine's view of the identity provider. Implementations
// must treat timeouts and rate limits as transient failures (wrapping
// identity.ErrProviderThrottled / identity.ErrProviderUnavailable), never as
// successful no-ops.
type Provider interface {
	// FindByEmail returns the identity record for an email, or
	// identity.ErrIdentityNotFound.
	FindByEmail(ctx context.Context, email string) (*identity.IdentityRecord, error)

	// ListAll streams every identity to fn, fetching pages as needed and
	// backing off on provider-side rate limiting. Returning an error from fn
	// stops the iteration.
	ListAll(ctx context.Context, fn func(identity.IdentityRecord) error) error

	// IdentityExists reports whether the identity still exists on the
	// provider side.
	IdentityExists(ctx context.Context, identityID string) (bool, error)

	// WriteRoleAttributes writes the engine-owned custom attributes for an
	// identity. Only the attribute names defined in the identity package may
	// appear as keys.
	WriteRoleAttributes(ctx context.Context, identityID string, attrs map[string]string) error
}

// RoleAttributes builds the attribute set for a role push: the encoded role
// set plus the sync timestamp. Event roles are included only when present.
func RoleAttributes(roles []identity.Role, eventRoles map[string]identity.Role, syncedAt time.Time) map[string]string {
	attrs := map[string]string{
		identity.AttrRoles:         identity.EncodeRoles(roles),
		identity.AttrRolesSyncedAt: syncedAt.UTC().Format(time.RFC3339),
	}
	if len(eventRoles) > 0 {
		attrs[identity.AttrEventRoles] = encodeEventRoles(eventRoles)
	}
	return attrs
}
