package identity

import "fmt"

// DriftKind classifies a divergence between the local user store and the
// identity provider. The set is closed; each kind has a dedicated corrective
// handler in pkg/reconcile, so adding a kind is additive.
type DriftKind string

const (
	// DriftOrphanedUser: a local user links an identity the provider no
	// longer has. Correction: deactivate the user.
	DriftOrphanedUser DriftKind = "ORPHANED_USER"

	// DriftMissingLocalUser: the provider holds an identity with no matching
	// active local user. Correction: create and link a local user with the
	// default role.
	DriftMissingLocalUser DriftKind = "MISSING_LOCAL_USER"

	// DriftRoleMismatch: the provider's stored role attribute differs from
	// the authoritative local role set. Correction: push local to provider.
	DriftRoleMismatch DriftKind = "ROLE_MISMATCH"
)

// Drift is one detected divergence. Exactly one of User/Identity may be nil
// depending on the kind: an orphaned user has no identity record, a missing
// local user has no user record, a role mismatch has both.
type Drift struct {
	Kind     DriftKind
	User     *User
	Identity *IdentityRecord

	// LocalRoles and ProviderRoles are populated for role mismatches.
	LocalRoles    []Role
	ProviderRoles []Role
}

func (d Drift) String() string {
	switch d.Kind {
	case DriftOrphanedUser:
		return fmt.Sprintf("orphaned user %s (identity %s gone)", d.User.ID, *d.User.IdentityID)
	case DriftMissingLocalUser:
		return fmt.Sprintf("provider-only identity %s (%s)", d.Identity.IdentityID, d.Identity.Email)
	case DriftRoleMismatch:
		return fmt.Sprintf("role mismatch for user %s: local=%s provider=%s",
			d.User.ID, EncodeRoles(d.LocalRoles), EncodeRoles(d.ProviderRoles))
	default:
		return fmt.Sprintf("unknown drift kind %q", string(d.Kind))
	}
}
