package identity

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Role is a platform-wide role a user can hold.
type Role string

const (
	RoleAttendee  Role = "ATTENDEE"
	RoleSpeaker   Role = "SPEAKER"
	RoleOrganizer Role = "ORGANIZER"
	RolePartner   Role = "PARTNER"
)

// AllRoles lists every known role.
var AllRoles = []Role{RoleAttendee, RoleSpeaker, RoleOrganizer, RolePartner}

// ParseRole validates a role string.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	for _, known := range AllRoles {
		if r == known {
			return r, nil
		}
	}
	return "", fmt.Errorf("unknown role: %q", s)
}

// Identity provider custom attribute names. These are the wire format the
// provider stores per identity; the engine reads and writes them but never
// invents new attributes.
const (
	AttrRoles         = "custom:batbern_roles"
	AttrEventRoles    = "custom:batbern_event_roles"
	AttrRolesSyncedAt = "custom:roles_synced_at"
)

// DeactivationReasonIdentityDeleted is recorded when reconciliation finds a
// linked identity that no longer exists on the provider side.
const DeactivationReasonIdentityDeleted = "IDP_IDENTITY_DELETED"

// User is the local, provider-linked user record. The local store is the
// source of truth for roles; IdentityID is nil while the user has not yet
// completed sign-up on the provider side (or was unlinked).
type User struct {
	ID                 string     `json:"id"`
	Email              string     `json:"email"`
	IdentityID         *string    `json:"idpIdentityId,omitempty"`
	Active             bool       `json:"active"`
	DeactivationReason *string    `json:"deactivationReason,omitempty"`
	Roles              []Role     `json:"roles"`
	Version            int64      `json:"version"`
	CreatedAt          time.Time  `json:"createdAt"`
	UpdatedAt          time.Time  `json:"updatedAt"`
}

// LinkedTo reports whether the user is linked to the given provider identity.
func (u *User) LinkedTo(identityID string) bool {
	return u.IdentityID != nil && *u.IdentityID == identityID
}

// HasRole reports whether the user currently holds the role.
func (u *User) HasRole(role Role) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// RoleAssignment is one row of role history. An open assignment (EndDate nil)
// is currently effective. EventID scopes the assignment to a single event;
// nil means platform-wide. For a given (user, role, event) at most one row
// may be open at any time.
type RoleAssignment struct {
	UserID    string     `json:"userId"`
	Role      Role       `json:"role"`
	EventID   *string    `json:"eventId,omitempty"`
	StartDate time.Time  `json:"startDate"`
	EndDate   *time.Time `json:"endDate,omitempty"`
}

// Open reports whether the assignment is currently effective.
func (a *RoleAssignment) Open() bool { return a.EndDate == nil }

// IdentityRecord is the provider's view of an identity. It is owned entirely
// by the provider; the engine reads it and writes only the custom attributes
// named by the Attr constants.
type IdentityRecord struct {
	IdentityID string            `json:"idpIdentityId"`
	Email      string            `json:"email"`
	Attributes map[string]string `json:"attributes"`
}

// Roles decodes the role set stored in the provider's role attribute. A
// missing attribute decodes to an empty set; a present but unparseable
// attribute is an error so callers can treat it as a conflict rather than
// an empty role set.
func (r *IdentityRecord) Roles() ([]Role, error) {
	raw, ok := r.Attributes[AttrRoles]
	if !ok || raw == "" {
		return nil, nil
	}
	return DecodeRoles(raw)
}

// RolesSyncedAt returns the provider-side sync timestamp, if present.
func (r *IdentityRecord) RolesSyncedAt() (time.Time, bool) {
	raw, ok := r.Attributes[AttrRolesSyncedAt]
	if !ok || raw == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Claims is the role claim set returned to the provider at token issuance.
type Claims struct {
	UserID        string          `json:"userId"`
	Roles         []Role          `json:"roles"`
	EventRoles    map[string]Role `json:"eventRoles,omitempty"`
	RolesSyncedAt time.Time       `json:"rolesSyncedAt"`

	// Stale is set when the claims were served from the fallback cache
	// because the user store was unavailable. The caller decides between
	// default-deny and stale claims; the engine never hides staleness.
	Stale bool `json:"stale,omitempty"`
}

// EncodeRoles renders a role set in the provider attribute wire format: a
// JSON array of role names, sorted so that equal sets encode identically.
func EncodeRoles(roles []Role) string {
	names := make([]string, 0, len(roles))
	for _, r := range roles {
		names = append(names, string(r))
	}
	sort.Strings(names)
	data, _ := json.Marshal(names)
	return string(data)
}

// DecodeRoles parses the provider attribute wire format.
func DecodeRoles(encoded string) ([]Role, error) {
	var names []string
	if err := json.Unmarshal([]byte(encoded), &names); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnparseableRoles, err)
	}
	roles := make([]Role, 0, len(names))
	for _, name := range names {
		role, err := ParseRole(name)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnparseableRoles, err)
		}
		roles = append(roles, role)
	}
	return roles, nil
}

// RolesEqual compares two role sets ignoring order and duplicates.
func RolesEqual(a, b []Role) bool {
	return EncodeRoles(a) == EncodeRoles(b)
}
