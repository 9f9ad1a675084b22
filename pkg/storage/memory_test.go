package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batbern/identity-reconciler/pkg/identity"
)

func newUser(t *testing.T, m *Memory, email string, role identity.Role) *identity.User {
	t.Helper()
	user := &identity.User{ID: uuid.NewString(), Email: email}
	require.NoError(t, m.Create(context.Background(), user, role))
	return user
}

func TestMemory_CreateAndLookup(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	user := newUser(t, m, "a@x.ch", identity.RoleAttendee)
	assert.True(t, user.Active)
	assert.Equal(t, int64(1), user.Version)

	byEmail, err := m.GetByEmail(ctx, "a@x.ch")
	require.NoError(t, err)
	assert.Equal(t, user.ID, byEmail.ID)
	assert.Equal(t, []identity.Role{identity.RoleAttendee}, byEmail.Roles)

	_, err = m.GetByEmail(ctx, "nobody@x.ch")
	assert.True(t, errors.Is(err, identity.ErrUserNotFound))
}

func TestMemory_DuplicateEmail(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	newUser(t, m, "a@x.ch", identity.RoleAttendee)
	dup := &identity.User{ID: uuid.NewString(), Email: "a@x.ch"}
	err := m.Create(ctx, dup, identity.RoleSpeaker)
	assert.True(t, errors.Is(err, identity.ErrDuplicateEmail))
}

func TestMemory_LinkIdentity_VersionConflict(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	user := newUser(t, m, "a@x.ch", identity.RoleAttendee)

	require.NoError(t, m.LinkIdentity(ctx, user.ID, "idp-1", user.Version))

	// Stale version loses the race.
	err := m.LinkIdentity(ctx, user.ID, "idp-2", user.Version)
	assert.True(t, errors.Is(err, identity.ErrVersionConflict))

	linked, err := m.GetByIdentityID(ctx, "idp-1")
	require.NoError(t, err)
	assert.Equal(t, user.ID, linked.ID)
}

func TestMemory_UpdateRoles_EndsOldOpensNew(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	user := newUser(t, m, "a@x.ch", identity.RoleAttendee)

	oldRole := identity.RoleAttendee
	newRole := identity.RoleOrganizer
	updated, err := m.UpdateRoles(ctx, user.ID, user.Version, RoleChange{Old: &oldRole, New: &newRole})
	require.NoError(t, err)
	assert.Equal(t, []identity.Role{identity.RoleOrganizer}, updated.Roles)
	assert.Equal(t, user.Version+1, updated.Version)

	history, err := m.RoleHistory(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)

	open := 0
	for _, a := range history {
		if a.Open() {
			open++
			assert.Equal(t, identity.RoleOrganizer, a.Role)
		}
	}
	assert.Equal(t, 1, open)
}

func TestMemory_UpdateRoles_IdempotentOpen(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	user := newUser(t, m, "a@x.ch", identity.RoleAttendee)

	// Re-granting the currently held role must not add a second open row.
	role := identity.RoleAttendee
	updated, err := m.UpdateRoles(ctx, user.ID, user.Version, RoleChange{New: &role})
	require.NoError(t, err)

	history, err := m.RoleHistory(ctx, updated.ID)
	require.NoError(t, err)
	openRows := 0
	for _, a := range history {
		if a.Open() && a.Role == role {
			openRows++
		}
	}
	assert.Equal(t, 1, openRows)
}

func TestMemory_Deactivate_EndsAllOpenRoles(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	user := newUser(t, m, "a@x.ch", identity.RoleOrganizer)

	require.NoError(t, m.Deactivate(ctx, user.ID, identity.DeactivationReasonIdentityDeleted, user.Version))

	got, err := m.GetByEmail(ctx, "a@x.ch")
	require.NoError(t, err)
	assert.False(t, got.Active)
	assert.Equal(t, identity.DeactivationReasonIdentityDeleted, *got.DeactivationReason)
	assert.Empty(t, got.Roles)

	history, err := m.RoleHistory(ctx, user.ID)
	require.NoError(t, err)
	for _, a := range history {
		assert.False(t, a.Open())
	}
}

func TestMemory_EventScopedRoles(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	user := newUser(t, m, "s@x.ch", identity.RoleAttendee)

	eventID := "event-42"
	speaker := identity.RoleSpeaker
	updated, err := m.UpdateRoles(ctx, user.ID, user.Version, RoleChange{New: &speaker, EventID: &eventID})
	require.NoError(t, err)

	// Platform roles are untouched by event-scoped grants.
	assert.Equal(t, []identity.Role{identity.RoleAttendee}, updated.Roles)

	eventRoles, err := m.OpenEventRoles(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]identity.Role{eventID: identity.RoleSpeaker}, eventRoles)
}

func TestMemory_CompensationLog(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	role := identity.RoleOrganizer
	entry := &identity.CompensationLogEntry{
		ID:         uuid.NewString(),
		UserID:     "u1",
		Operation:  identity.OpPushRoleToIdP,
		TargetRole: &role,
		Status:     identity.CompensationPending,
	}
	require.NoError(t, m.Upsert(ctx, entry))

	pending, err := m.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	entry.RecordSuccess(pending[0].CreatedAt)
	require.NoError(t, m.Upsert(ctx, entry))

	pending, err = m.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// Resolved entries stay queryable: the log is an audit trail.
	all, err := m.ListByUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, identity.CompensationResolved, all[0].Status)
}

func TestMemory_Reports(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_, err := m.LatestReport(ctx)
	assert.True(t, errors.Is(err, identity.ErrNoReport))

	first := &identity.ReconciliationReport{ID: "r1", Status: identity.ReportSuccess}
	second := &identity.ReconciliationReport{ID: "r2", Status: identity.ReportPartial}
	require.NoError(t, m.SaveReport(ctx, first))
	require.NoError(t, m.SaveReport(ctx, second))

	latest, err := m.LatestReport(ctx)
	require.NoError(t, err)
	assert.Equal(t, "r2", latest.ID)
}
