package sync

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batbern/identity-reconciler/pkg/identity"
	"github.com/batbern/identity-reconciler/pkg/idp"
	"github.com/batbern/identity-reconciler/pkg/observability"
	"github.com/batbern/identity-reconciler/pkg/storage"
)

func testMetrics() *observability.Metrics {
	return observability.NewMetrics(prometheus.NewRegistry())
}

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.ErrorLevel, io.Discard)
}

func testPushPolicy() PushPolicy {
	return PushPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}
}

func rolePtr(r identity.Role) *identity.Role { return &r }

func seedLinkedUser(t *testing.T, store *storage.Memory, provider *idp.Memory, userID, email, identityID string, role identity.Role) *identity.User {
	t.Helper()
	user := &identity.User{ID: userID, Email: email, IdentityID: &identityID}
	require.NoError(t, store.Create(context.Background(), user, role))
	provider.Put(identity.IdentityRecord{IdentityID: identityID, Email: email})
	return user
}

func TestRoleSyncSaga_PushesLocalRoles(t *testing.T) {
	store := storage.NewMemory()
	provider := idp.NewMemory()
	saga := NewRoleSyncSaga(store, store, provider, NewKeyedMutex(4), testPushPolicy(), testMetrics(), testLogger())

	seedLinkedUser(t, store, provider, "u1", "a@x.ch", "idp-7", identity.RoleAttendee)

	updated, err := saga.ChangeRole(context.Background(), "u1", storage.RoleChange{
		Old: rolePtr(identity.RoleAttendee),
		New: rolePtr(identity.RoleOrganizer),
	})
	require.NoError(t, err)
	assert.Equal(t, []identity.Role{identity.RoleOrganizer}, updated.Roles)

	rec, ok := provider.Identity("idp-7")
	require.True(t, ok)
	assert.Equal(t, identity.EncodeRoles([]identity.Role{identity.RoleOrganizer}), rec.Attributes[identity.AttrRoles])
	assert.NotEmpty(t, rec.Attributes[identity.AttrRolesSyncedAt])

	pending, err := store.ListPending(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRoleSyncSaga_FailedPushKeepsLocalWriteAndRecordsCompensation(t *testing.T) {
	store := storage.NewMemory()
	provider := idp.NewMemory()
	saga := NewRoleSyncSaga(store, store, provider, NewKeyedMutex(4), testPushPolicy(), testMetrics(), testLogger())

	seedLinkedUser(t, store, provider, "u1", "a@x.ch", "idp-7", identity.RoleAttendee)
	provider.FailWrites(identity.ErrProviderUnavailable)

	updated, err := saga.ChangeRole(context.Background(), "u1", storage.RoleChange{
		Old: rolePtr(identity.RoleAttendee),
		New: rolePtr(identity.RoleSpeaker),
	})
	require.NoError(t, err)
	assert.Equal(t, []identity.Role{identity.RoleSpeaker}, updated.Roles)

	// Transient failure is retried inline up to the attempt cap.
	assert.Equal(t, 3, provider.WriteCalls())

	pending, err := store.ListPending(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, identity.OpPushRoleToIdP, pending[0].Operation)
	assert.Equal(t, "u1", pending[0].UserID)
	assert.Equal(t, identity.RoleSpeaker, *pending[0].TargetRole)
	assert.Equal(t, identity.CompensationPending, pending[0].Status)
}

func TestRoleSyncSaga_PermanentPushErrorIsNotRetriedInline(t *testing.T) {
	store := storage.NewMemory()
	provider := idp.NewMemory()
	saga := NewRoleSyncSaga(store, store, provider, NewKeyedMutex(4), testPushPolicy(), testMetrics(), testLogger())

	user := &identity.User{ID: "u1", Email: "a@x.ch"}
	missing := "idp-gone"
	user.IdentityID = &missing
	require.NoError(t, store.Create(context.Background(), user, identity.RoleAttendee))

	_, err := saga.ChangeRole(context.Background(), "u1", storage.RoleChange{
		Old: rolePtr(identity.RoleAttendee),
		New: rolePtr(identity.RoleOrganizer),
	})
	require.NoError(t, err)

	assert.Equal(t, 1, provider.WriteCalls())

	pending, err := store.ListPending(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func TestRoleSyncSaga_UnlinkedUserDefersPush(t *testing.T) {
	store := storage.NewMemory()
	provider := idp.NewMemory()
	saga := NewRoleSyncSaga(store, store, provider, NewKeyedMutex(4), testPushPolicy(), testMetrics(), testLogger())

	user := &identity.User{ID: "u1", Email: "a@x.ch"}
	require.NoError(t, store.Create(context.Background(), user, identity.RoleAttendee))

	updated, err := saga.ChangeRole(context.Background(), "u1", storage.RoleChange{
		Old: rolePtr(identity.RoleAttendee),
		New: rolePtr(identity.RoleOrganizer),
	})
	require.NoError(t, err)
	assert.Equal(t, []identity.Role{identity.RoleOrganizer}, updated.Roles)
	assert.Zero(t, provider.WriteCalls())

	pending, err := store.ListPending(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, identity.OpPushRoleToIdP, pending[0].Operation)
}

func TestRoleSyncSaga_LocalFailureAbortsSaga(t *testing.T) {
	store := storage.NewMemory()
	provider := idp.NewMemory()
	saga := NewRoleSyncSaga(store, store, provider, NewKeyedMutex(4), testPushPolicy(), testMetrics(), testLogger())

	_, err := saga.ChangeRole(context.Background(), "missing", storage.RoleChange{
		New: rolePtr(identity.RoleOrganizer),
	})
	assert.ErrorIs(t, err, identity.ErrUserNotFound)
	assert.Zero(t, provider.WriteCalls())
}

func TestPushRoles_IncludesEventRoles(t *testing.T) {
	store := storage.NewMemory()
	provider := idp.NewMemory()

	seedLinkedUser(t, store, provider, "u1", "a@x.ch", "idp-7", identity.RoleSpeaker)

	eventID := "bern-2026"
	loaded, err := store.GetByID(context.Background(), "u1")
	require.NoError(t, err)
	_, err = store.UpdateRoles(context.Background(), "u1", loaded.Version, storage.RoleChange{
		New:     rolePtr(identity.RoleOrganizer),
		EventID: &eventID,
	})
	require.NoError(t, err)

	loaded, err = store.GetByID(context.Background(), "u1")
	require.NoError(t, err)
	require.NoError(t, PushRoles(context.Background(), provider, store, loaded, time.Now()))

	rec, ok := provider.Identity("idp-7")
	require.True(t, ok)
	assert.Contains(t, rec.Attributes[identity.AttrEventRoles], eventID)
	assert.Contains(t, rec.Attributes[identity.AttrEventRoles], string(identity.RoleOrganizer))
}
