//go:build integration

package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/batbern/identity-reconciler/pkg/identity"
	"github.com/batbern/identity-reconciler/pkg/storage"
)

// setupTestDB starts a PostgreSQL container and runs the migrations.
func setupTestDB(t *testing.T) *UserStore {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:15-alpine",
		tcpostgres.WithDatabase("reconciler_test"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
		tcpostgres.BasicWaitStrategies(),
	)
	require.NoError(t, err, "Failed to start PostgreSQL container")
	t.Cleanup(func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		container.Terminate(cleanupCtx)
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := Connect(DefaultConnectionConfig(connStr))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, Migrate(ctx, db))
	return NewUserStore(db)
}

func TestIntegration_UserLifecycle(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	user := &identity.User{ID: "u1", Email: "a@x.ch"}
	require.NoError(t, store.Create(ctx, user, identity.RoleAttendee))
	assert.Equal(t, int64(1), user.Version)

	// Duplicate active email is rejected by the partial unique index.
	dup := &identity.User{ID: "u2", Email: "a@x.ch"}
	err := store.Create(ctx, dup, identity.RoleAttendee)
	assert.True(t, errors.Is(err, identity.ErrDuplicateEmail))

	// Link with a stale version loses the compare-and-set.
	require.NoError(t, store.LinkIdentity(ctx, "u1", "idp-7", 1))
	err = store.LinkIdentity(ctx, "u1", "idp-8", 1)
	assert.True(t, errors.Is(err, identity.ErrVersionConflict))

	loaded, err := store.GetByIdentityID(ctx, "idp-7")
	require.NoError(t, err)
	assert.Equal(t, "u1", loaded.ID)

	// Role change end-dates the old assignment and opens the new one.
	oldRole := identity.RoleAttendee
	newRole := identity.RoleOrganizer
	updated, err := store.UpdateRoles(ctx, "u1", loaded.Version, storage.RoleChange{Old: &oldRole, New: &newRole})
	require.NoError(t, err)
	assert.Equal(t, []identity.Role{identity.RoleOrganizer}, updated.Roles)

	history, err := store.RoleHistory(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, history, 2)

	open := 0
	for _, a := range history {
		if a.Open() {
			open++
		}
	}
	assert.Equal(t, 1, open)

	// Re-granting an already open role is idempotent.
	again, err := store.UpdateRoles(ctx, "u1", updated.Version, storage.RoleChange{New: &newRole})
	require.NoError(t, err)
	assert.Equal(t, []identity.Role{identity.RoleOrganizer}, again.Roles)

	history, err = store.RoleHistory(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, history, 2)

	// Deactivation closes every open assignment.
	require.NoError(t, store.Deactivate(ctx, "u1", identity.DeactivationReasonIdentityDeleted, again.Version))
	history, err = store.RoleHistory(ctx, "u1")
	require.NoError(t, err)
	for _, a := range history {
		assert.False(t, a.Open())
	}

	gone, err := store.GetByID(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, gone.Active)
	assert.Equal(t, identity.DeactivationReasonIdentityDeleted, *gone.DeactivationReason)

	// The email is free again for a fresh sign-up.
	fresh := &identity.User{ID: "u3", Email: "a@x.ch"}
	require.NoError(t, store.Create(ctx, fresh, identity.RoleAttendee))
}

func TestIntegration_EventScopedRoles(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	user := &identity.User{ID: "u1", Email: "s@x.ch"}
	require.NoError(t, store.Create(ctx, user, identity.RoleAttendee))

	eventID := "bern-2026"
	role := identity.RoleSpeaker
	updated, err := store.UpdateRoles(ctx, "u1", 1, storage.RoleChange{New: &role, EventID: &eventID})
	require.NoError(t, err)
	// Event-scoped assignments do not alter the platform role set.
	assert.Equal(t, []identity.Role{identity.RoleAttendee}, updated.Roles)

	eventRoles, err := store.OpenEventRoles(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, identity.RoleSpeaker, eventRoles[eventID])
}

func TestIntegration_CompensationLog(t *testing.T) {
	userStore := setupTestDB(t)
	ctx := context.Background()
	store := NewCompensationStore(userStore.db)

	user := &identity.User{ID: "u1", Email: "a@x.ch"}
	require.NoError(t, userStore.Create(ctx, user, identity.RoleAttendee))

	role := identity.RoleOrganizer
	entry := &identity.CompensationLogEntry{
		ID:         "c1",
		UserID:     "u1",
		Operation:  identity.OpPushRoleToIdP,
		TargetRole: &role,
		Status:     identity.CompensationPending,
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, store.Upsert(ctx, entry))

	pending, err := store.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	entry.RecordFailure(errors.New("provider timeout"), 5, time.Now().UTC())
	require.NoError(t, store.Upsert(ctx, entry))

	pending, err = store.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, identity.CompensationRetrying, pending[0].Status)
	assert.Equal(t, 1, pending[0].RetryCount)

	entry.RecordSuccess(time.Now().UTC())
	require.NoError(t, store.Upsert(ctx, entry))

	pending, err = store.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	all, err := store.ListByUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, identity.CompensationResolved, all[0].Status)
}

func TestIntegration_Reports(t *testing.T) {
	userStore := setupTestDB(t)
	ctx := context.Background()
	store := NewReportStore(userStore.db)

	_, err := store.LatestReport(ctx)
	assert.True(t, errors.Is(err, identity.ErrNoReport))

	first := &identity.ReconciliationReport{
		ID:        "r1",
		Status:    identity.ReportSuccess,
		StartedAt: time.Now().UTC().Add(-time.Hour),
	}
	second := &identity.ReconciliationReport{
		ID:         "r2",
		Status:     identity.ReportPartial,
		StartedAt:  time.Now().UTC(),
		DurationMs: 1234,
		Metrics:    identity.ReportMetrics{OrphanedUsersDetected: 2},
		RowErrors:  1,
	}
	require.NoError(t, store.SaveReport(ctx, first))
	require.NoError(t, store.SaveReport(ctx, second))

	latest, err := store.LatestReport(ctx)
	require.NoError(t, err)
	assert.Equal(t, "r2", latest.ID)
	assert.Equal(t, identity.ReportPartial, latest.Status)
	assert.Equal(t, 2, latest.Metrics.OrphanedUsersDetected)
}
