package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batbern/identity-reconciler/pkg/identity"
)

func TestCompensationStore_Upsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	role := identity.RoleOrganizer
	msg := "provider throttled"
	entry := &identity.CompensationLogEntry{
		ID:           "c1",
		UserID:       "u1",
		Operation:    identity.OpPushRoleToIdP,
		TargetRole:   &role,
		Status:       identity.CompensationPending,
		RetryCount:   0,
		ErrorMessage: &msg,
		CreatedAt:    time.Now(),
	}

	mock.ExpectExec("INSERT INTO compensation_log").
		WithArgs("c1", "u1", "PUSH_ROLE_TO_IDP", sqlmock.AnyArg(), "PENDING", 0,
			sqlmock.AnyArg(), sqlmock.AnyArg(), nil, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	store := NewCompensationStore(db)
	require.NoError(t, store.Upsert(context.Background(), entry))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCompensationStore_ListPending(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"id", "user_id", "operation", "target_role", "status", "retry_count",
		"error_message", "created_at", "last_attempt_at", "resolved_at",
	}).
		AddRow("c1", "u1", "PUSH_ROLE_TO_IDP", "ORGANIZER", "PENDING", 0, "timeout", now, nil, nil).
		AddRow("c2", "u2", "REPAIR_ROLE_MISMATCH", nil, "RETRYING", 2, "throttled", now, now, nil)

	mock.ExpectQuery("SELECT (.+) FROM compensation_log").
		WillReturnRows(rows)

	store := NewCompensationStore(db)
	entries, err := store.ListPending(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, identity.OpPushRoleToIdP, entries[0].Operation)
	assert.Equal(t, identity.RoleOrganizer, *entries[0].TargetRole)
	assert.Equal(t, identity.CompensationRetrying, entries[1].Status)
	assert.Nil(t, entries[1].TargetRole)
	assert.Equal(t, 2, entries[1].RetryCount)
}

func TestCompensationStore_ListByUser(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"id", "user_id", "operation", "target_role", "status", "retry_count",
		"error_message", "created_at", "last_attempt_at", "resolved_at",
	}).
		AddRow("c3", "u1", "PUSH_ROLE_TO_IDP", "PARTNER", "RESOLVED", 1, nil, now, now, now)

	mock.ExpectQuery("SELECT (.+) FROM compensation_log").
		WithArgs("u1").
		WillReturnRows(rows)

	store := NewCompensationStore(db)
	entries, err := store.ListByUser(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, identity.CompensationResolved, entries[0].Status)
	assert.NotNil(t, entries[0].ResolvedAt)
}
