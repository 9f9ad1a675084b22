package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batbern/identity-reconciler/pkg/identity"
	"github.com/batbern/identity-reconciler/pkg/storage"
)

// flakyUsers fails lookups on demand to simulate an unavailable user store.
type flakyUsers struct {
	storage.UserRepository
	down bool
}

func (f *flakyUsers) GetByIdentityID(ctx context.Context, identityID string) (*identity.User, error) {
	if f.down {
		return nil, errors.New("connection refused")
	}
	return f.UserRepository.GetByIdentityID(ctx, identityID)
}

func newEnricher(t *testing.T, users storage.UserRepository) *ClaimEnricher {
	t.Helper()
	enricher, err := NewClaimEnricher(users, 128, time.Second, testMetrics(), testLogger())
	require.NoError(t, err)
	return enricher
}

func TestClaimEnricher_ServesLocalRoles(t *testing.T) {
	store := storage.NewMemory()
	idpID := "idp-7"
	user := &identity.User{ID: "u1", Email: "a@x.ch", IdentityID: &idpID}
	require.NoError(t, store.Create(context.Background(), user, identity.RoleSpeaker))

	enricher := newEnricher(t, store)
	claims, err := enricher.OnPreTokenIssuance(context.Background(), "idp-7")
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)
	assert.Equal(t, []identity.Role{identity.RoleSpeaker}, claims.Roles)
	assert.False(t, claims.Stale)
	assert.False(t, claims.RolesSyncedAt.IsZero())
}

func TestClaimEnricher_IncludesEventRoles(t *testing.T) {
	store := storage.NewMemory()
	idpID := "idp-7"
	user := &identity.User{ID: "u1", Email: "a@x.ch", IdentityID: &idpID}
	require.NoError(t, store.Create(context.Background(), user, identity.RoleSpeaker))

	eventID := "bern-2026"
	role := identity.RoleOrganizer
	_, err := store.UpdateRoles(context.Background(), "u1", 1, storage.RoleChange{New: &role, EventID: &eventID})
	require.NoError(t, err)

	enricher := newEnricher(t, store)
	claims, err := enricher.OnPreTokenIssuance(context.Background(), "idp-7")
	require.NoError(t, err)
	assert.Equal(t, identity.RoleOrganizer, claims.EventRoles[eventID])
}

func TestClaimEnricher_UnknownIdentityIsNotFound(t *testing.T) {
	enricher := newEnricher(t, storage.NewMemory())

	_, err := enricher.OnPreTokenIssuance(context.Background(), "idp-unknown")
	assert.ErrorIs(t, err, identity.ErrUserNotFound)
}

func TestClaimEnricher_DeactivatedUserIsNotFound(t *testing.T) {
	store := storage.NewMemory()
	idpID := "idp-7"
	user := &identity.User{ID: "u1", Email: "a@x.ch", IdentityID: &idpID}
	require.NoError(t, store.Create(context.Background(), user, identity.RoleSpeaker))
	require.NoError(t, store.Deactivate(context.Background(), "u1", identity.DeactivationReasonIdentityDeleted, 1))

	enricher := newEnricher(t, store)
	_, err := enricher.OnPreTokenIssuance(context.Background(), "idp-7")
	assert.ErrorIs(t, err, identity.ErrUserNotFound)
}

func TestClaimEnricher_FallsBackToCachedClaimsWhenStoreDown(t *testing.T) {
	store := storage.NewMemory()
	idpID := "idp-7"
	user := &identity.User{ID: "u1", Email: "a@x.ch", IdentityID: &idpID}
	require.NoError(t, store.Create(context.Background(), user, identity.RoleOrganizer))

	flaky := &flakyUsers{UserRepository: store}
	enricher := newEnricher(t, flaky)

	// Warm the cache while the store is healthy.
	_, err := enricher.OnPreTokenIssuance(context.Background(), "idp-7")
	require.NoError(t, err)

	flaky.down = true
	claims, err := enricher.OnPreTokenIssuance(context.Background(), "idp-7")
	require.NoError(t, err)
	assert.True(t, claims.Stale)
	assert.Equal(t, []identity.Role{identity.RoleOrganizer}, claims.Roles)
}

func TestClaimEnricher_NoCacheNoClaims(t *testing.T) {
	flaky := &flakyUsers{UserRepository: storage.NewMemory(), down: true}
	enricher := newEnricher(t, flaky)

	_, err := enricher.OnPreTokenIssuance(context.Background(), "idp-7")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, identity.ErrUserNotFound)
}
