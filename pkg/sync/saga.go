package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/batbern/identity-reconciler/pkg/identity"
	"github.com/batbern/identity-reconciler/pkg/idp"
	"github.com/batbern/identity-reconciler/pkg/observability"
	"github.com/batbern/identity-reconciler/pkg/storage"
)

type nowFunc func() time.Time

func defaultNow() time.Time { return time.Now().UTC() }

// PushPolicy bounds the inline retry around the provider push. Retrying
// beyond a few quick attempts would hold the per-user lock for too long;
// anything slower belongs to the reconciliation job via the compensation log.
type PushPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultPushPolicy returns the standard inline push retry policy.
func DefaultPushPolicy() PushPolicy {
	return PushPolicy{
		MaxAttempts:     3,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     30 * time.Second,
	}
}

// RoleSyncSaga applies a role change locally and propagates it to the
// provider. Forward recovery only: once the local transaction commits the
// change is final, and a failed push is recorded as a PENDING compensation
// log entry instead of rolling anything back.
type RoleSyncSaga struct {
	users    storage.UserRepository
	comp     storage.CompensationLogStore
	provider idp.Provider
	locks    *KeyedMutex
	policy   PushPolicy
	metrics  *observability.Metrics
	logger   *observability.Logger
	now      nowFunc
}

// NewRoleSyncSaga creates a role sync saga.
func NewRoleSyncSaga(users storage.UserRepository, comp storage.CompensationLogStore, provider idp.Provider, locks *KeyedMutex, policy PushPolicy, metrics *observability.Metrics, logger *observability.Logger) *RoleSyncSaga {
	return &RoleSyncSaga{
		users:    users,
		comp:     comp,
		provider: provider,
		locks:    locks,
		policy:   policy,
		metrics:  metrics,
		logger:   logger,
		now:      defaultNow,
	}
}

// ChangeRole executes the saga for one user. The returned user reflects the
// committed local state; a nil error means the local write succeeded, even
// when the provider push was deferred to the compensation log.
func (s *RoleSyncSaga) ChangeRole(ctx context.Context, userID string, change storage.RoleChange) (*identity.User, error) {
	unlock := s.locks.Lock(userID)
	defer unlock()

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		s.metrics.SagaRunsTotal.WithLabelValues("local_failed").Inc()
		return nil, err
	}

	updated, err := s.users.UpdateRoles(ctx, userID, user.Version, change)
	if err != nil {
		s.metrics.SagaRunsTotal.WithLabelValues("local_failed").Inc()
		return nil, fmt.Errorf("failed to update roles for user %s: %w", userID, err)
	}

	log := observability.FromContext(ctx).WithField("user_id", userID)

	if updated.IdentityID == nil {
		if err := s.deferPush(ctx, updated.ID, change.New, identity.ErrNoLinkedIdentity); err != nil {
			return nil, err
		}
		log.Info("role change committed for unlinked user, push deferred")
		s.metrics.SagaRunsTotal.WithLabelValues("deferred").Inc()
		return updated, nil
	}

	if err := s.push(ctx, updated); err != nil {
		if deferErr := s.deferPush(ctx, updated.ID, change.New, err); deferErr != nil {
			return nil, deferErr
		}
		log.WithError(err).Warn("provider push failed, compensation recorded")
		s.metrics.SagaRunsTotal.WithLabelValues("deferred").Inc()
		return updated, nil
	}

	log.Info("role change pushed to provider")
	s.metrics.SagaRunsTotal.WithLabelValues("synced").Inc()
	return updated, nil
}

// push writes the current roles with a short exponential backoff. Permanent
// errors stop retrying immediately.
func (s *RoleSyncSaga) push(ctx context.Context, user *identity.User) error {
	operation := func() error {
		err := PushRoles(ctx, s.provider, s.users, user, s.now())
		if err == nil {
			return nil
		}
		if identity.Transient(err) && ctx.Err() == nil {
			return err
		}
		return backoff.Permanent(err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.policy.InitialInterval
	b.MaxInterval = s.policy.MaxInterval
	return backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.policy.MaxAttempts-1)), ctx))
}

// deferPush records the failed push in the compensation log. The write uses
// a detached context so a cancelled saga still leaves its obligation behind.
func (s *RoleSyncSaga) deferPush(ctx context.Context, userID string, target *identity.Role, cause error) error {
	msg := cause.Error()
	entry := &identity.CompensationLogEntry{
		ID:           uuid.NewString(),
		UserID:       userID,
		Operation:    identity.OpPushRoleToIdP,
		TargetRole:   target,
		Status:       identity.CompensationPending,
		ErrorMessage: &msg,
		CreatedAt:    s.now(),
	}
	if err := s.comp.Upsert(context.WithoutCancel(ctx), entry); err != nil {
		return fmt.Errorf("failed to record compensation for user %s: %w", userID, err)
	}
	s.metrics.CompensationsCreated.WithLabelValues(string(identity.OpPushRoleToIdP)).Inc()
	return nil
}

// PushRoles writes the user's current platform and event roles to its linked
// provider identity. The local store is authoritative: whatever the provider
// held before is overwritten, and the sync timestamp is set to at.
func PushRoles(ctx context.Context, provider idp.Provider, users storage.UserRepository, user *identity.User, at time.Time) error {
	if user.IdentityID == nil {
		return identity.ErrNoLinkedIdentity
	}
	eventRoles, err := users.OpenEventRoles(ctx, user.ID)
	if err != nil {
		return fmt.Errorf("failed to load event roles for user %s: %w", user.ID, err)
	}
	attrs := idp.RoleAttributes(user.Roles, eventRoles, at)
	if err := provider.WriteRoleAttributes(ctx, *user.IdentityID, attrs); err != nil {
		return fmt.Errorf("failed to push roles for user %s: %w", user.ID, err)
	}
	return nil
}
