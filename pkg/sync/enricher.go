package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/batbern/identity-reconciler/pkg/identity"
	"github.com/batbern/identity-reconciler/pkg/observability"
	"github.com/batbern/identity-reconciler/pkg/storage"
)

// ClaimEnricher answers pre-token-issuance lookups with the authoritative
// local role set. Token issuance must not block on a degraded user store, so
// every successful lookup is cached and replayed with a staleness marker
// when the store is unavailable. Unknown identities are never served from
// cache.
type ClaimEnricher struct {
	users   storage.UserRepository
	cache   *lru.Cache[string, identity.Claims]
	timeout time.Duration
	metrics *observability.Metrics
	logger  *observability.Logger
	now     nowFunc
}

// NewClaimEnricher creates a claim enricher with a bounded fallback cache.
func NewClaimEnricher(users storage.UserRepository, cacheSize int, timeout time.Duration, metrics *observability.Metrics, logger *observability.Logger) (*ClaimEnricher, error) {
	cache, err := lru.New[string, identity.Claims](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create claims cache: %w", err)
	}
	return &ClaimEnricher{
		users:   users,
		cache:   cache,
		timeout: timeout,
		metrics: metrics,
		logger:  logger,
		now:     defaultNow,
	}, nil
}

// OnPreTokenIssuance returns the claims to embed in a token for the given
// provider identity. Unknown or deactivated identities get
// identity.ErrUserNotFound so the caller falls back to default-deny.
func (e *ClaimEnricher) OnPreTokenIssuance(ctx context.Context, identityID string) (*identity.Claims, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	user, err := e.users.GetByIdentityID(ctx, identityID)
	if err != nil {
		if errors.Is(err, identity.ErrUserNotFound) {
			e.metrics.ClaimLookupsTotal.WithLabelValues("unknown").Inc()
			return nil, err
		}
		return e.fallback(identityID, err)
	}

	eventRoles, err := e.users.OpenEventRoles(ctx, user.ID)
	if err != nil {
		return e.fallback(identityID, err)
	}

	claims := identity.Claims{
		UserID:        user.ID,
		Roles:         user.Roles,
		EventRoles:    eventRoles,
		RolesSyncedAt: e.now(),
	}
	e.cache.Add(identityID, claims)
	e.metrics.ClaimLookupsTotal.WithLabelValues("live").Inc()
	return &claims, nil
}

func (e *ClaimEnricher) fallback(identityID string, cause error) (*identity.Claims, error) {
	cached, ok := e.cache.Get(identityID)
	if !ok {
		e.metrics.ClaimLookupsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to load claims for identity %s: %w", identityID, cause)
	}
	cached.Stale = true
	e.logger.WithError(cause).WithField("idp_identity_id", identityID).Warn("serving stale claims, user store unavailable")
	e.metrics.ClaimLookupsTotal.WithLabelValues("cached").Inc()
	return &cached, nil
}
