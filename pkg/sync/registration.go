package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/batbern/identity-reconciler/pkg/identity"
	"github.com/batbern/identity-reconciler/pkg/observability"
	"github.com/batbern/identity-reconciler/pkg/storage"
)

// ConfirmedIdentity is the payload of an identity-confirmed event from the
// provider: the new identity, the verified email, and an optional requested
// role from the sign-up flow.
type ConfirmedIdentity struct {
	IdentityID    string
	Email         string
	RequestedRole identity.Role
}

// RegistrationHandler consumes identity-confirmed events. Handling is
// idempotent on the identity ID: redelivered events return the already
// linked user without further writes.
type RegistrationHandler struct {
	users       storage.UserRepository
	comp        storage.CompensationLogStore
	locks       *KeyedMutex
	metrics     *observability.Metrics
	logger      *observability.Logger
	defaultRole identity.Role
	now         nowFunc
}

// NewRegistrationHandler creates a registration handler. defaultRole is
// assigned when the event carries no requested role.
func NewRegistrationHandler(users storage.UserRepository, comp storage.CompensationLogStore, locks *KeyedMutex, metrics *observability.Metrics, logger *observability.Logger, defaultRole identity.Role) *RegistrationHandler {
	return &RegistrationHandler{
		users:       users,
		comp:        comp,
		locks:       locks,
		metrics:     metrics,
		logger:      logger,
		defaultRole: defaultRole,
		now:         defaultNow,
	}
}

// OnIdentityConfirmed materializes the local side of a confirmed provider
// identity. Outcomes, in precedence order:
//
//   - a user already linked to the identity is returned unchanged
//   - an active unlinked user with the same email is linked
//   - otherwise a new user is created with the requested (or default) role
//   - an active user linked to a DIFFERENT identity under the same email is
//     a conflict: a RESOLVE_IDENTITY_CONFLICT log entry is recorded for an
//     operator and identity.ErrIdentityConflict is returned
func (h *RegistrationHandler) OnIdentityConfirmed(ctx context.Context, event ConfirmedIdentity) (*identity.User, error) {
	if event.IdentityID == "" || event.Email == "" {
		h.metrics.RegistrationsTotal.WithLabelValues("invalid").Inc()
		return nil, fmt.Errorf("identity-confirmed event missing identity ID or email")
	}
	role := event.RequestedRole
	if role == "" {
		role = h.defaultRole
	}

	unlock := h.locks.Lock(event.Email)
	defer unlock()

	log := h.logger.WithFields(map[string]interface{}{
		"idp_identity_id": event.IdentityID,
		"email":           event.Email,
	})

	existing, err := h.users.GetByIdentityID(ctx, event.IdentityID)
	if err == nil {
		log.WithField("user_id", existing.ID).Debug("identity already linked, event is a redelivery")
		h.metrics.RegistrationsTotal.WithLabelValues("duplicate").Inc()
		return existing, nil
	}
	if !errors.Is(err, identity.ErrUserNotFound) {
		h.metrics.RegistrationsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to look up identity link: %w", err)
	}

	byEmail, err := h.users.GetByEmail(ctx, event.Email)
	switch {
	case errors.Is(err, identity.ErrUserNotFound):
		return h.createUser(ctx, log, event, role)
	case err != nil:
		h.metrics.RegistrationsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to look up user by email: %w", err)
	}

	if !byEmail.Active {
		// An inactive holder does not own the email; sign-up starts fresh.
		return h.createUser(ctx, log, event, role)
	}

	if byEmail.IdentityID == nil {
		if err := h.users.LinkIdentity(ctx, byEmail.ID, event.IdentityID, byEmail.Version); err != nil {
			h.metrics.RegistrationsTotal.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("failed to link identity to user %s: %w", byEmail.ID, err)
		}
		log.WithField("user_id", byEmail.ID).Info("linked provider identity to existing user")
		h.metrics.RegistrationsTotal.WithLabelValues("linked").Inc()
		return h.users.GetByID(ctx, byEmail.ID)
	}

	// Same active email, different identity. Never guess which identity is
	// right; record the conflict and stop.
	if err := h.recordConflict(ctx, byEmail, event); err != nil {
		h.metrics.RegistrationsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	log.WithField("user_id", byEmail.ID).Warn("email already linked to a different identity")
	h.metrics.RegistrationsTotal.WithLabelValues("conflict").Inc()
	return nil, fmt.Errorf("%w: email %s is linked to identity %s", identity.ErrIdentityConflict, event.Email, *byEmail.IdentityID)
}

func (h *RegistrationHandler) createUser(ctx context.Context, log *observability.Logger, event ConfirmedIdentity, role identity.Role) (*identity.User, error) {
	user := &identity.User{
		ID:         uuid.NewString(),
		Email:      event.Email,
		IdentityID: &event.IdentityID,
	}
	if err := h.users.Create(ctx, user, role); err != nil {
		h.metrics.RegistrationsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to create user for identity %s: %w", event.IdentityID, err)
	}
	log.WithFields(map[string]interface{}{"user_id": user.ID, "role": string(role)}).Info("created local user for confirmed identity")
	h.metrics.RegistrationsTotal.WithLabelValues("created").Inc()
	return user, nil
}

func (h *RegistrationHandler) recordConflict(ctx context.Context, conflicting *identity.User, event ConfirmedIdentity) error {
	msg := fmt.Sprintf("identity %s confirmed for email %s already linked to identity %s", event.IdentityID, event.Email, *conflicting.IdentityID)
	entry := &identity.CompensationLogEntry{
		ID:           uuid.NewString(),
		UserID:       conflicting.ID,
		Operation:    identity.OpResolveIdentityConflict,
		Status:       identity.CompensationPending,
		ErrorMessage: &msg,
		CreatedAt:    h.now(),
	}
	if err := h.comp.Upsert(ctx, entry); err != nil {
		return fmt.Errorf("failed to record identity conflict for user %s: %w", conflicting.ID, err)
	}
	h.metrics.CompensationsCreated.WithLabelValues(string(identity.OpResolveIdentityConflict)).Inc()
	return nil
}
