package reconcile

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/batbern/identity-reconciler/pkg/identity"
	"github.com/batbern/identity-reconciler/pkg/idp"
	"github.com/batbern/identity-reconciler/pkg/observability"
	"github.com/batbern/identity-reconciler/pkg/storage"
	usersync "github.com/batbern/identity-reconciler/pkg/sync"
)

// adoptionNamespace derives stable local user IDs from provider identity
// IDs, so a failed adoption and its later retry target the same user row.
var adoptionNamespace = uuid.MustParse("9e336cf0-4f60-4f77-a3de-1f1a41a2c451")

// Config tunes one reconciler instance.
type Config struct {
	// MaxRetries caps compensation retries before an entry is abandoned.
	MaxRetries int

	// DefaultRole is assigned to users materialized for provider-only
	// identities.
	DefaultRole identity.Role

	// Workers bounds concurrent role-mismatch repairs.
	Workers int
}

// DefaultConfig returns the standard reconciler configuration.
func DefaultConfig() Config {
	return Config{
		MaxRetries:  5,
		DefaultRole: identity.RoleAttendee,
		Workers:     4,
	}
}

// Reconciler executes reconciliation runs. It shares the per-user lock pool
// with the saga and registration handler so corrections never interleave
// with live role changes for the same user.
type Reconciler struct {
	users    storage.UserRepository
	comp     storage.CompensationLogStore
	reports  storage.ReportStore
	provider idp.Provider
	locks    *usersync.KeyedMutex
	cfg      Config
	metrics  *observability.Metrics
	logger   *observability.Logger
	now      func() time.Time
}

// NewReconciler creates a reconciler.
func NewReconciler(users storage.UserRepository, comp storage.CompensationLogStore, reports storage.ReportStore, provider idp.Provider, locks *usersync.KeyedMutex, cfg Config, metrics *observability.Metrics, logger *observability.Logger) *Reconciler {
	return &Reconciler{
		users:    users,
		comp:     comp,
		reports:  reports,
		provider: provider,
		locks:    locks,
		cfg:      cfg,
		metrics:  metrics,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run executes one reconciliation run and persists its report. Cancelling
// ctx stops the run between rows and yields a PARTIAL report; only a run
// that could not execute at all (provider unreachable) is FAILED.
func (r *Reconciler) Run(ctx context.Context) (*identity.ReconciliationReport, error) {
	runID := uuid.NewString()
	ctx = observability.WithRunID(ctx, runID)
	log := r.logger.WithField("run_id", runID)
	started := r.now()

	report := &identity.ReconciliationReport{
		ID:        runID,
		Status:    identity.ReportSuccess,
		StartedAt: started,
	}
	log.Info("reconciliation run started")

	err := r.run(ctx, log, report)
	report.DurationMs = r.now().Sub(started).Milliseconds()

	switch {
	case err != nil:
		report.Status = identity.ReportFailed
		report.Error = err.Error()
	case ctx.Err() != nil || report.RowErrors > 0:
		report.Status = identity.ReportPartial
	}

	r.metrics.ReconciliationRunsTotal.WithLabelValues(string(report.Status)).Inc()
	r.metrics.ReconciliationDuration.Observe(float64(report.DurationMs) / 1000.0)

	if saveErr := r.reports.SaveReport(context.WithoutCancel(ctx), report); saveErr != nil {
		log.WithError(saveErr).Error("failed to save reconciliation report")
	}

	log.WithFields(map[string]interface{}{
		"status":       string(report.Status),
		"duration_ms":  report.DurationMs,
		"orphaned":     report.Metrics.OrphanedUsersDetected,
		"created":      report.Metrics.MissingDBUsersCreated,
		"mismatches":   report.Metrics.RoleMismatchesFixed,
		"comp_retried": report.Metrics.CompensationsRetried,
		"row_errors":   report.RowErrors,
	}).Info("reconciliation run finished")
	return report, err
}

func (r *Reconciler) run(ctx context.Context, log *observability.Logger, report *identity.ReconciliationReport) error {
	snapshot, err := r.snapshotProvider(ctx)
	if err != nil {
		// An aborted run is PARTIAL, not a provider outage.
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("provider unreachable: %w", err)
	}
	log.WithField("identities", len(snapshot)).Debug("provider snapshot taken")

	r.retryCompensations(ctx, log, report)
	if ctx.Err() != nil {
		return nil
	}
	r.deactivateOrphans(ctx, log, report, snapshot)
	if ctx.Err() != nil {
		return nil
	}
	r.adoptMissingIdentities(ctx, log, report, snapshot)
	if ctx.Err() != nil {
		return nil
	}
	r.repairRoleMismatches(ctx, log, report, snapshot)
	return nil
}

func (r *Reconciler) snapshotProvider(ctx context.Context) (map[string]identity.IdentityRecord, error) {
	snapshot := make(map[string]identity.IdentityRecord)
	err := r.provider.ListAll(ctx, func(rec identity.IdentityRecord) error {
		snapshot[rec.IdentityID] = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

func (r *Reconciler) rowError(log *observability.Logger, report *identity.ReconciliationReport, err error, msg string) {
	log.WithError(err).Error(msg)
	report.RowErrors++
	r.metrics.ReconciliationRowErrors.Inc()
}

// retryCompensations re-attempts every outstanding compensation log entry.
// Each attempt either resolves the entry or bumps its retry count, flipping
// it to FAILED_PERMANENT once the cap is reached.
func (r *Reconciler) retryCompensations(ctx context.Context, log *observability.Logger, report *identity.ReconciliationReport) {
	entries, err := r.comp.ListPending(ctx)
	if err != nil {
		r.rowError(log, report, err, "failed to list pending compensations")
		return
	}

	pending := 0
	for i := range entries {
		if ctx.Err() != nil {
			return
		}
		entry := entries[i]
		if !entry.Outstanding(r.cfg.MaxRetries) {
			pending++
			continue
		}

		report.Metrics.CompensationsRetried++
		r.metrics.CompensationsRetried.Inc()
		entryLog := log.WithFields(map[string]interface{}{
			"entry_id":  entry.ID,
			"user_id":   entry.UserID,
			"operation": string(entry.Operation),
		})

		now := r.now()
		if attemptErr := r.executeCompensation(ctx, &entry); attemptErr != nil {
			entry.RecordFailure(attemptErr, r.cfg.MaxRetries, now)
			if entry.Status == identity.CompensationFailedPermanent {
				r.metrics.CompensationsAbandoned.Inc()
				entryLog.WithError(attemptErr).Error("compensation abandoned after retry cap")
			} else {
				pending++
				entryLog.WithError(attemptErr).Warn("compensation retry failed")
			}
			report.RowErrors++
			r.metrics.ReconciliationRowErrors.Inc()
		} else {
			entry.RecordSuccess(now)
			r.metrics.CompensationsResolved.Inc()
			entryLog.Info("compensation resolved")
		}

		if err := r.comp.Upsert(ctx, &entry); err != nil {
			r.rowError(entryLog, report, err, "failed to persist compensation attempt")
		}
	}
	r.metrics.CompensationsPending.Set(float64(pending))
}

func (r *Reconciler) executeCompensation(ctx context.Context, entry *identity.CompensationLogEntry) error {
	switch entry.Operation {
	case identity.OpPushRoleToIdP, identity.OpRepairRoleMismatch:
		unlock := r.locks.Lock(entry.UserID)
		defer unlock()
		user, err := r.users.GetByID(ctx, entry.UserID)
		if err != nil {
			return err
		}
		if !user.Active {
			// Deactivation supersedes any outstanding push.
			return nil
		}
		return usersync.PushRoles(ctx, r.provider, r.users, user, r.now())
	case identity.OpCreateLocalUser:
		// The adoption phase owns the actual creation; the entry resolves
		// once the user row exists.
		if _, err := r.users.GetByID(ctx, entry.UserID); err != nil {
			return fmt.Errorf("local user still missing: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("no automatic handler for operation %s", entry.Operation)
	}
}

// deactivateOrphans deactivates local users whose linked identity is gone.
// The snapshot is double-checked against the live provider so a sign-up that
// raced the snapshot is not misread as a deletion.
func (r *Reconciler) deactivateOrphans(ctx context.Context, log *observability.Logger, report *identity.ReconciliationReport, snapshot map[string]identity.IdentityRecord) {
	users, err := r.users.ListLinked(ctx)
	if err != nil {
		r.rowError(log, report, err, "failed to list linked users")
		return
	}

	for i := range users {
		if ctx.Err() != nil {
			return
		}
		u := users[i]
		if _, ok := snapshot[*u.IdentityID]; ok {
			continue
		}
		exists, err := r.provider.IdentityExists(ctx, *u.IdentityID)
		if err != nil {
			r.rowError(log, report, err, "failed to confirm identity deletion")
			continue
		}
		if exists {
			continue
		}

		if err := r.deactivateUser(ctx, u.ID); err != nil {
			if errors.Is(err, identity.ErrVersionConflict) {
				log.WithField("user_id", u.ID).Debug("user changed concurrently, skipping deactivation")
				continue
			}
			r.rowError(log, report, err, "failed to deactivate orphaned user")
			continue
		}

		drift := identity.Drift{Kind: identity.DriftOrphanedUser, User: &u}
		log.WithField("user_id", u.ID).Info(drift.String())
		report.Metrics.OrphanedUsersDetected++
		r.metrics.OrphanedUsersDetected.Inc()
	}
}

func (r *Reconciler) deactivateUser(ctx context.Context, userID string) error {
	unlock := r.locks.Lock(userID)
	defer unlock()
	user, err := r.users.GetByID(ctx, userID)
	if err != nil {
		return err
	}
	if !user.Active {
		return nil
	}
	return r.users.Deactivate(ctx, user.ID, identity.DeactivationReasonIdentityDeleted, user.Version)
}

// adoptMissingIdentities materializes local users for identities that exist
// only on the provider side.
func (r *Reconciler) adoptMissingIdentities(ctx context.Context, log *observability.Logger, report *identity.ReconciliationReport, snapshot map[string]identity.IdentityRecord) {
	for _, rec := range snapshot {
		if ctx.Err() != nil {
			return
		}
		_, err := r.users.GetByIdentityID(ctx, rec.IdentityID)
		if err == nil {
			continue
		}
		if !errors.Is(err, identity.ErrUserNotFound) {
			r.rowError(log, report, err, "failed to look up identity link")
			continue
		}
		r.adoptIdentity(ctx, log, report, rec)
	}
}

func (r *Reconciler) adoptIdentity(ctx context.Context, log *observability.Logger, report *identity.ReconciliationReport, rec identity.IdentityRecord) {
	unlock := r.locks.Lock(rec.Email)
	defer unlock()

	drift := identity.Drift{Kind: identity.DriftMissingLocalUser, Identity: &rec}
	adoptLog := log.WithFields(map[string]interface{}{
		"idp_identity_id": rec.IdentityID,
		"email":           rec.Email,
	})

	existing, err := r.users.GetByEmail(ctx, rec.Email)
	if err == nil && existing.Active {
		if existing.IdentityID == nil {
			if err := r.users.LinkIdentity(ctx, existing.ID, rec.IdentityID, existing.Version); err != nil {
				r.rowError(adoptLog, report, err, "failed to link identity during adoption")
				return
			}
			adoptLog.WithField("user_id", existing.ID).Info("linked provider-only identity to existing user")
			return
		}
		// Same email, different identity. Needs an operator, not a guess.
		r.recordCompensation(ctx, adoptLog, &identity.CompensationLogEntry{
			ID:        uuid.NewString(),
			UserID:    existing.ID,
			Operation: identity.OpResolveIdentityConflict,
			Status:    identity.CompensationPending,
			CreatedAt: r.now(),
		}, fmt.Sprintf("identity %s holds email %s already linked to identity %s", rec.IdentityID, rec.Email, *existing.IdentityID))
		adoptLog.Warn("identity conflict detected during adoption")
		return
	}
	if err != nil && !errors.Is(err, identity.ErrUserNotFound) {
		r.rowError(adoptLog, report, err, "failed to look up user by email during adoption")
		return
	}

	user := &identity.User{
		ID:         uuid.NewSHA1(adoptionNamespace, []byte(rec.IdentityID)).String(),
		Email:      rec.Email,
		IdentityID: &rec.IdentityID,
	}
	if err := r.users.Create(ctx, user, r.cfg.DefaultRole); err != nil {
		r.recordCompensation(ctx, adoptLog, &identity.CompensationLogEntry{
			ID:        uuid.NewString(),
			UserID:    user.ID,
			Operation: identity.OpCreateLocalUser,
			Status:    identity.CompensationPending,
			CreatedAt: r.now(),
		}, err.Error())
		r.rowError(adoptLog, report, err, "failed to create user for provider-only identity")
		return
	}

	adoptLog.WithField("user_id", user.ID).Info(drift.String())
	report.Metrics.MissingDBUsersCreated++
	r.metrics.MissingUsersCreated.Inc()
}

func (r *Reconciler) recordCompensation(ctx context.Context, log *observability.Logger, entry *identity.CompensationLogEntry, msg string) {
	entry.ErrorMessage = &msg
	if err := r.comp.Upsert(context.WithoutCancel(ctx), entry); err != nil {
		log.WithError(err).Error("failed to record compensation entry")
		return
	}
	r.metrics.CompensationsCreated.WithLabelValues(string(entry.Operation)).Inc()
}

// repairRoleMismatches re-pushes the local role set wherever the provider's
// stored attributes diverged from it. Repairs run on a bounded worker pool;
// each worker re-reads the user under its lock before pushing.
func (r *Reconciler) repairRoleMismatches(ctx context.Context, log *observability.Logger, report *identity.ReconciliationReport, snapshot map[string]identity.IdentityRecord) {
	users, err := r.users.ListLinked(ctx)
	if err != nil {
		r.rowError(log, report, err, "failed to list linked users")
		return
	}

	var mu gosync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Workers)

	for i := range users {
		u := users[i]
		rec, ok := snapshot[*u.IdentityID]
		if !ok {
			continue
		}
		g.Go(func() error {
			fixed, repairErr := r.repairUser(gctx, u, rec)
			mu.Lock()
			defer mu.Unlock()
			if repairErr != nil {
				r.rowError(log.WithField("user_id", u.ID), report, repairErr, "failed to repair role mismatch")
				return nil
			}
			if fixed {
				drift := identity.Drift{Kind: identity.DriftRoleMismatch, User: &u, Identity: &rec, LocalRoles: u.Roles}
				if providerRoles, decodeErr := rec.Roles(); decodeErr == nil {
					drift.ProviderRoles = providerRoles
				}
				log.WithField("user_id", u.ID).Info(drift.String())
				report.Metrics.RoleMismatchesFixed++
				r.metrics.RoleMismatchesFixed.Inc()
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (r *Reconciler) repairUser(ctx context.Context, u identity.User, rec identity.IdentityRecord) (bool, error) {
	mismatch, err := r.detectMismatch(ctx, u, rec)
	if err != nil {
		return false, err
	}
	if !mismatch {
		return false, nil
	}

	unlock := r.locks.Lock(u.ID)
	defer unlock()

	// Re-read under the lock: the user may have changed since the listing.
	fresh, err := r.users.GetByID(ctx, u.ID)
	if err != nil {
		return false, err
	}
	if !fresh.Active || fresh.IdentityID == nil {
		return false, nil
	}
	if err := usersync.PushRoles(ctx, r.provider, r.users, fresh, r.now()); err != nil {
		role := primaryRole(fresh.Roles)
		r.recordCompensation(ctx, r.logger.WithField("user_id", fresh.ID), &identity.CompensationLogEntry{
			ID:         uuid.NewString(),
			UserID:     fresh.ID,
			Operation:  identity.OpRepairRoleMismatch,
			TargetRole: role,
			Status:     identity.CompensationPending,
			CreatedAt:  r.now(),
		}, err.Error())
		return false, err
	}
	return true, nil
}

// detectMismatch compares the provider's stored role attributes against the
// local role set. An unparseable attribute counts as a mismatch so it gets
// overwritten with the authoritative local encoding.
func (r *Reconciler) detectMismatch(ctx context.Context, u identity.User, rec identity.IdentityRecord) (bool, error) {
	providerRoles, err := rec.Roles()
	if err != nil {
		return true, nil
	}
	if !identity.RolesEqual(u.Roles, providerRoles) {
		return true, nil
	}

	localEvents, err := r.users.OpenEventRoles(ctx, u.ID)
	if err != nil {
		return false, err
	}
	providerEvents, err := idp.DecodeEventRoles(rec.Attributes[identity.AttrEventRoles])
	if err != nil {
		return true, nil
	}
	return !eventRolesEqual(localEvents, providerEvents), nil
}

func eventRolesEqual(a, b map[string]identity.Role) bool {
	if len(a) != len(b) {
		return false
	}
	for eventID, role := range a {
		if b[eventID] != role {
			return false
		}
	}
	return true
}

func primaryRole(roles []identity.Role) *identity.Role {
	if len(roles) == 0 {
		return nil
	}
	role := roles[0]
	return &role
}
