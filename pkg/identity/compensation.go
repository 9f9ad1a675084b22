package identity

import "time"

// CompensationOperation identifies the corrective write a compensation log
// entry will retry.
type CompensationOperation string

const (
	// OpPushRoleToIdP re-pushes the user's current role encoding to the
	// provider after a failed saga push.
	OpPushRoleToIdP CompensationOperation = "PUSH_ROLE_TO_IDP"

	// OpCreateLocalUser records a failed attempt to materialize a local user
	// for a provider-only identity.
	OpCreateLocalUser CompensationOperation = "CREATE_LOCAL_USER"

	// OpRepairRoleMismatch re-pushes the authoritative local role set after
	// reconciliation found the provider diverged.
	OpRepairRoleMismatch CompensationOperation = "REPAIR_ROLE_MISMATCH"

	// OpResolveIdentityConflict marks a conflict that needs operator
	// attention; it is never retried automatically.
	OpResolveIdentityConflict CompensationOperation = "RESOLVE_IDENTITY_CONFLICT"
)

// CompensationStatus is the lifecycle state of a compensation log entry.
type CompensationStatus string

const (
	CompensationPending         CompensationStatus = "PENDING"
	CompensationRetrying        CompensationStatus = "RETRYING"
	CompensationResolved        CompensationStatus = "RESOLVED"
	CompensationFailedPermanent CompensationStatus = "FAILED_PERMANENT"
)

// CompensationLogEntry is the durable record of a corrective write that
// failed and must be retried. Entries are never deleted; resolution and
// abandonment are recorded in place so the log stays a complete audit trail.
type CompensationLogEntry struct {
	ID            string                `json:"id"`
	UserID        string                `json:"userId"`
	Operation     CompensationOperation `json:"operation"`
	TargetRole    *Role                 `json:"targetRole,omitempty"`
	Status        CompensationStatus    `json:"status"`
	RetryCount    int                   `json:"retryCount"`
	ErrorMessage  *string               `json:"errorMessage,omitempty"`
	CreatedAt     time.Time             `json:"createdAt"`
	LastAttemptAt *time.Time            `json:"lastAttemptAt,omitempty"`
	ResolvedAt    *time.Time            `json:"resolvedAt,omitempty"`
}

// Outstanding reports whether the entry is still eligible for retry under
// the given cap. Conflict-resolution entries always require an operator.
func (e *CompensationLogEntry) Outstanding(maxRetries int) bool {
	if e.Operation == OpResolveIdentityConflict {
		return false
	}
	if e.Status != CompensationPending && e.Status != CompensationRetrying {
		return false
	}
	return e.RetryCount < maxRetries
}

// RecordFailure applies one failed attempt: the retry count goes up and the
// entry either stays retryable or is abandoned once the cap is reached.
func (e *CompensationLogEntry) RecordFailure(err error, maxRetries int, now time.Time) {
	e.RetryCount++
	msg := err.Error()
	e.ErrorMessage = &msg
	e.LastAttemptAt = &now
	if e.RetryCount >= maxRetries {
		e.Status = CompensationFailedPermanent
	} else {
		e.Status = CompensationRetrying
	}
}

// RecordSuccess marks the entry resolved.
func (e *CompensationLogEntry) RecordSuccess(now time.Time) {
	e.Status = CompensationResolved
	e.ErrorMessage = nil
	e.LastAttemptAt = &now
	e.ResolvedAt = &now
}
