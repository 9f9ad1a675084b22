// Package sync implements the event-driven pathways that keep the local
// user store and the identity provider aligned.
//
// # Overview
//
// Three components react to external events:
//
//   - RegistrationHandler consumes identity-confirmed events and guarantees
//     exactly one active local user linked to each provider identity.
//   - ClaimEnricher answers pre-token-issuance lookups with the local,
//     authoritative role set, falling back to cached claims when the user
//     store is unavailable.
//   - RoleSyncSaga applies local role changes and pushes them to the
//     provider. It is a forward-recovery saga: the local write is the
//     durable fact and is never rolled back; a failed push becomes a
//     compensation log entry retried by the reconciliation job.
//
// Per-user operations are serialized through a keyed mutex pool so a saga
// and a reconciliation correction for the same user cannot interleave.
package sync
