// Package storage defines the persistence interfaces of the reconciliation
// engine and an in-memory implementation used by tests and local runs.
//
// # Overview
//
// Three stores back the engine:
//
//   - UserRepository owns users and their role-assignment history. Every
//     mutation is a single-row ACID transaction guarded by an optimistic
//     version check, so a concurrent saga and reconciliation correction for
//     the same user cannot interleave into an inconsistent history.
//   - CompensationLogStore owns the append/update audit log of failed
//     cross-system writes. Entries are never deleted.
//   - ReportStore keeps reconciliation run reports.
//
// The postgres subpackage provides the production implementation on lib/pq.
package storage
