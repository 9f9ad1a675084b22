// Package reconcile implements the periodic reconciliation job that detects
// and repairs drift between the local user store and the identity provider.
//
// A run executes four ordered phases:
//
//  1. retry outstanding compensation log entries
//  2. deactivate local users whose provider identity is gone
//  3. materialize local users for provider-only identities
//  4. re-push the local role set where the provider diverged
//
// The local store is authoritative for roles; corrections always flow
// local-to-provider. Row-level failures are isolated and counted, never
// aborting the run. A Redis lease keeps runs single-flight across replicas,
// and a cron scheduler triggers runs on a fixed schedule.
package reconcile
