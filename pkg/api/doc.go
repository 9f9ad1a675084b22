// Package api exposes the engine's internal HTTP surface.
//
// All routes live under /api/v1/internal and require the X-Internal-Auth
// header; the API is meant for the platform's own services (provider event
// forwarders, token issuance hooks, operator tooling), never for end users.
//
// Endpoints:
//
//	POST /api/v1/internal/hooks/identity-confirmed    registration events
//	POST /api/v1/internal/hooks/pre-token-issuance    claim enrichment
//	POST /api/v1/internal/users/{id}/roles            role change saga
//	GET  /api/v1/internal/users/by-email/{email}      user lookup
//	GET  /api/v1/internal/users/{id}/roles/history    role audit trail
//	GET  /api/v1/internal/users/{id}/compensation-logs
//	POST /api/v1/internal/reconciliation/trigger      run now (409 if running)
//	GET  /api/v1/internal/reconciliation/status       is a run in flight
//	GET  /api/v1/internal/reconciliation/latest-report
package api
