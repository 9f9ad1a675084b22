// Package config provides application configuration management from environment variables.
//
// # Overview
//
// This package loads and validates configuration from environment variables with
// sensible defaults for all settings. All variables share the RECON_ prefix.
//
// # Configuration Structure
//
// Server settings:
//
//	RECON_HOST="0.0.0.0"
//	RECON_PORT="8080"
//	RECON_HEALTH_PORT="8081"
//	RECON_INTERNAL_API_KEY="..."   # required, authenticates internal callers
//
// Database and Redis settings:
//
//	RECON_POSTGRES_URL="postgres://localhost/reconciler"
//	RECON_POSTGRES_MAX_CONNS="10"
//	RECON_REDIS_ADDR="localhost:6379"
//	RECON_REDIS_DB="0"
//
// Identity provider settings:
//
//	RECON_IDP="cognito"            # cognito, memory
//	RECON_COGNITO_REGION="eu-central-1"
//	RECON_COGNITO_USER_POOL_ID="eu-central-1_XXXX"
//	RECON_IDP_CALL_TIMEOUT="10s"
//
// Reconciliation job settings:
//
//	RECON_SCHEDULE="0 3 * * *"     # cron expression, daily at 03:00 by default
//	RECON_MAX_RETRIES="5"
//	RECON_DEFAULT_ROLE="ATTENDEE"
//	RECON_WORKERS="4"
//	RECON_LEASE_TTL="10m"
//
// Observability settings:
//
//	RECON_LOG_LEVEL="info"         # debug, info, warn, error
//	RECON_METRICS_ENABLED="true"
package config
