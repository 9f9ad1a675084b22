package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batbern/identity-reconciler/pkg/identity"
	"github.com/batbern/identity-reconciler/pkg/observability"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("RECON_INTERNAL_API_KEY", "secret")
	t.Setenv("RECON_POSTGRES_URL", "postgres://localhost/reconciler")
	t.Setenv("RECON_IDP", ProviderMemory)
}

func TestLoadConfig_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "8081", cfg.Server.HealthPort)
	assert.Equal(t, "0 3 * * *", cfg.Job.Schedule)
	assert.Equal(t, 5, cfg.Job.MaxRetries)
	assert.Equal(t, identity.RoleAttendee, cfg.Job.DefaultRole)
	assert.Equal(t, 10*time.Minute, cfg.Job.LeaseTTL)
	assert.Equal(t, observability.InfoLevel, cfg.Observability.LogLevel)
	assert.True(t, cfg.Observability.MetricsEnabled)
}

func TestLoadConfig_Overrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("RECON_PORT", "9000")
	t.Setenv("RECON_MAX_RETRIES", "3")
	t.Setenv("RECON_DEFAULT_ROLE", "SPEAKER")
	t.Setenv("RECON_LOG_LEVEL", "debug")
	t.Setenv("RECON_LEASE_TTL", "5m")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Server.Port)
	assert.Equal(t, 3, cfg.Job.MaxRetries)
	assert.Equal(t, identity.RoleSpeaker, cfg.Job.DefaultRole)
	assert.Equal(t, observability.DebugLevel, cfg.Observability.LogLevel)
	assert.Equal(t, 5*time.Minute, cfg.Job.LeaseTTL)
}

func TestLoadConfig_MissingAPIKey(t *testing.T) {
	t.Setenv("RECON_POSTGRES_URL", "postgres://localhost/reconciler")
	t.Setenv("RECON_IDP", ProviderMemory)
	os.Unsetenv("RECON_INTERNAL_API_KEY")

	_, err := LoadConfig()
	assert.Error(t, err)
}

func TestLoadConfig_CognitoRequiresUserPool(t *testing.T) {
	t.Setenv("RECON_INTERNAL_API_KEY", "secret")
	t.Setenv("RECON_POSTGRES_URL", "postgres://localhost/reconciler")
	t.Setenv("RECON_IDP", ProviderCognito)
	os.Unsetenv("RECON_COGNITO_USER_POOL_ID")

	_, err := LoadConfig()
	assert.Error(t, err)
}

func TestLoadConfig_InvalidDefaultRole(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("RECON_DEFAULT_ROLE", "SUPERADMIN")

	_, err := LoadConfig()
	assert.Error(t, err)
}

func TestLoadConfig_InvalidProvider(t *testing.T) {
	t.Setenv("RECON_INTERNAL_API_KEY", "secret")
	t.Setenv("RECON_POSTGRES_URL", "postgres://localhost/reconciler")
	t.Setenv("RECON_IDP", "ldap")

	_, err := LoadConfig()
	assert.Error(t, err)
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("TEST_STR", "value")
	assert.Equal(t, "value", getEnv("TEST_STR", "default"))
	assert.Equal(t, "default", getEnv("TEST_STR_UNSET", "default"))

	t.Setenv("TEST_BOOL", "1")
	assert.True(t, getEnvBool("TEST_BOOL", false))
	assert.True(t, getEnvBool("TEST_BOOL_UNSET", true))

	t.Setenv("TEST_INT", "42")
	assert.Equal(t, 42, getEnvInt("TEST_INT", 1))
	t.Setenv("TEST_INT_BAD", "nope")
	assert.Equal(t, 7, getEnvInt("TEST_INT_BAD", 7))

	t.Setenv("TEST_DUR", "90s")
	assert.Equal(t, 90*time.Second, getEnvDuration("TEST_DUR", time.Minute))
}
