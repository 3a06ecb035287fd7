package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, int64(24*60*60*1e9), int64(cfg.TokenTTL))
	assert.Equal(t, "development", cfg.Env)
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)
}

func TestValidate_RefusesDefaultSecretInProduction(t *testing.T) {
	clearEnv(t)
	os.Setenv("APP_ENV", "production")
	defer os.Unsetenv("APP_ENV")

	_, err := Load()
	assert.Error(t, err)
}

func TestValidate_AllowsExplicitSecretInProduction(t *testing.T) {
	clearEnv(t)
	os.Setenv("APP_ENV", "production")
	os.Setenv("TOKEN_SIGNING_SECRET", "a-real-secret")
	defer os.Unsetenv("APP_ENV")
	defer os.Unsetenv("TOKEN_SIGNING_SECRET")

	_, err := Load()
	assert.NoError(t, err)
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"DATABASE_URL", "REDIS_HOST", "REDIS_PORT", "REDIS_DB", "HTTP_ADDR",
		"CORS_ALLOWED_ORIGINS", "RATE_LIMIT_RPM", "RATE_LIMIT_ENABLED",
		"TOKEN_SIGNING_SECRET", "TOKEN_TTL_HOURS", "HEARTBEAT_TTL_SECONDS",
		"HEARTBEAT_SWEEP_PERIOD_SECONDS", "WAITING_DRAIN_PERIOD_SECONDS",
		"TIMEOUT_TRANSFER_PERIOD_SECONDS", "TIMEOUT_TRANSFER_THRESHOLD_MINUTES",
		"LOG_LEVEL", "LOG_PRETTY", "APP_ENV",
	} {
		os.Unsetenv(k)
	}
}
