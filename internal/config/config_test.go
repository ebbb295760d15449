package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	os.Unsetenv("DATABASE_URL")
	os.Unsetenv("HTTP_LISTEN_ADDR")
	os.Unsetenv("PROXY_LISTEN_ADDR")
	os.Unsetenv("LOG_LEVEL")
	os.Unsetenv("SPAWN_TIMEOUT")
	os.Unsetenv("TOKEN_CACHE_MAX_AGE")
	os.Unsetenv("CONSECUTIVE_FAILURE_LIMIT")

	cfg, err := Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "127.0.0.1:8081", cfg.HTTPListenAddr)
	assert.Equal(t, ":8000", cfg.ProxyListenAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "dummy", cfg.Authenticator)
	assert.Equal(t, "local", cfg.Spawner)
	assert.Equal(t, 120*time.Second, cfg.SpawnTimeout)
	assert.Equal(t, 10*time.Second, cfg.SlowSpawnTimeout)
	assert.Equal(t, 30*time.Second, cfg.OAuthCodeTTL)
	assert.Equal(t, 5*time.Minute, cfg.TokenCacheMaxAge)
	assert.Equal(t, 5, cfg.ConsecutiveFailureLimit)
	assert.Equal(t, 4, cfg.ProxyRetryMax)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/notehub")
	t.Setenv("HTTP_LISTEN_ADDR", ":9001")
	t.Setenv("SPAWN_TIMEOUT", "45s")
	t.Setenv("TOKEN_CACHE_MAX_AGE", "90s")
	t.Setenv("CONSECUTIVE_FAILURE_LIMIT", "2")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres://localhost:5432/notehub", cfg.DatabaseURL)
	assert.Equal(t, ":9001", cfg.HTTPListenAddr)
	assert.Equal(t, 45*time.Second, cfg.SpawnTimeout)
	assert.Equal(t, 90*time.Second, cfg.TokenCacheMaxAge)
	assert.Equal(t, 2, cfg.ConsecutiveFailureLimit)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoad_InvalidDurationFallsBack(t *testing.T) {
	t.Setenv("SPAWN_TIMEOUT", "not-a-duration")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 120*time.Second, cfg.SpawnTimeout)
}

func TestValidate_RequiresDatabaseURL(t *testing.T) {
	os.Unsetenv("DATABASE_URL")

	cfg, err := Load()
	require.NoError(t, err)

	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func TestValidate_OK(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/notehub")

	cfg, err := Load()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
}

func TestParseServiceAccounts(t *testing.T) {
	env := map[string]string{
		"SERVICE_TOKEN_CULLER":          "nh_culler_token",
		"SERVICE_TOKEN_BACKUP_RUNNER":   "nh_backup_token",
		"SERVICE_OAUTH_REDIRECT_CULLER": "http://culler:9090/oauth_callback",
	}
	getenv := func(key string) string { return env[key] }

	accounts, err := parseServiceAccounts("culler:admin, backup-runner", getenv)
	require.NoError(t, err)
	require.Len(t, accounts, 2)

	assert.Equal(t, "culler", accounts[0].Name)
	assert.True(t, accounts[0].Admin)
	assert.Equal(t, "nh_culler_token", accounts[0].Token)
	assert.Equal(t, "http://culler:9090/oauth_callback", accounts[0].OAuthRedirect)

	assert.Equal(t, "backup-runner", accounts[1].Name)
	assert.False(t, accounts[1].Admin)
	assert.Equal(t, "nh_backup_token", accounts[1].Token)
	assert.Empty(t, accounts[1].OAuthRedirect)
}

func TestParseServiceAccounts_MissingToken(t *testing.T) {
	_, err := parseServiceAccounts("culler", func(string) string { return "" })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SERVICE_TOKEN_CULLER")
}

func TestParseServiceAccounts_UnknownFlag(t *testing.T) {
	_, err := parseServiceAccounts("culler:root", func(string) string { return "nh_x" })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown flag")
}

func TestParseServiceAccounts_Empty(t *testing.T) {
	accounts, err := parseServiceAccounts("", func(string) string { return "" })
	require.NoError(t, err)
	assert.Nil(t, accounts)
}
