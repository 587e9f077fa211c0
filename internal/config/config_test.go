package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsAndLegacyEnv(t *testing.T) {
	t.Setenv("JWT_SECRET", "access-secret")
	t.Setenv("N8N_URL", "http://n8n:5678/")

	cfg, err := Load("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	require.Equal(t, "access-secret", cfg.Auth.JWTSecret)
	require.Equal(t, "access-secret", cfg.Auth.JWTRefreshSecret, "refresh secret falls back to access secret")
	require.Equal(t, "http://n8n:5678", cfg.Workflow.EngineURL)
	require.Equal(t, 15*time.Minute, cfg.Auth.AccessTTL)
	require.Equal(t, 7*24*time.Hour, cfg.Auth.RefreshTTL)
	require.Equal(t, 5, cfg.Auth.MaxRefreshTokens)
	require.Equal(t, 10*time.Second, cfg.Workflow.Timeout)
	require.Equal(t, DefaultWebhookSecret, cfg.Webhook.Secret)
}

func TestPrefixedEnvWinsOverFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flowbit.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
auth:
  jwt_secret: from-file
  access_ttl: 5m
workflow:
  max_attempts: 7
`), 0o600))

	t.Setenv("FLOWBIT_AUTH_JWT_SECRET", "from-env")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "from-env", cfg.Auth.JWTSecret)
	require.Equal(t, 5*time.Minute, cfg.Auth.AccessTTL)
	require.Equal(t, 7, cfg.Workflow.MaxAttempts)
}

func TestValidateReportsMissingSecret(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	cfg.Auth.JWTSecret = ""
	require.ErrorContains(t, cfg.Validate(), "jwt_secret")
}

func TestDefaultWebhookSecretIsReported(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.True(t, cfg.UsesDefaultWebhookSecret())

	t.Setenv("WEBHOOK_SECRET", "rotated-secret")
	cfg, err = Load("")
	require.NoError(t, err)
	require.False(t, cfg.UsesDefaultWebhookSecret())
}

func TestTrustedProxies(t *testing.T) {
	t.Setenv("JWT_SECRET", "access-secret")
	t.Setenv("FLOWBIT_HTTP_TRUSTED_PROXIES", "10.0.0.0/8, 192.0.2.1")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, []string{"10.0.0.0/8", "192.0.2.1"}, cfg.TrustedProxies)
	require.NoError(t, cfg.Validate())

	cfg.TrustedProxies = append(cfg.TrustedProxies, "lb.internal")
	require.ErrorContains(t, cfg.Validate(), "trusted_proxies")
}
