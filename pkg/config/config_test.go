package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm/actiongate/pkg/contracts"
	"github.com/Mindburn-Labs/helm/actiongate/pkg/executor"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "actiongate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func executorWebhook(kind, endpoint string) executor.WebhookConfig {
	return executor.WebhookConfig{Kind: kind, Endpoint: endpoint}
}

// TestLoad_Defaults verifies the engine boots with the documented defaults.
func TestLoad_Defaults(t *testing.T) {
	t.Setenv("ACTIONGATE_VAULT_ROOT", "")
	t.Setenv("ACTIONGATE_STORE_BACKEND", "")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "./vault", cfg.VaultRoot)
	assert.Equal(t, filepath.Join("vault", "Logs"), filepath.Clean(cfg.AuditDir))
	assert.Equal(t, BackendFile, cfg.Store.Backend)
	assert.Equal(t, 24*time.Hour, cfg.Approval.Timeout)
	assert.Equal(t, 10*time.Second, cfg.Engine.DecisionPollInterval)
	assert.Equal(t, 30*time.Second, cfg.Engine.ExpirySweepInterval)
	assert.Equal(t, 5*time.Second, cfg.Engine.DispatchSweepInterval)
	assert.Equal(t, 30*time.Second, cfg.Dispatch.CallTimeout)
	assert.Equal(t, 2*time.Second, cfg.Retry.Base)
	assert.Equal(t, 3, cfg.Retry.MaxRetries)
	assert.InDelta(t, 0.25, cfg.Retry.JitterFraction, 1e-9)
	assert.Equal(t, 512, cfg.Redaction.MaxValueBytes)
	assert.False(t, cfg.Telemetry.Enabled)
	assert.Contains(t, cfg.Risk.Defaults, contracts.ActionSendPayment)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
vault_root: /srv/vault
store:
  backend: sqlite
  dsn: /srv/vault/actions.db
approval:
  timeout: 12h
engine:
  dispatch_sweep_interval: 2s
dispatch:
  call_timeout: 10s
  kind_limits:
    linkedin: 1
retry:
  base: 1s
  max_retries: 5
  max_total_delay: 10m
  jitter_fraction: 0.1
redaction:
  sensitive_keys: [iban]
risk:
  rules:
    - name: internal
      when: 'action_type == "send_message"'
      level: low
      requires_approval: false
executors:
  webhooks:
    - kind: linkedin
      endpoint: https://hooks.example.com/linkedin
      rate_per_second: 0.5
  smtp:
    addr: mail.example.com:587
    from: bot@example.com
dedup:
  backend: redis
  redis_addr: localhost:6379
  ttl: 48h
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/srv/vault", cfg.VaultRoot)
	assert.Equal(t, "/srv/vault/Logs", cfg.AuditDir)
	assert.Equal(t, BackendSQLite, cfg.Store.Backend)
	assert.Equal(t, 12*time.Hour, cfg.Approval.Timeout)
	assert.Equal(t, 2*time.Second, cfg.Engine.DispatchSweepInterval)
	assert.Equal(t, 10*time.Second, cfg.Engine.DecisionPollInterval, "unset fields keep defaults")
	assert.Equal(t, 10*time.Second, cfg.Dispatch.CallTimeout)
	assert.Equal(t, 1, cfg.Dispatch.KindLimits["linkedin"])
	assert.Equal(t, 5, cfg.Retry.MaxRetries)
	assert.Equal(t, 10*time.Minute, cfg.Retry.MaxTotalDelay)
	assert.Equal(t, []string{"iban"}, cfg.Redaction.SensitiveKeys)
	require.Len(t, cfg.Risk.Rules, 1)
	assert.Equal(t, "internal", cfg.Risk.Rules[0].Name)
	assert.Contains(t, cfg.Risk.Defaults, contracts.ActionPublishPost, "defaults survive partial risk config")
	require.Len(t, cfg.Executors.Webhooks, 1)
	assert.InDelta(t, 0.5, cfg.Executors.Webhooks[0].RatePerSecond, 1e-9)
	require.NotNil(t, cfg.Executors.SMTP)
	assert.Equal(t, DedupRedis, cfg.Dedup.Backend)
	assert.Equal(t, 48*time.Hour, cfg.Dedup.TTL)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, `
executors:
  webhooks:
    - kind: x-social
      endpoint: https://hooks.example.com/x
  smtp:
    addr: mail.example.com:587
    from: bot@example.com
`)
	t.Setenv("ACTIONGATE_VAULT_ROOT", "/data/vault")
	t.Setenv("ACTIONGATE_STORE_BACKEND", "postgres")
	t.Setenv("ACTIONGATE_STORE_DSN", "postgres://actiongate@db/actiongate?sslmode=disable")
	t.Setenv("ACTIONGATE_APPROVAL_TIMEOUT", "1h")
	t.Setenv("ACTIONGATE_TELEMETRY_ENABLED", "true")
	t.Setenv("ACTIONGATE_SMTP_PASSWORD", "hunter2")
	t.Setenv("ACTIONGATE_WEBHOOK_X_SOCIAL_TOKEN", "tok")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/data/vault", cfg.VaultRoot)
	assert.Equal(t, BackendPostgres, cfg.Store.Backend)
	assert.Equal(t, time.Hour, cfg.Approval.Timeout)
	assert.True(t, cfg.Telemetry.Enabled)
	assert.Equal(t, "hunter2", cfg.Executors.SMTP.Password)
	assert.Equal(t, "tok", cfg.Executors.Webhooks[0].Token)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	_, err = Load(writeConfig(t, "store: [unclosed"))
	require.Error(t, err)

	t.Setenv("ACTIONGATE_CALL_TIMEOUT", "soon")
	_, err = Load("")
	require.ErrorContains(t, err, "ACTIONGATE_CALL_TIMEOUT")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown backend", func(c *Config) { c.Store.Backend = "mongo" }, "unknown store backend"},
		{"sqlite without dsn", func(c *Config) { c.Store.Backend = BackendSQLite }, "store.dsn"},
		{"zero poll interval", func(c *Config) { c.Engine.DecisionPollInterval = 0 }, "decision_poll_interval"},
		{"negative timeout", func(c *Config) { c.Approval.Timeout = -time.Second }, "approval.timeout"},
		{"jitter too wide", func(c *Config) { c.Retry.JitterFraction = 0.5 }, "jitter_fraction"},
		{"redis without addr", func(c *Config) { c.Dedup.Backend = DedupRedis }, "redis_addr"},
		{"webhook without endpoint", func(c *Config) {
			c.Executors.Webhooks = append(c.Executors.Webhooks, executorWebhook("x", ""))
		}, "kind and endpoint"},
		{"duplicate kinds", func(c *Config) {
			c.Executors.Webhooks = append(c.Executors.Webhooks, executorWebhook("x", "http://a"), executorWebhook("x", "http://b"))
		}, "duplicate executor kind"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
	require.NoError(t, Default().Validate())
}
