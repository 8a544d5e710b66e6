// Package config loads the engine configuration from a YAML file with
// ACTIONGATE_* environment overrides. The result is injected into every
// component at construction; nothing reads configuration at call sites.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/helm/actiongate/pkg/audit"
	"github.com/Mindburn-Labs/helm/actiongate/pkg/dispatch"
	"github.com/Mindburn-Labs/helm/actiongate/pkg/engine"
	"github.com/Mindburn-Labs/helm/actiongate/pkg/executor"
	"github.com/Mindburn-Labs/helm/actiongate/pkg/gate"
	"github.com/Mindburn-Labs/helm/actiongate/pkg/observability"
	"github.com/Mindburn-Labs/helm/actiongate/pkg/retry"
	"github.com/Mindburn-Labs/helm/actiongate/pkg/risk"
)

// Store backends.
const (
	BackendFile     = "file"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Dedup backends.
const (
	DedupNone   = "none"
	DedupMemory = "memory"
	DedupRedis  = "redis"
)

// Config is the complete engine configuration.
type Config struct {
	// VaultRoot holds the status partitions and the Decisions folders.
	VaultRoot string `yaml:"vault_root"`
	// AuditDir defaults to <vault_root>/Logs.
	AuditDir   string `yaml:"audit_dir"`
	LogLevel   string `yaml:"log_level"`
	HealthAddr string `yaml:"health_addr"`

	Store     StoreConfig           `yaml:"store"`
	Approval  gate.Config           `yaml:"approval"`
	Engine    engine.Config         `yaml:"engine"`
	Dispatch  dispatch.Config       `yaml:"dispatch"`
	Retry     retry.Policy          `yaml:"retry"`
	Redaction audit.RedactionPolicy `yaml:"redaction"`
	Risk      risk.Config           `yaml:"risk"`
	Executors ExecutorsConfig       `yaml:"executors"`
	Dedup     DedupConfig           `yaml:"dedup"`
	Telemetry observability.Config  `yaml:"telemetry"`
}

// StoreConfig selects the Work Item Store backend.
type StoreConfig struct {
	Backend string `yaml:"backend"` // file | sqlite | postgres
	DSN     string `yaml:"dsn"`
}

// ExecutorsConfig lists the target executors to register.
type ExecutorsConfig struct {
	Webhooks []executor.WebhookConfig `yaml:"webhooks"`
	SMTP     *executor.SMTPConfig     `yaml:"smtp"`
}

// DedupConfig configures duplicate-send suppression for executors.
type DedupConfig struct {
	Backend   string        `yaml:"backend"` // none | memory | redis
	RedisAddr string        `yaml:"redis_addr"`
	Prefix    string        `yaml:"prefix"`
	TTL       time.Duration `yaml:"ttl"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		VaultRoot:  "./vault",
		LogLevel:   "INFO",
		HealthAddr: ":8080",
		Store:      StoreConfig{Backend: BackendFile},
		Approval:   gate.Config{Timeout: gate.DefaultTimeout},
		Engine:     engine.DefaultConfig(),
		Dispatch:   dispatch.DefaultConfig(),
		Retry:      retry.DefaultPolicy(),
		Redaction:  audit.RedactionPolicy{MaxValueBytes: audit.DefaultMaxValueBytes},
		Risk:       risk.DefaultConfig(),
		Dedup:      DedupConfig{Backend: DedupMemory, TTL: 7 * 24 * time.Hour},
		Telemetry:  observability.DefaultConfig(),
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path uses defaults and environment only.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if cfg.AuditDir == "" {
		cfg.AuditDir = filepath.Join(cfg.VaultRoot, "Logs")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup("ACTIONGATE_" + key); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup("ACTIONGATE_" + key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("ACTIONGATE_%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup("ACTIONGATE_" + key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("ACTIONGATE_%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	str("VAULT_ROOT", &c.VaultRoot)
	str("AUDIT_DIR", &c.AuditDir)
	str("LOG_LEVEL", &c.LogLevel)
	str("HEALTH_ADDR", &c.HealthAddr)
	str("STORE_BACKEND", &c.Store.Backend)
	str("STORE_DSN", &c.Store.DSN)
	dur("APPROVAL_TIMEOUT", &c.Approval.Timeout)
	dur("DECISION_POLL_INTERVAL", &c.Engine.DecisionPollInterval)
	dur("EXPIRY_SWEEP_INTERVAL", &c.Engine.ExpirySweepInterval)
	dur("DISPATCH_SWEEP_INTERVAL", &c.Engine.DispatchSweepInterval)
	dur("CALL_TIMEOUT", &c.Dispatch.CallTimeout)
	str("DEDUP_BACKEND", &c.Dedup.Backend)
	str("REDIS_ADDR", &c.Dedup.RedisAddr)
	boolean("TELEMETRY_ENABLED", &c.Telemetry.Enabled)
	str("OTLP_ENDPOINT", &c.Telemetry.OTLPEndpoint)
	if c.Executors.SMTP != nil {
		str("SMTP_PASSWORD", &c.Executors.SMTP.Password)
	}
	// Webhook tokens: ACTIONGATE_WEBHOOK_<KIND>_TOKEN.
	for i := range c.Executors.Webhooks {
		key := "WEBHOOK_" + strings.ToUpper(strings.ReplaceAll(c.Executors.Webhooks[i].Kind, "-", "_")) + "_TOKEN"
		str(key, &c.Executors.Webhooks[i].Token)
	}
	return errors.Join(errs...)
}

// Validate rejects unusable configurations.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.VaultRoot) == "" {
		errs = append(errs, errors.New("vault_root is required"))
	}
	switch c.Store.Backend {
	case BackendFile:
	case BackendSQLite, BackendPostgres:
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store.dsn is required for %s", c.Store.Backend))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store backend %q", c.Store.Backend))
	}
	positive := map[string]time.Duration{
		"approval.timeout":               c.Approval.Timeout,
		"engine.decision_poll_interval":  c.Engine.DecisionPollInterval,
		"engine.expiry_sweep_interval":   c.Engine.ExpirySweepInterval,
		"engine.dispatch_sweep_interval": c.Engine.DispatchSweepInterval,
		"dispatch.call_timeout":          c.Dispatch.CallTimeout,
	}
	for name, d := range positive {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.Dispatch.Workers < 0 || c.Engine.Workers < 0 || c.Engine.QueueSize < 0 {
		errs = append(errs, errors.New("worker and queue sizes must not be negative"))
	}
	if err := c.Retry.Validate(); err != nil {
		errs = append(errs, err)
	}
	switch c.Dedup.Backend {
	case DedupNone, DedupMemory, "":
	case DedupRedis:
		if c.Dedup.RedisAddr == "" {
			errs = append(errs, errors.New("dedup.redis_addr is required for redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown dedup backend %q", c.Dedup.Backend))
	}
	seen := map[string]bool{}
	for _, w := range c.Executors.Webhooks {
		if w.Kind == "" || w.Endpoint == "" {
			errs = append(errs, errors.New("webhook executors need kind and endpoint"))
			continue
		}
		if seen[w.Kind] {
			errs = append(errs, fmt.Errorf("duplicate executor kind %q", w.Kind))
		}
		seen[w.Kind] = true
	}
	if s := c.Executors.SMTP; s != nil {
		if s.Addr == "" || s.From == "" {
			errs = append(errs, errors.New("smtp executor needs addr and from"))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
