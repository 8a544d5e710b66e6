package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/helm/actiongate/pkg/audit"
	"github.com/Mindburn-Labs/helm/actiongate/pkg/config"
	"github.com/Mindburn-Labs/helm/actiongate/pkg/dispatch"
	"github.com/Mindburn-Labs/helm/actiongate/pkg/engine"
	"github.com/Mindburn-Labs/helm/actiongate/pkg/executor"
	"github.com/Mindburn-Labs/helm/actiongate/pkg/gate"
	"github.com/Mindburn-Labs/helm/actiongate/pkg/observability"
	"github.com/Mindburn-Labs/helm/actiongate/pkg/risk"
	"github.com/Mindburn-Labs/helm/actiongate/pkg/signal"
	"github.com/Mindburn-Labs/helm/actiongate/pkg/vault"
)

// app is the wired engine for one configuration.
type app struct {
	cfg        *config.Config
	store      vault.Store
	audit      *audit.FileLogger
	source     *signal.DirectorySource
	gate       *gate.Gate
	dispatcher *dispatch.Dispatcher
	engine     *engine.Engine
	metrics    *observability.Provider
	redis      redis.UniversalClient
}

// newApp opens the store and audit log and wires every component. metrics
// may be nil.
func newApp(ctx context.Context, cfg *config.Config, metrics *observability.Provider) (*app, error) {
	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, store: store, metrics: metrics}

	a.audit, err = audit.NewFileLogger(cfg.AuditDir, audit.WithRedactor(audit.NewRedactor(cfg.Redaction)))
	if err != nil {
		a.close()
		return nil, err
	}
	a.source, err = signal.NewDirectorySource(cfg.VaultRoot)
	if err != nil {
		a.close()
		return nil, err
	}
	classifier, err := risk.NewRuleClassifier(cfg.Risk)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("risk rules: %w", err)
	}
	registry, err := a.registry()
	if err != nil {
		a.close()
		return nil, err
	}

	a.gate = gate.New(store, classifier, a.source, a.audit, cfg.Approval,
		gate.WithRetryBudget(cfg.Retry.MaxRetries), gate.WithMetrics(metrics))
	a.dispatcher = dispatch.New(store, registry, cfg.Retry, a.audit, cfg.Dispatch, dispatch.WithMetrics(metrics))
	a.engine = engine.New(store, a.gate, a.dispatcher, cfg.Engine, engine.WithMetrics(metrics))
	return a, nil
}

func openStore(ctx context.Context, cfg *config.Config) (vault.Store, error) {
	switch cfg.Store.Backend {
	case config.BackendSQLite, config.BackendPostgres:
		dialect := vault.DialectSQLite
		if cfg.Store.Backend == config.BackendPostgres {
			dialect = vault.DialectPostgres
		}
		db, err := vault.OpenSQL(dialect, cfg.Store.DSN)
		if err != nil {
			return nil, err
		}
		s, err := vault.NewSQLStore(ctx, db, dialect)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		return s, nil
	default:
		return vault.NewFileStore(cfg.VaultRoot)
	}
}

// registry builds the executors named in the configuration, wrapped in the
// configured deduper.
func (a *app) registry() (*executor.Registry, error) {
	var dedup executor.Deduper
	switch a.cfg.Dedup.Backend {
	case config.DedupMemory, "":
		dedup = executor.NewMemoryDeduper(a.cfg.Dedup.TTL)
	case config.DedupRedis:
		a.redis = redis.NewClient(&redis.Options{Addr: a.cfg.Dedup.RedisAddr})
		dedup = executor.NewRedisDeduper(a.redis, a.cfg.Dedup.Prefix, a.cfg.Dedup.TTL)
	}
	wrap := func(e executor.Executor) executor.Executor {
		if dedup == nil {
			return e
		}
		return executor.Deduped(e, dedup)
	}

	registry := executor.NewRegistry()
	client := &http.Client{}
	for _, w := range a.cfg.Executors.Webhooks {
		registry.Register(wrap(executor.NewWebhookExecutor(w, client)))
	}
	if s := a.cfg.Executors.SMTP; s != nil {
		registry.Register(wrap(executor.NewSMTPExecutor(*s, nil)))
	}
	if len(registry.Kinds()) == 0 {
		slog.Warn("no executors configured; every target will fail terminally")
	}
	return registry, nil
}

func (a *app) close() {
	var errs []error
	if a.audit != nil {
		errs = append(errs, a.audit.Close())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if err := errors.Join(errs...); err != nil {
		slog.Warn("shutdown", "error", err)
	}
}

// healthHandler serves /healthz (alerts) and /readyz (every loop has run).
func healthHandler(e *engine.Engine) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		s := e.Health()
		status := http.StatusOK
		if !s.Healthy {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, s)
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		s := e.Health()
		status := http.StatusOK
		if !s.Ready || !s.Healthy {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]any{"ready": s.Ready, "healthy": s.Healthy, "checked_at": time.Now().UTC()})
	})
	return mux
}
