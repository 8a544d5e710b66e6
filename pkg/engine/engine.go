// Package engine drives the gate and the dispatcher with three independent
// periodic tasks: the decision poll, the approval expiry sweep and the
// dispatch/retry sweep. Sweeps only enqueue work; a bounded pool of workers
// performs the dispatches.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Mindburn-Labs/helm/actiongate/pkg/contracts"
	"github.com/Mindburn-Labs/helm/actiongate/pkg/dispatch"
	"github.com/Mindburn-Labs/helm/actiongate/pkg/gate"
	"github.com/Mindburn-Labs/helm/actiongate/pkg/observability"
	"github.com/Mindburn-Labs/helm/actiongate/pkg/vault"
)

// Sweep names used in logs, metrics and health.
const (
	SweepDecisions = "decisions"
	SweepExpiry    = "expiry"
	SweepDispatch  = "dispatch"
)

// Config holds the loop intervals and queue sizing.
type Config struct {
	DecisionPollInterval  time.Duration `yaml:"decision_poll_interval"`
	ExpirySweepInterval   time.Duration `yaml:"expiry_sweep_interval"`
	DispatchSweepInterval time.Duration `yaml:"dispatch_sweep_interval"`
	Workers               int           `yaml:"workers"`
	QueueSize             int           `yaml:"queue_size"`
}

// DefaultConfig returns the default intervals: decisions every 10s, expiry
// every 30s, dispatch every 5s.
func DefaultConfig() Config {
	return Config{
		DecisionPollInterval:  10 * time.Second,
		ExpirySweepInterval:   30 * time.Second,
		DispatchSweepInterval: 5 * time.Second,
		Workers:               4,
		QueueSize:             64,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DecisionPollInterval <= 0 {
		c.DecisionPollInterval = d.DecisionPollInterval
	}
	if c.ExpirySweepInterval <= 0 {
		c.ExpirySweepInterval = d.ExpirySweepInterval
	}
	if c.DispatchSweepInterval <= 0 {
		c.DispatchSweepInterval = d.DispatchSweepInterval
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	return c
}

// Engine runs the periodic tasks.
type Engine struct {
	store      vault.Store
	gate       *gate.Gate
	dispatcher *dispatch.Dispatcher
	metrics    *observability.Provider
	cfg        Config
	clock      func() time.Time
	logger     *slog.Logger

	queue    chan string
	mu       sync.Mutex
	inflight map[string]struct{}
	health   *health
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithMetrics attaches telemetry.
func WithMetrics(p *observability.Provider) Option {
	return func(e *Engine) { e.metrics = p }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New creates an Engine.
func New(store vault.Store, g *gate.Gate, d *dispatch.Dispatcher, cfg Config, opts ...Option) *Engine {
	cfg = cfg.withDefaults()
	e := &Engine{
		store:      store,
		gate:       g,
		dispatcher: d,
		cfg:        cfg,
		clock:      time.Now,
		logger:     slog.Default().With("component", "engine"),
		queue:      make(chan string, cfg.QueueSize),
		inflight:   make(map[string]struct{}),
		health:     newHealth(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run recovers interrupted work, then runs the loops and workers until ctx
// is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	if n, err := e.dispatcher.Recover(ctx); err != nil {
		e.alert(ctx, "recover", err)
		return err
	} else if n > 0 {
		e.logger.WarnContext(ctx, "recovered interrupted dispatches", "count", n)
	}
	if n, err := e.gate.ResumeCreated(ctx); err != nil {
		e.alert(ctx, "resume", err)
		return err
	} else if n > 0 {
		e.logger.InfoContext(ctx, "resumed created actions", "count", n)
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < e.cfg.Workers; i++ {
		g.Go(func() error {
			e.work(ctx)
			return nil
		})
	}
	g.Go(func() error { return e.loop(ctx, SweepDecisions, e.cfg.DecisionPollInterval, e.gate.PollDecisions) })
	g.Go(func() error { return e.loop(ctx, SweepExpiry, e.cfg.ExpirySweepInterval, e.gate.SweepExpired) })
	g.Go(func() error { return e.loop(ctx, SweepDispatch, e.cfg.DispatchSweepInterval, e.SweepDispatch) })

	e.logger.InfoContext(ctx, "engine started",
		"workers", e.cfg.Workers,
		"decision_poll", e.cfg.DecisionPollInterval,
		"expiry_sweep", e.cfg.ExpirySweepInterval,
		"dispatch_sweep", e.cfg.DispatchSweepInterval)
	err := g.Wait()
	e.logger.Info("engine stopped")
	return err
}

func (e *Engine) loop(ctx context.Context, name string, every time.Duration, sweep func(context.Context) (int, error)) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		e.runSweep(ctx, name, sweep)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// runSweep times one sweep. Store corruption halts the sweep and raises a
// health alert; other errors are logged and retried on the next tick.
func (e *Engine) runSweep(ctx context.Context, name string, sweep func(context.Context) (int, error)) {
	started := e.clock()
	n, err := sweep(ctx)
	e.metrics.SweepDuration(ctx, name, e.clock().Sub(started))
	e.health.swept(name, started)
	switch {
	case err == nil:
		if n > 0 {
			e.logger.DebugContext(ctx, "sweep done", "sweep", name, "count", n)
		}
	case ctx.Err() != nil:
	case errors.Is(err, vault.ErrCorrupt):
		e.alert(ctx, name, err)
	default:
		e.logger.WarnContext(ctx, "sweep failed", "sweep", name, "error", err)
	}
}

// SweepDispatch settles stale dispatching actions, then enqueues every
// approved action and every awaiting_retry action whose next_retry_at has
// passed. It returns the number enqueued.
func (e *Engine) SweepDispatch(ctx context.Context) (int, error) {
	switch r, err := e.dispatcher.RecoverStale(ctx, e.busy); {
	case errors.Is(err, vault.ErrCorrupt):
		return 0, err
	case errors.Is(err, dispatch.ErrAuditWrite):
		e.alert(ctx, SweepDispatch, err)
	case err != nil:
		e.logger.WarnContext(ctx, "stale dispatch recovery failed", "error", err)
	case r > 0:
		e.logger.WarnContext(ctx, "recovered stale dispatches", "count", r)
	}
	now := e.clock().UTC()
	n := 0
	for _, status := range []contracts.Status{contracts.StatusApproved, contracts.StatusAwaitingRetry} {
		for a, err := range e.store.ListByStatus(ctx, status) {
			if err != nil {
				return n, err
			}
			if a.Status == contracts.StatusAwaitingRetry && a.NextRetryAt != nil && now.Before(*a.NextRetryAt) {
				continue
			}
			if e.enqueue(ctx, a.ID) {
				n++
			}
		}
	}
	return n, nil
}

// enqueue never blocks. An action already queued or running is skipped, and
// so is any action arriving while the queue is full; the next sweep picks it up.
func (e *Engine) enqueue(ctx context.Context, id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inflight[id]; busy {
		return false
	}
	select {
	case e.queue <- id:
		e.inflight[id] = struct{}{}
		return true
	default:
		e.logger.DebugContext(ctx, "dispatch queue full", "action_id", id)
		return false
	}
}

func (e *Engine) busy(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.inflight[id]
	return ok
}

func (e *Engine) done(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inflight, id)
}

func (e *Engine) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-e.queue:
			e.process(ctx, id)
		}
	}
}

// process re-reads the action before dispatching, so an abandon or manual
// change since the sweep is honoured.
func (e *Engine) process(ctx context.Context, id string) {
	defer e.done(id)
	a, err := e.store.Read(ctx, id)
	if err != nil {
		if errors.Is(err, vault.ErrCorrupt) {
			e.alert(ctx, SweepDispatch, err)
			return
		}
		e.logger.WarnContext(ctx, "queued action unreadable", "action_id", id, "error", err)
		return
	}
	if a.Status != contracts.StatusApproved && a.Status != contracts.StatusAwaitingRetry {
		e.logger.DebugContext(ctx, "skipping action no longer dispatchable", "action_id", id, "status", a.Status)
		return
	}
	_, err = e.dispatcher.Dispatch(ctx, id)
	switch {
	case err == nil, errors.Is(err, dispatch.ErrNotDue), errors.Is(err, dispatch.ErrNotDispatchable):
	case errors.Is(err, vault.ErrCorrupt), errors.Is(err, dispatch.ErrAuditWrite):
		e.alert(ctx, SweepDispatch, err)
	default:
		e.logger.ErrorContext(ctx, "dispatch failed", "action_id", id, "error", err)
	}
}

func (e *Engine) alert(ctx context.Context, sweep string, err error) {
	e.logger.ErrorContext(ctx, "health alert", "sweep", sweep, "error", err)
	e.metrics.HealthAlert(ctx, sweep)
	e.health.raise(Alert{Sweep: sweep, Error: err.Error(), At: e.clock().UTC()})
}

// Health returns a snapshot for the health endpoints.
func (e *Engine) Health() HealthSnapshot {
	e.mu.Lock()
	inflight := len(e.inflight)
	e.mu.Unlock()
	s := e.health.snapshot()
	s.QueueDepth = len(e.queue)
	s.InFlight = inflight
	return s
}
