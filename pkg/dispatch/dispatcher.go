// Package dispatch runs approved actions against their target executors.
// Every due target of an action is attempted concurrently under a global
// worker limit and a per-kind cap; each attempt is persisted and audited as
// soon as it returns, and the round ends with one reduced status transition.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/Mindburn-Labs/helm/actiongate/pkg/audit"
	"github.com/Mindburn-Labs/helm/actiongate/pkg/contracts"
	"github.com/Mindburn-Labs/helm/actiongate/pkg/executor"
	"github.com/Mindburn-Labs/helm/actiongate/pkg/observability"
	"github.com/Mindburn-Labs/helm/actiongate/pkg/retry"
	"github.com/Mindburn-Labs/helm/actiongate/pkg/vault"
)

const (
	// DefaultCallTimeout bounds one executor call.
	DefaultCallTimeout = 30 * time.Second
	// DefaultWorkers bounds concurrent executor calls across all actions.
	DefaultWorkers = 8
	// DefaultPerKindLimit bounds concurrent calls to one target kind.
	DefaultPerKindLimit = 2
)

var (
	// ErrNotDispatchable is returned for actions that are not approved or awaiting retry.
	ErrNotDispatchable = errors.New("dispatch: action is not approved or awaiting retry")
	// ErrNotDue is returned when no target of an awaiting_retry action is due yet.
	ErrNotDue = errors.New("dispatch: no target is due")
	// ErrAuditWrite is returned when an audit record could not be appended.
	ErrAuditWrite = errors.New("dispatch: audit write failed")
)

// Config is injected at construction.
type Config struct {
	CallTimeout  time.Duration  `yaml:"call_timeout"`
	Workers      int            `yaml:"workers"`
	PerKindLimit int            `yaml:"per_kind_limit"`
	KindLimits   map[string]int `yaml:"kind_limits"`
}

// DefaultConfig returns the default dispatcher limits.
func DefaultConfig() Config {
	return Config{
		CallTimeout:  DefaultCallTimeout,
		Workers:      DefaultWorkers,
		PerKindLimit: DefaultPerKindLimit,
	}
}

// Outcome summarises one dispatch round.
type Outcome struct {
	ActionID    string
	Status      contracts.Status
	Attempted   int
	Succeeded   int
	NextRetryAt *time.Time
}

// Dispatcher owns approved actions until they settle.
type Dispatcher struct {
	store    vault.Store
	registry *executor.Registry
	policy   retry.Policy
	audit    audit.Logger
	metrics  *observability.Provider
	cfg      Config
	clock    func() time.Time
	logger   *slog.Logger

	workers *semaphore.Weighted
	kindMu  sync.Mutex
	kinds   map[string]*semaphore.Weighted
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option {
	return func(d *Dispatcher) { d.clock = clock }
}

// WithMetrics attaches telemetry.
func WithMetrics(p *observability.Provider) Option {
	return func(d *Dispatcher) { d.metrics = p }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// New creates a Dispatcher.
func New(store vault.Store, registry *executor.Registry, policy retry.Policy, log audit.Logger, cfg Config, opts ...Option) *Dispatcher {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.PerKindLimit <= 0 {
		cfg.PerKindLimit = DefaultPerKindLimit
	}
	d := &Dispatcher{
		store:    store,
		registry: registry,
		policy:   policy,
		audit:    log,
		cfg:      cfg,
		clock:    time.Now,
		logger:   slog.Default().With("component", "dispatch"),
		workers:  semaphore.NewWeighted(int64(cfg.Workers)),
		kinds:    make(map[string]*semaphore.Weighted),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Policy returns the retry policy for a, with its own retry budget.
func (d *Dispatcher) Policy(a *contracts.Action) retry.Policy {
	p := d.policy
	if a.MaxRetries > 0 {
		p.MaxRetries = a.MaxRetries
	}
	return p
}

// Dispatch runs one round for an approved or awaiting_retry action. Targets
// that already succeeded are never attempted again; of the rest, only those
// that are due run.
func (d *Dispatcher) Dispatch(ctx context.Context, id string) (Outcome, error) {
	a, err := d.store.Read(ctx, id)
	if err != nil {
		return Outcome{}, err
	}
	if a.Status != contracts.StatusApproved && a.Status != contracts.StatusAwaitingRetry {
		return Outcome{ActionID: id, Status: a.Status}, fmt.Errorf("%w: %s is %s", ErrNotDispatchable, id, a.Status)
	}
	now := d.clock().UTC()
	if a.Status == contracts.StatusAwaitingRetry && len(dueTargets(a, now)) == 0 {
		return Outcome{ActionID: id, Status: a.Status, NextRetryAt: a.NextRetryAt}, ErrNotDue
	}

	ctx, span := d.metrics.StartSpan(ctx, "dispatch.round",
		attribute.String("action_id", id), attribute.String("action_type", string(a.Type)))
	defer span.End()

	claimed, err := d.store.Transition(ctx, id, a.Status, contracts.StatusDispatching, nil)
	if errors.Is(err, vault.ErrInvalidTransition) {
		// Abandoned or claimed by someone else since the read.
		return Outcome{ActionID: id}, fmt.Errorf("%w: %v", ErrNotDispatchable, err)
	}
	if err != nil {
		return Outcome{}, err
	}
	due := dueTargets(claimed, now)

	// The round must be persisted even if the caller goes away mid-call.
	persist := context.WithoutCancel(ctx)
	if err := d.record(persist, contracts.AuditRecord{
		ActionID: id, Event: contracts.EventDispatching, Actor: contracts.ActorSystem,
		From: a.Status, To: contracts.StatusDispatching,
		Detail: map[string]any{"targets": targetIDs(due)},
	}); err != nil {
		out, serr := d.salvage(persist, id)
		return out, errors.Join(err, serr)
	}

	var (
		g         errgroup.Group
		mu        sync.Mutex
		attempted int
	)
	g.SetLimit(d.cfg.Workers)
	for _, t := range due {
		g.Go(func() error {
			ran, err := d.attempt(ctx, persist, claimed, t)
			if ran {
				mu.Lock()
				attempted++
				mu.Unlock()
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		d.logger.ErrorContext(ctx, "dispatch round aborted", "action_id", id, "error", err)
		out, serr := d.salvage(persist, id)
		out.Attempted = attempted
		return out, errors.Join(err, serr)
	}

	out, err := d.settle(persist, id)
	out.Attempted = attempted
	if err != nil {
		return out, err
	}
	span.SetAttributes(attribute.String("status", string(out.Status)))
	d.logger.InfoContext(ctx, "dispatch round finished",
		"action_id", id, "status", out.Status, "attempted", attempted, "succeeded", out.Succeeded)
	return out, nil
}

// attempt runs one target and persists its result. It reports whether the
// executor was invoked.
func (d *Dispatcher) attempt(ctx, persist context.Context, a *contracts.Action, t contracts.TargetState) (bool, error) {
	if err := d.workers.Acquire(ctx, 1); err != nil {
		return false, nil
	}
	defer d.workers.Release(1)
	kindSem := d.kindLimit(t.Kind)
	if err := kindSem.Acquire(ctx, 1); err != nil {
		return false, nil
	}
	defer kindSem.Release(1)

	attempt := t.LastAttempt + 1
	if err := d.record(persist, contracts.AuditRecord{
		ActionID: a.ID, Event: contracts.EventDispatchAttempt, Actor: contracts.ActorSystem,
		Detail: map[string]any{"target": t.ID, "kind": t.Kind, "attempt": attempt},
	}); err != nil {
		return false, err
	}

	started := d.clock().UTC()
	res := d.call(ctx, a, t, attempt)
	duration := d.clock().Sub(started)
	d.metrics.DispatchAttempt(persist, t.Kind, string(res.ErrorKind), duration)

	result := contracts.TargetResult{
		TargetID:        t.ID,
		AttemptNumber:   attempt,
		Success:         res.Success,
		ErrorKind:       res.ErrorKind,
		ErrorMessage:    res.ErrorMessage,
		ResultReference: res.Reference,
		RetryAfter:      res.RetryAfter,
		Timestamp:       started,
		Duration:        duration,
	}
	policy := d.Policy(a)
	var decision retry.Decision
	_, err := d.store.Transition(persist, a.ID, contracts.StatusDispatching, contracts.StatusDispatching, func(m *contracts.Action) error {
		ts := m.Target(t.ID)
		if ts == nil {
			return fmt.Errorf("dispatch: %s lost target %s", m.ID, t.ID)
		}
		if err := ts.Record(result); err != nil {
			return err
		}
		if result.Success {
			return nil
		}
		decision = policy.Decide(retry.Input{
			Kind:         result.ErrorKind,
			Attempts:     ts.Attempts,
			Irreversible: m.Irreversible,
			RetryAfter:   result.RetryAfter,
			Elapsed:      started.Sub(windowStart(ts)),
			Seed:         retry.Seed{ActionID: m.ID, TargetID: ts.ID},
		})
		if decision.Retry {
			next := started.Add(decision.Delay)
			ts.State = contracts.TargetRetrying
			ts.NextAttemptAt = &next
		} else {
			ts.State = contracts.TargetExhausted
			ts.NextAttemptAt = nil
		}
		return nil
	})
	if err != nil {
		return true, fmt.Errorf("dispatch: persist %s/%s attempt %d: %w", a.ID, t.ID, attempt, err)
	}

	detail := map[string]any{
		"target":      t.ID,
		"attempt":     attempt,
		"success":     result.Success,
		"error_kind":  string(result.ErrorKind),
		"duration_ms": duration.Milliseconds(),
	}
	if result.Success {
		detail["reference"] = result.ResultReference
	} else {
		detail["error_message"] = result.ErrorMessage
		detail["retry"] = decision.Retry
		detail["reason"] = decision.Reason
		if decision.Retry {
			detail["retry_in_ms"] = decision.Delay.Milliseconds()
		}
	}
	if err := d.record(persist, contracts.AuditRecord{
		ActionID: a.ID, Event: contracts.EventDispatchResult, Actor: contracts.ActorSystem, Detail: detail,
	}); err != nil {
		return true, err
	}
	if !result.Success {
		d.logger.WarnContext(ctx, "target attempt failed",
			"action_id", a.ID, "target", t.ID, "attempt", attempt,
			"error_kind", result.ErrorKind, "retry", decision.Retry, "reason", decision.Reason)
	}
	return true, nil
}

// call invokes the executor under the per-call timeout. A call that outlives
// the timeout is reported as a retryable timeout; a panic is terminal.
func (d *Dispatcher) call(ctx context.Context, a *contracts.Action, t contracts.TargetState, attempt int) executor.Result {
	exec, ok := d.registry.Lookup(t.Kind)
	if !ok {
		return executor.Failed(contracts.ErrorTerminal, "no executor registered for kind %q", t.Kind)
	}
	ctx, span := d.metrics.StartSpan(ctx, "executor.execute",
		attribute.String("action_id", a.ID), attribute.String("target", t.ID), attribute.Int("attempt", attempt))
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, d.cfg.CallTimeout)
	defer cancel()

	req := executor.Request{
		ActionID:       a.ID,
		ActionType:     a.Type,
		Target:         contracts.Target{ID: t.ID, Kind: t.Kind},
		Payload:        a.Payload,
		Attempt:        attempt,
		IdempotencyKey: executor.IdempotencyKey(a.ID, t.ID),
	}
	done := make(chan executor.Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- executor.Failed(contracts.ErrorTerminal, "executor panic: %v", r)
			}
		}()
		done <- exec.Execute(callCtx, req)
	}()

	var res executor.Result
	select {
	case res = <-done:
	case <-callCtx.Done():
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			res = executor.Failed(contracts.ErrorRetryable, "timeout after %s", d.cfg.CallTimeout)
		} else {
			res = executor.Failed(contracts.ErrorRetryable, "call cancelled: %v", callCtx.Err())
		}
	}
	res = normalize(res)
	if !res.Success {
		span.SetStatus(codes.Error, res.ErrorMessage)
	}
	span.SetAttributes(attribute.String("error_kind", string(res.ErrorKind)))
	return res
}

func normalize(res executor.Result) executor.Result {
	if res.Success {
		res.ErrorKind = contracts.ErrorNone
		res.ErrorMessage = ""
		return res
	}
	switch res.ErrorKind {
	case contracts.ErrorRetryable, contracts.ErrorRateLimited, contracts.ErrorTerminal:
	default:
		res.ErrorKind = contracts.ErrorRetryable
	}
	if res.ErrorMessage == "" {
		res.ErrorMessage = string(res.ErrorKind)
	}
	return res
}

// settle moves a dispatching action to its reduced status and writes the one
// audit record for that transition.
func (d *Dispatcher) settle(ctx context.Context, id string) (Outcome, error) {
	a, err := d.store.Read(ctx, id)
	if err != nil {
		return Outcome{}, err
	}
	status := Reduce(a.Targets)
	settled, err := d.store.Transition(ctx, id, contracts.StatusDispatching, status, func(m *contracts.Action) error {
		bookkeep(m, status)
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}
	out := outcomeOf(settled)
	detail := map[string]any{
		"succeeded": out.Succeeded,
		"targets":   len(settled.Targets),
	}
	if settled.NextRetryAt != nil {
		detail["next_retry_at"] = settled.NextRetryAt.Format(time.RFC3339Nano)
	}
	if status != contracts.StatusCompleted {
		detail["failed_targets"] = failedTargets(settled.Targets)
	}
	if settled.StatusReason != "" {
		detail["reason"] = settled.StatusReason
	}
	if err := d.record(ctx, contracts.AuditRecord{
		ActionID: id, Event: settleEvent(status), Actor: contracts.ActorSystem,
		From: contracts.StatusDispatching, To: status, Detail: detail,
	}); err != nil {
		return out, err
	}
	return out, nil
}

func outcomeOf(a *contracts.Action) Outcome {
	out := Outcome{ActionID: a.ID, Status: a.Status, NextRetryAt: a.NextRetryAt}
	for i := range a.Targets {
		if a.Targets[i].Succeeded() {
			out.Succeeded++
		}
	}
	return out
}

func (d *Dispatcher) kindLimit(kind string) *semaphore.Weighted {
	d.kindMu.Lock()
	defer d.kindMu.Unlock()
	if s, ok := d.kinds[kind]; ok {
		return s
	}
	n := d.cfg.PerKindLimit
	if v, ok := d.cfg.KindLimits[kind]; ok && v > 0 {
		n = v
	}
	s := semaphore.NewWeighted(int64(n))
	d.kinds[kind] = s
	return s
}

func (d *Dispatcher) record(ctx context.Context, rec contracts.AuditRecord) error {
	if err := d.audit.Append(ctx, rec); err != nil {
		d.logger.ErrorContext(ctx, "audit append failed", "action_id", rec.ActionID, "event", rec.Event, "error", err)
		return fmt.Errorf("%w: %s: %w", ErrAuditWrite, rec.Event, err)
	}
	return nil
}

// dueTargets returns copies of the targets to attempt at now.
func dueTargets(a *contracts.Action, now time.Time) []contracts.TargetState {
	var due []contracts.TargetState
	for i := range a.Targets {
		if a.Targets[i].Due(now) {
			due = append(due, a.Targets[i])
		}
	}
	return due
}

// windowStart is the time of the first attempt in the current budget window.
func windowStart(t *contracts.TargetState) time.Time {
	if t.Attempts <= 0 || t.Attempts > len(t.Results) {
		return time.Time{}
	}
	return t.Results[len(t.Results)-t.Attempts].Timestamp
}

func targetIDs(targets []contracts.TargetState) []string {
	ids := make([]string, len(targets))
	for i, t := range targets {
		ids[i] = t.ID
	}
	return ids
}
