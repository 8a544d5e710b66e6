// Package gate routes proposed actions through human approval. An action is
// classified, stored, and either sent for approval with a fixed deadline or
// approved straight away. Decisions are polled from a signal.Source and
// pending requests past their deadline are expired by a sweep.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/helm/actiongate/pkg/audit"
	"github.com/Mindburn-Labs/helm/actiongate/pkg/contracts"
	"github.com/Mindburn-Labs/helm/actiongate/pkg/observability"
	"github.com/Mindburn-Labs/helm/actiongate/pkg/retry"
	"github.com/Mindburn-Labs/helm/actiongate/pkg/risk"
	"github.com/Mindburn-Labs/helm/actiongate/pkg/signal"
	"github.com/Mindburn-Labs/helm/actiongate/pkg/vault"
)

// DefaultTimeout is how long an approval request stays open.
const DefaultTimeout = 24 * time.Hour

var (
	// ErrNotPending is returned when deciding an action that is not awaiting approval.
	ErrNotPending = errors.New("gate: action is not pending approval")
	// ErrLateDecision is returned when a decision arrives after the request expired.
	ErrLateDecision = errors.New("gate: decision arrived after expiry and was ignored")
	// ErrNotRecreatable is returned by Recreate for actions that were not rejected or expired.
	ErrNotRecreatable = errors.New("gate: only rejected or expired actions can be recreated")
)

// Config is injected at construction.
type Config struct {
	// Timeout is the approval deadline measured from submission.
	Timeout time.Duration `yaml:"timeout"`
}

// Gate is the approval gate.
type Gate struct {
	store      vault.Store
	classifier risk.Classifier
	source     signal.Source
	audit      audit.Logger
	metrics    *observability.Provider
	cfg        Config
	maxRetries int
	clock      func() time.Time
	logger     *slog.Logger
}

// Option customizes a Gate.
type Option func(*Gate)

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option {
	return func(g *Gate) { g.clock = clock }
}

// WithMetrics attaches telemetry.
func WithMetrics(p *observability.Provider) Option {
	return func(g *Gate) { g.metrics = p }
}

// WithRetryBudget sets the retry budget stamped on new actions. It should
// match the dispatcher's retry policy.
func WithRetryBudget(n int) Option {
	return func(g *Gate) {
		if n >= 0 {
			g.maxRetries = n
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

// New creates a Gate.
func New(store vault.Store, classifier risk.Classifier, source signal.Source, log audit.Logger, cfg Config, opts ...Option) *Gate {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	g := &Gate{
		store:      store,
		classifier: classifier,
		source:     source,
		audit:      log,
		cfg:        cfg,
		maxRetries: retry.DefaultMaxRetries,
		clock:      time.Now,
		logger:     slog.Default().With("component", "gate"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// SubmitRequest proposes a new action.
type SubmitRequest struct {
	// ID is optional; a UUID is assigned when empty.
	ID      string
	Type    contracts.ActionType
	Payload contracts.Payload
	Origin  string
	// MaxRetries overrides the configured budget when positive.
	MaxRetries    int
	Actor         contracts.Actor
	RecreatedFrom string
}

// Submit classifies, stores and routes a proposed action. The returned action
// is pending_approval or approved.
func (g *Gate) Submit(ctx context.Context, req SubmitRequest) (*contracts.Action, error) {
	if req.Payload == nil {
		return nil, fmt.Errorf("%w: missing payload", contracts.ErrPayloadInvalid)
	}
	if req.Type == "" {
		req.Type = req.Payload.ActionType()
	}
	if req.Payload.ActionType() != req.Type {
		return nil, fmt.Errorf("%w: %s payload for %s action", contracts.ErrPayloadInvalid, req.Payload.ActionType(), req.Type)
	}
	if err := req.Payload.Validate(); err != nil {
		return nil, err
	}
	assessment, err := g.classifier.Classify(ctx, req.Type, req.Payload)
	if err != nil {
		return nil, fmt.Errorf("gate: classify: %w", err)
	}

	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}
	maxRetries := g.maxRetries
	if req.MaxRetries > 0 {
		maxRetries = req.MaxRetries
	}
	actor := req.Actor
	if actor == "" {
		actor = contracts.ActorReasoningEngine
	}
	now := g.clock().UTC()
	a := &contracts.Action{
		ID:               id,
		Type:             req.Type,
		Status:           contracts.StatusCreated,
		Payload:          req.Payload,
		CreatedAt:        now,
		UpdatedAt:        now,
		Origin:           req.Origin,
		RiskLevel:        assessment.Level,
		ApprovalRequired: assessment.RequiresApproval,
		Irreversible:     assessment.Irreversible || req.Type.Irreversible(),
		MaxRetries:       maxRetries,
		RecreatedFrom:    req.RecreatedFrom,
	}
	a.InitTargets()
	if len(a.Targets) == 0 {
		return nil, fmt.Errorf("%w: payload has no targets", contracts.ErrPayloadInvalid)
	}

	if _, err := g.store.Create(ctx, a); err != nil {
		return nil, err
	}
	detail := map[string]any{
		"action_type":       string(a.Type),
		"risk_level":        string(a.RiskLevel),
		"approval_required": a.ApprovalRequired,
		"irreversible":      a.Irreversible,
		"targets":           len(a.Targets),
	}
	if assessment.MatchedRule != "" {
		detail["matched_rule"] = assessment.MatchedRule
	}
	if a.RecreatedFrom != "" {
		detail["recreated_from"] = a.RecreatedFrom
	}
	if err := g.record(ctx, contracts.AuditRecord{
		ActionID: a.ID, Event: contracts.EventCreated, Actor: actor,
		To: contracts.StatusCreated, Detail: detail,
	}); err != nil {
		return nil, err
	}
	g.metrics.ActionSubmitted(ctx, string(a.Type), a.ApprovalRequired)

	return g.route(ctx, a)
}

// route moves a created action to pending_approval or approved.
func (g *Gate) route(ctx context.Context, a *contracts.Action) (*contracts.Action, error) {
	if !a.ApprovalRequired {
		routed, err := g.store.Transition(ctx, a.ID, contracts.StatusCreated, contracts.StatusApproved, nil)
		if err != nil {
			return nil, err
		}
		if err := g.record(ctx, contracts.AuditRecord{
			ActionID: a.ID, Event: contracts.EventApproved, Actor: contracts.ActorSystem,
			From: contracts.StatusCreated, To: contracts.StatusApproved,
			Detail: map[string]any{"approval_required": false},
		}); err != nil {
			return nil, err
		}
		g.logger.InfoContext(ctx, "action approved without gate", "action_id", a.ID, "risk_level", a.RiskLevel)
		return routed, nil
	}

	now := g.clock().UTC()
	expires := now.Add(g.cfg.Timeout)
	routed, err := g.store.Transition(ctx, a.ID, contracts.StatusCreated, contracts.StatusPendingApproval, func(m *contracts.Action) error {
		m.Approval = &contracts.ApprovalRequest{
			ActionID:  m.ID,
			CreatedAt: now,
			ExpiresAt: expires,
			Decision:  contracts.DecisionPending,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := g.record(ctx, contracts.AuditRecord{
		ActionID: a.ID, Event: contracts.EventPendingApproval, Actor: contracts.ActorSystem,
		From: contracts.StatusCreated, To: contracts.StatusPendingApproval,
		Detail: map[string]any{"expires_at": expires.Format(time.RFC3339), "risk_level": string(a.RiskLevel)},
	}); err != nil {
		return nil, err
	}
	g.logger.InfoContext(ctx, "approval requested", "action_id", a.ID, "expires_at", expires)
	return routed, nil
}

// ResumeCreated routes actions left in created by an interrupted Submit.
func (g *Gate) ResumeCreated(ctx context.Context) (int, error) {
	var pending []*contracts.Action
	for a, err := range g.store.ListByStatus(ctx, contracts.StatusCreated) {
		if err != nil {
			return 0, err
		}
		pending = append(pending, a)
	}
	n := 0
	for _, a := range pending {
		if _, err := g.route(ctx, a); err != nil {
			if errors.Is(err, vault.ErrInvalidTransition) {
				continue
			}
			return n, err
		}
		n++
	}
	return n, nil
}

// Recreate submits a copy of a rejected or expired action, linked by recreated_from.
func (g *Gate) Recreate(ctx context.Context, id, actorID string) (*contracts.Action, error) {
	old, err := g.store.Read(ctx, id)
	if err != nil {
		return nil, err
	}
	if old.Status != contracts.StatusRejected && old.Status != contracts.StatusExpired {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotRecreatable, id, old.Status)
	}
	fresh, err := g.Submit(ctx, SubmitRequest{
		Type:          old.Type,
		Payload:       old.Payload,
		Origin:        old.Origin,
		MaxRetries:    old.MaxRetries,
		Actor:         contracts.ActorHuman,
		RecreatedFrom: old.ID,
	})
	if err != nil {
		return nil, err
	}
	if err := g.record(ctx, contracts.AuditRecord{
		ActionID: old.ID, Event: contracts.EventRecreated, Actor: contracts.ActorHuman, ActorID: actorID,
		Detail: map[string]any{"new_action_id": fresh.ID},
	}); err != nil {
		return nil, err
	}
	return fresh, nil
}

func (g *Gate) record(ctx context.Context, rec contracts.AuditRecord) error {
	if err := g.audit.Append(ctx, rec); err != nil {
		g.logger.ErrorContext(ctx, "audit append failed", "action_id", rec.ActionID, "event", rec.Event, "error", err)
		return fmt.Errorf("gate: audit %s: %w", rec.Event, err)
	}
	return nil
}
