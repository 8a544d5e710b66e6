package gate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Mindburn-Labs/helm/actiongate/pkg/contracts"
	"github.com/Mindburn-Labs/helm/actiongate/pkg/signal"
	"github.com/Mindburn-Labs/helm/actiongate/pkg/vault"
)

// PollDecisions asks the signal source about every pending action and
// applies what it reports. Decisions for actions that already left
// pending_approval are logged as late_decision_ignored and acknowledged.
// It returns the number of decisions applied.
func (g *Gate) PollDecisions(ctx context.Context) (int, error) {
	applied := 0
	seen := map[string]struct{}{}
	var errs []error

	for a, err := range g.store.ListByStatus(ctx, contracts.StatusPendingApproval) {
		if err != nil {
			return applied, err
		}
		seen[a.ID] = struct{}{}
		sig, err := g.source.Poll(ctx, a.ID)
		if err != nil {
			g.logger.WarnContext(ctx, "decision signal unreadable", "action_id", a.ID, "error", err)
			continue
		}
		if !sig.Decided() {
			continue
		}
		err = g.apply(ctx, a.ID, sig)
		switch {
		case err == nil:
			applied++
		case errors.Is(err, ErrLateDecision), errors.Is(err, ErrNotPending):
		case errors.Is(err, vault.ErrCorrupt):
			return applied, err
		default:
			errs = append(errs, err)
		}
	}

	lister, ok := g.source.(signal.Lister)
	if !ok {
		return applied, errors.Join(errs...)
	}
	ids, err := lister.Decided(ctx)
	if err != nil {
		return applied, errors.Join(append(errs, err)...)
	}
	for _, id := range ids {
		if _, done := seen[id]; done {
			continue
		}
		if err := g.orphan(ctx, id); err != nil {
			if errors.Is(err, vault.ErrCorrupt) {
				return applied, err
			}
			errs = append(errs, err)
		}
	}
	return applied, errors.Join(errs...)
}

// orphan handles a decision whose action is no longer pending.
func (g *Gate) orphan(ctx context.Context, id string) error {
	a, err := g.store.Read(ctx, id)
	if errors.Is(err, vault.ErrNotFound) {
		g.logger.WarnContext(ctx, "decision for unknown action", "action_id", id)
		return nil
	}
	if err != nil {
		return err
	}
	if a.Status == contracts.StatusPendingApproval {
		// Arrived after this tick's scan; picked up next tick.
		return nil
	}
	sig, err := g.source.Poll(ctx, id)
	if err != nil {
		g.logger.WarnContext(ctx, "decision signal unreadable", "action_id", id, "error", err)
		return nil
	}
	return g.ignoreLate(ctx, a, sig)
}

// Approve applies an approval decision directly.
func (g *Gate) Approve(ctx context.Context, id, decidedBy string) (*contracts.Action, error) {
	if err := g.apply(ctx, id, signal.Signal{Verdict: signal.VerdictApproved, DecidedBy: decidedBy}); err != nil {
		return nil, err
	}
	return g.store.Read(ctx, id)
}

// Reject applies a rejection directly. A reason is mandatory.
func (g *Gate) Reject(ctx context.Context, id, decidedBy, reason string) (*contracts.Action, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, signal.ErrReasonRequired
	}
	if err := g.apply(ctx, id, signal.Signal{Verdict: signal.VerdictRejected, DecidedBy: decidedBy, Reason: reason}); err != nil {
		return nil, err
	}
	return g.store.Read(ctx, id)
}

// timely reports whether sig was recorded at or before the deadline of r.
// A decision made in time counts even when it is observed after the deadline.
func timely(r *contracts.ApprovalRequest, sig signal.Signal) bool {
	return r != nil && sig.Decided() && !sig.DecidedAt.IsZero() && !sig.DecidedAt.After(r.ExpiresAt)
}

// apply moves a pending action according to sig. A decision recorded after
// the deadline expires the request instead.
func (g *Gate) apply(ctx context.Context, id string, sig signal.Signal) error {
	a, err := g.store.Read(ctx, id)
	if err != nil {
		return err
	}
	if a.Status != contracts.StatusPendingApproval {
		if lateErr := g.ignoreLate(ctx, a, sig); lateErr != nil {
			return lateErr
		}
		return fmt.Errorf("%w: %s is %s", ErrNotPending, id, a.Status)
	}

	now := g.clock().UTC()
	if a.Approval.Expired(now) && !timely(a.Approval, sig) {
		if _, err := g.expire(ctx, a.ID, now); err != nil && !errors.Is(err, vault.ErrInvalidTransition) {
			return err
		}
		current, err := g.store.Read(ctx, id)
		if err != nil {
			return err
		}
		if err := g.ignoreLate(ctx, current, sig); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", ErrLateDecision, id)
	}

	to, event, decision := contracts.StatusApproved, contracts.EventApproved, contracts.DecisionApproved
	if sig.Verdict == signal.VerdictRejected {
		to, event, decision = contracts.StatusRejected, contracts.EventRejected, contracts.DecisionRejected
	}
	_, err = g.store.Transition(ctx, id, contracts.StatusPendingApproval, to, func(m *contracts.Action) error {
		if !m.Approval.Pending() {
			return fmt.Errorf("%w: approval for %s already decided", ErrNotPending, m.ID)
		}
		m.Approval.Decision = decision
		m.Approval.DecidedBy = sig.DecidedBy
		m.Approval.DecisionReason = sig.Reason
		decidedAt := now
		if !sig.DecidedAt.IsZero() && sig.DecidedAt.Before(now) {
			decidedAt = sig.DecidedAt.UTC()
		}
		m.Approval.DecisionAt = &decidedAt
		if decision == contracts.DecisionRejected {
			m.StatusReason = sig.Reason
		}
		return nil
	})
	if errors.Is(err, vault.ErrInvalidTransition) {
		// Lost the race to the expiry sweep or another decision.
		current, readErr := g.store.Read(ctx, id)
		if readErr != nil {
			return readErr
		}
		if lateErr := g.ignoreLate(ctx, current, sig); lateErr != nil {
			return lateErr
		}
		return fmt.Errorf("%w: %s", ErrLateDecision, id)
	}
	if err != nil {
		return err
	}

	detail := map[string]any{"decided_by": sig.DecidedBy}
	if sig.Reason != "" {
		detail["reason"] = sig.Reason
	}
	if err := g.record(ctx, contracts.AuditRecord{
		ActionID: id, Event: event, Actor: contracts.ActorHuman, ActorID: sig.DecidedBy,
		From: contracts.StatusPendingApproval, To: to, Detail: detail,
	}); err != nil {
		return err
	}
	g.metrics.ApprovalDecided(ctx, string(decision))
	g.logger.InfoContext(ctx, "approval decided", "action_id", id, "decision", decision, "decided_by", sig.DecidedBy)
	return g.ack(ctx, id)
}

// ignoreLate records a decision that arrived after the action left
// pending_approval, then acknowledges it so it is logged once.
func (g *Gate) ignoreLate(ctx context.Context, a *contracts.Action, sig signal.Signal) error {
	if !sig.Decided() {
		return nil
	}
	if err := g.record(ctx, contracts.AuditRecord{
		ActionID: a.ID, Event: contracts.EventLateDecisionIgnored, Actor: contracts.ActorHuman, ActorID: sig.DecidedBy,
		Detail: map[string]any{
			"verdict":        string(sig.Verdict),
			"current_status": string(a.Status),
		},
	}); err != nil {
		return err
	}
	g.logger.WarnContext(ctx, "late decision ignored", "action_id", a.ID, "verdict", sig.Verdict, "status", a.Status)
	return g.ack(ctx, a.ID)
}

func (g *Gate) ack(ctx context.Context, id string) error {
	if err := g.source.Ack(ctx, id); err != nil {
		g.logger.WarnContext(ctx, "decision ack failed", "action_id", id, "error", err)
		return fmt.Errorf("gate: ack %s: %w", id, err)
	}
	return nil
}

// SweepExpired expires every pending request whose deadline has passed and
// returns how many were expired.
func (g *Gate) SweepExpired(ctx context.Context) (int, error) {
	now := g.clock().UTC()
	var due []*contracts.Action
	for a, err := range g.store.ListByStatus(ctx, contracts.StatusPendingApproval) {
		if err != nil {
			return 0, err
		}
		if a.Approval.Expired(now) || a.Approval == nil {
			due = append(due, a)
		}
	}
	n := 0
	for _, a := range due {
		id := a.ID
		if applied, err := g.applyTimely(ctx, a); err != nil {
			return n, err
		} else if applied {
			continue
		}
		ok, err := g.expire(ctx, id, now)
		if errors.Is(err, vault.ErrInvalidTransition) || errors.Is(err, vault.ErrNotFound) {
			continue
		}
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// applyTimely applies a decision the source recorded before the deadline of
// a, so the sweep never expires a request that was answered in time.
func (g *Gate) applyTimely(ctx context.Context, a *contracts.Action) (bool, error) {
	sig, err := g.source.Poll(ctx, a.ID)
	if err != nil {
		g.logger.WarnContext(ctx, "decision signal unreadable", "action_id", a.ID, "error", err)
		return false, nil
	}
	if !timely(a.Approval, sig) {
		return false, nil
	}
	err = g.apply(ctx, a.ID, sig)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrLateDecision), errors.Is(err, ErrNotPending):
		return true, nil
	case errors.Is(err, vault.ErrCorrupt):
		return false, err
	default:
		// Left pending; the next poll retries it.
		g.logger.WarnContext(ctx, "timely decision not applied", "action_id", a.ID, "error", err)
		return true, nil
	}
}

// expire moves one pending action to expired. Only the caller whose
// transition succeeds writes the audit record.
func (g *Gate) expire(ctx context.Context, id string, now time.Time) (bool, error) {
	var expiresAt time.Time
	_, err := g.store.Transition(ctx, id, contracts.StatusPendingApproval, contracts.StatusExpired, func(m *contracts.Action) error {
		if m.Approval == nil {
			m.Approval = &contracts.ApprovalRequest{ActionID: m.ID, CreatedAt: m.CreatedAt, ExpiresAt: m.CreatedAt.Add(g.cfg.Timeout)}
		}
		if !m.Approval.Expired(now) {
			return fmt.Errorf("%w: %s has not reached its deadline", vault.ErrInvalidTransition, m.ID)
		}
		expiresAt = m.Approval.ExpiresAt
		m.Approval.Decision = contracts.DecisionExpired
		m.Approval.DecisionReason = contracts.TimeoutReason
		m.Approval.DecisionAt = &now
		m.StatusReason = contracts.TimeoutReason
		return nil
	})
	if err != nil {
		return false, err
	}
	if err := g.record(ctx, contracts.AuditRecord{
		ActionID: id, Event: contracts.EventExpired, Actor: contracts.ActorSystem,
		From: contracts.StatusPendingApproval, To: contracts.StatusExpired,
		Detail: map[string]any{"reason": contracts.TimeoutReason, "expires_at": expiresAt.Format(time.RFC3339)},
	}); err != nil {
		return true, err
	}
	g.metrics.ApprovalDecided(ctx, string(contracts.DecisionExpired))
	g.logger.InfoContext(ctx, "approval expired", "action_id", id, "expires_at", expiresAt)
	return true, nil
}
