package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Mindburn-Labs/helm/actiongate/pkg/contracts"
	"github.com/Mindburn-Labs/helm/actiongate/pkg/vault"
)

// InterruptedReason marks irreversible actions found mid-dispatch after a restart.
const InterruptedReason = "interrupted"

var (
	// ErrUnknownTarget is returned when a manual retry names a target the action does not have.
	ErrUnknownTarget = errors.New("dispatch: unknown target")
	// ErrTargetSucceeded is returned when a manual retry names a target that already succeeded.
	ErrTargetSucceeded = errors.New("dispatch: target already succeeded")
	// ErrReasonRequired is returned when abandoning without a reason.
	ErrReasonRequired = errors.New("dispatch: reason is required")
)

// RetryTargets reopens a partial_failure or failed action for the named
// targets, or for every unsuccessful target when none are named. Each
// reopened target gets a fresh attempt budget; successful targets are never
// touched. The action moves back to approved.
func (d *Dispatcher) RetryTargets(ctx context.Context, id string, targetIDs []string, actorID string) (*contracts.Action, error) {
	a, err := d.store.Read(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status != contracts.StatusPartialFailure && a.Status != contracts.StatusFailed {
		return nil, &vault.TransitionError{ID: id, From: a.Status, To: contracts.StatusApproved, Current: a.Status}
	}
	if len(targetIDs) == 0 {
		targetIDs = failedTargets(a.Targets)
	}

	reopened, err := d.store.Transition(ctx, id, a.Status, contracts.StatusApproved, func(m *contracts.Action) error {
		for _, tid := range targetIDs {
			ts := m.Target(tid)
			if ts == nil {
				return fmt.Errorf("%w: %s has no target %q", ErrUnknownTarget, m.ID, tid)
			}
			if ts.Succeeded() {
				return fmt.Errorf("%w: %s/%s", ErrTargetSucceeded, m.ID, tid)
			}
			ts.State = contracts.TargetPending
			ts.Attempts = 0
			ts.NextAttemptAt = nil
		}
		m.RetryCount = retryCount(m)
		m.NextRetryAt = nil
		m.StatusReason = ""
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := d.record(ctx, contracts.AuditRecord{
		ActionID: id, Event: contracts.EventRetryRequested, Actor: contracts.ActorHuman, ActorID: actorID,
		From: a.Status, To: contracts.StatusApproved,
		Detail: map[string]any{"targets": targetIDs},
	}); err != nil {
		return nil, err
	}
	d.logger.InfoContext(ctx, "manual retry requested", "action_id", id, "targets", targetIDs)
	return reopened, nil
}

// Abandon cancels an action awaiting retry. The retry sweep re-reads status
// before every dispatch, so no further attempt starts after this returns.
func (d *Dispatcher) Abandon(ctx context.Context, id, actorID, reason string) (*contracts.Action, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, ErrReasonRequired
	}
	abandoned, err := d.store.Transition(ctx, id, contracts.StatusAwaitingRetry, contracts.StatusAbandoned, func(m *contracts.Action) error {
		m.NextRetryAt = nil
		m.StatusReason = reason
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := d.record(ctx, contracts.AuditRecord{
		ActionID: id, Event: contracts.EventAbandoned, Actor: contracts.ActorHuman, ActorID: actorID,
		From: contracts.StatusAwaitingRetry, To: contracts.StatusAbandoned,
		Detail: map[string]any{"reason": reason},
	}); err != nil {
		return nil, err
	}
	return abandoned, nil
}

// Resolve closes a partial_failure or failed action without further attempts.
func (d *Dispatcher) Resolve(ctx context.Context, id, actorID, note string) (*contracts.Action, error) {
	a, err := d.store.Read(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status != contracts.StatusPartialFailure && a.Status != contracts.StatusFailed {
		return nil, &vault.TransitionError{ID: id, From: a.Status, To: contracts.StatusResolved, Current: a.Status}
	}
	resolved, err := d.store.Transition(ctx, id, a.Status, contracts.StatusResolved, func(m *contracts.Action) error {
		if note != "" {
			m.StatusReason = note
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	detail := map[string]any{"failed_targets": failedTargets(resolved.Targets)}
	if note != "" {
		detail["note"] = note
	}
	if err := d.record(ctx, contracts.AuditRecord{
		ActionID: id, Event: contracts.EventResolved, Actor: contracts.ActorHuman, ActorID: actorID,
		From: a.Status, To: contracts.StatusResolved, Detail: detail,
	}); err != nil {
		return nil, err
	}
	return resolved, nil
}

// Recover settles every action left in dispatching by a crash.
func (d *Dispatcher) Recover(ctx context.Context) (int, error) {
	return d.recoverWhere(ctx, func(*contracts.Action) bool { return true })
}

// RecoverStale settles dispatching actions that have not been written for
// longer than the call timeout. busy reports actions with a round still
// running in this process; those are left alone.
func (d *Dispatcher) RecoverStale(ctx context.Context, busy func(id string) bool) (int, error) {
	cutoff := d.clock().Add(-d.cfg.CallTimeout)
	return d.recoverWhere(ctx, func(a *contracts.Action) bool {
		return a.UpdatedAt.Before(cutoff) && (busy == nil || !busy(a.ID))
	})
}

func (d *Dispatcher) recoverWhere(ctx context.Context, match func(*contracts.Action) bool) (int, error) {
	var stuck []*contracts.Action
	for a, err := range d.store.ListByStatus(ctx, contracts.StatusDispatching) {
		if err != nil {
			return 0, err
		}
		if match(a) {
			stuck = append(stuck, a)
		}
	}

	n := 0
	for _, a := range stuck {
		_, err := d.recoverOne(ctx, a)
		if errors.Is(err, vault.ErrInvalidTransition) {
			continue
		}
		if err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// salvage settles a round that could not be persisted or audited in full, so
// the action does not stay in dispatching.
func (d *Dispatcher) salvage(ctx context.Context, id string) (Outcome, error) {
	a, err := d.store.Read(ctx, id)
	if err != nil {
		return Outcome{ActionID: id, Status: contracts.StatusDispatching}, err
	}
	return d.recoverOne(ctx, a)
}

// recoverOne settles a dispatching action without calling any executor.
// Results already persisted are kept. Open targets of a reversible action
// become due at once. Open targets of an irreversible action are exhausted
// as interrupted, because a call may have reached the provider without its
// result being stored; targets that succeeded still count, so the action
// ends partial_failure rather than failed when some went through.
func (d *Dispatcher) recoverOne(ctx context.Context, a *contracts.Action) (Outcome, error) {
	now := d.clock().UTC()
	status := Reduce(a.Targets)
	interrupted := status == contracts.StatusAwaitingRetry && a.Irreversible
	if interrupted {
		status = Reduce(interrupt(a.Clone().Targets))
	}
	recovered, err := d.store.Transition(ctx, a.ID, contracts.StatusDispatching, status, func(m *contracts.Action) error {
		if interrupted {
			interrupt(m.Targets)
			bookkeep(m, status)
			m.StatusReason = InterruptedReason
			return nil
		}
		for i := range m.Targets {
			if m.Targets[i].State == contracts.TargetRetrying {
				m.Targets[i].NextAttemptAt = &now
			}
		}
		bookkeep(m, status)
		return nil
	})
	if err != nil {
		return Outcome{ActionID: a.ID, Status: contracts.StatusDispatching}, err
	}
	out := outcomeOf(recovered)
	d.logger.WarnContext(ctx, "recovered interrupted dispatch", "action_id", a.ID, "status", status)
	return out, d.record(ctx, contracts.AuditRecord{
		ActionID: a.ID, Event: contracts.EventRecovered, Actor: contracts.ActorSystem,
		From: contracts.StatusDispatching, To: status,
		Detail: map[string]any{"interrupted": interrupted, "reason": recovered.StatusReason},
	})
}

// interrupt exhausts every open target in place.
func interrupt(targets []contracts.TargetState) []contracts.TargetState {
	for i := range targets {
		switch targets[i].State {
		case contracts.TargetPending, contracts.TargetRetrying:
			targets[i].State = contracts.TargetExhausted
			targets[i].NextAttemptAt = nil
		}
	}
	return targets
}
