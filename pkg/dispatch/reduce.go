package dispatch

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Mindburn-Labs/helm/actiongate/pkg/contracts"
)

// Reduce maps the current per-target outcomes to an action status:
//
//   - every target succeeded: completed
//   - any target still pending or retrying: awaiting_retry
//   - some succeeded, the rest exhausted: partial_failure
//   - nothing succeeded, everything exhausted: failed
//
// It is applied after every round, so an action can move from
// awaiting_retry to partial_failure or completed as targets resolve.
func Reduce(targets []contracts.TargetState) contracts.Status {
	if len(targets) == 0 {
		return contracts.StatusFailed
	}
	succeeded, open := 0, 0
	for i := range targets {
		switch targets[i].State {
		case contracts.TargetSucceeded:
			succeeded++
		case contracts.TargetPending, contracts.TargetRetrying:
			open++
		}
	}
	switch {
	case succeeded == len(targets):
		return contracts.StatusCompleted
	case open > 0:
		return contracts.StatusAwaitingRetry
	case succeeded > 0:
		return contracts.StatusPartialFailure
	default:
		return contracts.StatusFailed
	}
}

// settleEvent is the audit event written for the move into status.
func settleEvent(status contracts.Status) contracts.AuditEvent {
	switch status {
	case contracts.StatusCompleted:
		return contracts.EventCompleted
	case contracts.StatusPartialFailure:
		return contracts.EventPartialFailure
	case contracts.StatusAwaitingRetry:
		return contracts.EventRetryScheduled
	default:
		return contracts.EventFailed
	}
}

// bookkeep refreshes retry_count, next_retry_at and the status reason from
// the target states.
func bookkeep(a *contracts.Action, status contracts.Status) {
	a.RetryCount = retryCount(a)
	a.NextRetryAt = nil
	a.StatusReason = ""
	switch status {
	case contracts.StatusAwaitingRetry:
		a.NextRetryAt = nextRetryAt(a.Targets)
	case contracts.StatusPartialFailure, contracts.StatusFailed:
		a.StatusReason = failureSummary(a.Targets)
	}
}

func retryCount(a *contracts.Action) int {
	n := 0
	for i := range a.Targets {
		if r := a.Targets[i].Attempts - 1; r > n {
			n = r
		}
	}
	if a.MaxRetries > 0 && n > a.MaxRetries {
		n = a.MaxRetries
	}
	return n
}

// nextRetryAt is the earliest scheduled retry across retrying targets.
func nextRetryAt(targets []contracts.TargetState) *time.Time {
	var next *time.Time
	for i := range targets {
		t := targets[i]
		if t.State != contracts.TargetRetrying || t.NextAttemptAt == nil {
			continue
		}
		if next == nil || t.NextAttemptAt.Before(*next) {
			v := *t.NextAttemptAt
			next = &v
		}
	}
	return next
}

func failureSummary(targets []contracts.TargetState) string {
	var parts []string
	for i := range targets {
		t := targets[i]
		if t.State != contracts.TargetExhausted {
			continue
		}
		last, ok := t.LastResult()
		if !ok {
			parts = append(parts, t.ID+": not attempted")
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: %s: %s", t.ID, last.ErrorKind, last.ErrorMessage))
	}
	sort.Strings(parts)
	return strings.Join(parts, "; ")
}

// failedTargets lists target ids without a successful result.
func failedTargets(targets []contracts.TargetState) []string {
	var ids []string
	for i := range targets {
		if !targets[i].Succeeded() {
			ids = append(ids, targets[i].ID)
		}
	}
	return ids
}
