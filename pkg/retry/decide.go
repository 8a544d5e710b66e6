package retry

import (
	"time"

	"github.com/Mindburn-Labs/helm/actiongate/pkg/contracts"
)

// Reasons reported by Decide.
const (
	ReasonBackoff      = "backoff"
	ReasonRetryAfter   = "retry_after"
	ReasonTerminal     = "terminal_error"
	ReasonIrreversible = "irreversible"
	ReasonExhausted    = "retries_exhausted"
	ReasonTotalCap     = "total_delay_cap"
	ReasonSucceeded    = "succeeded"
)

// Input describes a target right after an attempt.
type Input struct {
	Kind contracts.ErrorKind
	// Attempts made in the current budget window, including the one that just failed.
	Attempts     int
	Irreversible bool
	RetryAfter   time.Duration
	// Elapsed is the time already spent retrying this target in the window.
	Elapsed time.Duration
	Seed    Seed
}

// Decision is the verdict for one failed target.
type Decision struct {
	Retry  bool
	Delay  time.Duration
	Reason string
}

// Decide applies the policy. Terminal failures and irreversible actions stop
// at once; otherwise the target retries until MaxRetries+1 attempts or the
// total delay cap.
func (p Policy) Decide(in Input) Decision {
	switch {
	case in.Kind == contracts.ErrorNone:
		return Decision{Reason: ReasonSucceeded}
	case !in.Kind.Retryable():
		return Decision{Reason: ReasonTerminal}
	case in.Irreversible:
		return Decision{Reason: ReasonIrreversible}
	case in.Attempts >= p.MaxRetries+1:
		return Decision{Reason: ReasonExhausted}
	}

	delay := p.Delay(in.Attempts, in.Seed)
	reason := ReasonBackoff
	if in.Kind == contracts.ErrorRateLimited && in.RetryAfter > delay {
		delay = in.RetryAfter
		reason = ReasonRetryAfter
	}
	if p.MaxTotalDelay > 0 && in.Elapsed+delay > p.MaxTotalDelay {
		return Decision{Reason: ReasonTotalCap}
	}
	return Decision{Retry: true, Delay: delay, Reason: reason}
}

// Step is one entry of a previewed schedule.
type Step struct {
	Attempt int           `json:"attempt"`
	Delay   time.Duration `json:"delay"`
	Offset  time.Duration `json:"offset"`
}

// Schedule previews the attempts a continuously retryable target would get:
// the initial attempt at offset 0 followed by each retry.
func (p Policy) Schedule(seed Seed) []Step {
	steps := []Step{{Attempt: 1}}
	var offset time.Duration
	for attempt := 1; attempt <= p.MaxRetries; attempt++ {
		d := p.Delay(attempt, seed)
		if p.MaxTotalDelay > 0 && offset+d > p.MaxTotalDelay {
			break
		}
		offset += d
		steps = append(steps, Step{Attempt: attempt + 1, Delay: d, Offset: offset})
	}
	return steps
}
