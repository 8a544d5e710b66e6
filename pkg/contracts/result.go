package contracts

import "time"

// ErrorKind classifies a target failure by retry behaviour, not by provider code.
type ErrorKind string

const (
	// ErrorNone marks a successful attempt.
	ErrorNone ErrorKind = "none"
	// ErrorRetryable is a transient failure: timeout, refused connection, 5xx.
	ErrorRetryable ErrorKind = "retryable"
	// ErrorRateLimited is retryable, but not before the provider's retry-after.
	ErrorRateLimited ErrorKind = "rate_limited"
	// ErrorTerminal is permanent: invalid target, rejected payload, auth failure.
	ErrorTerminal ErrorKind = "terminal"
)

// Retryable reports whether another attempt could plausibly succeed.
func (k ErrorKind) Retryable() bool {
	return k == ErrorRetryable || k == ErrorRateLimited
}

// TargetResult is one attempt outcome for one target. Results are append-only.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type TargetResult struct {
	TargetID        string        `json:"target_id" yaml:"target_id"`
	AttemptNumber   int           `json:"attempt_number" yaml:"attempt_number"`
	Success         bool          `json:"success" yaml:"success"`
	ErrorKind       ErrorKind     `json:"error_kind" yaml:"error_kind"`
	ErrorMessage    string        `json:"error_message,omitempty" yaml:"error_message,omitempty"`
	ResultReference string        `json:"result_reference,omitempty" yaml:"result_reference,omitempty"`
	RetryAfter      time.Duration `json:"retry_after,omitempty" yaml:"retry_after,omitempty"`
	Timestamp       time.Time     `json:"timestamp" yaml:"timestamp"`
	Duration        time.Duration `json:"duration" yaml:"duration"`
}
