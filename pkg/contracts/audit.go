package contracts

import "time"

// AuditEvent names the transition or attempt an AuditRecord describes.
type AuditEvent string

const (
	EventCreated             AuditEvent = "created"
	EventPendingApproval     AuditEvent = "pending_approval"
	EventApproved            AuditEvent = "approved"
	EventRejected            AuditEvent = "rejected"
	EventExpired             AuditEvent = "expired"
	EventLateDecisionIgnored AuditEvent = "late_decision_ignored"
	EventDispatchAttempt     AuditEvent = "dispatch_attempt"
	EventDispatchResult      AuditEvent = "dispatch_result"
	EventRetryScheduled      AuditEvent = "retry_scheduled"
	EventCompleted           AuditEvent = "completed"
	EventPartialFailure      AuditEvent = "partial_failure"
	EventFailed              AuditEvent = "failed"
	EventAbandoned           AuditEvent = "abandoned"
	EventResolved            AuditEvent = "resolved"
	EventRetryRequested      AuditEvent = "retry_requested"
	EventRecreated           AuditEvent = "recreated"
	EventRecovered           AuditEvent = "recovered"
	EventDispatching         AuditEvent = "dispatching"
	EventCorrection          AuditEvent = "correction"
)

// Actor identifies who caused an audited event.
type Actor string

const (
	ActorReasoningEngine Actor = "reasoning-engine"
	ActorHuman           Actor = "human"
	ActorSystem          Actor = "system"
)

// AuditRecord is one immutable line of the audit log.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type AuditRecord struct {
	ID        string         `json:"id" yaml:"id"`
	Timestamp time.Time      `json:"timestamp" yaml:"timestamp"`
	ActionID  string         `json:"action_id" yaml:"action_id"`
	Event     AuditEvent     `json:"event" yaml:"event"`
	Actor     Actor          `json:"actor" yaml:"actor"`
	ActorID   string         `json:"actor_id,omitempty" yaml:"actor_id,omitempty"`
	From      Status         `json:"from,omitempty" yaml:"from,omitempty"`
	To        Status         `json:"to,omitempty" yaml:"to,omitempty"`
	Detail    map[string]any `json:"detail,omitempty" yaml:"detail,omitempty"`
	Corrects  string         `json:"corrects,omitempty" yaml:"corrects,omitempty"`
}

// Transition reports whether the record describes a status change.
func (r AuditRecord) Transition() bool {
	return r.To != "" && r.From != r.To
}
