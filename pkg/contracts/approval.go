package contracts

import "time"

// Decision is the outcome recorded on an ApprovalRequest.
type Decision string

const (
	DecisionPending  Decision = "pending"
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
	DecisionExpired  Decision = "expired"
)

// TimeoutReason is the decision reason recorded when an approval expires.
const TimeoutReason = "timeout"

// ApprovalRequest is the companion record of an action waiting for a human
// decision. It travels with the action and is immutable once decided.
type ApprovalRequest struct {
	ActionID       string     `json:"action_id" yaml:"action_id"`
	CreatedAt      time.Time  `json:"created_at" yaml:"created_at"`
	ExpiresAt      time.Time  `json:"expires_at" yaml:"expires_at"`
	Decision       Decision   `json:"decision" yaml:"decision"`
	DecisionReason string     `json:"decision_reason,omitempty" yaml:"decision_reason,omitempty"`
	DecidedBy      string     `json:"decided_by,omitempty" yaml:"decided_by,omitempty"`
	DecisionAt     *time.Time `json:"decision_at,omitempty" yaml:"decision_at,omitempty"`
}

// Pending reports whether no decision has been recorded.
func (r *ApprovalRequest) Pending() bool {
	return r != nil && r.Decision == DecisionPending
}

// Expired reports whether the request deadline has passed at now.
func (r *ApprovalRequest) Expired(now time.Time) bool {
	return r != nil && now.After(r.ExpiresAt)
}
