package contracts

import (
	"encoding/json"
	"fmt"
	"time"
)

// RiskLevel is the reporting classification assigned by the risk classifier.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Action is a unit of work that performs an external effect once approved.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Action struct {
	ID     string     `json:"id" yaml:"id"`
	Type   ActionType `json:"action_type" yaml:"action_type"`
	Status Status     `json:"status" yaml:"status"`

	// Payload is the typed parameter set; see DecodePayload.
	Payload Payload `json:"-" yaml:"-"`

	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`

	// Origin names the watcher or reasoning step that proposed the action.
	Origin string `json:"origin,omitempty" yaml:"origin,omitempty"`

	RiskLevel        RiskLevel `json:"risk_level" yaml:"risk_level"`
	ApprovalRequired bool      `json:"approval_required" yaml:"approval_required"`
	Irreversible     bool      `json:"irreversible" yaml:"irreversible"`

	RetryCount  int        `json:"retry_count" yaml:"retry_count"`
	MaxRetries  int        `json:"max_retries" yaml:"max_retries"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty" yaml:"next_retry_at,omitempty"`

	Targets  []TargetState    `json:"targets" yaml:"targets"`
	Approval *ApprovalRequest `json:"approval,omitempty" yaml:"approval,omitempty"`

	RecreatedFrom string `json:"recreated_from,omitempty" yaml:"recreated_from,omitempty"`
	StatusReason  string `json:"status_reason,omitempty" yaml:"status_reason,omitempty"`
}

type actionJSON struct {
	actionAlias
	Payload json.RawMessage `json:"payload"`
}

type actionAlias Action

// MarshalJSON encodes the payload variant alongside the action fields.
func (a Action) MarshalJSON() ([]byte, error) {
	var raw json.RawMessage
	if a.Payload != nil {
		b, err := json.Marshal(a.Payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		raw = b
	}
	return json.Marshal(actionJSON{actionAlias: actionAlias(a), Payload: raw})
}

// UnmarshalJSON restores the payload variant selected by action_type.
func (a *Action) UnmarshalJSON(data []byte) error {
	var doc actionJSON
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	*a = Action(doc.actionAlias)
	if len(doc.Payload) == 0 || string(doc.Payload) == "null" {
		return nil
	}
	p, err := DecodePayload(a.Type, func(v any) error { return json.Unmarshal(doc.Payload, v) })
	if err != nil {
		return err
	}
	a.Payload = p
	return nil
}

// Clone returns a deep copy that can be mutated without affecting the original.
func (a *Action) Clone() *Action {
	if a == nil {
		return nil
	}
	c := *a
	c.NextRetryAt = cloneTime(a.NextRetryAt)
	if a.Approval != nil {
		ap := *a.Approval
		ap.DecisionAt = cloneTime(a.Approval.DecisionAt)
		c.Approval = &ap
	}
	c.Targets = make([]TargetState, len(a.Targets))
	for i, t := range a.Targets {
		t.NextAttemptAt = cloneTime(t.NextAttemptAt)
		t.Results = append([]TargetResult(nil), t.Results...)
		c.Targets[i] = t
	}
	return &c
}

// Target returns the state of the target with the given id, or nil.
func (a *Action) Target(id string) *TargetState {
	for i := range a.Targets {
		if a.Targets[i].ID == id {
			return &a.Targets[i]
		}
	}
	return nil
}

// InitTargets seeds target state from the payload. Existing state is kept.
func (a *Action) InitTargets() {
	if a.Payload == nil || len(a.Targets) > 0 {
		return
	}
	for _, t := range a.Payload.Targets() {
		a.Targets = append(a.Targets, TargetState{ID: t.ID, Kind: t.Kind, State: TargetPending})
	}
}

// Target is one independent destination of an action.
type Target struct {
	ID   string `json:"id" yaml:"id"`
	Kind string `json:"kind" yaml:"kind"`
}

// TargetPhase is the per-target progress marker.
type TargetPhase string

const (
	TargetPending   TargetPhase = "pending"
	TargetRetrying  TargetPhase = "retrying"
	TargetSucceeded TargetPhase = "succeeded"
	TargetExhausted TargetPhase = "exhausted"
)

// TargetState carries the attempt budget and append-only result history of one target.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type TargetState struct {
	ID    string      `json:"id" yaml:"id"`
	Kind  string      `json:"kind" yaml:"kind"`
	State TargetPhase `json:"state" yaml:"state"`

	// Attempts counts attempts in the current budget window. A manual retry
	// opens a new window; LastAttempt keeps counting across windows.
	Attempts    int `json:"attempts" yaml:"attempts"`
	LastAttempt int `json:"last_attempt" yaml:"last_attempt"`

	NextAttemptAt   *time.Time     `json:"next_attempt_at,omitempty" yaml:"next_attempt_at,omitempty"`
	ResultReference string         `json:"result_reference,omitempty" yaml:"result_reference,omitempty"`
	Results         []TargetResult `json:"results,omitempty" yaml:"results,omitempty"`
}

// Succeeded reports whether the target has a successful result.
func (t *TargetState) Succeeded() bool {
	return t.State == TargetSucceeded
}

// Due reports whether the target should be attempted at now.
func (t *TargetState) Due(now time.Time) bool {
	switch t.State {
	case TargetPending:
		return true
	case TargetRetrying:
		return t.NextAttemptAt == nil || !now.Before(*t.NextAttemptAt)
	default:
		return false
	}
}

// Record appends res to the history. Attempt numbers must strictly increase.
func (t *TargetState) Record(res TargetResult) error {
	if res.AttemptNumber <= t.LastAttempt {
		return fmt.Errorf("target %s: attempt %d is not after %d", t.ID, res.AttemptNumber, t.LastAttempt)
	}
	t.Results = append(t.Results, res)
	t.LastAttempt = res.AttemptNumber
	t.Attempts++
	if res.Success {
		t.State = TargetSucceeded
		t.ResultReference = res.ResultReference
		t.NextAttemptAt = nil
	}
	return nil
}

// LastResult returns the most recent result, if any.
func (t *TargetState) LastResult() (TargetResult, bool) {
	if len(t.Results) == 0 {
		return TargetResult{}, false
	}
	return t.Results[len(t.Results)-1], true
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
