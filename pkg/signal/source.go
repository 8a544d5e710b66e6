// Package signal reads human approval decisions. The engine polls a Source
// for each pending action.
package signal

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// Verdict is what a Source reports for one pending action.
type Verdict string

const (
	VerdictPending  Verdict = "pending"
	VerdictApproved Verdict = "approved"
	VerdictRejected Verdict = "rejected"
)

var (
	// ErrReasonRequired is returned for a rejection that carries no reason.
	ErrReasonRequired = errors.New("signal: rejection requires a reason")
	// ErrConflictingDecision is returned when an action is both approved and rejected.
	ErrConflictingDecision = errors.New("signal: conflicting decisions")
	// ErrInvalidID is returned when a decision names an id that cannot be a record.
	ErrInvalidID = errors.New("signal: invalid action id")
)

// Signal is one observed decision.
type Signal struct {
	Verdict   Verdict
	Reason    string
	DecidedBy string
	// DecidedAt is when the decision was made, if the source knows.
	DecidedAt time.Time
}

// Decided reports whether the signal carries a decision.
func (s Signal) Decided() bool {
	return s.Verdict == VerdictApproved || s.Verdict == VerdictRejected
}

// Source is polled for decisions. Ack is called once the decision has been
// applied or ignored so the same signal is not observed again.
type Source interface {
	Poll(ctx context.Context, actionID string) (Signal, error)
	Ack(ctx context.Context, actionID string) error
}

// Lister is implemented by sources that can enumerate every action with a
// decision waiting, including actions no longer pending.
type Lister interface {
	Decided(ctx context.Context) ([]string, error)
}

// MemorySource holds decisions in memory.
type MemorySource struct {
	mu      sync.Mutex
	signals map[string]Signal
	acked   map[string]int
}

// NewMemorySource creates an empty MemorySource.
func NewMemorySource() *MemorySource {
	return &MemorySource{
		signals: make(map[string]Signal),
		acked:   make(map[string]int),
	}
}

// Decide records a decision for actionID.
func (m *MemorySource) Decide(actionID string, s Signal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signals[actionID] = s
}

// Poll implements Source.
func (m *MemorySource) Poll(ctx context.Context, actionID string) (Signal, error) {
	if err := ctx.Err(); err != nil {
		return Signal{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.signals[actionID]
	if !ok {
		return Signal{Verdict: VerdictPending}, nil
	}
	if s.Verdict == VerdictRejected && s.Reason == "" {
		return Signal{}, ErrReasonRequired
	}
	return s, nil
}

// Ack implements Source.
func (m *MemorySource) Ack(_ context.Context, actionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.signals, actionID)
	m.acked[actionID]++
	return nil
}

// Decided implements Lister.
func (m *MemorySource) Decided(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.signals))
	for id := range m.signals {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Acked returns how many times actionID was acknowledged.
func (m *MemorySource) Acked(actionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acked[actionID]
}
