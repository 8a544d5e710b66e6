package engine

import (
	"sync"
	"time"
)

const maxAlerts = 32

// Alert is a raised health condition, such as a corrupt store.
type Alert struct {
	Sweep string    `json:"sweep"`
	Error string    `json:"error"`
	At    time.Time `json:"at"`
}

// HealthSnapshot is the engine state reported by /healthz and /readyz.
type HealthSnapshot struct {
	Healthy    bool                 `json:"healthy"`
	Ready      bool                 `json:"ready"`
	Alerts     []Alert              `json:"alerts,omitempty"`
	LastSweep  map[string]time.Time `json:"last_sweep"`
	QueueDepth int                  `json:"queue_depth"`
	InFlight   int                  `json:"in_flight"`
}

type health struct {
	mu     sync.Mutex
	alerts []Alert
	last   map[string]time.Time
}

func newHealth() *health {
	return &health{last: make(map[string]time.Time)}
}

func (h *health) swept(name string, at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.last[name] = at
}

func (h *health) raise(a Alert) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.alerts = append(h.alerts, a)
	if len(h.alerts) > maxAlerts {
		h.alerts = h.alerts[len(h.alerts)-maxAlerts:]
	}
}

// snapshot reports ready once every sweep has run at least once.
func (h *health) snapshot() HealthSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	last := make(map[string]time.Time, len(h.last))
	for k, v := range h.last {
		last[k] = v
	}
	_, d := last[SweepDecisions]
	_, x := last[SweepExpiry]
	_, s := last[SweepDispatch]
	return HealthSnapshot{
		Healthy:   len(h.alerts) == 0,
		Ready:     d && x && s,
		Alerts:    append([]Alert(nil), h.alerts...),
		LastSweep: last,
	}
}
