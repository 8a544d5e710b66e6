package contracts

// Status is the lifecycle state of an Action. Each status maps to exactly one
// store partition.
type Status string

const (
	StatusCreated         Status = "created"
	StatusPendingApproval Status = "pending_approval"
	StatusApproved        Status = "approved"
	StatusDispatching     Status = "dispatching"
	StatusAwaitingRetry   Status = "awaiting_retry"
	StatusPartialFailure  Status = "partial_failure"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
	StatusRejected        Status = "rejected"
	StatusExpired         Status = "expired"
	StatusAbandoned       Status = "abandoned"
	StatusResolved        Status = "resolved"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusCreated,
	StatusPendingApproval,
	StatusApproved,
	StatusDispatching,
	StatusAwaitingRetry,
	StatusPartialFailure,
	StatusCompleted,
	StatusFailed,
	StatusRejected,
	StatusExpired,
	StatusAbandoned,
	StatusResolved,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether no automatic process will touch the action again.
// partial_failure and failed are not terminal: they stay addressable for a
// manual retry until a human resolves them.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusRejected, StatusExpired, StatusAbandoned, StatusResolved:
		return true
	default:
		return false
	}
}

// Active reports whether the action is still shown to operators as open work.
func (s Status) Active() bool {
	return !s.Terminal()
}
