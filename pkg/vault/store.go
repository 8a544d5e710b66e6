// Package vault is the durable Work Item Store. Actions live in status
// partitions; moving an action between partitions is the only way its status
// changes, and every move is a compare-and-swap on the current status.
package vault

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"regexp"

	"github.com/Mindburn-Labs/helm/actiongate/pkg/contracts"
)

var (
	// ErrNotFound is returned when no partition holds the action.
	ErrNotFound = errors.New("vault: action not found")
	// ErrExists is returned when creating an action whose id is already stored.
	ErrExists = errors.New("vault: action already exists")
	// ErrInvalidTransition is returned when the requested move is not allowed
	// or the action is not in the expected partition.
	ErrInvalidTransition = errors.New("vault: invalid transition")
	// ErrCorrupt signals a broken invariant, such as an action present in two
	// partitions. Callers must stop processing and raise an alert.
	ErrCorrupt = errors.New("vault: store corrupt")
)

// TransitionError describes a rejected transition and the status observed.
type TransitionError struct {
	ID      string
	From    contracts.Status
	To      contracts.Status
	Current contracts.Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("vault: cannot move %s from %s to %s (current %s)", e.ID, e.From, e.To, e.Current)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// Mutator edits an action inside a transition. Returning an error aborts the
// transition without any change.
type Mutator func(a *contracts.Action) error

// Store is the Work Item Store contract.
type Store interface {
	// Create persists a new action and returns its id.
	Create(ctx context.Context, a *contracts.Action) (string, error)

	// Read returns the current state of an action.
	Read(ctx context.Context, id string) (*contracts.Action, error)

	// Transition atomically moves an action from one status to another,
	// applying mutate first. from == to rewrites the record in place.
	Transition(ctx context.Context, id string, from, to contracts.Status, mutate Mutator) (*contracts.Action, error)

	// ListByStatus scans one partition. Each call is a fresh, finite scan.
	ListByStatus(ctx context.Context, status contracts.Status) iter.Seq2[*contracts.Action, error]

	// Close releases resources held by the store.
	Close() error
}

var transitions = map[contracts.Status][]contracts.Status{
	contracts.StatusCreated:         {contracts.StatusPendingApproval, contracts.StatusApproved},
	contracts.StatusPendingApproval: {contracts.StatusApproved, contracts.StatusRejected, contracts.StatusExpired},
	contracts.StatusApproved:        {contracts.StatusDispatching},
	contracts.StatusDispatching: {
		contracts.StatusCompleted,
		contracts.StatusPartialFailure,
		contracts.StatusAwaitingRetry,
		contracts.StatusFailed,
	},
	contracts.StatusAwaitingRetry:  {contracts.StatusDispatching, contracts.StatusAbandoned},
	contracts.StatusPartialFailure: {contracts.StatusApproved, contracts.StatusResolved},
	contracts.StatusFailed:         {contracts.StatusApproved, contracts.StatusResolved},
}

// CanTransition reports whether from -> to is a legal move. Staying in the same
// non-terminal status is always legal and is used for bookkeeping updates.
func CanTransition(from, to contracts.Status) bool {
	if from == to {
		return from.Valid() && !from.Terminal()
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,127}$`)

// ValidID reports whether id can name a record in every backend.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

func checkTransition(id string, from, to contracts.Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s may not move from %s to %s", ErrInvalidTransition, id, from, to)
	}
	return nil
}
