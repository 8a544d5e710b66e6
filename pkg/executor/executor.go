// Package executor defines the Target Executor contract and the adapters the
// dispatcher invokes: generic JSON webhooks, SMTP mail, and a dedup wrapper
// for services that cannot guarantee idempotent sends.
package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Mindburn-Labs/helm/actiongate/pkg/contracts"
)

// Request is one attempt to deliver an action to one target.
type Request struct {
	ActionID   string
	ActionType contracts.ActionType
	Target     contracts.Target
	Payload    contracts.Payload
	Attempt    int
	// IdempotencyKey is stable across attempts for the same action and target.
	IdempotencyKey string
}

// Result is the outcome of one Execute call. Executors never return errors;
// failures are classified into ErrorKind.
type Result struct {
	Success      bool
	Reference    string
	ErrorKind    contracts.ErrorKind
	ErrorMessage string
	RetryAfter   time.Duration
}

// Succeeded builds a success result.
func Succeeded(reference string) Result {
	return Result{Success: true, Reference: reference, ErrorKind: contracts.ErrorNone}
}

// Failed builds a failure result.
func Failed(kind contracts.ErrorKind, format string, args ...any) Result {
	return Result{ErrorKind: kind, ErrorMessage: fmt.Sprintf(format, args...)}
}

// Executor delivers to one kind of external service. Implementations must be
// safe for concurrent use and must honour ctx.
type Executor interface {
	Kind() string
	Execute(ctx context.Context, req Request) Result
}

// Func adapts a function to the Executor interface.
type Func struct {
	KindName string
	Fn       func(ctx context.Context, req Request) Result
}

// Kind implements Executor.
func (f Func) Kind() string { return f.KindName }

// Execute implements Executor.
func (f Func) Execute(ctx context.Context, req Request) Result { return f.Fn(ctx, req) }

// IdempotencyKey derives the key sent with every attempt of one target.
func IdempotencyKey(actionID, targetID string) string {
	sum := sha256.Sum256([]byte(actionID + "\x00" + targetID))
	return hex.EncodeToString(sum[:16])
}

// Registry maps target kinds to executors.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry creates a registry holding execs.
func NewRegistry(execs ...Executor) *Registry {
	r := &Registry{executors: make(map[string]Executor)}
	for _, e := range execs {
		r.Register(e)
	}
	return r
}

// Register adds or replaces the executor for e.Kind().
func (r *Registry) Register(e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[e.Kind()] = e
}

// Lookup returns the executor for kind.
func (r *Registry) Lookup(kind string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[kind]
	return e, ok
}

// Kinds lists registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.executors))
	for k := range r.executors {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
