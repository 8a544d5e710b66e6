package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduper remembers successful sends by idempotency key.
type Deduper interface {
	Lookup(ctx context.Context, key string) (reference string, found bool, err error)
	Remember(ctx context.Context, key, reference string) error
}

// Deduped wraps an executor whose service cannot detect duplicate sends. A key
// that already succeeded returns the first reference without calling the
// service again.
func Deduped(exec Executor, d Deduper) Executor {
	return &dedupedExecutor{
		next:   exec,
		dedup:  d,
		logger: slog.Default().With("component", "executor", "kind", exec.Kind()),
	}
}

type dedupedExecutor struct {
	next   Executor
	dedup  Deduper
	logger *slog.Logger
}

func (d *dedupedExecutor) Kind() string { return d.next.Kind() }

func (d *dedupedExecutor) Execute(ctx context.Context, req Request) Result {
	ref, found, err := d.dedup.Lookup(ctx, req.IdempotencyKey)
	if err != nil {
		// Sending blind could duplicate the effect.
		return Failed(ClassifyError(err), "dedup lookup: %v", err)
	}
	if found {
		d.logger.InfoContext(ctx, "duplicate send suppressed", "action_id", req.ActionID, "target", req.Target.ID)
		return Succeeded(ref)
	}
	res := d.next.Execute(ctx, req)
	if res.Success {
		if err := d.dedup.Remember(ctx, req.IdempotencyKey, res.Reference); err != nil {
			d.logger.WarnContext(ctx, "dedup remember failed", "action_id", req.ActionID, "error", err)
		}
	}
	return res
}

// MemoryDeduper keeps keys in process memory for ttl.
type MemoryDeduper struct {
	mu    sync.Mutex
	ttl   time.Duration
	clock func() time.Time
	seen  map[string]memoryEntry
}

type memoryEntry struct {
	reference string
	expires   time.Time
}

// NewMemoryDeduper creates a MemoryDeduper. ttl <= 0 keeps keys forever.
func NewMemoryDeduper(ttl time.Duration) *MemoryDeduper {
	return &MemoryDeduper{ttl: ttl, clock: time.Now, seen: make(map[string]memoryEntry)}
}

// Lookup implements Deduper.
func (m *MemoryDeduper) Lookup(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.seen[key]
	if !ok {
		return "", false, nil
	}
	if !e.expires.IsZero() && m.clock().After(e.expires) {
		delete(m.seen, key)
		return "", false, nil
	}
	return e.reference, true, nil
}

// Remember implements Deduper. The first reference for a key wins.
func (m *MemoryDeduper) Remember(_ context.Context, key, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.seen[key]; ok {
		return nil
	}
	e := memoryEntry{reference: reference}
	if m.ttl > 0 {
		e.expires = m.clock().Add(m.ttl)
	}
	m.seen[key] = e
	return nil
}

// RedisDeduper shares dedup state across processes.
type RedisDeduper struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisDeduper creates a deduper on an existing client.
func NewRedisDeduper(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisDeduper {
	if prefix == "" {
		prefix = "actiongate:sent:"
	}
	return &RedisDeduper{client: client, prefix: prefix, ttl: ttl}
}

// Lookup implements Deduper.
func (r *RedisDeduper) Lookup(ctx context.Context, key string) (string, bool, error) {
	ref, err := r.client.Get(ctx, r.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis dedup lookup: %w", err)
	}
	return ref, true, nil
}

// Remember implements Deduper with SET NX so the first reference wins.
func (r *RedisDeduper) Remember(ctx context.Context, key, reference string) error {
	if err := r.client.SetNX(ctx, r.prefix+key, reference, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis dedup remember: %w", err)
	}
	return nil
}
