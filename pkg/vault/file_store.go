package vault

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/Mindburn-Labs/helm/actiongate/pkg/contracts"
)

const (
	recordExt = ".md"
	// lockFile serializes writers across processes sharing a vault.
	lockFile       = ".lock"
	lockRetryDelay = 5 * time.Millisecond
)

// partitionDirs names the directory that holds each status.
var partitionDirs = map[contracts.Status]string{
	contracts.StatusCreated:         "Needs_Action",
	contracts.StatusPendingApproval: "Pending_Approval",
	contracts.StatusApproved:        "Approved",
	contracts.StatusDispatching:     "In_Progress",
	contracts.StatusAwaitingRetry:   "Awaiting_Retry",
	contracts.StatusPartialFailure:  "Partial_Failure",
	contracts.StatusFailed:          "Failed",
	contracts.StatusCompleted:       "Done",
	contracts.StatusRejected:        "Rejected",
	contracts.StatusExpired:         "Expired",
	contracts.StatusAbandoned:       "Abandoned",
	contracts.StatusResolved:        "Resolved",
}

// PartitionDir returns the directory name used for status.
func PartitionDir(status contracts.Status) string {
	return partitionDirs[status]
}

// FileStore keeps one markdown record per action in a directory per status.
// Partition membership is authoritative for status. Records are replaced via
// write-to-temp and rename, and moved between partitions with a single rename,
// so an action is always a member of exactly one partition on disk. Writers
// hold the in-process lock and an exclusive lock on <root>/.lock, so a CLI
// and a running engine sharing the vault never interleave a transition.
type FileStore struct {
	root   string
	mu     sync.RWMutex
	lock   *flock.Flock
	clock  func() time.Time
	logger *slog.Logger
}

// FileStoreOption customizes a FileStore.
type FileStoreOption func(*FileStore)

// WithClock overrides the clock used for updated_at stamps.
func WithClock(clock func() time.Time) FileStoreOption {
	return func(s *FileStore) { s.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) FileStoreOption {
	return func(s *FileStore) { s.logger = l }
}

// NewFileStore creates the partition directories under root.
func NewFileStore(root string, opts ...FileStoreOption) (*FileStore, error) {
	s := &FileStore{
		root:   root,
		lock:   flock.New(filepath.Join(root, lockFile)),
		clock:  time.Now,
		logger: slog.Default().With("component", "vault"),
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, dir := range partitionDirs {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o750); err != nil {
			return nil, fmt.Errorf("vault: create partition %s: %w", dir, err)
		}
	}
	return s, nil
}

// exclusive takes the in-process write lock and then the vault lock. The
// returned func releases both.
func (s *FileStore) exclusive(ctx context.Context) (func(), error) {
	s.mu.Lock()
	ok, err := s.lock.TryLockContext(ctx, lockRetryDelay)
	if err == nil && !ok {
		err = ctx.Err()
	}
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("vault: lock %s: %w", s.root, err)
	}
	return func() {
		if err := s.lock.Unlock(); err != nil {
			s.logger.Error("vault: release lock", "root", s.root, "error", err)
		}
		s.mu.Unlock()
	}, nil
}

// Root returns the vault directory.
func (s *FileStore) Root() string { return s.root }

func (s *FileStore) path(status contracts.Status, id string) string {
	return filepath.Join(s.root, partitionDirs[status], id+recordExt)
}

func (s *FileStore) tempPath(status contracts.Status, id string) string {
	return filepath.Join(s.root, partitionDirs[status], "."+id+recordExt+".tmp")
}

// locate finds the partition holding id. Caller holds s.mu.
func (s *FileStore) locate(id string) (contracts.Status, error) {
	var found []contracts.Status
	for _, status := range contracts.AllStatuses {
		_, err := os.Stat(s.path(status, id))
		if err == nil {
			found = append(found, status)
			continue
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("vault: stat %s: %w", id, err)
		}
	}
	switch len(found) {
	case 0:
		return "", ErrNotFound
	case 1:
		return found[0], nil
	default:
		return "", fmt.Errorf("%w: %s present in %v", ErrCorrupt, id, found)
	}
}

// load reads the record from its partition. Caller holds s.mu.
func (s *FileStore) load(status contracts.Status, id string) (*contracts.Action, error) {
	data, err := os.ReadFile(s.path(status, id))
	if err != nil {
		return nil, err
	}
	a, err := DecodeRecord(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, id, err)
	}
	if a.ID != id {
		return nil, fmt.Errorf("%w: record %s claims id %s", ErrCorrupt, id, a.ID)
	}
	a.Status = status
	return a, nil
}

// Create implements Store.
func (s *FileStore) Create(ctx context.Context, a *contracts.Action) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if a == nil || !ValidID(a.ID) {
		return "", fmt.Errorf("vault: invalid action id")
	}
	rec := a.Clone()
	if rec.Status == "" {
		rec.Status = contracts.StatusCreated
	}
	if !rec.Status.Valid() {
		return "", fmt.Errorf("vault: invalid status %q", rec.Status)
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = s.clock().UTC()
	}

	unlock, err := s.exclusive(ctx)
	if err != nil {
		return "", err
	}
	defer unlock()

	if _, err := s.locate(rec.ID); err == nil {
		return "", fmt.Errorf("%w: %s", ErrExists, rec.ID)
	} else if !errors.Is(err, ErrNotFound) {
		return "", err
	}
	data, err := EncodeRecord(rec)
	if err != nil {
		return "", err
	}
	if err := s.replace(rec.Status, rec.ID, data); err != nil {
		return "", err
	}
	return rec.ID, nil
}

// Read implements Store.
func (s *FileStore) Read(ctx context.Context, id string) (*contracts.Action, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !ValidID(id) {
		return nil, ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	status, err := s.locate(id)
	if err != nil {
		return nil, err
	}
	return s.load(status, id)
}

// Transition implements Store.
func (s *FileStore) Transition(ctx context.Context, id string, from, to contracts.Status, mutate Mutator) (*contracts.Action, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkTransition(id, from, to); err != nil {
		return nil, err
	}
	if !ValidID(id) {
		return nil, ErrNotFound
	}

	unlock, err := s.exclusive(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// Re-read under the vault lock: another process may have moved id.
	current, err := s.locate(id)
	if err != nil {
		return nil, err
	}
	if current != from {
		return nil, &TransitionError{ID: id, From: from, To: to, Current: current}
	}
	before, err := s.load(current, id)
	if err != nil {
		return nil, err
	}
	next := before.Clone()
	if mutate != nil {
		if err := mutate(next); err != nil {
			return nil, err
		}
	}
	next.ID = id
	next.Status = to
	next.UpdatedAt = s.clock().UTC()

	data, err := EncodeRecord(next)
	if err != nil {
		return nil, err
	}
	previous, err := os.ReadFile(s.path(from, id))
	if err != nil {
		return nil, fmt.Errorf("vault: read %s: %w", id, err)
	}
	if err := s.replace(from, id, data); err != nil {
		return nil, err
	}
	if from == to {
		return next, nil
	}
	if err := os.Rename(s.path(from, id), s.path(to, id)); err != nil {
		// The record never left its partition; put the old header back.
		if restoreErr := s.replace(from, id, previous); restoreErr != nil {
			s.logger.Error("vault: restore after failed move", "id", id, "error", restoreErr)
		}
		return nil, fmt.Errorf("vault: move %s to %s: %w", id, to, err)
	}
	return next, nil
}

// replace atomically writes data as the record of id in the status partition.
func (s *FileStore) replace(status contracts.Status, id string, data []byte) error {
	tmp := s.tempPath(status, id)
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("vault: open temp for %s: %w", id, err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("vault: write %s: %w", id, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("vault: sync %s: %w", id, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("vault: close %s: %w", id, err)
	}
	if err := os.Rename(tmp, s.path(status, id)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("vault: commit %s: %w", id, err)
	}
	return nil
}

// ListByStatus implements Store. Names are snapshotted first; a record that
// moved out of the partition before it is read is skipped.
func (s *FileStore) ListByStatus(ctx context.Context, status contracts.Status) iter.Seq2[*contracts.Action, error] {
	return func(yield func(*contracts.Action, error) bool) {
		dir, ok := partitionDirs[status]
		if !ok {
			yield(nil, fmt.Errorf("vault: unknown status %q", status))
			return
		}
		s.mu.RLock()
		entries, err := os.ReadDir(filepath.Join(s.root, dir))
		s.mu.RUnlock()
		if err != nil {
			yield(nil, fmt.Errorf("vault: list %s: %w", dir, err))
			return
		}
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, recordExt) {
				continue
			}
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			id := strings.TrimSuffix(name, recordExt)
			a, err := s.readIn(status, id)
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			if !yield(a, err) {
				return
			}
		}
	}
}

func (s *FileStore) readIn(status contracts.Status, id string) (*contracts.Action, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.load(status, id)
}

// Close implements Store.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lock.Close()
}
