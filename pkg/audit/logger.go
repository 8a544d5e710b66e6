// Package audit writes the append-only, day-partitioned audit trail. Every
// record is on disk before Append returns.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/helm/actiongate/pkg/contracts"
)

const dayLayout = "2006-01-02"

// Logger records audit events. There is no update or delete.
type Logger interface {
	Append(ctx context.Context, rec contracts.AuditRecord) error
}

// FileLogger appends JSON lines to <dir>/<YYYY-MM-DD>.jsonl (UTC days).
type FileLogger struct {
	dir      string
	redactor *Redactor
	clock    func() time.Time

	mu   sync.Mutex
	day  string
	file *os.File
	last time.Time
}

// Option customizes a FileLogger.
type Option func(*FileLogger)

// WithClock overrides the timestamp source.
func WithClock(clock func() time.Time) Option {
	return func(l *FileLogger) { l.clock = clock }
}

// WithRedactor sets the redaction policy applied to record details.
func WithRedactor(r *Redactor) Option {
	return func(l *FileLogger) { l.redactor = r }
}

// NewFileLogger creates the log directory if needed.
func NewFileLogger(dir string, opts ...Option) (*FileLogger, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("audit: create %s: %w", dir, err)
	}
	l := &FileLogger{
		dir:      dir,
		redactor: NewRedactor(RedactionPolicy{}),
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Dir returns the log directory.
func (l *FileLogger) Dir() string { return l.dir }

// Append stamps, redacts and durably writes rec.
func (l *FileLogger) Append(ctx context.Context, rec contracts.AuditRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	rec.Detail = l.redactor.Apply(rec.Detail)

	l.mu.Lock()
	defer l.mu.Unlock()

	if rec.Timestamp.IsZero() {
		rec.Timestamp = l.clock().UTC()
	}
	// Timestamps never go backwards within the log.
	if rec.Timestamp.Before(l.last) {
		rec.Timestamp = l.last
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("audit: encode %s: %w", rec.Event, err)
	}
	f, err := l.partition(rec.Timestamp)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("audit: write: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("audit: sync: %w", err)
	}
	l.last = rec.Timestamp
	return nil
}

// partition returns the open file for the day of ts. Caller holds l.mu.
func (l *FileLogger) partition(ts time.Time) (*os.File, error) {
	day := ts.UTC().Format(dayLayout)
	if l.file != nil && l.day == day {
		return l.file, nil
	}
	if l.file != nil {
		_ = l.file.Close()
		l.file = nil
	}
	path := filepath.Join(l.dir, day+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	l.file = f
	l.day = day
	return f, nil
}

// Correct appends a correction that references an earlier record.
func (l *FileLogger) Correct(ctx context.Context, originalID, actionID string, actor contracts.Actor, detail map[string]any) error {
	return l.Append(ctx, contracts.AuditRecord{
		ActionID: actionID,
		Event:    contracts.EventCorrection,
		Actor:    actor,
		Corrects: originalID,
		Detail:   detail,
	})
}

// Close closes the current day file.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// MemoryLogger keeps records in memory. Useful when embedding the engine and
// in tests.
type MemoryLogger struct {
	mu      sync.Mutex
	records []contracts.AuditRecord
	clock   func() time.Time
}

// NewMemoryLogger creates an empty MemoryLogger using clock for timestamps.
func NewMemoryLogger(clock func() time.Time) *MemoryLogger {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryLogger{clock: clock}
}

// Append implements Logger.
func (m *MemoryLogger) Append(_ context.Context, rec contracts.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = m.clock().UTC()
	}
	m.records = append(m.records, rec)
	return nil
}

// Records returns a copy of everything appended so far.
func (m *MemoryLogger) Records() []contracts.AuditRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]contracts.AuditRecord(nil), m.records...)
}

// For returns the records of one action in append order.
func (m *MemoryLogger) For(actionID string) []contracts.AuditRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []contracts.AuditRecord
	for _, r := range m.records {
		if r.ActionID == actionID {
			out = append(out, r)
		}
	}
	return out
}

// Events returns the event names of one action in append order.
func (m *MemoryLogger) Events(actionID string) []contracts.AuditEvent {
	var out []contracts.AuditEvent
	for _, r := range m.For(actionID) {
		out = append(out, r.Event)
	}
	return out
}
