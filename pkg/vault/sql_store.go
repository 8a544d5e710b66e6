package vault

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/Mindburn-Labs/helm/actiongate/pkg/contracts"
)

// Dialect selects SQL placeholder and locking syntax.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQLStore keeps actions in a single table with a status column. Every
// transition is a compare-and-swap on that column inside a transaction.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	clock   func() time.Time
}

// OpenSQL opens a database for the given dialect. SQLite is limited to a
// single connection so writers serialize instead of failing with SQLITE_BUSY.
func OpenSQL(dialect Dialect, dsn string) (*sql.DB, error) {
	driver := "sqlite"
	if dialect == DialectPostgres {
		driver = "postgres"
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("vault: open %s: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		db.SetMaxOpenConns(1)
	}
	return db, nil
}

// NewSQLStore wraps db and creates the schema if needed.
func NewSQLStore(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: dialect, clock: time.Now}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS actions (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		action_type TEXT NOT NULL,
		document TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
		`CREATE INDEX IF NOT EXISTS actions_status_idx ON actions (status, created_at)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("vault: migrate: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders for dialects that number them.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) forUpdate() string {
	if s.dialect == DialectPostgres {
		return " FOR UPDATE"
	}
	return ""
}

// Create implements Store.
func (s *SQLStore) Create(ctx context.Context, a *contracts.Action) (string, error) {
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
	now := s.clock().UTC()
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}
	doc, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("vault: encode %s: %w", rec.ID, err)
	}
	query := s.rebind(`INSERT INTO actions (id, status, action_type, document, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`)
	_, err = s.db.ExecContext(ctx, query, rec.ID, string(rec.Status), string(rec.Type), string(doc), rec.CreatedAt.UnixNano(), rec.UpdatedAt.UnixNano())
	if err != nil {
		if isUniqueViolation(err) {
			return "", fmt.Errorf("%w: %s", ErrExists, rec.ID)
		}
		return "", fmt.Errorf("vault: insert %s: %w", rec.ID, err)
	}
	return rec.ID, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func decodeRow(id string, row rowScanner) (*contracts.Action, error) {
	var status, doc string
	if err := row.Scan(&status, &doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("vault: read %s: %w", id, err)
	}
	var a contracts.Action
	if err := json.Unmarshal([]byte(doc), &a); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, id, err)
	}
	if a.ID != id {
		return nil, fmt.Errorf("%w: row %s claims id %s", ErrCorrupt, id, a.ID)
	}
	a.Status = contracts.Status(status)
	return &a, nil
}

// Read implements Store.
func (s *SQLStore) Read(ctx context.Context, id string) (*contracts.Action, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT status, document FROM actions WHERE id = ?`), id)
	return decodeRow(id, row)
}

// Transition implements Store.
func (s *SQLStore) Transition(ctx context.Context, id string, from, to contracts.Status, mutate Mutator) (*contracts.Action, error) {
	if err := checkTransition(id, from, to); err != nil {
		return nil, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("vault: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, s.rebind(`SELECT status, document FROM actions WHERE id = ?`+s.forUpdate()), id)
	current, err := decodeRow(id, row)
	if err != nil {
		return nil, err
	}
	if current.Status != from {
		return nil, &TransitionError{ID: id, From: from, To: to, Current: current.Status}
	}
	next := current.Clone()
	if mutate != nil {
		if err := mutate(next); err != nil {
			return nil, err
		}
	}
	next.ID = id
	next.Status = to
	next.UpdatedAt = s.clock().UTC()
	doc, err := json.Marshal(next)
	if err != nil {
		return nil, fmt.Errorf("vault: encode %s: %w", id, err)
	}

	res, err := tx.ExecContext(ctx,
		s.rebind(`UPDATE actions SET status = ?, document = ?, updated_at = ? WHERE id = ? AND status = ?`),
		string(to), string(doc), next.UpdatedAt.UnixNano(), id, string(from))
	if err != nil {
		return nil, fmt.Errorf("vault: update %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("vault: update %s: %w", id, err)
	}
	if n != 1 {
		return nil, &TransitionError{ID: id, From: from, To: to, Current: "unknown"}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("vault: commit %s: %w", id, err)
	}
	return next, nil
}

// ListByStatus implements Store. Ids are snapshotted in creation order; rows
// that changed status before they are read are skipped.
func (s *SQLStore) ListByStatus(ctx context.Context, status contracts.Status) iter.Seq2[*contracts.Action, error] {
	return func(yield func(*contracts.Action, error) bool) {
		ids, err := s.idsIn(ctx, status)
		if err != nil {
			yield(nil, err)
			return
		}
		for _, id := range ids {
			a, err := s.Read(ctx, id)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err == nil && a.Status != status {
				continue
			}
			if !yield(a, err) {
				return
			}
		}
	}
}

func (s *SQLStore) idsIn(ctx context.Context, status contracts.Status) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT id FROM actions WHERE status = ? ORDER BY created_at, id`), string(status))
	if err != nil {
		return nil, fmt.Errorf("vault: list %s: %w", status, err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Close implements Store.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
