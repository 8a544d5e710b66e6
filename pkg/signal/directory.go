package signal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/helm/actiongate/pkg/vault"
)

// Decision folders under <vault>/Decisions.
const (
	DecisionsDir = "Decisions"
	approvedDir  = "Approved"
	rejectedDir  = "Rejected"
	processedDir = "Processed"
)

// decisionDoc is the front matter of a decision document. Unknown fields are
// ignored so a human may also move the action record itself.
type decisionDoc struct {
	DecidedBy string    `yaml:"decided_by,omitempty"`
	Reason    string    `yaml:"reason,omitempty"`
	DecidedAt time.Time `yaml:"decided_at,omitempty"`
}

// DirectorySource reads decisions dropped into <vault>/Decisions/Approved or
// <vault>/Decisions/Rejected as <id>.md.
type DirectorySource struct {
	root  string
	clock func() time.Time
}

// NewDirectorySource creates the decision folders under vaultRoot.
func NewDirectorySource(vaultRoot string) (*DirectorySource, error) {
	root := filepath.Join(vaultRoot, DecisionsDir)
	for _, dir := range []string{approvedDir, rejectedDir, processedDir} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o750); err != nil {
			return nil, fmt.Errorf("signal: create %s: %w", dir, err)
		}
	}
	return &DirectorySource{root: root, clock: time.Now}, nil
}

// Poll implements Source.
func (d *DirectorySource) Poll(ctx context.Context, actionID string) (Signal, error) {
	if err := ctx.Err(); err != nil {
		return Signal{}, err
	}
	approved, okA, err := d.read(approvedDir, actionID)
	if err != nil {
		return Signal{}, err
	}
	rejected, okR, err := d.read(rejectedDir, actionID)
	if err != nil {
		return Signal{}, err
	}
	switch {
	case okA && okR:
		return Signal{}, fmt.Errorf("%w: %s", ErrConflictingDecision, actionID)
	case okA:
		return approved.signal(VerdictApproved), nil
	case okR:
		if strings.TrimSpace(rejected.Reason) == "" {
			return Signal{}, fmt.Errorf("%w: %s", ErrReasonRequired, actionID)
		}
		return rejected.signal(VerdictRejected), nil
	default:
		return Signal{Verdict: VerdictPending}, nil
	}
}

func (doc decisionDoc) signal(v Verdict) Signal {
	by := doc.DecidedBy
	if by == "" {
		by = "human"
	}
	return Signal{Verdict: v, Reason: strings.TrimSpace(doc.Reason), DecidedBy: by, DecidedAt: doc.DecidedAt}
}

func (d *DirectorySource) read(dir, actionID string) (decisionDoc, bool, error) {
	content, err := os.ReadFile(filepath.Join(d.root, dir, actionID+".md"))
	if errors.Is(err, fs.ErrNotExist) {
		return decisionDoc{}, false, nil
	}
	if err != nil {
		return decisionDoc{}, false, fmt.Errorf("signal: read %s/%s: %w", dir, actionID, err)
	}
	doc, err := parseDecision(content)
	if err != nil {
		return decisionDoc{}, false, fmt.Errorf("signal: %s/%s: %w", dir, actionID, err)
	}
	return doc, true, nil
}

// parseDecision accepts an empty file, a bare reason, or a YAML-fronted document.
func parseDecision(content []byte) (decisionDoc, error) {
	normalized := bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))
	if !bytes.HasPrefix(normalized, []byte("---\n")) {
		return decisionDoc{Reason: string(bytes.TrimSpace(normalized))}, nil
	}
	parts := bytes.SplitN(normalized[4:], []byte("\n---"), 2)
	var doc decisionDoc
	if err := yaml.Unmarshal(parts[0], &doc); err != nil {
		return decisionDoc{}, fmt.Errorf("parse decision: %w", err)
	}
	return doc, nil
}

// Decided implements Lister.
func (d *DirectorySource) Decided(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	seen := map[string]struct{}{}
	var ids []string
	for _, dir := range []string{approvedDir, rejectedDir} {
		entries, err := os.ReadDir(filepath.Join(d.root, dir))
		if err != nil {
			return nil, fmt.Errorf("signal: list %s: %w", dir, err)
		}
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".md") {
				continue
			}
			id := strings.TrimSuffix(name, ".md")
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Ack moves the decision documents of actionID into Decisions/Processed.
func (d *DirectorySource) Ack(ctx context.Context, actionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stamp := d.clock().UTC().Format("20060102T150405")
	for _, dir := range []string{approvedDir, rejectedDir} {
		src := filepath.Join(d.root, dir, actionID+".md")
		dst := filepath.Join(d.root, processedDir, fmt.Sprintf("%s.%s.%s.md", actionID, strings.ToLower(dir), stamp))
		if err := os.Rename(src, dst); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("signal: ack %s: %w", actionID, err)
		}
	}
	return nil
}

// WriteDecision drops a decision document for actionID into the vault, the
// same way a human would.
func WriteDecision(vaultRoot, actionID string, v Verdict, decidedBy, reason string, at time.Time) error {
	if !vault.ValidID(actionID) {
		return fmt.Errorf("%w: %q", ErrInvalidID, actionID)
	}
	var dir string
	switch v {
	case VerdictApproved:
		dir = approvedDir
	case VerdictRejected:
		if strings.TrimSpace(reason) == "" {
			return ErrReasonRequired
		}
		dir = rejectedDir
	default:
		return fmt.Errorf("signal: cannot write verdict %q", v)
	}
	meta, err := yaml.Marshal(decisionDoc{DecidedBy: decidedBy, Reason: reason, DecidedAt: at.UTC()})
	if err != nil {
		return fmt.Errorf("signal: encode decision: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(bytes.TrimRight(meta, "\n"))
	buf.WriteString("\n---\n")

	folder := filepath.Join(vaultRoot, DecisionsDir, dir)
	if err := os.MkdirAll(folder, 0o750); err != nil {
		return fmt.Errorf("signal: create %s: %w", folder, err)
	}
	tmp := filepath.Join(folder, "."+actionID+".md.tmp")
	if err := os.WriteFile(tmp, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("signal: write decision: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(folder, actionID+".md")); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("signal: write decision: %w", err)
	}
	return nil
}
