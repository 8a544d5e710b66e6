package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Mindburn-Labs/helm/actiongate/pkg/contracts"
)

// ReadDay returns the records of one UTC day in file order.
func ReadDay(dir string, day time.Time) ([]contracts.AuditRecord, error) {
	path := filepath.Join(dir, day.UTC().Format(dayLayout)+".jsonl")
	records, err := readFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return records, err
}

// History returns every record of one action across all days, ordered by
// timestamp. Replaying the transition records yields the status history.
func History(dir, actionID string) ([]contracts.AuditRecord, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("audit: list %s: %w", dir, err)
	}
	var out []contracts.AuditRecord
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".jsonl") {
			continue
		}
		records, err := readFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		for _, r := range records {
			if r.ActionID == actionID {
				out = append(out, r)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// StatusHistory replays transition records into the ordered list of statuses.
func StatusHistory(records []contracts.AuditRecord) []contracts.Status {
	var out []contracts.Status
	for _, r := range records {
		if r.Transition() {
			out = append(out, r.To)
		}
	}
	return out
}

func readFile(path string) ([]contracts.AuditRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var out []contracts.AuditRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if len(strings.TrimSpace(scanner.Text())) == 0 {
			continue
		}
		var rec contracts.AuditRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("audit: %s line %d: %w", filepath.Base(path), line, err)
		}
		out = append(out, rec)
	}
	return out, scanner.Err()
}
