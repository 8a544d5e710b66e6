package vault

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/helm/actiongate/pkg/contracts"
)

var (
	// ErrMissingHeader indicates the record did not start with a YAML fence.
	ErrMissingHeader = errors.New("vault: missing record header")
	// ErrMalformedHeader indicates the YAML header could not be parsed.
	ErrMalformedHeader = errors.New("vault: malformed record header")
)

const recordVersion = 1

// recordHeader is the typed front matter of an action record.
type recordHeader struct {
	Version          int `yaml:"version"`
	contracts.Action `yaml:",inline"`
	Payload          *yaml.Node `yaml:"payload,omitempty"`
}

// EncodeRecord renders an action as a YAML-fronted markdown document.
func EncodeRecord(a *contracts.Action) ([]byte, error) {
	if a == nil || a.ID == "" {
		return nil, fmt.Errorf("vault: record missing id")
	}
	header := recordHeader{Version: recordVersion, Action: *a}
	if a.Payload != nil {
		node := &yaml.Node{}
		if err := node.Encode(a.Payload); err != nil {
			return nil, fmt.Errorf("vault: encode payload: %w", err)
		}
		header.Payload = node
	}
	meta, err := yaml.Marshal(&header)
	if err != nil {
		return nil, fmt.Errorf("vault: encode header: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(bytes.TrimRight(meta, "\n"))
	buf.WriteString("\n---\n\n")
	writeSummary(&buf, a)
	return buf.Bytes(), nil
}

// DecodeRecord parses a document produced by EncodeRecord. The body is ignored;
// only the header is authoritative.
func DecodeRecord(content []byte) (*contracts.Action, error) {
	normalized := bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))
	if !bytes.HasPrefix(normalized, []byte("---\n")) {
		return nil, ErrMissingHeader
	}
	parts := bytes.SplitN(normalized[4:], []byte("\n---\n"), 2)
	if len(parts) < 2 {
		return nil, ErrMalformedHeader
	}
	var header recordHeader
	if err := yaml.Unmarshal(parts[0], &header); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	if header.ID == "" || !header.Type.Valid() {
		return nil, ErrMalformedHeader
	}
	a := header.Action
	if header.Payload != nil {
		p, err := contracts.DecodePayload(a.Type, header.Payload.Decode)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
		}
		a.Payload = p
	}
	return &a, nil
}

// writeSummary renders the free-form body shown to the human reviewing the vault.
func writeSummary(buf *bytes.Buffer, a *contracts.Action) {
	fmt.Fprintf(buf, "# %s `%s`\n\n", strings.ReplaceAll(string(a.Type), "_", " "), a.ID)
	fmt.Fprintf(buf, "- Status: **%s**\n", a.Status)
	fmt.Fprintf(buf, "- Risk: %s\n", a.RiskLevel)
	if a.Origin != "" {
		fmt.Fprintf(buf, "- Origin: %s\n", a.Origin)
	}
	fmt.Fprintf(buf, "- Created: %s\n", a.CreatedAt.UTC().Format(time.RFC3339))
	if a.StatusReason != "" {
		fmt.Fprintf(buf, "- Reason: %s\n", a.StatusReason)
	}
	if a.Approval.Pending() {
		fmt.Fprintf(buf, "\nAwaiting approval until %s. Approve with `actiongate approve %s` or drop a note in `Decisions/Approved/%s.md`.\n",
			a.Approval.ExpiresAt.UTC().Format(time.RFC3339), a.ID, a.ID)
	}

	switch p := a.Payload.(type) {
	case contracts.MessagePayload:
		fmt.Fprintf(buf, "\n## Message\n\nTo: %s\n", strings.Join(p.To, ", "))
		if p.Subject != "" {
			fmt.Fprintf(buf, "Subject: %s\n", p.Subject)
		}
		fmt.Fprintf(buf, "\n%s\n", p.Body)
	case contracts.PostPayload:
		fmt.Fprintf(buf, "\n## Post\n\nPlatforms: %s\n\n%s\n", strings.Join(p.Platforms, ", "), p.Text)
	case contracts.PaymentPayload:
		fmt.Fprintf(buf, "\n## Payment\n\n%d.%02d %s to %s\n", p.AmountMinor/100, p.AmountMinor%100, p.Currency, p.Payee)
	}

	if len(a.Targets) == 0 {
		return
	}
	buf.WriteString("\n## Targets\n\n| target | state | attempts | reference |\n|---|---|---|---|\n")
	for _, t := range a.Targets {
		fmt.Fprintf(buf, "| %s | %s | %d | %s |\n", t.ID, t.State, t.LastAttempt, t.ResultReference)
	}
}
