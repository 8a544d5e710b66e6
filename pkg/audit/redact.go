package audit

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	redacted = "[REDACTED]"
	// DefaultMaxValueBytes caps string values when the policy sets no limit.
	DefaultMaxValueBytes = 512
)

// credentialKeys are always redacted regardless of policy.
var credentialKeys = []string{
	"password", "passwd", "secret", "token", "api_key", "apikey",
	"authorization", "credential", "cookie", "private_key",
}

var bearerPattern = regexp.MustCompile(`(?i)\b(bearer|basic)\s+[A-Za-z0-9._~+/=-]{8,}`)

// RedactionPolicy configures what the audit log must never contain.
type RedactionPolicy struct {
	// SensitiveKeys are detail keys (case-insensitive) replaced with [REDACTED].
	SensitiveKeys []string `yaml:"sensitive_keys"`
	// MaxValueBytes caps string values such as message bodies. 0 means 512.
	MaxValueBytes int `yaml:"max_value_bytes"`
}

// Redactor applies a RedactionPolicy to record details.
type Redactor struct {
	keys     []string
	maxBytes int
}

// NewRedactor builds a Redactor for policy.
func NewRedactor(policy RedactionPolicy) *Redactor {
	keys := append([]string(nil), credentialKeys...)
	for _, k := range policy.SensitiveKeys {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			keys = append(keys, k)
		}
	}
	maxBytes := policy.MaxValueBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxValueBytes
	}
	return &Redactor{keys: keys, maxBytes: maxBytes}
}

// Apply returns a redacted copy of detail.
func (r *Redactor) Apply(detail map[string]any) map[string]any {
	if r == nil || len(detail) == 0 {
		return detail
	}
	out := make(map[string]any, len(detail))
	for k, v := range detail {
		if r.sensitive(k) {
			out[k] = redacted
			continue
		}
		out[k] = r.value(v)
	}
	return out
}

func (r *Redactor) sensitive(key string) bool {
	key = strings.ToLower(key)
	for _, k := range r.keys {
		if strings.Contains(key, k) {
			return true
		}
	}
	return false
}

func (r *Redactor) value(v any) any {
	switch val := v.(type) {
	case string:
		return r.text(val)
	case map[string]any:
		return r.Apply(val)
	case map[string]string:
		m := make(map[string]any, len(val))
		for k, s := range val {
			m[k] = s
		}
		return r.Apply(m)
	case []string:
		out := make([]any, len(val))
		for i, s := range val {
			out[i] = r.text(s)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = r.value(item)
		}
		return out
	case error:
		return r.text(val.Error())
	default:
		return v
	}
}

func (r *Redactor) text(s string) string {
	s = bearerPattern.ReplaceAllString(s, "$1 "+redacted)
	if len(s) <= r.maxBytes {
		return s
	}
	cut := strings.ToValidUTF8(s[:r.maxBytes], "")
	return fmt.Sprintf("%s...[truncated %d bytes]", cut, len(s)-len(cut))
}
