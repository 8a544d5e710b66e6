package contracts

import (
	"errors"
	"fmt"
	"strings"
)

// ActionType represents the kind of external effect an Action performs.
type ActionType string

const (
	ActionSendMessage ActionType = "send_message"
	ActionPublishPost ActionType = "publish_post"
	ActionSendPayment ActionType = "send_payment"
)

// Irreversible reports whether the effect cannot be undone once delivered.
// Irreversible actions are never retried automatically.
func (t ActionType) Irreversible() bool {
	return t == ActionSendPayment
}

// Valid reports whether t is a known action type.
func (t ActionType) Valid() bool {
	switch t {
	case ActionSendMessage, ActionPublishPost, ActionSendPayment:
		return true
	default:
		return false
	}
}

// ErrPayloadInvalid is returned when a payload fails validation.
var ErrPayloadInvalid = errors.New("contracts: invalid payload")

// Payload is the typed parameter set of an Action. The concrete type is fixed
// by the action type: MessagePayload, PostPayload or PaymentPayload.
type Payload interface {
	// ActionType returns the action type this payload belongs to.
	ActionType() ActionType
	// Targets derives the ordered set of independent destinations.
	Targets() []Target
	// Validate checks required fields.
	Validate() error
}

// MessagePayload sends a message over one or more channels (email, chat).
type MessagePayload struct {
	Channels []string `json:"channels" yaml:"channels"`
	To       []string `json:"to" yaml:"to"`
	Cc       []string `json:"cc,omitempty" yaml:"cc,omitempty"`
	Subject  string   `json:"subject,omitempty" yaml:"subject,omitempty"`
	Body     string   `json:"body" yaml:"body"`
	ThreadID string   `json:"thread_id,omitempty" yaml:"thread_id,omitempty"`
}

func (MessagePayload) ActionType() ActionType { return ActionSendMessage }

// Targets returns one target per channel.
func (p MessagePayload) Targets() []Target {
	targets := make([]Target, 0, len(p.Channels))
	for _, ch := range dedupe(p.Channels) {
		targets = append(targets, Target{ID: ch, Kind: ch})
	}
	return targets
}

func (p MessagePayload) Validate() error {
	if len(p.Channels) == 0 {
		return fmt.Errorf("%w: message needs at least one channel", ErrPayloadInvalid)
	}
	if len(p.To) == 0 {
		return fmt.Errorf("%w: message needs at least one recipient", ErrPayloadInvalid)
	}
	if strings.TrimSpace(p.Body) == "" {
		return fmt.Errorf("%w: message body is empty", ErrPayloadInvalid)
	}
	if field := HeaderInjection(p); field != "" {
		return fmt.Errorf("%w: %s contains a line break", ErrPayloadInvalid, field)
	}
	return nil
}

// HeaderInjection returns the name of the first message field that carries a
// CR or LF and so cannot be written into a mail header, or "".
func HeaderInjection(p MessagePayload) string {
	for _, to := range p.To {
		if strings.ContainsAny(to, "\r\n") {
			return "To"
		}
	}
	for _, cc := range p.Cc {
		if strings.ContainsAny(cc, "\r\n") {
			return "Cc"
		}
	}
	if strings.ContainsAny(p.Subject, "\r\n") {
		return "Subject"
	}
	if strings.ContainsAny(p.ThreadID, "\r\n") {
		return "ThreadID"
	}
	return ""
}

// PostPayload publishes the same post to several platforms.
type PostPayload struct {
	Platforms []string `json:"platforms" yaml:"platforms"`
	Text      string   `json:"text" yaml:"text"`
	MediaURLs []string `json:"media_urls,omitempty" yaml:"media_urls,omitempty"`
	Link      string   `json:"link,omitempty" yaml:"link,omitempty"`
}

func (PostPayload) ActionType() ActionType { return ActionPublishPost }

// Targets returns one target per platform.
func (p PostPayload) Targets() []Target {
	targets := make([]Target, 0, len(p.Platforms))
	for _, platform := range dedupe(p.Platforms) {
		targets = append(targets, Target{ID: platform, Kind: platform})
	}
	return targets
}

func (p PostPayload) Validate() error {
	if len(p.Platforms) == 0 {
		return fmt.Errorf("%w: post needs at least one platform", ErrPayloadInvalid)
	}
	if strings.TrimSpace(p.Text) == "" {
		return fmt.Errorf("%w: post text is empty", ErrPayloadInvalid)
	}
	return nil
}

// PaymentPayload moves money. Amounts are in minor units (cents).
type PaymentPayload struct {
	Rail        string `json:"rail" yaml:"rail"`
	Payee       string `json:"payee" yaml:"payee"`
	AmountMinor int64  `json:"amount_minor" yaml:"amount_minor"`
	Currency    string `json:"currency" yaml:"currency"`
	Reference   string `json:"reference,omitempty" yaml:"reference,omitempty"`
	Memo        string `json:"memo,omitempty" yaml:"memo,omitempty"`
}

func (PaymentPayload) ActionType() ActionType { return ActionSendPayment }

// Targets returns the single payment rail.
func (p PaymentPayload) Targets() []Target {
	rail := p.Rail
	if rail == "" {
		rail = "payment"
	}
	return []Target{{ID: rail, Kind: rail}}
}

func (p PaymentPayload) Validate() error {
	if strings.TrimSpace(p.Payee) == "" {
		return fmt.Errorf("%w: payment needs a payee", ErrPayloadInvalid)
	}
	if p.AmountMinor <= 0 {
		return fmt.Errorf("%w: payment amount must be positive", ErrPayloadInvalid)
	}
	if len(p.Currency) != 3 {
		return fmt.Errorf("%w: currency must be an ISO 4217 code", ErrPayloadInvalid)
	}
	return nil
}

// DecodePayload builds the payload variant for t using decode, which fills the
// value it is given (yaml.Node.Decode, a json.Unmarshal closure, ...).
func DecodePayload(t ActionType, decode func(v any) error) (Payload, error) {
	switch t {
	case ActionSendMessage:
		var p MessagePayload
		if err := decode(&p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", t, err)
		}
		return p, nil
	case ActionPublishPost:
		var p PostPayload
		if err := decode(&p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", t, err)
		}
		return p, nil
	case ActionSendPayment:
		var p PaymentPayload
		if err := decode(&p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", t, err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("%w: unknown action type %q", ErrPayloadInvalid, t)
	}
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
