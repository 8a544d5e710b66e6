package executor

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/Mindburn-Labs/helm/actiongate/pkg/contracts"
)

// SMTPConfig configures mail delivery.
type SMTPConfig struct {
	Kind     string `yaml:"kind"`
	Addr     string `yaml:"addr"` // host:port
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

// SendFunc matches smtp.SendMail.
type SendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPExecutor delivers MessagePayloads by mail. The Message-ID is derived
// from the idempotency key so receiving servers can drop duplicates.
type SMTPExecutor struct {
	cfg   SMTPConfig
	host  string
	send  SendFunc
	clock func() time.Time
}

// NewSMTPExecutor creates a mail executor. A nil send uses smtp.SendMail.
func NewSMTPExecutor(cfg SMTPConfig, send SendFunc) *SMTPExecutor {
	if cfg.Kind == "" {
		cfg.Kind = "email"
	}
	if send == nil {
		send = smtp.SendMail
	}
	host, _, err := net.SplitHostPort(cfg.Addr)
	if err != nil {
		host = cfg.Addr
	}
	return &SMTPExecutor{cfg: cfg, host: host, send: send, clock: time.Now}
}

// Kind implements Executor.
func (s *SMTPExecutor) Kind() string { return s.cfg.Kind }

// Execute implements Executor. smtp.SendMail has no context, so the call runs
// in a goroutine and an expired ctx is reported as a retryable timeout.
func (s *SMTPExecutor) Execute(ctx context.Context, req Request) Result {
	msg, ok := req.Payload.(contracts.MessagePayload)
	if !ok {
		return Failed(contracts.ErrorTerminal, "email executor cannot send %s", req.ActionType)
	}
	if len(msg.To) == 0 {
		return Failed(contracts.ErrorTerminal, "no recipients")
	}
	if field := unsafeHeader(s.cfg.From, msg); field != "" {
		return Failed(contracts.ErrorTerminal, "header %s contains a line break", field)
	}
	messageID := fmt.Sprintf("<%s@%s>", req.IdempotencyKey, s.host)
	body := s.compose(msg, messageID)

	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.host)
	}
	rcpt := append(append([]string(nil), msg.To...), msg.Cc...)

	done := make(chan error, 1)
	go func() { done <- s.send(s.cfg.Addr, auth, s.cfg.From, rcpt, body) }()
	select {
	case err := <-done:
		if err != nil {
			return Failed(ClassifyError(err), "smtp: %v", err)
		}
		return Succeeded(messageID)
	case <-ctx.Done():
		return Failed(contracts.ErrorRetryable, "smtp: %v", ctx.Err())
	}
}

func (s *SMTPExecutor) compose(msg contracts.MessagePayload, messageID string) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", s.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(msg.To, ", "))
	if len(msg.Cc) > 0 {
		fmt.Fprintf(&b, "Cc: %s\r\n", strings.Join(msg.Cc, ", "))
	}
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Subject))
	fmt.Fprintf(&b, "Message-ID: %s\r\n", messageID)
	if msg.ThreadID != "" {
		fmt.Fprintf(&b, "In-Reply-To: %s\r\nReferences: %s\r\n", msg.ThreadID, msg.ThreadID)
	}
	fmt.Fprintf(&b, "Date: %s\r\n", s.clock().UTC().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	body := strings.ReplaceAll(msg.Body, "\r\n", "\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return b.Bytes()
}

// unsafeHeader names the first header field that would break out of its line.
func unsafeHeader(from string, msg contracts.MessagePayload) string {
	if strings.ContainsAny(from, "\r\n") {
		return "From"
	}
	if field := contracts.HeaderInjection(msg); field != "" {
		return field
	}
	return ""
}
