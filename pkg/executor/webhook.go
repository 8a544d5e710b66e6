package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/helm/actiongate/pkg/contracts"
)

const maxResponseBytes = 64 << 10

// WebhookConfig configures one webhook target kind.
type WebhookConfig struct {
	Kind     string            `yaml:"kind"`
	Endpoint string            `yaml:"endpoint"`
	Token    string            `yaml:"token"`
	Headers  map[string]string `yaml:"headers"`
	// RatePerSecond throttles calls client-side. 0 disables throttling.
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
}

// WebhookExecutor POSTs the target payload as JSON. The provider is expected
// to honour the Idempotency-Key header.
type WebhookExecutor struct {
	cfg     WebhookConfig
	client  *http.Client
	limiter *rate.Limiter
	clock   func() time.Time
}

// NewWebhookExecutor creates an executor for cfg.Kind. A nil client uses a
// client without its own timeout; the dispatcher bounds every call.
func NewWebhookExecutor(cfg WebhookConfig, client *http.Client) *WebhookExecutor {
	if client == nil {
		client = &http.Client{}
	}
	w := &WebhookExecutor{cfg: cfg, client: client, clock: time.Now}
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		w.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return w
}

// Kind implements Executor.
func (w *WebhookExecutor) Kind() string { return w.cfg.Kind }

type webhookBody struct {
	ActionID   string               `json:"action_id"`
	ActionType contracts.ActionType `json:"action_type"`
	Target     string               `json:"target"`
	Attempt    int                  `json:"attempt"`
	Payload    contracts.Payload    `json:"payload"`
}

type webhookReply struct {
	ID        string `json:"id"`
	Reference string `json:"reference"`
	Error     string `json:"error"`
}

// Execute implements Executor.
func (w *WebhookExecutor) Execute(ctx context.Context, req Request) Result {
	if w.limiter != nil {
		if err := w.limiter.Wait(ctx); err != nil {
			return Failed(contracts.ErrorRetryable, "rate limiter: %v", err)
		}
	}
	body, err := json.Marshal(webhookBody{
		ActionID:   req.ActionID,
		ActionType: req.ActionType,
		Target:     req.Target.ID,
		Attempt:    req.Attempt,
		Payload:    req.Payload,
	})
	if err != nil {
		return Failed(contracts.ErrorTerminal, "encode payload: %v", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Failed(contracts.ErrorTerminal, "build request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	if w.cfg.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+w.cfg.Token)
	}
	for k, v := range w.cfg.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := w.client.Do(httpReq)
	if err != nil {
		return Failed(ClassifyError(err), "%s: %v", w.cfg.Kind, err)
	}
	defer func() { _ = resp.Body.Close() }()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))

	var reply webhookReply
	_ = json.Unmarshal(raw, &reply)

	kind, retryAfter := ClassifyHTTP(resp.StatusCode, resp.Header, w.clock())
	if kind == contracts.ErrorNone {
		ref := reply.ID
		if ref == "" {
			ref = reply.Reference
		}
		if ref == "" {
			ref = resp.Header.Get("Location")
		}
		return Succeeded(ref)
	}
	msg := reply.Error
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return Result{
		ErrorKind:    kind,
		ErrorMessage: fmt.Sprintf("%s: HTTP %d: %s", w.cfg.Kind, resp.StatusCode, msg),
		RetryAfter:   retryAfter,
	}
}
