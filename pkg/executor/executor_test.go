package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"net/textproto"
	"os"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm/actiongate/pkg/contracts"
)

func postRequest() Request {
	return Request{
		ActionID:       "act-1",
		ActionType:     contracts.ActionPublishPost,
		Target:         contracts.Target{ID: "linkedin", Kind: "linkedin"},
		Payload:        contracts.PostPayload{Platforms: []string{"linkedin"}, Text: "hello"},
		Attempt:        1,
		IdempotencyKey: IdempotencyKey("act-1", "linkedin"),
	}
}

func TestClassifyHTTP(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		status int
		header http.Header
		kind   contracts.ErrorKind
		after  time.Duration
	}{
		{200, nil, contracts.ErrorNone, 0},
		{201, nil, contracts.ErrorNone, 0},
		{429, http.Header{"Retry-After": {"30"}}, contracts.ErrorRateLimited, 30 * time.Second},
		{429, nil, contracts.ErrorRateLimited, 0},
		{503, http.Header{"Retry-After": {now.Add(time.Minute).Format(http.TimeFormat)}}, contracts.ErrorRateLimited, time.Minute},
		{503, nil, contracts.ErrorRetryable, 0},
		{500, nil, contracts.ErrorRetryable, 0},
		{408, nil, contracts.ErrorRetryable, 0},
		{400, nil, contracts.ErrorTerminal, 0},
		{401, nil, contracts.ErrorTerminal, 0},
		{403, nil, contracts.ErrorTerminal, 0},
		{413, nil, contracts.ErrorTerminal, 0},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			h := tt.header
			if h == nil {
				h = http.Header{}
			}
			kind, after := ClassifyHTTP(tt.status, h, now)
			assert.Equal(t, tt.kind, kind)
			assert.Equal(t, tt.after, after)
		})
	}
}

func TestClassifyError(t *testing.T) {
	assert.Equal(t, contracts.ErrorNone, ClassifyError(nil))
	assert.Equal(t, contracts.ErrorRetryable, ClassifyError(context.DeadlineExceeded))
	assert.Equal(t, contracts.ErrorRetryable, ClassifyError(fmt.Errorf("dial: %w", syscall.ECONNREFUSED)))
	assert.Equal(t, contracts.ErrorTerminal, ClassifyError(&textproto.Error{Code: 550, Msg: "no such user"}))
	assert.Equal(t, contracts.ErrorRetryable, ClassifyError(&textproto.Error{Code: 421, Msg: "try later"}))
	assert.Equal(t, contracts.ErrorTerminal, ClassifyError(&net.DNSError{Err: "no such host", Name: "x.invalid", IsNotFound: true}))
	assert.Equal(t, contracts.ErrorRetryable, ClassifyError(&net.DNSError{Err: "timeout", Name: "x", IsTemporary: true}))
}

func TestWebhookExecutor_Success(t *testing.T) {
	var got webhookBody
	var gotKey, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("Idempotency-Key")
		gotAuth = r.Header.Get("Authorization")
		var raw map[string]any
		_ = json.NewDecoder(r.Body).Decode(&raw)
		got.ActionID, _ = raw["action_id"].(string)
		got.Target, _ = raw["target"].(string)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"urn:li:share:42"}`))
	}))
	defer srv.Close()

	w := NewWebhookExecutor(WebhookConfig{Kind: "linkedin", Endpoint: srv.URL, Token: "tok"}, srv.Client())
	res := w.Execute(context.Background(), postRequest())

	require.True(t, res.Success, res.ErrorMessage)
	assert.Equal(t, "urn:li:share:42", res.Reference)
	assert.Equal(t, contracts.ErrorNone, res.ErrorKind)
	assert.Equal(t, IdempotencyKey("act-1", "linkedin"), gotKey)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "act-1", got.ActionID)
	assert.Equal(t, "linkedin", got.Target)
}

func TestWebhookExecutor_Failures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		header map[string]string
		kind   contracts.ErrorKind
		after  time.Duration
	}{
		{"rate limited", 429, map[string]string{"Retry-After": "12"}, contracts.ErrorRateLimited, 12 * time.Second},
		{"server error", 502, nil, contracts.ErrorRetryable, 0},
		{"auth", 401, nil, contracts.ErrorTerminal, 0},
		{"bad payload", 422, nil, contracts.ErrorTerminal, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				for k, v := range tt.header {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":"nope"}`))
			}))
			defer srv.Close()

			res := NewWebhookExecutor(WebhookConfig{Kind: "x", Endpoint: srv.URL}, srv.Client()).Execute(context.Background(), postRequest())
			assert.False(t, res.Success)
			assert.Equal(t, tt.kind, res.ErrorKind)
			assert.Equal(t, tt.after, res.RetryAfter)
			assert.Contains(t, res.ErrorMessage, "nope")
		})
	}
}

func TestWebhookExecutor_TimeoutIsRetryable(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res := NewWebhookExecutor(WebhookConfig{Kind: "x", Endpoint: srv.URL}, srv.Client()).Execute(ctx, postRequest())
	assert.False(t, res.Success)
	assert.Equal(t, contracts.ErrorRetryable, res.ErrorKind)
}

func TestWebhookExecutor_RateLimiterHonoursContext(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w := NewWebhookExecutor(WebhookConfig{Kind: "x", Endpoint: srv.URL, RatePerSecond: 0.001, Burst: 1}, srv.Client())
	require.True(t, w.Execute(context.Background(), postRequest()).Success)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res := w.Execute(ctx, postRequest())
	assert.Equal(t, contracts.ErrorRetryable, res.ErrorKind)
	assert.Equal(t, int32(1), calls.Load())
}

func messageRequest() Request {
	return Request{
		ActionID:   "act-2",
		ActionType: contracts.ActionSendMessage,
		Target:     contracts.Target{ID: "email", Kind: "email"},
		Payload: contracts.MessagePayload{
			Channels: []string{"email"}, To: []string{"ops@example.com"}, Cc: []string{"cto@example.com"},
			Subject: "Weekly report", Body: "All green.\nSee you.",
		},
		Attempt:        1,
		IdempotencyKey: IdempotencyKey("act-2", "email"),
	}
}

func TestSMTPExecutor(t *testing.T) {
	var sentTo []string
	var sentMsg string
	send := func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		assert.Equal(t, "mail.example.com:587", addr)
		assert.Equal(t, "bot@example.com", from)
		sentTo = to
		sentMsg = string(msg)
		return nil
	}
	s := NewSMTPExecutor(SMTPConfig{Addr: "mail.example.com:587", From: "bot@example.com"}, send)
	assert.Equal(t, "email", s.Kind())

	res := s.Execute(context.Background(), messageRequest())
	require.True(t, res.Success)
	assert.Equal(t, "<"+IdempotencyKey("act-2", "email")+"@mail.example.com>", res.Reference)
	assert.Equal(t, []string{"ops@example.com", "cto@example.com"}, sentTo)
	assert.Contains(t, sentMsg, "Subject: Weekly report\r\n")
	assert.Contains(t, sentMsg, "Message-ID: "+res.Reference)
	assert.True(t, strings.HasSuffix(sentMsg, "All green.\r\nSee you."))
}

func TestSMTPExecutor_Failures(t *testing.T) {
	reject := func(string, smtp.Auth, string, []string, []byte) error {
		return &textproto.Error{Code: 550, Msg: "mailbox unavailable"}
	}
	res := NewSMTPExecutor(SMTPConfig{Addr: "mail:25"}, reject).Execute(context.Background(), messageRequest())
	assert.Equal(t, contracts.ErrorTerminal, res.ErrorKind)

	res = NewSMTPExecutor(SMTPConfig{Addr: "mail:25"}, reject).Execute(context.Background(), postRequest())
	assert.Equal(t, contracts.ErrorTerminal, res.ErrorKind)

	block := make(chan struct{})
	defer close(block)
	hang := func(string, smtp.Auth, string, []string, []byte) error {
		<-block
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res = NewSMTPExecutor(SMTPConfig{Addr: "mail:25"}, hang).Execute(ctx, messageRequest())
	assert.Equal(t, contracts.ErrorRetryable, res.ErrorKind)
}

func TestSMTPExecutor_HeaderFields(t *testing.T) {
	var sent int
	var sentMsg string
	send := func(_ string, _ smtp.Auth, _ string, _ []string, msg []byte) error {
		sent++
		sentMsg = string(msg)
		return nil
	}
	s := NewSMTPExecutor(SMTPConfig{Addr: "mail.example.com:587", From: "bot@example.com"}, send)

	tests := []struct {
		name   string
		mutate func(*contracts.MessagePayload)
		field  string
	}{
		{"subject", func(m *contracts.MessagePayload) { m.Subject = "Hello\r\nBcc: everyone@competitor.example" }, "Subject"},
		{"recipient", func(m *contracts.MessagePayload) { m.To = []string{"ops@example.com\nBcc: x@y"} }, "To"},
		{"cc", func(m *contracts.MessagePayload) { m.Cc = []string{"cto@example.com\r"} }, "Cc"},
		{"thread", func(m *contracts.MessagePayload) { m.ThreadID = "<t@x>\nX-Evil: 1" }, "ThreadID"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := messageRequest()
			msg := req.Payload.(contracts.MessagePayload)
			tt.mutate(&msg)
			req.Payload = msg

			res := s.Execute(context.Background(), req)
			assert.False(t, res.Success)
			assert.Equal(t, contracts.ErrorTerminal, res.ErrorKind)
			assert.Contains(t, res.ErrorMessage, tt.field)
		})
	}
	assert.Zero(t, sent, "nothing with a broken header is handed to the mail server")

	badFrom := NewSMTPExecutor(SMTPConfig{Addr: "mail:25", From: "bot@example.com\r\nBcc: x@y"}, send)
	res := badFrom.Execute(context.Background(), messageRequest())
	assert.Equal(t, contracts.ErrorTerminal, res.ErrorKind)
	assert.Zero(t, sent)

	req := messageRequest()
	msg := req.Payload.(contracts.MessagePayload)
	msg.Subject = "Résumé prêt"
	req.Payload = msg
	res = s.Execute(context.Background(), req)
	require.True(t, res.Success)
	assert.Contains(t, sentMsg, "Subject: =?utf-8?q?")
	assert.NotContains(t, sentMsg, "Résumé")
}

func TestDeduped(t *testing.T) {
	var calls atomic.Int32
	inner := Func{KindName: "x", Fn: func(context.Context, Request) Result {
		n := calls.Add(1)
		return Succeeded(fmt.Sprintf("ref-%d", n))
	}}
	exec := Deduped(inner, NewMemoryDeduper(time.Hour))
	assert.Equal(t, "x", exec.Kind())

	first := exec.Execute(context.Background(), postRequest())
	second := exec.Execute(context.Background(), postRequest())
	require.True(t, second.Success)
	assert.Equal(t, first.Reference, second.Reference)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDeduped_FailuresAreNotRemembered(t *testing.T) {
	var calls atomic.Int32
	inner := Func{KindName: "x", Fn: func(context.Context, Request) Result {
		if calls.Add(1) == 1 {
			return Failed(contracts.ErrorRetryable, "flaky")
		}
		return Succeeded("ok")
	}}
	exec := Deduped(inner, NewMemoryDeduper(0))
	assert.False(t, exec.Execute(context.Background(), postRequest()).Success)
	assert.True(t, exec.Execute(context.Background(), postRequest()).Success)
	assert.Equal(t, int32(2), calls.Load())
}

type brokenDeduper struct{}

func (brokenDeduper) Lookup(context.Context, string) (string, bool, error) {
	return "", false, errors.New("connection reset")
}
func (brokenDeduper) Remember(context.Context, string, string) error { return nil }

func TestDeduped_LookupFailureDoesNotSend(t *testing.T) {
	inner := Func{KindName: "x", Fn: func(context.Context, Request) Result {
		t.Fatal("executor must not be called")
		return Result{}
	}}
	res := Deduped(inner, brokenDeduper{}).Execute(context.Background(), postRequest())
	assert.Equal(t, contracts.ErrorRetryable, res.ErrorKind)
}

func TestMemoryDeduper_TTL(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	d := NewMemoryDeduper(time.Minute)
	d.clock = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, d.Remember(ctx, "k", "first"))
	require.NoError(t, d.Remember(ctx, "k", "second"))
	ref, ok, err := d.Lookup(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "first", ref)

	now = now.Add(2 * time.Minute)
	_, ok, err = d.Lookup(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisDeduper(t *testing.T) {
	addr := os.Getenv("ACTIONGATE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("ACTIONGATE_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer func() { _ = client.Close() }()
	ctx := context.Background()

	prefix := fmt.Sprintf("actiongate:test:%d:", time.Now().UnixNano())
	d := NewRedisDeduper(client, prefix, time.Minute)
	_, ok, err := d.Lookup(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, d.Remember(ctx, "k", "first"))
	require.NoError(t, d.Remember(ctx, "k", "second"))
	ref, ok, err := d.Lookup(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "first", ref)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(
		Func{KindName: "x", Fn: func(context.Context, Request) Result { return Succeeded("") }},
		NewSMTPExecutor(SMTPConfig{Addr: "mail:25"}, nil),
	)
	_, ok := r.Lookup("email")
	assert.True(t, ok)
	_, ok = r.Lookup("fax")
	assert.False(t, ok)
	assert.Equal(t, []string{"email", "x"}, r.Kinds())
}
