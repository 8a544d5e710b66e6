package executor

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/Mindburn-Labs/helm/actiongate/pkg/contracts"
)

// ClassifyHTTP maps a response status to an error kind. 429 and 503 carry the
// Retry-After hint when the provider sends one.
func ClassifyHTTP(status int, header http.Header, now time.Time) (contracts.ErrorKind, time.Duration) {
	switch {
	case status >= 200 && status < 300:
		return contracts.ErrorNone, 0
	case status == http.StatusTooManyRequests:
		return contracts.ErrorRateLimited, ParseRetryAfter(header.Get("Retry-After"), now)
	case status == http.StatusServiceUnavailable:
		if after := ParseRetryAfter(header.Get("Retry-After"), now); after > 0 {
			return contracts.ErrorRateLimited, after
		}
		return contracts.ErrorRetryable, 0
	case status == http.StatusRequestTimeout, status >= 500:
		return contracts.ErrorRetryable, 0
	default:
		// 401/403 auth failures, 400/404/413/422 bad target or payload.
		return contracts.ErrorTerminal, 0
	}
}

// ParseRetryAfter reads delta-seconds or an HTTP date.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// ClassifyError maps a transport error to an error kind. Unknown errors are
// treated as retryable; terminal failures must be recognised explicitly.
func ClassifyError(err error) contracts.ErrorKind {
	if err == nil {
		return contracts.ErrorNone
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return contracts.ErrorRetryable
	}
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		if tpErr.Code >= 500 {
			return contracts.ErrorTerminal
		}
		return contracts.ErrorRetryable
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsNotFound {
			return contracts.ErrorTerminal
		}
		return contracts.ErrorRetryable
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return contracts.ErrorRetryable
	}
	return contracts.ErrorRetryable
}
