// Package retry computes exponential backoff with deterministic jitter and
// decides whether a failed target may be attempted again.
package retry

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

const (
	DefaultBase           = 2 * time.Second
	DefaultMaxRetries     = 3
	DefaultJitterFraction = 0.25

	maxExponent = 20
)

// Policy is the backoff configuration applied to every retryable target.
type Policy struct {
	// Base is the delay before the first retry; it doubles per attempt.
	Base time.Duration `yaml:"base"`
	// MaxRetries is the number of retries after the initial attempt.
	MaxRetries int `yaml:"max_retries"`
	// MaxDelay caps a single delay before jitter. 0 disables the cap.
	MaxDelay time.Duration `yaml:"max_delay"`
	// MaxTotalDelay caps the summed delays of one target. 0 disables the cap.
	MaxTotalDelay time.Duration `yaml:"max_total_delay"`
	// JitterFraction spreads each delay by up to ±fraction. Clamped to [0, 0.25].
	JitterFraction float64 `yaml:"jitter_fraction"`
}

// DefaultPolicy returns 2s base, 3 retries, ±25% jitter, no caps.
func DefaultPolicy() Policy {
	return Policy{
		Base:           DefaultBase,
		MaxRetries:     DefaultMaxRetries,
		JitterFraction: DefaultJitterFraction,
	}
}

// Seed identifies one attempt so jitter is reproducible.
type Seed struct {
	ActionID string
	TargetID string
}

func (s Seed) String() string {
	return s.ActionID + "/" + s.TargetID
}

// Backoff returns the unjittered delay after the given failed attempt
// (1-based): Base·2^(attempt-1), capped at MaxDelay.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	exp := attempt - 1
	if exp > maxExponent {
		exp = maxExponent
	}
	d := p.base() << exp
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Delay returns Backoff(attempt) with deterministic jitter applied.
func (p Policy) Delay(attempt int, seed Seed) time.Duration {
	d := p.Backoff(attempt)
	frac := p.jitter()
	if frac == 0 {
		return d
	}
	// Map the hash onto [-1, 1].
	unit := float64(jitterBasis(seed, attempt)%20001)/10000 - 1
	return d + time.Duration(float64(d)*frac*unit)
}

// JitterBounds returns the inclusive range Delay may return for attempt.
func (p Policy) JitterBounds(attempt int) (lo, hi time.Duration) {
	d := p.Backoff(attempt)
	spread := time.Duration(float64(d) * p.jitter())
	return d - spread, d + spread
}

func (p Policy) base() time.Duration {
	if p.Base <= 0 {
		return DefaultBase
	}
	return p.Base
}

func (p Policy) jitter() float64 {
	switch {
	case p.JitterFraction <= 0:
		return 0
	case p.JitterFraction > DefaultJitterFraction:
		return DefaultJitterFraction
	default:
		return p.JitterFraction
	}
}

func jitterBasis(seed Seed, attempt int) uint64 {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%d", seed.ActionID, seed.TargetID, attempt)))
	return binary.BigEndian.Uint64(h[:8])
}

// Validate rejects nonsensical policies.
func (p Policy) Validate() error {
	if p.Base < 0 || p.MaxDelay < 0 || p.MaxTotalDelay < 0 {
		return fmt.Errorf("retry: delays must not be negative")
	}
	if p.MaxRetries < 0 {
		return fmt.Errorf("retry: max_retries must not be negative")
	}
	if p.JitterFraction < 0 || p.JitterFraction > DefaultJitterFraction {
		return fmt.Errorf("retry: jitter_fraction must be within [0, %.2f]", DefaultJitterFraction)
	}
	return nil
}
