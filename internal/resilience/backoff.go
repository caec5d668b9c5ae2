package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrReconnectBudgetExhausted is returned when a session has used every
// reconnect attempt its [ReconnectPolicy] allows.
var ErrReconnectBudgetExhausted = errors.New("resilience: reconnect budget exhausted")

// ReconnectPolicy describes a linear, capped backoff between reconnect
// attempts: delay(n) = min(Base + Step*n, Cap), where n counts consecutive
// failed attempts since the last successful connect.
type ReconnectPolicy struct {
	Base time.Duration
	Step time.Duration
	Cap  time.Duration

	// MaxAttempts bounds the consecutive failed attempts. Zero means retry
	// forever.
	MaxAttempts int
}

// DefaultReconnectPolicy returns the 2 s + 0.5 s·n, 5 s cap backoff with
// unbounded retries.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		Base: 2 * time.Second,
		Step: 500 * time.Millisecond,
		Cap:  5 * time.Second,
	}
}

// WithMaxAttempts returns a copy of p bounded to n attempts.
func (p ReconnectPolicy) WithMaxAttempts(n int) ReconnectPolicy {
	p.MaxAttempts = n
	return p
}

// Delay returns the wait before reconnect attempt number attempt (0-based).
func (p ReconnectPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := p.Base + p.Step*time.Duration(attempt)
	if p.Cap > 0 && d > p.Cap {
		d = p.Cap
	}
	if d < 0 {
		d = 0
	}
	return d
}

// Exhausted reports whether attempt exceeds the policy's budget.
func (p ReconnectPolicy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt >= p.MaxAttempts
}

// Validate reports configuration errors.
func (p ReconnectPolicy) Validate() error {
	var errs []error
	if p.Base < 0 || p.Step < 0 || p.Cap < 0 {
		errs = append(errs, errors.New("delays must not be negative"))
	}
	if p.Cap > 0 && p.Base > p.Cap {
		errs = append(errs, fmt.Errorf("base %s exceeds cap %s", p.Base, p.Cap))
	}
	if p.MaxAttempts < 0 {
		errs = append(errs, errors.New("max attempts must not be negative"))
	}
	return errors.Join(errs...)
}

// Backoff tracks consecutive failures against a [ReconnectPolicy]. It is not
// safe for concurrent use; each session owns one.
type Backoff struct {
	policy  ReconnectPolicy
	attempt int
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewBackoff returns a Backoff for p.
func NewBackoff(p ReconnectPolicy) *Backoff {
	return &Backoff{policy: p, sleep: Sleep}
}

// Wait blocks for the next delay and advances the attempt counter. It returns
// [ErrReconnectBudgetExhausted] without waiting once the budget is spent, or
// ctx.Err() if ctx ends during the wait.
func (b *Backoff) Wait(ctx context.Context) (time.Duration, error) {
	if b.policy.Exhausted(b.attempt) {
		return 0, fmt.Errorf("%w after %d attempts", ErrReconnectBudgetExhausted, b.attempt)
	}
	d := b.policy.Delay(b.attempt)
	b.attempt++
	return d, b.sleep(ctx, d)
}

// Reset clears the attempt counter after a successful connect.
func (b *Backoff) Reset() { b.attempt = 0 }

// Attempt returns the number of consecutive failed attempts.
func (b *Backoff) Attempt() int { return b.attempt }

// SetSleep replaces the wait function. Intended for tests.
func (b *Backoff) SetSleep(fn func(ctx context.Context, d time.Duration) error) {
	b.sleep = fn
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
