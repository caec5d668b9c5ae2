// Package resilience provides the failure-handling primitives shared by the
// relay's provider sessions and stages.
//
// [ReconnectPolicy] and [Backoff] parameterize the reconnect loops of the
// streaming recognizer and synthesizer sessions. [Breaker] is a three-state
// circuit breaker, and [FallbackGroup] chains several request/response
// providers (translators) so that a failing one is bypassed in favour of the
// next healthy one.
//
// Breaker and FallbackGroup are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [Breaker.Do] while the breaker rejects calls.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls until the cooldown elapses.
	StateOpen

	// StateHalfOpen lets a limited number of probes through.
	StateHalfOpen
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a [Breaker]. Zero fields take the defaults noted.
type BreakerConfig struct {
	// Name labels log lines and state-change callbacks.
	Name string

	// MaxFailures is the consecutive failure count that opens the breaker.
	// Default: 5.
	MaxFailures int

	// Cooldown is how long the breaker stays open. Default: 30s.
	Cooldown time.Duration

	// Probes is the number of successful half-open calls needed to close
	// again. Default: 1.
	Probes int

	// OnStateChange, if set, is called after every transition with the lock
	// released.
	OnStateChange func(name string, from, to State)

	// Now replaces the clock. Default: time.Now.
	Now func() time.Time
}

// Breaker implements the closed → open → half-open circuit breaker.
type Breaker struct {
	cfg BreakerConfig

	mu         sync.Mutex
	state      State
	failures   int
	openedAt   time.Time
	probesOut  int
	probesGood int
}

// NewBreaker returns a closed [Breaker].
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.Probes <= 0 {
		cfg.Probes = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{cfg: cfg}
}

// Do runs fn unless the breaker is open. Errors for which ignore returns
// true (e.g. caller cancellation) are passed through without being counted.
func (b *Breaker) Do(fn func() error, ignore func(error) bool) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}

	callErr := fn()
	if callErr != nil && ignore != nil && ignore(callErr) {
		b.mu.Lock()
		if probe {
			b.probesOut--
		}
		b.mu.Unlock()
		return callErr
	}
	b.record(probe, callErr == nil)
	return callErr
}

func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	var change func()
	defer func() {
		b.mu.Unlock()
		if change != nil {
			change()
		}
	}()

	switch b.state {
	case StateOpen:
		if b.cfg.Now().Sub(b.openedAt) < b.cfg.Cooldown {
			return false, ErrCircuitOpen
		}
		change = b.transition(StateHalfOpen)
		b.probesOut, b.probesGood = 0, 0
		fallthrough
	case StateHalfOpen:
		if b.probesOut >= b.cfg.Probes {
			return false, ErrCircuitOpen
		}
		b.probesOut++
		return true, nil
	default:
		return false, nil
	}
}

func (b *Breaker) record(probe, ok bool) {
	b.mu.Lock()
	var change func()
	switch {
	case probe && ok:
		b.probesGood++
		if b.probesGood >= b.cfg.Probes {
			b.failures = 0
			change = b.transition(StateClosed)
		}
	case probe:
		b.openedAt = b.cfg.Now()
		change = b.transition(StateOpen)
	case ok:
		b.failures = 0
	default:
		b.failures++
		if b.state == StateClosed && b.failures >= b.cfg.MaxFailures {
			b.openedAt = b.cfg.Now()
			change = b.transition(StateOpen)
		}
	}
	b.mu.Unlock()
	if change != nil {
		change()
	}
}

// transition must be called with b.mu held; the returned func runs the
// notification after unlocking.
func (b *Breaker) transition(to State) func() {
	from := b.state
	if from == to {
		return nil
	}
	b.state = to
	name, cb := b.cfg.Name, b.cfg.OnStateChange
	return func() {
		slog.Info("resilience: breaker state change", "name", name, "from", from, "to", to)
		if cb != nil {
			cb(name, from, to)
		}
	}
}

// State returns the current state. An open breaker whose cooldown elapsed is
// reported as half-open.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.cfg.Now().Sub(b.openedAt) >= b.cfg.Cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	b.failures, b.probesOut, b.probesGood = 0, 0, 0
	change := b.transition(StateClosed)
	b.mu.Unlock()
	if change != nil {
		change()
	}
}
