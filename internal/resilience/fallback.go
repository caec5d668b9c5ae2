package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every entry of a [FallbackGroup] failed or was
// skipped by its breaker.
var ErrAllFailed = errors.New("resilience: all providers failed")

// FallbackGroup holds providers of one kind in preference order, each behind
// its own [Breaker].
type FallbackGroup[T any] struct {
	entries []fallbackEntry[T]
}

type fallbackEntry[T any] struct {
	name    string
	value   T
	breaker *Breaker
}

// NewFallbackGroup returns an empty group.
func NewFallbackGroup[T any]() *FallbackGroup[T] {
	return &FallbackGroup[T]{}
}

// Add appends a provider guarded by a breaker built from cfg. Entries are
// tried in the order they were added. Add must not be called concurrently
// with [Do].
func (g *FallbackGroup[T]) Add(name string, value T, cfg BreakerConfig) {
	cfg.Name = name
	g.entries = append(g.entries, fallbackEntry[T]{name: name, value: value, breaker: NewBreaker(cfg)})
}

// Len returns the number of entries.
func (g *FallbackGroup[T]) Len() int { return len(g.entries) }

// Names returns the entry names in preference order.
func (g *FallbackGroup[T]) Names() []string {
	names := make([]string, len(g.entries))
	for i, e := range g.entries {
		names[i] = e.name
	}
	return names
}

// Do calls fn on each entry in order until one succeeds and returns that
// result together with the serving entry's name. Entries with an open
// breaker are skipped. Context errors stop the chain immediately and are not
// counted against any breaker.
func Do[T, R any](ctx context.Context, g *FallbackGroup[T], fn func(ctx context.Context, v T) (R, error)) (R, string, error) {
	var (
		zero R
		errs []error
	)
	isCtx := func(err error) bool {
		return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
	}

	for i := range g.entries {
		e := &g.entries[i]
		if err := ctx.Err(); err != nil {
			return zero, "", err
		}

		var res R
		err := e.breaker.Do(func() error {
			var callErr error
			res, callErr = fn(ctx, e.value)
			return callErr
		}, func(err error) bool { return isCtx(err) && ctx.Err() != nil })
		if err == nil {
			return res, e.name, nil
		}
		if isCtx(err) && ctx.Err() != nil {
			return zero, "", err
		}

		errs = append(errs, fmt.Errorf("%s: %w", e.name, err))
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("resilience: skipping provider, circuit open", "provider", e.name)
		} else if i < len(g.entries)-1 {
			slog.Warn("resilience: provider failed, trying next", "provider", e.name, "err", err)
		}
	}
	if len(errs) == 0 {
		return zero, "", fmt.Errorf("%w: no providers configured", ErrAllFailed)
	}
	return zero, "", fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}
