// Package translate defines the Translator interface for machine translation
// backends.
//
// A Translator turns one utterance of text from a source language into a
// target language. Language codes are lower-case BCP-47 tags ("en", "es",
// "en-US"); implementations map them to their provider's own codes.
package translate

import (
	"context"
	"errors"
)

// ErrRejected is returned when the provider refuses the request because of
// invalid credentials or an exhausted quota.
var ErrRejected = errors.New("translate: request rejected")

// Translator is the abstraction over any translation backend.
//
// Implementations must be safe for concurrent use. An empty or
// whitespace-only text translates to "" without contacting the provider.
// Failure is always reported as an error, never as a partial result.
type Translator interface {
	Translate(ctx context.Context, text, source, target string) (string, error)
}

// Func adapts an ordinary function to the [Translator] interface.
type Func func(ctx context.Context, text, source, target string) (string, error)

// Translate calls f.
func (f Func) Translate(ctx context.Context, text, source, target string) (string, error) {
	return f(ctx, text, source, target)
}
