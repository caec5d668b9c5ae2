// Package mock provides a test double for the translate.Translator interface.
//
// Example:
//
//	tr := &mock.Translator{Results: map[string]string{"hola": "hello"}}
//	out, _ := tr.Translate(ctx, "hola", "es", "en")
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/babelrelay/pkg/provider/translate"
)

// TranslateCall records a single invocation of Translate.
type TranslateCall struct {
	Text   string
	Source string
	Target string
}

// Translator is a mock implementation of translate.Translator.
//
// Translate looks text up in Results; unknown texts are returned prefixed
// with "[target] ". Err, if non-nil, fails every call.
type Translator struct {
	mu sync.Mutex

	// Results maps input text to its translation.
	Results map[string]string

	// Err, if non-nil, is returned by every Translate call.
	Err error

	// Block, if non-nil, makes Translate wait until it is closed or ctx ends.
	Block chan struct{}

	// Calls records every call to Translate.
	Calls []TranslateCall
}

// Translate records the call and returns the scripted result.
func (m *Translator) Translate(ctx context.Context, text, source, target string) (string, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, TranslateCall{Text: text, Source: source, Target: target})
	block, err := m.Block, m.Err
	res, ok := m.Results[text]
	m.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err != nil {
		return "", err
	}
	if ok {
		return res, nil
	}
	return "[" + target + "] " + text, nil
}

// CallCount returns the number of Translate calls. Thread-safe.
func (m *Translator) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// Texts returns the texts passed to Translate in order. Thread-safe.
func (m *Translator) Texts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.Calls))
	for i, c := range m.Calls {
		out[i] = c.Text
	}
	return out
}

var _ translate.Translator = (*Translator)(nil)
