// Package mock provides scripted test doubles for the vad interfaces.
//
//	sess := mock.Script(mock.Speech(40), mock.Quiet(40))
//	eng := &mock.Engine{Sessions: []*mock.Session{sess}}
package mock

import (
	"errors"
	"sync"

	"github.com/MrWong99/babelrelay/pkg/provider/vad"
)

// Engine is a mock [vad.Engine] that hands out Sessions in order and fresh
// silent sessions once they run out.
type Engine struct {
	mu sync.Mutex

	// Sessions are returned by successive NewSession calls.
	Sessions []*Session

	// Err, if non-nil, fails every NewSession call.
	Err error

	// Configs records the Config of every NewSession call.
	Configs []vad.Config

	next int
}

// NewSession implements [vad.Engine].
func (e *Engine) NewSession(cfg vad.Config) (vad.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Configs = append(e.Configs, cfg)
	if e.Err != nil {
		return nil, e.Err
	}
	if e.next < len(e.Sessions) {
		s := e.Sessions[e.next]
		e.next++
		return s, nil
	}
	return &Session{}, nil
}

// Session is a mock [vad.Session]. Frame i is classified as Script[i]; frames
// past the end of the script are silent. Errs fails chosen frame indexes.
type Session struct {
	mu sync.Mutex

	Script []vad.Event
	Errs   map[int]error

	frames int
	resets int
	closed bool
}

// Script builds a Session from runs produced by [Speech] and [Quiet].
func Script(runs ...[]vad.Event) *Session {
	var all []vad.Event
	for _, r := range runs {
		all = append(all, r...)
	}
	return &Session{Script: all}
}

// Speech returns n speech frames.
func Speech(n int) []vad.Event {
	return repeat(vad.Event{Type: vad.SpeechContinue, Probability: 0.9}, n)
}

// Quiet returns n silent frames.
func Quiet(n int) []vad.Event {
	return repeat(vad.Event{Type: vad.Silence}, n)
}

func repeat(ev vad.Event, n int) []vad.Event {
	out := make([]vad.Event, n)
	for i := range out {
		out[i] = ev
	}
	return out
}

// ProcessFrame implements [vad.Session].
func (s *Session) ProcessFrame([]byte) (vad.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return vad.Event{}, errors.New("mock: session closed")
	}
	i := s.frames
	s.frames++
	if err := s.Errs[i]; err != nil {
		return vad.Event{}, err
	}
	if i < len(s.Script) {
		return s.Script[i], nil
	}
	return vad.Event{Type: vad.Silence}, nil
}

// Reset implements [vad.Session]. The script position is kept.
func (s *Session) Reset() {
	s.mu.Lock()
	s.resets++
	s.mu.Unlock()
}

// Close implements [vad.Session].
func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Frames returns the number of ProcessFrame calls.
func (s *Session) Frames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

// Resets returns the number of Reset calls.
func (s *Session) Resets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resets
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

var (
	_ vad.Engine  = (*Engine)(nil)
	_ vad.Session = (*Session)(nil)
)
