// Package echo suppresses re-transcription of the relay's own synthesized
// speech.
//
// When a direction plays synthesized audio, that audio can leak back into the
// opposite direction's capture (a speaker next to a microphone, or a meeting
// client that echoes its input). The [Guard] records the time of each
// direction's last synthesis so the opposite direction can drop transcripts
// that arrive shortly after it.
package echo

import (
	"sync/atomic"
	"time"
)

// DefaultWindow is the time after a synthesis during which transcripts of the
// peer direction are treated as likely echo.
const DefaultWindow = 8 * time.Second

// Guard holds one last-synthesis timestamp per direction. The set of
// directions is fixed at construction so lookups need no lock. Each
// timestamp has a single writer; any goroutine may read.
type Guard struct {
	last   map[string]*atomic.Int64
	window atomic.Int64
	now    func() time.Time
}

// Option configures a [Guard].
type Option func(*Guard)

// WithClock replaces the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// NewGuard creates a Guard for the named directions. A non-positive window
// selects [DefaultWindow].
func NewGuard(window time.Duration, directions []string, opts ...Option) *Guard {
	g := &Guard{
		last: make(map[string]*atomic.Int64, len(directions)),
		now:  time.Now,
	}
	for _, d := range directions {
		g.last[d] = new(atomic.Int64)
	}
	for _, o := range opts {
		o(g)
	}
	g.SetWindow(window)
	return g
}

// MarkSynthesis records that dir is about to play synthesized audio.
// Unknown directions are ignored.
func (g *Guard) MarkSynthesis(dir string) {
	if ts, ok := g.last[dir]; ok {
		ts.Store(g.now().UnixNano())
	}
}

// IsLikelyEcho reports whether dir synthesized audio less than one window ago.
// Unknown directions and directions that never synthesized are never echoes.
func (g *Guard) IsLikelyEcho(dir string) bool {
	since, ok := g.Since(dir)
	return ok && since < g.Window()
}

// Since returns the time elapsed since dir last synthesized. ok is false when
// dir is unknown or has not synthesized yet.
func (g *Guard) Since(dir string) (d time.Duration, ok bool) {
	ts, known := g.last[dir]
	if !known {
		return 0, false
	}
	last := ts.Load()
	if last == 0 {
		return 0, false
	}
	return time.Duration(g.now().UnixNano() - last), true
}

// SetWindow changes the echo window. It is safe to call while the pipeline
// runs. A non-positive window selects [DefaultWindow].
func (g *Guard) SetWindow(window time.Duration) {
	if window <= 0 {
		window = DefaultWindow
	}
	g.window.Store(int64(window))
}

// Window returns the current echo window.
func (g *Guard) Window() time.Duration { return time.Duration(g.window.Load()) }
