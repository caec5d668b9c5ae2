// Package mock provides in-memory implementations of [audio.DeviceProvider],
// [audio.CaptureStream] and [audio.PlaybackStream] for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	capture := mock.NewCaptureStream(16)
//	playback := &mock.PlaybackStream{}
//	dev := &mock.DeviceProvider{
//	    Captures:  map[string]*mock.CaptureStream{"mic": capture},
//	    Playbacks: map[string]*mock.PlaybackStream{"speakers": playback},
//	}
//	capture.Emit(audio.AudioFrame{Data: pcm, SampleRate: 16000, Channels: 1})
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/babelrelay/pkg/audio"
)

// ─── CaptureStream ────────────────────────────────────────────────────────────

// CaptureStream is a mock [audio.CaptureStream]. Frames are injected with
// [CaptureStream.Emit]; Close closes the Frames channel.
type CaptureStream struct {
	ch chan audio.AudioFrame

	mu     sync.Mutex
	closed bool

	// CloseErr is returned by Close.
	CloseErr error

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewCaptureStream returns a CaptureStream whose Frames channel has the given
// buffer size.
func NewCaptureStream(buffer int) *CaptureStream {
	return &CaptureStream{ch: make(chan audio.AudioFrame, buffer)}
}

// Frames implements [audio.CaptureStream].
func (c *CaptureStream) Frames() <-chan audio.AudioFrame { return c.ch }

// Emit delivers f to the consumer. It blocks while the buffer is full and
// reports false if the stream is already closed.
func (c *CaptureStream) Emit(f audio.AudioFrame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.ch <- f
	return true
}

// Close implements [audio.CaptureStream].
func (c *CaptureStream) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountClose++
	if !c.closed {
		c.closed = true
		close(c.ch)
	}
	return c.CloseErr
}

// Closed reports whether Close has been called.
func (c *CaptureStream) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// ─── PlaybackStream ───────────────────────────────────────────────────────────

// PlaybackStream is a mock [audio.PlaybackStream] that records written frames.
type PlaybackStream struct {
	mu      sync.Mutex
	closed  bool
	closeCh chan struct{}

	// WriteErr, if non-nil, is returned by every Write.
	WriteErr error

	// Block makes Write record its frame and then wait until Close, like a
	// device whose output buffer never drains.
	Block bool

	// CloseErr is returned by Close.
	CloseErr error

	// Written holds every frame passed to Write, in order.
	Written []audio.AudioFrame

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// Write implements [audio.PlaybackStream].
func (p *PlaybackStream) Write(f audio.AudioFrame) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return audio.ErrStreamClosed
	}
	if p.WriteErr != nil {
		p.mu.Unlock()
		return p.WriteErr
	}
	p.Written = append(p.Written, f)
	if !p.Block {
		p.mu.Unlock()
		return nil
	}
	ch := p.closing()
	p.mu.Unlock()
	<-ch
	return audio.ErrStreamClosed
}

// Close implements [audio.PlaybackStream].
func (p *PlaybackStream) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CallCountClose++
	if !p.closed {
		close(p.closing())
	}
	p.closed = true
	return p.CloseErr
}

// closing must be called with mu held.
func (p *PlaybackStream) closing() chan struct{} {
	if p.closeCh == nil {
		p.closeCh = make(chan struct{})
	}
	return p.closeCh
}

// Bytes returns the concatenated payload of all written frames.
func (p *PlaybackStream) Bytes() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []byte
	for _, f := range p.Written {
		out = append(out, f.Data...)
	}
	return out
}

// WriteCount returns the number of frames written so far.
func (p *PlaybackStream) WriteCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Written)
}

// ─── DeviceProvider ───────────────────────────────────────────────────────────

// DeviceProvider is a mock [audio.DeviceProvider] that hands out pre-built
// streams keyed by device ID.
type DeviceProvider struct {
	mu sync.Mutex

	// Captures maps device IDs to the stream OpenCapture returns.
	Captures map[string]*CaptureStream

	// Playbacks maps device IDs to the stream OpenPlayback returns.
	Playbacks map[string]*PlaybackStream

	// OpenCaptureErr, if non-nil, is returned by every OpenCapture.
	OpenCaptureErr error

	// OpenPlaybackErr, if non-nil, is returned by every OpenPlayback.
	OpenPlaybackErr error

	// CaptureCalls and PlaybackCalls record every open request in order.
	CaptureCalls  []audio.CaptureConfig
	PlaybackCalls []audio.PlaybackConfig
}

// OpenCapture implements [audio.DeviceProvider].
func (d *DeviceProvider) OpenCapture(_ context.Context, cfg audio.CaptureConfig) (audio.CaptureStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CaptureCalls = append(d.CaptureCalls, cfg)
	if d.OpenCaptureErr != nil {
		return nil, d.OpenCaptureErr
	}
	s, ok := d.Captures[cfg.DeviceID]
	if !ok {
		return nil, fmt.Errorf("mock: unknown capture device %q", cfg.DeviceID)
	}
	return s, nil
}

// OpenPlayback implements [audio.DeviceProvider].
func (d *DeviceProvider) OpenPlayback(_ context.Context, cfg audio.PlaybackConfig) (audio.PlaybackStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.PlaybackCalls = append(d.PlaybackCalls, cfg)
	if d.OpenPlaybackErr != nil {
		return nil, d.OpenPlaybackErr
	}
	s, ok := d.Playbacks[cfg.DeviceID]
	if !ok {
		return nil, fmt.Errorf("mock: unknown playback device %q", cfg.DeviceID)
	}
	return s, nil
}

var (
	_ audio.DeviceProvider = (*DeviceProvider)(nil)
	_ audio.CaptureStream  = (*CaptureStream)(nil)
	_ audio.PlaybackStream = (*PlaybackStream)(nil)
)
