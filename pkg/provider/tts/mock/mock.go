// Package mock provides test doubles for the tts package interfaces.
//
// Use Dialer to script connection outcomes and Stream to inspect the text a
// session sends and to feed it audio chunks.
//
// Example:
//
//	s := mock.NewStream()
//	s.OnSend = func(s *mock.Stream, text string) {
//	    s.Emit(tts.Chunk{Audio: pcm, IsFinal: true})
//	}
//	d := &mock.Dialer{Streams: []*mock.Stream{s}}
package mock

import (
	"context"
	"io"
	"sync"

	"github.com/MrWong99/babelrelay/pkg/provider/tts"
)

// DialCall records a single invocation of Dialer.Dial.
type DialCall struct {
	// Cfg is the StreamConfig passed to Dial.
	Cfg tts.StreamConfig
}

// Dialer is a mock implementation of tts.Dialer.
//
// Each Dial call consumes the next entry of DialErrs (a nil entry lets the
// call succeed) and otherwise returns the next entry of Streams, creating a
// fresh Stream once Streams is exhausted.
type Dialer struct {
	mu sync.Mutex

	// DialErrs are returned by successive Dial calls.
	DialErrs []error

	// Streams are returned by successive successful Dial calls.
	Streams []*Stream

	// DialCalls records every call to Dial.
	DialCalls []DialCall

	// Dialed receives every stream handed out, if non-nil. Sends do not block.
	Dialed chan *Stream

	errIdx, streamIdx int
}

// Dial records the call and returns the next scripted outcome.
func (d *Dialer) Dial(ctx context.Context, cfg tts.StreamConfig) (tts.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.DialCalls = append(d.DialCalls, DialCall{Cfg: cfg})
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.errIdx < len(d.DialErrs) {
		err := d.DialErrs[d.errIdx]
		d.errIdx++
		if err != nil {
			return nil, err
		}
	}
	var s *Stream
	if d.streamIdx < len(d.Streams) {
		s = d.Streams[d.streamIdx]
	} else {
		s = NewStream()
	}
	d.streamIdx++
	if d.Dialed != nil {
		select {
		case d.Dialed <- s:
		default:
		}
	}
	return s, nil
}

// DialCount returns the number of Dial calls. Thread-safe.
func (d *Dialer) DialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.DialCalls)
}

var _ tts.Dialer = (*Dialer)(nil)

type recvItem struct {
	c   tts.Chunk
	err error
}

// Stream is a mock implementation of tts.Stream.
type Stream struct {
	recv   chan recvItem
	closed chan struct{}

	mu        sync.Mutex
	closeOnce sync.Once

	// SendErrs are returned by successive Send calls. A nil entry lets that
	// call succeed; once exhausted Send succeeds.
	SendErrs []error

	// OnSend, if non-nil, runs after a successful Send, e.g. to Emit audio.
	OnSend func(s *Stream, text string)

	// OnCloseInput, if non-nil, runs inside CloseInput, e.g. to emit the
	// remaining audio and End the stream.
	OnCloseInput func(s *Stream)

	// --- Call records ---

	// Sent holds every text successfully sent, in order.
	Sent []string

	// KeepAlives is the number of KeepAlive calls.
	KeepAlives int

	// InputClosed is the number of CloseInput calls.
	InputClosed int

	// CloseCount is the number of Close calls.
	CloseCount int

	sendIdx int
}

// NewStream returns a Stream ready for use.
func NewStream() *Stream {
	return &Stream{
		recv:   make(chan recvItem, 64),
		closed: make(chan struct{}),
	}
}

// Emit queues c for Recv.
func (s *Stream) Emit(c tts.Chunk) {
	s.recv <- recvItem{c: c}
}

// Fail makes the next Recv return err after previously emitted chunks.
func (s *Stream) Fail(err error) {
	s.recv <- recvItem{err: err}
}

// End makes the next Recv return io.EOF, as after a normal provider close.
func (s *Stream) End() {
	s.Fail(io.EOF)
}

// Send records text or returns the next scripted error.
func (s *Stream) Send(_ context.Context, text string) error {
	if s.isClosed() {
		return tts.ErrStreamClosed
	}
	s.mu.Lock()
	if s.sendIdx < len(s.SendErrs) {
		err := s.SendErrs[s.sendIdx]
		s.sendIdx++
		if err != nil {
			s.mu.Unlock()
			return err
		}
	}
	s.Sent = append(s.Sent, text)
	fn := s.OnSend
	s.mu.Unlock()
	if fn != nil {
		fn(s, text)
	}
	return nil
}

// KeepAlive records the call.
func (s *Stream) KeepAlive(context.Context) error {
	if s.isClosed() {
		return tts.ErrStreamClosed
	}
	s.mu.Lock()
	s.KeepAlives++
	s.mu.Unlock()
	return nil
}

// CloseInput records the call and runs OnCloseInput.
func (s *Stream) CloseInput(context.Context) error {
	if s.isClosed() {
		return tts.ErrStreamClosed
	}
	s.mu.Lock()
	s.InputClosed++
	fn := s.OnCloseInput
	s.mu.Unlock()
	if fn != nil {
		fn(s)
	}
	return nil
}

// Recv returns the next emitted chunk or failure.
func (s *Stream) Recv(ctx context.Context) (tts.Chunk, error) {
	select {
	case it := <-s.recv:
		return it.c, it.err
	case <-s.closed:
		return tts.Chunk{}, tts.ErrStreamClosed
	case <-ctx.Done():
		return tts.Chunk{}, ctx.Err()
	}
}

// Close records the call and unblocks Recv.
func (s *Stream) Close() error {
	s.mu.Lock()
	s.CloseCount++
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// SentTexts returns a copy of the sent texts. Thread-safe.
func (s *Stream) SentTexts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.Sent...)
}

// KeepAliveCount returns the number of KeepAlive calls. Thread-safe.
func (s *Stream) KeepAliveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.KeepAlives
}

// InputClosedCount returns the number of CloseInput calls. Thread-safe.
func (s *Stream) InputClosedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.InputClosed
}

// Closed reports whether Close was called.
func (s *Stream) Closed() bool { return s.isClosed() }

func (s *Stream) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

var _ tts.Stream = (*Stream)(nil)
