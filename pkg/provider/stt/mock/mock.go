// Package mock provides test doubles for the stt package interfaces.
//
// Use Dialer to script a sequence of connection outcomes and Stream to feed
// controlled transcripts and inspect which audio chunks were delivered.
//
// Example:
//
//	s := mock.NewStream()
//	d := &mock.Dialer{Streams: []*mock.Stream{s}}
//	s.Emit(types.Transcript{Text: "hello", IsFinal: true})
//	s.Fail(io.ErrUnexpectedEOF) // simulate a dropped connection
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/babelrelay/pkg/provider/stt"
	"github.com/MrWong99/babelrelay/pkg/types"
)

// DialCall records a single invocation of Dialer.Dial.
type DialCall struct {
	// Cfg is the StreamConfig passed to Dial.
	Cfg stt.StreamConfig
}

// Dialer is a mock implementation of stt.Dialer.
//
// Each Dial call consumes the next entry of DialErrs (if any is left and
// non-nil, Dial fails with it) and otherwise returns the next entry of
// Streams. When Streams is exhausted a fresh Stream is created.
type Dialer struct {
	mu sync.Mutex

	// DialErrs are returned by successive Dial calls. A nil entry lets that
	// call succeed.
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
func (d *Dialer) Dial(ctx context.Context, cfg stt.StreamConfig) (stt.Stream, error) {
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

var _ stt.Dialer = (*Dialer)(nil)

type recvItem struct {
	t   types.Transcript
	err error
}

// Stream is a mock implementation of stt.Stream.
type Stream struct {
	recv   chan recvItem
	closed chan struct{}

	mu        sync.Mutex
	closeOnce sync.Once

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// FinalizeErr, if non-nil, is returned by Finalize.
	FinalizeErr error

	// OnFinalize, if non-nil, runs inside Finalize, e.g. to Emit a final.
	OnFinalize func(s *Stream)

	// MarkFinalize is reported by MarksFinalize. Set it when the script
	// flags the finalize result with FromFinalize.
	MarkFinalize bool

	// --- Call records ---

	// Audio holds a copy of every chunk passed to SendAudio in order.
	Audio [][]byte

	// FinalizeCount is the number of Finalize calls.
	FinalizeCount int

	// CloseCount is the number of Close calls.
	CloseCount int
}

// NewStream returns a Stream ready for use.
func NewStream() *Stream {
	return &Stream{
		recv:   make(chan recvItem, 64),
		closed: make(chan struct{}),
	}
}

// Emit queues t for Recv.
func (s *Stream) Emit(t types.Transcript) {
	s.recv <- recvItem{t: t}
}

// Fail makes the next Recv return err after previously emitted transcripts.
func (s *Stream) Fail(err error) {
	s.recv <- recvItem{err: err}
}

// SendAudio records the chunk and returns SendAudioErr.
func (s *Stream) SendAudio(_ context.Context, chunk []byte) error {
	select {
	case <-s.closed:
		return stt.ErrStreamClosed
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SendAudioErr != nil {
		return s.SendAudioErr
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.Audio = append(s.Audio, cp)
	return nil
}

// Finalize records the call, runs OnFinalize and returns FinalizeErr.
func (s *Stream) Finalize(context.Context) error {
	s.mu.Lock()
	s.FinalizeCount++
	fn, err := s.OnFinalize, s.FinalizeErr
	s.mu.Unlock()
	if fn != nil {
		fn(s)
	}
	return err
}

// MarksFinalize implements [stt.FinalizeMarker].
func (s *Stream) MarksFinalize() bool { return s.MarkFinalize }

// Recv returns the next emitted transcript or failure.
func (s *Stream) Recv(ctx context.Context) (types.Transcript, error) {
	select {
	case it := <-s.recv:
		return it.t, it.err
	case <-s.closed:
		return types.Transcript{}, stt.ErrStreamClosed
	case <-ctx.Done():
		return types.Transcript{}, ctx.Err()
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

// AudioCount returns the number of chunks received. Thread-safe.
func (s *Stream) AudioCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Audio)
}

// Finalized returns the number of Finalize calls. Thread-safe.
func (s *Stream) Finalized() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.FinalizeCount
}

// Closed reports whether Close was called.
func (s *Stream) Closed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

var (
	_ stt.Stream         = (*Stream)(nil)
	_ stt.FinalizeMarker = (*Stream)(nil)
)
