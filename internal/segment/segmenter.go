// Package segment turns a continuous capture stream into speech-bounded runs
// of fixed-size blocks.
//
// A [Segmenter] classifies every block with a frame-level VAD session and
// forwards the block to a relay queue while the source is speaking, plus a
// hangover of trailing silent blocks so the recognizer can endpoint on its
// own. Silence outside an utterance never leaves the segmenter.
package segment

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/MrWong99/babelrelay/internal/relay"
	"github.com/MrWong99/babelrelay/pkg/audio"
	"github.com/MrWong99/babelrelay/pkg/provider/vad"
)

// Defaults match 20 ms blocks of 16 kHz mono PCM16.
const (
	DefaultSampleRate = 16000
	DefaultBlockMs    = 20
	DefaultHangover   = 30
)

// Option configures a [Segmenter].
type Option func(*Segmenter)

// WithSampleRate sets the PCM sample rate of fed audio.
func WithSampleRate(hz int) Option {
	return func(s *Segmenter) {
		if hz > 0 {
			s.sampleRate = hz
		}
	}
}

// WithBlockMs sets the classification block length in milliseconds. It must
// match the VAD session's frame size.
func WithBlockMs(ms int) Option {
	return func(s *Segmenter) {
		if ms > 0 {
			s.blockMs = ms
		}
	}
}

// WithHangover sets the number of trailing silent blocks forwarded after
// speech ends.
func WithHangover(blocks int) Option {
	return func(s *Segmenter) {
		if blocks >= 0 {
			s.hangover = blocks
		}
	}
}

// WithName sets the source name used in log lines.
func WithName(name string) Option {
	return func(s *Segmenter) { s.name = name }
}

// WithForwardHook registers fn to be called for every forwarded block.
func WithForwardHook(fn func()) Option {
	return func(s *Segmenter) { s.onForward = fn }
}

// Segmenter holds the capture state of one source. It is owned by the
// goroutine feeding it and is not safe for concurrent use.
type Segmenter struct {
	det vad.Session
	out *relay.Queue[audio.AudioFrame]

	name       string
	sampleRate int
	blockMs    int
	hangover   int
	blockBytes int
	onForward  func()

	buf                  []byte
	speaking             bool
	silenceRun           int
	sentSinceSpeechStart int
	offset               time.Duration

	forwarded uint64
	dropped   uint64
}

// New creates a Segmenter that classifies with det and forwards to out.
func New(det vad.Session, out *relay.Queue[audio.AudioFrame], opts ...Option) (*Segmenter, error) {
	if det == nil {
		return nil, errors.New("segment: VAD session is required")
	}
	if out == nil {
		return nil, errors.New("segment: output queue is required")
	}
	s := &Segmenter{
		det:        det,
		out:        out,
		name:       "capture",
		sampleRate: DefaultSampleRate,
		blockMs:    DefaultBlockMs,
		hangover:   DefaultHangover,
	}
	for _, o := range opts {
		o(s)
	}
	s.blockBytes = audio.BlockBytes(audio.SamplesPerBlock(s.sampleRate, s.blockMs), 1)
	if s.blockBytes == 0 {
		return nil, errors.New("segment: block size rounds to zero samples")
	}
	return s, nil
}

// Feed appends pcm to the accumulation buffer and classifies every complete
// block. A partial block is kept until the next call.
func (s *Segmenter) Feed(pcm []byte) {
	s.buf = append(s.buf, pcm...)
	for len(s.buf) >= s.blockBytes {
		block := make([]byte, s.blockBytes)
		copy(block, s.buf[:s.blockBytes])
		s.buf = s.buf[s.blockBytes:]
		s.process(block)
	}
	if len(s.buf) == 0 {
		s.buf = nil
	}
}

// Run feeds every frame from frames until the channel closes or ctx is done.
func (s *Segmenter) Run(ctx context.Context, frames <-chan audio.AudioFrame) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-frames:
			if !ok {
				return nil
			}
			s.Feed(f.Data)
		}
	}
}

func (s *Segmenter) process(block []byte) {
	blockDur := time.Duration(s.blockMs) * time.Millisecond
	ts := s.offset
	s.offset += blockDur

	speech := false
	ev, err := s.det.ProcessFrame(block)
	if err != nil {
		slog.Warn("segment: VAD error, treating block as silence", "source", s.name, "err", err)
	} else {
		speech = ev.Type.IsSpeech()
	}

	switch {
	case speech && !s.speaking:
		s.speaking = true
		s.silenceRun = 0
		s.sentSinceSpeechStart = 0
		slog.Debug("segment: speaking", "source", s.name)
	case speech:
		s.silenceRun = 0
	case s.speaking && s.silenceRun < s.hangover:
		s.silenceRun++
	case s.speaking:
		s.speaking = false
		slog.Debug("segment: silence", "source", s.name, "blocks_sent", s.sentSinceSpeechStart)
		s.dropped++
		return
	default:
		s.dropped++
		return
	}

	s.sentSinceSpeechStart++
	s.forwarded++
	s.out.Push(audio.AudioFrame{
		Data:       block,
		SampleRate: s.sampleRate,
		Channels:   1,
		Timestamp:  ts,
	})
	if s.onForward != nil {
		s.onForward()
	}
}

// Speaking reports whether the source is inside an utterance.
func (s *Segmenter) Speaking() bool { return s.speaking }

// Forwarded returns the number of blocks pushed to the output queue.
func (s *Segmenter) Forwarded() uint64 { return s.forwarded }

// Dropped returns the number of blocks classified outside an utterance.
func (s *Segmenter) Dropped() uint64 { return s.dropped }

// BlockBytes returns the size of one classification block.
func (s *Segmenter) BlockBytes() int { return s.blockBytes }
