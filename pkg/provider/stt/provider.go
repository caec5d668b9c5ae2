// Package stt defines the streaming speech-to-text connection used by the
// transcription session.
//
// A [Dialer] opens one long-lived duplex [Stream] to a recognizer. The stream
// accepts raw PCM16 audio and yields interim and final [types.Transcript]
// events. Reconnecting, deduplication and finalization policy are the
// caller's concern; a Stream is a single connection and is not reused after
// it fails.
package stt

import (
	"context"
	"errors"

	"github.com/MrWong99/babelrelay/pkg/types"
)

// ErrRejected marks a permanent refusal by the provider, such as invalid
// credentials. Retrying the same request will not succeed.
var ErrRejected = errors.New("stt: rejected by provider")

// ErrStreamClosed is returned by Stream methods after Close.
var ErrStreamClosed = errors.New("stt: stream closed")

// StreamConfig describes the audio and language of a new stream.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz.
	SampleRate int

	// Channels is the number of interleaved channels (1 = mono).
	Channels int

	// Language is the provider language code to recognize (e.g. "en-US", "es").
	Language string
}

// Stream is one open recognizer connection.
//
// SendAudio and Finalize may be called from one goroutine while Recv is
// called from another. Close may be called from any goroutine and more than
// once.
type Stream interface {
	// SendAudio transmits a chunk of PCM audio matching StreamConfig.
	SendAudio(ctx context.Context, chunk []byte) error

	// Finalize asks the recognizer to flush any pending result for the audio
	// sent so far. The connection stays open so the final result can be read.
	Finalize(ctx context.Context) error

	// Recv blocks until the next transcript. Messages the stream cannot
	// interpret are skipped. It returns io.EOF when the provider closed the
	// stream normally and another error on transport failure.
	Recv(ctx context.Context) (types.Transcript, error)

	// Close ends the stream and releases the connection.
	Close() error
}

// FinalizeMarker is implemented by streams that flag the transcript
// completing a Finalize call with [types.Transcript.FromFinalize]. Without
// it, the first final after Finalize is the only completion signal.
type FinalizeMarker interface {
	MarksFinalize() bool
}

// Dialer opens recognizer streams. Implementations must be safe for
// concurrent use and must wrap authentication failures with [ErrRejected].
type Dialer interface {
	Dial(ctx context.Context, cfg StreamConfig) (Stream, error)
}
