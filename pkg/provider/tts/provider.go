// Package tts defines the streaming Text-to-Speech connection used by the
// synthesis session.
//
// A [Dialer] opens one long-lived [Stream] per connection. The caller sends
// translated text fragments with [Stream.Send], keeps an idle connection open
// with [Stream.KeepAlive], signals the end of input with [Stream.CloseInput]
// and reads PCM16 audio chunks with [Stream.Recv] as they are synthesised.
package tts

import (
	"context"
	"errors"
)

// ErrRejected is returned by Dial or Recv when the provider refuses the
// connection permanently (invalid credentials, forbidden voice). Callers
// treat it as fatal and do not reconnect.
var ErrRejected = errors.New("tts: connection rejected")

// ErrStreamClosed is returned by Stream methods after Close.
var ErrStreamClosed = errors.New("tts: stream closed")

// StreamConfig describes one synthesis connection.
type StreamConfig struct {
	// VoiceID is the provider-specific voice identifier. Required.
	VoiceID string

	// Settings tune the voice. Zero values select provider defaults.
	Settings VoiceSettings
}

// Chunk is one piece of synthesised audio.
type Chunk struct {
	// Audio holds little-endian PCM16 samples at the dialer's output rate.
	// It may be empty when the message only carries IsFinal.
	Audio []byte

	// IsFinal marks the end of the audio for the text sent so far.
	IsFinal bool
}

// Stream is one open synthesis connection.
//
// Send, KeepAlive and CloseInput may be called concurrently with each other
// and with Recv. Recv must only be called from one goroutine.
type Stream interface {
	// Send submits text and asks the provider to synthesise it immediately.
	Send(ctx context.Context, text string) error

	// KeepAlive sends a no-op message so the provider does not close an idle
	// connection.
	KeepAlive(ctx context.Context) error

	// CloseInput signals that no more text follows. Remaining audio is still
	// delivered by Recv, after which Recv returns io.EOF.
	CloseInput(ctx context.Context) error

	// Recv blocks for the next audio chunk. It returns io.EOF when the
	// provider closed the stream normally and [ErrRejected] when it closed it
	// because of an authentication or policy failure.
	Recv(ctx context.Context) (Chunk, error)

	// Close releases the connection. It is idempotent.
	Close() error
}

// Dialer opens synthesis connections. Every Dial uses the same endpoint and
// credentials.
type Dialer interface {
	Dial(ctx context.Context, cfg StreamConfig) (Stream, error)
}
