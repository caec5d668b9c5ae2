// Package audio defines the device abstraction the relay captures from and
// plays back to, plus PCM16 helpers shared by device adapters.
//
// A [DeviceProvider] opens capture and playback streams by device ID. What an
// ID means is up to the provider: a file path or FIFO for [pipe], a voice
// channel for [discord]. Enumeration and selection of devices by name is left
// to the operator.
//
// This package lives under pkg/ so that additional device adapters can be
// written outside the module.
//
// [pipe]: github.com/MrWong99/babelrelay/pkg/audio/pipe
// [discord]: github.com/MrWong99/babelrelay/pkg/audio/discord
package audio

import (
	"context"
	"errors"
)

// ErrStreamClosed is returned by [PlaybackStream.Write] after Close.
var ErrStreamClosed = errors.New("audio: stream closed")

// CaptureConfig describes a capture stream request.
type CaptureConfig struct {
	// DeviceID selects the source. Its format is provider specific.
	DeviceID string

	// SampleRate in Hz of the frames delivered by the stream.
	SampleRate int

	// Channels of the frames delivered by the stream.
	Channels int

	// BlockSize is the preferred number of samples per channel per frame.
	// Providers may deliver other sizes; consumers must not rely on it.
	BlockSize int
}

// PlaybackConfig describes a playback stream request.
type PlaybackConfig struct {
	DeviceID   string
	SampleRate int
	Channels   int
}

// CaptureStream delivers audio from one source.
//
// The channel returned by Frames is closed after Close is called or when the
// source ends. Implementations never block on a slow consumer: frames that
// cannot be delivered are dropped.
type CaptureStream interface {
	Frames() <-chan AudioFrame
	Close() error
}

// PlaybackStream renders audio to one sink. Write may be called from a single
// goroutine only. Frames must match the stream's configured format.
type PlaybackStream interface {
	Write(frame AudioFrame) error
	Close() error
}

// DeviceProvider opens capture and playback streams.
//
// Implementations must be safe for concurrent use.
type DeviceProvider interface {
	// OpenCapture starts capturing from cfg.DeviceID. ctx governs the open
	// operation only.
	OpenCapture(ctx context.Context, cfg CaptureConfig) (CaptureStream, error)

	// OpenPlayback opens cfg.DeviceID for playback. ctx governs the open
	// operation only.
	OpenPlayback(ctx context.Context, cfg PlaybackConfig) (PlaybackStream, error)
}
