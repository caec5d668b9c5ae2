// Package energy provides an RMS-energy voice activity detector. It implements
// the vad.Engine interface without any native dependencies.
//
// Each frame's normalised RMS energy is used as the speech probability. A frame
// opens a speech segment when its energy reaches SpeechThreshold and keeps the
// segment open while it stays at or above SilenceThreshold.
package energy

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/babelrelay/pkg/audio"
	"github.com/MrWong99/babelrelay/pkg/provider/vad"
)

// Default thresholds in normalised RMS units. Conversational speech from a
// headset microphone typically sits between 0.02 and 0.2.
const (
	DefaultSpeechThreshold  = 0.02
	DefaultSilenceThreshold = 0.012
)

var (
	_ vad.Engine  = (*Engine)(nil)
	_ vad.Session = (*session)(nil)
)

// Engine creates energy VAD sessions. It is stateless and safe for concurrent
// use.
type Engine struct{}

// New returns an energy [Engine].
func New() *Engine { return &Engine{} }

// NewSession validates cfg and returns a session. Zero thresholds fall back to
// the package defaults.
func (e *Engine) NewSession(cfg vad.Config) (vad.Session, error) {
	if cfg.SampleRate <= 0 {
		return nil, errors.New("energy: sample rate must be positive")
	}
	if cfg.FrameSizeMs <= 0 {
		return nil, errors.New("energy: frame size must be positive")
	}
	if cfg.SpeechThreshold == 0 {
		cfg.SpeechThreshold = DefaultSpeechThreshold
	}
	if cfg.SilenceThreshold == 0 {
		cfg.SilenceThreshold = DefaultSilenceThreshold
	}
	if cfg.SpeechThreshold < 0 || cfg.SpeechThreshold > 1 {
		return nil, fmt.Errorf("energy: speech threshold %.3f out of range [0, 1]", cfg.SpeechThreshold)
	}
	if cfg.SilenceThreshold > cfg.SpeechThreshold {
		return nil, fmt.Errorf("energy: silence threshold %.3f above speech threshold %.3f",
			cfg.SilenceThreshold, cfg.SpeechThreshold)
	}

	return &session{
		cfg:        cfg,
		frameBytes: audio.BlockBytes(audio.SamplesPerBlock(cfg.SampleRate, cfg.FrameSizeMs), 1),
	}, nil
}

type session struct {
	cfg        vad.Config
	frameBytes int

	mu       sync.Mutex
	inSpeech bool
	closed   bool
}

// ProcessFrame classifies one mono PCM16 frame.
func (s *session) ProcessFrame(frame []byte) (vad.Event, error) {
	if len(frame) != s.frameBytes {
		return vad.Event{}, fmt.Errorf("energy: frame is %d bytes, want %d", len(frame), s.frameBytes)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return vad.Event{}, errors.New("energy: session is closed")
	}

	p := audio.RMSEnergy(frame)
	ev := vad.Event{Probability: p}
	switch {
	case !s.inSpeech && p >= s.cfg.SpeechThreshold:
		s.inSpeech = true
		ev.Type = vad.SpeechStart
	case s.inSpeech && p >= s.cfg.SilenceThreshold:
		ev.Type = vad.SpeechContinue
	case s.inSpeech:
		s.inSpeech = false
		ev.Type = vad.SpeechEnd
	default:
		ev.Type = vad.Silence
	}
	return ev, nil
}

// Reset clears the hysteresis state.
func (s *session) Reset() {
	s.mu.Lock()
	s.inSpeech = false
	s.mu.Unlock()
}

// Close marks the session closed. It is safe to call more than once.
func (s *session) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
