// Package vad defines the voice activity detection contract used to gate
// transcription input.
//
// An [Engine] hands out one [Session] per audio stream so the microphone and
// the meeting feed keep separate detection state. Sessions classify fixed-size
// PCM16 frames synchronously; they sit on the capture path and must not block.
package vad

// EventType is the classification of one frame.
type EventType int

const (
	// SpeechStart marks the first speech frame after silence.
	SpeechStart EventType = iota
	// SpeechContinue marks a speech frame inside a speech run.
	SpeechContinue
	// SpeechEnd marks the first silent frame after speech.
	SpeechEnd
	// Silence marks a silent frame outside a speech run.
	Silence
)

// IsSpeech reports whether the frame carried speech.
func (t EventType) IsSpeech() bool {
	return t == SpeechStart || t == SpeechContinue
}

func (t EventType) String() string {
	switch t {
	case SpeechStart:
		return "speech_start"
	case SpeechContinue:
		return "speech_continue"
	case SpeechEnd:
		return "speech_end"
	case Silence:
		return "silence"
	default:
		return "unknown"
	}
}

// Event is the result of classifying one frame.
type Event struct {
	Type EventType

	// Probability is the detector's speech score in [0, 1]. Energy based
	// detectors report a normalised RMS level instead.
	Probability float64
}

// Config parameterises a [Session].
type Config struct {
	// SampleRate of the PCM16 mono frames in Hz.
	SampleRate int

	// FrameSizeMs is the frame length the session expects.
	FrameSizeMs int

	// SpeechThreshold is the score at or above which a frame starts or
	// continues speech.
	SpeechThreshold float64

	// SilenceThreshold is the score below which a speech run ends. It must
	// not exceed SpeechThreshold; the gap between the two is hysteresis.
	SilenceThreshold float64
}

// Session classifies the frames of one stream. It is not safe for concurrent
// use.
type Session interface {
	// ProcessFrame classifies one frame of FrameSizeMs length.
	ProcessFrame(frame []byte) (Event, error)

	// Reset forgets accumulated state, e.g. after a capture restart.
	Reset()

	// Close releases the session. Closing twice returns nil.
	Close() error
}

// Engine creates sessions. Implementations must allow concurrent NewSession
// calls.
type Engine interface {
	NewSession(cfg Config) (Session, error)
}
