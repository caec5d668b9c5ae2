// Package types defines the shared types used across all babelrelay packages.
//
// These types are the lingua franca between providers, sessions, and the
// pipeline orchestrator. Each package owns its own domain types; only the
// cross-cutting data structures live here to avoid circular imports.
package types

import "time"

// Transcript is a single recognition event from a speech-to-text provider.
// Both interim and final results use this type.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal indicates whether the recognizer committed to this result.
	// Interim results may still be revised.
	IsFinal bool

	// Confidence is the overall confidence score (0.0–1.0). May be zero if the
	// provider does not report confidence.
	Confidence float64

	// FromFinalize marks the final that completes an explicit finalize
	// request. Only streams implementing stt.FinalizeMarker set it.
	FromFinalize bool
}

// Utterance is a recognized unit of speech that travels from a transcription
// session through translation to synthesis. Each direction consumes an
// utterance exactly once.
type Utterance struct {
	// ID correlates log lines and spans for the same utterance across stages.
	ID string

	// Text is the utterance content in Language.
	Text string

	// IsFinal is false for best-effort utterances flushed from an interim
	// result when the recognizer connection dropped.
	IsFinal bool

	// Language is the BCP-47 or provider language code of Text.
	Language string

	// EmittedAt is when the transcription session emitted the utterance.
	EmittedAt time.Time
}

// SessionState is the lifecycle state of a streaming provider session.
type SessionState int

const (
	// StateConnecting means a connection attempt is in progress.
	StateConnecting SessionState = iota

	// StateActive means the connection is up and the sub-loops are running.
	StateActive

	// StateDraining means the input sentinel was seen and the session is
	// waiting for the provider to deliver its remaining output.
	StateDraining

	// StateReconnecting means the last connection failed and the session is
	// backing off before the next attempt.
	StateReconnecting

	// StateTerminated means the session ended and will not reconnect.
	StateTerminated
)

// String returns the lower-case name of the state.
func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateReconnecting:
		return "reconnecting"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}
