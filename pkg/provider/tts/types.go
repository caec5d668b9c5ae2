package tts

// VoiceSettings tune a synthesised voice.
type VoiceSettings struct {
	// Stability trades expressiveness for consistency (0.0–1.0).
	Stability float64

	// SimilarityBoost controls adherence to the original voice (0.0–1.0).
	SimilarityBoost float64

	// SpeakerBoost enables the provider's speaker enhancement, at the cost of
	// extra latency.
	SpeakerBoost bool
}

// DefaultVoiceSettings returns the settings used when none are configured.
func DefaultVoiceSettings() VoiceSettings {
	return VoiceSettings{Stability: 0.5, SimilarityBoost: 0.75}
}

// VoiceProfile describes a voice offered by a provider.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider identifies which TTS provider this voice belongs to.
	Provider string

	// Metadata holds provider-specific voice attributes (gender, age, accent, etc.).
	Metadata map[string]string
}
