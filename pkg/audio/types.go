package audio

import "time"

// AudioFrame is one buffer of little-endian PCM16 audio. Frames are immutable
// once produced; ownership passes with the frame when it is queued.
type AudioFrame struct {
	// Data holds interleaved PCM16 samples.
	Data []byte

	// SampleRate in Hz (16000 on the relay path, 48000 for Discord Opus).
	SampleRate int

	// Channels is 1 for mono, 2 for stereo.
	Channels int

	// Timestamp is the capture offset from stream start.
	Timestamp time.Duration
}

// Duration returns the playback length of the frame.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := len(f.Data) / (2 * f.Channels)
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}
