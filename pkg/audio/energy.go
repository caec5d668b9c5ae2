package audio

import "math"

// RMSEnergy returns the root-mean-square energy of little-endian int16 PCM,
// normalised to the range 0.0–1.0. A trailing odd byte is ignored.
func RMSEnergy(pcm []byte) float64 {
	samples := len(pcm) / 2
	if samples == 0 {
		return 0
	}

	var sum float64
	for i := 0; i+1 < len(pcm); i += 2 {
		s := float64(int16(pcm[i])|int16(pcm[i+1])<<8) / 32768.0
		sum += s * s
	}
	return math.Sqrt(sum / float64(samples))
}

// BlockBytes returns the byte length of a PCM16 block holding samples samples
// per channel.
func BlockBytes(samples, channels int) int {
	if channels < 1 {
		channels = 1
	}
	return samples * channels * 2
}

// SamplesPerBlock returns the number of samples per channel in a block of
// blockMs milliseconds at sampleRate.
func SamplesPerBlock(sampleRate, blockMs int) int {
	return sampleRate * blockMs / 1000
}
