package audio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
)

// Format is the sample rate and channel layout of a PCM16 stream.
type Format struct {
	SampleRate int
	Channels   int
}

func (f Format) String() string {
	switch f.Channels {
	case 1:
		return fmt.Sprintf("%dHz mono", f.SampleRate)
	case 2:
		return fmt.Sprintf("%dHz stereo", f.SampleRate)
	default:
		return fmt.Sprintf("%dHz %dch", f.SampleRate, f.Channels)
	}
}

// FormatConverter brings frames of any format to Target. One converter serves
// one stream; it is not safe for concurrent use.
type FormatConverter struct {
	Target Format

	mismatch sync.Once
	ragged   sync.Once
}

// Convert returns frame in the Target format. Frames that already match are
// returned as is. A trailing partial sample frame is dropped. Frames without
// a known format are assumed to be in Target already.
func (c *FormatConverter) Convert(frame AudioFrame) AudioFrame {
	src := Format{SampleRate: frame.SampleRate, Channels: frame.Channels}
	if src.SampleRate <= 0 || src.Channels <= 0 {
		src = c.Target
	}

	pcm := frame.Data
	if stride := 2 * src.Channels; len(pcm)%stride != 0 {
		c.ragged.Do(func() {
			slog.Warn("audio: truncating partial sample frame",
				"bytes", len(pcm), "format", src.String())
		})
		pcm = pcm[:len(pcm)-len(pcm)%stride]
	}

	if src == c.Target {
		frame.Data = pcm
		frame.SampleRate, frame.Channels = src.SampleRate, src.Channels
		return frame
	}
	c.mismatch.Do(func() {
		slog.Info("audio: converting stream format", "from", src.String(), "to", c.Target.String())
	})

	// Work on as few channels as possible while resampling.
	if c.Target.Channels < src.Channels {
		pcm = Remix(pcm, src.Channels, c.Target.Channels)
		pcm = Resample(pcm, c.Target.Channels, src.SampleRate, c.Target.SampleRate)
	} else {
		pcm = Resample(pcm, src.Channels, src.SampleRate, c.Target.SampleRate)
		pcm = Remix(pcm, src.Channels, c.Target.Channels)
	}
	return AudioFrame{
		Data:       pcm,
		SampleRate: c.Target.SampleRate,
		Channels:   c.Target.Channels,
		Timestamp:  frame.Timestamp,
	}
}

func sample(pcm []byte, i int) int32 {
	return int32(int16(binary.LittleEndian.Uint16(pcm[2*i:])))
}

func putSample(pcm []byte, i int, v int32) {
	v = max(-32768, min(32767, v))
	binary.LittleEndian.PutUint16(pcm[2*i:], uint16(int16(v)))
}

// Remix converts interleaved PCM16 from one channel count to another.
// Downmixing to mono averages all channels; upmixing from mono copies the
// sample into every channel. Other layouts pass through mono.
func Remix(pcm []byte, from, to int) []byte {
	if from == to || from <= 0 || to <= 0 {
		return pcm
	}
	if from != 1 && to != 1 {
		return Remix(Remix(pcm, from, 1), 1, to)
	}
	frames := len(pcm) / (2 * from)
	out := make([]byte, frames*2*to)
	for f := range frames {
		if to == 1 {
			var sum int32
			for ch := range from {
				sum += sample(pcm, f*from+ch)
			}
			putSample(out, f, sum/int32(from))
			continue
		}
		v := sample(pcm, f)
		for ch := range to {
			putSample(out, f*to+ch, v)
		}
	}
	return out
}

// Resample converts interleaved PCM16 between sample rates by linear
// interpolation. Invalid rates leave the input untouched.
func Resample(pcm []byte, channels, srcRate, dstRate int) []byte {
	if srcRate == dstRate || srcRate <= 0 || dstRate <= 0 || channels <= 0 {
		return pcm
	}
	srcFrames := len(pcm) / (2 * channels)
	if srcFrames == 0 {
		return pcm
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]byte, dstFrames*2*channels)
	step := float64(srcRate) / float64(dstRate)
	for f := range dstFrames {
		pos := float64(f) * step
		i := int(pos)
		frac := pos - float64(i)
		j := min(i+1, srcFrames-1)
		for ch := range channels {
			a := float64(sample(pcm, i*channels+ch))
			b := float64(sample(pcm, j*channels+ch))
			putSample(out, f*channels+ch, int32(a+(b-a)*frac))
		}
	}
	return out
}
