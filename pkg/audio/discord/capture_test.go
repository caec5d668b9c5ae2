package discord

import (
	"encoding/binary"
	"math"
	"testing"
)

// constFrame returns one 48 kHz stereo frame with every sample set to v.
func constFrame(v int16) []byte {
	b := make([]byte, opusFrameBytes)
	for i := 0; i < len(b); i += 2 {
		binary.LittleEndian.PutUint16(b[i:], uint16(v))
	}
	return b
}

func firstSample(b []byte) int16 {
	return int16(binary.LittleEndian.Uint16(b))
}

func TestMixer_Next(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		a, b int16
		want int16
	}{
		{"sum", 1000, -300, 700},
		{"clip high", 30000, 10000, math.MaxInt16},
		{"clip low", -30000, -10000, math.MinInt16},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			m := newMixer()
			m.add(1, constFrame(tc.a))
			m.add(2, constFrame(tc.b))

			out := m.next()
			if len(out) != opusFrameBytes {
				t.Fatalf("mixed %d bytes, want %d", len(out), opusFrameBytes)
			}
			if got := firstSample(out); got != tc.want {
				t.Errorf("sample = %d, want %d", got, tc.want)
			}
			if rest := m.next(); rest != nil {
				t.Errorf("second mix = %d bytes, want nil", len(rest))
			}
		})
	}
}

func TestMixer_OneFramePerSpeakerPerTick(t *testing.T) {
	t.Parallel()

	m := newMixer()
	m.add(1, append(constFrame(100), constFrame(200)...))
	m.add(2, constFrame(5))

	if got := firstSample(m.next()); got != 105 {
		t.Errorf("first tick = %d, want 105", got)
	}
	if got := firstSample(m.next()); got != 200 {
		t.Errorf("second tick = %d, want 200", got)
	}
	if m.next() != nil {
		t.Error("third tick should be empty")
	}
}

func TestMixer_HoldsPartialFrame(t *testing.T) {
	t.Parallel()

	m := newMixer()
	half := constFrame(7)[:opusFrameBytes/2]
	m.add(1, half)
	if m.next() != nil {
		t.Fatal("half a frame must not be mixed")
	}
	m.add(1, half)
	if got := firstSample(m.next()); got != 7 {
		t.Errorf("sample = %d, want 7", got)
	}
}

func TestMixer_DropsOldestBeyondQueueLimit(t *testing.T) {
	t.Parallel()

	m := newMixer()
	for i := range maxQueuedFrames + 2 {
		m.add(1, constFrame(int16(i)))
	}
	if got := firstSample(m.next()); got != 2 {
		t.Errorf("oldest kept sample = %d, want 2", got)
	}
}
