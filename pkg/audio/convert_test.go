package audio_test

import (
	"encoding/binary"
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/babelrelay/pkg/audio"
)

func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

func TestRemix(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		in       []int16
		from, to int
		want     []int16
	}{
		{"same layout", []int16{1, 2, 3}, 1, 1, []int16{1, 2, 3}},
		{"mono to stereo", []int16{100, -200}, 1, 2, []int16{100, 100, -200, -200}},
		{"stereo to mono", []int16{100, 300, -100, -300}, 2, 1, []int16{200, -200}},
		{"stereo to mono extremes", []int16{32767, 32767, -32768, -32768}, 2, 1, []int16{32767, -32768}},
		{"quad to mono", []int16{100, 200, 300, 400}, 4, 1, []int16{250}},
		{"quad to stereo", []int16{100, 200, 300, 400}, 4, 2, []int16{250, 250}},
		{"partial frame dropped", []int16{10, 20, 30}, 2, 1, []int16{15}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := bytesToSamples(audio.Remix(samplesToBytes(tc.in), tc.from, tc.to))
			if !slices.Equal(got, tc.want) {
				t.Errorf("Remix = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestResample(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		in       []int16
		channels int
		src, dst int
		want     []int16
	}{
		{"same rate", []int16{1, 2, 3}, 1, 16000, 16000, []int16{1, 2, 3}},
		{"mono upsample", []int16{0, 100}, 1, 8000, 16000, []int16{0, 50, 100, 100}},
		{"mono downsample", []int16{0, 100, 200, 300}, 1, 16000, 8000, []int16{0, 200}},
		{"stereo upsample", []int16{0, 1000, 100, 2000}, 2, 8000, 16000,
			[]int16{0, 1000, 50, 1500, 100, 2000, 100, 2000}},
		{"zero source rate", []int16{1, 2}, 1, 0, 16000, []int16{1, 2}},
		{"negative target rate", []int16{1, 2}, 1, 16000, -1, []int16{1, 2}},
		{"too short to keep a frame", []int16{7}, 1, 48000, 16000, []int16{}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := bytesToSamples(audio.Resample(samplesToBytes(tc.in), tc.channels, tc.src, tc.dst))
			if !slices.Equal(got, tc.want) {
				t.Errorf("Resample = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestFormatConverter_MatchingFormatIsZeroCopy(t *testing.T) {
	t.Parallel()

	c := audio.FormatConverter{Target: audio.Format{SampleRate: 16000, Channels: 1}}
	in := audio.AudioFrame{Data: samplesToBytes([]int16{1, 2, 3}), SampleRate: 16000, Channels: 1}
	out := c.Convert(in)
	if &out.Data[0] != &in.Data[0] {
		t.Error("matching frame was copied")
	}
}

func TestFormatConverter_DiscordToRelay(t *testing.T) {
	t.Parallel()

	c := audio.FormatConverter{Target: audio.Format{SampleRate: 16000, Channels: 1}}
	in := audio.AudioFrame{
		Data:       samplesToBytes([]int16{100, 300, 200, 400, 300, 500, 400, 600, 500, 700, 600, 800}),
		SampleRate: 48000,
		Channels:   2,
		Timestamp:  40 * time.Millisecond,
	}
	out := c.Convert(in)

	if out.SampleRate != 16000 || out.Channels != 1 {
		t.Fatalf("format = %dHz/%dch, want 16000Hz/1ch", out.SampleRate, out.Channels)
	}
	if got := bytesToSamples(out.Data); !slices.Equal(got, []int16{200, 500}) {
		t.Errorf("samples = %v, want [200 500]", got)
	}
	if out.Timestamp != in.Timestamp {
		t.Errorf("timestamp = %v, want %v", out.Timestamp, in.Timestamp)
	}
}

func TestFormatConverter_RelayToDiscord(t *testing.T) {
	t.Parallel()

	c := audio.FormatConverter{Target: audio.Format{SampleRate: 48000, Channels: 2}}
	out := c.Convert(audio.AudioFrame{Data: samplesToBytes([]int16{0, 300}), SampleRate: 16000, Channels: 1})

	got := bytesToSamples(out.Data)
	if len(got) != 12 {
		t.Fatalf("got %d samples, want 12", len(got))
	}
	for i := 0; i < len(got); i += 2 {
		if got[i] != got[i+1] {
			t.Errorf("frame %d: L=%d R=%d, want equal", i/2, got[i], got[i+1])
		}
	}
	if got[0] != 0 || got[len(got)-1] != 300 {
		t.Errorf("edges = %d..%d, want 0..300", got[0], got[len(got)-1])
	}
}

func TestFormatConverter_TruncatesPartialFrame(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		frame audio.AudioFrame
		want  int
	}{
		{"odd mono", audio.AudioFrame{Data: make([]byte, 5), SampleRate: 16000, Channels: 1}, 4},
		{"half stereo frame", audio.AudioFrame{Data: make([]byte, 6), SampleRate: 48000, Channels: 2}, 2},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			c := audio.FormatConverter{Target: audio.Format{SampleRate: 16000, Channels: 1}}
			if got := len(c.Convert(tc.frame).Data); got%2 != 0 || got > tc.want {
				t.Errorf("len = %d, want even and at most %d", got, tc.want)
			}
		})
	}
}

func TestFormatConverter_UnknownFormatAssumedTarget(t *testing.T) {
	t.Parallel()

	c := audio.FormatConverter{Target: audio.Format{SampleRate: 16000, Channels: 1}}
	out := c.Convert(audio.AudioFrame{Data: samplesToBytes([]int16{5, 6})})
	if out.SampleRate != 16000 || out.Channels != 1 {
		t.Errorf("format = %dHz/%dch, want target", out.SampleRate, out.Channels)
	}
	if got := bytesToSamples(out.Data); !slices.Equal(got, []int16{5, 6}) {
		t.Errorf("samples = %v, want [5 6]", got)
	}
}

func TestFormat_String(t *testing.T) {
	t.Parallel()

	for f, want := range map[audio.Format]string{
		{SampleRate: 16000, Channels: 1}: "16000Hz mono",
		{SampleRate: 48000, Channels: 2}: "48000Hz stereo",
		{SampleRate: 44100, Channels: 6}: "44100Hz 6ch",
	} {
		if got := f.String(); got != want {
			t.Errorf("%#v.String() = %q, want %q", f, got, want)
		}
	}
}
