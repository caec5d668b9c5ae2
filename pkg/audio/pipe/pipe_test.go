package pipe

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MrWong99/babelrelay/pkg/audio"
)

func collect(t *testing.T, s audio.CaptureStream) []audio.AudioFrame {
	t.Helper()
	var out []audio.AudioFrame
	timeout := time.After(5 * time.Second)
	for {
		select {
		case f, ok := <-s.Frames():
			if !ok {
				return out
			}
			out = append(out, f)
		case <-timeout:
			t.Fatal("capture did not end")
		}
	}
}

func TestCapture_ReadsBlocksUntilEOF(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "mic.raw")
	data := make([]byte, 640*3+100)
	for i := range data {
		data[i] = byte(i)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	s, err := New().OpenCapture(t.Context(), audio.CaptureConfig{DeviceID: path, SampleRate: 16000, Channels: 1, BlockSize: 320})
	if err != nil {
		t.Fatalf("OpenCapture: %v", err)
	}
	defer s.Close()

	frames := collect(t, s)
	if len(frames) != 4 {
		t.Fatalf("frames = %d, want 4", len(frames))
	}
	if len(frames[0].Data) != 640 || len(frames[3].Data) != 100 {
		t.Errorf("frame sizes = %d..%d, want 640..100", len(frames[0].Data), len(frames[3].Data))
	}
	if frames[2].Timestamp != 40*time.Millisecond {
		t.Errorf("third timestamp = %v, want 40ms", frames[2].Timestamp)
	}
	var got []byte
	for _, f := range frames {
		got = append(got, f.Data...)
	}
	if !bytes.Equal(got, data) {
		t.Error("captured bytes differ from the file")
	}
}

func TestCapture_Realtime(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "mic.raw")
	if err := os.WriteFile(path, make([]byte, 640*5), 0o600); err != nil {
		t.Fatal(err)
	}
	s, err := New(WithRealtime()).OpenCapture(t.Context(), audio.CaptureConfig{DeviceID: path, SampleRate: 16000, BlockSize: 320})
	if err != nil {
		t.Fatalf("OpenCapture: %v", err)
	}
	defer s.Close()

	start := time.Now()
	if n := len(collect(t, s)); n != 5 {
		t.Fatalf("frames = %d, want 5", n)
	}
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Errorf("5 blocks read in %v, want paced to about 100ms", elapsed)
	}
}

func TestCapture_CloseUnblocksReader(t *testing.T) {
	t.Parallel()

	r, w := io.Pipe()
	p := New()
	p.open = func(string) (io.ReadCloser, error) { return r, nil }

	s, err := p.OpenCapture(t.Context(), audio.CaptureConfig{DeviceID: "fifo", SampleRate: 16000, BlockSize: 320})
	if err != nil {
		t.Fatalf("OpenCapture: %v", err)
	}
	go func() { _, _ = w.Write(make([]byte, 640)) }()

	select {
	case <-s.Frames():
	case <-time.After(5 * time.Second):
		t.Fatal("no frame")
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	collect(t, s)
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestOpenCapture_MissingFile(t *testing.T) {
	t.Parallel()

	_, err := New().OpenCapture(t.Context(), audio.CaptureConfig{DeviceID: filepath.Join(t.TempDir(), "nope"), SampleRate: 16000})
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("err = %v, want ErrNotExist", err)
	}
}

func TestPlayback_AppendsConvertedFrames(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "out.raw")
	s, err := New().OpenPlayback(t.Context(), audio.PlaybackConfig{DeviceID: path, SampleRate: 16000, Channels: 2})
	if err != nil {
		t.Fatalf("OpenPlayback: %v", err)
	}

	mono := []byte{0x01, 0x02, 0x03, 0x04}
	if err := s.Write(audio.AudioFrame{Data: mono, SampleRate: 16000, Channels: 1}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Write(audio.AudioFrame{Data: mono, SampleRate: 16000, Channels: 1}); !errors.Is(err, audio.ErrStreamClosed) {
		t.Errorf("Write after Close = %v, want ErrStreamClosed", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{0x01, 0x02, 0x01, 0x02, 0x03, 0x04, 0x03, 0x04}
	if !bytes.Equal(got, want) {
		t.Errorf("file = %v, want %v", got, want)
	}
}

func TestOpen_RequiresSampleRate(t *testing.T) {
	t.Parallel()

	p := New()
	if _, err := p.OpenCapture(t.Context(), audio.CaptureConfig{DeviceID: "-"}); err == nil {
		t.Error("OpenCapture without sample rate succeeded")
	}
	if _, err := p.OpenPlayback(t.Context(), audio.PlaybackConfig{DeviceID: "-"}); err == nil {
		t.Error("OpenPlayback without sample rate succeeded")
	}
}
