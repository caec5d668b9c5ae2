package discord

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/babelrelay/pkg/audio"
	"github.com/bwmarrin/discordgo"
)

// ─── test helpers ─────────────────────────────────────────────────────────────

type fakeVoice struct {
	mu     sync.Mutex
	joins  []string
	leaves int
	vcs    map[string]*discordgo.VoiceConnection
}

// newTestProvider returns a Provider whose join and leave functions operate
// on fake voice connections with buffered Opus channels.
func newTestProvider(t *testing.T) (*Provider, *fakeVoice) {
	t.Helper()
	fv := &fakeVoice{vcs: make(map[string]*discordgo.VoiceConnection)}
	p := &Provider{
		guildID: "guild-test",
		links:   make(map[string]*voiceLink),
		join: func(channelID string) (*discordgo.VoiceConnection, error) {
			fv.mu.Lock()
			defer fv.mu.Unlock()
			fv.joins = append(fv.joins, channelID)
			vc := &discordgo.VoiceConnection{
				ChannelID: channelID,
				OpusSend:  make(chan []byte, 16),
				OpusRecv:  make(chan *discordgo.Packet, 16),
			}
			fv.vcs[channelID] = vc
			return vc, nil
		},
		leave: func(*discordgo.VoiceConnection) error {
			fv.mu.Lock()
			defer fv.mu.Unlock()
			fv.leaves++
			return nil
		},
	}
	return p, fv
}

func (fv *fakeVoice) vc(channelID string) *discordgo.VoiceConnection {
	fv.mu.Lock()
	defer fv.mu.Unlock()
	return fv.vcs[channelID]
}

func (fv *fakeVoice) counts() (joins, leaves int) {
	fv.mu.Lock()
	defer fv.mu.Unlock()
	return len(fv.joins), fv.leaves
}

// manualTick replaces the capture mixer ticker of p. Each send on the
// returned channel is one 20 ms tick.
func manualTick(p *Provider) chan<- time.Time {
	ch := make(chan time.Time)
	p.tick = func() (<-chan time.Time, func()) { return ch, func() {} }
	return ch
}

func waitDecoded(t *testing.T, c *captureStream, n uint64) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for c.decoded.Load() < n {
		if time.Now().After(deadline) {
			t.Fatalf("decoded %d packets, want %d", c.decoded.Load(), n)
		}
		time.Sleep(time.Millisecond)
	}
}

// silenceOpus is a valid Opus silence frame.
var silenceOpus = []byte{0xF8, 0xFF, 0xFE}

// ─── Provider tests ───────────────────────────────────────────────────────────

func TestNew(t *testing.T) {
	t.Parallel()

	p := New(&discordgo.Session{}, "guild-123")
	if p.guildID != "guild-123" {
		t.Errorf("guildID = %q, want %q", p.guildID, "guild-123")
	}
	if p.join == nil || p.leave == nil {
		t.Error("join/leave not wired")
	}
}

func TestProvider_SharesVoiceConnection(t *testing.T) {
	t.Parallel()

	p, fv := newTestProvider(t)
	ctx := t.Context()

	capture, err := p.OpenCapture(ctx, audio.CaptureConfig{DeviceID: "chan-1", SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("OpenCapture: %v", err)
	}
	playback, err := p.OpenPlayback(ctx, audio.PlaybackConfig{DeviceID: "chan-1", SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("OpenPlayback: %v", err)
	}

	if joins, _ := fv.counts(); joins != 1 {
		t.Errorf("joins = %d, want 1", joins)
	}

	if err := capture.Close(); err != nil {
		t.Fatalf("capture Close: %v", err)
	}
	if _, leaves := fv.counts(); leaves != 0 {
		t.Errorf("left channel while playback still open")
	}
	if err := playback.Close(); err != nil {
		t.Fatalf("playback Close: %v", err)
	}
	if _, leaves := fv.counts(); leaves != 1 {
		t.Errorf("leaves = %d, want 1", leaves)
	}
}

func TestProvider_RejectsSecondCapture(t *testing.T) {
	t.Parallel()

	p, _ := newTestProvider(t)
	first, err := p.OpenCapture(t.Context(), audio.CaptureConfig{DeviceID: "chan-1"})
	if err != nil {
		t.Fatalf("OpenCapture: %v", err)
	}
	defer first.Close()

	_, err = p.OpenCapture(t.Context(), audio.CaptureConfig{DeviceID: "chan-1"})
	if !errors.Is(err, ErrStreamBusy) {
		t.Errorf("second OpenCapture err = %v, want ErrStreamBusy", err)
	}
}

func TestProvider_JoinError(t *testing.T) {
	t.Parallel()

	p, _ := newTestProvider(t)
	p.join = func(string) (*discordgo.VoiceConnection, error) {
		return nil, errors.New("missing permission")
	}
	if _, err := p.OpenPlayback(t.Context(), audio.PlaybackConfig{DeviceID: "chan-1"}); err == nil {
		t.Error("expected join error")
	}
	if _, err := p.OpenCapture(t.Context(), audio.CaptureConfig{}); err == nil {
		t.Error("expected error for empty channel ID")
	}
}

// ─── Capture tests ────────────────────────────────────────────────────────────

func TestCapture_MixesConcurrentSpeakers(t *testing.T) {
	t.Parallel()

	p, fv := newTestProvider(t)
	tick := manualTick(p)
	capture, err := p.OpenCapture(t.Context(), audio.CaptureConfig{DeviceID: "chan-1", SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("OpenCapture: %v", err)
	}
	defer capture.Close()

	// Two participants talking in the same 20 ms window.
	vc := fv.vc("chan-1")
	vc.OpusRecv <- &discordgo.Packet{SSRC: 100, Opus: silenceOpus}
	vc.OpusRecv <- &discordgo.Packet{SSRC: 200, Opus: silenceOpus}
	waitDecoded(t, capture.(*captureStream), 2)

	tick <- time.Time{}
	select {
	case f := <-capture.Frames():
		if f.SampleRate != 16000 || f.Channels != 1 {
			t.Errorf("format = %dHz/%dch, want 16000Hz/1ch", f.SampleRate, f.Channels)
		}
		// 20 ms at 16 kHz mono.
		if len(f.Data) != 640 {
			t.Errorf("got %d bytes, want 640", len(f.Data))
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for mixed frame")
	}

	// The next tick has nothing left to mix.
	tick <- time.Time{}
	tick <- time.Time{}
	select {
	case f := <-capture.Frames():
		t.Errorf("unexpected second frame of %d bytes; speakers were not mixed", len(f.Data))
	default:
	}
}

func TestCapture_TimestampsAdvancePerTick(t *testing.T) {
	t.Parallel()

	p, fv := newTestProvider(t)
	tick := manualTick(p)
	capture, err := p.OpenCapture(t.Context(), audio.CaptureConfig{DeviceID: "chan-1", SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("OpenCapture: %v", err)
	}
	defer capture.Close()

	vc := fv.vc("chan-1")
	tick <- time.Time{} // silent tick
	vc.OpusRecv <- &discordgo.Packet{SSRC: 100, Opus: silenceOpus}
	waitDecoded(t, capture.(*captureStream), 1)
	tick <- time.Time{}

	select {
	case f := <-capture.Frames():
		if f.Timestamp != 20*time.Millisecond {
			t.Errorf("timestamp = %v, want 20ms", f.Timestamp)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
	}
}

func TestCapture_CloseEndsFrames(t *testing.T) {
	t.Parallel()

	p, _ := newTestProvider(t)
	capture, err := p.OpenCapture(t.Context(), audio.CaptureConfig{DeviceID: "chan-1"})
	if err != nil {
		t.Fatalf("OpenCapture: %v", err)
	}

	var wg sync.WaitGroup
	for range 5 {
		wg.Go(func() { _ = capture.Close() })
	}
	wg.Wait()

	select {
	case _, ok := <-capture.Frames():
		if ok {
			t.Error("expected closed frames channel")
		}
	case <-time.After(time.Second):
		t.Fatal("frames channel not closed")
	}
}

// ─── Playback tests ───────────────────────────────────────────────────────────

func TestPlayback_EncodesWholeFrames(t *testing.T) {
	t.Parallel()

	p, fv := newTestProvider(t)
	playback, err := p.OpenPlayback(t.Context(), audio.PlaybackConfig{DeviceID: "chan-1", SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("OpenPlayback: %v", err)
	}

	// 30 ms of 16 kHz mono: one full Opus frame plus a 10 ms remainder.
	frame := audio.AudioFrame{Data: make([]byte, 960), SampleRate: 16000, Channels: 1}
	if err := playback.Write(frame); err != nil {
		t.Fatalf("Write: %v", err)
	}

	vc := fv.vc("chan-1")
	select {
	case pkt := <-vc.OpusSend:
		if len(pkt) == 0 {
			t.Error("empty Opus packet")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Opus packet")
	}

	if err := playback.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case <-vc.OpusSend:
	default:
		t.Error("remainder was not flushed on Close")
	}

	if err := playback.Write(frame); !errors.Is(err, audio.ErrStreamClosed) {
		t.Errorf("Write after Close err = %v, want ErrStreamClosed", err)
	}
}

func TestPlayback_CloseUnblocksWrite(t *testing.T) {
	t.Parallel()

	p, _ := newTestProvider(t)
	join := p.join
	p.join = func(channelID string) (*discordgo.VoiceConnection, error) {
		vc, err := join(channelID)
		if err == nil {
			// Nobody drains the send buffer.
			vc.OpusSend = make(chan []byte)
		}
		return vc, err
	}
	playback, err := p.OpenPlayback(t.Context(), audio.PlaybackConfig{DeviceID: "chan-1", SampleRate: 48000, Channels: 2})
	if err != nil {
		t.Fatalf("OpenPlayback: %v", err)
	}

	writeErr := make(chan error, 1)
	go func() {
		writeErr <- playback.Write(audio.AudioFrame{Data: make([]byte, opusFrameBytes), SampleRate: 48000, Channels: 2})
	}()
	time.Sleep(20 * time.Millisecond) // let Write block on the send

	closed := make(chan struct{})
	go func() {
		_ = playback.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close blocked behind a pending Write")
	}

	select {
	case err := <-writeErr:
		if !errors.Is(err, audio.ErrStreamClosed) {
			t.Errorf("Write err = %v, want ErrStreamClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Write did not return after Close")
	}
}
