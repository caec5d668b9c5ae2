package discord

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/MrWong99/babelrelay/pkg/audio"
	"github.com/bwmarrin/discordgo"
)

var _ audio.PlaybackStream = (*playbackStream)(nil)

// playbackStream converts written frames to 48 kHz stereo, slices them into
// whole Opus frames and hands them to the voice connection. Write blocks
// while Discord's send buffer is full, which paces playback in real time.
type playbackStream struct {
	send    chan<- []byte
	pkt     *packetizer
	conv    audio.FormatConverter
	speak   func(bool) error
	release func()

	mu       sync.Mutex
	speaking bool
	closed   bool

	// closing is closed before Close takes mu, unblocking a Write that
	// waits on a full send buffer.
	closing   chan struct{}
	closeOnce sync.Once
}

func newPlaybackStream(vc *discordgo.VoiceConnection, _ audio.PlaybackConfig, release func()) (*playbackStream, error) {
	pkt, err := newPacketizer()
	if err != nil {
		return nil, err
	}
	return &playbackStream{
		send:    vc.OpusSend,
		pkt:     pkt,
		conv:    audio.FormatConverter{Target: audio.Format{SampleRate: opusSampleRate, Channels: opusChannels}},
		speak:   vc.Speaking,
		release: release,
		closing: make(chan struct{}),
	}, nil
}

// Write encodes frame and queues it for transmission. Incomplete Opus frames
// are carried over to the next call.
func (p *playbackStream) Write(frame audio.AudioFrame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return audio.ErrStreamClosed
	}
	select {
	case <-p.closing:
		return audio.ErrStreamClosed
	default:
	}

	if !p.speaking {
		p.setSpeaking(true)
	}

	for _, packet := range p.pkt.push(p.conv.Convert(frame).Data) {
		select {
		case p.send <- packet:
		case <-p.closing:
			return audio.ErrStreamClosed
		}
	}
	return nil
}

// Close flushes a zero-padded final frame, clears the speaking flag and
// releases the voice channel.
func (p *playbackStream) Close() error {
	p.closeOnce.Do(func() { close(p.closing) })

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	packet, flushErr := p.pkt.flush()
	if packet != nil {
		select {
		case p.send <- packet:
		default:
			flushErr = errors.New("discord: flush final frame: send buffer full")
		}
	}
	if p.speaking {
		p.setSpeaking(false)
	}
	p.closed = true
	p.mu.Unlock()

	if p.release != nil {
		p.release()
	}
	return flushErr
}

func (p *playbackStream) setSpeaking(b bool) {
	p.speaking = b
	if p.speak == nil {
		return
	}
	if err := p.speak(b); err != nil {
		slog.Debug("discord: speaking notification error", "speaking", b, "err", err)
	}
}
