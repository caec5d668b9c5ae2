// Package discord provides an [audio.DeviceProvider] backed by Discord voice
// channels via the bwmarrin/discordgo library. It lets a voice channel stand
// in for the remote meeting: capture delivers what participants say, playback
// speaks the translated audio into the channel.
//
// The device ID of both stream kinds is the voice channel ID. Capture and
// playback on the same channel share one voice connection, which is left when
// the last stream on it closes. Each channel allows at most one capture and
// one playback stream at a time.
//
// Discord carries 48 kHz stereo Opus. Streams convert to and from the PCM16
// format requested in [audio.CaptureConfig] / [audio.PlaybackConfig].
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/babelrelay/pkg/audio"
	"github.com/bwmarrin/discordgo"
)

var _ audio.DeviceProvider = (*Provider)(nil)

// ErrStreamBusy is returned when a channel already has an open stream of the
// requested kind.
var ErrStreamBusy = errors.New("discord: stream already open on channel")

// Provider implements [audio.DeviceProvider] on top of a discordgo session.
// The session is owned by the caller and must be open.
//
// Provider is safe for concurrent use.
type Provider struct {
	guildID string
	join    func(channelID string) (*discordgo.VoiceConnection, error)
	leave   func(vc *discordgo.VoiceConnection) error

	// tick drives the capture mixer; nil selects a 20 ms ticker.
	tick ticker

	mu    sync.Mutex
	links map[string]*voiceLink
}

// voiceLink is one joined voice channel shared by its streams.
type voiceLink struct {
	channelID string
	vc        *discordgo.VoiceConnection

	capturing bool
	playing   bool
}

// New creates a Provider that joins voice channels of guildID through session.
func New(session *discordgo.Session, guildID string) *Provider {
	return &Provider{
		guildID: guildID,
		join: func(channelID string) (*discordgo.VoiceConnection, error) {
			// mute=false (we speak), deaf=false (we listen).
			return session.ChannelVoiceJoin(guildID, channelID, false, false)
		},
		leave: (*discordgo.VoiceConnection).Disconnect,
		links: make(map[string]*voiceLink),
	}
}

// OpenCapture joins cfg.DeviceID if needed and starts decoding participant
// audio into frames of the requested format. Participants speaking at the
// same time are mixed into one frame per 20 ms.
func (p *Provider) OpenCapture(_ context.Context, cfg audio.CaptureConfig) (audio.CaptureStream, error) {
	link, err := p.acquire(cfg.DeviceID, true)
	if err != nil {
		return nil, err
	}
	return newCaptureStream(link.vc, cfg, p.tick, func() { p.release(cfg.DeviceID, true) }), nil
}

// OpenPlayback joins cfg.DeviceID if needed and returns a stream that encodes
// written frames to Opus.
func (p *Provider) OpenPlayback(_ context.Context, cfg audio.PlaybackConfig) (audio.PlaybackStream, error) {
	link, err := p.acquire(cfg.DeviceID, false)
	if err != nil {
		return nil, err
	}
	s, err := newPlaybackStream(link.vc, cfg, func() { p.release(cfg.DeviceID, false) })
	if err != nil {
		p.release(cfg.DeviceID, false)
		return nil, err
	}
	return s, nil
}

func (p *Provider) acquire(channelID string, capture bool) (*voiceLink, error) {
	if channelID == "" {
		return nil, errors.New("discord: empty voice channel ID")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	link, ok := p.links[channelID]
	if !ok {
		vc, err := p.join(channelID)
		if err != nil {
			return nil, fmt.Errorf("discord: join voice channel %q: %w", channelID, err)
		}
		link = &voiceLink{channelID: channelID, vc: vc}
		p.links[channelID] = link
		slog.Info("discord: joined voice channel", "guild", p.guildID, "channel", channelID)
	}

	if capture {
		if link.capturing {
			return nil, fmt.Errorf("%w: capture on %q", ErrStreamBusy, channelID)
		}
		link.capturing = true
	} else {
		if link.playing {
			return nil, fmt.Errorf("%w: playback on %q", ErrStreamBusy, channelID)
		}
		link.playing = true
	}
	return link, nil
}

func (p *Provider) release(channelID string, capture bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	link, ok := p.links[channelID]
	if !ok {
		return
	}
	if capture {
		link.capturing = false
	} else {
		link.playing = false
	}
	if link.capturing || link.playing {
		return
	}

	delete(p.links, channelID)
	if p.leave != nil {
		if err := p.leave(link.vc); err != nil {
			slog.Warn("discord: leave voice channel", "channel", channelID, "err", err)
			return
		}
	}
	slog.Info("discord: left voice channel", "guild", p.guildID, "channel", channelID)
}
