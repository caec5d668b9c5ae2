package discord

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"layeh.com/gopus"
)

// Discord voice carries 48 kHz stereo Opus in 20 ms packets.
const (
	opusSampleRate   = 48000
	opusChannels     = 2
	opusFrameSamples = opusSampleRate / 50
	opusFrameBytes   = opusFrameSamples * opusChannels * 2
)

// packetizer cuts a PCM16 stream at 48 kHz stereo into whole 20 ms frames and
// encodes each one. The tail that does not fill a frame waits for the next
// push.
type packetizer struct {
	enc     *gopus.Encoder
	pending []byte
	samples []int16
}

func newPacketizer() (*packetizer, error) {
	enc, err := gopus.NewEncoder(opusSampleRate, opusChannels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("discord: opus encoder: %w", err)
	}
	return &packetizer{enc: enc, samples: make([]int16, opusFrameSamples*opusChannels)}, nil
}

// push returns the packets completed by pcm. Frames that fail to encode are
// skipped.
func (p *packetizer) push(pcm []byte) [][]byte {
	p.pending = append(p.pending, pcm...)
	var packets [][]byte
	for len(p.pending) >= opusFrameBytes {
		if pkt, err := p.encode(p.pending[:opusFrameBytes]); err != nil {
			slog.Warn("discord: dropping unencodable frame", "err", err)
		} else {
			packets = append(packets, pkt)
		}
		p.pending = p.pending[opusFrameBytes:]
	}
	if len(p.pending) == 0 {
		p.pending = nil
	}
	return packets
}

// flush pads the pending tail with silence and encodes it. It returns nil
// when nothing is pending.
func (p *packetizer) flush() ([]byte, error) {
	if len(p.pending) == 0 {
		return nil, nil
	}
	frame := make([]byte, opusFrameBytes)
	copy(frame, p.pending)
	p.pending = nil
	return p.encode(frame)
}

func (p *packetizer) encode(frame []byte) ([]byte, error) {
	for i := range p.samples {
		p.samples[i] = int16(binary.LittleEndian.Uint16(frame[2*i:]))
	}
	pkt, err := p.enc.Encode(p.samples, opusFrameSamples, opusFrameBytes)
	if err != nil {
		return nil, fmt.Errorf("discord: opus encode: %w", err)
	}
	return pkt, nil
}

// depacketizer decodes the packet stream of a single SSRC.
type depacketizer struct {
	dec *gopus.Decoder
}

func newDepacketizer() (*depacketizer, error) {
	dec, err := gopus.NewDecoder(opusSampleRate, opusChannels)
	if err != nil {
		return nil, fmt.Errorf("discord: opus decoder: %w", err)
	}
	return &depacketizer{dec: dec}, nil
}

// decode returns the packet as interleaved little-endian PCM16.
func (d *depacketizer) decode(packet []byte) ([]byte, error) {
	samples, err := d.dec.Decode(packet, opusFrameSamples, false)
	if err != nil {
		return nil, fmt.Errorf("discord: opus decode: %w", err)
	}
	pcm := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(pcm[2*i:], uint16(s))
	}
	return pcm, nil
}
