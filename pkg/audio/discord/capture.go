package discord

import (
	"encoding/binary"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/babelrelay/pkg/audio"
	"github.com/bwmarrin/discordgo"
)

const (
	captureBuffer = 64

	// opusFrameDuration is the mixer tick; one mixed frame is emitted per
	// tick in which any participant spoke.
	opusFrameDuration = 20 * time.Millisecond
)

var _ audio.CaptureStream = (*captureStream)(nil)

// ticker yields mixer ticks and a stop function.
type ticker func() (<-chan time.Time, func())

func realTicker() (<-chan time.Time, func()) {
	t := time.NewTicker(opusFrameDuration)
	return t.C, t.Stop
}

// captureStream decodes the Opus packets of every participant, mixes them
// into one 20 ms frame per tick and delivers the mix as a single PCM stream.
type captureStream struct {
	recv   <-chan *discordgo.Packet
	conv   audio.FormatConverter
	mix    *mixer
	frames chan audio.AudioFrame
	tick   <-chan time.Time
	stopT  func()

	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
	release   func()

	// decoded counts packets handed to the mixer.
	decoded atomic.Uint64
	dropped uint64
	offset  time.Duration
}

func newCaptureStream(vc *discordgo.VoiceConnection, cfg audio.CaptureConfig, tick ticker, release func()) *captureStream {
	target := audio.Format{SampleRate: cfg.SampleRate, Channels: cfg.Channels}
	if target.SampleRate <= 0 {
		target.SampleRate = opusSampleRate
	}
	if target.Channels <= 0 {
		target.Channels = 1
	}
	if tick == nil {
		tick = realTicker
	}
	c := &captureStream{
		recv:    vc.OpusRecv,
		conv:    audio.FormatConverter{Target: target},
		mix:     newMixer(),
		frames:  make(chan audio.AudioFrame, captureBuffer),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		release: release,
	}
	c.tick, c.stopT = tick()
	go c.recvLoop()
	return c
}

func (c *captureStream) Frames() <-chan audio.AudioFrame { return c.frames }

// Close stops decoding and releases the voice channel. It is safe to call
// more than once.
func (c *captureStream) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		<-c.stopped
		if c.release != nil {
			c.release()
		}
	})
	return nil
}

func (c *captureStream) recvLoop() {
	defer close(c.stopped)
	defer close(c.frames)
	defer c.stopT()

	decoders := make(map[uint32]*depacketizer)
	for {
		select {
		case <-c.done:
			return
		case <-c.tick:
			c.emit()
		case pkt, ok := <-c.recv:
			if !ok {
				return
			}
			if pkt == nil {
				continue
			}
			dec, exists := decoders[pkt.SSRC]
			if !exists {
				var err error
				if dec, err = newDepacketizer(); err != nil {
					slog.Error("discord: failed to create opus decoder", "ssrc", pkt.SSRC, "err", err)
					continue
				}
				decoders[pkt.SSRC] = dec
				slog.Debug("discord: new speaker", "ssrc", strconv.FormatUint(uint64(pkt.SSRC), 10))
			}
			pcm, err := dec.decode(pkt.Opus)
			if err != nil {
				slog.Warn("discord: opus decode error", "ssrc", pkt.SSRC, "err", err)
				continue
			}
			c.mix.add(pkt.SSRC, pcm)
			c.decoded.Add(1)
		}
	}
}

// emit delivers the mix of the current tick, if anyone spoke.
func (c *captureStream) emit() {
	ts := c.offset
	c.offset += opusFrameDuration
	pcm := c.mix.next()
	if pcm == nil {
		return
	}
	frame := c.conv.Convert(audio.AudioFrame{
		Data:       pcm,
		SampleRate: opusSampleRate,
		Channels:   opusChannels,
		Timestamp:  ts,
	})
	if len(frame.Data) == 0 {
		return
	}
	select {
	case c.frames <- frame:
	default:
		c.dropped++
		if c.dropped%50 == 1 {
			slog.Warn("discord: capture consumer slow, dropping frames", "dropped_total", c.dropped)
		}
	}
}

// maxQueuedFrames bounds each speaker's jitter queue; older frames are
// dropped first.
const maxQueuedFrames = 5

// mixer queues decoded 20 ms frames per speaker and sums one frame of every
// speaker per tick.
type mixer struct {
	pending map[uint32][]byte
	queues  map[uint32][][]byte
	acc     []int32
}

func newMixer() *mixer {
	return &mixer{
		pending: make(map[uint32][]byte),
		queues:  make(map[uint32][][]byte),
		acc:     make([]int32, opusFrameBytes/2),
	}
}

// add cuts pcm (48 kHz stereo) into whole frames on the speaker's queue.
func (m *mixer) add(ssrc uint32, pcm []byte) {
	buf := append(m.pending[ssrc], pcm...)
	q := m.queues[ssrc]
	for len(buf) >= opusFrameBytes {
		q = append(q, buf[:opusFrameBytes:opusFrameBytes])
		buf = buf[opusFrameBytes:]
	}
	if len(q) > maxQueuedFrames {
		q = q[len(q)-maxQueuedFrames:]
	}
	m.queues[ssrc] = q
	if len(buf) == 0 {
		delete(m.pending, ssrc)
	} else {
		m.pending[ssrc] = buf
	}
}

// next pops one frame per speaker and returns their clipped sum, or nil when
// no speaker has a frame queued.
func (m *mixer) next() []byte {
	clear(m.acc)
	speakers := 0
	for ssrc, q := range m.queues {
		if len(q) == 0 {
			delete(m.queues, ssrc)
			continue
		}
		frame := q[0]
		m.queues[ssrc] = q[1:]
		for i := range m.acc {
			m.acc[i] += int32(int16(binary.LittleEndian.Uint16(frame[2*i:])))
		}
		speakers++
	}
	if speakers == 0 {
		return nil
	}
	out := make([]byte, opusFrameBytes)
	for i, v := range m.acc {
		v = max(math.MinInt16, min(math.MaxInt16, v))
		binary.LittleEndian.PutUint16(out[2*i:], uint16(int16(v)))
	}
	return out
}
