// Package pipe provides an [audio.DeviceProvider] over files and named pipes
// carrying raw little-endian PCM16.
//
// The device ID is a path. Capture reads fixed-size blocks from it, playback
// appends to it. Together with a virtual audio cable or a FIFO this connects
// the relay to any program that can read or write raw audio, e.g.
//
//	mkfifo /tmp/mic && parec --format=s16le --rate=16000 --channels=1 > /tmp/mic
//
// The ID "-" selects standard input for capture and standard output for
// playback.
package pipe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/MrWong99/babelrelay/pkg/audio"
)

const (
	captureBuffer    = 64
	defaultBlockSize = 320
	stdioID          = "-"
)

var (
	_ audio.DeviceProvider = (*Provider)(nil)
	_ audio.CaptureStream  = (*captureStream)(nil)
	_ audio.PlaybackStream = (*playbackStream)(nil)
)

// Option is a functional option for [New].
type Option func(*Provider)

// WithRealtime paces capture reads to the audio clock. Use it for regular
// files, which would otherwise be read as fast as the disk allows.
func WithRealtime() Option {
	return func(p *Provider) { p.realtime = true }
}

// Provider opens files and FIFOs as audio devices. It is safe for concurrent
// use.
type Provider struct {
	realtime bool
	open     func(name string) (io.ReadCloser, error)
	create   func(name string) (io.WriteCloser, error)
}

// New returns a pipe Provider.
func New(opts ...Option) *Provider {
	p := &Provider{
		open: func(name string) (io.ReadCloser, error) {
			if name == stdioID {
				return io.NopCloser(os.Stdin), nil
			}
			return os.Open(name)
		},
		create: func(name string) (io.WriteCloser, error) {
			if name == stdioID {
				return nopWriteCloser{os.Stdout}, nil
			}
			return os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// OpenCapture opens cfg.DeviceID for reading. Opening a FIFO blocks until a
// writer connects.
func (p *Provider) OpenCapture(_ context.Context, cfg audio.CaptureConfig) (audio.CaptureStream, error) {
	if cfg.SampleRate <= 0 {
		return nil, errors.New("pipe: capture sample rate must be positive")
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = defaultBlockSize
	}
	r, err := p.open(cfg.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("pipe: open capture: %w", err)
	}
	c := &captureStream{
		r:        r,
		cfg:      cfg,
		frames:   make(chan audio.AudioFrame, captureBuffer),
		realtime: p.realtime,
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// OpenPlayback opens cfg.DeviceID for appending, creating regular files as
// needed.
func (p *Provider) OpenPlayback(_ context.Context, cfg audio.PlaybackConfig) (audio.PlaybackStream, error) {
	if cfg.SampleRate <= 0 {
		return nil, errors.New("pipe: playback sample rate must be positive")
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	w, err := p.create(cfg.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("pipe: open playback: %w", err)
	}
	return &playbackStream{
		w:    w,
		id:   cfg.DeviceID,
		conv: audio.FormatConverter{Target: audio.Format{SampleRate: cfg.SampleRate, Channels: cfg.Channels}},
	}, nil
}

type captureStream struct {
	r      io.ReadCloser
	cfg    audio.CaptureConfig
	frames chan audio.AudioFrame

	realtime bool

	done      chan struct{}
	closeOnce sync.Once
	dropped   uint64
}

func (c *captureStream) Frames() <-chan audio.AudioFrame { return c.frames }

// Close stops reading. A blocked read on a FIFO is interrupted by closing the
// file.
func (c *captureStream) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.r.Close()
	})
	return err
}

func (c *captureStream) readLoop() {
	defer close(c.frames)

	size := audio.BlockBytes(c.cfg.BlockSize, c.cfg.Channels)
	var (
		offset time.Duration
		start  = time.Now()
	)
	for {
		buf := make([]byte, size)
		n, err := io.ReadFull(c.r, buf)
		if n > 0 && n%2 == 0 {
			f := audio.AudioFrame{
				Data:       buf[:n],
				SampleRate: c.cfg.SampleRate,
				Channels:   c.cfg.Channels,
				Timestamp:  offset,
			}
			offset += f.Duration()
			if !c.deliver(f) {
				return
			}
			if c.realtime {
				if wait := time.Until(start.Add(offset)); wait > 0 {
					select {
					case <-c.done:
						return
					case <-time.After(wait):
					}
				}
			}
		}
		if err != nil {
			select {
			case <-c.done:
			default:
				if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
					slog.Info("pipe: capture source ended", "device", c.cfg.DeviceID)
				} else {
					slog.Warn("pipe: capture read failed", "device", c.cfg.DeviceID, "err", err)
				}
			}
			return
		}
	}
}

// deliver hands f to the consumer without blocking. It reports false once
// the stream is closed.
func (c *captureStream) deliver(f audio.AudioFrame) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.frames <- f:
	default:
		c.dropped++
		if c.dropped == 1 || c.dropped%100 == 0 {
			slog.Warn("pipe: consumer too slow, dropping capture frames", "device", c.cfg.DeviceID, "dropped", c.dropped)
		}
	}
	return true
}

type playbackStream struct {
	w    io.WriteCloser
	id   string
	conv audio.FormatConverter

	mu     sync.Mutex
	closed bool
}

// Write converts frame to the stream format and writes it.
func (p *playbackStream) Write(frame audio.AudioFrame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return audio.ErrStreamClosed
	}
	frame = p.conv.Convert(frame)
	if len(frame.Data) == 0 {
		return nil
	}
	if _, err := p.w.Write(frame.Data); err != nil {
		return fmt.Errorf("pipe: write %s: %w", p.id, err)
	}
	return nil
}

func (p *playbackStream) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.w.Close()
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
