// Package rawpcm provides an [audio.Source] backed by a raw PCM byte stream:
// a file, a named pipe, or standard input.
//
// The stream must already be mono, signed 16-bit little-endian PCM at a known
// rate. A typical live setup pipes a microphone in through ALSA:
//
//	arecord -q -f S16_LE -r 16000 -c 1 -t raw | voxcap record --input -
//
// Because the stream's rate is fixed by whoever produces it, the source accepts
// exactly one sample rate ([Config.NativeRate]) and rejects every other
// candidate with [audio.ErrBadValue], mirroring how a hardware device refuses
// unsupported rates.
package rawpcm

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/MrWong99/voxcap/pkg/audio"
)

// Stdin is the path value that selects standard input.
const Stdin = "-"

const (
	defaultNativeRate = 16000
	defaultFrameMs    = 40
)

// ErrStopped is returned by Read after Stop has been called.
var ErrStopped = errors.New("rawpcm: device stopped")

// Config configures a [Source].
type Config struct {
	// Path is the file or FIFO to read. [Stdin] ("-") selects standard input.
	Path string

	// NativeRate is the sample rate of the stream in Hz. Default: 16000.
	NativeRate int

	// FrameMs is the duration of one read buffer in milliseconds. Default: 40.
	FrameMs int

	// Pace throttles reads to real time. Enable it when replaying a file so
	// that the hysteresis timers see wall-clock-accurate gaps; leave it off
	// for live pipes, which are paced by the producer.
	Pace bool
}

// Source opens [Device] values over a raw PCM stream.
type Source struct {
	cfg Config

	// open is swapped in tests.
	open func(path string) (io.ReadCloser, error)
}

// New returns a Source for cfg, applying defaults to zero fields.
func New(cfg Config) *Source {
	if cfg.NativeRate <= 0 {
		cfg.NativeRate = defaultNativeRate
	}
	if cfg.FrameMs <= 0 {
		cfg.FrameMs = defaultFrameMs
	}
	if cfg.Path == "" {
		cfg.Path = Stdin
	}
	return &Source{cfg: cfg, open: openPath}
}

// MinBufferSize implements [audio.Source]. Only the native rate is accepted.
func (s *Source) MinBufferSize(sampleRate int) (int, error) {
	if sampleRate != s.cfg.NativeRate {
		return 0, fmt.Errorf("rawpcm: stream is %d Hz, cannot capture at %d Hz: %w",
			s.cfg.NativeRate, sampleRate, audio.ErrBadValue)
	}
	size := sampleRate * audio.Channels * audio.BytesPerSample * s.cfg.FrameMs / 1000
	// Keep reads sample-aligned.
	size -= size % (audio.Channels * audio.BytesPerSample)
	if size <= 0 {
		return 0, fmt.Errorf("rawpcm: frame of %d ms is too short: %w", s.cfg.FrameMs, audio.ErrBadValue)
	}
	return size, nil
}

// Open implements [audio.Source].
func (s *Source) Open(sampleRate, bufferSize int) (audio.Device, error) {
	if _, err := s.MinBufferSize(sampleRate); err != nil {
		return nil, err
	}
	rc, err := s.open(s.cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("rawpcm: open %q: %w", s.cfg.Path, err)
	}
	return &Device{
		r:          rc,
		rate:       sampleRate,
		bufferSize: bufferSize,
		pace:       s.cfg.Pace,
		stopped:    make(chan struct{}),
	}, nil
}

func openPath(path string) (io.ReadCloser, error) {
	if path == Stdin {
		return io.NopCloser(os.Stdin), nil
	}
	return os.Open(path)
}

// Device is an [audio.Device] reading from a raw PCM stream.
type Device struct {
	r          io.ReadCloser
	rate       int
	bufferSize int
	pace       bool

	mu        sync.Mutex
	started   time.Time
	delivered int64

	stopped  chan struct{}
	stopOnce sync.Once
	relOnce  sync.Once
}

// SampleRate implements [audio.Device].
func (d *Device) SampleRate() int { return d.rate }

// Start implements [audio.Device].
func (d *Device) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.started = time.Now()
	d.delivered = 0
	return nil
}

// Read implements [audio.Device]. It fills p as far as the stream allows; a
// short read is returned only at the end of the stream. io.EOF is returned
// once the stream is exhausted.
func (d *Device) Read(p []byte) (int, error) {
	select {
	case <-d.stopped:
		return 0, ErrStopped
	default:
	}

	n, err := io.ReadFull(d.r, p)
	switch {
	case errors.Is(err, io.ErrUnexpectedEOF):
		err = nil
	case err != nil:
		select {
		case <-d.stopped:
			return n, ErrStopped
		default:
		}
		return n, err
	}

	if d.pace && n > 0 {
		if waitErr := d.waitRealtime(n); waitErr != nil {
			return n, waitErr
		}
	}
	return n, nil
}

// waitRealtime sleeps until the wall clock has caught up with the audio
// delivered so far.
func (d *Device) waitRealtime(n int) error {
	d.mu.Lock()
	d.delivered += int64(n)
	due := d.started.Add(audio.BytesDuration(int(d.delivered), d.rate, audio.Channels))
	d.mu.Unlock()

	wait := time.Until(due)
	if wait <= 0 {
		return nil
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-d.stopped:
		return ErrStopped
	}
}

// Stop implements [audio.Device]. It closes the underlying stream so that a
// blocked read on a pipe returns.
func (d *Device) Stop() error {
	var err error
	d.stopOnce.Do(func() {
		close(d.stopped)
		err = d.close()
	})
	return err
}

// Release implements [audio.Device].
func (d *Device) Release() error {
	return d.close()
}

func (d *Device) close() error {
	var err error
	d.relOnce.Do(func() {
		err = d.r.Close()
	})
	return err
}
