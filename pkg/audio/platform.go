// Package audio defines the capture-device abstraction and the fixed PCM format
// shared by every voxcap package.
//
// The two primary abstractions are:
//
//   - [Source] — a factory for capture devices. It answers buffer-size queries
//     per sample rate and opens a [Device] at one of them.
//   - [Device] — an opened capture device delivering mono, signed 16-bit
//     little-endian PCM through a blocking [Device.Read].
//
// Implementations live in backend packages (audio/rawpcm for raw PCM streams,
// audio/mock for scripted test fixtures). The interfaces are intentionally
// narrow so that the capture session stays decoupled from any platform API.
//
// This package lives under pkg/ because external code is expected to provide
// its own [Source] implementations for real hardware.
package audio

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrBadValue is returned by [Source.MinBufferSize] when the source cannot
// capture at the requested sample rate.
var ErrBadValue = errors.New("audio: unsupported capture parameters")

// ErrNoWorkingRate is returned by [OpenFirst] when none of the candidate
// sample rates produced an initialised device.
var ErrNoWorkingRate = errors.New("audio: no candidate sample rate yields a working device")

// Device is an opened capture device.
//
// Read, Start and Release are called from a single goroutine (the capture
// worker). Stop is the exception: it may be called from another goroutine
// while a Read is blocked and must cause that Read to return promptly.
type Device interface {
	// SampleRate reports the rate the device was opened at.
	SampleRate() int

	// Start begins capture. Reads before Start may block or fail.
	Start() error

	// Read blocks until PCM is available and copies it into p. It returns the
	// number of valid bytes, which may be less than len(p). After Stop it
	// returns io.EOF or another non-nil error.
	Read(p []byte) (int, error)

	// Stop halts capture and unblocks a pending Read. Calling Stop more than
	// once is safe.
	Stop() error

	// Release frees the device. The device must not be used afterwards.
	// Calling Release more than once is safe and returns nil.
	Release() error
}

// Source opens capture devices.
//
// Implementations must be safe for concurrent use.
type Source interface {
	// MinBufferSize returns the minimum read buffer size in bytes for mono
	// 16-bit capture at sampleRate. It returns an error wrapping [ErrBadValue]
	// when the rate is not supported.
	MinBufferSize(sampleRate int) (int, error)

	// Open creates a device at sampleRate sized for bufferSize-byte reads.
	// An error means the device could not be initialised at this rate.
	Open(sampleRate, bufferSize int) (Device, error)
}

// OpenFirst tries each candidate sample rate in order and returns the first
// device that initialises, together with its read buffer size. Rates rejected
// by [Source.MinBufferSize] or failing [Source.Open] are skipped. When no
// candidate works the returned error wraps [ErrNoWorkingRate].
func OpenFirst(src Source, candidates []int) (Device, int, error) {
	if len(candidates) == 0 {
		candidates = DefaultSampleRates
	}
	var errs []error
	for _, rate := range candidates {
		size, err := src.MinBufferSize(rate)
		if err != nil {
			slog.Debug("capture rate rejected", "sample_rate", rate, "err", err)
			errs = append(errs, fmt.Errorf("%d Hz: %w", rate, err))
			continue
		}
		if size <= 0 {
			errs = append(errs, fmt.Errorf("%d Hz: buffer size %d: %w", rate, size, ErrBadValue))
			continue
		}
		dev, err := src.Open(rate, size)
		if err != nil {
			slog.Debug("capture device failed to initialise", "sample_rate", rate, "err", err)
			errs = append(errs, fmt.Errorf("%d Hz: %w", rate, err))
			continue
		}
		return dev, size, nil
	}
	return nil, 0, fmt.Errorf("%w: %w", ErrNoWorkingRate, errors.Join(errs...))
}
