// Package mock provides scripted, in-memory implementations of [audio.Source]
// and [audio.Device] for use in unit tests, plus a manually advanced [Clock].
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	clock := mock.NewClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
//	dev := &mock.Device{
//	    Clock: clock,
//	    Reads: []mock.Read{
//	        {Data: make([]byte, 640), Advance: 20 * time.Millisecond},
//	        {Data: voiced, Advance: 20 * time.Millisecond},
//	    },
//	}
//	src := &mock.Source{BufferSizes: map[int]int{16000: 640}, Device: dev}
//
// Once every scripted read has been consumed, further reads block until
// [Device.Stop] is called and then return io.EOF. [Device.Drained] reports
// that moment, which means the consumer has finished handling the last
// scripted frame and come back for more.
package mock

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/MrWong99/voxcap/pkg/audio"
)

// ─── Clock ────────────────────────────────────────────────────────────────────

// Clock is a manually advanced time source. Pass [Clock.Now] wherever a
// func() time.Time is accepted.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a Clock set to start.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// ─── Device ───────────────────────────────────────────────────────────────────

// Read is one scripted result of [Device.Read].
type Read struct {
	// Data is copied into the caller's buffer (truncated to its length).
	Data []byte

	// Err, if non-nil, is returned alongside the count of copied Data,
	// the way a device reports a short read that failed part way.
	Err error

	// Advance moves the device's Clock forward before the read returns.
	Advance time.Duration
}

// Device is a mock implementation of [audio.Device].
// Set the exported fields before use; inspect the CallCount* fields after.
type Device struct {
	mu sync.Mutex

	// Rate is reported by SampleRate. Source.Open overwrites it with the rate
	// the device was opened at.
	Rate int

	// Reads is consumed in order by Read.
	Reads []Read

	// Clock, if non-nil, is advanced by each Read's Advance value.
	Clock *Clock

	// StartErr, StopErr and ReleaseErr are returned by the matching methods.
	StartErr   error
	StopErr    error
	ReleaseErr error

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountRead records how many times Read was called.
	CallCountRead int

	// CallCountStop records how many times Stop was called.
	CallCountStop int

	// CallCountRelease records how many times Release was called.
	CallCountRelease int

	next    int
	stopped chan struct{}
	drained chan struct{}
	once    sync.Once
}

func (d *Device) init() {
	d.once.Do(func() {
		d.stopped = make(chan struct{})
		d.drained = make(chan struct{})
	})
}

// SampleRate implements [audio.Device].
func (d *Device) SampleRate() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Rate
}

// Start implements [audio.Device]. Returns StartErr.
func (d *Device) Start() error {
	d.init()
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountStart++
	return d.StartErr
}

// Read implements [audio.Device]. It returns the next scripted [Read]; when
// the script is exhausted it closes [Device.Drained] and blocks until Stop.
func (d *Device) Read(p []byte) (int, error) {
	d.init()
	d.mu.Lock()
	d.CallCountRead++
	select {
	case <-d.stopped:
		d.mu.Unlock()
		return 0, io.EOF
	default:
	}
	if d.next >= len(d.Reads) {
		select {
		case <-d.drained:
		default:
			close(d.drained)
		}
		d.mu.Unlock()
		<-d.stopped
		return 0, io.EOF
	}
	r := d.Reads[d.next]
	d.next++
	clock := d.Clock
	d.mu.Unlock()

	if clock != nil && r.Advance > 0 {
		clock.Advance(r.Advance)
	}
	return copy(p, r.Data), r.Err
}

// Stop implements [audio.Device]. Unblocks any pending Read.
func (d *Device) Stop() error {
	d.init()
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountStop++
	select {
	case <-d.stopped:
	default:
		close(d.stopped)
	}
	return d.StopErr
}

// Release implements [audio.Device]. Returns ReleaseErr.
func (d *Device) Release() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountRelease++
	return d.ReleaseErr
}

// Drained returns a channel that is closed once Read is called with no
// scripted reads left.
func (d *Device) Drained() <-chan struct{} {
	d.init()
	return d.drained
}

// Counts returns a consistent snapshot of the Start, Stop and Release call
// counts.
func (d *Device) Counts() (start, stop, release int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.CallCountStart, d.CallCountStop, d.CallCountRelease
}

// Ensure Device implements audio.Device at compile time.
var _ audio.Device = (*Device)(nil)

// ─── Source ───────────────────────────────────────────────────────────────────

// OpenCall records the arguments of a single [Source.Open] invocation.
type OpenCall struct {
	SampleRate int
	BufferSize int
}

// Source is a mock implementation of [audio.Source].
type Source struct {
	mu sync.Mutex

	// BufferSizes maps supported sample rates to the size MinBufferSize
	// reports. Rates missing from the map are rejected with audio.ErrBadValue.
	BufferSizes map[int]int

	// OpenErrs makes Open fail for the listed rates.
	OpenErrs map[int]error

	// Device is returned by Open. When nil, Open returns a fresh Device with
	// no scripted reads.
	Device *Device

	// MinBufferSizeCalls records the rate of each MinBufferSize call in order.
	MinBufferSizeCalls []int

	// OpenCalls records every Open invocation in order.
	OpenCalls []OpenCall
}

// MinBufferSize implements [audio.Source].
func (s *Source) MinBufferSize(sampleRate int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.MinBufferSizeCalls = append(s.MinBufferSizeCalls, sampleRate)
	size, ok := s.BufferSizes[sampleRate]
	if !ok {
		return 0, fmt.Errorf("mock source: %d Hz: %w", sampleRate, audio.ErrBadValue)
	}
	return size, nil
}

// Open implements [audio.Source].
func (s *Source) Open(sampleRate, bufferSize int) (audio.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.OpenCalls = append(s.OpenCalls, OpenCall{SampleRate: sampleRate, BufferSize: bufferSize})
	if err := s.OpenErrs[sampleRate]; err != nil {
		return nil, err
	}
	dev := s.Device
	if dev == nil {
		dev = &Device{}
		s.Device = dev
	}
	dev.mu.Lock()
	dev.Rate = sampleRate
	dev.mu.Unlock()
	return dev, nil
}

// ErrInjected is a convenience error for scripting failures.
var ErrInjected = errors.New("mock: injected failure")

// Ensure Source implements audio.Source at compile time.
var _ audio.Source = (*Source)(nil)
