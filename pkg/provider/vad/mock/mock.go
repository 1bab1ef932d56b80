// Package mock provides test doubles for the vad package interfaces.
//
// Use Detector to script voice/silence decisions independently of the frame
// contents and to inspect the frames that were classified.
//
// Example:
//
//	det := &mock.Detector{Script: []bool{false, true, true, false}}
//	eng := &mock.Engine{Detector: det}
package mock

import (
	"sync"

	"github.com/MrWong99/voxcap/pkg/provider/vad"
)

// NewDetectorCall records a single invocation of Engine.NewDetector.
type NewDetectorCall struct {
	// Cfg is the Config passed to NewDetector.
	Cfg vad.Config
}

// Engine is a mock implementation of vad.Engine.
type Engine struct {
	mu sync.Mutex

	// Detector is returned by NewDetector. If nil, NewDetector returns a new
	// default Detector.
	Detector vad.Detector

	// NewDetectorErr, if non-nil, is returned as the error from NewDetector.
	NewDetectorErr error

	// NewDetectorCalls records every call to NewDetector in order.
	NewDetectorCalls []NewDetectorCall
}

// NewDetector records the call and returns Detector, NewDetectorErr.
func (e *Engine) NewDetector(cfg vad.Config) (vad.Detector, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewDetectorCalls = append(e.NewDetectorCalls, NewDetectorCall{Cfg: cfg})
	if e.NewDetectorErr != nil {
		return nil, e.NewDetectorErr
	}
	if e.Detector != nil {
		return e.Detector, nil
	}
	return &Detector{}, nil
}

// Ensure Engine implements vad.Engine at compile time.
var _ vad.Engine = (*Engine)(nil)

// Detector is a mock implementation of vad.Detector.
type Detector struct {
	mu sync.Mutex

	// Script is consumed in order by Classify. Once exhausted, Default is
	// returned.
	Script []bool

	// Default is returned when Script is exhausted.
	Default bool

	// Frames records a copy of every frame passed to Classify, in order.
	Frames [][]byte

	next int
}

// Classify records the frame and returns the next scripted decision.
func (d *Detector) Classify(frame []byte) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := make([]byte, len(frame))
	copy(cp, frame)
	d.Frames = append(d.Frames, cp)
	if d.next < len(d.Script) {
		v := d.Script[d.next]
		d.next++
		return v
	}
	return d.Default
}

// CallCount returns the number of Classify calls so far.
func (d *Detector) CallCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.Frames)
}

// Ensure Detector implements vad.Detector at compile time.
var _ vad.Detector = (*Detector)(nil)
