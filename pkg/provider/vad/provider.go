// Package vad defines the Detector interface for voice activity detection
// backends.
//
// A Detector classifies a single block of raw PCM as voiced or silent. Unlike a
// model-based VAD it carries no per-stream state: all hysteresis (speech
// timeouts, maximum utterance length) lives in the segmenter that consumes the
// classification, so one Detector can be shared by any number of sessions.
//
// Classification is synchronous: Classify returns immediately, which keeps it
// suitable for the capture worker's hot loop.
//
// Implementations must be safe for concurrent use.
package vad

import "fmt"

// Detector classifies PCM frames.
type Detector interface {
	// Classify reports whether frame contains voice. The frame is mono, signed
	// 16-bit little-endian PCM; a trailing odd byte is ignored. Classify must
	// not retain frame and must not block.
	Classify(frame []byte) bool
}

// Leveler is optionally implemented by detectors that can also report a
// display level for a frame (the value plotted by live level meters).
type Leveler interface {
	Level(frame []byte) int
}

// Engine is the factory for detectors. It is the top-level interface
// implemented by each VAD backend and registered in the provider registry.
type Engine interface {
	// NewDetector returns a detector for cfg. It returns an error wrapping
	// [ErrInvalidConfig] when cfg is out of range for the backend.
	NewDetector(cfg Config) (Detector, error)
}

// Validate checks the backend-independent parts of cfg.
func (c Config) Validate() error {
	if c.Threshold < 0 {
		return fmt.Errorf("vad: threshold %d: %w", c.Threshold, ErrInvalidConfig)
	}
	return nil
}
