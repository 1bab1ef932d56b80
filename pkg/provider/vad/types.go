package vad

import "errors"

// ErrInvalidConfig is returned by [Engine.NewDetector] for out-of-range
// configuration values.
var ErrInvalidConfig = errors.New("vad: invalid config")

// Config holds the parameters for a detector. The threshold is expressed in the
// backend's native scale; see each Engine's documentation.
type Config struct {
	// Threshold is the level above which a sample counts as voice. Zero selects
	// the backend default.
	Threshold int
}

// EngineFunc adapts an ordinary function to the [Engine] interface.
type EngineFunc func(cfg Config) (Detector, error)

// NewDetector calls f(cfg).
func (f EngineFunc) NewDetector(cfg Config) (Detector, error) { return f(cfg) }
