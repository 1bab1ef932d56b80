package capture

import (
	"time"

	"github.com/MrWong99/voxcap/internal/observe"
	"github.com/MrWong99/voxcap/internal/segment"
	"github.com/MrWong99/voxcap/pkg/audio"
)

// DefaultTempFile is the name of the raw PCM file a session records into.
const DefaultTempFile = "record_temp.wav"

// settings is the resolved form of all [Option] values.
type settings struct {
	sampleRates   []int
	recordingsDir string
	tempFile      string
	autoStop      bool
	segment       segment.Config
	now           func() time.Time
	metrics       *observe.Metrics
	id            string
}

func defaultSettings() settings {
	return settings{
		sampleRates:   audio.DefaultSampleRates,
		recordingsDir: ".",
		tempFile:      DefaultTempFile,
		autoStop:      true,
		now:           time.Now,
	}
}

// Option configures a [Session].
type Option func(*settings)

// WithSampleRates sets the candidate sample rates tried in order on Start.
// An empty list keeps [audio.DefaultSampleRates].
func WithSampleRates(rates ...int) Option {
	return func(s *settings) {
		if len(rates) > 0 {
			s.sampleRates = rates
		}
	}
}

// WithRecordingsDir sets the directory final and temp files are written to.
// It is created on Start if missing.
func WithRecordingsDir(dir string) Option {
	return func(s *settings) {
		if dir != "" {
			s.recordingsDir = dir
		}
	}
}

// WithTempFile overrides the temp file name. Relative names are resolved
// against the recordings directory.
func WithTempFile(name string) Option {
	return func(s *settings) {
		if name != "" {
			s.tempFile = name
		}
	}
}

// WithAutoStop controls whether the session ends on its own once the first
// utterance closes. Enabled by default.
func WithAutoStop(enabled bool) Option {
	return func(s *settings) { s.autoStop = enabled }
}

// WithSegmentConfig sets the utterance hysteresis timers.
func WithSegmentConfig(cfg segment.Config) Option {
	return func(s *settings) { s.segment = cfg }
}

// WithClock replaces time.Now, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(s *settings) {
		if now != nil {
			s.now = now
		}
	}
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *settings) { s.metrics = m }
}

// WithID sets the session ID. Defaults to a random UUID.
func WithID(id string) Option {
	return func(s *settings) { s.id = id }
}
