// Package segment turns a stream of per-frame voice/silence decisions into
// utterances.
//
// A [Segmenter] is a three-state machine (Idle, Voicing, TrailingSilence)
// driven by [Segmenter.Process]. Its two hysteresis timers are plain
// timestamps compared against the caller-supplied "now", so the machine is
// fully deterministic under a fake clock:
//
//   - an open utterance ends once silence has lasted longer than
//     [Config.SpeechTimeout] since the last voiced frame;
//   - an open utterance is cut once it has lasted longer than
//     [Config.MaxSpeechLength] since its first voiced frame.
//
// Events are delivered synchronously to a [Listener] in frame order.
// OnVoiceStart and OnVoiceEnd strictly alternate, beginning with OnVoiceStart,
// and OnVoice is only delivered while an utterance is open.
//
// A Segmenter is not safe for concurrent use; it belongs to the goroutine that
// reads the audio.
package segment

import (
	"time"
)

// Defaults for [Config].
const (
	DefaultSpeechTimeout   = 3 * time.Second
	DefaultMaxSpeechLength = 30 * time.Second
)

// Config tunes the hysteresis timers. Zero values select the defaults.
type Config struct {
	// SpeechTimeout is how long silence must last, strictly, before an open
	// utterance ends. Default: 3s.
	SpeechTimeout time.Duration

	// MaxSpeechLength is how long an utterance may last, strictly, before it is
	// cut. Default: 30s.
	MaxSpeechLength time.Duration
}

func (c Config) withDefaults() Config {
	if c.SpeechTimeout <= 0 {
		c.SpeechTimeout = DefaultSpeechTimeout
	}
	if c.MaxSpeechLength <= 0 {
		c.MaxSpeechLength = DefaultMaxSpeechLength
	}
	return c
}

// State is the segmenter state.
type State int

const (
	// Idle means no utterance is open.
	Idle State = iota

	// Voicing means an utterance is open and the last frame was voiced.
	Voicing

	// TrailingSilence means an utterance is open, the last frame was silent,
	// and the speech timeout has not yet elapsed.
	TrailingSilence
)

// String returns the lowercase name of the state.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Voicing:
		return "voicing"
	case TrailingSilence:
		return "trailing_silence"
	default:
		return "unknown"
	}
}

// Outcome reports what a single [Segmenter.Process] call did to the utterance.
type Outcome int

const (
	// Continued means no utterance boundary was crossed.
	Continued Outcome = iota

	// Started means the frame opened a new utterance.
	Started

	// EndedSilence means the speech timeout elapsed and the utterance ended.
	EndedSilence

	// EndedMaxLength means the utterance exceeded the maximum length and was
	// cut.
	EndedMaxLength
)

// Ended reports whether the outcome closed an utterance.
func (o Outcome) Ended() bool { return o == EndedSilence || o == EndedMaxLength }

// String returns the lowercase name of the outcome. The end outcomes double as
// the "reason" metric attribute.
func (o Outcome) String() string {
	switch o {
	case Continued:
		return "continued"
	case Started:
		return "started"
	case EndedSilence:
		return "silence"
	case EndedMaxLength:
		return "max_length"
	default:
		return "unknown"
	}
}

// Segmenter is the utterance state machine. Create one per capture session
// with [New].
type Segmenter struct {
	cfg      Config
	name     string
	listener Listener

	state             State
	voiceStartedAt    time.Time
	lastVoiceHeardAt  time.Time
	sentenceCompleted bool
	open              bool
}

// New returns an Idle segmenter that reports to l. name is passed to every
// OnVoiceStart call. A nil l discards events.
func New(cfg Config, name string, l Listener) *Segmenter {
	if l == nil {
		l = ListenerFuncs{}
	}
	return &Segmenter{cfg: cfg.withDefaults(), name: name, listener: l}
}

// State returns the current state.
func (s *Segmenter) State() State { return s.state }

// Open reports whether an utterance is open.
func (s *Segmenter) Open() bool { return s.open }

// Process advances the machine by one frame. voice is the classification of
// frame and now the time it was read.
func (s *Segmenter) Process(frame []byte, voice bool, now time.Time) Outcome {
	if voice {
		return s.voiced(frame, now)
	}
	if !s.Open() {
		return Continued
	}
	return s.silent(frame, now)
}

func (s *Segmenter) voiced(frame []byte, now time.Time) Outcome {
	out := Continued
	if !s.Open() {
		s.voiceStartedAt = now
		s.sentenceCompleted = false
		s.listener.OnVoiceStart(s.name)
		out = Started
	}

	tooLong := now.Sub(s.voiceStartedAt) > s.cfg.MaxSpeechLength
	if tooLong {
		s.sentenceCompleted = true
	}
	s.listener.OnVoice(frame, s.sentenceCompleted)
	s.lastVoiceHeardAt = now
	s.open = true

	if tooLong {
		s.end()
		return EndedMaxLength
	}
	s.state = Voicing
	return out
}

func (s *Segmenter) silent(frame []byte, now time.Time) Outcome {
	timedOut := now.Sub(s.lastVoiceHeardAt) > s.cfg.SpeechTimeout
	if timedOut {
		s.sentenceCompleted = true
	}
	s.listener.OnVoice(frame, s.sentenceCompleted)

	if timedOut {
		s.end()
		return EndedSilence
	}
	s.state = TrailingSilence
	return Continued
}

// Dismiss force-closes an open utterance: it emits exactly one OnVoiceEnd
// without a data callback and returns to Idle. It reports whether an utterance
// was open. Calling Dismiss while Idle does nothing.
func (s *Segmenter) Dismiss() bool {
	if !s.Open() {
		return false
	}
	s.end()
	return true
}

func (s *Segmenter) end() {
	s.open = false
	s.state = Idle
	s.listener.OnVoiceEnd()
}
