package segment

import (
	"context"
	"sync/atomic"
	"time"
)

// Listener receives utterance events. Methods are called synchronously on the
// goroutine driving the [Segmenter] and must return promptly.
//
// The frame passed to OnVoice is only valid for the duration of the call.
type Listener interface {
	// OnVoiceStart is called when an utterance opens. name identifies the
	// recording the utterance belongs to.
	OnVoiceStart(name string)

	// OnVoice is called for every frame inside an utterance, voiced or not.
	// sentenceCompleted is true on the frame that closes the utterance.
	OnVoice(frame []byte, sentenceCompleted bool)

	// OnVoiceEnd is called when an utterance closes.
	OnVoiceEnd()
}

// TimedListener is a [Listener] that also accepts the time an utterance
// boundary happened on the capture goroutine. [Drain] prefers these methods
// when the event carries a timestamp, so boundaries keep their capture time
// however far the consumer lags behind.
type TimedListener interface {
	Listener
	OnVoiceStartAt(name string, at time.Time)
	OnVoiceEndAt(at time.Time)
}

// ListenerFuncs adapts plain functions to the [Listener] interface. Nil fields
// are skipped.
type ListenerFuncs struct {
	Start func(name string)
	Voice func(frame []byte, sentenceCompleted bool)
	End   func()
}

// OnVoiceStart implements [Listener].
func (f ListenerFuncs) OnVoiceStart(name string) {
	if f.Start != nil {
		f.Start(name)
	}
}

// OnVoice implements [Listener].
func (f ListenerFuncs) OnVoice(frame []byte, sentenceCompleted bool) {
	if f.Voice != nil {
		f.Voice(frame, sentenceCompleted)
	}
}

// OnVoiceEnd implements [Listener].
func (f ListenerFuncs) OnVoiceEnd() {
	if f.End != nil {
		f.End()
	}
}

// Multi fans every event out to each listener in order.
type Multi []Listener

// OnVoiceStart implements [Listener].
func (m Multi) OnVoiceStart(name string) {
	for _, l := range m {
		l.OnVoiceStart(name)
	}
}

// OnVoice implements [Listener].
func (m Multi) OnVoice(frame []byte, sentenceCompleted bool) {
	for _, l := range m {
		l.OnVoice(frame, sentenceCompleted)
	}
}

// OnVoiceEnd implements [Listener].
func (m Multi) OnVoiceEnd() {
	for _, l := range m {
		l.OnVoiceEnd()
	}
}

// OnVoiceStartAt implements [TimedListener]. Untimed members get OnVoiceStart.
func (m Multi) OnVoiceStartAt(name string, at time.Time) {
	for _, l := range m {
		if tl, ok := l.(TimedListener); ok {
			tl.OnVoiceStartAt(name, at)
		} else {
			l.OnVoiceStart(name)
		}
	}
}

// OnVoiceEndAt implements [TimedListener]. Untimed members get OnVoiceEnd.
func (m Multi) OnVoiceEndAt(at time.Time) {
	for _, l := range m {
		if tl, ok := l.(TimedListener); ok {
			tl.OnVoiceEndAt(at)
		} else {
			l.OnVoiceEnd()
		}
	}
}

// EventKind discriminates [Event] values.
type EventKind int

const (
	// VoiceStart corresponds to [Listener.OnVoiceStart].
	VoiceStart EventKind = iota

	// Voice corresponds to [Listener.OnVoice].
	Voice

	// VoiceEnd corresponds to [Listener.OnVoiceEnd].
	VoiceEnd
)

// String returns the snake_case event name used on the wire.
func (k EventKind) String() string {
	switch k {
	case VoiceStart:
		return "voice_start"
	case Voice:
		return "voice"
	case VoiceEnd:
		return "voice_end"
	default:
		return "unknown"
	}
}

// Event is a listener callback captured as a value.
type Event struct {
	Kind EventKind

	// Name is set for VoiceStart.
	Name string

	// Frame is a private copy of the PCM frame, set for Voice.
	Frame []byte

	// SentenceCompleted is set for Voice.
	SentenceCompleted bool

	// At is when a [Channel] accepted the event, on the producer's clock.
	// Zero for events that were not stamped.
	At time.Time
}

// Channel is a [Listener] that forwards events on a buffered channel so that
// consumers can run off the capture goroutine.
//
// Voice events are dropped when the buffer is full, counting the drop;
// VoiceStart and VoiceEnd block so that boundaries are never lost. Close the
// Channel once the producing session has stopped.
//
// Every event is stamped with [Event.At] when it is accepted, so consumers
// see the capture-side time rather than the time they dequeue it.
type Channel struct {
	ch      chan Event
	now     func() time.Time
	dropped atomic.Int64
}

// NewChannel returns a Channel with the given buffer size (minimum 1). now
// stamps events; nil means [time.Now].
func NewChannel(buffer int, now func() time.Time) *Channel {
	if buffer < 1 {
		buffer = 1
	}
	if now == nil {
		now = time.Now
	}
	return &Channel{ch: make(chan Event, buffer), now: now}
}

// Events returns the receive side of the channel.
func (c *Channel) Events() <-chan Event { return c.ch }

// Dropped returns the number of Voice events dropped so far.
func (c *Channel) Dropped() int64 { return c.dropped.Load() }

// Close closes the event channel. No callbacks may follow.
func (c *Channel) Close() { close(c.ch) }

// OnVoiceStart implements [Listener].
func (c *Channel) OnVoiceStart(name string) {
	c.ch <- Event{Kind: VoiceStart, Name: name, At: c.now()}
}

// OnVoice implements [Listener].
func (c *Channel) OnVoice(frame []byte, sentenceCompleted bool) {
	cp := make([]byte, len(frame))
	copy(cp, frame)
	select {
	case c.ch <- Event{Kind: Voice, Frame: cp, SentenceCompleted: sentenceCompleted, At: c.now()}:
	default:
		c.dropped.Add(1)
	}
}

// OnVoiceEnd implements [Listener].
func (c *Channel) OnVoiceEnd() {
	c.ch <- Event{Kind: VoiceEnd, At: c.now()}
}

// Recorder is a [Listener] that keeps every event in memory. It is meant for
// tests and diagnostics.
type Recorder struct {
	Events []Event
}

// OnVoiceStart implements [Listener].
func (r *Recorder) OnVoiceStart(name string) {
	r.Events = append(r.Events, Event{Kind: VoiceStart, Name: name})
}

// OnVoice implements [Listener].
func (r *Recorder) OnVoice(frame []byte, sentenceCompleted bool) {
	cp := make([]byte, len(frame))
	copy(cp, frame)
	r.Events = append(r.Events, Event{Kind: Voice, Frame: cp, SentenceCompleted: sentenceCompleted})
}

// OnVoiceEnd implements [Listener].
func (r *Recorder) OnVoiceEnd() {
	r.Events = append(r.Events, Event{Kind: VoiceEnd})
}

// Kinds returns the kinds of the recorded events in order.
func (r *Recorder) Kinds() []EventKind {
	out := make([]EventKind, len(r.Events))
	for i, e := range r.Events {
		out[i] = e.Kind
	}
	return out
}

// Drain forwards events from ch to l until ch is closed or ctx is done.
// Stamped boundaries go to the At methods when l is a [TimedListener].
func Drain(ctx context.Context, ch <-chan Event, l Listener) {
	tl, timed := l.(TimedListener)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			stamped := timed && !ev.At.IsZero()
			switch {
			case ev.Kind == VoiceStart && stamped:
				tl.OnVoiceStartAt(ev.Name, ev.At)
			case ev.Kind == VoiceStart:
				l.OnVoiceStart(ev.Name)
			case ev.Kind == Voice:
				l.OnVoice(ev.Frame, ev.SentenceCompleted)
			case ev.Kind == VoiceEnd && stamped:
				tl.OnVoiceEndAt(ev.At)
			case ev.Kind == VoiceEnd:
				l.OnVoiceEnd()
			}
		}
	}
}
