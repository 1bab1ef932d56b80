// Package notify publishes capture lifecycle events to external systems.
//
// Three events exist: voice_start and voice_end mirror the utterance
// boundaries of a session, and recording_saved is sent once a WAV file has
// been finalized. [MQTT] delivers them as JSON messages; [Nop] drops them.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/MrWong99/voxcap/internal/segment"
)

// Event names.
const (
	EventVoiceStart     = "voice_start"
	EventVoiceEnd       = "voice_end"
	EventRecordingSaved = "recording_saved"
)

// Event is the JSON payload of a notification.
type Event struct {
	Event   string    `json:"event"`
	Session string    `json:"session"`
	Time    time.Time `json:"time"`

	// Name is the recording file name (voice_start, recording_saved).
	Name string `json:"name,omitempty"`

	// The remaining fields are set for recording_saved.
	Path       string `json:"path,omitempty"`
	SizeBytes  int64  `json:"size_bytes,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Utterances int    `json:"utterances,omitempty"`
}

// Notifier delivers events. Implementations must be safe for concurrent use.
type Notifier interface {
	// Notify delivers ev, blocking until it is acknowledged or ctx is done.
	Notify(ctx context.Context, ev Event) error

	// Close releases the notifier's connection.
	Close()
}

// Nop is a [Notifier] that discards every event.
type Nop struct{}

// Notify implements [Notifier].
func (Nop) Notify(context.Context, Event) error { return nil }

// Close implements [Notifier].
func (Nop) Close() {}

// Listener returns a [segment.Listener] that sends voice_start and voice_end
// for session through n. Delivery failures are logged and otherwise ignored.
func Listener(ctx context.Context, n Notifier, session string) segment.Listener {
	send := func(ev Event) {
		ev.Session = session
		ev.Time = time.Now()
		if err := n.Notify(ctx, ev); err != nil {
			slog.Warn("failed to publish notification", "event", ev.Event, "session", session, "err", err)
		}
	}
	return segment.ListenerFuncs{
		Start: func(name string) { send(Event{Event: EventVoiceStart, Name: name}) },
		End:   func() { send(Event{Event: EventVoiceEnd}) },
	}
}
