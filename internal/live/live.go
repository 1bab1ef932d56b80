// Package live streams utterance activity to websocket subscribers so that a
// browser can draw a running amplitude chart while a session records.
//
// Each [Listener] callback becomes one JSON [Sample]. Voice frames are reduced
// to a single level value, [amplitude.Level] unless the detector in use
// reports its own ([Hub.UseLeveler]); the PCM itself is never sent.
// Slow subscribers lose samples rather than stalling the capture pipeline.
package live

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxcap/internal/segment"
	"github.com/MrWong99/voxcap/pkg/provider/vad"
	"github.com/MrWong99/voxcap/pkg/provider/vad/amplitude"
)

const (
	defaultBuffer = 64
	writeTimeout  = 5 * time.Second
)

// Event names carried in [Sample.Event].
const (
	EventVoiceStart = "voice_start"
	EventLevel      = "level"
	EventVoiceEnd   = "voice_end"
)

// Sample is one message pushed to subscribers.
type Sample struct {
	Session           string    `json:"session"`
	Event             string    `json:"event"`
	Name              string    `json:"name,omitempty"`
	Level             int       `json:"level"`
	SentenceCompleted bool      `json:"sentence_completed,omitempty"`
	Time              time.Time `json:"time"`
}

type subscriber struct {
	ch chan []byte
}

// Hub fans samples out to websocket subscribers. It is safe for concurrent
// use. The zero value is not usable; create one with [NewHub].
type Hub struct {
	buffer int
	now    func() time.Time
	level  func([]byte) int

	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool

	dropped atomic.Int64
}

// NewHub returns a hub whose subscribers buffer up to buffer samples each.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Hub{
		buffer: buffer,
		now:    time.Now,
		level:  amplitude.Level,
		subs:   make(map[*subscriber]struct{}),
	}
}

// Publish sends s to every subscriber. Subscribers whose buffer is full miss
// the sample.
func (h *Hub) Publish(s Sample) {
	if s.Time.IsZero() {
		s.Time = h.now()
	}
	msg, err := json.Marshal(s)
	if err != nil {
		slog.Warn("live: failed to encode sample", "err", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		select {
		case sub.ch <- msg:
		default:
			h.dropped.Add(1)
		}
	}
}

// UseLeveler makes level samples use l instead of [amplitude.Level]. Call it
// before the first [Hub.Listener].
func (h *Hub) UseLeveler(l vad.Leveler) {
	h.level = l.Level
}

// Listener returns a [segment.Listener] that publishes the callbacks of the
// given session.
func (h *Hub) Listener(session string) segment.Listener {
	return segment.ListenerFuncs{
		Start: func(name string) {
			h.Publish(Sample{Session: session, Event: EventVoiceStart, Name: name})
		},
		Voice: func(frame []byte, sentenceCompleted bool) {
			h.Publish(Sample{
				Session:           session,
				Event:             EventLevel,
				Level:             h.level(frame),
				SentenceCompleted: sentenceCompleted,
			})
		},
		End: func() {
			h.Publish(Sample{Session: session, Event: EventVoiceEnd})
		},
	}
}

// Subscribers returns the number of connected subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Dropped returns how many samples were discarded for slow subscribers.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

// Close disconnects every subscriber and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for sub := range h.subs {
		close(sub.ch)
		delete(h.subs, sub)
	}
}

func (h *Hub) subscribe() *subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	sub := &subscriber{ch: make(chan []byte, h.buffer)}
	h.subs[sub] = struct{}{}
	return sub
}

func (h *Hub) unsubscribe(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub]; ok {
		delete(h.subs, sub)
		close(sub.ch)
	}
}

// ServeHTTP upgrades the request to a websocket and streams samples until the
// client disconnects or the hub is closed.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Debug("live: websocket upgrade failed", "err", err)
		return
	}

	sub := h.subscribe()
	if sub == nil {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer h.unsubscribe(sub)

	// The feed is one-way; CloseRead handles control frames and cancels ctx
	// once the client goes away.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case msg, ok := <-sub.ch:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			if err := write(ctx, conn, msg); err != nil {
				slog.Debug("live: write failed", "err", err)
				return
			}
		}
	}
}

func write(ctx context.Context, conn *websocket.Conn, msg []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, msg)
}
