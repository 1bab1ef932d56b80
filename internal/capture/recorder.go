package capture

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/voxcap/internal/segment"
	"github.com/MrWong99/voxcap/pkg/audio"
	"github.com/MrWong99/voxcap/pkg/provider/vad"
)

// Recorder runs at most one [Session] at a time. It serializes Start and Stop
// so that callers on different goroutines (signal handlers, HTTP handlers, the
// auto-stop watcher) cannot race on the same session.
type Recorder struct {
	src  audio.Source
	det  vad.Detector
	opts []Option

	mu     sync.Mutex
	active *Session
}

// NewRecorder returns a Recorder that creates sessions with the given source,
// detector and options.
func NewRecorder(src audio.Source, det vad.Detector, opts ...Option) *Recorder {
	return &Recorder{src: src, det: det, opts: opts}
}

// Start begins a new session reporting to l. It returns [ErrSessionActive]
// while a previous session has not been stopped.
func (r *Recorder) Start(ctx context.Context, l segment.Listener, opts ...Option) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != nil {
		return nil, fmt.Errorf("capture: session %s: %w", r.active.ID(), ErrSessionActive)
	}
	all := append(append([]Option(nil), r.opts...), opts...)
	s := New(r.src, r.det, l, all...)
	if err := s.Start(ctx); err != nil {
		return nil, err
	}
	r.active = s
	return s, nil
}

// Stop stops and finalizes the active session. It returns [ErrNotStarted] when
// no session is active.
func (r *Recorder) Stop(ctx context.Context) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return Result{}, fmt.Errorf("capture: recorder stop: %w", ErrNotStarted)
	}
	s := r.active
	r.active = nil
	return s.Stop(ctx)
}

// Active returns the live session, or nil.
func (r *Recorder) Active() *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}
