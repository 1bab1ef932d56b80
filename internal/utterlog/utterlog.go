// Package utterlog records one row per utterance for offline analysis: when
// it started and ended, which recording it belongs to, how much audio it
// carried and how loud it got.
//
// [Tracker] is a [segment.Listener] that assembles [Utterance] values from the
// listener callbacks and hands each finished one to a [Store]. The ClickHouse
// store lives in the clickhouse subpackage; [Memory] keeps rows in process.
package utterlog

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voxcap/internal/segment"
	"github.com/MrWong99/voxcap/pkg/provider/vad/amplitude"
)

const defaultInsertTimeout = 5 * time.Second

// ErrInvalidUtterance is returned by stores for rows missing required fields.
var ErrInvalidUtterance = errors.New("utterlog: invalid utterance")

// Utterance is one closed utterance.
type Utterance struct {
	Session   string    `json:"session"`
	Recording string    `json:"recording"`
	Seq       int       `json:"seq"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`

	// Frames and Bytes count the audio delivered to the tracker. Frames the
	// event pump dropped under load are not included.
	Frames int   `json:"frames"`
	Bytes  int64 `json:"bytes"`

	// PeakLevel is the largest sample magnitude seen, on the amplitude scale.
	PeakLevel int `json:"peak_level"`
}

// Duration returns EndedAt - StartedAt.
func (u Utterance) Duration() time.Duration { return u.EndedAt.Sub(u.StartedAt) }

// Validate reports whether u can be stored.
func (u Utterance) Validate() error {
	switch {
	case u.Session == "":
		return errors.Join(ErrInvalidUtterance, errors.New("session is empty"))
	case u.StartedAt.IsZero():
		return errors.Join(ErrInvalidUtterance, errors.New("started_at is zero"))
	case u.EndedAt.Before(u.StartedAt):
		return errors.Join(ErrInvalidUtterance, errors.New("ended_at precedes started_at"))
	}
	return nil
}

// Store persists utterances. Implementations must be safe for concurrent use.
type Store interface {
	Insert(ctx context.Context, u Utterance) error
}

// Tracker is a [segment.Listener] that writes every closed utterance to a
// [Store]. Insert failures are logged and otherwise ignored.
//
// Fed through [segment.Drain], it takes StartedAt and EndedAt from the
// capture-side event stamps, so rows stay accurate when the event pump lags.
// Called directly, it reads its own clock.
type Tracker struct {
	store   Store
	session string
	ctx     context.Context
	timeout time.Duration
	now     func() time.Time

	mu   sync.Mutex
	cur  *Utterance
	seq  int
	errs int
}

// TrackerOption configures a [Tracker].
type TrackerOption func(*Tracker)

// WithClock overrides the tracker's time source.
func WithClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) { t.now = now }
}

// WithInsertTimeout bounds each Store.Insert call. Default: 5s.
func WithInsertTimeout(d time.Duration) TrackerOption {
	return func(t *Tracker) {
		if d > 0 {
			t.timeout = d
		}
	}
}

// NewTracker returns a Tracker for session writing to store. ctx is the
// parent of every insert.
func NewTracker(ctx context.Context, store Store, session string, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		store:   store,
		session: session,
		ctx:     ctx,
		timeout: defaultInsertTimeout,
		now:     time.Now,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// OnVoiceStart implements [segment.Listener], stamping the start with the
// tracker's clock.
func (t *Tracker) OnVoiceStart(name string) { t.OnVoiceStartAt(name, t.now()) }

// OnVoiceStartAt implements [segment.TimedListener].
func (t *Tracker) OnVoiceStartAt(name string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seq++
	t.cur = &Utterance{
		Session:   t.session,
		Recording: name,
		Seq:       t.seq,
		StartedAt: at,
	}
}

// OnVoice implements [segment.Listener].
func (t *Tracker) OnVoice(frame []byte, _ bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cur == nil {
		return
	}
	t.cur.Frames++
	t.cur.Bytes += int64(len(frame))
	if p := amplitude.Peak(frame); p > t.cur.PeakLevel {
		t.cur.PeakLevel = p
	}
}

// OnVoiceEnd implements [segment.Listener], stamping the end with the
// tracker's clock.
func (t *Tracker) OnVoiceEnd() { t.OnVoiceEndAt(t.now()) }

// OnVoiceEndAt implements [segment.TimedListener]. The row is inserted
// before it returns.
func (t *Tracker) OnVoiceEndAt(at time.Time) {
	t.mu.Lock()
	u := t.cur
	t.cur = nil
	t.mu.Unlock()
	if u == nil {
		return
	}
	u.EndedAt = at

	ctx, cancel := context.WithTimeout(t.ctx, t.timeout)
	defer cancel()
	if err := t.store.Insert(ctx, *u); err != nil {
		t.mu.Lock()
		t.errs++
		t.mu.Unlock()
		slog.Warn("failed to record utterance", "session", t.session, "seq", u.Seq, "err", err)
	}
}

// Failures returns the number of failed inserts.
func (t *Tracker) Failures() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.errs
}

var _ segment.TimedListener = (*Tracker)(nil)

// Memory is an in-process [Store].
type Memory struct {
	mu   sync.Mutex
	rows []Utterance
}

// Insert implements [Store].
func (m *Memory) Insert(_ context.Context, u Utterance) error {
	if err := u.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, u)
	return nil
}

// Rows returns a copy of the stored utterances in insertion order.
func (m *Memory) Rows() []Utterance {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Utterance(nil), m.rows...)
}
