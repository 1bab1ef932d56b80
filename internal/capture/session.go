// Package capture runs recording sessions: it opens a capture device, records
// every byte it delivers into a temp PCM stream, classifies each frame, feeds
// the utterance segmenter, and finalizes the recording as a WAV file.
//
// Each [Session] owns one worker goroutine that performs the blocking reads.
// While the worker runs it exclusively owns the device, the read buffer, the
// temp stream and the segmenter; [Session.Stop] interrupts the device, waits
// for the worker to exit, and only then tears those resources down. Listener
// callbacks therefore always run in frame order on a single goroutine.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/voxcap/internal/observe"
	"github.com/MrWong99/voxcap/internal/segment"
	"github.com/MrWong99/voxcap/pkg/audio"
	"github.com/MrWong99/voxcap/pkg/audio/wav"
	"github.com/MrWong99/voxcap/pkg/provider/vad"
)

// State is the lifecycle state of a [Session].
type State int

const (
	// StateIdle means Start has not been called.
	StateIdle State = iota

	// StateRecording means the worker is reading from the device.
	StateRecording

	// StateCompleted means the worker exited on its own (auto stop or read
	// failure) and the session awaits Stop to finalize.
	StateCompleted

	// StateStopped means Stop has finalized the session.
	StateStopped
)

// String returns the lowercase name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StateCompleted:
		return "completed"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Status is a point-in-time snapshot of a session.
type Status struct {
	ID            string    `json:"id"`
	State         string    `json:"state"`
	Name          string    `json:"name,omitempty"`
	SampleRate    int       `json:"sample_rate,omitempty"`
	BufferSize    int       `json:"buffer_size,omitempty"`
	Frames        int64     `json:"frames"`
	VoicedFrames  int64     `json:"voiced_frames"`
	BytesRecorded int64     `json:"bytes_recorded"`
	Utterances    int       `json:"utterances"`
	InUtterance   bool      `json:"in_utterance"`
	TempPath      string    `json:"temp_path,omitempty"`
	FinalPath     string    `json:"final_path,omitempty"`
	StartedAt     time.Time `json:"started_at,omitzero"`
	Err           string    `json:"error,omitempty"`
}

// Result describes a finalized recording.
type Result struct {
	ID         string
	Name       string
	Path       string
	SampleRate int
	DataBytes  int64
	FileSize   int64
	Duration   time.Duration
	Utterances int
	StartedAt  time.Time
	EndedAt    time.Time
}

// Session is a single recording. Create it with [New], then call
// [Session.Start] once and [Session.Stop] once it should end.
//
// Start and Stop must not be called concurrently with each other; callers
// serialize them ([Recorder] does). Status, Done and Err are safe to call from
// any goroutine.
type Session struct {
	src      audio.Source
	det      vad.Detector
	listener segment.Listener
	cfg      settings

	// Owned by the worker while it runs, by Stop afterwards.
	dev    audio.Device
	buf    []byte
	stream *wav.TempStream
	seg    *segment.Segmenter

	stopping    atomic.Bool
	done        chan struct{}
	unwatchCtx  func() bool
	stopOnce    sync.Once
	stopResult  Result
	stopErr     error
	workerEnded time.Time

	mu     sync.Mutex
	status Status
	err    error
}

// New returns an idle session reading from src, classifying with det, and
// reporting utterances to l (which may be nil).
func New(src audio.Source, det vad.Detector, l segment.Listener, opts ...Option) *Session {
	cfg := defaultSettings()
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.metrics == nil {
		cfg.metrics = observe.DefaultMetrics()
	}
	if cfg.id == "" {
		cfg.id = uuid.NewString()
	}
	return &Session{
		src:      src,
		det:      det,
		listener: l,
		cfg:      cfg,
		done:     make(chan struct{}),
		status:   Status{ID: cfg.id, State: StateIdle.String()},
	}
}

// ID returns the session ID.
func (s *Session) ID() string { return s.cfg.id }

// Start opens the first working device, prepares the recording files and
// launches the worker. It returns an error wrapping [ErrDeviceUnavailable] when
// no candidate rate works and [ErrIO] when the recording files cannot be
// created; in both cases nothing is recorded and no callbacks fire.
//
// Cancelling ctx later is treated as a stop request: the worker exits and
// [Session.Done] closes, but the caller must still call Stop to finalize.
func (s *Session) Start(ctx context.Context) (err error) {
	s.mu.Lock()
	state := s.status.State
	s.mu.Unlock()
	if state != StateIdle.String() {
		return fmt.Errorf("capture: start session %s: %w", s.cfg.id, ErrSessionActive)
	}

	ctx = observe.WithSession(ctx, s.cfg.id)
	ctx, span := observe.StartSpan(ctx, "capture.start")
	defer span.End()
	log := observe.Logger(ctx)

	dev, bufSize, err := audio.OpenFirst(s.src, s.cfg.sampleRates)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}
	rate := dev.SampleRate()
	span.SetAttributes(attribute.Int("sample_rate", rate), attribute.Int("buffer_size", bufSize))

	// Any failure past this point must hand the device back.
	defer func() {
		if err != nil {
			if relErr := dev.Release(); relErr != nil {
				log.Warn("failed to release capture device", "err", relErr)
			}
			span.RecordError(err)
		}
	}()

	startedAt := s.cfg.now()
	name := FileName(startedAt)
	finalPath := resolvePath(s.cfg.recordingsDir, name)
	tempPath := resolvePath(s.cfg.recordingsDir, s.cfg.tempFile)

	if err := os.MkdirAll(s.cfg.recordingsDir, 0o755); err != nil {
		return fmt.Errorf("%w: create recordings dir: %w", ErrIO, err)
	}
	if err := os.Remove(tempPath); err == nil {
		log.Info("removed stale temp recording", "path", tempPath)
	} else if !errors.Is(err, os.ErrNotExist) {
		log.Warn("failed to remove stale temp recording", "path", tempPath, "err", err)
	}
	stream, err := wav.Create(tempPath)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrIO, err)
	}
	if err := dev.Start(); err != nil {
		_ = stream.Close()
		_ = os.Remove(tempPath)
		return fmt.Errorf("%w: start device at %d Hz: %w", ErrDeviceUnavailable, rate, err)
	}

	s.dev = dev
	s.buf = make([]byte, bufSize)
	s.stream = stream
	s.seg = segment.New(s.cfg.segment, name, s.listener)

	s.mu.Lock()
	s.status = Status{
		ID:         s.cfg.id,
		State:      StateRecording.String(),
		Name:       name,
		SampleRate: rate,
		BufferSize: bufSize,
		TempPath:   tempPath,
		FinalPath:  finalPath,
		StartedAt:  startedAt,
	}
	s.mu.Unlock()

	s.cfg.metrics.ActiveSessions.Add(ctx, 1)
	s.unwatchCtx = context.AfterFunc(ctx, s.interrupt)

	log.Info("capture session started",
		"sample_rate", rate,
		"buffer_size", bufSize,
		"path", finalPath,
	)
	go s.run(context.WithoutCancel(ctx))
	return nil
}

// interrupt asks the worker to exit and unblocks a pending read.
func (s *Session) interrupt() {
	if s.stopping.Swap(true) {
		return
	}
	if err := s.dev.Stop(); err != nil {
		slog.Warn("failed to stop capture device", "session", s.cfg.id, "err", err)
	}
}

// run is the worker loop.
func (s *Session) run(ctx context.Context) {
	log := observe.Logger(ctx)
	defer func() {
		s.workerEnded = s.cfg.now()
		s.mu.Lock()
		if s.status.State == StateRecording.String() {
			s.status.State = StateCompleted.String()
		}
		s.mu.Unlock()
		close(s.done)
	}()

	for !s.stopping.Load() {
		n, err := s.dev.Read(s.buf)
		// A failing read may still have delivered audio; keep it.
		if n > 0 && s.process(ctx, log, s.buf[:n]) {
			return
		}
		if err == nil {
			continue
		}
		if s.stopping.Load() {
			return
		}
		s.cfg.metrics.ReadErrors.Add(ctx, 1)
		log.Error("capture device read failed", "err", err, "bytes", n)
		if s.seg.Dismiss() {
			s.cfg.metrics.RecordUtterance(ctx, "dismissed")
			s.countUtterance()
		}
		s.fail(fmt.Errorf("%w: %w", ErrReadFailure, err))
		return
	}
}

// process records, classifies and segments one frame. It reports whether the
// session completed on this frame.
func (s *Session) process(ctx context.Context, log *slog.Logger, frame []byte) (done bool) {
	now := s.cfg.now()

	if !s.stream.Closed() {
		if _, err := s.stream.Write(frame); err != nil {
			s.cfg.metrics.WriteErrors.Add(ctx, 1)
			log.Warn("failed to write temp recording", "err", err)
		}
	}

	voice := s.det.Classify(frame)
	s.cfg.metrics.RecordFrame(ctx, len(frame), s.dev.SampleRate(), voice)
	out := s.seg.Process(frame, voice, now)

	s.mu.Lock()
	s.status.Frames++
	if voice {
		s.status.VoicedFrames++
	}
	s.status.BytesRecorded = s.stream.Len()
	s.status.InUtterance = s.seg.Open()
	if out.Ended() {
		s.status.Utterances++
	}
	s.mu.Unlock()

	if !out.Ended() {
		return false
	}
	s.cfg.metrics.RecordUtterance(ctx, out.String())
	log.Debug("utterance ended", "reason", out.String())
	if !s.cfg.autoStop {
		return false
	}
	if err := s.stream.Close(); err != nil {
		log.Warn("failed to close temp recording", "err", err)
	}
	log.Info("capture session completed after utterance", "reason", out.String())
	return true
}

func (s *Session) countUtterance() {
	s.mu.Lock()
	s.status.Utterances++
	s.status.InUtterance = false
	s.mu.Unlock()
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = errors.Join(s.err, err)
	s.status.Err = s.err.Error()
}

// Done returns a channel that is closed once the worker has exited, either
// because Stop was called, ctx was cancelled, the first utterance ended with
// auto stop enabled, or a read failed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the terminal error of the session: nil, an error wrapping
// [ErrReadFailure], an error wrapping [ErrIO] from finalization, or both.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Status returns a snapshot of the session.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Stop ends the session: it interrupts the device, waits for the worker to
// exit, closes any open utterance with exactly one OnVoiceEnd, releases the
// device, and finalizes the WAV file. The temp file is deleted once the WAV
// file is complete; if finalization fails the temp file is kept and the error
// wraps [ErrIO].
//
// Stop is idempotent: later calls return the first call's result.
func (s *Session) Stop(ctx context.Context) (Result, error) {
	s.mu.Lock()
	state := s.status.State
	s.mu.Unlock()
	if state == StateIdle.String() {
		return Result{}, fmt.Errorf("capture: stop session %s: %w", s.cfg.id, ErrNotStarted)
	}
	s.stopOnce.Do(func() {
		s.stopResult, s.stopErr = s.stop(ctx)
	})
	return s.stopResult, s.stopErr
}

func (s *Session) stop(ctx context.Context) (Result, error) {
	ctx = observe.WithSession(ctx, s.cfg.id)
	log := observe.Logger(ctx)

	s.interrupt()
	<-s.done
	s.unwatchCtx()

	// The worker has exited; its resources are ours now.
	if s.seg.Dismiss() {
		s.cfg.metrics.RecordUtterance(ctx, "dismissed")
		s.countUtterance()
	}
	if err := s.dev.Release(); err != nil {
		log.Warn("failed to release capture device", "err", err)
	}
	if err := s.stream.Close(); err != nil {
		s.cfg.metrics.WriteErrors.Add(ctx, 1)
		log.Warn("failed to close temp recording", "err", err)
	}
	s.cfg.metrics.ActiveSessions.Add(ctx, -1)

	st := s.Status()
	s.cfg.metrics.SessionDuration.Record(ctx, s.workerEnded.Sub(st.StartedAt).Seconds())

	res, err := s.finalize(ctx, st)

	s.mu.Lock()
	s.status.State = StateStopped.String()
	s.status.InUtterance = false
	s.mu.Unlock()

	if err != nil {
		s.fail(err)
		log.Error("failed to finalize recording", "temp_path", st.TempPath, "err", err)
		return Result{}, err
	}
	log.Info("capture session stopped",
		"path", res.Path,
		"duration", res.Duration,
		"utterances", res.Utterances,
	)
	return res, nil
}

func (s *Session) finalize(ctx context.Context, st Status) (Result, error) {
	ctx, span := observe.StartSpan(ctx, "capture.finalize")
	defer span.End()

	start := time.Now()
	out, err := wav.Finalize(ctx, st.TempPath, st.FinalPath, wav.Format{
		SampleRate:    st.SampleRate,
		Channels:      audio.Channels,
		BitsPerSample: audio.BitsPerSample,
	})
	s.cfg.metrics.FinalizeDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		return Result{}, fmt.Errorf("%w: %w", ErrIO, err)
	}
	if err := os.Remove(st.TempPath); err != nil {
		observe.Logger(ctx).Warn("failed to delete temp recording", "path", st.TempPath, "err", err)
	}
	span.SetAttributes(attribute.Int64("data_bytes", int64(out.Header.DataSize)))

	return Result{
		ID:         s.cfg.id,
		Name:       st.Name,
		Path:       out.Path,
		SampleRate: st.SampleRate,
		DataBytes:  int64(out.Header.DataSize),
		FileSize:   out.FileSize,
		Duration:   out.Header.Duration(),
		Utterances: st.Utterances,
		StartedAt:  st.StartedAt,
		EndedAt:    s.workerEnded,
	}, nil
}
