// Package app wires all voxcap subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run records one session and publishes its results, and Shutdown
// tears everything down in order.
//
// For testing, inject fakes via functional options (WithCatalog,
// WithNotifier, etc.) and a scripted source through [Deps]. When an option is
// not provided, New creates real implementations from the config.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxcap/internal/capture"
	"github.com/MrWong99/voxcap/internal/catalog"
	"github.com/MrWong99/voxcap/internal/catalog/postgres"
	"github.com/MrWong99/voxcap/internal/config"
	"github.com/MrWong99/voxcap/internal/health"
	"github.com/MrWong99/voxcap/internal/live"
	"github.com/MrWong99/voxcap/internal/notify"
	"github.com/MrWong99/voxcap/internal/observe"
	"github.com/MrWong99/voxcap/internal/resilience"
	"github.com/MrWong99/voxcap/internal/segment"
	"github.com/MrWong99/voxcap/internal/utterlog"
	"github.com/MrWong99/voxcap/internal/utterlog/clickhouse"
	"github.com/MrWong99/voxcap/pkg/audio"
	"github.com/MrWong99/voxcap/pkg/provider/vad"
)

const (
	readHeaderTimeout = 10 * time.Second
	defaultListLimit  = 50
)

// Deps holds the capture source and detector. Nil fields are built from the
// config through the registry.
type Deps struct {
	Source   audio.Source
	Detector vad.Detector
}

// App owns all subsystem lifetimes and runs the capture pipeline.
type App struct {
	cfg  *config.Config
	deps Deps

	// Subsystems, initialised in New and torn down in Shutdown.
	registry    *config.Registry
	metrics     *observe.Metrics
	scrape      http.Handler
	index       catalog.Index
	notifier    notify.Notifier
	utterances  utterlog.Store
	hub         *live.Hub
	recorder    *capture.Recorder
	captureOpts []capture.Option
	now         func() time.Time
	checkers    []health.Checker
	handler     http.Handler
	listener    net.Listener

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithCatalog injects a recordings index instead of creating one from config.
func WithCatalog(idx catalog.Index) Option {
	return func(a *App) { a.index = idx }
}

// WithNotifier injects a notifier instead of connecting to MQTT.
func WithNotifier(n notify.Notifier) Option {
	return func(a *App) { a.notifier = n }
}

// WithUtteranceStore injects an utterance log store instead of connecting to
// ClickHouse.
func WithUtteranceStore(s utterlog.Store) Option {
	return func(a *App) { a.utterances = s }
}

// WithRegistry replaces [config.NewDefaultRegistry].
func WithRegistry(r *config.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithMetrics replaces [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler serves h on /metrics, typically
// [observe.Telemetry.Handler]. Default: [observe.MetricsHandler].
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.scrape = h }
}

// WithListener makes Run serve HTTP on ln instead of server.listen_addr.
func WithListener(ln net.Listener) Option {
	return func(a *App) { a.listener = ln }
}

// WithClock sets the time source for capture sessions and utterance
// timestamps. Default: [time.Now].
func WithClock(now func() time.Time) Option {
	return func(a *App) { a.now = now }
}

// WithCaptureOptions appends options to every capture session, after the ones
// derived from config.
func WithCaptureOptions(opts ...capture.Option) Option {
	return func(a *App) { a.captureOpts = append(a.captureOpts, opts...) }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Use Option functions
// to inject test doubles for any subsystem.
//
// New performs all initialisation synchronously: provider construction,
// catalog connection and migration, MQTT connection, and HTTP routing. On
// error everything opened so far is closed again.
func New(ctx context.Context, cfg *config.Config, deps Deps, opts ...Option) (_ *App, err error) {
	a := &App{cfg: cfg, deps: deps}
	for _, o := range opts {
		o(a)
	}
	if a.registry == nil {
		a.registry = config.NewDefaultRegistry()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.now == nil {
		a.now = time.Now
	}
	if a.scrape == nil {
		a.scrape = observe.MetricsHandler()
	}
	defer func() {
		if err != nil {
			_ = a.Shutdown(context.WithoutCancel(ctx))
		}
	}()

	// ── 1. Providers ─────────────────────────────────────────────────────
	if err := a.initProviders(); err != nil {
		return nil, fmt.Errorf("app: init providers: %w", err)
	}

	// ── 2. Catalog ───────────────────────────────────────────────────────
	if err := a.initCatalog(ctx); err != nil {
		return nil, fmt.Errorf("app: init catalog: %w", err)
	}

	// ── 3. Notifier ──────────────────────────────────────────────────────
	if err := a.initNotifier(ctx); err != nil {
		return nil, fmt.Errorf("app: init notifier: %w", err)
	}

	// ── 4. Utterance log ─────────────────────────────────────────────────
	if err := a.initUtteranceLog(ctx); err != nil {
		return nil, fmt.Errorf("app: init utterance log: %w", err)
	}

	// ── 5. Live feed ─────────────────────────────────────────────────────
	if cfg.Live.IsEnabled() {
		a.hub = live.NewHub(cfg.Live.Buffer)
		if l, ok := a.deps.Detector.(vad.Leveler); ok {
			a.hub.UseLeveler(l)
		}
		a.closers = append(a.closers, func() error {
			a.hub.Close()
			return nil
		})
	}

	// ── 6. Recorder ──────────────────────────────────────────────────────
	a.recorder = capture.NewRecorder(a.deps.Source, a.deps.Detector, a.sessionOptions()...)
	a.checkers = append([]health.Checker{
		health.DirWritable("recordings_dir", cfg.Capture.RecordingsDir),
	}, a.checkers...)

	// ── 7. HTTP ──────────────────────────────────────────────────────────
	a.handler = a.routes()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initProviders() error {
	if a.deps.Detector == nil {
		det, err := a.registry.CreateVAD(a.cfg.VAD)
		if err != nil {
			return err
		}
		a.deps.Detector = det
	}
	if a.deps.Source == nil {
		src, err := a.registry.CreateSource(a.cfg.Capture.Source)
		if err != nil {
			return err
		}
		a.deps.Source = src
	}
	return nil
}

// initCatalog connects the PostgreSQL index when a DSN is configured and
// falls back to an in-memory index otherwise.
func (a *App) initCatalog(ctx context.Context) error {
	if a.index != nil {
		return nil
	}
	dsn := a.cfg.Catalog.PostgresDSN
	if dsn == "" {
		a.index = catalog.NewMemoryIndex()
		return nil
	}

	idx, err := postgres.Open(ctx, dsn)
	if err != nil {
		return err
	}
	a.index = idx
	a.checkers = append(a.checkers, health.Ping("catalog", idx))
	a.closers = append(a.closers, func() error {
		idx.Close()
		return nil
	})
	slog.Info("recordings catalog connected", "backend", "postgres")
	return nil
}

func (a *App) initNotifier(ctx context.Context) error {
	if a.notifier != nil {
		return nil
	}
	m := a.cfg.Notify.MQTT
	if m.Broker == "" {
		a.notifier = notify.Nop{}
		return nil
	}

	n, err := notify.Connect(ctx, notify.MQTTConfig{
		Broker:   m.Broker,
		ClientID: m.ClientID,
		Username: m.Username,
		Password: m.Password,
		Topic:    m.Topic,
		QoS:      byte(m.QoS),
	})
	if err != nil {
		return err
	}
	breaker := resilience.New(resilience.Config{
		Name:        "mqtt",
		MaxFailures: m.MaxFailures,
		Cooldown:    m.Cooldown,
		OnStateChange: func(name string, _, to resilience.State) {
			a.metrics.RecordBreakerTransition(context.Background(), name, to.String())
		},
	})
	a.notifier = notify.Guard(n, breaker, m.PublishTimeout)
	a.checkers = append(a.checkers, health.Ping("mqtt", n))
	a.closers = append(a.closers, func() error {
		n.Close()
		return nil
	})
	return nil
}

// initUtteranceLog connects the ClickHouse utterance store when configured.
// Without one, utterances are not logged.
func (a *App) initUtteranceLog(ctx context.Context) error {
	if a.utterances != nil {
		return nil
	}
	c := a.cfg.Analytics.ClickHouse
	if c.Addr == "" {
		return nil
	}
	store, err := clickhouse.Open(ctx, clickhouse.Config{
		Addr:     c.Addr,
		Database: c.Database,
		Username: c.Username,
		Password: c.Password,
	})
	if err != nil {
		return err
	}
	a.utterances = store
	a.checkers = append(a.checkers, health.Ping("clickhouse", store))
	a.closers = append(a.closers, store.Close)
	slog.Info("utterance log connected", "backend", "clickhouse", "addr", c.Addr)
	return nil
}

func (a *App) sessionOptions() []capture.Option {
	c := a.cfg.Capture
	opts := []capture.Option{
		capture.WithSampleRates(c.SampleRates...),
		capture.WithRecordingsDir(c.RecordingsDir),
		capture.WithTempFile(c.TempFile),
		capture.WithAutoStop(c.AutoStopEnabled()),
		capture.WithSegmentConfig(segment.Config{
			SpeechTimeout:   a.cfg.VAD.SpeechTimeout,
			MaxSpeechLength: a.cfg.VAD.MaxSpeechLength,
		}),
		capture.WithMetrics(a.metrics),
		capture.WithClock(a.now),
	}
	return append(opts, a.captureOpts...)
}

// ─── HTTP ────────────────────────────────────────────────────────────────────

// Handler returns the HTTP handler serving health, status, metrics, live and
// recordings routes.
func (a *App) Handler() http.Handler { return a.handler }

func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	health.New(a.checkers...).WithStatus(a.status).Register(mux)
	mux.Handle("GET /metrics", a.scrape)
	mux.HandleFunc("GET /recordings", a.listRecordings)
	if a.hub != nil {
		mux.Handle("GET /live", a.hub)
	}
	return observe.Middleware(a.metrics)(mux)
}

func (a *App) status() (any, bool) {
	s := a.recorder.Active()
	if s == nil {
		return nil, false
	}
	return s.Status(), true
}

func (a *App) listRecordings(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	entries, err := a.index.List(r.Context(), limit)
	if err != nil {
		observe.Logger(r.Context()).Error("failed to list recordings", "err", err)
		http.Error(w, "catalog unavailable", http.StatusServiceUnavailable)
		return
	}
	if entries == nil {
		entries = []catalog.Entry{}
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(entries); err != nil {
		slog.Warn("failed to encode recordings", "err", err)
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run records one session and blocks until it is over.
//
// The session ends when ctx is cancelled or, with auto stop enabled, when the
// first utterance closes. Run then finalizes the WAV file, registers it with
// the catalog and publishes recording_saved. While the session runs, Run also
// serves HTTP (when a listen address is configured) and pumps utterance
// events to the notifier and the live feed.
//
// The returned error is the session's terminal error: device unavailable on
// start, a mid-recording read failure, or a finalize failure. Catalog and
// notification failures are logged only.
func (a *App) Run(ctx context.Context) (capture.Result, error) {
	srv, ln, err := a.listen()
	if err != nil {
		return capture.Result{}, err
	}

	id := uuid.NewString()
	events := segment.NewChannel(a.cfg.Live.Buffer, a.now)
	listeners := segment.Multi{notify.Listener(context.WithoutCancel(ctx), a.notifier, id)}
	if a.hub != nil {
		listeners = append(listeners, a.hub.Listener(id))
	}
	if a.utterances != nil {
		listeners = append(listeners, utterlog.NewTracker(context.WithoutCancel(ctx), a.utterances, id))
	}

	sess, err := a.recorder.Start(ctx, events, capture.WithID(id))
	if err != nil {
		if srv != nil {
			_ = ln.Close()
		}
		return capture.Result{}, fmt.Errorf("app: %w", err)
	}
	slog.Info("recording started", "session", id, "sample_rate", sess.Status().SampleRate)

	g, gctx := errgroup.WithContext(ctx)

	if srv != nil {
		g.Go(func() error {
			slog.Info("http server listening", "addr", ln.Addr().String())
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: http server: %w", err)
			}
			return nil
		})
	}

	// The pump outlives ctx: events emitted while stopping must still reach
	// the notifier. It returns once the channel is closed after Stop.
	pumped := make(chan struct{})
	g.Go(func() error {
		defer close(pumped)
		segment.Drain(context.WithoutCancel(ctx), events.Events(), listeners)
		return nil
	})

	var (
		res    capture.Result
		runErr error
	)
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-sess.Done():
		}
		stopCtx := context.WithoutCancel(ctx)
		res, runErr = a.stop(stopCtx, sess)
		events.Close()
		<-pumped
		if dropped := events.Dropped(); dropped > 0 {
			slog.Debug("voice events dropped", "session", id, "count", dropped)
		}
		if res.Path != "" {
			a.publish(stopCtx, res)
		}
		if srv != nil {
			shutdownCtx, cancel := context.WithTimeout(stopCtx, readHeaderTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				slog.Warn("http server shutdown error", "err", err)
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return res, errors.Join(err, runErr)
	}
	return res, runErr
}

// listen opens the HTTP listener, or returns nils when HTTP is disabled.
func (a *App) listen() (*http.Server, net.Listener, error) {
	ln := a.listener
	if ln == nil {
		if a.cfg.Server.ListenAddr == "" {
			return nil, nil, nil
		}
		var err error
		ln, err = net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return nil, nil, fmt.Errorf("app: listen on %s: %w", a.cfg.Server.ListenAddr, err)
		}
	}
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return srv, ln, nil
}

// stop ends sess. A read failure still yields a finalized partial recording,
// so the result may be valid alongside an error.
func (a *App) stop(ctx context.Context, sess *capture.Session) (capture.Result, error) {
	res, err := a.recorder.Stop(ctx)
	if err != nil {
		// The session error also carries an earlier read failure.
		if serr := sess.Err(); serr != nil {
			err = serr
		}
		return capture.Result{}, fmt.Errorf("app: %w", err)
	}
	slog.Info("recording stopped", "session", res.ID, "path", res.Path, "duration", res.Duration)

	if err := sess.Err(); err != nil {
		return res, fmt.Errorf("app: %w", err)
	}
	return res, nil
}

// publish registers a saved recording with the catalog and announces it.
// Failures are logged only.
func (a *App) publish(ctx context.Context, res capture.Result) {
	entry, err := a.index.Register(ctx, catalog.Entry{
		ID:         res.ID,
		Title:      res.Name,
		Path:       res.Path,
		MimeType:   catalog.MimeWAV,
		SizeBytes:  res.FileSize,
		Duration:   res.Duration,
		SampleRate: res.SampleRate,
		Utterances: res.Utterances,
		RecordedAt: res.StartedAt,
	})
	if err != nil {
		slog.Warn("failed to register recording", "path", res.Path, "err", err)
	} else {
		slog.Debug("recording registered", "id", entry.ID, "title", entry.Title)
	}

	if err := a.notifier.Notify(ctx, notify.Event{
		Event:      notify.EventRecordingSaved,
		Session:    res.ID,
		Time:       res.EndedAt,
		Name:       res.Name,
		Path:       res.Path,
		SizeBytes:  res.FileSize,
		DurationMs: res.Duration.Milliseconds(),
		SampleRate: res.SampleRate,
		Utterances: res.Utterances,
	}); err != nil {
		slog.Warn("failed to publish notification", "event", notify.EventRecordingSaved, "err", err)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in init order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Debug("shutting down", "closers", len(a.closers))

		if a.recorder != nil && a.recorder.Active() != nil {
			if _, err := a.recorder.Stop(ctx); err != nil {
				slog.Warn("failed to stop active session", "err", err)
			}
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
	})
	return shutdownErr
}

// Catalog returns the recordings index in use.
func (a *App) Catalog() catalog.Index { return a.index }
