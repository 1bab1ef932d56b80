package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/voxcap/internal/app"
	"github.com/MrWong99/voxcap/internal/capture"
	"github.com/MrWong99/voxcap/internal/catalog"
	"github.com/MrWong99/voxcap/internal/config"
	"github.com/MrWong99/voxcap/internal/notify"
	"github.com/MrWong99/voxcap/internal/observe"
	"github.com/MrWong99/voxcap/internal/utterlog"
	"github.com/MrWong99/voxcap/pkg/audio/mock"
	"github.com/MrWong99/voxcap/pkg/provider/vad/amplitude"
)

const frameSize = 640

var t0 = time.Date(2026, 3, 1, 9, 30, 15, 0, time.UTC)

func silence() []byte { return make([]byte, frameSize) }

func voiced() []byte {
	f := make([]byte, frameSize)
	f[1] = 0x7F
	return f
}

// recordingNotifier keeps every event it is given.
type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
	closed bool
}

func (n *recordingNotifier) Notify(_ context.Context, ev notify.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return nil
}

func (n *recordingNotifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
}

func (n *recordingNotifier) names() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.events))
	for i, ev := range n.events {
		out[i] = ev.Event
	}
	return out
}

// testConfig returns a config recording into a temp dir with HTTP disabled.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Server.ListenAddr = ""
	cfg.Capture.RecordingsDir = t.TempDir()
	return cfg
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

type harness struct {
	app      *app.App
	dev      *mock.Device
	notifier *recordingNotifier
	index    *catalog.MemoryIndex
	log      *utterlog.Memory
}

func newHarness(t *testing.T, cfg *config.Config, reads ...mock.Read) *harness {
	t.Helper()
	clock := mock.NewClock(t0)
	dev := &mock.Device{Clock: clock, Reads: reads}
	src := &mock.Source{BufferSizes: map[int]int{16000: frameSize}, Device: dev}
	h := &harness{dev: dev, notifier: &recordingNotifier{}, index: catalog.NewMemoryIndex(), log: &utterlog.Memory{}}

	a, err := app.New(context.Background(), cfg,
		app.Deps{Source: src, Detector: amplitude.Classifier{}},
		app.WithCatalog(h.index),
		app.WithNotifier(h.notifier),
		app.WithUtteranceStore(h.log),
		app.WithMetrics(testMetrics(t)),
		app.WithClock(clock.Now),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	h.app = a
	return h
}

func TestNew_DefaultsWithoutInjection(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	src := &mock.Source{BufferSizes: map[int]int{16000: frameSize}}

	a, err := app.New(context.Background(), cfg, app.Deps{Source: src}, app.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(context.Background())

	if _, ok := a.Catalog().(*catalog.MemoryIndex); !ok {
		t.Errorf("catalog = %T, want in-memory index without a DSN", a.Catalog())
	}
}

func TestNew_UnknownProvider(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.VAD.Name = "silero"

	_, err := app.New(context.Background(), cfg, app.Deps{}, app.WithMetrics(testMetrics(t)))
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("err = %v, want ErrProviderNotRegistered", err)
	}
}

func TestRun_AutoStopPublishesRecording(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	h := newHarness(t, cfg,
		mock.Read{Data: silence(), Advance: 20 * time.Millisecond},
		mock.Read{Data: voiced(), Advance: 20 * time.Millisecond},
		mock.Read{Data: silence(), Advance: time.Second},
		mock.Read{Data: silence(), Advance: time.Second},
		mock.Read{Data: silence(), Advance: time.Second},
		mock.Read{Data: silence(), Advance: time.Millisecond},
	)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := h.app.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if want := filepath.Join(cfg.Capture.RecordingsDir, "01_09_30_15.wav"); res.Path != want {
		t.Errorf("Path = %q, want %q", res.Path, want)
	}
	if res.DataBytes != 6*frameSize {
		t.Errorf("DataBytes = %d, want %d", res.DataBytes, 6*frameSize)
	}
	if res.Utterances != 1 {
		t.Errorf("Utterances = %d, want 1", res.Utterances)
	}
	if _, err := os.Stat(res.Path); err != nil {
		t.Errorf("recording missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(cfg.Capture.RecordingsDir, capture.DefaultTempFile)); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("temp file still present: %v", err)
	}

	want := []string{notify.EventVoiceStart, notify.EventVoiceEnd, notify.EventRecordingSaved}
	if got := h.notifier.names(); !slices.Equal(got, want) {
		t.Errorf("notifications = %v, want %v", got, want)
	}

	entries, err := h.index.List(context.Background(), 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("catalog has %d entries, want 1", len(entries))
	}
	e := entries[0]
	if e.ID != res.ID || e.Path != res.Path || e.MimeType != catalog.MimeWAV || e.SizeBytes != res.FileSize {
		t.Errorf("entry = %+v, result = %+v", e, res)
	}
	if !e.RecordedAt.Equal(t0) {
		t.Errorf("RecordedAt = %v, want %v", e.RecordedAt, t0)
	}

	rows := h.log.Rows()
	if len(rows) != 1 {
		t.Fatalf("utterance log has %d rows, want 1", len(rows))
	}
	if u := rows[0]; u.Session != res.ID || u.Recording != res.Name || u.Seq != 1 || u.PeakLevel != 0x7F<<8 {
		t.Errorf("utterance = %+v", u)
	}
	// Boundaries are stamped on the capture clock: the voiced frame arrives
	// 40 ms in and the utterance closes on a later silent frame.
	if u := rows[0]; !u.StartedAt.Equal(t0.Add(40*time.Millisecond)) || !u.EndedAt.After(u.StartedAt) {
		t.Errorf("utterance spans %v..%v, want start at t0+40ms", u.StartedAt, u.EndedAt)
	}
}

func TestRun_CancelStopsSession(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	h := newHarness(t, cfg,
		mock.Read{Data: voiced(), Advance: 20 * time.Millisecond},
		mock.Read{Data: voiced(), Advance: 20 * time.Millisecond},
	)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-h.dev.Drained()
		cancel()
	}()

	res, err := h.app.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.DataBytes != 2*frameSize {
		t.Errorf("DataBytes = %d, want %d", res.DataBytes, 2*frameSize)
	}
	// The open utterance is closed exactly once on stop.
	want := []string{notify.EventVoiceStart, notify.EventVoiceEnd, notify.EventRecordingSaved}
	if got := h.notifier.names(); !slices.Equal(got, want) {
		t.Errorf("notifications = %v, want %v", got, want)
	}
	_, stop, release := h.dev.Counts()
	if stop == 0 || release != 1 {
		t.Errorf("device stop=%d release=%d, want stopped and released once", stop, release)
	}
}

func TestRun_ReadFailureStillSaves(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	h := newHarness(t, cfg,
		mock.Read{Data: silence(), Advance: 20 * time.Millisecond},
		mock.Read{Err: mock.ErrInjected},
	)

	res, err := h.app.Run(context.Background())
	if !errors.Is(err, capture.ErrReadFailure) {
		t.Fatalf("Run err = %v, want ErrReadFailure", err)
	}
	if res.DataBytes != frameSize {
		t.Errorf("DataBytes = %d, want %d", res.DataBytes, frameSize)
	}
	if got := h.notifier.names(); !slices.Equal(got, []string{notify.EventRecordingSaved}) {
		t.Errorf("notifications = %v", got)
	}
}

func TestRun_DeviceUnavailable(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Capture.SampleRates = []int{8000}
	h := newHarness(t, cfg)

	_, err := h.app.Run(context.Background())
	if !errors.Is(err, capture.ErrDeviceUnavailable) {
		t.Errorf("err = %v, want ErrDeviceUnavailable", err)
	}
	if got := h.notifier.names(); len(got) != 0 {
		t.Errorf("notifications = %v, want none", got)
	}
}

func TestHandler_Routes(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	h := newHarness(t, cfg)
	if _, err := h.index.Register(context.Background(), catalog.Entry{ID: "r1", Path: "/rec/a.wav", RecordedAt: t0}); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(h.app.Handler())
	defer srv.Close()

	tests := []struct {
		path       string
		wantStatus int
	}{
		{"/healthz", http.StatusOK},
		{"/readyz", http.StatusOK},
		{"/status", http.StatusNotFound},
		{"/metrics", http.StatusOK},
		{"/recordings", http.StatusOK},
		{"/recordings?limit=x", http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.path, func(t *testing.T) {
			resp, err := http.Get(srv.URL + tc.path)
			if err != nil {
				t.Fatalf("GET: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tc.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tc.wantStatus)
			}
		})
	}

	resp, err := http.Get(srv.URL + "/recordings?limit=5")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	var entries []catalog.Entry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != "r1" || entries[0].Title != "a.wav" {
		t.Errorf("recordings = %+v", entries)
	}
}

func TestHandler_ServesInjectedMetrics(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	scrape := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("voxcap_capture_utterances_total 3\n"))
	})
	a, err := app.New(context.Background(), cfg,
		app.Deps{Source: &mock.Source{BufferSizes: map[int]int{16000: frameSize}}},
		app.WithMetrics(testMetrics(t)),
		app.WithMetricsHandler(scrape),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(context.Background())

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "voxcap_capture_utterances_total 3\n" {
		t.Errorf("/metrics = %d %q, want the injected handler's output", rec.Code, rec.Body.String())
	}
}

func TestShutdown_ClosesNotifierOnlyWhenOwned(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	h := newHarness(t, cfg)
	if err := h.app.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	// Injected dependencies belong to the caller.
	if h.notifier.closed {
		t.Error("Shutdown closed an injected notifier")
	}
	// Idempotent.
	if err := h.app.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
}
