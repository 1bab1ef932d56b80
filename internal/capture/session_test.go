package capture

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/voxcap/internal/observe"
	"github.com/MrWong99/voxcap/internal/segment"
	"github.com/MrWong99/voxcap/pkg/audio/mock"
	"github.com/MrWong99/voxcap/pkg/audio/wav"
	"github.com/MrWong99/voxcap/pkg/provider/vad/amplitude"
)

const frameSize = 640 // 20 ms at 16 kHz

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func silence() []byte { return make([]byte, frameSize) }

// voiced returns a frame whose second sample is far above the threshold.
func voiced() []byte {
	f := make([]byte, frameSize)
	f[3] = 0x7F
	return f
}

func newTestMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

type fixture struct {
	dir   string
	clock *mock.Clock
	dev   *mock.Device
	src   *mock.Source
	rec   *segment.Recorder
}

func newFixture(t *testing.T, reads ...mock.Read) *fixture {
	t.Helper()
	clock := mock.NewClock(t0)
	dev := &mock.Device{Clock: clock, Reads: reads}
	return &fixture{
		dir:   t.TempDir(),
		clock: clock,
		dev:   dev,
		src:   &mock.Source{BufferSizes: map[int]int{16000: frameSize}, Device: dev},
		rec:   &segment.Recorder{},
	}
}

func (f *fixture) session(t *testing.T, opts ...Option) *Session {
	t.Helper()
	base := []Option{
		WithRecordingsDir(f.dir),
		WithClock(f.clock.Now),
		WithMetrics(newTestMetrics(t)),
		WithID("test-session"),
	}
	return New(f.src, amplitude.Classifier{}, f.rec, append(base, opts...)...)
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not exit")
	}
}

func waitDrained(t *testing.T, dev *mock.Device) {
	t.Helper()
	select {
	case <-dev.Drained():
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not consume the script")
	}
}

func readWAV(t *testing.T, path string) (wav.Header, []byte) {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	h, err := wav.ReadHeader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	return h, data[wav.HeaderSize:]
}

// TestSession_SilenceVoiceTimeout feeds five silent frames, one voiced frame
// and then silence until 3001 ms have passed since the voiced frame.
func TestSession_SilenceVoiceTimeout(t *testing.T) {
	t.Parallel()

	var reads []mock.Read
	for range 5 {
		reads = append(reads, mock.Read{Data: silence(), Advance: 20 * time.Millisecond})
	}
	reads = append(reads,
		mock.Read{Data: voiced(), Advance: 20 * time.Millisecond},
		mock.Read{Data: silence(), Advance: time.Second},
		mock.Read{Data: silence(), Advance: time.Second},
		mock.Read{Data: silence(), Advance: time.Second},
		mock.Read{Data: silence(), Advance: time.Millisecond},
		// Never read: the session stops once the utterance ends.
		mock.Read{Data: voiced(), Advance: 20 * time.Millisecond},
	)
	f := newFixture(t, reads...)
	s := f.session(t)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, s)

	res, err := s.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}

	want := []segment.EventKind{
		segment.VoiceStart,
		segment.Voice, segment.Voice, segment.Voice, segment.Voice, segment.Voice,
		segment.VoiceEnd,
	}
	if got := f.rec.Kinds(); !slices.Equal(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	if f.rec.Events[0].Name != "01_12_00_00.wav" {
		t.Errorf("start name = %q", f.rec.Events[0].Name)
	}
	for i, ev := range f.rec.Events[1:5] {
		if ev.SentenceCompleted {
			t.Errorf("voice event %d completed early", i)
		}
	}
	if !f.rec.Events[5].SentenceCompleted {
		t.Error("closing voice event not completed")
	}

	if res.Path != filepath.Join(f.dir, "01_12_00_00.wav") {
		t.Errorf("Path = %q", res.Path)
	}
	if res.Utterances != 1 {
		t.Errorf("Utterances = %d, want 1", res.Utterances)
	}
	h, body := readWAV(t, res.Path)
	if h.SampleRate != 16000 || h.NumChannels != 1 || h.BitsPerSample != 16 {
		t.Errorf("header format = %+v", h.Format())
	}
	if int(h.DataSize) != 10*frameSize || len(body) != 10*frameSize {
		t.Errorf("data size = %d (body %d), want %d", h.DataSize, len(body), 10*frameSize)
	}
	if !bytes.Equal(body[5*frameSize:6*frameSize], voiced()) {
		t.Error("voiced frame not recorded verbatim")
	}
	if _, err := os.Stat(filepath.Join(f.dir, DefaultTempFile)); !os.IsNotExist(err) {
		t.Errorf("temp file not deleted: %v", err)
	}
	if _, stop, release := f.dev.Counts(); stop == 0 || release != 1 {
		t.Errorf("device stop=%d release=%d, want stop>0 release=1", stop, release)
	}
	if s.Err() != nil {
		t.Errorf("Err = %v, want nil", s.Err())
	}
}

func TestSession_StopWithOpenUtterance(t *testing.T) {
	t.Parallel()

	f := newFixture(t,
		mock.Read{Data: silence(), Advance: 20 * time.Millisecond},
		mock.Read{Data: voiced(), Advance: 20 * time.Millisecond},
		mock.Read{Data: voiced(), Advance: 20 * time.Millisecond},
	)
	s := f.session(t)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDrained(t, f.dev)

	if st := s.Status(); !st.InUtterance || st.State != "recording" {
		t.Errorf("status = %+v, want recording in utterance", st)
	}

	res, err := s.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	again, err := s.Stop(context.Background())
	if err != nil || again != res {
		t.Errorf("second Stop = %+v, %v; want first result", again, err)
	}

	ends := 0
	for _, k := range f.rec.Kinds() {
		if k == segment.VoiceEnd {
			ends++
		}
	}
	if ends != 1 {
		t.Fatalf("OnVoiceEnd calls = %d, want 1 (events %v)", ends, f.rec.Kinds())
	}
	if last := f.rec.Events[len(f.rec.Events)-1]; last.Kind != segment.VoiceEnd {
		t.Errorf("last event = %v, want voice_end", last.Kind)
	}
	if res.DataBytes != 3*frameSize {
		t.Errorf("DataBytes = %d, want %d", res.DataBytes, 3*frameSize)
	}
	if st := s.Status(); st.State != "stopped" || st.InUtterance {
		t.Errorf("status after stop = %+v", st)
	}
}

func TestSession_ReadFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t,
		mock.Read{Data: voiced(), Advance: 20 * time.Millisecond},
		mock.Read{Err: mock.ErrInjected},
	)
	s := f.session(t)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, s)

	if !errors.Is(s.Err(), ErrReadFailure) || !errors.Is(s.Err(), mock.ErrInjected) {
		t.Fatalf("Err = %v, want ErrReadFailure wrapping the device error", s.Err())
	}
	want := []segment.EventKind{segment.VoiceStart, segment.Voice, segment.VoiceEnd}
	if got := f.rec.Kinds(); !slices.Equal(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}

	res, err := s.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if res.DataBytes != frameSize {
		t.Errorf("DataBytes = %d, want %d", res.DataBytes, frameSize)
	}
	if got := f.rec.Kinds(); len(got) != len(want) {
		t.Errorf("Stop emitted extra events: %v", got)
	}
}

func TestSession_ReadFailureKeepsDeliveredBytes(t *testing.T) {
	t.Parallel()

	glitch := errors.New("device glitch")
	f := newFixture(t,
		mock.Read{Data: voiced(), Advance: 20 * time.Millisecond},
		mock.Read{Data: voiced()[:frameSize/2], Err: glitch, Advance: 10 * time.Millisecond},
	)
	s := f.session(t)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, s)

	if !errors.Is(s.Err(), glitch) {
		t.Fatalf("Err = %v, want the device error", s.Err())
	}
	// The half frame is segmented before the failure closes the utterance.
	want := []segment.EventKind{segment.VoiceStart, segment.Voice, segment.Voice, segment.VoiceEnd}
	if got := f.rec.Kinds(); !slices.Equal(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	if st := s.Status(); st.Frames != 2 {
		t.Errorf("Frames = %d, want 2", st.Frames)
	}

	res, err := s.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if res.DataBytes != 960 {
		t.Errorf("DataBytes = %d, want 960", res.DataBytes)
	}
}

// Samples are read as signed bytes: 0xFF is -1, so {0x00, 0xFF} has
// magnitude 1<<8 = 256, far below the threshold.
func TestSession_SignedByteFrameStaysSilent(t *testing.T) {
	t.Parallel()

	frame := bytes.Repeat([]byte{0x00, 0xFF}, frameSize/2)
	if m := amplitude.Magnitude(0x00, 0xFF); m != 256 {
		t.Fatalf("Magnitude(0x00, 0xFF) = %d, want 256", m)
	}
	f := newFixture(t,
		mock.Read{Data: frame, Advance: 20 * time.Millisecond},
		mock.Read{Data: frame, Advance: 20 * time.Millisecond},
		mock.Read{Data: frame, Advance: 20 * time.Millisecond},
	)
	s := f.session(t)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-f.dev.Drained()

	res, err := s.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := f.rec.Kinds(); len(got) != 0 {
		t.Errorf("events = %v, want none", got)
	}
	if res.Utterances != 0 {
		t.Errorf("Utterances = %d, want 0", res.Utterances)
	}
	if st := s.Status(); st.VoicedFrames != 0 || st.Frames != 3 {
		t.Errorf("frames = %d voiced of %d, want 0 of 3", st.VoicedFrames, st.Frames)
	}
	if res.DataBytes != 3*frameSize {
		t.Errorf("DataBytes = %d, want %d", res.DataBytes, 3*frameSize)
	}
}

func TestSession_PartialReadsRecordedAsRead(t *testing.T) {
	t.Parallel()

	f := newFixture(t,
		mock.Read{Data: []byte{1, 2, 3}, Advance: 20 * time.Millisecond},
		mock.Read{Data: []byte{4, 5}, Advance: 20 * time.Millisecond},
	)
	s := f.session(t)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDrained(t, f.dev)
	res, err := s.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	_, body := readWAV(t, res.Path)
	if !bytes.Equal(body, []byte{1, 2, 3, 4, 5}) {
		t.Errorf("body = %v, want the bytes exactly as read", body)
	}
}

func TestSession_DeviceUnavailable(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.src.BufferSizes = map[int]int{}
	s := f.session(t)

	err := s.Start(context.Background())
	if !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("Start err = %v, want ErrDeviceUnavailable", err)
	}
	if len(f.src.OpenCalls) != 0 {
		t.Errorf("Open called %d times", len(f.src.OpenCalls))
	}
	entries, _ := os.ReadDir(f.dir)
	if len(entries) != 0 {
		t.Errorf("files created: %v", entries)
	}
	if len(f.rec.Events) != 0 {
		t.Errorf("callbacks fired: %v", f.rec.Kinds())
	}
	if _, err := s.Stop(context.Background()); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Stop err = %v, want ErrNotStarted", err)
	}
}

func TestSession_SampleRateFallback(t *testing.T) {
	t.Parallel()

	f := newFixture(t, mock.Read{Data: silence(), Advance: 20 * time.Millisecond})
	f.src.BufferSizes = map[int]int{11025: 442, 22050: 882}
	f.src.OpenErrs = map[int]error{11025: mock.ErrInjected}
	s := f.session(t)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := s.Status().SampleRate; got != 22050 {
		t.Errorf("SampleRate = %d, want 22050", got)
	}
	if got := s.Status().BufferSize; got != 882 {
		t.Errorf("BufferSize = %d, want 882", got)
	}
	if want := []int{16000, 11025, 22050}; !slices.Equal(f.src.MinBufferSizeCalls, want) {
		t.Errorf("MinBufferSize calls = %v, want %v", f.src.MinBufferSizeCalls, want)
	}
	waitDrained(t, f.dev)
	res, err := s.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	h, _ := readWAV(t, res.Path)
	if h.SampleRate != 22050 || h.ByteRate != 44100 {
		t.Errorf("header rate = %d / byte rate %d", h.SampleRate, h.ByteRate)
	}
}

func TestSession_AutoStopDisabled(t *testing.T) {
	t.Parallel()

	f := newFixture(t,
		mock.Read{Data: voiced(), Advance: 20 * time.Millisecond},
		mock.Read{Data: silence(), Advance: 3001 * time.Millisecond},
		mock.Read{Data: silence(), Advance: 20 * time.Millisecond},
		mock.Read{Data: voiced(), Advance: 20 * time.Millisecond},
	)
	s := f.session(t, WithAutoStop(false))
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDrained(t, f.dev)
	res, err := s.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}

	want := []segment.EventKind{
		segment.VoiceStart, segment.Voice, segment.Voice, segment.VoiceEnd,
		segment.VoiceStart, segment.Voice, segment.VoiceEnd,
	}
	if got := f.rec.Kinds(); !slices.Equal(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	if res.Utterances != 2 {
		t.Errorf("Utterances = %d, want 2", res.Utterances)
	}
	if res.DataBytes != 4*frameSize {
		t.Errorf("DataBytes = %d, want %d", res.DataBytes, 4*frameSize)
	}
}

func TestSession_ContextCancelStopsWorker(t *testing.T) {
	t.Parallel()

	f := newFixture(t, mock.Read{Data: voiced(), Advance: 20 * time.Millisecond})
	s := f.session(t)
	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDrained(t, f.dev)
	cancel()
	waitDone(t, s)

	if st := s.Status(); st.State != "completed" {
		t.Errorf("state = %q, want completed", st.State)
	}
	if _, err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := f.rec.Kinds(); got[len(got)-1] != segment.VoiceEnd {
		t.Errorf("events = %v, want trailing voice_end", got)
	}
}

func TestSession_FinalizeFailureKeepsTemp(t *testing.T) {
	t.Parallel()

	f := newFixture(t, mock.Read{Data: silence(), Advance: 20 * time.Millisecond})
	s := f.session(t)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDrained(t, f.dev)

	// A non-empty directory at the final path makes the rename fail.
	final := s.Status().FinalPath
	if err := os.MkdirAll(filepath.Join(final, "blocker"), 0o755); err != nil {
		t.Fatal(err)
	}

	_, err := s.Stop(context.Background())
	if !errors.Is(err, ErrIO) || !errors.Is(err, wav.ErrFinalize) {
		t.Fatalf("Stop err = %v, want ErrIO wrapping wav.ErrFinalize", err)
	}
	if !errors.Is(s.Err(), ErrIO) {
		t.Errorf("Err = %v, want ErrIO", s.Err())
	}
	if _, err := os.Stat(s.Status().TempPath); err != nil {
		t.Errorf("temp file lost: %v", err)
	}
}

func TestSession_RemovesStaleTemp(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	stale := filepath.Join(f.dir, DefaultTempFile)
	if err := os.WriteFile(stale, []byte("stale data"), 0o644); err != nil {
		t.Fatal(err)
	}
	s := f.session(t)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDrained(t, f.dev)
	res, err := s.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if res.DataBytes != 0 {
		t.Errorf("DataBytes = %d, want 0", res.DataBytes)
	}
}

func TestFileName(t *testing.T) {
	t.Parallel()
	got := FileName(time.Date(2024, 3, 7, 9, 5, 4, 0, time.UTC))
	if got != "07_09_05_04.wav" {
		t.Errorf("FileName = %q, want 07_09_05_04.wav", got)
	}
}
