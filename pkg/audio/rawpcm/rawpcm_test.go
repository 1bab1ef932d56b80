package rawpcm

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MrWong99/voxcap/pkg/audio"
)

func TestMinBufferSize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     Config
		rate    int
		want    int
		wantErr bool
	}{
		{name: "defaults", cfg: Config{}, rate: 16000, want: 1280},
		{name: "20ms at 44.1kHz", cfg: Config{NativeRate: 44100, FrameMs: 20}, rate: 44100, want: 1764},
		{name: "odd size is sample aligned", cfg: Config{NativeRate: 11025, FrameMs: 10}, rate: 11025, want: 220},
		{name: "foreign rate", cfg: Config{}, rate: 44100, wantErr: true},
		{name: "frame too short", cfg: Config{NativeRate: 100, FrameMs: 1}, rate: 100, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := New(tt.cfg).MinBufferSize(tt.rate)
			if tt.wantErr {
				if !errors.Is(err, audio.ErrBadValue) {
					t.Fatalf("err = %v, want ErrBadValue", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("MinBufferSize(%d) = %d, want %d", tt.rate, got, tt.want)
			}
		})
	}
}

func TestOpenFirst_PicksNativeRate(t *testing.T) {
	t.Parallel()
	src := New(Config{NativeRate: 22050})
	src.open = func(string) (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}

	dev, size, err := audio.OpenFirst(src, audio.DefaultSampleRates)
	if err != nil {
		t.Fatalf("OpenFirst: %v", err)
	}
	if dev.SampleRate() != 22050 {
		t.Errorf("SampleRate = %d, want 22050", dev.SampleRate())
	}
	if size != 1764 {
		t.Errorf("buffer size = %d, want 1764", size)
	}
}

func TestOpen_MissingFile(t *testing.T) {
	t.Parallel()
	src := New(Config{Path: filepath.Join(t.TempDir(), "missing.pcm")})
	_, err := src.Open(16000, 1280)
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("err = %v, want os.ErrNotExist", err)
	}
}

func TestDevice_ReadsFileInFrames(t *testing.T) {
	t.Parallel()
	data := make([]byte, 1000)
	for i := range data {
		data[i] = byte(i)
	}
	path := filepath.Join(t.TempDir(), "in.pcm")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	dev, err := New(Config{Path: path}).Open(16000, 400)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer dev.Release()
	if err := dev.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var got []byte
	buf := make([]byte, 400)
	var sizes []int
	for {
		n, err := dev.Read(buf)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		sizes = append(sizes, n)
		got = append(got, buf[:n]...)
	}
	if !bytes.Equal(got, data) {
		t.Error("bytes read differ from file contents")
	}
	if len(sizes) != 3 || sizes[0] != 400 || sizes[1] != 400 || sizes[2] != 200 {
		t.Errorf("read sizes = %v, want [400 400 200]", sizes)
	}
}

func TestDevice_StopUnblocksRead(t *testing.T) {
	t.Parallel()
	pr, pw := io.Pipe()
	defer pw.Close()

	src := New(Config{})
	src.open = func(string) (io.ReadCloser, error) { return pr, nil }
	dev, err := src.Open(16000, 1280)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_ = dev.Start()

	errCh := make(chan error, 1)
	go func() {
		_, err := dev.Read(make([]byte, 1280))
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	if err := dev.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case err := <-errCh:
		if !errors.Is(err, ErrStopped) {
			t.Errorf("Read err = %v, want ErrStopped", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Read did not return after Stop")
	}

	// Stop and Release are idempotent.
	if err := dev.Stop(); err != nil {
		t.Errorf("second Stop: %v", err)
	}
	if err := dev.Release(); err != nil {
		t.Errorf("Release after Stop: %v", err)
	}
	if _, err := dev.Read(make([]byte, 2)); !errors.Is(err, ErrStopped) {
		t.Errorf("Read after Stop err = %v, want ErrStopped", err)
	}
}

func TestDevice_PaceThrottlesToRealTime(t *testing.T) {
	t.Parallel()
	// 3 x 20 ms frames at 16 kHz.
	src := New(Config{Pace: true})
	src.open = func(string) (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(make([]byte, 3*640))), nil
	}
	dev, err := src.Open(16000, 640)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_ = dev.Start()

	start := time.Now()
	buf := make([]byte, 640)
	for range 3 {
		if _, err := dev.Read(buf); err != nil {
			t.Fatalf("Read: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed < 55*time.Millisecond {
		t.Errorf("paced reads took %v, want at least ~60ms", elapsed)
	}
}
