package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MrWong99/voxcap/internal/config"
	"github.com/MrWong99/voxcap/pkg/audio/wav"
)

// executeCommand runs a fresh root command with args and captures its output.
func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func writeWAV(t *testing.T, dataSize int, extra []byte) string {
	t.Helper()
	var buf bytes.Buffer
	if err := wav.WriteHeader(&buf, int64(dataSize), 16000, 1, 16); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	buf.Write(extra)
	path := filepath.Join(t.TempDir(), "clip.wav")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestInspect(t *testing.T) {
	path := writeWAV(t, 3200, make([]byte, 3200))

	out, err := executeCommand(t, "inspect", path)
	if err != nil {
		t.Fatalf("inspect: %v\n%s", err, out)
	}
	for _, want := range []string{"PCM 16000 Hz, 1 ch, 16 bit", "data bytes:  3200", "riff size:   3236", "duration:    100ms"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestInspect_Truncated(t *testing.T) {
	path := writeWAV(t, 3200, make([]byte, 100))

	_, err := executeCommand(t, "inspect", path)
	if !errors.Is(err, wav.ErrInvalidHeader) {
		t.Errorf("err = %v, want ErrInvalidHeader", err)
	}
}

func TestInspect_NotWAV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "noise.wav")
	if err := os.WriteFile(path, bytes.Repeat([]byte{0xAB}, 64), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := executeCommand(t, "inspect", path); !errors.Is(err, wav.ErrInvalidHeader) {
		t.Errorf("err = %v, want ErrInvalidHeader", err)
	}
}

func TestRecordings_RequiresDSN(t *testing.T) {
	t.Setenv(config.EnvPostgresDSN, "")
	_, err := executeCommand(t, "recordings", "--env-file", filepath.Join(t.TempDir(), "none.env"))
	if err == nil || !strings.Contains(err.Error(), "postgres_dsn") {
		t.Errorf("err = %v, want missing postgres_dsn", err)
	}
}

func TestRecord_MissingConfig(t *testing.T) {
	_, err := executeCommand(t, "record", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("err = %v, want config not found", err)
	}
}

func TestRecord_FromFile(t *testing.T) {
	t.Setenv(config.EnvMQTTBroker, "")
	t.Setenv(config.EnvPostgresDSN, "")
	dir := t.TempDir()

	// Two voiced 40 ms frames followed by three silent ones at 16 kHz.
	const frame = 1280
	pcm := make([]byte, 5*frame)
	pcm[1] = 0x7F
	pcm[frame+1] = 0x7F
	input := filepath.Join(dir, "in.pcm")
	if err := os.WriteFile(input, pcm, 0o644); err != nil {
		t.Fatal(err)
	}

	cfgPath := filepath.Join(dir, "voxcap.yaml")
	cfgYAML := "server:\n  log_level: error\ncapture:\n  recordings_dir: " + filepath.Join(dir, "rec") + "\n"
	if err := os.WriteFile(cfgPath, []byte(cfgYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := executeCommand(t, "record",
		"--config", cfgPath,
		"--env-file", filepath.Join(dir, "none.env"),
		"--input", input,
		"--listen=",
	)
	if err != nil {
		t.Fatalf("record: %v\n%s", err, out)
	}

	path := strings.TrimSpace(out)
	if filepath.Dir(path) != filepath.Join(dir, "rec") || filepath.Ext(path) != ".wav" {
		t.Fatalf("printed path = %q", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read recording: %v", err)
	}
	h, err := wav.ReadHeader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if int(h.DataSize) != len(pcm) || !bytes.Equal(data[wav.HeaderSize:], pcm) {
		t.Errorf("recorded %d data bytes, want the %d input bytes verbatim", h.DataSize, len(pcm))
	}
}

func TestNewLogger_Levels(t *testing.T) {
	tests := []struct {
		level config.LogLevel
		debug bool
		warn  bool
	}{
		{config.LogDebug, true, true},
		{config.LogInfo, false, true},
		{config.LogError, false, false},
	}
	for _, tt := range tests {
		l := newLogger(tt.level)
		ctx := t.Context()
		if got := l.Handler().Enabled(ctx, -4); got != tt.debug {
			t.Errorf("%s: debug enabled = %v, want %v", tt.level, got, tt.debug)
		}
		if got := l.Handler().Enabled(ctx, 4); got != tt.warn {
			t.Errorf("%s: warn enabled = %v, want %v", tt.level, got, tt.warn)
		}
	}
}
