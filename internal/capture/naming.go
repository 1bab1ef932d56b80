package capture

import (
	"path/filepath"
	"time"
)

// fileNameLayout is day_hour_minute_second of the session start.
const fileNameLayout = "02_15_04_05"

// FileName returns the final recording name for a session started at t, for
// example "07_14_03_59.wav".
func FileName(t time.Time) string {
	return t.Format(fileNameLayout) + ".wav"
}

func resolvePath(dir, name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(dir, name)
}
