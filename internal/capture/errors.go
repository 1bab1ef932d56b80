package capture

import "errors"

var (
	// ErrDeviceUnavailable is returned by [Session.Start] when no candidate
	// sample rate yields a working capture device.
	ErrDeviceUnavailable = errors.New("capture: no working capture device")

	// ErrReadFailure is the terminal error of a session whose device read
	// failed mid-recording.
	ErrReadFailure = errors.New("capture: device read failed")

	// ErrIO wraps recording file failures: creating the temp stream or
	// finalizing the WAV file.
	ErrIO = errors.New("capture: recording i/o failed")

	// ErrSessionActive is returned when a session is started while another
	// one is still live.
	ErrSessionActive = errors.New("capture: a session is already active")

	// ErrNotStarted is returned when stopping a session that never started.
	ErrNotStarted = errors.New("capture: session not started")
)
