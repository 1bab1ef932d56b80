package audio

import "time"

// Fixed capture format. Devices always deliver mono, signed 16-bit
// little-endian PCM; only the sample rate is negotiated.
const (
	// Channels is the channel count of every captured stream.
	Channels = 1

	// BitsPerSample is the sample width of every captured stream.
	BitsPerSample = 16

	// BytesPerSample is BitsPerSample expressed in bytes.
	BytesPerSample = BitsPerSample / 8
)

// DefaultSampleRates is the candidate list tried in order when opening a
// device. The first rate the source accepts wins.
var DefaultSampleRates = []int{16000, 11025, 22050, 44100}

// BytesDuration converts a PCM byte count at the given format into a duration.
// Returns 0 for non-positive rates or channel counts.
func BytesDuration(n, sampleRate, channels int) time.Duration {
	if sampleRate <= 0 || channels <= 0 {
		return 0
	}
	bytesPerSecond := sampleRate * channels * BytesPerSample
	return time.Duration(n) * time.Second / time.Duration(bytesPerSecond)
}
