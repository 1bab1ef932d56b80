// Package wav writes and reads canonical 44-byte PCM WAV files.
//
// Capture writes raw PCM to an append-only [TempStream] while recording, because
// the final length is unknown until the session ends. [Finalize] then prefixes
// the body with a header describing its exact length and moves the result into
// place.
package wav

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"
)

// HeaderSize is the length of a canonical PCM WAV header in bytes.
const HeaderSize = 44

// riffOverhead is the number of header bytes counted by the RIFF chunk size
// in addition to the data length.
const riffOverhead = HeaderSize - 8

// formatPCM is the WAVE_FORMAT_PCM tag.
const formatPCM = 1

// ErrInvalidHeader is returned by [ReadHeader] for data that is not a
// canonical PCM WAV header.
var ErrInvalidHeader = errors.New("wav: invalid header")

// Header is the on-disk layout of a canonical PCM WAV header. Field order and
// sizes match the file byte for byte.
type Header struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // DataSize + 36
	WaveID        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32 // SampleRate * NumChannels * BitsPerSample / 8
	BlockAlign    uint16 // NumChannels * BitsPerSample / 8
	BitsPerSample uint16
	Subchunk2ID   [4]byte // "data"
	DataSize      uint32
}

// Format is the PCM layout described by a header.
type Format struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// Validate reports whether f can be described by a PCM header.
func (f Format) Validate() error {
	switch {
	case f.SampleRate <= 0:
		return fmt.Errorf("wav: sample rate %d must be positive", f.SampleRate)
	case f.Channels <= 0 || f.Channels > 0xFFFF:
		return fmt.Errorf("wav: channel count %d out of range", f.Channels)
	case f.BitsPerSample <= 0 || f.BitsPerSample%8 != 0:
		return fmt.Errorf("wav: bits per sample %d must be a positive multiple of 8", f.BitsPerSample)
	}
	return nil
}

// ByteRate returns the number of bytes per second of audio.
func (f Format) ByteRate() int { return f.SampleRate * f.Channels * f.BitsPerSample / 8 }

// BlockAlign returns the number of bytes per sample frame.
func (f Format) BlockAlign() int { return f.Channels * f.BitsPerSample / 8 }

// Duration returns the playback length of dataSize bytes in this format.
func (f Format) Duration(dataSize int64) time.Duration {
	br := f.ByteRate()
	if br <= 0 {
		return 0
	}
	return time.Duration(dataSize) * time.Second / time.Duration(br)
}

// NewHeader builds the header for totalAudioLength bytes of PCM in format f.
func NewHeader(totalAudioLength int64, f Format) Header {
	return Header{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     uint32(totalAudioLength + riffOverhead),
		WaveID:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   formatPCM,
		NumChannels:   uint16(f.Channels),
		SampleRate:    uint32(f.SampleRate),
		ByteRate:      uint32(f.ByteRate()),
		BlockAlign:    uint16(f.BlockAlign()),
		BitsPerSample: uint16(f.BitsPerSample),
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		DataSize:      uint32(totalAudioLength),
	}
}

// Format returns the PCM layout described by h.
func (h Header) Format() Format {
	return Format{
		SampleRate:    int(h.SampleRate),
		Channels:      int(h.NumChannels),
		BitsPerSample: int(h.BitsPerSample),
	}
}

// Duration returns the playback length of the data chunk.
func (h Header) Duration() time.Duration { return h.Format().Duration(int64(h.DataSize)) }

// WriteHeader writes the 44-byte header for totalAudioLength bytes of PCM.
func WriteHeader(w io.Writer, totalAudioLength int64, sampleRate, channels, bitsPerSample int) error {
	f := Format{SampleRate: sampleRate, Channels: channels, BitsPerSample: bitsPerSample}
	if err := f.Validate(); err != nil {
		return err
	}
	if totalAudioLength < 0 || totalAudioLength > maxDataSize {
		return fmt.Errorf("wav: data length %d out of range", totalAudioLength)
	}
	if err := binary.Write(w, binary.LittleEndian, NewHeader(totalAudioLength, f)); err != nil {
		return fmt.Errorf("wav: write header: %w", err)
	}
	return nil
}

// maxDataSize is the largest data chunk whose RIFF size still fits in 32 bits.
const maxDataSize = 1<<32 - 1 - riffOverhead

// ReadHeader reads and validates a canonical PCM header from r.
func ReadHeader(r io.Reader) (Header, error) {
	var h Header
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return Header{}, fmt.Errorf("%w: %w", ErrInvalidHeader, err)
	}
	switch {
	case string(h.ChunkID[:]) != "RIFF":
		return Header{}, fmt.Errorf("%w: missing RIFF tag", ErrInvalidHeader)
	case string(h.WaveID[:]) != "WAVE":
		return Header{}, fmt.Errorf("%w: missing WAVE tag", ErrInvalidHeader)
	case string(h.Subchunk1ID[:]) != "fmt ":
		return Header{}, fmt.Errorf("%w: missing fmt chunk", ErrInvalidHeader)
	case h.Subchunk1Size != 16 || h.AudioFormat != formatPCM:
		return Header{}, fmt.Errorf("%w: not plain PCM (fmt size %d, format %d)", ErrInvalidHeader, h.Subchunk1Size, h.AudioFormat)
	case string(h.Subchunk2ID[:]) != "data":
		return Header{}, fmt.Errorf("%w: missing data chunk", ErrInvalidHeader)
	case h.ChunkSize != h.DataSize+riffOverhead:
		return Header{}, fmt.Errorf("%w: RIFF size %d does not match data size %d", ErrInvalidHeader, h.ChunkSize, h.DataSize)
	}
	f := h.Format()
	if err := f.Validate(); err != nil {
		return Header{}, fmt.Errorf("%w: %w", ErrInvalidHeader, err)
	}
	if int(h.ByteRate) != f.ByteRate() || int(h.BlockAlign) != f.BlockAlign() {
		return Header{}, fmt.Errorf("%w: byte rate %d / block align %d inconsistent with format", ErrInvalidHeader, h.ByteRate, h.BlockAlign)
	}
	return h, nil
}
