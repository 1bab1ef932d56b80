// Package catalog indexes finalized recordings so that they can be listed
// without scanning the recordings directory.
//
// [Index] has two implementations: [MemoryIndex] for single-process use and
// tests, and the PostgreSQL-backed index in catalog/postgres.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"
)

// MimeWAV is the MIME type recorded for every capture.
const MimeWAV = "audio/x-wav"

// ErrInvalidEntry is returned by Register when an entry is missing required
// fields.
var ErrInvalidEntry = errors.New("catalog: invalid entry")

// Entry describes one finalized recording.
type Entry struct {
	// ID is the capture session ID. It is unique per recording.
	ID string `json:"id"`

	// Title is the display name, the WAV file name by default.
	Title string `json:"title"`

	// Path is the location of the WAV file.
	Path string `json:"path"`

	MimeType   string        `json:"mime_type"`
	SizeBytes  int64         `json:"size_bytes"`
	Duration   time.Duration `json:"duration"`
	SampleRate int           `json:"sample_rate"`
	Utterances int           `json:"utterances"`

	// RecordedAt is when capture started.
	RecordedAt time.Time `json:"recorded_at"`

	// CreatedAt is set by the index on Register.
	CreatedAt time.Time `json:"created_at,omitzero"`
}

// Validate reports whether e can be registered.
func (e Entry) Validate() error {
	var errs []error
	if e.ID == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if e.Path == "" {
		errs = append(errs, errors.New("path is required"))
	}
	if e.SizeBytes < 0 {
		errs = append(errs, fmt.Errorf("size_bytes %d is negative", e.SizeBytes))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidEntry, errors.Join(errs...))
	}
	return nil
}

// WithDefaults returns e with Title defaulted to the file name and MimeType to
// [MimeWAV]. Index implementations call it before persisting.
func WithDefaults(e Entry) Entry {
	if e.Title == "" {
		e.Title = filepath.Base(e.Path)
	}
	if e.MimeType == "" {
		e.MimeType = MimeWAV
	}
	return e
}

// Index stores recording entries.
// Implementations must be safe for concurrent use.
type Index interface {
	// Register stores e, replacing any entry with the same ID, and returns it
	// as stored.
	Register(ctx context.Context, e Entry) (Entry, error)

	// List returns up to limit entries, newest recording first. A limit of
	// zero or less returns every entry.
	List(ctx context.Context, limit int) ([]Entry, error)
}
