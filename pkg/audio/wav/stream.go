package wav

import (
	"fmt"
	"os"
	"sync"
)

// TempStream is an append-only raw PCM file that backs a recording until it is
// finalized. It is safe for concurrent use, although capture only writes from
// the worker goroutine.
type TempStream struct {
	path string

	mu     sync.Mutex
	f      *os.File
	n      int64
	closed bool
}

// Create truncates or creates the file at path and returns a stream appending
// to it.
func Create(path string) (*TempStream, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wav: create temp stream: %w", err)
	}
	return &TempStream{path: path, f: f}, nil
}

// Path returns the file path of the stream.
func (s *TempStream) Path() string { return s.path }

// Write appends p. Writing to a closed stream returns [os.ErrClosed].
func (s *TempStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, fmt.Errorf("wav: write temp stream: %w", os.ErrClosed)
	}
	n, err := s.f.Write(p)
	s.n += int64(n)
	if err != nil {
		return n, fmt.Errorf("wav: write temp stream: %w", err)
	}
	return n, nil
}

// Len returns the number of bytes written so far.
func (s *TempStream) Len() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}

// Closed reports whether Close has been called.
func (s *TempStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close flushes and closes the file. Calling Close more than once is safe and
// returns nil.
func (s *TempStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.f.Close(); err != nil {
		return fmt.Errorf("wav: close temp stream: %w", err)
	}
	return nil
}
