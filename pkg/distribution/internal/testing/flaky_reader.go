package testing

import (
	"errors"
	"io"
	"sync"
)

// ErrFlakyFailure is returned when FlakyReader simulates a failure.
var ErrFlakyFailure = errors.New("simulated read failure")

// FlakyReader simulates a connection that drops after a certain number of
// bytes.
type FlakyReader struct {
	mu        sync.Mutex
	data      io.ReaderAt
	length    int64
	failAfter int64
	pos       int64
	failed    bool
	closed    bool
}

// NewFlakyReader creates a FlakyReader that fails after reading failAfter
// bytes. If failAfter is 0 or negative, it never fails.
func NewFlakyReader(data io.ReaderAt, length int64, failAfter int) *FlakyReader {
	return &FlakyReader{
		data:      data,
		length:    length,
		failAfter: int64(failAfter),
	}
}

// Read implements io.Reader.
func (fr *FlakyReader) Read(p []byte) (int, error) {
	fr.mu.Lock()
	defer fr.mu.Unlock()

	switch {
	case fr.closed:
		return 0, errors.New("read from closed reader")
	case fr.failed:
		return 0, ErrFlakyFailure
	case fr.pos >= fr.length:
		return 0, io.EOF
	}

	limit := fr.length
	if fr.failAfter > 0 && fr.failAfter < limit {
		limit = fr.failAfter
	}
	if fr.pos >= limit {
		fr.failed = true
		return 0, ErrFlakyFailure
	}
	if remaining := limit - fr.pos; int64(len(p)) > remaining {
		p = p[:remaining]
	}

	n, err := fr.data.ReadAt(p, fr.pos)
	fr.pos += int64(n)
	if err != nil && err != io.EOF {
		return n, err
	}
	if fr.pos >= fr.length {
		return n, io.EOF
	}
	return n, nil
}

// Close implements io.Closer.
func (fr *FlakyReader) Close() error {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	fr.closed = true
	return nil
}

// Position returns the current read position.
func (fr *FlakyReader) Position() int64 {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	return fr.pos
}

// HasFailed returns true if the reader has simulated a failure.
func (fr *FlakyReader) HasFailed() bool {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	return fr.failed
}
