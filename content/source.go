// Package content provides the byte sources uploads are read from.
package content

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when the underlying resource does not exist.
	ErrNotFound = errors.New("content not found")
	// ErrAccess is returned when the underlying resource can not be accessed.
	ErrAccess = errors.New("content not accessible")
	// ErrOutOfRange is returned when reading beyond the end of the source.
	ErrOutOfRange = errors.New("offset out of range")
	// ErrClosed is returned when reading from a closed source.
	ErrClosed = errors.New("content source closed")
)

// Source is a seekable byte source with a length fixed at open time.
// Close releases the underlying resource; calling it more than once is a no-op.
type Source interface {
	Length() int64
	ReadAt(offset int64, maxBytes int) ([]byte, error)
	Close() error
}

func checkRange(offset, length int64, maxBytes int) error {
	if offset < 0 || offset > length {
		return fmt.Errorf("read at %d of %d bytes: %w", offset, length, ErrOutOfRange)
	}
	if maxBytes < 0 {
		return fmt.Errorf("negative read size %d", maxBytes)
	}
	return nil
}

func readSize(offset, length int64, maxBytes int) int {
	remaining := length - offset
	if int64(maxBytes) > remaining {
		return int(remaining)
	}
	return maxBytes
}
