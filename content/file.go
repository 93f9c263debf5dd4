package content

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync"
	"sync/atomic"

	"github.com/bitrise-io/go-mediaupload/internal"
)

// FileSource reads content from a file on disk.
// The file is opened on construction and released by Close.
type FileSource struct {
	path   string
	file   *os.File
	length int64

	// cleanup runs once after the file is closed, used to drop downloaded copies.
	cleanup func() error

	closeOnce sync.Once
	closeErr  error
	closed    atomic.Bool
}

// OpenFile opens the file at path.
// It fails with ErrNotFound if the file does not exist and ErrAccess on permission errors.
func OpenFile(path string) (*FileSource, error) {
	return openFile(internal.RealOS{}, path)
}

func openFile(osProxy internal.OsProxy, path string) (*FileSource, error) {
	info, err := osProxy.Stat(path)
	if err != nil {
		return nil, openError(path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("open %s: is a directory: %w", path, ErrAccess)
	}

	file, err := osProxy.Open(path)
	if err != nil {
		return nil, openError(path, err)
	}

	return &FileSource{
		path:   path,
		file:   file,
		length: info.Size(),
	}, nil
}

func openError(path string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("open %s: %w: %v", path, ErrNotFound, err)
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("open %s: %w: %v", path, ErrAccess, err)
	default:
		return fmt.Errorf("open %s: %w", path, err)
	}
}

// Path returns the path of the file.
func (s *FileSource) Path() string {
	return s.path
}

// Length returns the size of the file at open time.
func (s *FileSource) Length() int64 {
	return s.length
}

// ReadAt returns up to maxBytes starting at offset.
// The final read of a file is typically shorter than maxBytes.
func (s *FileSource) ReadAt(offset int64, maxBytes int) ([]byte, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if err := checkRange(offset, s.length, maxBytes); err != nil {
		return nil, err
	}

	chunk := make([]byte, readSize(offset, s.length, maxBytes))
	n, err := s.file.ReadAt(chunk, offset)
	if errors.Is(err, os.ErrClosed) {
		return nil, ErrClosed
	}
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("read %s at offset %d: %w", s.path, offset, err)
	}

	return chunk[:n], nil
}

// Close closes the underlying file. It is safe to call Close more than once.
func (s *FileSource) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.closeErr = s.file.Close()
		if s.cleanup != nil {
			if err := s.cleanup(); err != nil && s.closeErr == nil {
				s.closeErr = err
			}
		}
	})
	return s.closeErr
}
