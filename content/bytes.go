package content

// BytesSource serves content already held in memory.
type BytesSource struct {
	data   []byte
	closed bool
}

// NewBytesSource creates a Source over data. The slice is not copied.
func NewBytesSource(data []byte) *BytesSource {
	return &BytesSource{data: data}
}

// Length ...
func (s *BytesSource) Length() int64 {
	return int64(len(s.data))
}

// ReadAt returns up to maxBytes starting at offset.
func (s *BytesSource) ReadAt(offset int64, maxBytes int) ([]byte, error) {
	if s.closed {
		return nil, ErrClosed
	}
	if err := checkRange(offset, s.Length(), maxBytes); err != nil {
		return nil, err
	}

	n := readSize(offset, s.Length(), maxBytes)
	chunk := make([]byte, n)
	copy(chunk, s.data[offset:offset+int64(n)])
	return chunk, nil
}

// Close ...
func (s *BytesSource) Close() error {
	s.closed = true
	return nil
}
