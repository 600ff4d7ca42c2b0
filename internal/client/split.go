package client

import (
	"errors"
	"fmt"
	"io"
)

// BlockCount returns how many blocks of blockSize bytes hold size bytes.
func BlockCount(size, blockSize int64) int {
	if size <= 0 {
		return 0
	}
	return int((size + blockSize - 1) / blockSize)
}

// Splitter reads a source of known size as consecutive blocks. Every block
// but the last is exactly blockSize bytes. It reads lazily and cannot be
// restarted.
type Splitter struct {
	r         io.Reader
	blockSize int64
	remaining int64
	index     int
}

// NewSplitter returns a Splitter over the first size bytes of r.
func NewSplitter(r io.Reader, size, blockSize int64) *Splitter {
	return &Splitter{r: r, blockSize: blockSize, remaining: size}
}

// Next returns the index and bytes of the next block, or io.EOF once size
// bytes have been produced. A source that ends early yields
// io.ErrUnexpectedEOF.
func (s *Splitter) Next() (int, []byte, error) {
	if s.remaining <= 0 {
		return s.index, nil, io.EOF
	}
	buf := make([]byte, min(s.blockSize, s.remaining))
	n, err := io.ReadFull(s.r, buf)
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return s.index, nil, fmt.Errorf("read block %d: got %d of %d bytes: %w", s.index, n, len(buf), err)
	}
	s.remaining -= int64(n)
	i := s.index
	s.index++
	return i, buf, nil
}
