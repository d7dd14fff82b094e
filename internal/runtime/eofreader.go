package runtime

import (
	"io"
	"sync"
)

// Wraps an [io.Reader] and closes eof once the reader is exhausted.
type eofReader struct {
	io.Reader
	once sync.Once
	eof  chan struct{}
}

func newEOFReader(r io.Reader) *eofReader {
	return &eofReader{Reader: r, eof: make(chan struct{})}
}

// Closes eof on the first [io.EOF]. Other errors leave it open.
func (r *eofReader) Read(p []byte) (int, error) {
	n, err := r.Reader.Read(p)
	if err == io.EOF {
		r.once.Do(func() { close(r.eof) })
	}
	return n, err
}
