package pipe

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Reader is a non-blocking read-only handle on a named pipe.
//
// Opening read-only+non-blocking at construction time is required: a
// blocking open-for-read on a FIFO stalls until a writer opens the other
// end, which is exactly the deadlock FullDuplexPipe's parallel open exists
// to avoid.
type Reader struct {
	fd     int
	closed bool
}

// OpenReader opens path read-only, non-blocking.
func OpenReader(path string) (*Reader, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("open reader %q: %w", path, err)
	}
	return &Reader{fd: fd}, nil
}

// Fd returns the underlying file descriptor.
func (r *Reader) Fd() int {
	return r.fd
}

// GetPipeBuf returns the atomic-write threshold for this pipe.
func (r *Reader) GetPipeBuf() int {
	return GetPipeBuf(r.fd)
}

// Read reads up to len(p) bytes. Non-blocking: returns (0, unix.EAGAIN) if
// no data is currently available.
func (r *Reader) Read(p []byte) (int, error) {
	n, err := unix.Read(r.fd, p)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Close closes the descriptor. Idempotent: a second call is a no-op and
// returns nil.
func (r *Reader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	return unix.Close(r.fd)
}
