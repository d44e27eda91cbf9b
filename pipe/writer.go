package pipe

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Writer is a write-only handle on a named pipe, non-blocking by default.
type Writer struct {
	fd     int
	closed bool
}

// OpenWriter opens path write-only, non-blocking.
func OpenWriter(path string) (*Writer, error) {
	fd, err := unix.Open(path, unix.O_WRONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("open writer %q: %w", path, err)
	}
	return &Writer{fd: fd}, nil
}

// OpenWriterBlocking opens path write-only and then clears O_NONBLOCK on the
// descriptor, so that subsequent writes block when the kernel buffer is
// full instead of returning a short write. If clearing the flag fails, the
// descriptor is closed before the error is returned.
func OpenWriterBlocking(path string) (*Writer, error) {
	fd, err := unix.Open(path, unix.O_WRONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("open blocking writer %q: %w", path, err)
	}

	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("get flags for blocking writer %q: %w", path, err)
	}
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFL, flags&^unix.O_NONBLOCK); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("clear O_NONBLOCK on writer %q: %w", path, err)
	}

	return &Writer{fd: fd}, nil
}

// Fd returns the underlying file descriptor.
func (w *Writer) Fd() int {
	return w.fd
}

// GetPipeBuf returns the atomic-write threshold for this pipe.
func (w *Writer) GetPipeBuf() int {
	return GetPipeBuf(w.fd)
}

// Write writes p to the pipe, returning the number of bytes actually
// written. In non-blocking mode this may be a short write (or EAGAIN) if the
// kernel buffer is full; callers above the direct-send threshold are
// expected to loop or fall back to shared memory rather than rely on a
// single Write draining the buffer.
func (w *Writer) Write(p []byte) (int, error) {
	n, err := unix.Write(w.fd, p)
	if err != nil {
		return n, err
	}
	return n, nil
}

// Flush is a no-op: writes go straight to the kernel pipe buffer via
// unix.Write, there is no userspace buffering to drain.
func (w *Writer) Flush() error {
	return nil
}

// Close closes the descriptor.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	return unix.Close(w.fd)
}
