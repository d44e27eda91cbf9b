package pipe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/onkernel/shmipc/internal/logctx"
)

// FullDuplexPipe pairs a Writer and a Reader opened against two distinct
// FIFO nodes, giving one peer a single read/write stream over an
// asymmetric pair of named pipes.
type FullDuplexPipe struct {
	writer *Writer
	reader *Reader
}

// OpenFullDuplex opens writerPath and readerPath in parallel. Both paths
// must already exist as FIFOs and must differ. Opening a non-blocking
// writer against a FIFO nobody has opened for reading yet fails immediately
// with ENXIO rather than blocking (see pipe.OpenWriter); to present a
// deadlock-free, peer-arrival-tolerant open, the writer side is retried
// with a short backoff on ENXIO while the reader side (always immediate,
// per OpenReader) opens concurrently in the other goroutine. If openTimeout
// elapses before both sides are ready, whichever descriptor did open is
// closed and the timeout error is returned. ctx's logger (see package
// logctx) receives a Debug line per writer retry and a Warn on failure.
func OpenFullDuplex(ctx context.Context, writerPath, readerPath string, openTimeout time.Duration) (*FullDuplexPipe, error) {
	if writerPath == readerPath {
		return nil, fmt.Errorf("full-duplex pipe: reader and writer paths must differ (%q)", writerPath)
	}
	if err := requireFIFO(writerPath); err != nil {
		return nil, err
	}
	if err := requireFIFO(readerPath); err != nil {
		return nil, err
	}

	logger := logctx.FromContext(ctx)

	if openTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, openTimeout)
		defer cancel()
	}

	fd := &FullDuplexPipe{}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r, err := OpenReader(readerPath)
		if err != nil {
			return fmt.Errorf("open reader side: %w", err)
		}
		fd.reader = r
		return nil
	})
	g.Go(func() error {
		w, err := openWriterRetrying(gctx, logger, writerPath)
		if err != nil {
			return fmt.Errorf("open writer side: %w", err)
		}
		fd.writer = w
		return nil
	})

	waitErr := g.Wait()
	if waitErr == nil && ctx.Err() != nil {
		waitErr = fmt.Errorf("full-duplex pipe: open timed out: %w", ctx.Err())
	}
	if waitErr != nil {
		logger.Warn("full-duplex pipe open failed", "writer_path", writerPath, "reader_path", readerPath, "err", waitErr)
		if fd.reader != nil {
			fd.reader.Close()
		}
		if fd.writer != nil {
			fd.writer.Close()
		}
		return nil, waitErr
	}
	return fd, nil
}

// NewFullDuplexPipe wraps an already-opened writer/reader pair, used by
// channel construction paths (server-side fake-reader open, client mirror)
// that establish the descriptors themselves rather than opening by path.
func NewFullDuplexPipe(writer *Writer, reader *Reader) *FullDuplexPipe {
	return &FullDuplexPipe{writer: writer, reader: reader}
}

func openWriterRetrying(ctx context.Context, logger *slog.Logger, path string) (*Writer, error) {
	const backoff = 2 * time.Millisecond
	attempt := 0
	for {
		w, err := OpenWriter(path)
		if err == nil {
			return w, nil
		}
		if !errors.Is(err, unix.ENXIO) {
			return nil, err
		}
		attempt++
		logger.Debug("writer open retry: no reader yet", "path", path, "attempt", attempt)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
}

func requireFIFO(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		return fmt.Errorf("full-duplex pipe: %w", err)
	}
	if info.Mode()&os.ModeNamedPipe == 0 {
		return fmt.Errorf("full-duplex pipe: %q is not a FIFO", path)
	}
	return nil
}

// Read reads exactly len(p) bytes, blocking (via poll) until they arrive.
func (fd *FullDuplexPipe) Read(p []byte) error {
	return fd.reader.ReadFull(p)
}

// Write writes data to the pipe, returning the number of bytes actually
// written by the underlying syscall (see Writer.Write).
func (fd *FullDuplexPipe) Write(data []byte) (int, error) {
	return fd.writer.Write(data)
}

// Flush is a no-op; see Writer.Flush.
func (fd *FullDuplexPipe) Flush() error {
	return fd.writer.Flush()
}

// Reader exposes the underlying reader, e.g. for fd registration in the
// async reader integration.
func (fd *FullDuplexPipe) Reader() *Reader {
	return fd.reader
}

// Writer exposes the underlying writer, e.g. so the protocol engine can
// size its direct-vs-shared-memory threshold off the writer's PIPE_BUF.
func (fd *FullDuplexPipe) Writer() *Writer {
	return fd.writer
}

// Close closes both ends. Idempotent: both Writer.Close and Reader.Close
// guard against a repeat call and return nil.
func (fd *FullDuplexPipe) Close() error {
	werr := fd.writer.Close()
	rerr := fd.reader.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

// ReadFull reads exactly len(p) bytes from a non-blocking Reader, polling
// for readability between attempts. Mirrors the PTY-reading poll loop: the
// poll has no timeout and waits until the descriptor is readable, so the
// loop does not spin; a closed peer surfaces as io.EOF and any other read
// or poll error is returned as is.
func (r *Reader) ReadFull(p []byte) error {
	read := 0
	for read < len(p) {
		n, err := r.readOnce(p[read:])
		if err != nil {
			return err
		}
		read += n
	}
	return nil
}

func (r *Reader) readOnce(p []byte) (int, error) {
	for {
		n, err := unix.Read(r.fd, p)
		if err == nil {
			if n == 0 {
				return 0, io.EOF
			}
			return n, nil
		}
		if errors.Is(err, unix.EAGAIN) {
			if perr := r.waitReadable(); perr != nil {
				return 0, perr
			}
			continue
		}
		return 0, err
	}
}

func (r *Reader) waitReadable() error {
	pfd := []unix.PollFd{{Fd: int32(r.fd), Events: unix.POLLIN}}
	for {
		_, err := unix.Poll(pfd, -1)
		if err == nil {
			return nil
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return err
	}
}

// TryRead attempts a single non-blocking read, for event-loop driven
// callers that multiplex readability across several descriptors themselves
// (see package asyncreader). Returns (0, unix.EAGAIN) if nothing is
// currently available.
func (r *Reader) TryRead(p []byte) (int, error) {
	n, err := unix.Read(r.fd, p)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}
