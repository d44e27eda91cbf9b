package pipe

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"

	"golang.org/x/sys/unix"
)

// DefaultMode is the permission bits a TemporaryPipe is created with when
// the caller does not specify one.
const DefaultMode = 0o600

// TemporaryPipe owns a FIFO node on disk and guarantees it is unlinked
// exactly once, either by an explicit Cleanup call or, if the caller drops
// the value without cleaning up, by a finalizer.
type TemporaryPipe struct {
	path string

	mu      sync.Mutex
	cleaned bool
}

// NewTemporaryPipe creates a FIFO node at path with the given permissions.
// It fails if path already exists, whether or not it is a FIFO.
func NewTemporaryPipe(path string, mode os.FileMode) (*TemporaryPipe, error) {
	if mode == 0 {
		mode = DefaultMode
	}

	if info, err := os.Lstat(path); err == nil {
		if info.Mode()&os.ModeNamedPipe == 0 {
			return nil, fmt.Errorf("temporary pipe %q: exists and is not a FIFO", path)
		}
		return nil, fmt.Errorf("temporary pipe %q: already exists", path)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("temporary pipe %q: stat: %w", path, err)
	}

	if err := unix.Mkfifo(path, uint32(mode)); err != nil {
		return nil, fmt.Errorf("mkfifo %q: %w", path, err)
	}

	tp := &TemporaryPipe{path: path}
	runtime.SetFinalizer(tp, func(tp *TemporaryPipe) {
		_ = tp.Cleanup()
	})
	return tp, nil
}

// Path returns the FIFO node's filesystem path.
func (tp *TemporaryPipe) Path() string {
	return tp.path
}

// Cleanup removes the FIFO node. Idempotent: subsequent calls are no-ops.
func (tp *TemporaryPipe) Cleanup() error {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	if tp.cleaned {
		return nil
	}
	tp.cleaned = true
	runtime.SetFinalizer(tp, nil)

	if err := os.Remove(tp.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove fifo %q: %w", tp.path, err)
	}
	return nil
}
