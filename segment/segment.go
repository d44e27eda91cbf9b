// Package segment implements the bounded, recyclable shared-memory segment
// pool that backs out-of-band payload delivery (SM_OVER_PIPE) between two
// peers on the same host.
//
// Segments are backed by files under a tmpfs-mounted directory (/dev/shm on
// Linux), mapped with mmap — the same mechanism POSIX shm_open/mmap use
// under the hood, without requiring a direct shm_open syscall binding.
package segment

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// DefaultDir is the directory segments are created under. /dev/shm is a
// tmpfs on Linux, giving genuine shared-memory semantics without extra
// mount configuration.
const DefaultDir = "/dev/shm"

// Segment is a named, memory-mapped shared-memory region.
type Segment struct {
	name string
	size int
	addr []byte
	file *os.File
}

// Name returns the segment's globally-unique (for its lifetime) name.
func (s *Segment) Name() string {
	return s.name
}

// Size returns the segment's capacity in bytes.
func (s *Segment) Size() int {
	return s.size
}

// createSegment allocates a new backing file of the given size under dir
// and maps it read-write. Fails if a segment with this name already exists.
func createSegment(dir, name string, size int) (*Segment, error) {
	path := segmentPath(dir, name)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("segment %q: truncate: %w", name, err)
	}

	addr, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("segment %q: mmap: %w", name, err)
	}

	return &Segment{name: name, size: size, addr: addr, file: f}, nil
}

// openSegment maps an existing segment read-only. This is the operation a
// reader peer (one that did not allocate the segment) performs.
func openSegment(dir, name string, size int) (*Segment, error) {
	path := segmentPath(dir, name)

	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("segment %q: open: %w", name, err)
	}

	addr, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("segment %q: mmap: %w", name, err)
	}

	return &Segment{name: name, size: size, addr: addr, file: f}, nil
}

// writeAt0 copies data into the segment starting at offset 0. Caller must
// ensure len(data) <= s.size.
func (s *Segment) writeAt0(data []byte) error {
	if len(data) > s.size {
		return fmt.Errorf("segment %q: payload %d bytes exceeds capacity %d", s.name, len(data), s.size)
	}
	copy(s.addr, data)
	return nil
}

// readAll copies out size bytes (size <= s.size) from offset 0.
func (s *Segment) readAll(size int) ([]byte, error) {
	if size > s.size {
		return nil, fmt.Errorf("segment %q: requested %d bytes exceeds mapped size %d", s.name, size, s.size)
	}
	out := make([]byte, size)
	copy(out, s.addr[:size])
	return out, nil
}

// destroy unmaps the segment, closes and removes its backing file. It is
// used on the writer's own segments; a repeat call is harmless (a missing
// backing file is not an error). A reader's transient map is released with
// unmapOnly instead, which leaves the backing file in place.
func (s *Segment) destroy(dir string) error {
	var errs []error
	if s.addr != nil {
		if err := unix.Munmap(s.addr); err != nil {
			errs = append(errs, err)
		}
		s.addr = nil
	}
	if s.file != nil {
		if err := s.file.Close(); err != nil {
			errs = append(errs, err)
		}
		s.file = nil
	}
	if err := os.Remove(segmentPath(dir, s.name)); err != nil && !os.IsNotExist(err) {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("segment %q: destroy: %v", s.name, errs)
	}
	return nil
}

// unmapOnly releases a reader's transient read-only mapping without
// touching the backing file, which the writer peer owns.
func (s *Segment) unmapOnly() error {
	if s.addr == nil {
		return nil
	}
	err := unix.Munmap(s.addr)
	s.addr = nil
	if s.file != nil {
		s.file.Close()
		s.file = nil
	}
	return err
}

func segmentPath(dir, name string) string {
	return dir + "/" + name
}
