package segment

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/nrednav/cuid2"
)

// Unbounded disables the max-queue cap: |free|+|in_use| may grow without
// limit.
const Unbounded = -1

// ErrQueueExhausted is returned by Write when the pool is bounded, full of
// unrestored segments, and none of the free segments are both reclaimable
// and large enough to be worth reusing outright.
var ErrQueueExhausted = errors.New("segment pool: queue exhausted")

// SmWritten describes a segment a Write call just populated.
type SmWritten struct {
	Name string
	Size int
}

// Pool is the writer-side bounded free list / in-use set of segments for
// one channel direction. It is not safe to share a Pool between multiple
// writer peers; each channel owns exactly one.
//
// Pool has no notion of a "zombie" segment: a zombie is a segment whose
// RESTORE acknowledgment failed to reach its sender, and that bookkeeping
// belongs to whichever peer was receiving at the time (see protocol.Engine),
// not to the pool that allocated the segment in the first place.
type Pool struct {
	dir      string
	maxQueue int
	logger   *slog.Logger

	mu    sync.Mutex
	free  []*Segment
	inUse map[string]*Segment
}

// NewPool creates a pool rooted at dir (DefaultDir if empty) bounded by
// maxQueue (Unbounded for no cap). Logs to slog.Default() until SetLogger
// is called.
func NewPool(dir string, maxQueue int) *Pool {
	if dir == "" {
		dir = DefaultDir
	}
	return &Pool{
		dir:      dir,
		maxQueue: maxQueue,
		logger:   slog.Default(),
		inUse:    make(map[string]*Segment),
	}
}

// SetLogger replaces the pool's logger, e.g. so a channel can scope it to
// the context its caller supplied.
func (p *Pool) SetLogger(logger *slog.Logger) {
	if logger == nil {
		return
	}
	p.mu.Lock()
	p.logger = logger
	p.mu.Unlock()
}

// Write allocates or recycles a segment to hold data and moves it into the
// in-use set.
func (p *Pool) Write(data []byte) (SmWritten, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	size := len(data)

	if idx := p.bestFreeFit(size); idx >= 0 {
		seg := p.free[idx]
		p.free = append(p.free[:idx:idx], p.free[idx+1:]...)
		if err := seg.writeAt0(data); err != nil {
			return SmWritten{}, err
		}
		p.inUse[seg.name] = seg
		return SmWritten{Name: seg.name, Size: seg.size}, nil
	}

	if !p.atCapacity() {
		seg, err := p.allocate(size)
		if err != nil {
			return SmWritten{}, err
		}
		p.inUse[seg.name] = seg
		return SmWritten{Name: seg.name, Size: seg.size}, nil
	}

	// Bound reached and no free segment is big enough to reuse as-is: a
	// too-small candidate is destroyed and a fresh one is allocated in its
	// place, rather than failing while reclaimable space sits idle in the
	// free list. Destroy is best-effort: a stray unlinked
	// backing file here is not a protocol-visible zombie, since no peer
	// was ever waiting on a RESTORE for it.
	if len(p.free) > 0 {
		victim := p.popSmallestFree()
		if err := victim.destroy(p.dir); err != nil {
			p.logger.Warn("segment pool: failed to destroy reclaimed segment", "name", victim.name, "err", err)
		}
		seg, err := p.allocate(size)
		if err != nil {
			return SmWritten{}, err
		}
		p.inUse[seg.name] = seg
		return SmWritten{Name: seg.name, Size: seg.size}, nil
	}

	return SmWritten{}, ErrQueueExhausted
}

// bestFreeFit returns the index of the first free segment whose capacity
// is >= size, or -1 if none qualifies.
func (p *Pool) bestFreeFit(size int) int {
	for i, seg := range p.free {
		if seg.size >= size {
			return i
		}
	}
	return -1
}

func (p *Pool) popSmallestFree() *Segment {
	smallest := 0
	for i, seg := range p.free {
		if seg.size < p.free[smallest].size {
			smallest = i
		}
	}
	seg := p.free[smallest]
	p.free = append(p.free[:smallest:smallest], p.free[smallest+1:]...)
	return seg
}

func (p *Pool) atCapacity() bool {
	if p.maxQueue < 0 {
		return false
	}
	return len(p.free)+len(p.inUse) >= p.maxQueue
}

// allocate creates a new segment of the given size with a fresh,
// collision-resistant name, retrying on a transient EEXIST.
func (p *Pool) allocate(size int) (*Segment, error) {
	var seg *Segment
	err := retry.New(
		retry.Attempts(5),
		retry.Delay(time.Millisecond),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, os.ErrExist)
		}),
		retry.LastErrorOnly(true),
	).Do(func() error {
		name := "smipc-" + cuid2.Generate()
		s, err := createSegment(p.dir, name, size)
		if err != nil {
			return err
		}
		seg = s
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("segment pool: allocate %d bytes: %w", size, err)
	}
	return seg, nil
}

// Read opens the named segment read-only, copies size bytes out, and
// unmaps it. This is a reader-peer operation: it never touches a pool's
// free/in-use bookkeeping, since the reader did not allocate the segment.
func Read(dir, name string, size int) ([]byte, error) {
	if dir == "" {
		dir = DefaultDir
	}
	seg, err := openSegment(dir, name, size)
	if err != nil {
		return nil, err
	}
	defer seg.unmapOnly()

	return seg.readAll(size)
}

// Restore moves name from the in-use set back to the free list. A restore
// for an unknown name is a protocol invariant violation and returns an
// error; callers should treat it as fatal for the channel.
func (p *Pool) Restore(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	seg, ok := p.inUse[name]
	if !ok {
		return fmt.Errorf("segment pool: restore of unknown segment %q", name)
	}
	delete(p.inUse, name)
	p.free = append(p.free, seg)
	return nil
}

// Dir returns the directory this pool allocates segments under, so a peer
// that did not create the pool (e.g. the reading side of a Backend) can
// still resolve segment names to paths consistently.
func (p *Pool) Dir() string {
	return p.dir
}

// Stats reports the current free/in-use counts, for diagnostics.
func (p *Pool) Stats() (free, inUse int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free), len(p.inUse)
}

// Clear destroys every segment, free or in-use, and unlinks their backing
// files. Called when the owning channel closes.
func (p *Pool) Clear() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for _, seg := range p.free {
		if err := seg.destroy(p.dir); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, seg := range p.inUse {
		if err := seg.destroy(p.dir); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.free = nil
	p.inUse = make(map[string]*Segment)
	return firstErr
}
