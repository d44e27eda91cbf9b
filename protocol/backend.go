// Package protocol implements the send/recv engine that sits on top of a
// full-duplex pipe: header framing, the direct-vs-shared-memory delivery
// decision, and the SM_RESTORE acknowledgment handshake.
package protocol

import "github.com/onkernel/shmipc/segment"

// Backend is the capability object a protocol Engine uses to move payloads
// through shared memory. It stands in for the source's overridable
// read_sm/write_sm/restore_sm/close_sm methods on an abstract Protocol base
// class, without requiring virtual dispatch in the send/recv hot path: an
// Engine is specialized once, at channel construction, with whichever
// Backend its transport needs (CPU-backed segments today; a CUDA IPC
// backend is a different concrete type satisfying the same interface).
type Backend interface {
	// WriteSM allocates or recycles a segment, copies data into it, and
	// returns the segment's name and capacity.
	WriteSM(data []byte) (segment.SmWritten, error)
	// ReadSM copies size bytes out of the named segment. The caller (the
	// reading peer) never allocated this segment and does not track it in
	// any pool of its own.
	ReadSM(name string, size int) ([]byte, error)
	// RestoreSM returns a previously-written segment to the writer's free
	// list. Called by the writer's own Engine upon receiving SM_RESTORE.
	RestoreSM(name string) error
	// CloseSM releases every segment the backend holds.
	CloseSM() error
}

// CPUBackend is a Backend backed by a host shared-memory segment.Pool.
type CPUBackend struct {
	pool *segment.Pool
}

// NewCPUBackend wraps pool as a Backend.
func NewCPUBackend(pool *segment.Pool) *CPUBackend {
	return &CPUBackend{pool: pool}
}

func (b *CPUBackend) WriteSM(data []byte) (segment.SmWritten, error) {
	return b.pool.Write(data)
}

func (b *CPUBackend) ReadSM(name string, size int) ([]byte, error) {
	return segment.Read(b.pool.Dir(), name, size)
}

func (b *CPUBackend) RestoreSM(name string) error {
	return b.pool.Restore(name)
}

func (b *CPUBackend) CloseSM() error {
	return b.pool.Clear()
}
