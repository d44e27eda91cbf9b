package cudaipc

import "context"

// Provider is the staging side of a CUDA IPC transfer: it copies a device
// tensor into a shape the driver can export, records a CUDA event marking
// that copy complete, and exports both as a Packet ready to send over the
// control channel. No concrete implementation is provided here: the
// actual device operations (cudaIpcGetEventHandle, cudaIpcGetMemHandle,
// cudaEventRecord) are delegated to whatever CUDA runtime binding the
// caller links in.
type Provider interface {
	// Stage copies src into a device buffer whose memory handle Packet()
	// can later export, and records an event once the copy completes.
	Stage(ctx context.Context, src []byte) error
	// Packet returns the IPC handle packet describing the last staged
	// buffer.
	Packet() (Packet, error)
}

// Receiver is the consuming side: given a Packet advertised by a Provider,
// it opens the memory and event handles, waits on the event, and exposes
// the resulting device buffer to the caller.
type Receiver interface {
	// Open opens p's memory and event IPC handles.
	Open(p Packet) error
	// Wait blocks until the Provider's recorded event fires, or ctx is
	// canceled.
	Wait(ctx context.Context) error
	// ToHost copies the opened device buffer into dst.
	ToHost(ctx context.Context, dst []byte) error
	// Close releases the opened handles.
	Close() error
}
