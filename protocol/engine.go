package protocol

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/onkernel/shmipc/header"
	"github.com/onkernel/shmipc/pipe"
)

// WrittenInfo describes what a Send call actually put on the wire: how many
// header+payload bytes went directly over the pipe, how many bytes (if any)
// landed in shared memory, and the segment name carrying them.
type WrittenInfo struct {
	PipeByte int
	SMByte   int
	SMName   string
}

// Zombie is a segment whose RESTORE acknowledgment this engine tried to
// send (because it had just consumed that segment's payload) but could not
// deliver. It is recorded on the receiving engine, not on whichever pool
// originally allocated the segment: the peer that allocated it never
// learns the restore failed, it simply never receives one.
type Zombie struct {
	Name string
	Err  error
}

// Engine drives one FullDuplexPipe's worth of send/recv framing: it decides
// direct-vs-shared-memory delivery, packs and unpacks headers, and runs the
// RESTORE handshake. Each peer's Channel owns exactly one Engine, wired to
// its own Backend, so a connected pair of peers has one Engine per side.
type Engine struct {
	pipe    *pipe.FullDuplexPipe
	backend Backend
	logger  *slog.Logger

	forceSMOverPipe  bool
	disableRestoreSM bool
	writerThreshold  int

	zombies []Zombie
}

// Config controls non-default Engine behavior.
type Config struct {
	// ForceSMOverPipe routes every Send through shared memory regardless of
	// size, useful for exercising the SM path deterministically in tests.
	ForceSMOverPipe bool
	// DisableRestoreSM skips the RESTORE handshake entirely: Recv returns
	// SM payloads without acknowledging them. The sender's segments are
	// never returned to its free list under this mode.
	DisableRestoreSM bool
	// Logger receives a Warn entry whenever a zombie segment is recorded.
	// Defaults to slog.Default() if nil.
	Logger *slog.Logger
}

// NewEngine builds an Engine over p using backend for shared-memory
// delivery. The direct-send threshold is computed once from the pipe's
// reported PIPE_BUF, minus the fixed header size.
func NewEngine(p *pipe.FullDuplexPipe, backend Backend, cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		pipe:             p,
		backend:          backend,
		logger:           logger,
		forceSMOverPipe:  cfg.ForceSMOverPipe,
		disableRestoreSM: cfg.DisableRestoreSM,
		writerThreshold:  p.Writer().GetPipeBuf() - header.Size,
	}
}

// Send transmits data, choosing PIPE_DIRECT if len(data) is at most the
// writer threshold (PIPE_BUF minus the header size) and ForceSMOverPipe is
// not set, else SM_OVER_PIPE.
func (e *Engine) Send(data []byte) (WrittenInfo, error) {
	if !e.forceSMOverPipe && len(data) <= e.writerThreshold {
		return e.sendDirect(data)
	}
	return e.sendSM(data)
}

func (e *Engine) sendDirect(data []byte) (WrittenInfo, error) {
	frame := header.Encode(header.PipeDirect, uint16(len(data)), 0)
	frame = append(frame, data...)
	if _, err := e.pipe.Write(frame); err != nil {
		return WrittenInfo{}, fmt.Errorf("protocol: send direct: %w", err)
	}
	if err := e.pipe.Flush(); err != nil {
		return WrittenInfo{}, fmt.Errorf("protocol: send direct: flush: %w", err)
	}
	return WrittenInfo{PipeByte: header.Size + len(data)}, nil
}

func (e *Engine) sendSM(data []byte) (WrittenInfo, error) {
	written, err := e.backend.WriteSM(data)
	if err != nil {
		return WrittenInfo{}, fmt.Errorf("protocol: send sm: %w", err)
	}

	name := []byte(written.Name)
	frame := header.Encode(header.SMOverPipe, uint16(len(name)), uint32(len(data)))
	frame = append(frame, name...)
	if _, err := e.pipe.Write(frame); err != nil {
		return WrittenInfo{}, fmt.Errorf("protocol: send sm: %w", err)
	}
	if err := e.pipe.Flush(); err != nil {
		return WrittenInfo{}, fmt.Errorf("protocol: send sm: flush: %w", err)
	}

	return WrittenInfo{PipeByte: header.Size + len(name), SMByte: len(data), SMName: written.Name}, nil
}

// sendRestore acknowledges a just-consumed SM_OVER_PIPE payload by naming
// its segment back to the peer that allocated it.
func (e *Engine) sendRestore(name string) error {
	nameBytes := []byte(name)
	frame := header.Encode(header.SMRestore, uint16(len(nameBytes)), 0)
	frame = append(frame, nameBytes...)
	if _, err := e.pipe.Write(frame); err != nil {
		return err
	}
	return e.pipe.Flush()
}

// Recv reads one frame. A nil return with a nil error means a SM_RESTORE
// was consumed and acknowledged internally: "no payload this turn"; callers
// expecting a reply should call Recv again.
func (e *Engine) Recv() ([]byte, error) {
	_, data, err := e.RecvWithHeader()
	return data, err
}

// RecvWithHeader is Recv plus the decoded header, for callers (the async
// reader, channel-level diagnostics) that need the opcode even when the
// payload is nil.
func (e *Engine) RecvWithHeader() (header.Packet, []byte, error) {
	hdr, err := e.readHeader()
	if err != nil {
		return header.Packet{}, nil, err
	}
	data, err := e.recvBody(hdr)
	return hdr, data, err
}

func (e *Engine) readHeader() (header.Packet, error) {
	buf := make([]byte, header.Size)
	if err := e.pipe.Read(buf); err != nil {
		return header.Packet{}, fmt.Errorf("protocol: recv header: %w", err)
	}
	return header.Decode(buf)
}

// recvBody handles everything after the header; RecvWithHeader calls it
// and Recv goes through RecvWithHeader. Kept as a single switch so the
// restore-ack zombie-recording logic has exactly one home.
func (e *Engine) recvBody(hdr header.Packet) ([]byte, error) {
	switch hdr.Opcode {
	case header.PipeDirect:
		buf := make([]byte, hdr.PipeDataSize)
		if err := e.pipe.Read(buf); err != nil {
			return nil, fmt.Errorf("protocol: recv direct: %w", err)
		}
		return buf, nil

	case header.SMOverPipe:
		nameBuf := make([]byte, hdr.PipeDataSize)
		if err := e.pipe.Read(nameBuf); err != nil {
			return nil, fmt.Errorf("protocol: recv sm: read name: %w", err)
		}
		name := string(nameBuf)

		data, err := e.backend.ReadSM(name, int(hdr.SMDataSize))
		if err != nil {
			return nil, fmt.Errorf("protocol: recv sm: read segment %q: %w", name, err)
		}

		if !e.disableRestoreSM {
			if err := e.sendRestore(name); err != nil {
				e.logger.Warn("protocol: zombie segment, restore ack could not be sent", "name", name, "err", err)
				e.zombies = append(e.zombies, Zombie{Name: name, Err: err})
			}
		}
		return data, nil

	case header.SMRestore:
		nameBuf := make([]byte, hdr.PipeDataSize)
		if err := e.pipe.Read(nameBuf); err != nil {
			return nil, fmt.Errorf("protocol: recv restore: read name: %w", err)
		}
		if err := e.backend.RestoreSM(string(nameBuf)); err != nil {
			return nil, fmt.Errorf("protocol: recv restore: %w", err)
		}
		return nil, nil

	default:
		return nil, fmt.Errorf("protocol: recv: unhandled opcode %s", hdr.Opcode)
	}
}

// Zombies returns the zombie segments this engine has accumulated as a
// receiver: segments it read whose RESTORE acknowledgment it could not
// send back to the allocating peer. The slice is a defensive copy.
func (e *Engine) Zombies() []Zombie {
	out := make([]Zombie, len(e.zombies))
	copy(out, e.zombies)
	return out
}

// Close releases the engine's backend (shared-memory segments it
// allocated) and its pipe.
func (e *Engine) Close() error {
	var errs []error
	if err := e.backend.CloseSM(); err != nil {
		errs = append(errs, err)
	}
	if err := e.pipe.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
