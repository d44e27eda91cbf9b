// Package header encodes and decodes the fixed 8-byte frame header that
// precedes every message on a channel's FIFO.
package header

import (
	"encoding/binary"
	"fmt"
)

// Opcode selects how a frame's payload is delivered.
type Opcode uint8

const (
	// PipeDirect carries the payload inline, immediately after the header.
	PipeDirect Opcode = 0
	// SMOverPipe carries a shared-memory segment name inline; the actual
	// payload lives in the named segment.
	SMOverPipe Opcode = 1
	// SMRestore returns a previously-allocated segment to the sender's
	// free list; it carries the segment name and no payload.
	SMRestore Opcode = 2
)

func (o Opcode) String() string {
	switch o {
	case PipeDirect:
		return "PIPE_DIRECT"
	case SMOverPipe:
		return "SM_OVER_PIPE"
	case SMRestore:
		return "SM_RESTORE"
	default:
		return fmt.Sprintf("Opcode(%d)", uint8(o))
	}
}

// Size is the fixed wire size of a header in bytes.
const Size = 8

// Packet is a decoded header.
type Packet struct {
	Opcode       Opcode
	Reserved     uint8
	PipeDataSize uint16
	SMDataSize   uint32
}

// Encode packs opcode, pipeDataSize, and smDataSize into an 8-byte, native
// byte order frame: {u8 opcode, u8 reserved=0, u16 pipe_data_size, u32
// sm_data_size}. IPC is same-host, so native order is used throughout (no
// cross-host byte-order concern).
func Encode(op Opcode, pipeDataSize uint16, smDataSize uint32) []byte {
	buf := make([]byte, Size)
	buf[0] = uint8(op)
	buf[1] = 0x00
	nativeEndian.PutUint16(buf[2:4], pipeDataSize)
	nativeEndian.PutUint32(buf[4:8], smDataSize)
	return buf
}

// Decode unpacks an 8-byte header. It returns an error if data is the wrong
// length or the opcode is unrecognized.
func Decode(data []byte) (Packet, error) {
	if len(data) != Size {
		return Packet{}, fmt.Errorf("header: expected %d bytes, got %d", Size, len(data))
	}

	op := Opcode(data[0])
	switch op {
	case PipeDirect, SMOverPipe, SMRestore:
	default:
		return Packet{}, fmt.Errorf("header: unsupported opcode: %d", data[0])
	}

	return Packet{
		Opcode:       op,
		Reserved:     data[1],
		PipeDataSize: nativeEndian.Uint16(data[2:4]),
		SMDataSize:   nativeEndian.Uint32(data[4:8]),
	}, nil
}

// nativeEndian is resolved once at init time (see endian.go) so encode/decode
// matches the host's byte order, the same way the source's `@BBHI` struct
// format (native order) does.
var nativeEndian binary.ByteOrder
