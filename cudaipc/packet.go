// Package cudaipc implements the portable byte layout for a CUDA IPC
// handle packet: device index, memory size, stride, element dtype, the
// opaque CUDA event/memory handles, and tensor shape. The packet is an
// ordinary protocol payload (carried PIPE_DIRECT or SM_OVER_PIPE,
// depending on size); the actual CUDA driver calls that open a memory
// handle or wait on an event are delegated entirely to whatever collaborator
// provides the device runtime — this package only marshals the handles
// across the IPC boundary.
package cudaipc

import (
	"encoding/binary"
	"fmt"
)

// DType enumerates the element types a Packet's shape describes. The
// numeric values are part of the wire contract: they must not be
// renumbered once producers/consumers agree on them.
type DType uint32

const (
	DTypeUint8 DType = iota
	DTypeInt8
	DTypeUint16
	DTypeInt16
	DTypeUint32
	DTypeInt32
	DTypeFloat16
	DTypeFloat32
	DTypeFloat64
)

// Packet is a CUDA IPC handle packet: {device_index, memory_size, stride,
// dtype_id, event_handle, memory_handle, shape}, with the two handles and
// shape carried as length-prefixed variable fields.
type Packet struct {
	DeviceIndex uint32
	MemorySize  uint32
	Stride      uint32
	DType       DType
	EventHandle []byte
	MemHandle   []byte
	Shape       []uint32
}

// ToBytes serializes p in native byte order: four fixed u32 fields, then
// EventHandle and MemHandle each as a u32 length prefix plus bytes, then
// Shape as a u32 count plus that many u32 dimensions.
func (p Packet) ToBytes() []byte {
	size := 4*4 + 4 + len(p.EventHandle) + 4 + len(p.MemHandle) + 4 + 4*len(p.Shape)
	buf := make([]byte, size)
	off := 0

	nativeEndian.PutUint32(buf[off:], p.DeviceIndex)
	off += 4
	nativeEndian.PutUint32(buf[off:], p.MemorySize)
	off += 4
	nativeEndian.PutUint32(buf[off:], p.Stride)
	off += 4
	nativeEndian.PutUint32(buf[off:], uint32(p.DType))
	off += 4

	off = putBytes(buf, off, p.EventHandle)
	off = putBytes(buf, off, p.MemHandle)

	nativeEndian.PutUint32(buf[off:], uint32(len(p.Shape)))
	off += 4
	for _, dim := range p.Shape {
		nativeEndian.PutUint32(buf[off:], dim)
		off += 4
	}

	return buf
}

func putBytes(buf []byte, off int, data []byte) int {
	nativeEndian.PutUint32(buf[off:], uint32(len(data)))
	off += 4
	copy(buf[off:], data)
	return off + len(data)
}

// FromBytes deserializes a Packet previously produced by ToBytes. Returns
// an error if data is truncated relative to its own length prefixes.
func FromBytes(data []byte) (Packet, error) {
	var p Packet
	off := 0

	readU32 := func(field string) (uint32, error) {
		if off+4 > len(data) {
			return 0, fmt.Errorf("cudaipc: packet truncated reading %s", field)
		}
		v := nativeEndian.Uint32(data[off:])
		off += 4
		return v, nil
	}
	readBytes := func(field string) ([]byte, error) {
		n, err := readU32(field + "_len")
		if err != nil {
			return nil, err
		}
		if off+int(n) > len(data) {
			return nil, fmt.Errorf("cudaipc: packet truncated reading %s (%d bytes)", field, n)
		}
		out := make([]byte, n)
		copy(out, data[off:off+int(n)])
		off += int(n)
		return out, nil
	}

	var err error
	if p.DeviceIndex, err = readU32("device_index"); err != nil {
		return Packet{}, err
	}
	if p.MemorySize, err = readU32("memory_size"); err != nil {
		return Packet{}, err
	}
	if p.Stride, err = readU32("stride"); err != nil {
		return Packet{}, err
	}
	dtype, err := readU32("dtype_id")
	if err != nil {
		return Packet{}, err
	}
	p.DType = DType(dtype)

	if p.EventHandle, err = readBytes("event_handle"); err != nil {
		return Packet{}, err
	}
	if p.MemHandle, err = readBytes("memory_handle"); err != nil {
		return Packet{}, err
	}

	shapeLen, err := readU32("shape_len")
	if err != nil {
		return Packet{}, err
	}
	p.Shape = make([]uint32, shapeLen)
	for i := range p.Shape {
		dim, err := readU32(fmt.Sprintf("shape[%d]", i))
		if err != nil {
			return Packet{}, err
		}
		p.Shape[i] = dim
	}

	return p, nil
}

var nativeEndian = binary.NativeEndian
