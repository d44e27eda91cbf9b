package cudaipc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacket_RoundTrip(t *testing.T) {
	p := Packet{
		DeviceIndex: 2,
		MemorySize:  100,
		Stride:      4,
		DType:       DTypeUint8,
		EventHandle: []byte("ABCD"),
		MemHandle:   []byte("abcdefg"),
		Shape:       []uint32{10, 11, 12},
	}

	got, err := FromBytes(p.ToBytes())
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestPacket_RoundTripEmptyShape(t *testing.T) {
	p := Packet{
		DeviceIndex: 0,
		MemorySize:  0,
		Stride:      0,
		DType:       DTypeFloat32,
		EventHandle: []byte{},
		MemHandle:   []byte{},
		Shape:       []uint32{},
	}

	got, err := FromBytes(p.ToBytes())
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestPacket_FromBytesRejectsTruncatedData(t *testing.T) {
	p := Packet{
		DeviceIndex: 1,
		EventHandle: []byte("handle"),
		MemHandle:   []byte("mem"),
		Shape:       []uint32{4, 4},
	}
	full := p.ToBytes()

	_, err := FromBytes(full[:len(full)-2])
	require.Error(t, err)
}
