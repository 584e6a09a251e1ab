package nvme

import (
	"encoding/binary"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

const testPageSize = 4096

// flatMemory is a single contiguous client memory region.
type flatMemory struct {
	base  uint64
	mem   []byte
	calls int
}

func newFlatMemory(base uint64, size int) *flatMemory {
	return &flatMemory{base: base, mem: make([]byte, size)}
}

func (m *flatMemory) Translate(addr, length uint64, access Access) ([]byte, error) {
	m.calls++
	if addr < m.base || length > uint64(len(m.mem)) || addr-m.base > uint64(len(m.mem))-length {
		return nil, fmt.Errorf("0x%x+0x%x outside [0x%x, 0x%x)", addr, length, m.base, m.base+uint64(len(m.mem)))
	}
	off := addr - m.base
	return m.mem[off : off+length : off+length], nil
}

func (m *flatMemory) putUint64(addr, val uint64) {
	binary.LittleEndian.PutUint64(m.mem[addr-m.base:], val)
}

func (m *flatMemory) putSGL(addr uint64, d SGLDescriptor) {
	d.Encode(m.mem[addr-m.base:])
}

// requireSegment checks that seg is the local view of [addr, addr+length).
func (m *flatMemory) requireSegment(t *testing.T, seg []byte, addr uint64, length int) {
	t.Helper()
	require.Len(t, seg, length)
	require.Same(t, &m.mem[addr-m.base], &seg[0], "segment does not start at 0x%x", addr)
}

func dataBlock(addr uint64, length uint32) SGLDescriptor {
	return SGLDescriptor{Address: addr, Length: length, Type: SGLTypeDataBlock}
}

func segmentDesc(addr uint64, entries int) SGLDescriptor {
	return SGLDescriptor{Address: addr, Length: uint32(entries * SGLDescriptorSize), Type: SGLTypeSegment}
}

func lastSegmentDesc(addr uint64, entries int) SGLDescriptor {
	return SGLDescriptor{Address: addr, Length: uint32(entries * SGLDescriptorSize), Type: SGLTypeLastSegment}
}

func requireVoid(t *testing.T, iovs [][]byte) {
	t.Helper()
	for i, iov := range iovs {
		require.Nil(t, iov, "segment %d left behind after failure", i)
	}
}

func totalLength(iovs [][]byte) int {
	var n int
	for _, iov := range iovs {
		n += len(iov)
	}
	return n
}

var errDenied = errors.New("denied")
