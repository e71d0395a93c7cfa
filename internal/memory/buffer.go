package memory

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Buffer is a contiguous little-endian arena standing in for host memory.
// Addresses start at base; Alloc hands out pointer-aligned blocks.
type Buffer struct {
	base uintptr
	data []byte
	next uintptr
}

// NewBuffer creates an arena of size bytes mapped at base.
func NewBuffer(base uintptr, size int) *Buffer {
	return &Buffer{base: base, data: make([]byte, size), next: base}
}

// Alloc reserves size zeroed bytes and returns their address.
func (b *Buffer) Alloc(size int) uintptr {
	addr := b.next
	if _, err := b.span(addr, size); err != nil {
		panic(fmt.Sprintf("memory.Buffer: out of space allocating %d bytes", size))
	}
	b.next += uintptr((size + 7) &^ 7)
	return addr
}

func (b *Buffer) span(addr uintptr, n int) ([]byte, error) {
	if addr < b.base || addr-b.base+uintptr(n) > uintptr(len(b.data)) || addr+uintptr(n) < addr {
		return nil, fmt.Errorf("%w: 0x%X+%d outside arena", ErrFault, addr, n)
	}
	start := addr - b.base
	return b.data[start : start+uintptr(n)], nil
}

// ReadAt implements hostapi.Memory.
func (b *Buffer) ReadAt(addr uintptr, buf []byte) error {
	src, err := b.span(addr, len(buf))
	if err != nil {
		return err
	}
	copy(buf, src)
	return nil
}

// WriteAt implements hostapi.Memory.
func (b *Buffer) WriteAt(addr uintptr, buf []byte) error {
	dst, err := b.span(addr, len(buf))
	if err != nil {
		return err
	}
	copy(dst, buf)
	return nil
}

// PutInt32 stores v at addr. It panics outside the arena.
func (b *Buffer) PutInt32(addr uintptr, v int32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(v))
	b.mustWrite(addr, buf[:])
}

// PutFloat stores the bit pattern of v at addr.
func (b *Buffer) PutFloat(addr uintptr, v float32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], math.Float32bits(v))
	b.mustWrite(addr, buf[:])
}

// PutPointer stores a 64-bit pointer at addr.
func (b *Buffer) PutPointer(addr, v uintptr) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(v))
	b.mustWrite(addr, buf[:])
}

// PutBool stores v as one byte at addr.
func (b *Buffer) PutBool(addr uintptr, v bool) {
	var c byte
	if v {
		c = 1
	}
	b.mustWrite(addr, []byte{c})
}

// Float reads back a float at addr.
func (b *Buffer) Float(addr uintptr) float32 {
	var buf [4]byte
	if err := b.ReadAt(addr, buf[:]); err != nil {
		panic(err)
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(buf[:]))
}

func (b *Buffer) mustWrite(addr uintptr, buf []byte) {
	if err := b.WriteAt(addr, buf); err != nil {
		panic(err)
	}
}
