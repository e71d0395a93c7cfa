// Package memory provides checked, typed access to host objects through
// offsets from the layout table.
package memory

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/squadsync/extension/internal/layout"
	"github.com/squadsync/extension/pkg/hostapi"
)

var (
	ErrNullAddress      = errors.New("null or low address")
	ErrUnresolvedOffset = errors.New("unresolved offset")
	ErrAddressOverflow  = errors.New("address overflow")
	ErrTypeMismatch     = errors.New("object type mismatch")
	ErrFault            = errors.New("memory fault")
)

// MinAddress is the lowest address treated as a valid object. Anything below
// it is a null pointer or a small integer misread as one.
const MinAddress uintptr = 0x10000

// Accessor reads and writes host memory at base+offset after validating both.
type Accessor struct {
	mem     hostapi.Memory
	in      hostapi.Introspector
	objects hostapi.ObjectInspector
}

// NewAccessor creates an accessor. in may be nil; when it also implements
// hostapi.ObjectInspector, Verify checks object classes.
func NewAccessor(mem hostapi.Memory, in hostapi.Introspector) *Accessor {
	a := &Accessor{mem: mem, in: in}
	if objects, ok := in.(hostapi.ObjectInspector); ok {
		a.objects = objects
	}
	return a
}

func (a *Accessor) address(base uintptr, offset uint32, size int) (uintptr, error) {
	if base < MinAddress {
		return 0, fmt.Errorf("%w: 0x%X", ErrNullAddress, base)
	}
	if offset == 0 {
		return 0, ErrUnresolvedOffset
	}
	addr := base + uintptr(offset)
	if addr < base || addr+uintptr(size) < addr {
		return 0, fmt.Errorf("%w: 0x%X+0x%X", ErrAddressOverflow, base, offset)
	}
	return addr, nil
}

func (a *Accessor) read(base uintptr, offset uint32, buf []byte) error {
	addr, err := a.address(base, offset, len(buf))
	if err != nil {
		return err
	}
	if err := a.mem.ReadAt(addr, buf); err != nil {
		return fmt.Errorf("reading 0x%X: %w", addr, err)
	}
	return nil
}

func (a *Accessor) write(base uintptr, offset uint32, buf []byte) error {
	addr, err := a.address(base, offset, len(buf))
	if err != nil {
		return err
	}
	if err := a.mem.WriteAt(addr, buf); err != nil {
		return fmt.Errorf("writing 0x%X: %w", addr, err)
	}
	return nil
}

// ReadInt32 reads a little-endian int32.
func (a *Accessor) ReadInt32(base uintptr, offset uint32) (int32, error) {
	var buf [4]byte
	if err := a.read(base, offset, buf[:]); err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(buf[:])), nil
}

// ReadFloat reinterprets 32 bits as a float32.
func (a *Accessor) ReadFloat(base uintptr, offset uint32) (float32, error) {
	var buf [4]byte
	if err := a.read(base, offset, buf[:]); err != nil {
		return 0, err
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(buf[:])), nil
}

// ReadPointer reads a 64-bit pointer. A null result is not an error here;
// callers check it before following.
func (a *Accessor) ReadPointer(base uintptr, offset uint32) (uintptr, error) {
	var buf [8]byte
	if err := a.read(base, offset, buf[:]); err != nil {
		return 0, err
	}
	return uintptr(binary.LittleEndian.Uint64(buf[:])), nil
}

// ReadBool reads a one-byte boolean.
func (a *Accessor) ReadBool(base uintptr, offset uint32) (bool, error) {
	var buf [1]byte
	if err := a.read(base, offset, buf[:]); err != nil {
		return false, err
	}
	return buf[0] != 0, nil
}

// WriteInt32 writes a little-endian int32.
func (a *Accessor) WriteInt32(base uintptr, offset uint32, v int32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(v))
	return a.write(base, offset, buf[:])
}

// WriteFloat writes the bit pattern of v.
func (a *Accessor) WriteFloat(base uintptr, offset uint32, v float32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], math.Float32bits(v))
	return a.write(base, offset, buf[:])
}

// Classifies reports whether Verify checks object classes. When it does not,
// Verify only rejects null addresses.
func (a *Accessor) Classifies() bool {
	return a.objects != nil && a.in != nil
}

// Verify checks that addr holds an instance of class or a subclass. Hosts
// that cannot classify live objects pass every non-null address.
func (a *Accessor) Verify(addr uintptr, class hostapi.ClassHandle) error {
	if addr < MinAddress {
		return fmt.Errorf("%w: 0x%X", ErrNullAddress, addr)
	}
	if a.objects == nil || a.in == nil || class == 0 {
		return nil
	}
	actual, ok := a.objects.ObjectClass(addr)
	if !ok || !hostapi.IsSubclassOf(a.in, actual, class) {
		return fmt.Errorf("%w: 0x%X", ErrTypeMismatch, addr)
	}
	return nil
}

func checkKind(h layout.FieldHandle, want layout.Kind) error {
	if h.Kind != want {
		return fmt.Errorf("%w: %s is %s, not %s", ErrTypeMismatch, h.Field, h.Kind, want)
	}
	return nil
}

// Int32 reads the int32 field h of the object at base.
func (a *Accessor) Int32(base uintptr, h layout.FieldHandle) (int32, error) {
	if err := checkKind(h, layout.KindInt32); err != nil {
		return 0, err
	}
	return a.ReadInt32(base, h.Offset)
}

// Float reads the float field h of the object at base.
func (a *Accessor) Float(base uintptr, h layout.FieldHandle) (float32, error) {
	if err := checkKind(h, layout.KindFloat32); err != nil {
		return 0, err
	}
	return a.ReadFloat(base, h.Offset)
}

// Bool reads the bool field h of the object at base.
func (a *Accessor) Bool(base uintptr, h layout.FieldHandle) (bool, error) {
	if err := checkKind(h, layout.KindBool); err != nil {
		return false, err
	}
	return a.ReadBool(base, h.Offset)
}

// SetFloat writes the float field h of the object at base.
func (a *Accessor) SetFloat(base uintptr, h layout.FieldHandle, v float32) error {
	if err := checkKind(h, layout.KindFloat32); err != nil {
		return err
	}
	return a.WriteFloat(base, h.Offset, v)
}

// Follow reads the pointer field h of base and returns the referenced object
// once it is non-null and, when class is nonzero, an instance of class.
func (a *Accessor) Follow(base uintptr, h layout.FieldHandle, class hostapi.ClassHandle) (uintptr, error) {
	if err := checkKind(h, layout.KindPointer); err != nil {
		return 0, err
	}
	ptr, err := a.ReadPointer(base, h.Offset)
	if err != nil {
		return 0, err
	}
	if err := a.Verify(ptr, class); err != nil {
		return 0, fmt.Errorf("following %s: %w", h.Field, err)
	}
	return ptr, nil
}
