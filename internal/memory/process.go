package memory

import (
	"fmt"
	"runtime/debug"
	"unsafe"
)

// ProcessMemory reads and writes the memory of the current process. It is the
// hostapi.Memory used when running inside the host. Faults on unmapped
// addresses are recovered and returned as ErrFault.
type ProcessMemory struct{}

// ReadAt implements hostapi.Memory.
func (ProcessMemory) ReadAt(addr uintptr, buf []byte) (err error) {
	if addr < MinAddress {
		return fmt.Errorf("%w: 0x%X", ErrNullAddress, addr)
	}
	defer debug.SetPanicOnFault(debug.SetPanicOnFault(true))
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: read 0x%X: %v", ErrFault, addr, r)
		}
	}()
	copy(buf, unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(buf)))
	return nil
}

// WriteAt implements hostapi.Memory.
func (ProcessMemory) WriteAt(addr uintptr, buf []byte) (err error) {
	if addr < MinAddress {
		return fmt.Errorf("%w: 0x%X", ErrNullAddress, addr)
	}
	defer debug.SetPanicOnFault(debug.SetPanicOnFault(true))
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: write 0x%X: %v", ErrFault, addr, r)
		}
	}()
	copy(unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(buf)), buf)
	return nil
}
