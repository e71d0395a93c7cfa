// Package layout resolves the host's memory layout once per process and
// exposes it as a table of typed field handles and feature gates.
package layout

import (
	"errors"
	"fmt"

	"github.com/squadsync/extension/pkg/hostapi"
)

var (
	// ErrResolution means a class or field was not found under any naming convention.
	ErrResolution = errors.New("layout resolution failed")
	// ErrLayoutAssumption means a computed size or stride is implausibly small.
	ErrLayoutAssumption = errors.New("layout assumption violated")
	// ErrUnknownRef means a ref is not declared in the manifest.
	ErrUnknownRef = errors.New("unknown layout ref")
)

// FieldHandle is a resolved field. Offset 0 means unresolved: offset 0 of a
// host object is always its class pointer.
type FieldHandle struct {
	Class  string
	Field  string
	Offset uint32
	Kind   Kind

	owner hostapi.ClassHandle
}

// Resolved reports whether the handle carries a usable offset.
func (h FieldHandle) Resolved() bool {
	return h.Offset != 0
}

func (h FieldHandle) String() string {
	if !h.Resolved() {
		return fmt.Sprintf("%s.%s <unresolved>", h.Class, h.Field)
	}
	return fmt.Sprintf("%s.%s @0x%X (%s)", h.Class, h.Field, h.Offset, h.Kind)
}

// Failure records why a ref did not resolve.
type Failure struct {
	Ref string
	Err error
}

func (f Failure) Error() string {
	return f.Ref + ": " + f.Err.Error()
}

func (f Failure) Unwrap() error {
	return f.Err
}
