package layout

import (
	"fmt"
	"sort"
	"strings"

	"github.com/squadsync/extension/pkg/hostapi"
)

// Table is the immutable result of one resolution pass. All memory access
// in the coordination features goes through its handles.
type Table struct {
	manifest *Manifest
	fields   map[string]FieldHandle
	classes  map[string]hostapi.ClassHandle
	strides  map[string]uint32
	bases    map[string]uint32
	failures []Failure
	features Features
}

func newTable(m *Manifest) *Table {
	return &Table{
		manifest: m,
		fields:   make(map[string]FieldHandle),
		classes:  make(map[string]hostapi.ClassHandle),
		strides:  make(map[string]uint32),
		bases:    make(map[string]uint32),
	}
}

// Field returns the handle for a "class.field" or "container.part" ref. An
// unknown or failed ref yields an unresolved handle.
func (t *Table) Field(ref string) FieldHandle {
	if h, ok := t.fields[ref]; ok {
		return h
	}
	class, field, _ := strings.Cut(ref, ".")
	return FieldHandle{Class: class, Field: field}
}

// Offset is shorthand for Field(ref).Offset.
func (t *Table) Offset(ref string) uint32 {
	return t.Field(ref).Offset
}

// Class returns the resolved host class for a logical class key.
func (t *Table) Class(key string) (hostapi.ClassHandle, bool) {
	c, ok := t.classes[key]
	return c, ok
}

// Stride returns the entry stride of a map container, 0 if unresolved.
func (t *Table) Stride(container string) uint32 {
	return t.strides[container]
}

// EntryBase returns the amount to subtract from a map container's entry
// field offsets to address them inside the entries array.
func (t *Table) EntryBase(container string) uint32 {
	return t.bases[container]
}

// Resolved reports whether ref resolved: a class key, a field or
// container-part ref, or "container.stride".
func (t *Table) Resolved(ref string) bool {
	head, part, ok := strings.Cut(ref, ".")
	if !ok {
		_, ok = t.classes[head]
		return ok
	}
	if part == PartStride {
		return t.strides[head] != 0
	}
	return t.fields[ref].Resolved()
}

// Features returns the feature availability computed at resolution time.
func (t *Table) Features() Features {
	out := make(Features, len(t.features))
	for k, v := range t.features {
		out[k] = v
	}
	return out
}

// Failures returns every ref that did not resolve.
func (t *Table) Failures() []Failure {
	return append([]Failure(nil), t.failures...)
}

// Runtime returns the runtime object model the table was resolved for.
func (t *Table) Runtime() Runtime {
	return t.manifest.Runtime
}

// Goals returns the host's goal codes.
func (t *Table) Goals() GoalCodes {
	return t.manifest.GoalCodes
}

// Version returns the manifest version.
func (t *Table) Version() int {
	return t.manifest.Version
}

// Refs returns every resolved field ref, sorted.
func (t *Table) Refs() []string {
	refs := make([]string, 0, len(t.fields))
	for ref, h := range t.fields {
		if h.Resolved() {
			refs = append(refs, ref)
		}
	}
	sort.Strings(refs)
	return refs
}

// Strides returns a copy of the resolved container strides.
func (t *Table) Strides() map[string]uint32 {
	out := make(map[string]uint32, len(t.strides))
	for k, v := range t.strides {
		out[k] = v
	}
	return out
}

// Summary renders the table for logs and the CLI.
func (t *Table) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "manifest v%d: %d fields, %d failures\n", t.Version(), len(t.Refs()), len(t.failures))
	for _, ref := range t.Refs() {
		fmt.Fprintf(&b, "  %-28s %s\n", ref, t.fields[ref])
	}
	for _, key := range sortedKeys(t.strides) {
		fmt.Fprintf(&b, "  %-28s %d\n", key+"."+PartStride, t.strides[key])
	}
	for _, f := range t.failures {
		fmt.Fprintf(&b, "  FAILED %s\n", f.Error())
	}
	for _, feature := range AllFeatures {
		fmt.Fprintf(&b, "  feature %-20s %v\n", feature, t.features[feature])
	}
	return b.String()
}

func (t *Table) fail(ref string, err error) {
	t.failures = append(t.failures, Failure{Ref: ref, Err: err})
}
