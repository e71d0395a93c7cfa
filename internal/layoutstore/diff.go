package layoutstore

import (
	"fmt"
	"sort"
	"strings"

	"github.com/squadsync/extension/internal/layout"
)

// Move is a field whose offset changed between snapshots.
type Move struct {
	Ref  string
	From uint32
	To   uint32
}

// Delta is the difference between two snapshots.
type Delta struct {
	Added    []string
	Removed  []string
	Moved    []Move
	Enabled  []string
	Disabled []string
}

// Empty reports whether the snapshots describe the same layout.
func (d Delta) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Moved) == 0 &&
		len(d.Enabled) == 0 && len(d.Disabled) == 0
}

func (d Delta) String() string {
	if d.Empty() {
		return "no layout changes\n"
	}
	var b strings.Builder
	for _, ref := range d.Added {
		fmt.Fprintf(&b, "+ %s\n", ref)
	}
	for _, ref := range d.Removed {
		fmt.Fprintf(&b, "- %s\n", ref)
	}
	for _, mv := range d.Moved {
		fmt.Fprintf(&b, "~ %s 0x%X -> 0x%X\n", mv.Ref, mv.From, mv.To)
	}
	for _, f := range d.Enabled {
		fmt.Fprintf(&b, "feature %s enabled\n", f)
	}
	for _, f := range d.Disabled {
		fmt.Fprintf(&b, "feature %s disabled\n", f)
	}
	return b.String()
}

// Diff compares from with to. Strides are compared as "<container>.stride"
// fields.
func Diff(from, to *Snapshot) Delta {
	a, b := offsets(from), offsets(to)

	var d Delta
	for _, ref := range sortedKeys(b) {
		old, ok := a[ref]
		switch {
		case !ok:
			d.Added = append(d.Added, ref)
		case old != b[ref]:
			d.Moved = append(d.Moved, Move{Ref: ref, From: old, To: b[ref]})
		}
	}
	for _, ref := range sortedKeys(a) {
		if _, ok := b[ref]; !ok {
			d.Removed = append(d.Removed, ref)
		}
	}

	fa, fb := from.Features.Data(), to.Features.Data()
	names := make(map[string]bool)
	for k := range fa {
		names[k] = true
	}
	for k := range fb {
		names[k] = true
	}
	for _, name := range sortedKeys(names) {
		switch {
		case !fa[name] && fb[name]:
			d.Enabled = append(d.Enabled, name)
		case fa[name] && !fb[name]:
			d.Disabled = append(d.Disabled, name)
		}
	}
	return d
}

func offsets(s *Snapshot) map[string]uint32 {
	out := make(map[string]uint32)
	for ref, off := range s.Fields.Data() {
		out[ref] = off
	}
	for container, stride := range s.Strides.Data() {
		out[container+"."+layout.PartStride] = stride
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
