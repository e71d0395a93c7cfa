// Package collections walks the host's generic list and dictionary internals
// through resolved offsets. Every walk is bounded by the logical count, a hard
// cap and the backing array's own reported length, whichever is smallest.
package collections

import (
	"fmt"

	"github.com/squadsync/extension/internal/layout"
	"github.com/squadsync/extension/internal/memory"
)

// Hard iteration caps.
const (
	PendingActionCap = 20
	OpponentCap      = 100
	TileScoreCap     = 200
)

// Bound returns how many slots a walk may visit.
func Bound(count int32, hardCap int, maxLength uint64) int {
	n := max(int(count), 0)
	n = min(n, max(hardCap, 0))
	if maxLength < uint64(n) {
		n = int(maxLength)
	}
	return n
}

// EntryLive reports whether a dictionary slot holds an entry. The host's
// dictionary marks free and removed slots with a negative hash code.
func EntryLive(hashCode int32) bool {
	return hashCode >= 0
}

type array struct {
	addr   uintptr
	length uint64
}

func readArray(acc *memory.Accessor, rt layout.Runtime, owner uintptr, h layout.FieldHandle) (array, error) {
	addr, err := acc.ReadPointer(owner, h.Offset)
	if err != nil {
		return array{}, err
	}
	if addr < memory.MinAddress {
		return array{}, fmt.Errorf("backing array %w", memory.ErrNullAddress)
	}
	length, err := acc.ReadPointer(addr, rt.ArrayMaxLength)
	if err != nil {
		return array{}, err
	}
	return array{addr: addr, length: uint64(length)}, nil
}

// ListView reads List<T> instances of one container.
type ListView struct {
	acc   *memory.Accessor
	rt    layout.Runtime
	items layout.FieldHandle
	size  layout.FieldHandle
	cap   int
}

// NewListView builds a view over the list container named in the table.
func NewListView(acc *memory.Accessor, table *layout.Table, container string, hardCap int) ListView {
	return ListView{
		acc:   acc,
		rt:    table.Runtime(),
		items: table.Field(container + "." + layout.PartItems),
		size:  table.Field(container + "." + layout.PartSize),
		cap:   hardCap,
	}
}

// Each calls fn for every non-null element of list until fn returns false.
// It returns the number of slots visited.
func (v ListView) Each(list uintptr, fn func(elem uintptr) bool) (int, error) {
	if !v.items.Resolved() || !v.size.Resolved() {
		return 0, memory.ErrUnresolvedOffset
	}
	count, err := v.acc.Int32(list, v.size)
	if err != nil {
		return 0, err
	}
	if count <= 0 {
		return 0, nil
	}
	arr, err := readArray(v.acc, v.rt, list, v.items)
	if err != nil {
		return 0, err
	}

	n := Bound(count, v.cap, arr.length)
	ptr := v.rt.PointerSize
	for i := 0; i < n; i++ {
		elem, err := v.acc.ReadPointer(arr.addr, v.rt.ArrayHeader+uint32(i)*ptr)
		if err != nil {
			return i, err
		}
		if elem < memory.MinAddress {
			continue
		}
		if !fn(elem) {
			return i + 1, nil
		}
	}
	return n, nil
}

// Entry is one live dictionary slot.
type Entry struct {
	Key   uintptr
	Value uintptr
}

// MapView reads Dictionary<TKey,TValue> instances of one container.
type MapView struct {
	acc      *memory.Accessor
	rt       layout.Runtime
	entries  layout.FieldHandle
	count    layout.FieldHandle
	hashCode layout.FieldHandle
	key      layout.FieldHandle
	value    layout.FieldHandle
	stride   uint32
	base     uint32
	cap      int
}

// NewMapView builds a view over the map container named in the table.
func NewMapView(acc *memory.Accessor, table *layout.Table, container string, hardCap int) MapView {
	part := func(p string) layout.FieldHandle { return table.Field(container + "." + p) }
	return MapView{
		acc:      acc,
		rt:       table.Runtime(),
		entries:  part(layout.PartEntries),
		count:    part(layout.PartCount),
		hashCode: part(layout.PartHashCode),
		key:      part(layout.PartKey),
		value:    part(layout.PartValue),
		stride:   table.Stride(container),
		base:     table.EntryBase(container),
		cap:      hardCap,
	}
}

func (v MapView) ready() bool {
	return v.stride != 0 && v.entries.Resolved() && v.count.Resolved() &&
		v.hashCode.Resolved() && v.key.Resolved() && v.value.Resolved()
}

// Each calls fn for every live entry of dict until fn returns false. It
// returns the number of slots visited, live or not.
func (v MapView) Each(dict uintptr, fn func(Entry) bool) (int, error) {
	if !v.ready() {
		return 0, memory.ErrUnresolvedOffset
	}
	count, err := v.acc.Int32(dict, v.count)
	if err != nil {
		return 0, err
	}
	if count <= 0 {
		return 0, nil
	}
	arr, err := readArray(v.acc, v.rt, dict, v.entries)
	if err != nil {
		return 0, err
	}

	n := Bound(count, v.cap, arr.length)
	for i := 0; i < n; i++ {
		slot := v.rt.ArrayHeader + uint32(i)*v.stride - v.base
		hash, err := v.acc.ReadInt32(arr.addr, slot+v.hashCode.Offset)
		if err != nil {
			return i, err
		}
		if !EntryLive(hash) {
			continue
		}
		key, err := v.acc.ReadPointer(arr.addr, slot+v.key.Offset)
		if err != nil {
			return i, err
		}
		value, err := v.acc.ReadPointer(arr.addr, slot+v.value.Offset)
		if err != nil {
			return i, err
		}
		if !fn(Entry{Key: key, Value: value}) {
			return i + 1, nil
		}
	}
	return n, nil
}
