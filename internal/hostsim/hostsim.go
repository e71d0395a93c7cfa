// Package hostsim stands up a simulated host for tests and offline checks:
// class metadata parsed from a dump and a memory arena holding objects laid
// out the way the resolved table says the live host lays them out.
package hostsim

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/squadsync/extension/internal/dump"
	"github.com/squadsync/extension/internal/layout"
	"github.com/squadsync/extension/internal/memory"
)

//go:embed dump.cs
var Source string

const (
	arenaBase uintptr = 0x10000000
	arenaSize         = 1 << 20
)

// Host is a simulated host process.
type Host struct {
	Meta  *dump.Metadata
	Mem   *memory.Buffer
	Table *layout.Table
	Acc   *memory.Accessor
}

// Process combines the metadata and the arena into one value satisfying
// both hostapi.Introspector and hostapi.Memory, the way a live host does.
type Process struct {
	*dump.Metadata
	*memory.Buffer
}

// Process returns the host as a single introspection and memory provider.
func (h *Host) Process() Process {
	return Process{Metadata: h.Meta, Buffer: h.Mem}
}

// Option configures New.
type Option func(*options)

type options struct {
	source string
}

// WithSource replaces the embedded dump.
func WithSource(src string) Option {
	return func(o *options) { o.source = src }
}

// New parses the dump, resolves the embedded manifest against it and maps an
// empty arena.
func New(opts ...Option) (*Host, error) {
	o := options{source: Source}
	for _, opt := range opts {
		opt(&o)
	}
	meta, err := dump.Parse(strings.NewReader(o.source))
	if err != nil {
		return nil, err
	}
	mem := memory.NewBuffer(arenaBase, arenaSize)
	return &Host{
		Meta:  meta,
		Mem:   mem,
		Table: layout.NewResolver(meta, nil, nil).Resolve(),
		Acc:   memory.NewAccessor(mem, meta),
	}, nil
}

// MustNew is New for tests; it panics on error.
func MustNew(opts ...Option) *Host {
	h, err := New(opts...)
	if err != nil {
		panic(err)
	}
	return h
}

func (h *Host) at(obj uintptr, ref string) uintptr {
	off := h.Table.Offset(ref)
	if off == 0 {
		panic(fmt.Sprintf("hostsim: %s is unresolved", ref))
	}
	return obj + uintptr(off)
}

// Object allocates and binds an instance of the manifest class key.
func (h *Host) Object(key string) uintptr {
	class, ok := h.Table.Class(key)
	if !ok {
		panic(fmt.Sprintf("hostsim: class %s is unresolved", key))
	}
	size, ok := h.Meta.InstanceSize(class)
	if !ok {
		panic(fmt.Sprintf("hostsim: no size for %s", key))
	}
	addr := h.Mem.Alloc(int(size))
	h.Meta.Bind(addr, class)
	return addr
}

// Tile allocates a tile at (x, z).
func (h *Host) Tile(x, z int32) uintptr {
	t := h.Object("tile")
	h.Mem.PutInt32(h.at(t, "tile.x"), x)
	h.Mem.PutInt32(h.at(t, "tile.z"), z)
	return t
}

// TileScore allocates a tile score with the given utility.
func (h *Host) TileScore(utility float32) uintptr {
	s := h.Object("tileScore")
	h.Mem.PutFloat(h.at(s, "tileScore.utility"), utility)
	return s
}

// Utility reads back a tile score's utility.
func (h *Host) Utility(score uintptr) float32 {
	return h.Mem.Float(h.at(score, "tileScore.utility"))
}

// Role is an agent's role weights.
type Role struct {
	Mobility, Damage, Suppression, Safety float32
}

// RoleData allocates role data.
func (h *Host) RoleData(r Role) uintptr {
	d := h.Object("roleData")
	h.Mem.PutFloat(h.at(d, "roleData.mobility"), r.Mobility)
	h.Mem.PutFloat(h.at(d, "roleData.damageWeight"), r.Damage)
	h.Mem.PutFloat(h.at(d, "roleData.suppressionWeight"), r.Suppression)
	h.Mem.PutFloat(h.at(d, "roleData.safetyWeight"), r.Safety)
	return d
}

// Actor allocates an actor standing on tile.
func (h *Host) Actor(tile uintptr, faction int32) uintptr {
	a := h.Object("actor")
	h.Mem.PutPointer(h.at(a, "actor.tile"), tile)
	h.Mem.PutInt32(h.at(a, "actor.factionIndex"), faction)
	return a
}

// Behavior allocates a plain behavior.
func (h *Host) Behavior(goal int32, target uintptr) uintptr {
	return h.behavior("behavior", goal, target)
}

// Attack allocates an attack behavior against target.
func (h *Host) Attack(goal int32, target uintptr) uintptr {
	return h.behavior("attack", goal, target)
}

func (h *Host) behavior(key string, goal int32, target uintptr) uintptr {
	b := h.Object(key)
	h.Mem.PutInt32(h.at(b, "behavior.goal"), goal)
	h.Mem.PutPointer(h.at(b, "behavior.targetTile"), target)
	return b
}

// Opponent allocates an opponent entry for actor.
func (h *Host) Opponent(actor uintptr, visible bool) uintptr {
	o := h.Object("opponent")
	h.Mem.PutPointer(h.at(o, "opponent.actor"), actor)
	h.Mem.PutBool(h.at(o, "opponent.visible"), visible)
	return o
}

// Faction allocates a faction with its opponent list.
func (h *Host) Faction(index int32, opponents ...uintptr) uintptr {
	f := h.Object("faction")
	h.Mem.PutInt32(h.at(f, "faction.index"), index)
	h.Mem.PutPointer(h.at(f, "faction.opponents"), h.List("opponentList", opponents...))
	return f
}

// AgentSpec describes an agent to allocate.
type AgentSpec struct {
	Faction   uintptr
	Actor     uintptr
	Role      uintptr
	Active    uintptr
	Behaviors []uintptr
	Tiles     []Slot
}

// Agent allocates an agent.
func (h *Host) Agent(s AgentSpec) uintptr {
	a := h.Object("agent")
	h.Mem.PutPointer(h.at(a, "agent.faction"), s.Faction)
	h.Mem.PutPointer(h.at(a, "agent.actor"), s.Actor)
	h.Mem.PutPointer(h.at(a, "agent.roleData"), s.Role)
	h.Mem.PutPointer(h.at(a, "agent.activeBehavior"), s.Active)
	h.Mem.PutPointer(h.at(a, "agent.behaviors"), h.List("behaviorList", s.Behaviors...))
	h.Mem.PutPointer(h.at(a, "agent.tiles"), h.Map("tileScores", s.Tiles...))
	return a
}

// List allocates a list of the named container holding elems.
func (h *Host) List(container string, elems ...uintptr) uintptr {
	return h.ListWith(container, int32(len(elems)), uint64(len(elems)), elems...)
}

// ListWith allocates a list whose count and array length are set
// independently of the stored elements.
func (h *Host) ListWith(container string, count int32, maxLength uint64, elems ...uintptr) uintptr {
	rt := h.Table.Runtime()
	arr := h.array(maxLength, max(len(elems), int(min(maxLength, 1024))), rt.PointerSize)
	for i, e := range elems {
		h.Mem.PutPointer(arr+uintptr(rt.ArrayHeader)+uintptr(i)*uintptr(rt.PointerSize), e)
	}
	list := h.Mem.Alloc(int(h.Table.Offset(container+"."+layout.PartSize)) + 8)
	h.Mem.PutPointer(h.at(list, container+"."+layout.PartItems), arr)
	h.Mem.PutInt32(h.at(list, container+"."+layout.PartSize), count)
	return list
}

// Slot is one dictionary entry. A negative Hash marks a free slot.
type Slot struct {
	Hash  int32
	Key   uintptr
	Value uintptr
}

// Map allocates a dictionary of the named container holding slots.
func (h *Host) Map(container string, slots ...Slot) uintptr {
	return h.MapWith(container, int32(len(slots)), uint64(len(slots)), slots...)
}

// MapWith allocates a dictionary whose count and entry array length are set
// independently of the stored slots.
func (h *Host) MapWith(container string, count int32, maxLength uint64, slots ...Slot) uintptr {
	rt := h.Table.Runtime()
	stride := h.Table.Stride(container)
	base := h.Table.EntryBase(container)
	if stride == 0 {
		panic(fmt.Sprintf("hostsim: %s has no stride", container))
	}
	arr := h.array(maxLength, max(len(slots), int(min(maxLength, 256))), stride)
	for i, s := range slots {
		entry := arr + uintptr(rt.ArrayHeader) + uintptr(i)*uintptr(stride) - uintptr(base)
		h.Mem.PutInt32(entry+uintptr(h.Table.Offset(container+"."+layout.PartHashCode)), s.Hash)
		h.Mem.PutPointer(entry+uintptr(h.Table.Offset(container+"."+layout.PartKey)), s.Key)
		h.Mem.PutPointer(entry+uintptr(h.Table.Offset(container+"."+layout.PartValue)), s.Value)
	}
	dict := h.Mem.Alloc(int(h.Table.Offset(container+"."+layout.PartCount)) + 8)
	h.Mem.PutPointer(h.at(dict, container+"."+layout.PartEntries), arr)
	h.Mem.PutInt32(h.at(dict, container+"."+layout.PartCount), count)
	return dict
}

func (h *Host) array(maxLength uint64, slots int, elemSize uint32) uintptr {
	rt := h.Table.Runtime()
	arr := h.Mem.Alloc(int(rt.ArrayHeader) + slots*int(elemSize))
	h.Mem.PutPointer(arr+uintptr(rt.ArrayMaxLength), uintptr(maxLength))
	return arr
}
