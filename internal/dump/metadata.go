package dump

import (
	"fmt"
	"strings"

	"github.com/squadsync/extension/pkg/hostapi"
)

// maxSizeDepth bounds recursion through nested value types.
const maxSizeDepth = 16

var primitiveSizes = map[string]uint32{
	"bool": 1, "Boolean": 1, "byte": 1, "Byte": 1, "sbyte": 1, "SByte": 1,
	"short": 2, "Int16": 2, "ushort": 2, "UInt16": 2, "char": 2, "Char": 2,
	"int": 4, "Int32": 4, "uint": 4, "UInt32": 4, "float": 4, "Single": 4,
	"long": 8, "Int64": 8, "ulong": 8, "UInt64": 8, "double": 8, "Double": 8,
	"IntPtr": 8, "UIntPtr": 8,
}

type field struct {
	name   string
	typ    string
	offset uint32
	static bool
}

type class struct {
	handle     hostapi.ClassHandle
	assembly   string
	namespace  string
	name       string
	display    string
	kind       string
	baseName   string
	typeParams []string
	fields     []field
	parent     hostapi.ClassHandle

	// set on closed generic instantiations
	definition hostapi.ClassHandle
	typeArgs   []hostapi.ClassHandle

	// set on synthesized array and primitive classes
	element       hostapi.ClassHandle
	primitiveSize uint32
}

func (c *class) declared() bool {
	return c.definition == 0 && c.element == 0 && c.primitiveSize == 0
}

// Metadata is the parsed dump. It implements hostapi.Introspector and
// hostapi.ObjectInspector; live objects are known only once bound with Bind.
type Metadata struct {
	pointerSize  uint32
	objectHeader uint32

	classes    []*class
	byName     map[string][]hostapi.ClassHandle
	closed     map[string]hostapi.ClassHandle
	arrays     map[hostapi.ClassHandle]hostapi.ClassHandle
	primitives map[string]hostapi.ClassHandle
	objects    map[uintptr]hostapi.ClassHandle
}

var (
	_ hostapi.Introspector    = (*Metadata)(nil)
	_ hostapi.ObjectInspector = (*Metadata)(nil)
)

func newMetadata() *Metadata {
	return &Metadata{
		pointerSize:  8,
		objectHeader: 16,
		byName:       make(map[string][]hostapi.ClassHandle),
		closed:       make(map[string]hostapi.ClassHandle),
		arrays:       make(map[hostapi.ClassHandle]hostapi.ClassHandle),
		primitives:   make(map[string]hostapi.ClassHandle),
		objects:      make(map[uintptr]hostapi.ClassHandle),
	}
}

func (m *Metadata) add(c *class) hostapi.ClassHandle {
	m.classes = append(m.classes, c)
	c.handle = hostapi.ClassHandle(len(m.classes))
	if c.declared() {
		m.byName[c.name] = append(m.byName[c.name], c.handle)
		if i := strings.LastIndex(c.name, "."); i >= 0 {
			short := c.name[i+1:]
			m.byName[short] = append(m.byName[short], c.handle)
		}
	}
	return c.handle
}

func (m *Metadata) get(h hostapi.ClassHandle) *class {
	i := int(h) - 1
	if i < 0 || i >= len(m.classes) {
		return nil
	}
	return m.classes[i]
}

// link resolves base class names once every declaration is known.
func (m *Metadata) link() {
	n := len(m.classes)
	for i := 0; i < n; i++ {
		c := m.classes[i]
		if c.baseName == "" || c.kind != "class" {
			continue
		}
		parent, ok := m.resolveType(c.baseName, c)
		if !ok {
			continue
		}
		if p := m.get(parent); p != nil && p.kind == "class" && parent != c.handle {
			c.parent = parent
		}
	}
}

// Bind records that addr holds an instance of c.
func (m *Metadata) Bind(addr uintptr, c hostapi.ClassHandle) {
	m.objects[addr] = c
}

// Lookup finds a declared class by namespace and name, ignoring assemblies.
func (m *Metadata) Lookup(namespace, name string) (hostapi.ClassHandle, bool) {
	return m.FindClass("", namespace, name)
}

// FindClass implements hostapi.Introspector.
func (m *Metadata) FindClass(assembly, namespace, name string) (hostapi.ClassHandle, bool) {
	for _, h := range m.byName[name] {
		c := m.get(h)
		if c.name != name || c.namespace != namespace {
			continue
		}
		if assembly != "" && c.assembly != "" && c.assembly != assembly {
			continue
		}
		return h, true
	}
	return 0, false
}

// Classes implements hostapi.Introspector.
func (m *Metadata) Classes() []hostapi.ClassHandle {
	out := make([]hostapi.ClassHandle, 0, len(m.classes))
	for _, c := range m.classes {
		if c.declared() {
			out = append(out, c.handle)
		}
	}
	return out
}

// ClassName implements hostapi.Introspector.
func (m *Metadata) ClassName(h hostapi.ClassHandle) (string, string) {
	c := m.get(h)
	if c == nil {
		return "", ""
	}
	if c.declared() {
		return c.namespace, c.name
	}
	return c.namespace, c.display
}

// Parent implements hostapi.Introspector.
func (m *Metadata) Parent(h hostapi.ClassHandle) (hostapi.ClassHandle, bool) {
	c := m.get(h)
	if c == nil {
		return 0, false
	}
	if c.definition != 0 {
		c = m.get(c.definition)
	}
	return c.parent, c.parent != 0
}

// Field implements hostapi.Introspector. Value-type offsets are reported the
// way the runtime reports them, with the object header included. Fields of an
// open generic definition report offset 0.
func (m *Metadata) Field(h hostapi.ClassHandle, name string) (hostapi.FieldInfo, bool) {
	c := m.get(h)
	if c == nil {
		return hostapi.FieldInfo{}, false
	}
	for _, f := range c.fields {
		if f.name != name {
			continue
		}
		info := hostapi.FieldInfo{Name: f.name, TypeName: f.typ, Static: f.static}
		switch {
		case f.static:
		case m.IsGenericDefinition(h):
		case m.IsValueType(h):
			info.Offset = f.offset + m.objectHeader
		default:
			info.Offset = f.offset
		}
		return info, true
	}
	return hostapi.FieldInfo{}, false
}

// FieldClass implements hostapi.Introspector.
func (m *Metadata) FieldClass(h hostapi.ClassHandle, name string) (hostapi.ClassHandle, bool) {
	c := m.get(h)
	if c == nil {
		return 0, false
	}
	for _, f := range c.fields {
		if f.name == name {
			return m.resolveType(f.typ, c)
		}
	}
	return 0, false
}

// ElementClass implements hostapi.Introspector.
func (m *Metadata) ElementClass(h hostapi.ClassHandle) (hostapi.ClassHandle, bool) {
	c := m.get(h)
	if c == nil || c.element == 0 {
		return 0, false
	}
	return c.element, true
}

// InstanceSize implements hostapi.Introspector.
func (m *Metadata) InstanceSize(h hostapi.ClassHandle) (uint32, bool) {
	return m.instanceSize(h, 0)
}

// IsValueType implements hostapi.Introspector.
func (m *Metadata) IsValueType(h hostapi.ClassHandle) bool {
	c := m.get(h)
	if c == nil {
		return false
	}
	return c.kind == "struct" || c.kind == "enum" || c.primitiveSize > 0
}

// IsGenericDefinition implements hostapi.Introspector.
func (m *Metadata) IsGenericDefinition(h hostapi.ClassHandle) bool {
	c := m.get(h)
	return c != nil && len(c.typeParams) > 0 && c.definition == 0
}

// ObjectClass implements hostapi.ObjectInspector.
func (m *Metadata) ObjectClass(addr uintptr) (hostapi.ClassHandle, bool) {
	h, ok := m.objects[addr]
	return h, ok
}

func (m *Metadata) instanceSize(h hostapi.ClassHandle, depth int) (uint32, bool) {
	c := m.get(h)
	if c == nil || depth > maxSizeDepth || c.element != 0 || m.IsGenericDefinition(h) {
		return 0, false
	}
	if c.primitiveSize > 0 {
		return m.objectHeader + c.primitiveSize, true
	}

	end := m.objectHeader
	align := uint32(1)
	if parent, ok := m.Parent(h); ok {
		if size, ok := m.instanceSize(parent, depth+1); ok {
			end = size
			align = m.pointerSize
		}
	}
	valueType := m.IsValueType(h)
	for _, f := range c.fields {
		if f.static {
			continue
		}
		size := m.fieldSize(f.typ, c, depth)
		offset := f.offset
		if valueType {
			offset += m.objectHeader
		}
		end = max(end, offset+size)
		align = max(align, min(size, m.pointerSize))
	}
	if rem := end % align; rem != 0 {
		end += align - rem
	}
	return end, true
}

func (m *Metadata) fieldSize(typ string, ctx *class, depth int) uint32 {
	if h, ok := m.resolveType(typ, ctx); ok && m.IsValueType(h) {
		if size, ok := m.instanceSize(h, depth+1); ok && size > m.objectHeader {
			return size - m.objectHeader
		}
	}
	if size, ok := primitiveSizes[strings.TrimSpace(typ)]; ok {
		return size
	}
	return m.pointerSize
}

// resolveType maps a declared type name, seen from ctx, to a class. Generic
// arguments bound on ctx are substituted and closed instantiations are created
// on demand.
func (m *Metadata) resolveType(typ string, ctx *class) (hostapi.ClassHandle, bool) {
	typ = strings.TrimSpace(typ)
	if inner, ok := strings.CutSuffix(typ, "[]"); ok {
		elem, ok := m.resolveType(inner, ctx)
		if !ok {
			return 0, false
		}
		return m.arrayOf(elem), true
	}

	name, args := splitGeneric(typ)
	if len(args) == 0 {
		if ctx != nil {
			for i, param := range ctx.typeParams {
				if param == name && i < len(ctx.typeArgs) {
					return ctx.typeArgs[i], true
				}
			}
		}
		if size, ok := primitiveSizes[name]; ok {
			return m.primitive(name, size), true
		}
		return m.lookupShort(name, ctx)
	}

	def, ok := m.lookupShort(genericKey(name, len(args)), ctx)
	if !ok {
		return 0, false
	}
	resolved := make([]hostapi.ClassHandle, 0, len(args))
	for _, arg := range args {
		h, ok := m.resolveType(arg, ctx)
		if !ok {
			return 0, false
		}
		resolved = append(resolved, h)
	}
	return m.instantiate(def, resolved), true
}

func (m *Metadata) lookupShort(name string, ctx *class) (hostapi.ClassHandle, bool) {
	candidates := m.byName[name]
	if len(candidates) == 0 {
		return 0, false
	}
	if ctx != nil {
		for _, h := range candidates {
			if m.get(h).namespace == ctx.namespace {
				return h, true
			}
		}
	}
	return candidates[0], true
}

func (m *Metadata) instantiate(def hostapi.ClassHandle, args []hostapi.ClassHandle) hostapi.ClassHandle {
	key := fmt.Sprint(def, args)
	if h, ok := m.closed[key]; ok {
		return h
	}
	d := m.get(def)
	names := make([]string, len(args))
	for i, a := range args {
		_, names[i] = m.ClassName(a)
	}
	base, _, _ := strings.Cut(d.name, "`")
	h := m.add(&class{
		assembly:   d.assembly,
		namespace:  d.namespace,
		name:       d.name,
		display:    base + "<" + strings.Join(names, ", ") + ">",
		kind:       d.kind,
		typeParams: d.typeParams,
		fields:     d.fields,
		definition: def,
		typeArgs:   args,
	})
	m.closed[key] = h
	return h
}

func (m *Metadata) arrayOf(elem hostapi.ClassHandle) hostapi.ClassHandle {
	if h, ok := m.arrays[elem]; ok {
		return h
	}
	e := m.get(elem)
	h := m.add(&class{
		namespace: e.namespace,
		name:      e.name + "[]",
		display:   e.display + "[]",
		kind:      "class",
		element:   elem,
	})
	m.arrays[elem] = h
	return h
}

func (m *Metadata) primitive(name string, size uint32) hostapi.ClassHandle {
	if h, ok := m.primitives[name]; ok {
		return h
	}
	h := m.add(&class{namespace: "System", name: name, display: name, kind: "struct", primitiveSize: size})
	m.primitives[name] = h
	return h
}
