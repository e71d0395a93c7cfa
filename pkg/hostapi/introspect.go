package hostapi

// ClassHandle identifies a class in the host's live type metadata.
// The zero handle never names a class.
type ClassHandle uintptr

// FieldInfo describes one field as reported by the host metadata.
type FieldInfo struct {
	Name     string
	Offset   uint32
	TypeName string
	Static   bool
}

// Introspector is the query-by-name capability over the host's type metadata.
// Implementations are assumed fallible: lookups report absence with false and
// may panic on a corrupted metadata table, so callers guard every call.
type Introspector interface {
	// FindClass looks a class up by its assembly/namespace/name triple.
	FindClass(assembly, namespace, name string) (ClassHandle, bool)
	// Classes lists every loaded class.
	Classes() []ClassHandle
	ClassName(c ClassHandle) (namespace, name string)
	Parent(c ClassHandle) (ClassHandle, bool)
	// Field returns a field declared directly on c. Inherited fields are not reported.
	Field(c ClassHandle, name string) (FieldInfo, bool)
	// FieldClass returns the runtime class of the declared type of field name on c.
	// For a field declared as a closed generic (List<Behavior>) this is the
	// concrete instantiation.
	FieldClass(c ClassHandle, name string) (ClassHandle, bool)
	// ElementClass returns the element class of an array class.
	ElementClass(array ClassHandle) (ClassHandle, bool)
	// InstanceSize is the runtime-reported instance size, header included.
	InstanceSize(c ClassHandle) (uint32, bool)
	IsValueType(c ClassHandle) bool
	// IsGenericDefinition reports whether c is an open generic definition with
	// no fixed instance layout.
	IsGenericDefinition(c ClassHandle) bool
}

// ObjectInspector is implemented by introspectors that can classify live objects.
type ObjectInspector interface {
	ObjectClass(addr uintptr) (ClassHandle, bool)
}

// Memory is the primitive pointer-dereference capability of the host process.
type Memory interface {
	ReadAt(addr uintptr, buf []byte) error
	WriteAt(addr uintptr, buf []byte) error
}

// maxHierarchyDepth bounds parent walks in case the metadata has a cycle.
const maxHierarchyDepth = 64

// IsSubclassOf reports whether c is base or derives from it.
func IsSubclassOf(in Introspector, c, base ClassHandle) bool {
	if c == 0 || base == 0 {
		return false
	}
	for depth := 0; depth < maxHierarchyDepth && c != 0; depth++ {
		if c == base {
			return true
		}
		parent, ok := in.Parent(c)
		if !ok {
			return false
		}
		c = parent
	}
	return false
}
