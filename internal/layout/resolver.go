package layout

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/squadsync/extension/internal/util"
	"github.com/squadsync/extension/pkg/hostapi"
)

// maxHierarchyDepth bounds ancestor walks.
const maxHierarchyDepth = 64

// Resolver looks up classes and fields through a hostapi.Introspector.
// Every introspector call is guarded: a panicking host query counts as
// "not found".
type Resolver struct {
	in       hostapi.Introspector
	manifest *Manifest
	logger   *slog.Logger
}

// NewResolver creates a resolver. A nil manifest selects the embedded one and
// a nil logger discards output.
func NewResolver(in hostapi.Introspector, manifest *Manifest, logger *slog.Logger) *Resolver {
	if manifest == nil {
		manifest = DefaultManifest()
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Resolver{in: in, manifest: manifest, logger: logger}
}

// ResolveClass finds a class by namespace and name, trying the interop
// namespace conventions first and a short-name scan last.
func (r *Resolver) ResolveClass(namespace, name string) (hostapi.ClassHandle, error) {
	for _, ns := range util.NamespaceCandidates(namespace) {
		var (
			c  hostapi.ClassHandle
			ok bool
		)
		r.guard(func() { c, ok = r.in.FindClass(r.manifest.Assembly, ns, name) })
		if ok && c != 0 {
			r.logger.Debug("Resolved class", "namespace", ns, "name", name)
			return c, nil
		}
	}

	var matches []hostapi.ClassHandle
	r.guard(func() {
		for _, c := range r.in.Classes() {
			_, n := r.in.ClassName(c)
			if n == name || strings.HasSuffix(n, "."+name) {
				matches = append(matches, c)
			}
		}
	})
	if len(matches) == 0 {
		r.logger.Warn("Class not found", "namespace", namespace, "name", name)
		return 0, fmt.Errorf("%w: class %s.%s", ErrResolution, namespace, name)
	}
	r.logger.Warn("Class resolved by ambiguous short-name match",
		"namespace", namespace, "name", name, "candidates", len(matches))
	return matches[0], nil
}

// ResolveField finds a logical field on class or its ancestors, trying each
// naming convention per class. The returned handle has a nonzero offset.
func (r *Resolver) ResolveField(class hostapi.ClassHandle, logical string, kind Kind) (FieldHandle, error) {
	candidates := util.FieldNameCandidates(logical)
	c := class
	for depth := 0; depth < maxHierarchyDepth && c != 0; depth++ {
		for _, name := range candidates {
			var (
				info hostapi.FieldInfo
				ok   bool
			)
			r.guard(func() { info, ok = r.in.Field(c, name) })
			if !ok || info.Static || info.Offset == 0 {
				continue
			}
			h := FieldHandle{
				Class:  r.className(c),
				Field:  info.Name,
				Offset: info.Offset,
				Kind:   kind,
				owner:  c,
			}
			r.logger.Debug("Resolved field", "logical", logical, "field", h.String())
			return h, nil
		}

		var (
			parent hostapi.ClassHandle
			ok     bool
		)
		r.guard(func() { parent, ok = r.in.Parent(c) })
		if !ok {
			break
		}
		c = parent
	}
	r.logger.Warn("Field not found", "class", r.className(class), "field", logical, "tried", candidates)
	return FieldHandle{Class: r.className(class), Field: logical, Kind: kind},
		fmt.Errorf("%w: field %s.%s", ErrResolution, r.className(class), logical)
}

// Resolve runs one full pass over the manifest. It never fails: every
// problem is recorded on the table and disables the features that need it.
func (r *Resolver) Resolve() *Table {
	t := newTable(r.manifest)

	for _, key := range sortedKeys(r.manifest.Classes) {
		spec := r.manifest.Classes[key]
		class, err := r.ResolveClass(spec.Namespace, spec.Name)
		if err != nil {
			t.fail(key, err)
			for _, field := range sortedKeys(spec.Fields) {
				t.fail(key+"."+field, err)
			}
			continue
		}
		t.classes[key] = class

		for _, field := range sortedKeys(spec.Fields) {
			h, err := r.ResolveField(class, field, spec.Fields[field])
			t.fields[key+"."+field] = h
			if err != nil {
				t.fail(key+"."+field, err)
			}
		}
	}

	for _, key := range sortedKeys(r.manifest.Containers) {
		r.resolveContainer(t, key, r.manifest.Containers[key])
	}

	t.features = ComputeFeatures(r.manifest, t.Resolved)
	r.logger.Info("Layout resolved",
		"manifest", r.manifest.Version,
		"fields", len(t.Refs()),
		"failures", len(t.failures),
		"features", strings.Join(t.features.Names(), ","))
	return t
}

func (r *Resolver) resolveContainer(t *Table, key string, spec ContainerSpec) {
	failAll := func(err error) {
		for _, part := range containerParts[spec.Kind] {
			t.fail(key+"."+part, err)
		}
		if spec.Kind == ContainerMap {
			t.fail(key+"."+PartStride, err)
		}
	}

	owner := t.fields[spec.Owner]
	if !owner.Resolved() {
		failAll(fmt.Errorf("%w: owner %s unresolved", ErrResolution, spec.Owner))
		return
	}

	// The owner field's declared type is a closed instantiation; the open
	// definition reports offset 0 for everything.
	var (
		closed hostapi.ClassHandle
		ok     bool
	)
	r.guard(func() { closed, ok = r.in.FieldClass(owner.owner, owner.Field) })
	if !ok || closed == 0 || r.isGenericDefinition(closed) {
		failAll(fmt.Errorf("%w: no concrete type for %s", ErrResolution, spec.Owner))
		return
	}
	r.logger.Debug("Resolved container", "container", key, "class", r.className(closed))

	switch spec.Kind {
	case ContainerList:
		r.setPart(t, key, PartItems, closed, KindPointer)
		r.setPart(t, key, PartSize, closed, KindInt32)

	case ContainerMap:
		entries, ok := r.setPart(t, key, PartEntries, closed, KindPointer)
		r.setPart(t, key, PartCount, closed, KindInt32)
		if !ok {
			for _, part := range []string{PartHashCode, PartKey, PartValue, PartStride} {
				t.fail(key+"."+part, fmt.Errorf("%w: entries unresolved", ErrResolution))
			}
			return
		}
		var array, entry hostapi.ClassHandle
		r.guard(func() {
			if array, ok = r.in.FieldClass(closed, entries.Field); ok {
				entry, ok = r.in.ElementClass(array)
			}
		})
		if !ok || entry == 0 {
			for _, part := range []string{PartHashCode, PartKey, PartValue, PartStride} {
				t.fail(key+"."+part, fmt.Errorf("%w: entry type of %s", ErrResolution, key))
			}
			return
		}
		r.setPart(t, key, PartHashCode, entry, KindInt32)
		r.setPart(t, key, PartKey, entry, KindPointer)
		r.setPart(t, key, PartValue, entry, KindPointer)
		r.resolveStride(t, key, entry)
	}
}

func (r *Resolver) setPart(t *Table, container, part string, class hostapi.ClassHandle, kind Kind) (FieldHandle, bool) {
	ref := container + "." + part
	h, err := r.ResolveField(class, part, kind)
	t.fields[ref] = h
	if err != nil {
		t.fail(ref, err)
		return h, false
	}
	return h, true
}

// resolveStride computes the entry stride from the runtime-reported size of
// the entry type and rejects strides that cannot hold a hash code, a key and
// a value.
func (r *Resolver) resolveStride(t *Table, container string, entry hostapi.ClassHandle) {
	ref := container + "." + PartStride
	rt := r.manifest.Runtime

	var (
		size      uint32
		ok        bool
		valueType bool
	)
	r.guard(func() {
		size, ok = r.in.InstanceSize(entry)
		valueType = r.in.IsValueType(entry)
	})
	if !ok || size == 0 {
		t.fail(ref, fmt.Errorf("%w: no instance size for entry of %s", ErrResolution, container))
		return
	}

	stride := size
	if valueType {
		if size <= rt.ObjectHeader {
			t.fail(ref, fmt.Errorf("%w: entry size %d within header", ErrLayoutAssumption, size))
			return
		}
		stride -= rt.ObjectHeader
	}

	minimum := MinEntryStride(rt.PointerSize)
	if stride < minimum {
		r.logger.Error("Entry stride below minimum", "container", container, "stride", stride, "minimum", minimum)
		t.fail(ref, fmt.Errorf("%w: %s stride %d < %d", ErrLayoutAssumption, container, stride, minimum))
		return
	}

	base := EntryBase(rt, valueType)
	for _, part := range []string{PartHashCode, PartKey, PartValue} {
		h := t.fields[container+"."+part]
		if !h.Resolved() {
			continue
		}
		if h.Offset < base || h.Offset-base+h.Kind.Size(rt.PointerSize) > stride {
			t.fail(ref, fmt.Errorf("%w: %s outside entry stride %d", ErrLayoutAssumption, h, stride))
			return
		}
	}

	t.strides[container] = stride
	t.bases[container] = base
	r.logger.Debug("Resolved entry stride", "container", container, "stride", stride)
}

// MinEntryStride is the smallest plausible map entry: a 4-byte hash code, a
// key pointer and a value pointer, padded to pointer alignment.
func MinEntryStride(pointerSize uint32) uint32 {
	n := 4 + 2*pointerSize
	if rem := n % pointerSize; rem != 0 {
		n += pointerSize - rem
	}
	return n
}

// EntryBase is what to subtract from an entry field's reported offset to get
// its position inside the entries array: value types report offsets with the
// object header included.
func EntryBase(rt Runtime, valueType bool) uint32 {
	if valueType {
		return rt.ObjectHeader
	}
	return 0
}

func (r *Resolver) className(c hostapi.ClassHandle) string {
	var ns, name string
	r.guard(func() { ns, name = r.in.ClassName(c) })
	if ns == "" {
		return name
	}
	return ns + "." + name
}

func (r *Resolver) isGenericDefinition(c hostapi.ClassHandle) bool {
	var generic bool
	r.guard(func() { generic = r.in.IsGenericDefinition(c) })
	return generic
}

// guard runs a host metadata query, turning a panic into a logged miss.
func (r *Resolver) guard(query func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Metadata query panicked", "error", rec)
		}
	}()
	query()
}
