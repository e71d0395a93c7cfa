package layout

import (
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed manifest.yaml
var defaultManifest []byte

// Kind is the primitive type stored at a field offset.
type Kind string

const (
	KindInt32   Kind = "int32"
	KindFloat32 Kind = "float32"
	KindPointer Kind = "pointer"
	KindBool    Kind = "bool"
)

// Size returns the number of bytes a value of kind k occupies.
func (k Kind) Size(pointerSize uint32) uint32 {
	switch k {
	case KindInt32, KindFloat32:
		return 4
	case KindBool:
		return 1
	default:
		return pointerSize
	}
}

// ContainerKind selects how a container's internals are resolved.
type ContainerKind string

const (
	ContainerList ContainerKind = "list"
	ContainerMap  ContainerKind = "map"
)

// Container part names. List containers expose items and size, map
// containers expose entries, count and the per-entry fields.
const (
	PartItems    = "items"
	PartSize     = "size"
	PartEntries  = "entries"
	PartCount    = "count"
	PartHashCode = "hashCode"
	PartKey      = "key"
	PartValue    = "value"
	PartStride   = "stride"
)

var containerParts = map[ContainerKind][]string{
	ContainerList: {PartItems, PartSize},
	ContainerMap:  {PartEntries, PartCount, PartHashCode, PartKey, PartValue},
}

// Runtime describes the fixed object model of the host runtime.
type Runtime struct {
	PointerSize    uint32 `yaml:"pointerSize"`
	ObjectHeader   uint32 `yaml:"objectHeader"`
	ArrayHeader    uint32 `yaml:"arrayHeader"`
	ArrayMaxLength uint32 `yaml:"arrayMaxLength"`
}

// GoalCodes are the host's behavior goal values.
type GoalCodes struct {
	Damage      int32 `yaml:"damage"`
	Suppression int32 `yaml:"suppression"`
	Stun        int32 `yaml:"stun"`
}

// Attack reports whether goal is one of the attack goals.
func (g GoalCodes) Attack(goal int32) bool {
	return goal == g.Damage || goal == g.Suppression || goal == g.Stun
}

// ClassSpec names a host class and the logical fields read from it.
type ClassSpec struct {
	Namespace string          `yaml:"namespace"`
	Name      string          `yaml:"name"`
	Fields    map[string]Kind `yaml:"fields"`
}

// ContainerSpec names a generic container reached through an owner field.
type ContainerSpec struct {
	Kind  ContainerKind `yaml:"kind"`
	Owner string        `yaml:"owner"`
}

// Manifest is the versioned description of every class, field and container
// the coordination features depend on.
type Manifest struct {
	Version    int                      `yaml:"version"`
	Assembly   string                   `yaml:"assembly"`
	Runtime    Runtime                  `yaml:"runtime"`
	GoalCodes  GoalCodes                `yaml:"goalCodes"`
	Classes    map[string]ClassSpec     `yaml:"classes"`
	Containers map[string]ContainerSpec `yaml:"containers"`
	Features   map[Feature][]string     `yaml:"features"`
}

// DefaultManifest returns the manifest embedded in the binary.
func DefaultManifest() *Manifest {
	m, err := ParseManifest(defaultManifest)
	if err != nil {
		panic(fmt.Sprintf("embedded layout manifest: %v", err))
	}
	return m
}

// ParseManifest decodes and checks a YAML manifest.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decoding manifest: %w", err)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Manifest) validate() error {
	var errs []error
	if m.Runtime.PointerSize == 0 || m.Runtime.ObjectHeader == 0 || m.Runtime.ArrayHeader == 0 {
		errs = append(errs, errors.New("runtime sizes must be set"))
	}
	for key, c := range m.Containers {
		if _, ok := containerParts[c.Kind]; !ok {
			errs = append(errs, fmt.Errorf("container %s: unknown kind %q", key, c.Kind))
		}
		if !m.knownField(c.Owner) {
			errs = append(errs, fmt.Errorf("container %s: unknown owner %q", key, c.Owner))
		}
	}
	for feature, refs := range m.Features {
		for _, ref := range refs {
			if !m.knownRef(ref) {
				errs = append(errs, fmt.Errorf("feature %s: %w: %s", feature, ErrUnknownRef, ref))
			}
		}
	}
	return errors.Join(errs...)
}

func (m *Manifest) knownField(ref string) bool {
	class, field, ok := strings.Cut(ref, ".")
	if !ok {
		return false
	}
	_, ok = m.Classes[class].Fields[field]
	return ok
}

func (m *Manifest) knownRef(ref string) bool {
	head, part, ok := strings.Cut(ref, ".")
	if !ok {
		_, ok = m.Classes[head]
		return ok
	}
	if c, ok := m.Containers[head]; ok {
		if part == "*" || (part == PartStride && c.Kind == ContainerMap) {
			return true
		}
		for _, p := range containerParts[c.Kind] {
			if p == part {
				return true
			}
		}
		return false
	}
	return m.knownField(ref)
}

// FieldRefs returns every class field ref, sorted.
func (m *Manifest) FieldRefs() []string {
	var refs []string
	for class, spec := range m.Classes {
		for field := range spec.Fields {
			refs = append(refs, class+"."+field)
		}
	}
	sort.Strings(refs)
	return refs
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
