package layout

import (
	"sort"
	"strings"
)

// Feature names a coordination capability gated on resolved layout.
type Feature string

const (
	TurnReset         Feature = "turn-reset"
	Sequencing        Feature = "sequencing"
	FocusFire         Feature = "focus-fire"
	ExecutionTracking Feature = "execution-tracking"
	CenterOfForces    Feature = "center-of-forces"
	FormationDepth    Feature = "formation-depth"
)

// AllFeatures lists every feature in hook order.
var AllFeatures = []Feature{TurnReset, Sequencing, FocusFire, ExecutionTracking, CenterOfForces, FormationDepth}

// Features holds one availability flag per feature.
type Features map[Feature]bool

// Available reports whether f may run.
func (f Features) Available(feature Feature) bool {
	return f[feature]
}

// Names returns the available features, sorted.
func (f Features) Names() []string {
	var out []string
	for feature, ok := range f {
		if ok {
			out = append(out, string(feature))
		}
	}
	sort.Strings(out)
	return out
}

// prerequisites lists features whose state is only ever filled by another
// feature. Sequencing and focus fire read what execution tracking records;
// without it they would act on a turn that never seems to progress.
var prerequisites = map[Feature][]Feature{
	Sequencing: {ExecutionTracking},
	FocusFire:  {ExecutionTracking},
}

// ComputeFeatures derives availability from which refs resolved. A feature
// is available only when every ref it lists resolved and its prerequisites
// are available; a "container.*" ref expands to all parts of that container.
func ComputeFeatures(m *Manifest, resolved func(ref string) bool) Features {
	out := make(Features, len(AllFeatures))
	for _, feature := range AllFeatures {
		refs, ok := m.Features[feature]
		if !ok {
			out[feature] = false
			continue
		}
		available := true
		for _, ref := range expandRefs(m, refs) {
			if !resolved(ref) {
				available = false
				break
			}
		}
		out[feature] = available
	}
	for feature, needs := range prerequisites {
		for _, need := range needs {
			if !out[need] {
				out[feature] = false
			}
		}
	}
	return out
}

func expandRefs(m *Manifest, refs []string) []string {
	var out []string
	for _, ref := range refs {
		head, part, ok := strings.Cut(ref, ".")
		if ok && part == "*" {
			for _, p := range containerParts[m.Containers[head].Kind] {
				out = append(out, head+"."+p)
			}
			continue
		}
		out = append(out, ref)
	}
	return out
}
