package coordination

import (
	"math"
)

// Archetype is the sequencing role of an agent.
type Archetype int

const (
	Neither Archetype = iota
	Suppressor
	DamageDealer
)

func (a Archetype) String() string {
	switch a {
	case Suppressor:
		return "suppressor"
	case DamageDealer:
		return "damage-dealer"
	default:
		return "neither"
	}
}

// Classify picks the sequencing archetype from an agent's role weights.
func Classify(suppression, damage float32) Archetype {
	switch {
	case suppression > damage && suppression > 0:
		return Suppressor
	case damage > suppression && damage > 0:
		return DamageDealer
	default:
		return Neither
	}
}

// SequencingFactor is the priority multiplier for an agent of archetype a.
// Once a suppressor has acted this turn no agent is adjusted.
func SequencingFactor(a Archetype, suppressorActed bool, boost, penalty float64) float64 {
	if suppressorActed {
		return 1
	}
	switch a {
	case Suppressor:
		return boost
	case DamageDealer:
		return penalty
	default:
		return 1
	}
}

// CenterOfForcesBonus is the utility added to a tile distance away from the
// allied centroid. It is weight at the centroid and falls linearly to zero
// at maxRange.
func CenterOfForcesBonus(distance, weight, maxRange float64) float64 {
	if maxRange <= 0 || distance >= maxRange {
		return 0
	}
	return weight * (1 - math.Max(distance, 0)/maxRange)
}

// Band is a distance-from-enemy zone.
type Band int

const (
	Frontline Band = iota
	Midline
	Backline
)

func (b Band) String() string {
	switch b {
	case Frontline:
		return "frontline"
	case Midline:
		return "midline"
	default:
		return "backline"
	}
}

// Role holds an agent's role weights.
type Role struct {
	Mobility    float32
	Damage      float32
	Suppression float32
	Safety      float32
}

// ClassifyBand picks the band whose weighted score is highest. On exact ties
// frontline wins over midline, and midline over backline.
func ClassifyBand(r Role) Band {
	front := 0.4*float64(r.Mobility) + 0.6*float64(r.Damage)
	mid := float64(r.Suppression)
	back := float64(r.Safety)

	band, best := Frontline, front
	if mid > best {
		band, best = Midline, mid
	}
	if back > best {
		band = Backline
	}
	return band
}

// BandEdges partitions [0, maxRange] into frontline, midline and backline.
// Backline takes whatever the two fractions leave.
func BandEdges(maxRange, frontline, midline float64) [4]float64 {
	front := maxRange * clamp(frontline, 0, 1)
	mid := math.Min(front+maxRange*clamp(midline, 0, 1), maxRange)
	return [4]float64{0, front, mid, maxRange}
}

// BandCenter is the distance at the middle of band b.
func BandCenter(edges [4]float64, b Band) float64 {
	return (edges[b] + edges[b+1]) / 2
}

// DepthScore is the triangular formation-depth score of a tile distance away
// from the nearest enemy centroid: 1 at center, falling by 2/maxRange per
// unit either side.
func DepthScore(distance, center, maxRange float64) float64 {
	if maxRange <= 0 {
		return 0
	}
	d := clamp(distance, 0, maxRange)
	return 1 - 2*math.Abs(d-center)/maxRange
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(v, hi))
}
