// Package turnstate tracks what each faction has done during the current
// turn. A Coordinator is owned by one session and only touched from the
// host's simulation thread, so nothing here locks.
package turnstate

import (
	"github.com/squadsync/extension/internal/geo"
)

// GridPos is a tile coordinate.
type GridPos struct {
	X int32
	Z int32
}

// Point converts p to a ground-plane point.
func (p GridPos) Point() geo.Point {
	return geo.Point{X: float64(p.X), Z: float64(p.Z)}
}

// AgentAction is one completed action. TargetTile is 0 when the action had
// no tile target.
type AgentAction struct {
	Actor       uintptr
	TargetTile  uintptr
	Goal        int32
	Position    GridPos
	HasPosition bool
}

// DepthCache holds the formation-depth inputs shared by every agent of a
// faction during one turn.
type DepthCache struct {
	EnemyCentroids []geo.Point
	// BandEdges are the boundaries of the frontline, midline and backline
	// bands: [0, front, mid, maxRange].
	BandEdges [4]float64
}

// FactionState is the per-turn state of one faction.
type FactionState struct {
	Index                     int32
	Turn                      int
	CompletedActions          []AgentAction
	TargetedTileCount         map[uintptr]int
	ActedAllyPositions        map[uintptr]GridPos
	PreviousTurnAllyPositions map[uintptr]GridPos
	HasSuppressorActed        bool

	depth      *DepthCache
	depthValid bool
}

func newFactionState(index int32) *FactionState {
	return &FactionState{
		Index:                     index,
		TargetedTileCount:         make(map[uintptr]int),
		ActedAllyPositions:        make(map[uintptr]GridPos),
		PreviousTurnAllyPositions: make(map[uintptr]GridPos),
	}
}

// Reset starts a new turn: this turn's positions become the previous turn's,
// then everything else is cleared.
func (s *FactionState) Reset() {
	s.PreviousTurnAllyPositions = s.ActedAllyPositions
	s.ActedAllyPositions = make(map[uintptr]GridPos)
	s.CompletedActions = nil
	s.TargetedTileCount = make(map[uintptr]int)
	s.HasSuppressorActed = false
	s.depth = nil
	s.depthValid = false
	s.Turn++
}

// Record stores a completed action. suppression is the host's suppression
// goal code.
func (s *FactionState) Record(action AgentAction, suppression int32) {
	s.CompletedActions = append(s.CompletedActions, action)
	if action.TargetTile != 0 {
		s.TargetedTileCount[action.TargetTile]++
	}
	if action.Goal == suppression {
		s.HasSuppressorActed = true
	}
	if action.HasPosition && action.Actor != 0 {
		s.ActedAllyPositions[action.Actor] = action.Position
	}
}

// Targeted reports whether tile was targeted by an action this turn.
func (s *FactionState) Targeted(tile uintptr) bool {
	return s.TargetedTileCount[tile] > 0
}

// PreviousAllyPoints returns last turn's ally positions.
func (s *FactionState) PreviousAllyPoints() []geo.Point {
	out := make([]geo.Point, 0, len(s.PreviousTurnAllyPositions))
	for _, p := range s.PreviousTurnAllyPositions {
		out = append(out, p.Point())
	}
	return out
}

// Depth returns this turn's depth cache, computing it with build on first use.
// A nil result from build is cached too, so a turn without enough visible
// opponents is not recomputed for every agent. Errors are not cached.
func (s *FactionState) Depth(build func() (*DepthCache, error)) (*DepthCache, error) {
	if !s.depthValid {
		depth, err := build()
		if err != nil {
			return nil, err
		}
		s.depth = depth
		s.depthValid = true
	}
	return s.depth, nil
}

// Coordinator owns the state of every faction seen during a session.
type Coordinator struct {
	factions map[int32]*FactionState
}

// NewCoordinator creates an empty coordinator for a new session.
func NewCoordinator() *Coordinator {
	return &Coordinator{factions: make(map[int32]*FactionState)}
}

// Faction returns the state for index, creating it on first access.
func (c *Coordinator) Faction(index int32) *FactionState {
	s, ok := c.factions[index]
	if !ok {
		s = newFactionState(index)
		c.factions[index] = s
	}
	return s
}

// Reset starts a new turn for faction index.
func (c *Coordinator) Reset(index int32) {
	c.Faction(index).Reset()
}

// Factions returns the number of tracked factions.
func (c *Coordinator) Factions() int {
	return len(c.factions)
}
