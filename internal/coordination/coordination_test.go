package coordination

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/squadsync/extension/internal/config"
	"github.com/squadsync/extension/internal/hostsim"
	"github.com/squadsync/extension/internal/layout"
	"github.com/squadsync/extension/internal/memory"
	"github.com/squadsync/extension/internal/pipeline"
	"github.com/squadsync/extension/internal/turnstate"
)

type fixture struct {
	h       *hostsim.Host
	cfg     *config.Config
	svc     *Service
	faction uintptr
	goals   layout.GoalCodes
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	h := hostsim.MustNew()
	require.Empty(t, h.Table.Failures())

	f := &fixture{h: h, cfg: config.Default(), goals: h.Table.Goals()}
	f.svc = NewService(Dependencies{
		Accessor:    h.Acc,
		Table:       h.Table,
		Coordinator: turnstate.NewCoordinator(),
		Config:      func() *config.Config { return f.cfg },
	})
	f.faction = h.Faction(0)
	return f
}

func (f *fixture) agent(role hostsim.Role, spec hostsim.AgentSpec) uintptr {
	spec.Faction = f.faction
	spec.Role = f.h.RoleData(role)
	if spec.Actor == 0 {
		spec.Actor = f.h.Actor(f.h.Tile(0, 0), 0)
	}
	return f.h.Agent(spec)
}

func (f *fixture) state() *turnstate.FactionState {
	return f.svc.Turns().Faction(0)
}

func TestTurnStarted_ResetsFaction(t *testing.T) {
	f := newFixture(t)
	s := f.state()
	s.Record(turnstate.AgentAction{Actor: 0xA, Goal: f.goals.Suppression, Position: turnstate.GridPos{X: 1}, HasPosition: true}, f.goals.Suppression)

	require.NoError(t, f.svc.TurnStarted(f.faction))

	assert.False(t, s.HasSuppressorActed)
	assert.Empty(t, s.CompletedActions)
	assert.Len(t, s.PreviousTurnAllyPositions, 1)
}

func TestTurnStarted_RejectsWrongClass(t *testing.T) {
	f := newFixture(t)
	tile := f.h.Tile(1, 1)

	require.Error(t, f.svc.TurnStarted(tile))
	require.Error(t, f.svc.TurnStarted(0))
	assert.Equal(t, 0, f.svc.Turns().Factions())
}

func TestSequencing_Scenario(t *testing.T) {
	f := newFixture(t)
	s := f.agent(hostsim.Role{Suppression: 5, Damage: 1}, hostsim.AgentSpec{})
	d := f.agent(hostsim.Role{Suppression: 1, Damage: 5}, hostsim.AgentSpec{})
	n := f.agent(hostsim.Role{Suppression: 2, Damage: 2}, hostsim.AgentSpec{})

	got, err := f.svc.Sequencing(s, 10)
	require.NoError(t, err)
	assert.InDelta(t, 15.0, got, 1e-5)

	got, err = f.svc.Sequencing(d, 10)
	require.NoError(t, err)
	assert.InDelta(t, 7.0, got, 1e-5)

	got, err = f.svc.Sequencing(n, 10)
	require.NoError(t, err)
	assert.Equal(t, float32(10), got)
}

func TestSequencing_NoAdjustmentAfterSuppressorActed(t *testing.T) {
	f := newFixture(t)
	s := f.agent(hostsim.Role{Suppression: 5, Damage: 1}, hostsim.AgentSpec{})
	d := f.agent(hostsim.Role{Suppression: 1, Damage: 5}, hostsim.AgentSpec{})

	f.state().Record(turnstate.AgentAction{Actor: 0xA, Goal: f.goals.Suppression}, f.goals.Suppression)

	for _, agent := range []uintptr{s, d} {
		got, err := f.svc.Sequencing(agent, 10)
		require.NoError(t, err)
		assert.Equal(t, float32(10), got)
	}
}

func TestSequencing_ReadsConfigPerCall(t *testing.T) {
	f := newFixture(t)
	s := f.agent(hostsim.Role{Suppression: 5, Damage: 1}, hostsim.AgentSpec{})

	next := *f.cfg
	next.SuppressorPriorityBoost = 2
	f.cfg = &next

	got, err := f.svc.Sequencing(s, 10)
	require.NoError(t, err)
	assert.InDelta(t, 20.0, got, 1e-5)
}

func TestRecordExecution(t *testing.T) {
	f := newFixture(t)
	target := f.h.Tile(8, 9)
	actor := f.h.Actor(f.h.Tile(3, 4), 0)
	agent := f.agent(hostsim.Role{Suppression: 5}, hostsim.AgentSpec{
		Actor:  actor,
		Active: f.h.Attack(f.goals.Suppression, target),
	})

	require.NoError(t, f.svc.RecordExecution(agent))

	s := f.state()
	require.Len(t, s.CompletedActions, 1)
	action := s.CompletedActions[0]
	assert.Equal(t, actor, action.Actor)
	assert.Equal(t, target, action.TargetTile)
	assert.Equal(t, f.goals.Suppression, action.Goal)
	assert.Equal(t, turnstate.GridPos{X: 3, Z: 4}, action.Position)
	assert.True(t, s.HasSuppressorActed)
	assert.Equal(t, 1, s.TargetedTileCount[target])
	assert.Equal(t, turnstate.GridPos{X: 3, Z: 4}, s.ActedAllyPositions[actor])
}

func TestRecordExecution_NoActiveBehavior(t *testing.T) {
	f := newFixture(t)
	agent := f.agent(hostsim.Role{}, hostsim.AgentSpec{})

	require.NoError(t, f.svc.RecordExecution(agent))

	s := f.state()
	require.Len(t, s.CompletedActions, 1)
	assert.Zero(t, s.CompletedActions[0].TargetTile)
	assert.Empty(t, s.TargetedTileCount)
	assert.False(t, s.HasSuppressorActed)
}

func TestFocusFire(t *testing.T) {
	f := newFixture(t)
	targeted := f.h.Tile(4, 4)
	other := f.h.Tile(6, 6)

	// an ally already attacked targeted this turn
	ally := f.agent(hostsim.Role{Damage: 1}, hostsim.AgentSpec{Active: f.h.Attack(f.goals.Damage, targeted)})
	require.NoError(t, f.svc.RecordExecution(ally))

	double := f.agent(hostsim.Role{Damage: 1}, hostsim.AgentSpec{Behaviors: []uintptr{
		f.h.Attack(f.goals.Damage, other),
		f.h.Attack(f.goals.Damage, targeted),
		f.h.Attack(f.goals.Damage, targeted),
	}})
	got, err := f.svc.FocusFire(double, 10)
	require.NoError(t, err)
	assert.InDelta(t, 13.0, got, 1e-5, "boost applies once per candidate")

	moveOnly := f.agent(hostsim.Role{}, hostsim.AgentSpec{Behaviors: []uintptr{
		f.h.Behavior(0, targeted),
	}})
	got, err = f.svc.FocusFire(moveOnly, 10)
	require.NoError(t, err)
	assert.Equal(t, float32(10), got, "only attacks count")

	elsewhere := f.agent(hostsim.Role{}, hostsim.AgentSpec{Behaviors: []uintptr{
		f.h.Attack(f.goals.Damage, other),
	}})
	got, err = f.svc.FocusFire(elsewhere, 10)
	require.NoError(t, err)
	assert.Equal(t, float32(10), got)
}

func TestFocusFire_GoalDecidesWithoutClassifier(t *testing.T) {
	f := newFixture(t)
	acc := memory.NewAccessor(f.h.Mem, nil)
	require.False(t, acc.Classifies())
	svc := NewService(Dependencies{
		Accessor:    acc,
		Table:       f.h.Table,
		Coordinator: turnstate.NewCoordinator(),
		Config:      func() *config.Config { return f.cfg },
	})
	targeted := f.h.Tile(4, 4)

	ally := f.agent(hostsim.Role{Damage: 1}, hostsim.AgentSpec{Active: f.h.Attack(f.goals.Damage, targeted)})
	require.NoError(t, svc.RecordExecution(ally))

	move := f.agent(hostsim.Role{}, hostsim.AgentSpec{Behaviors: []uintptr{f.h.Behavior(0, targeted)}})
	got, err := svc.FocusFire(move, 10)
	require.NoError(t, err)
	assert.Equal(t, float32(10), got, "a move is not an attack")

	attack := f.agent(hostsim.Role{}, hostsim.AgentSpec{Behaviors: []uintptr{f.h.Behavior(f.goals.Damage, targeted)}})
	got, err = svc.FocusFire(attack, 10)
	require.NoError(t, err)
	assert.InDelta(t, 13.0, got, 1e-5)
}

func TestFocusFire_NothingCompletedYet(t *testing.T) {
	f := newFixture(t)
	target := f.h.Tile(4, 4)
	f.state().TargetedTileCount[target] = 1

	agent := f.agent(hostsim.Role{}, hostsim.AgentSpec{Behaviors: []uintptr{f.h.Attack(f.goals.Damage, target)}})
	got, err := f.svc.FocusFire(agent, 10)
	require.NoError(t, err)
	assert.Equal(t, float32(10), got)
}

// scoredTiles allocates a tile score per coordinate and returns them with
// their map slots.
func (f *fixture) scoredTiles(utility float32, coords ...[2]int32) ([]uintptr, []hostsim.Slot) {
	var (
		scores []uintptr
		slots  []hostsim.Slot
	)
	for i, c := range coords {
		score := f.h.TileScore(utility)
		scores = append(scores, score)
		slots = append(slots, hostsim.Slot{Hash: int32(i + 1), Key: f.h.Tile(c[0], c[1]), Value: score})
	}
	return scores, slots
}

func TestCenterOfForces_Scenario(t *testing.T) {
	f := newFixture(t)
	s := f.state()
	s.Record(turnstate.AgentAction{Actor: 0xA, Position: turnstate.GridPos{X: 0, Z: 0}, HasPosition: true}, f.goals.Suppression)
	s.Record(turnstate.AgentAction{Actor: 0xB, Position: turnstate.GridPos{X: 10, Z: 0}, HasPosition: true}, f.goals.Suppression)
	require.NoError(t, f.svc.TurnStarted(f.faction))

	scores, slots := f.scoredTiles(0, [2]int32{5, 0}, [2]int32{17, 0}, [2]int32{11, 0})
	// a free slot is never touched
	free := f.h.TileScore(0)
	slots = append(slots, hostsim.Slot{Hash: -1, Key: f.h.Tile(5, 0), Value: free})
	agent := f.agent(hostsim.Role{}, hostsim.AgentSpec{Tiles: slots})

	require.NoError(t, f.svc.CenterOfForces(agent))

	assert.InDelta(t, 3.0, f.h.Utility(scores[0]), 1e-5)
	assert.InDelta(t, 0.0, f.h.Utility(scores[1]), 1e-5)
	assert.InDelta(t, 1.5, f.h.Utility(scores[2]), 1e-5)
	assert.Equal(t, float32(0), f.h.Utility(free))
}

// protectedMemory fails writes to [from, to).
type protectedMemory struct {
	*memory.Buffer
	from, to uintptr
}

func (m protectedMemory) WriteAt(addr uintptr, buf []byte) error {
	if addr >= m.from && addr < m.to {
		return errors.New("write protected")
	}
	return m.Buffer.WriteAt(addr, buf)
}

func TestCenterOfForces_FailedWriteRestoresScores(t *testing.T) {
	f := newFixture(t)
	s := f.state()
	s.Record(turnstate.AgentAction{Actor: 0xA, Position: turnstate.GridPos{X: 0, Z: 0}, HasPosition: true}, f.goals.Suppression)
	s.Record(turnstate.AgentAction{Actor: 0xB, Position: turnstate.GridPos{X: 10, Z: 0}, HasPosition: true}, f.goals.Suppression)
	require.NoError(t, f.svc.TurnStarted(f.faction))

	scores, slots := f.scoredTiles(1, [2]int32{5, 0}, [2]int32{11, 0}, [2]int32{6, 0})
	agent := f.agent(hostsim.Role{}, hostsim.AgentSpec{Tiles: slots})

	utility := scores[2] + uintptr(f.h.Table.Field("tileScore.utility").Offset)
	svc := NewService(Dependencies{
		Accessor:    memory.NewAccessor(protectedMemory{Buffer: f.h.Mem, from: utility, to: utility + 4}, f.h.Meta),
		Table:       f.h.Table,
		Coordinator: f.svc.Turns(),
		Config:      func() *config.Config { return f.cfg },
	})

	err := svc.CenterOfForces(agent)
	require.ErrorContains(t, err, "write protected")
	for i, score := range scores {
		assert.Equal(t, float32(1), f.h.Utility(score), "tile %d", i)
	}
}

func TestCenterOfForces_TooFewAllies(t *testing.T) {
	f := newFixture(t)
	s := f.state()
	s.Record(turnstate.AgentAction{Actor: 0xA, Position: turnstate.GridPos{X: 0, Z: 0}, HasPosition: true}, f.goals.Suppression)
	require.NoError(t, f.svc.TurnStarted(f.faction))

	scores, slots := f.scoredTiles(4, [2]int32{0, 0})
	agent := f.agent(hostsim.Role{}, hostsim.AgentSpec{Tiles: slots})

	require.NoError(t, f.svc.CenterOfForces(agent))
	assert.Equal(t, float32(4), f.h.Utility(scores[0]))
}

func TestCenterOfForces_UsesPreviousTurnOnly(t *testing.T) {
	f := newFixture(t)
	s := f.state()
	// recorded this turn, not yet archived
	s.Record(turnstate.AgentAction{Actor: 0xA, Position: turnstate.GridPos{X: 0, Z: 0}, HasPosition: true}, f.goals.Suppression)
	s.Record(turnstate.AgentAction{Actor: 0xB, Position: turnstate.GridPos{X: 2, Z: 0}, HasPosition: true}, f.goals.Suppression)

	scores, slots := f.scoredTiles(0, [2]int32{1, 0})
	agent := f.agent(hostsim.Role{}, hostsim.AgentSpec{Tiles: slots})

	require.NoError(t, f.svc.CenterOfForces(agent))
	assert.Equal(t, float32(0), f.h.Utility(scores[0]))
}

func TestFormationDepth(t *testing.T) {
	f := newFixture(t)
	h := f.h
	enemy := h.Opponent(h.Actor(h.Tile(0, 0), 1), true)
	hidden := h.Opponent(h.Actor(h.Tile(100, 100), 1), false)
	friendly := h.Opponent(h.Actor(h.Tile(-50, 0), 0), true)
	f.faction = h.Faction(0, enemy, hidden, friendly)
	f.cfg.FrontlineFraction = 0.25
	f.cfg.MidlineFraction = 0.25

	// bands over [0, 20]: front [0,5], mid [5,10], back [10,20]
	scores, slots := f.scoredTiles(10, [2]int32{15, 0}, [2]int32{0, 0}, [2]int32{25, 0})
	back := f.agent(hostsim.Role{Safety: 1}, hostsim.AgentSpec{Tiles: slots})

	require.NoError(t, f.svc.FormationDepth(back))

	assert.InDelta(t, 12.0, f.h.Utility(scores[0]), 1e-5, "band center gets the full weight")
	assert.InDelta(t, 9.0, f.h.Utility(scores[1]), 1e-5, "far side of the band is penalised")
	assert.InDelta(t, 11.0, f.h.Utility(scores[2]), 1e-5, "distance clamps to max range")

	depth, err := f.state().Depth(func() (*turnstate.DepthCache, error) {
		t.Fatal("depth cache rebuilt")
		return nil, nil
	})
	require.NoError(t, err)
	require.NotNil(t, depth)
	require.Len(t, depth.EnemyCentroids, 1)
	assert.Equal(t, 0.0, depth.EnemyCentroids[0].X)
}

func TestFormationDepth_CachedForTurn(t *testing.T) {
	f := newFixture(t)
	h := f.h
	enemyTile := h.Tile(0, 0)
	f.faction = h.Faction(0, h.Opponent(h.Actor(enemyTile, 1), true))

	first, firstSlots := f.scoredTiles(0, [2]int32{3, 0})
	require.NoError(t, f.svc.FormationDepth(f.agent(hostsim.Role{Mobility: 1, Damage: 1}, hostsim.AgentSpec{Tiles: firstSlots})))

	// the enemy moves mid-turn; the cached centroid still applies
	h.Mem.PutInt32(enemyTile+uintptr(h.Table.Offset("tile.x")), 40)
	second, secondSlots := f.scoredTiles(0, [2]int32{3, 0})
	require.NoError(t, f.svc.FormationDepth(f.agent(hostsim.Role{Mobility: 1, Damage: 1}, hostsim.AgentSpec{Tiles: secondSlots})))
	assert.Equal(t, f.h.Utility(first[0]), f.h.Utility(second[0]))

	// a new turn recomputes
	require.NoError(t, f.svc.TurnStarted(f.faction))
	third, thirdSlots := f.scoredTiles(0, [2]int32{3, 0})
	require.NoError(t, f.svc.FormationDepth(f.agent(hostsim.Role{Mobility: 1, Damage: 1}, hostsim.AgentSpec{Tiles: thirdSlots})))
	assert.NotEqual(t, f.h.Utility(first[0]), f.h.Utility(third[0]))
}

func TestFormationDepth_NoVisibleOpponents(t *testing.T) {
	f := newFixture(t)
	f.faction = f.h.Faction(0, f.h.Opponent(f.h.Actor(f.h.Tile(0, 0), 1), false))

	scores, slots := f.scoredTiles(5, [2]int32{3, 0})
	agent := f.agent(hostsim.Role{Safety: 1}, hostsim.AgentSpec{Tiles: slots})

	require.NoError(t, f.svc.FormationDepth(agent))
	assert.Equal(t, float32(5), f.h.Utility(scores[0]))
}

func TestRegister_AllFeatures(t *testing.T) {
	f := newFixture(t)
	p, err := pipeline.New(nopLogger{})
	require.NoError(t, err)

	registered := f.svc.Register(p)

	assert.ElementsMatch(t, layout.AllFeatures, registered)
	assert.Equal(t, []string{"turn-reset"}, p.Stages(pipeline.TurnStarted))
	assert.Equal(t, []string{"sequencing", "focus-fire"}, p.Stages(pipeline.AdjustPriority))
	assert.Equal(t, []string{"execution-tracking"}, p.Stages(pipeline.ActionExecuted))
	assert.Equal(t, []string{"center-of-forces", "formation-depth"}, p.Stages(pipeline.TileScores))
}

func TestRegister_ThroughPipeline(t *testing.T) {
	f := newFixture(t)
	p, err := pipeline.New(nopLogger{})
	require.NoError(t, err)
	f.svc.Register(p)

	s := f.agent(hostsim.Role{Suppression: 5, Damage: 1}, hostsim.AgentSpec{})

	call := &pipeline.Call{Hook: pipeline.AdjustPriority, Target: s, Priority: 10}
	p.Run(call)
	assert.InDelta(t, 15.0, call.Priority, 1e-5)

	f.cfg.SequencingEnabled = false
	call = &pipeline.Call{Hook: pipeline.AdjustPriority, Target: s, Priority: 10}
	p.Run(call)
	assert.Equal(t, float32(10), call.Priority, "config toggle is read per call")

	// a bad handle leaves the priority untouched
	f.cfg.SequencingEnabled = true
	call = &pipeline.Call{Hook: pipeline.AdjustPriority, Target: f.h.Tile(0, 0), Priority: 10}
	p.Run(call)
	assert.Equal(t, float32(10), call.Priority)
}

func TestRegister_SkipsUnavailableFeatures(t *testing.T) {
	// rename the Opponent class so formation depth cannot resolve
	src := strings.ReplaceAll(hostsim.Source, "public class Opponent", "public class Hostile")
	h := hostsim.MustNew(hostsim.WithSource(src))
	svc := NewService(Dependencies{Accessor: h.Acc, Table: h.Table, Coordinator: turnstate.NewCoordinator()})
	p, err := pipeline.New(nopLogger{})
	require.NoError(t, err)

	registered := svc.Register(p)

	assert.NotContains(t, registered, layout.FormationDepth)
	assert.Equal(t, []string{"center-of-forces"}, p.Stages(pipeline.TileScores))
}

func TestRegister_SequencingAndFocusFireCompound(t *testing.T) {
	f := newFixture(t)
	p, err := pipeline.New(nopLogger{})
	require.NoError(t, err)
	f.svc.Register(p)

	targeted := f.h.Tile(4, 4)
	ally := f.agent(hostsim.Role{Damage: 5}, hostsim.AgentSpec{Active: f.h.Attack(f.goals.Damage, targeted)})
	p.Run(&pipeline.Call{Hook: pipeline.ActionExecuted, Target: ally})
	require.Len(t, f.state().CompletedActions, 1)
	require.False(t, f.state().HasSuppressorActed)

	s := f.agent(hostsim.Role{Suppression: 5, Damage: 1}, hostsim.AgentSpec{Behaviors: []uintptr{
		f.h.Attack(f.goals.Suppression, targeted),
	}})
	call := &pipeline.Call{Hook: pipeline.AdjustPriority, Target: s, Priority: 10}
	p.Run(call)
	assert.InDelta(t, 19.5, call.Priority, 1e-4, "10 x 1.5 x 1.3")
}

func TestRegister_SkipsSequencingWithoutExecutionTracking(t *testing.T) {
	src := strings.Replace(hostsim.Source, "public int goal;", "public int objective;", 1)
	h := hostsim.MustNew(hostsim.WithSource(src))
	svc := NewService(Dependencies{Accessor: h.Acc, Table: h.Table, Coordinator: turnstate.NewCoordinator()})
	p, err := pipeline.New(nopLogger{})
	require.NoError(t, err)

	registered := svc.Register(p)
	assert.NotContains(t, registered, layout.ExecutionTracking)
	assert.NotContains(t, registered, layout.Sequencing)
	assert.NotContains(t, registered, layout.FocusFire)
	assert.False(t, p.HasStages(pipeline.AdjustPriority))

	faction := h.Faction(0)
	agent := func(role hostsim.Role) uintptr {
		return h.Agent(hostsim.AgentSpec{
			Faction: faction,
			Actor:   h.Actor(h.Tile(0, 0), 0),
			Role:    h.RoleData(role),
		})
	}
	suppressor := agent(hostsim.Role{Suppression: 5, Damage: 1})
	damage := agent(hostsim.Role{Suppression: 1, Damage: 5})

	// without tracking nobody would ever see the suppressor act
	for turn := 0; turn < 3; turn++ {
		p.Run(&pipeline.Call{Hook: pipeline.TurnStarted, Target: faction})
		p.Run(&pipeline.Call{Hook: pipeline.ActionExecuted, Target: suppressor})
		call := &pipeline.Call{Hook: pipeline.AdjustPriority, Target: damage, Priority: 10}
		p.Run(call)
		assert.Equal(t, float32(10), call.Priority, "turn %d", turn)
	}
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
