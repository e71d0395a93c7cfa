// Package coordination holds the four hook bodies that bias the host's own
// decisions so agents of one faction act together: turn reset, priority
// adjustment (sequencing and focus fire), execution tracking, and tile score
// post-processing (center of forces and formation depth).
//
// Every host object is reached through the resolved layout table. Hook
// bodies return errors instead of logging them; the pipeline stage boundary
// decides what a failure costs.
package coordination

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/squadsync/extension/internal/collections"
	"github.com/squadsync/extension/internal/config"
	"github.com/squadsync/extension/internal/geo"
	"github.com/squadsync/extension/internal/layout"
	"github.com/squadsync/extension/internal/memory"
	"github.com/squadsync/extension/internal/pipeline"
	"github.com/squadsync/extension/internal/turnstate"
	"github.com/squadsync/extension/pkg/hostapi"
)

// Dependencies holds everything a Service reads from.
type Dependencies struct {
	Accessor    *memory.Accessor
	Table       *layout.Table
	Coordinator *turnstate.Coordinator
	// Config returns the active configuration. It is called once per hook
	// invocation so reloads apply from the next call on.
	Config func() *config.Config
	Logger *slog.Logger
}

type classes struct {
	faction, agent, actor, tile, tileScore, roleData, behavior, attack, opponent hostapi.ClassHandle
}

type fields struct {
	factionIndex, factionOpponents                                             layout.FieldHandle
	agentFaction, agentActor, agentRole, agentBehaviors, agentActive, agentTiles layout.FieldHandle
	actorTile, actorFaction                                                    layout.FieldHandle
	tileX, tileZ                                                               layout.FieldHandle
	utility                                                                    layout.FieldHandle
	mobility, damage, suppression, safety                                      layout.FieldHandle
	goal, targetTile                                                           layout.FieldHandle
	opponentActor, opponentVisible                                             layout.FieldHandle
}

// Service implements the coordination hooks for one session.
type Service struct {
	acc      *memory.Accessor
	table    *layout.Table
	turns    *turnstate.Coordinator
	config   func() *config.Config
	logger   *slog.Logger
	goals    layout.GoalCodes
	features layout.Features

	class classes
	field fields

	behaviors collections.ListView
	opponents collections.ListView
	tiles     collections.MapView
}

// NewService binds the hook bodies to a resolved table.
func NewService(deps Dependencies) *Service {
	t := deps.Table
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	cfg := deps.Config
	if cfg == nil {
		cfg = config.Default
	}
	class := func(key string) hostapi.ClassHandle {
		c, _ := t.Class(key)
		return c
	}

	return &Service{
		acc:      deps.Accessor,
		table:    t,
		turns:    deps.Coordinator,
		config:   cfg,
		logger:   logger,
		goals:    t.Goals(),
		features: t.Features(),
		class: classes{
			faction:   class("faction"),
			agent:     class("agent"),
			actor:     class("actor"),
			tile:      class("tile"),
			tileScore: class("tileScore"),
			roleData:  class("roleData"),
			behavior:  class("behavior"),
			attack:    class("attack"),
			opponent:  class("opponent"),
		},
		field: fields{
			factionIndex:     t.Field("faction.index"),
			factionOpponents: t.Field("faction.opponents"),
			agentFaction:     t.Field("agent.faction"),
			agentActor:       t.Field("agent.actor"),
			agentRole:        t.Field("agent.roleData"),
			agentBehaviors:   t.Field("agent.behaviors"),
			agentActive:      t.Field("agent.activeBehavior"),
			agentTiles:       t.Field("agent.tiles"),
			actorTile:        t.Field("actor.tile"),
			actorFaction:     t.Field("actor.factionIndex"),
			tileX:            t.Field("tile.x"),
			tileZ:            t.Field("tile.z"),
			utility:          t.Field("tileScore.utility"),
			mobility:         t.Field("roleData.mobility"),
			damage:           t.Field("roleData.damageWeight"),
			suppression:      t.Field("roleData.suppressionWeight"),
			safety:           t.Field("roleData.safetyWeight"),
			goal:             t.Field("behavior.goal"),
			targetTile:       t.Field("behavior.targetTile"),
			opponentActor:    t.Field("opponent.actor"),
			opponentVisible:  t.Field("opponent.visible"),
		},
		behaviors: collections.NewListView(deps.Accessor, t, "behaviorList", collections.PendingActionCap),
		opponents: collections.NewListView(deps.Accessor, t, "opponentList", collections.OpponentCap),
		tiles:     collections.NewMapView(deps.Accessor, t, "tileScores", collections.TileScoreCap),
	}
}

// Register adds a stage for every available feature. Features whose layout
// did not resolve get no stage at all; the rest are gated on their config
// toggle at call time.
func (s *Service) Register(p *pipeline.Pipeline) []layout.Feature {
	var registered []layout.Feature
	add := func(f layout.Feature, hook pipeline.Hook, fn pipeline.StageFunc, opts ...pipeline.Option) {
		if !s.features.Available(f) {
			s.logger.Info("Feature disabled, layout incomplete", "feature", string(f))
			return
		}
		p.Register(hook, string(f), fn, opts...)
		registered = append(registered, f)
	}

	add(layout.TurnReset, pipeline.TurnStarted, func(c *pipeline.Call) error {
		return s.TurnStarted(c.Target)
	})
	add(layout.Sequencing, pipeline.AdjustPriority, func(c *pipeline.Call) error {
		p, err := s.Sequencing(c.Target, c.Priority)
		c.Priority = p
		return err
	}, pipeline.Gate(func() bool { return s.config().SequencingEnabled }))
	add(layout.FocusFire, pipeline.AdjustPriority, func(c *pipeline.Call) error {
		p, err := s.FocusFire(c.Target, c.Priority)
		c.Priority = p
		return err
	}, pipeline.After(), pipeline.Gate(func() bool { return s.config().FocusFireEnabled }))
	add(layout.ExecutionTracking, pipeline.ActionExecuted, func(c *pipeline.Call) error {
		return s.RecordExecution(c.Target)
	}, pipeline.Logged())
	add(layout.CenterOfForces, pipeline.TileScores, func(c *pipeline.Call) error {
		return s.CenterOfForces(c.Target)
	}, pipeline.Gate(func() bool { return s.config().CenterOfForcesEnabled }))
	add(layout.FormationDepth, pipeline.TileScores, func(c *pipeline.Call) error {
		return s.FormationDepth(c.Target)
	}, pipeline.After(), pipeline.Gate(func() bool { return s.config().FormationDepthEnabled }))

	return registered
}

// Turns returns the per-faction state the service records into.
func (s *Service) Turns() *turnstate.Coordinator {
	return s.turns
}

// SetTurns replaces the per-faction state, dropping everything recorded for
// the previous session.
func (s *Service) SetTurns(c *turnstate.Coordinator) {
	s.turns = c
}

// TurnStarted resets the turn state of the faction at faction.
func (s *Service) TurnStarted(faction uintptr) error {
	if err := s.acc.Verify(faction, s.class.faction); err != nil {
		return fmt.Errorf("turn started: %w", err)
	}
	index, err := s.acc.Int32(faction, s.field.factionIndex)
	if err != nil {
		return fmt.Errorf("reading faction index: %w", err)
	}
	s.turns.Reset(index)
	s.logger.Debug("Turn reset", "faction", index, "turn", s.turns.Faction(index).Turn)
	return nil
}

// agentFaction returns the faction object of agent and its turn state.
func (s *Service) agentFaction(agent uintptr) (uintptr, *turnstate.FactionState, error) {
	if err := s.acc.Verify(agent, s.class.agent); err != nil {
		return 0, nil, fmt.Errorf("agent: %w", err)
	}
	faction, err := s.acc.Follow(agent, s.field.agentFaction, s.class.faction)
	if err != nil {
		return 0, nil, err
	}
	index, err := s.acc.Int32(faction, s.field.factionIndex)
	if err != nil {
		return 0, nil, fmt.Errorf("reading faction index: %w", err)
	}
	return faction, s.turns.Faction(index), nil
}

// role reads the role weights of agent. Mobility and safety are only read
// when full is set.
func (s *Service) role(agent uintptr, full bool) (Role, error) {
	data, err := s.acc.Follow(agent, s.field.agentRole, s.class.roleData)
	if err != nil {
		return Role{}, err
	}
	var r Role
	reads := map[*float32]layout.FieldHandle{
		&r.Suppression: s.field.suppression,
		&r.Damage:      s.field.damage,
	}
	if full {
		reads[&r.Mobility] = s.field.mobility
		reads[&r.Safety] = s.field.safety
	}
	for dst, h := range reads {
		if *dst, err = s.acc.Float(data, h); err != nil {
			return Role{}, fmt.Errorf("reading role data: %w", err)
		}
	}
	return r, nil
}

// position reads the grid position of the tile at tile.
func (s *Service) position(tile uintptr) (turnstate.GridPos, error) {
	x, err := s.acc.Int32(tile, s.field.tileX)
	if err != nil {
		return turnstate.GridPos{}, err
	}
	z, err := s.acc.Int32(tile, s.field.tileZ)
	if err != nil {
		return turnstate.GridPos{}, err
	}
	return turnstate.GridPos{X: x, Z: z}, nil
}

// actorPosition follows actor.tile and reads its position.
func (s *Service) actorPosition(actor uintptr) (turnstate.GridPos, error) {
	tile, err := s.acc.Follow(actor, s.field.actorTile, s.class.tile)
	if err != nil {
		return turnstate.GridPos{}, err
	}
	return s.position(tile)
}

// Sequencing biases priority so suppressors act before damage dealers until
// the first suppressor of the turn has acted.
func (s *Service) Sequencing(agent uintptr, priority float32) (float32, error) {
	_, state, err := s.agentFaction(agent)
	if err != nil {
		return priority, err
	}
	if state.HasSuppressorActed {
		return priority, nil
	}
	r, err := s.role(agent, false)
	if err != nil {
		return priority, err
	}
	cfg := s.config()
	arch := Classify(r.Suppression, r.Damage)
	factor := SequencingFactor(arch, false, cfg.SuppressorPriorityBoost, cfg.DamageDealerPenalty)
	if factor != 1 {
		s.logger.Debug("Sequencing", "agent", agent, "archetype", arch.String(), "factor", factor)
	}
	return float32(float64(priority) * factor), nil
}

// isAttack reports whether behavior b is an attack. Hosts that cannot
// classify live objects are answered from the behavior's goal instead.
func (s *Service) isAttack(b uintptr) (bool, error) {
	if s.acc.Classifies() {
		return s.acc.Verify(b, s.class.attack) == nil, nil
	}
	goal, err := s.acc.Int32(b, s.field.goal)
	if err != nil {
		return false, fmt.Errorf("reading goal: %w", err)
	}
	return s.goals.Attack(goal), nil
}

// FocusFire boosts priority once when any pending attack of agent targets a
// tile an ally already targeted this turn.
func (s *Service) FocusFire(agent uintptr, priority float32) (float32, error) {
	_, state, err := s.agentFaction(agent)
	if err != nil {
		return priority, err
	}
	if len(state.CompletedActions) == 0 {
		return priority, nil
	}
	list, err := s.acc.Follow(agent, s.field.agentBehaviors, 0)
	if err != nil {
		return priority, err
	}

	var (
		matched bool
		readErr error
	)
	_, err = s.behaviors.Each(list, func(b uintptr) bool {
		attack, err := s.isAttack(b)
		if err != nil {
			readErr = err
			return false
		}
		if !attack {
			return true
		}
		target, err := s.acc.ReadPointer(b, s.field.targetTile.Offset)
		if err != nil {
			readErr = err
			return false
		}
		if target != 0 && state.Targeted(target) {
			matched = true
			return false
		}
		return true
	})
	if err != nil {
		return priority, fmt.Errorf("walking behaviors: %w", err)
	}
	if readErr != nil {
		return priority, fmt.Errorf("reading behavior: %w", readErr)
	}
	if !matched {
		return priority, nil
	}
	boost := s.config().FocusFirePickingBoost
	s.logger.Debug("Focus fire", "agent", agent, "boost", boost)
	return float32(float64(priority) * boost), nil
}

// RecordExecution stores the action agent just executed.
func (s *Service) RecordExecution(agent uintptr) error {
	_, state, err := s.agentFaction(agent)
	if err != nil {
		return err
	}

	var action turnstate.AgentAction
	if behavior, err := s.acc.Follow(agent, s.field.agentActive, s.class.behavior); err == nil {
		if action.Goal, err = s.acc.Int32(behavior, s.field.goal); err != nil {
			return fmt.Errorf("reading goal: %w", err)
		}
		target, err := s.acc.ReadPointer(behavior, s.field.targetTile.Offset)
		if err != nil {
			return fmt.Errorf("reading target tile: %w", err)
		}
		if target >= memory.MinAddress {
			action.TargetTile = target
		}
	}

	actor, err := s.acc.Follow(agent, s.field.agentActor, s.class.actor)
	if err != nil {
		return err
	}
	action.Actor = actor
	if pos, err := s.actorPosition(actor); err == nil {
		action.Position = pos
		action.HasPosition = true
	}

	state.Record(action, s.goals.Suppression)
	return nil
}

type tileScore struct {
	pos     geo.Point
	score   uintptr
	utility float32
}

// scores reads the candidate's tile score map. Entries whose key or value is
// not the expected class are skipped.
func (s *Service) scores(agent uintptr) ([]tileScore, error) {
	dict, err := s.acc.Follow(agent, s.field.agentTiles, 0)
	if err != nil {
		return nil, err
	}
	var (
		out     []tileScore
		readErr error
	)
	_, err = s.tiles.Each(dict, func(e collections.Entry) bool {
		if s.acc.Verify(e.Key, s.class.tile) != nil || s.acc.Verify(e.Value, s.class.tileScore) != nil {
			return true
		}
		pos, err := s.position(e.Key)
		if err != nil {
			readErr = err
			return false
		}
		utility, err := s.acc.Float(e.Value, s.field.utility)
		if err != nil {
			readErr = err
			return false
		}
		out = append(out, tileScore{pos: pos.Point(), score: e.Value, utility: utility})
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("walking tile scores: %w", err)
	}
	if readErr != nil {
		return nil, fmt.Errorf("reading tile score: %w", readErr)
	}
	return out, nil
}

// apply adds bonus[i] to every tile's utility. When a write fails, the tiles
// already written get their original utility back.
func (s *Service) apply(tiles []tileScore, bonus []float64) error {
	for i, t := range tiles {
		if bonus[i] == 0 {
			continue
		}
		if err := s.acc.SetFloat(t.score, s.field.utility, t.utility+float32(bonus[i])); err != nil {
			return errors.Join(fmt.Errorf("writing tile score: %w", err), s.restore(tiles[:i], bonus[:i]))
		}
	}
	return nil
}

func (s *Service) restore(tiles []tileScore, bonus []float64) error {
	var errs []error
	for i, t := range tiles {
		if bonus[i] == 0 {
			continue
		}
		if err := s.acc.SetFloat(t.score, s.field.utility, t.utility); err != nil {
			errs = append(errs, fmt.Errorf("restoring tile score: %w", err))
		}
	}
	return errors.Join(errs...)
}

// CenterOfForces pulls the candidate toward where its allies stood last turn.
func (s *Service) CenterOfForces(agent uintptr) error {
	_, state, err := s.agentFaction(agent)
	if err != nil {
		return err
	}
	cfg := s.config()
	allies := state.PreviousAllyPoints()
	if len(allies) == 0 || len(allies) < cfg.CenterOfForcesMinAllies {
		return nil
	}
	center, ok := geo.Centroid(allies)
	if !ok {
		return nil
	}

	tiles, err := s.scores(agent)
	if err != nil {
		return err
	}
	bonus := make([]float64, len(tiles))
	for i, t := range tiles {
		bonus[i] = CenterOfForcesBonus(geo.Distance(t.pos, center), cfg.CenterOfForcesWeight, cfg.CenterOfForcesMaxRange)
	}
	s.logger.Debug("Center of forces", "agent", agent, "centroid", center.String(), "allies", len(allies), "tiles", len(tiles))
	return s.apply(tiles, bonus)
}

// FormationDepth pulls the candidate toward the distance band its role
// suits, measured from the nearest visible enemy group.
func (s *Service) FormationDepth(agent uintptr) error {
	faction, state, err := s.agentFaction(agent)
	if err != nil {
		return err
	}
	cfg := s.config()
	depth, err := state.Depth(func() (*turnstate.DepthCache, error) {
		return s.buildDepth(faction, state.Index, cfg)
	})
	if err != nil {
		return fmt.Errorf("building depth cache: %w", err)
	}
	if depth == nil {
		return nil
	}

	r, err := s.role(agent, true)
	if err != nil {
		return err
	}
	band := ClassifyBand(r)
	center := BandCenter(depth.BandEdges, band)
	maxRange := depth.BandEdges[3]

	tiles, err := s.scores(agent)
	if err != nil {
		return err
	}
	bonus := make([]float64, len(tiles))
	for i, t := range tiles {
		d, ok := geo.Nearest(t.pos, depth.EnemyCentroids)
		if !ok {
			continue
		}
		bonus[i] = DepthScore(d, center, maxRange) * cfg.FormationDepthWeight
	}
	s.logger.Debug("Formation depth", "agent", agent, "band", band.String(), "center", center, "tiles", len(tiles))
	return s.apply(tiles, bonus)
}

// buildDepth groups the visible opponents of faction by their own faction
// and takes one centroid per group. It returns nil when fewer than the
// configured minimum are visible.
func (s *Service) buildDepth(faction uintptr, own int32, cfg *config.Config) (*turnstate.DepthCache, error) {
	list, err := s.acc.Follow(faction, s.field.factionOpponents, 0)
	if err != nil {
		return nil, err
	}

	groups := make(map[int32][]geo.Point)
	var order []int32
	visible := 0
	_, err = s.opponents.Each(list, func(o uintptr) bool {
		if s.acc.Verify(o, s.class.opponent) != nil {
			return true
		}
		seen, err := s.acc.Bool(o, s.field.opponentVisible)
		if err != nil || !seen {
			return true
		}
		actor, err := s.acc.Follow(o, s.field.opponentActor, s.class.actor)
		if err != nil {
			return true
		}
		index, err := s.acc.Int32(actor, s.field.actorFaction)
		if err != nil || index == own {
			return true
		}
		pos, err := s.actorPosition(actor)
		if err != nil {
			return true
		}
		if _, ok := groups[index]; !ok {
			order = append(order, index)
		}
		groups[index] = append(groups[index], pos.Point())
		visible++
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("walking opponents: %w", err)
	}
	if visible == 0 || visible < cfg.FormationDepthMinOpponents {
		s.logger.Debug("Formation depth skipped", "faction", own, "visible", visible)
		return nil, nil
	}

	cache := &turnstate.DepthCache{
		BandEdges: BandEdges(cfg.FormationDepthMaxRange, cfg.FrontlineFraction, cfg.MidlineFraction),
	}
	for _, index := range order {
		if c, ok := geo.Centroid(groups[index]); ok {
			cache.EnemyCentroids = append(cache.EnemyCentroids, c)
		}
	}
	return cache, nil
}
