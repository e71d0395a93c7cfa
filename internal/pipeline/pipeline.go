// Package pipeline runs the coordination stages for each host callback in a
// fixed order. Every stage runs behind its own recover boundary: a stage that
// fails or panics is logged, counted and skipped, and the call continues with
// the value it had before that stage.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ErrStagePanic wraps a panic recovered from a stage.
var ErrStagePanic = errors.New("stage panicked")

// Hook names a host extension point.
type Hook string

const (
	TurnStarted    Hook = "turn-started"
	AdjustPriority Hook = "adjust-priority"
	ActionExecuted Hook = "action-executed"
	TileScores     Hook = "tile-scores"
)

// Phase orders stages within a hook. All Before stages run before any After
// stage; within a phase stages run in registration order.
type Phase int

const (
	PhaseBefore Phase = iota
	PhaseAfter
)

func (p Phase) String() string {
	if p == PhaseAfter {
		return "after"
	}
	return "before"
}

// Call is one host callback travelling through the stages.
type Call struct {
	Hook Hook
	// Target is the faction for TurnStarted and the agent otherwise.
	Target uintptr
	// Priority is read and updated by AdjustPriority stages.
	Priority float32
}

// StageFunc processes a call.
type StageFunc func(*Call) error

// Logger interface for pluggable logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Option configures stage registration.
type Option func(*config)

type config struct {
	phase  Phase
	logged bool
	gate   func() bool
}

// After registers the stage in the after phase.
func After() Option {
	return func(c *config) {
		c.phase = PhaseAfter
	}
}

// Logged adds debug logging to the stage.
func Logged() Option {
	return func(c *config) {
		c.logged = true
	}
}

// Gate skips the stage whenever enabled returns false. It is evaluated on
// every call.
func Gate(enabled func() bool) Option {
	return func(c *config) {
		c.gate = enabled
	}
}

type stage struct {
	name  string
	phase Phase
	gate  func() bool
	fn    StageFunc
	attrs metric.MeasurementOption
}

// Pipeline holds the stages registered per hook.
type Pipeline struct {
	stages map[Hook][]stage
	logger Logger

	// OTEL metrics
	invocations metric.Int64Counter
	failures    metric.Int64Counter
	skipped     metric.Int64Counter
	duration    metric.Float64Histogram
}

// New creates an empty Pipeline with the given logger.
// Uses the global OTel meter for metrics (no-op if not configured).
func New(logger Logger) (*Pipeline, error) {
	p := &Pipeline{
		stages: make(map[Hook][]stage),
		logger: logger,
	}

	m := meter()

	var err error

	p.invocations, err = m.Int64Counter(
		"pipeline.stage.invocations",
		metric.WithDescription("Total stage invocations"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating invocations counter: %w", err)
	}

	p.failures, err = m.Int64Counter(
		"pipeline.stage.failures",
		metric.WithDescription("Stage invocations that failed or panicked"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating failures counter: %w", err)
	}

	p.skipped, err = m.Int64Counter(
		"pipeline.stage.skipped",
		metric.WithDescription("Stage invocations skipped by their gate"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating skipped counter: %w", err)
	}

	p.duration, err = m.Float64Histogram(
		"pipeline.stage.duration",
		metric.WithDescription("Stage run time"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating duration histogram: %w", err)
	}

	return p, nil
}

// Register adds a stage to hook.
func (p *Pipeline) Register(hook Hook, name string, fn StageFunc, opts ...Option) {
	cfg := &config{}
	for _, opt := range opts {
		opt(cfg)
	}

	handler := fn
	if cfg.logged {
		handler = p.withLogging(hook, name, handler)
	}

	s := stage{
		name:  name,
		phase: cfg.phase,
		gate:  cfg.gate,
		fn:    handler,
		attrs: metric.WithAttributes(attribute.String("hook", string(hook)), attribute.String("stage", name)),
	}

	// keep before stages ahead of after stages, registration order otherwise
	stages := p.stages[hook]
	i := len(stages)
	if s.phase == PhaseBefore {
		for i > 0 && stages[i-1].phase == PhaseAfter {
			i--
		}
	}
	stages = append(stages, stage{})
	copy(stages[i+1:], stages[i:])
	stages[i] = s
	p.stages[hook] = stages
}

// HasStages reports whether any stage is registered for hook.
func (p *Pipeline) HasStages(hook Hook) bool {
	return len(p.stages[hook]) > 0
}

// Stages returns the stage names of hook in run order.
func (p *Pipeline) Stages(hook Hook) []string {
	names := make([]string, 0, len(p.stages[hook]))
	for _, s := range p.stages[hook] {
		names = append(names, s.name)
	}
	return names
}

// Run passes call through every stage of its hook.
func (p *Pipeline) Run(call *Call) {
	ctx := context.Background()
	for _, s := range p.stages[call.Hook] {
		if s.gate != nil && !s.gate() {
			p.skipped.Add(ctx, 1, s.attrs)
			continue
		}

		start := time.Now()
		before := *call
		err := p.runStage(s, call)
		p.invocations.Add(ctx, 1, s.attrs)
		p.duration.Record(ctx, float64(time.Since(start).Microseconds())/1000, s.attrs)

		if err != nil {
			*call = before
			p.failures.Add(ctx, 1, s.attrs)
			p.logger.Warn("stage failed, contribution skipped",
				"hook", string(call.Hook), "stage", s.name, "target", call.Target, "error", err)
		}
	}
}

func (p *Pipeline) runStage(s stage, call *Call) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s: %v", ErrStagePanic, s.name, r)
		}
	}()
	return s.fn(call)
}

func (p *Pipeline) withLogging(hook Hook, name string, fn StageFunc) StageFunc {
	return func(call *Call) error {
		start := time.Now()
		p.logger.Debug("running stage", "hook", string(hook), "stage", name, "target", call.Target)

		err := fn(call)

		if err == nil {
			p.logger.Debug("stage complete", "hook", string(hook), "stage", name, "duration", time.Since(start))
		}
		return err
	}
}
