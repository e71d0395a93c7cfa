// Package extension wires the coordination subsystem into the host: it owns
// the addon folder, logging, config and session, resolves the host layout the
// first time the tactical phase is entered, and forwards the host callbacks
// through the stage pipeline.
package extension

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/squadsync/extension/internal/config"
	"github.com/squadsync/extension/internal/coordination"
	"github.com/squadsync/extension/internal/layout"
	"github.com/squadsync/extension/internal/logging"
	"github.com/squadsync/extension/internal/memory"
	"github.com/squadsync/extension/internal/pipeline"
	"github.com/squadsync/extension/internal/session"
	"github.com/squadsync/extension/internal/turnstate"
	"github.com/squadsync/extension/pkg/hostapi"
)

// module defs - Version can be set at build time via ldflags
var (
	Version   = "0.1.0"
	BuildDate = "unknown"
)

// Name is used for the log file name.
const Name = "squadsync"

// ErrNoHost is returned by New when Dependencies.Host is nil.
var ErrNoHost = errors.New("no host introspection available")

// Host is what the extension needs from the running host: class metadata and
// raw memory access.
type Host interface {
	hostapi.Introspector
	hostapi.Memory
}

// Dependencies holds the external inputs of an Extension.
type Dependencies struct {
	Host        Host
	AddonFolder string
	HostBuild   string
	// Manifest overrides the embedded layout manifest.
	Manifest *layout.Manifest
}

// Extension implements hostapi.Handler.
type Extension struct {
	host     Host
	manifest *layout.Manifest
	folder   string

	slog    *logging.SlogManager
	logger  *slog.Logger
	logFile *os.File
	config  *config.Store
	session *session.Context

	pipeline    *pipeline.Pipeline
	pipelineLog *logging.PipelineLogger

	// resolution happens once per process; everything below is nil before
	resolved bool
	table    *layout.Table
	service  *coordination.Service
}

// New prepares the extension. Layout resolution is deferred to the first
// PhaseEntered call.
func New(deps Dependencies) (*Extension, error) {
	if deps.Host == nil {
		return nil, ErrNoHost
	}
	if err := os.MkdirAll(deps.AddonFolder, 0o755); err != nil {
		return nil, fmt.Errorf("creating addon folder: %w", err)
	}

	e := &Extension{
		host:     deps.Host,
		manifest: deps.Manifest,
		folder:   deps.AddonFolder,
		slog:     logging.NewSlogManager(),
		session:  session.NewContext(deps.HostBuild),
	}

	// console logging until the config says where the log file goes
	e.slog.Setup(nil, "info", e.session.LogAttrs)
	e.logger = e.slog.Logger()

	e.config = config.NewStore(deps.AddonFolder, e.logger)
	if err := e.config.Load(); err != nil {
		e.logger.Warn("Failed to write default config, using defaults in memory", "error", err)
	}
	cfg := e.config.Current()

	logsDir := cfg.LogsDir
	if !filepath.IsAbs(logsDir) {
		logsDir = filepath.Join(deps.AddonFolder, logsDir)
	}
	path := logging.LogFilePath(logsDir, Name, e.session.Started())
	file, err := logging.OpenLogFile(path)
	if err != nil {
		e.logger.Error("Failed to create/open log file!", "error", err, "path", path)
	} else {
		e.logFile = file
		e.slog.Setup(file, cfg.LogLevel, e.session.LogAttrs)
		e.logger = e.slog.Logger()
		e.config.SetLogger(e.logger)
		e.logger.Info("Logging to file", "path", path)
	}

	var pipelineLog zerolog.Logger
	if e.logFile != nil {
		pipelineLog = logging.NewFileLogger(e.logFile, cfg.LogLevel, "pipeline")
	} else {
		pipelineLog = logging.NewConsoleLogger(os.Stderr, cfg.LogLevel)
	}
	e.pipelineLog = logging.NewPipelineLogger(pipelineLog)
	e.pipeline, err = pipeline.New(e.pipelineLog)
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("creating pipeline: %w", err)
	}

	e.logger.Info("Extension ready", "version", Version, "build", BuildDate, "hostBuild", deps.HostBuild)
	return e, nil
}

// Install makes e the handler of the host entry points.
func (e *Extension) Install() {
	hostapi.SetVersion(Version)
	hostapi.SetHandler(e)
}

// Close releases the log file.
func (e *Extension) Close() error {
	if e.logFile == nil {
		return nil
	}
	err := e.logFile.Close()
	e.logFile = nil
	return err
}

// Logger returns the extension's logger.
func (e *Extension) Logger() *slog.Logger {
	return e.logger
}

// Config returns the active configuration.
func (e *Extension) Config() *config.Config {
	return e.config.Current()
}

// ReloadConfig re-reads the config file. The new values, log level included,
// apply from the next hook call; on error the previous config stays active.
func (e *Extension) ReloadConfig() error {
	if err := e.config.Reload(); err != nil {
		return err
	}
	level := e.config.Current().LogLevel
	e.slog.SetLevel(level)
	e.pipelineLog.SetLevel(level)
	return nil
}

// Table returns the resolved layout, or nil before the first PhaseEntered.
func (e *Extension) Table() *layout.Table {
	return e.table
}

// Session returns the current session.
func (e *Extension) Session() *session.Context {
	return e.session
}

// Pipeline returns the stage pipeline.
func (e *Extension) Pipeline() *pipeline.Pipeline {
	return e.pipeline
}

// PhaseEntered resolves the layout on first entry and starts a new session
// on every later one.
func (e *Extension) PhaseEntered() {
	if e.resolved {
		id := e.session.Restart()
		e.service.SetTurns(turnstate.NewCoordinator())
		e.logger.Info("New session", "session", id.String())
		return
	}
	e.resolved = true

	e.logger.Info("Resolving host layout", "hook", "PhaseEntered")
	e.table = layout.NewResolver(e.host, e.manifest, e.logger).Resolve()
	for _, f := range e.table.Failures() {
		e.logger.Warn("Layout failure", "ref", f.Ref, "error", f.Err)
	}

	e.service = coordination.NewService(coordination.Dependencies{
		Accessor:    memory.NewAccessor(e.host, e.host),
		Table:       e.table,
		Coordinator: turnstate.NewCoordinator(),
		Config:      e.config.Current,
		Logger:      e.logger.With("component", "coordination"),
	})
	registered := e.service.Register(e.pipeline)

	e.logger.Info("Coordination installed",
		"manifest", e.table.Version(),
		"features", len(registered),
		"available", e.table.Features().Names(),
	)
}

func (e *Extension) run(call *pipeline.Call) {
	if e.service == nil {
		return
	}
	e.pipeline.Run(call)
}

// TurnStarted implements hostapi.Handler.
func (e *Extension) TurnStarted(faction uintptr) {
	e.run(&pipeline.Call{Hook: pipeline.TurnStarted, Target: faction})
}

// AdjustPriority implements hostapi.Handler.
func (e *Extension) AdjustPriority(agent uintptr, priority float32) float32 {
	call := &pipeline.Call{Hook: pipeline.AdjustPriority, Target: agent, Priority: priority}
	e.run(call)
	return call.Priority
}

// ActionExecuted implements hostapi.Handler.
func (e *Extension) ActionExecuted(agent uintptr) {
	e.run(&pipeline.Call{Hook: pipeline.ActionExecuted, Target: agent})
}

// TileScoresComputed implements hostapi.Handler.
func (e *Extension) TileScoresComputed(agent uintptr) {
	e.run(&pipeline.Call{Hook: pipeline.TileScores, Target: agent})
}
