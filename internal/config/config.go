// Package config loads the coordination weights and toggles from the JSON
// file in the addon folder. The active Config is swapped atomically and never
// mutated in place.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/spf13/viper"
)

// FileName is the config file name inside the addon folder.
const FileName = "squadsync.cfg.json"

// ErrInvalid is returned when the config file fails to decode or validate.
var ErrInvalid = errors.New("invalid config")

//go:embed schema.json
var schemaSource string

var schema = jsonschema.MustCompileString("squadsync.schema.json", schemaSource)

// Config holds every weight and toggle the heuristics read.
type Config struct {
	LogLevel string `json:"logLevel" mapstructure:"logLevel"`
	LogsDir  string `json:"logsDir" mapstructure:"logsDir"`

	SequencingEnabled       bool    `json:"sequencingEnabled" mapstructure:"sequencingEnabled"`
	SuppressorPriorityBoost float64 `json:"suppressorPriorityBoost" mapstructure:"suppressorPriorityBoost"`
	DamageDealerPenalty     float64 `json:"damageDealerPenalty" mapstructure:"damageDealerPenalty"`

	FocusFireEnabled      bool    `json:"focusFireEnabled" mapstructure:"focusFireEnabled"`
	FocusFirePickingBoost float64 `json:"focusFirePickingBoost" mapstructure:"focusFirePickingBoost"`

	CenterOfForcesEnabled   bool    `json:"centerOfForcesEnabled" mapstructure:"centerOfForcesEnabled"`
	CenterOfForcesWeight    float64 `json:"centerOfForcesWeight" mapstructure:"centerOfForcesWeight"`
	CenterOfForcesMaxRange  float64 `json:"centerOfForcesMaxRange" mapstructure:"centerOfForcesMaxRange"`
	CenterOfForcesMinAllies int     `json:"centerOfForcesMinAllies" mapstructure:"centerOfForcesMinAllies"`

	FormationDepthEnabled      bool    `json:"formationDepthEnabled" mapstructure:"formationDepthEnabled"`
	FormationDepthWeight       float64 `json:"formationDepthWeight" mapstructure:"formationDepthWeight"`
	FormationDepthMaxRange     float64 `json:"formationDepthMaxRange" mapstructure:"formationDepthMaxRange"`
	FormationDepthMinOpponents int     `json:"formationDepthMinOpponents" mapstructure:"formationDepthMinOpponents"`
	FrontlineFraction          float64 `json:"frontlineFraction" mapstructure:"frontlineFraction"`
	MidlineFraction            float64 `json:"midlineFraction" mapstructure:"midlineFraction"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		LogsDir:  "logs",

		SequencingEnabled:       true,
		SuppressorPriorityBoost: 1.5,
		DamageDealerPenalty:     0.7,

		FocusFireEnabled:      true,
		FocusFirePickingBoost: 1.3,

		CenterOfForcesEnabled:   true,
		CenterOfForcesWeight:    3.0,
		CenterOfForcesMaxRange:  12,
		CenterOfForcesMinAllies: 2,

		FormationDepthEnabled:      true,
		FormationDepthWeight:       2.0,
		FormationDepthMaxRange:     20,
		FormationDepthMinOpponents: 1,
		FrontlineFraction:          0.33,
		MidlineFraction:            0.33,
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("logLevel", d.LogLevel)
	v.SetDefault("logsDir", d.LogsDir)

	v.SetDefault("sequencingEnabled", d.SequencingEnabled)
	v.SetDefault("suppressorPriorityBoost", d.SuppressorPriorityBoost)
	v.SetDefault("damageDealerPenalty", d.DamageDealerPenalty)

	v.SetDefault("focusFireEnabled", d.FocusFireEnabled)
	v.SetDefault("focusFirePickingBoost", d.FocusFirePickingBoost)

	v.SetDefault("centerOfForcesEnabled", d.CenterOfForcesEnabled)
	v.SetDefault("centerOfForcesWeight", d.CenterOfForcesWeight)
	v.SetDefault("centerOfForcesMaxRange", d.CenterOfForcesMaxRange)
	v.SetDefault("centerOfForcesMinAllies", d.CenterOfForcesMinAllies)

	v.SetDefault("formationDepthEnabled", d.FormationDepthEnabled)
	v.SetDefault("formationDepthWeight", d.FormationDepthWeight)
	v.SetDefault("formationDepthMaxRange", d.FormationDepthMaxRange)
	v.SetDefault("formationDepthMinOpponents", d.FormationDepthMinOpponents)
	v.SetDefault("frontlineFraction", d.FrontlineFraction)
	v.SetDefault("midlineFraction", d.MidlineFraction)
}

// Validate checks constraints the schema cannot express.
func (c *Config) Validate() error {
	if c.FrontlineFraction+c.MidlineFraction > 1 {
		return fmt.Errorf("%w: frontlineFraction + midlineFraction = %.3f exceeds 1",
			ErrInvalid, c.FrontlineFraction+c.MidlineFraction)
	}
	return nil
}

// Store owns the config file and the active Config.
type Store struct {
	path    string
	current atomic.Pointer[Config]
	logger  *slog.Logger
}

// NewStore creates a store for the config file in dir. Until Load is called
// the defaults are active.
func NewStore(dir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Store{path: filepath.Join(dir, FileName), logger: logger}
	s.current.Store(Default())
	return s
}

// Path returns the config file path.
func (s *Store) Path() string {
	return s.path
}

// Current returns the active config. Callers must not modify it.
func (s *Store) Current() *Config {
	return s.current.Load()
}

// SetLogger replaces the logger, once logging is set up from the loaded
// config.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// Load reads the file at startup. A missing file is created with defaults;
// an invalid one is moved to .bak and replaced with defaults. Only a failure
// to write the defaults is returned.
func (s *Store) Load() error {
	cfg, err := s.read()
	switch {
	case err == nil:
		s.current.Store(cfg)
		s.logger.Info("Config loaded", "path", s.path)
		return nil
	case errors.Is(err, fs.ErrNotExist):
		s.logger.Info("Config file missing, writing defaults", "path", s.path)
	default:
		s.logger.Warn("Config file invalid, using defaults", "path", s.path, "error", err)
		if renameErr := os.Rename(s.path, s.path+".bak"); renameErr != nil {
			s.logger.Warn("Could not back up invalid config", "error", renameErr)
		}
	}
	return s.Save(Default())
}

// Reload re-reads the file and swaps the result in. On failure the previous
// config stays active.
func (s *Store) Reload() error {
	cfg, err := s.read()
	if err != nil {
		s.logger.Warn("Config reload failed, keeping previous config", "error", err)
		return err
	}
	s.current.Store(cfg)
	s.logger.Info("Config reloaded", "path", s.path)
	return nil
}

// Save validates cfg, writes it to the file and makes it active.
func (s *Store) Save(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(s.path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	clone := *cfg
	s.current.Store(&clone)
	return nil
}

func (s *Store) read() (*Config, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetConfigType("json")
	if err := v.ReadConfig(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
