package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// console receives records when no log file is configured.
var console io.Writer = os.Stderr

// SlogManager owns the extension's slog logger. The level can be changed after
// Setup without rebuilding the handlers.
type SlogManager struct {
	logger *slog.Logger
	level  slog.LevelVar
}

// NewSlogManager returns a manager whose Logger is slog.Default until Setup.
func NewSlogManager() *SlogManager {
	return &SlogManager{}
}

// ParseLevel maps a config log level to slog. Unknown names mean info.
func ParseLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return slog.LevelInfo
	}
	return l
}

func rfc3339UTC(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.TimeKey {
		return a
	}
	if t, ok := a.Value.Any().(time.Time); ok {
		a.Value = slog.StringValue(t.UTC().Format(time.RFC3339))
	}
	return a
}

// Setup builds the logger. Records go to file, or to the console when file is
// nil; the host owns stdout. With a file, warnings and errors are still
// mirrored to the console. src, when set, adds session attributes to every
// record.
func (m *SlogManager) Setup(file io.Writer, level string, src AttrSource) {
	m.level.Set(ParseLevel(level))
	opts := &slog.HandlerOptions{Level: &m.level, ReplaceAttr: rfc3339UTC}

	tee := &teeHandler{}
	if file != nil {
		tee.add(slog.NewTextHandler(file, opts), slog.LevelDebug)
		tee.add(slog.NewTextHandler(console, opts), slog.LevelWarn)
	} else {
		tee.add(slog.NewTextHandler(console, opts), slog.LevelDebug)
	}

	m.logger = slog.New(withSession(tee, src))
	m.logger.Info("Logging initialized", "level", m.level.Level().String())
}

// SetLevel changes the level of the logger built by Setup.
func (m *SlogManager) SetLevel(level string) {
	lvl := ParseLevel(level)
	if lvl == m.level.Level() {
		return
	}
	m.level.Set(lvl)
	if m.logger != nil {
		m.logger.Info("Log level changed", "level", lvl.String())
	}
}

// Level returns the current level.
func (m *SlogManager) Level() slog.Level {
	return m.level.Level()
}

// Logger returns the configured logger, or slog.Default before Setup.
func (m *SlogManager) Logger() *slog.Logger {
	if m.logger == nil {
		return slog.Default()
	}
	return m.logger
}
