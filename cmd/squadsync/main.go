// Command squadsync checks the layout manifest against a host dump offline,
// keeps snapshots of resolved layouts and manages the addon config file.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/squadsync/extension/internal/config"
	"github.com/squadsync/extension/internal/dump"
	"github.com/squadsync/extension/internal/extension"
	"github.com/squadsync/extension/internal/layout"
	"github.com/squadsync/extension/internal/layoutstore"
	"github.com/squadsync/extension/internal/logging"
)

const usage = `usage: squadsync <command> [flags]

commands:
  check   resolve the layout manifest against a dump.cs
  diff    compare two stored layout snapshots
  config  init or show the addon config file
  version print the version
`

var errUsage = errors.New("invalid usage")

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if !errors.Is(err, errUsage) {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return errUsage
	}

	switch strings.ToLower(args[0]) {
	case "check":
		return runCheck(args[1:], stdout, stderr)
	case "diff":
		return runDiff(args[1:], stdout, stderr)
	case "config":
		return runConfig(args[1:], stdout, stderr)
	case "version":
		fmt.Fprintf(stdout, "%s %s (%s)\n", extension.Name, extension.Version, extension.BuildDate)
		return nil
	default:
		fmt.Fprint(stderr, usage)
		return errUsage
	}
}

type storeFlags struct {
	sqlite   string
	postgres string
}

func (s *storeFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&s.sqlite, "sqlite", "", "SQLite snapshot database path")
	fs.StringVar(&s.postgres, "postgres", "", "Postgres snapshot database DSN")
}

func (s *storeFlags) set() bool {
	return s.sqlite != "" || s.postgres != ""
}

func (s *storeFlags) open(log zerolog.Logger) (*layoutstore.Manager, error) {
	if s.postgres != "" {
		return layoutstore.OpenPostgres(s.postgres, log)
	}
	return layoutstore.OpenSqlite(s.sqlite, log)
}

func newFlagSet(name string, stderr io.Writer) (*pflag.FlagSet, *string) {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(stderr)
	level := fs.String("log-level", "info", "log level (debug, info, warn, error)")
	return fs, level
}

func runCheck(args []string, stdout, stderr io.Writer) error {
	fs, level := newFlagSet("check", stderr)
	dumpPath := fs.String("dump", "", "path to dump.cs (plain or .zst)")
	build := fs.String("build", "", "host build id recorded with the snapshot")
	manifestPath := fs.String("manifest", "", "layout manifest overriding the embedded one")
	var store storeFlags
	store.register(fs)
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if *dumpPath == "" {
		fmt.Fprintln(stderr, "check: --dump is required")
		return errUsage
	}

	log := logging.NewConsoleLogger(stderr, *level)

	meta, err := dump.Open(*dumpPath)
	if err != nil {
		return err
	}
	log.Info().Str("path", *dumpPath).Int("classes", len(meta.Classes())).Msg("Parsed dump")

	var manifest *layout.Manifest
	if *manifestPath != "" {
		data, err := os.ReadFile(*manifestPath)
		if err != nil {
			return fmt.Errorf("reading manifest: %w", err)
		}
		if manifest, err = layout.ParseManifest(data); err != nil {
			return err
		}
	}

	slogger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: slogLevel(*level)}))
	table := layout.NewResolver(meta, manifest, slogger).Resolve()
	fmt.Fprint(stdout, table.Summary())

	if store.set() {
		m, err := store.open(log)
		if err != nil {
			return err
		}
		defer m.Close()
		snap, err := m.Save(*build, table)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "snapshot %d saved\n", snap.ID)
	}

	if len(table.Failures()) > 0 {
		log.Warn().Int("failures", len(table.Failures())).Msg("Layout incomplete")
	}
	return nil
}

func runDiff(args []string, stdout, stderr io.Writer) error {
	fs, level := newFlagSet("diff", stderr)
	var store storeFlags
	store.register(fs)
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if !store.set() || fs.NArg() != 2 {
		fmt.Fprintln(stderr, "diff: need --sqlite or --postgres and two snapshot ids")
		return errUsage
	}

	var ids [2]uint
	for i, arg := range fs.Args() {
		id, err := strconv.ParseUint(arg, 10, 64)
		if err != nil {
			return fmt.Errorf("snapshot id %q: %w", arg, err)
		}
		ids[i] = uint(id)
	}

	m, err := store.open(logging.NewConsoleLogger(stderr, *level))
	if err != nil {
		return err
	}
	defer m.Close()

	from, err := m.Get(ids[0])
	if err != nil {
		return err
	}
	to, err := m.Get(ids[1])
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%d (%s) -> %d (%s)\n", from.ID, from.HostBuild, to.ID, to.HostBuild)
	fmt.Fprint(stdout, layoutstore.Diff(from, to).String())
	return nil
}

func runConfig(args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "config: expected init or show")
		return errUsage
	}
	fs, level := newFlagSet("config", stderr)
	dir := fs.String("dir", ".", "addon folder holding "+config.FileName)
	if err := fs.Parse(args[1:]); err != nil {
		return errUsage
	}

	store := config.NewStore(*dir, slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: slogLevel(*level)})))
	switch args[0] {
	case "init":
		if err := store.Save(config.Default()); err != nil {
			return err
		}
		fmt.Fprintln(stdout, "wrote", store.Path())
		return nil
	case "show":
		if err := store.Load(); err != nil {
			return err
		}
		data, err := json.MarshalIndent(store.Current(), "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "# %s\n%s\n", store.Path(), data)
		return nil
	default:
		fmt.Fprintf(stderr, "config: unknown action %q\n", args[0])
		return errUsage
	}
}

func slogLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return l
}
