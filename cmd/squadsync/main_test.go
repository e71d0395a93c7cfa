package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/squadsync/extension/internal/config"
	"github.com/squadsync/extension/internal/hostsim"
)

var fixture = filepath.Join("..", "..", "internal", "hostsim", "dump.cs")

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := run(args, &stdout, &stderr)
	return stdout.String(), err
}

func TestRun_Usage(t *testing.T) {
	_, err := runCLI(t)
	assert.ErrorIs(t, err, errUsage)

	_, err = runCLI(t, "bogus")
	assert.ErrorIs(t, err, errUsage)

	_, err = runCLI(t, "check")
	assert.ErrorIs(t, err, errUsage, "--dump is required")
}

func TestRun_Version(t *testing.T) {
	out, err := runCLI(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "squadsync")
}

func TestCheck_PrintsTable(t *testing.T) {
	out, err := runCLI(t, "check", "--dump", fixture)
	require.NoError(t, err)
	assert.Contains(t, out, "tile.z")
	assert.Contains(t, out, "tileScores.stride")
	assert.Contains(t, out, "0 failures")
}

func TestCheck_CompressedDump(t *testing.T) {
	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "dump.cs.zst")
	require.NoError(t, os.WriteFile(path, enc.EncodeAll([]byte(hostsim.Source), nil), 0o644))
	require.NoError(t, enc.Close())

	out, err := runCLI(t, "check", "--dump", path)
	require.NoError(t, err)
	assert.Contains(t, out, "0 failures")
}

func TestCheckThenDiff(t *testing.T) {
	db := filepath.Join(t.TempDir(), "layouts.db")

	out, err := runCLI(t, "check", "--dump", fixture, "--build", "b1", "--sqlite", db)
	require.NoError(t, err)
	assert.Contains(t, out, "snapshot 1 saved")

	_, err = runCLI(t, "check", "--dump", fixture, "--build", "b2", "--sqlite", db)
	require.NoError(t, err)

	out, err = runCLI(t, "diff", "--sqlite", db, "1", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "1 (b1) -> 2 (b2)")
	assert.Contains(t, out, "no layout changes")

	_, err = runCLI(t, "diff", "--sqlite", db, "1")
	assert.ErrorIs(t, err, errUsage)

	_, err = runCLI(t, "diff", "--sqlite", db, "1", "9")
	assert.Error(t, err)
}

func TestConfig_InitAndShow(t *testing.T) {
	dir := t.TempDir()

	out, err := runCLI(t, "config", "init", "--dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, config.FileName)

	out, err = runCLI(t, "config", "show", "--dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, `"suppressorPriorityBoost": 1.5`)

	_, err = runCLI(t, "config", "bogus", "--dir", dir)
	assert.ErrorIs(t, err, errUsage)
}
