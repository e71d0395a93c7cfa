package layoutstore

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/squadsync/extension/internal/hostsim"
	"github.com/squadsync/extension/internal/layout"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := OpenSqlite(filepath.Join(t.TempDir(), "layouts.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func table(t *testing.T, src string) *layout.Table {
	t.Helper()
	h, err := hostsim.New(hostsim.WithSource(src))
	require.NoError(t, err)
	return h.Table
}

func TestNewSnapshot(t *testing.T) {
	tbl := table(t, hostsim.Source)
	snap := NewSnapshot("build-1", tbl)

	assert.Equal(t, "build-1", snap.HostBuild)
	assert.Equal(t, tbl.Version(), snap.ManifestVersion)
	assert.Equal(t, uint32(0x14), snap.Fields.Data()["tile.z"])
	assert.Equal(t, uint32(24), snap.Strides.Data()["tileScores"])
	assert.True(t, snap.Features.Data()["formation-depth"])
	assert.Empty(t, snap.Failures.Data())
}

func TestManager_SaveGetList(t *testing.T) {
	m := newTestManager(t)
	tbl := table(t, hostsim.Source)

	first, err := m.Save("build-1", tbl)
	require.NoError(t, err)
	require.NotZero(t, first.ID)
	_, err = m.Save("build-2", tbl)
	require.NoError(t, err)

	got, err := m.Get(first.ID)
	require.NoError(t, err)
	assert.Equal(t, "build-1", got.HostBuild)
	assert.Equal(t, first.Fields.Data(), got.Fields.Data())
	assert.Equal(t, first.Features.Data(), got.Features.Data())

	all, err := m.List("")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "build-1", all[0].HostBuild)

	filtered, err := m.List("build-2")
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, "build-2", filtered[0].HostBuild)
}

func TestManager_GetMissing(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Get(42)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDiff_Identical(t *testing.T) {
	tbl := table(t, hostsim.Source)
	a, b := NewSnapshot("a", tbl), NewSnapshot("b", tbl)

	d := Diff(&a, &b)
	assert.True(t, d.Empty())
	assert.Equal(t, "no layout changes\n", d.String())
}

func TestDiff_MovedRemovedAndFeatures(t *testing.T) {
	before := NewSnapshot("old", table(t, hostsim.Source))

	src := strings.Replace(hostsim.Source, "public int z; // 0x14", "public int z; // 0x18", 1)
	src = strings.ReplaceAll(src, "public class Opponent", "public class Hostile")
	after := NewSnapshot("new", table(t, src))

	d := Diff(&before, &after)

	assert.Equal(t, []Move{{Ref: "tile.z", From: 0x14, To: 0x18}}, d.Moved)
	assert.Contains(t, d.Removed, "opponent.visible")
	assert.Contains(t, d.Removed, "opponent.actor")
	assert.Empty(t, d.Added)
	assert.Equal(t, []string{"formation-depth"}, d.Disabled)
	assert.Empty(t, d.Enabled)

	out := d.String()
	assert.Contains(t, out, "~ tile.z 0x14 -> 0x18")
	assert.Contains(t, out, "feature formation-depth disabled")

	reverse := Diff(&after, &before)
	assert.Equal(t, []string{"formation-depth"}, reverse.Enabled)
	assert.Contains(t, reverse.Added, "opponent.visible")
}
