package dump

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/squadsync/extension/pkg/hostapi"
)

var fixturePath = filepath.Join("..", "hostsim", "dump.cs")

func loadFixture(t *testing.T) *Metadata {
	t.Helper()
	m, err := Open(fixturePath)
	require.NoError(t, err)
	return m
}

func mustLookup(t *testing.T, m *Metadata, ns, name string) hostapi.ClassHandle {
	t.Helper()
	h, ok := m.Lookup(ns, name)
	require.True(t, ok, "class %s.%s", ns, name)
	return h
}

func TestParse_Empty(t *testing.T) {
	_, err := Parse(strings.NewReader("// nothing here\n"))
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestFindClass(t *testing.T) {
	m := loadFixture(t)

	h, ok := m.FindClass("Assembly-CSharp", "Tactics", "Agent")
	require.True(t, ok)
	ns, name := m.ClassName(h)
	assert.Equal(t, "Tactics", ns)
	assert.Equal(t, "Agent", name)

	_, ok = m.FindClass("mscorlib", "Tactics", "Agent")
	assert.False(t, ok, "assembly must match when both are known")

	_, ok = m.FindClass("", "Other", "Agent")
	assert.False(t, ok)

	_, ok = m.FindClass("", "System.Collections.Generic", "List`1")
	assert.True(t, ok)
}

func TestClasses_OnlyDeclared(t *testing.T) {
	m := loadFixture(t)
	before := len(m.Classes())

	agent := mustLookup(t, m, "Tactics", "Agent")
	_, ok := m.FieldClass(agent, "_behaviors")
	require.True(t, ok)

	assert.Len(t, m.Classes(), before, "instantiations are not listed")
}

func TestFields(t *testing.T) {
	m := loadFixture(t)

	tests := []struct {
		class  string
		field  string
		offset uint32
	}{
		{"Faction", "index", 0x10},
		{"Faction", "opponents", 0x18},
		{"Agent", "m_Actor", 0x20},
		{"Agent", "tiles", 0x38},
		{"Actor", "<Tile>k__BackingField", 0x10},
		{"RoleData", "safetyWeight", 0x1C},
		{"Opponent", "visible", 0x18},
	}
	for _, tt := range tests {
		t.Run(tt.class+"."+tt.field, func(t *testing.T) {
			info, ok := m.Field(mustLookup(t, m, "Tactics", tt.class), tt.field)
			require.True(t, ok)
			assert.Equal(t, tt.offset, info.Offset)
			assert.False(t, info.Static)
		})
	}
}

func TestField_DeclaredOnly(t *testing.T) {
	m := loadFixture(t)
	agent := mustLookup(t, m, "Tactics", "Agent")

	_, ok := m.Field(agent, "roleData")
	assert.False(t, ok, "inherited fields are found through Parent")

	parent, ok := m.Parent(agent)
	require.True(t, ok)
	info, ok := m.Field(parent, "roleData")
	require.True(t, ok)
	assert.Equal(t, uint32(0x10), info.Offset)
}

func TestField_StaticAndConst(t *testing.T) {
	m := loadFixture(t)

	list := mustLookup(t, m, "System.Collections.Generic", "List`1")
	info, ok := m.Field(list, "s_emptyArray")
	require.True(t, ok)
	assert.True(t, info.Static)
	assert.Zero(t, info.Offset)

	_, ok = m.Field(mustLookup(t, m, "Tactics", "Faction"), "MaxAgents")
	assert.False(t, ok)
}

func TestParent(t *testing.T) {
	m := loadFixture(t)

	attack := mustLookup(t, m, "Tactics", "Attack")
	behavior := mustLookup(t, m, "Tactics", "Behavior")
	assert.True(t, hostapi.IsSubclassOf(m, attack, behavior))

	_, ok := m.Parent(behavior)
	assert.False(t, ok)

	// interfaces are not parents
	_, ok = m.Parent(mustLookup(t, m, "System.Collections.Generic", "List`1"))
	assert.False(t, ok)
}

func TestOpenGenericReportsZero(t *testing.T) {
	m := loadFixture(t)
	list := mustLookup(t, m, "System.Collections.Generic", "List`1")

	assert.True(t, m.IsGenericDefinition(list))
	info, ok := m.Field(list, "_items")
	require.True(t, ok)
	assert.Zero(t, info.Offset)

	_, ok = m.InstanceSize(list)
	assert.False(t, ok)
}

func TestClosedList(t *testing.T) {
	m := loadFixture(t)
	agent := mustLookup(t, m, "Tactics", "Agent")

	list, ok := m.FieldClass(agent, "_behaviors")
	require.True(t, ok)
	assert.False(t, m.IsGenericDefinition(list))
	_, name := m.ClassName(list)
	assert.Equal(t, "List<Behavior>", name)

	items, ok := m.Field(list, "_items")
	require.True(t, ok)
	assert.Equal(t, uint32(0x10), items.Offset)
	size, ok := m.Field(list, "_size")
	require.True(t, ok)
	assert.Equal(t, uint32(0x18), size.Offset)

	array, ok := m.FieldClass(list, "_items")
	require.True(t, ok)
	elem, ok := m.ElementClass(array)
	require.True(t, ok)
	assert.Equal(t, mustLookup(t, m, "Tactics", "Behavior"), elem)

	again, ok := m.FieldClass(agent, "_behaviors")
	require.True(t, ok)
	assert.Equal(t, list, again, "instantiations are cached")
}

func TestClosedDictionaryEntry(t *testing.T) {
	m := loadFixture(t)
	agent := mustLookup(t, m, "Tactics", "Agent")

	dict, ok := m.FieldClass(agent, "tiles")
	require.True(t, ok)
	entries, ok := m.FieldClass(dict, "_entries")
	require.True(t, ok)
	entry, ok := m.ElementClass(entries)
	require.True(t, ok)

	assert.True(t, m.IsValueType(entry))
	_, name := m.ClassName(entry)
	assert.Equal(t, "Entry<Tile, TileScore>", name)

	for field, want := range map[string]uint32{"hashCode": 0x10, "key": 0x18, "value": 0x20} {
		info, ok := m.Field(entry, field)
		require.True(t, ok, field)
		assert.Equal(t, want, info.Offset, field)
	}

	size, ok := m.InstanceSize(entry)
	require.True(t, ok)
	assert.Equal(t, uint32(40), size)

	key, ok := m.FieldClass(entry, "key")
	require.True(t, ok)
	assert.Equal(t, mustLookup(t, m, "Tactics", "Tile"), key)
}

func TestInstanceSize(t *testing.T) {
	m := loadFixture(t)

	size, ok := m.InstanceSize(mustLookup(t, m, "Tactics", "Tile"))
	require.True(t, ok)
	assert.Equal(t, uint32(0x18), size)

	size, ok = m.InstanceSize(mustLookup(t, m, "Tactics", "Agent"))
	require.True(t, ok)
	assert.Equal(t, uint32(0x40), size)

	size, ok = m.InstanceSize(mustLookup(t, m, "Tactics", "Attack"))
	require.True(t, ok)
	assert.Equal(t, uint32(0x28), size)
}

func TestWithRuntime(t *testing.T) {
	src := `// Namespace: Demo
public struct Pair // TypeDefIndex: 1
{
	public int a; // 0x0
	public int b; // 0x4
}`
	m, err := Parse(strings.NewReader(src), WithRuntime(4, 8))
	require.NoError(t, err)

	pair := mustLookup(t, m, "Demo", "Pair")
	info, ok := m.Field(pair, "b")
	require.True(t, ok)
	assert.Equal(t, uint32(12), info.Offset)

	size, ok := m.InstanceSize(pair)
	require.True(t, ok)
	assert.Equal(t, uint32(16), size)
}

func TestObjectClass(t *testing.T) {
	m := loadFixture(t)
	agent := mustLookup(t, m, "Tactics", "Agent")

	_, ok := m.ObjectClass(0x7000)
	assert.False(t, ok)

	m.Bind(0x7000, agent)
	got, ok := m.ObjectClass(0x7000)
	require.True(t, ok)
	assert.Equal(t, agent, got)
}

func TestOpen_Zstd(t *testing.T) {
	raw, err := os.ReadFile(fixturePath)
	require.NoError(t, err)

	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	compressed := enc.EncodeAll(raw, nil)
	require.NoError(t, enc.Close())

	path := filepath.Join(t.TempDir(), "dump.cs.zst")
	require.NoError(t, os.WriteFile(path, compressed, 0o644))

	m, err := Open(path)
	require.NoError(t, err)
	_, ok := m.Lookup("Tactics", "Faction")
	assert.True(t, ok)
}

func TestOpen_Missing(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "absent.cs"))
	assert.Error(t, err)
}
