package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLowerUpperFirst(t *testing.T) {
	tests := []struct {
		input string
		lower string
		upper string
	}{
		{"", "", ""},
		{"Actor", "actor", "Actor"},
		{"actor", "actor", "Actor"},
		{"X", "x", "X"},
		{"_items", "_items", "_items"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.lower, LowerFirst(tt.input))
			assert.Equal(t, tt.upper, UpperFirst(tt.input))
		})
	}
}

func TestFieldNameCandidates(t *testing.T) {
	assert.Equal(t,
		[]string{"Actor", "actor", "_actor", "m_Actor", "<Actor>k__BackingField"},
		FieldNameCandidates("Actor"))

	assert.Equal(t,
		[]string{"items", "_items", "m_Items", "<Items>k__BackingField"},
		FieldNameCandidates("items"),
		"duplicates are dropped and order kept")

	assert.Nil(t, FieldNameCandidates(""))
}

func TestNamespaceCandidates(t *testing.T) {
	assert.Equal(t, []string{"", "Il2Cpp"}, NamespaceCandidates(""))
	assert.Equal(t, []string{"Game.AI", "Il2CppGame.AI", "Il2Cpp.Game.AI"}, NamespaceCandidates("Game.AI"))
	assert.Equal(t, []string{"Il2CppSystem"}, NamespaceCandidates("Il2CppSystem"))
}

func TestBackingFieldName(t *testing.T) {
	assert.Equal(t, "<Faction>k__BackingField", BackingFieldName("faction"))
}
