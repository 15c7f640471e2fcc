package catalog

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCatalog_NumbersAreDense(t *testing.T) {
	require.Len(t, Services, MaxNumber)
	for i, s := range Services {
		assert.Equal(t, i+1, s.Number)
		got, ok := ByID(s.ID)
		require.True(t, ok)
		assert.Equal(t, s.Number, got.Number)
	}
}

func TestByNumber_Range(t *testing.T) {
	_, ok := ByNumber(0)
	assert.False(t, ok)
	_, ok = ByNumber(8)
	assert.False(t, ok)
	s, ok := ByNumber(4)
	require.True(t, ok)
	assert.Equal(t, "development-mobile", s.ID)
	assert.Equal(t, 599, s.MonthlyPrice)
}

func TestVoiceInstructions_ListsEveryServiceWithPrice(t *testing.T) {
	text := VoiceInstructions()
	for _, s := range Services {
		assert.Contains(t, text, s.Name)
	}
	assert.Contains(t, text, "SERVICE 7: Team Training & Workshops ($449/month)")
	assert.Contains(t, text, `"removing service X"`)
	assert.Equal(t, 7, strings.Count(text, "SERVICE "))
}
