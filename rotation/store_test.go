package rotation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTargets(t *testing.T) {
	targets := DefaultTargets()
	require.Len(t, targets, 4)

	byTable := map[string][]string{}
	for _, target := range targets {
		assert.Equal(t, "id", target.idColumn())
		byTable[target.Table] = target.Columns
	}
	assert.Equal(t, []string{"transcript", "summary"}, byTable["sessions"])
	assert.Equal(t, []string{"content"}, byTable["session_notes"])
	assert.Equal(t, []string{"notes"}, byTable["patients"])
	assert.Len(t, byTable["analyses"], 6)
}

func TestFilterTargets(t *testing.T) {
	all := DefaultTargets()
	assert.Equal(t, all, FilterTargets(all, nil))

	got := FilterTargets(all, []string{"patients", "unknown"})
	require.Len(t, got, 1)
	assert.Equal(t, "patients", got[0].Table)
}

func TestTarget_DefaultIDColumn(t *testing.T) {
	assert.Equal(t, "id", Target{Table: "x"}.idColumn())
	assert.Equal(t, "uuid", Target{Table: "x", IDColumn: "uuid"}.idColumn())
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{"": ModeRotate, "rotate": ModeRotate, "Encrypt": ModeEncrypt, "decrypt": ModeDecrypt} {
		got, err := ParseMode(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
		if in != "" {
			assert.Equal(t, want.String(), got.String())
		}
	}
	_, err := ParseMode("shred")
	assert.Error(t, err)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "fetching", StateFetching.String())
	assert.Equal(t, "persisting", StatePersisting.String())
	assert.Equal(t, "unknown", State(99).String())
}
