package main

import (
	"testing"

	"cdr.dev/slog/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldcrypt"
	"fieldcrypt/rotation"
)

func TestCollectionConfigs(t *testing.T) {
	configs := collectionConfigs(rotation.DefaultTargets())
	assert.Len(t, configs, len(rotation.DefaultTargets()))
	assert.Contains(t, configs, fieldcrypt.CollectionConfig{Collection: "patients", Fields: []string{"notes"}})

	// Round trip through the rotation targets used by the CLI.
	assert.Equal(t, rotation.DefaultTargets(), fieldcrypt.Targets(configs...))
}

func TestLogLevels(t *testing.T) {
	for _, l := range []string{"debug", "info", "warn", "error"} {
		_, ok := logLevels[l]
		assert.True(t, ok, l)
	}
}

func TestLogLevel_CaseInsensitive(t *testing.T) {
	for name, want := range map[string]slog.Level{
		"DEBUG": slog.LevelDebug,
		"Warn":  slog.LevelWarn,
		"error": slog.LevelError,
	} {
		got, ok := logLevel(name)
		require.True(t, ok, name)
		assert.Equal(t, want, got, name)
	}

	_, ok := logLevel("verbose")
	assert.False(t, ok)
}
