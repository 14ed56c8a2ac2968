package fieldcrypt

import (
	"testing"

	"cdr.dev/slog/v3/sloggers/slogtest"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/tests"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldcrypt/crypto"
	"fieldcrypt/rotation"
)

const (
	testMasterKey  = "fieldcrypt-test-master-key-0123456789ab"
	superuserEmail = "test@example.com"
)

var testCodec = crypto.MustNew(testMasterKey)

func newTestApp(t testing.TB) *tests.TestApp {
	t.Helper()
	app, err := tests.NewTestApp()
	require.NoError(t, err)

	col := core.NewBaseCollection("fc_notes")
	col.Fields.Add(
		&core.TextField{Name: "content", Max: 1 << 20},
		&core.TextField{Name: "title"},
		&core.NumberField{Name: "score"},
	)
	require.NoError(t, app.Save(col))
	return app
}

func createNote(t testing.TB, app core.App, id, content string) {
	t.Helper()
	col, err := app.FindCollectionByNameOrId("fc_notes")
	require.NoError(t, err)
	record := core.NewRecord(col)
	record.Id = id
	record.Set("content", content)
	record.Set("title", "t-"+id)
	require.NoError(t, app.Save(record))
}

func storedContent(t testing.TB, app core.App, id string) string {
	t.Helper()
	record, err := app.FindRecordById("fc_notes", id)
	require.NoError(t, err)
	return record.GetString("content")
}

func TestRegister(t *testing.T) {
	logger := slogtest.Make(t, nil)

	t.Run("fails with no configs", func(t *testing.T) {
		h, err := Register(nil, testCodec, logger)
		assert.Nil(t, h)
		assert.ErrorContains(t, err, "at least one collection config is required")
	})

	t.Run("fails with nil app", func(t *testing.T) {
		h, err := Register(nil, testCodec, logger,
			CollectionConfig{Collection: "fc_notes", Fields: []string{"content"}})
		assert.Nil(t, h)
		assert.ErrorContains(t, err, "app is required")
	})

	if testing.Short() {
		t.Skip("skipping PocketBase test in short mode")
	}
	app := newTestApp(t)
	defer app.Cleanup()

	t.Run("fails with empty fields", func(t *testing.T) {
		h, err := Register(app, testCodec, logger, CollectionConfig{Collection: "fc_notes"})
		assert.Nil(t, h)
		assert.ErrorContains(t, err, "must have at least one field to encrypt")
	})

	t.Run("fails with nil codec", func(t *testing.T) {
		_, err := Register(app, nil, logger, CollectionConfig{Collection: "fc_notes", Fields: []string{"content"}})
		assert.ErrorContains(t, err, "codec is required")
	})

	t.Run("encrypts on save", func(t *testing.T) {
		h, err := Register(app, testCodec, logger,
			CollectionConfig{Collection: "fc_notes", Fields: []string{"content"}})
		require.NoError(t, err)
		assert.Equal(t, map[string][]string{"fc_notes": {"content"}}, h.Collections())

		createNote(t, app, "note00000000001", "colloquio iniziale")
		blob := storedContent(t, app, "note00000000001")
		assert.True(t, crypto.IsEncrypted(blob))
		assert.Equal(t, "colloquio iniziale", testCodec.Resolve(blob))
	})
}

func TestTargets(t *testing.T) {
	got := Targets(
		CollectionConfig{Collection: "patients", Fields: []string{"notes"}},
		CollectionConfig{Collection: "sessions", Fields: []string{"transcript", "summary"}},
	)
	assert.Equal(t, []rotation.Target{
		{Table: "patients", IDColumn: "id", Columns: []string{"notes"}},
		{Table: "sessions", IDColumn: "id", Columns: []string{"transcript", "summary"}},
	}, got)
}
