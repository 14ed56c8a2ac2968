package pbstore

import (
	"context"
	"testing"

	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/tests"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldcrypt/rotation"
)

func newTestApp(t *testing.T) *tests.TestApp {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping PocketBase test in short mode")
	}

	app, err := tests.NewTestApp()
	require.NoError(t, err)
	t.Cleanup(app.Cleanup)

	collection := core.NewBaseCollection("patients")
	collection.Fields.Add(
		&core.TextField{Name: "notes", Max: 1 << 20},
		&core.TextField{Name: "alias"},
	)
	require.NoError(t, app.Save(collection))
	return app
}

func createPatient(t *testing.T, app core.App, id, notes, alias string) {
	t.Helper()
	collection, err := app.FindCollectionByNameOrId("patients")
	require.NoError(t, err)

	record := core.NewRecord(collection)
	record.Set("id", id)
	record.Set("notes", notes)
	record.Set("alias", alias)
	require.NoError(t, app.Save(record))
}

func TestStore_Select(t *testing.T) {
	app := newTestApp(t)
	createPatient(t, app, "p00000000000001", "first", "")
	createPatient(t, app, "p00000000000002", "", "")
	createPatient(t, app, "p00000000000003", "", "third")
	createPatient(t, app, "p00000000000004", "fourth", "x")

	s := New(app)
	q := rotation.Query{Table: "patients", IDColumn: "id", Columns: []string{"notes", "alias"}, Limit: 2}

	rows, err := s.Select(context.Background(), q)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "p00000000000001", rows[0].ID)
	assert.Equal(t, "first", *rows[0].Values["notes"])
	assert.Nil(t, rows[0].Values["alias"])
	assert.Equal(t, "p00000000000003", rows[1].ID)

	q.After = rows[1].ID
	rows, err = s.Select(context.Background(), q)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "p00000000000004", rows[0].ID)
}

func TestStore_SelectUnknown(t *testing.T) {
	app := newTestApp(t)
	s := New(app)

	_, err := s.Select(context.Background(), rotation.Query{Table: "missing", Columns: []string{"notes"}})
	assert.Error(t, err)

	_, err = s.Select(context.Background(), rotation.Query{Table: "patients", Columns: []string{"notes; DROP TABLE patients"}})
	assert.ErrorContains(t, err, "has no field")
}

func TestStore_Update(t *testing.T) {
	app := newTestApp(t)
	createPatient(t, app, "p00000000000001", "before", "kept")

	s := New(app)
	require.NoError(t, s.Update(context.Background(), "patients", "id", "p00000000000001", map[string]string{"notes": "after"}))

	record, err := app.FindRecordById("patients", "p00000000000001")
	require.NoError(t, err)
	assert.Equal(t, "after", record.GetString("notes"))
	assert.Equal(t, "kept", record.GetString("alias"))

	err = s.Update(context.Background(), "patients", "id", "p00000000000999", map[string]string{"notes": "x"})
	assert.Error(t, err)
}

func TestStore_UpdateSkipsHooks(t *testing.T) {
	app := newTestApp(t)
	createPatient(t, app, "p00000000000001", "before", "")

	called := false
	app.OnRecordUpdateExecute("patients").BindFunc(func(e *core.RecordEvent) error {
		called = true
		return e.Next()
	})

	require.NoError(t, New(app).Update(context.Background(), "patients", "id", "p00000000000001", map[string]string{"notes": "after"}))
	assert.False(t, called)
}
