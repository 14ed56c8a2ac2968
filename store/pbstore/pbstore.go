// Package pbstore is a rotation.Store over PocketBase collections.
package pbstore

import (
	"context"
	"fmt"

	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/core"

	"fieldcrypt/rotation"
)

// Store reads and writes record fields through a PocketBase app. Tables are
// collection names and the id column is always the record id.
type Store struct {
	app core.App
}

var _ rotation.Store = (*Store)(nil)

func New(app core.App) *Store {
	return &Store{app: app}
}

// Select returns records with at least one non-empty field in q.Columns.
// PocketBase stores missing text as "", so empty fields are reported as NULL.
func (s *Store) Select(ctx context.Context, q rotation.Query) ([]rotation.Row, error) {
	collection, err := s.app.FindCollectionByNameOrId(q.Table)
	if err != nil {
		return nil, fmt.Errorf("pbstore: collection %s: %w", q.Table, err)
	}

	nonEmpty := make([]dbx.Expression, 0, len(q.Columns))
	for _, c := range q.Columns {
		if collection.Fields.GetByName(c) == nil {
			return nil, fmt.Errorf("pbstore: collection %s has no field %q", q.Table, c)
		}
		nonEmpty = append(nonEmpty, dbx.NewExp("[["+c+"]] != ''"))
	}

	limit := q.Limit
	if limit <= 0 {
		limit = rotation.DefaultBatchSize
	}

	var records []*core.Record
	err = s.app.RecordQuery(collection).
		WithContext(ctx).
		AndWhere(dbx.Or(nonEmpty...)).
		AndWhere(dbx.NewExp("[[id]] > {:after}", dbx.Params{"after": q.After})).
		OrderBy("id ASC").
		Limit(int64(limit)).
		All(&records)
	if err != nil {
		return nil, fmt.Errorf("pbstore: select %s: %w", q.Table, err)
	}

	rows := make([]rotation.Row, 0, len(records))
	for _, record := range records {
		row := rotation.Row{ID: record.Id, Values: make(map[string]*string, len(q.Columns))}
		for _, c := range q.Columns {
			if v := record.GetString(c); v != "" {
				row.Values[c] = &v
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// Update saves the fields of one record in a single statement. Record hooks
// are bypassed so encrypt-on-write hooks never see rotation output.
func (s *Store) Update(ctx context.Context, table, _ string, id string, fields map[string]string) error {
	record, err := s.app.FindRecordById(table, id)
	if err != nil {
		return fmt.Errorf("pbstore: find %s/%s: %w", table, id, err)
	}
	for k, v := range fields {
		record.Set(k, v)
	}
	if err := s.app.UnsafeWithoutHooks().SaveNoValidateWithContext(ctx, record); err != nil {
		return fmt.Errorf("pbstore: save %s/%s: %w", table, id, err)
	}
	return nil
}
