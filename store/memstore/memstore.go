// Package memstore is an in-memory rotation.Store used by tests and dry runs
// over exported data.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"fieldcrypt/rotation"
)

// ErrNotFound is returned by Update for unknown rows.
var ErrNotFound = errors.New("row not found")

// Store keeps tables as id -> column -> value. It is safe for concurrent use.
type Store struct {
	mu         sync.Mutex
	tables     map[string]map[string]map[string]*string
	failSelect map[string]error
	failUpdate map[string]error
	updates    int
}

var _ rotation.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		tables:     make(map[string]map[string]map[string]*string),
		failSelect: make(map[string]error),
		failUpdate: make(map[string]error),
	}
}

// Put inserts or replaces a row. A nil value is a NULL column.
func (s *Store) Put(table, id string, values map[string]*string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, ok := s.tables[table]
	if !ok {
		rows = make(map[string]map[string]*string)
		s.tables[table] = rows
	}
	row := make(map[string]*string, len(values))
	for k, v := range values {
		row[k] = clone(v)
	}
	rows[id] = row
}

// PutText is Put for rows without NULL columns.
func (s *Store) PutText(table, id string, values map[string]string) {
	row := make(map[string]*string, len(values))
	for k, v := range values {
		row[k] = &v
	}
	s.Put(table, id, row)
}

// Get returns a column of a row. ok is false for unknown rows and NULL
// columns.
func (s *Store) Get(table, id, column string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := s.tables[table][id][column]
	if v == nil {
		return "", false
	}
	return *v, true
}

// Len returns the number of rows of table.
func (s *Store) Len(table string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tables[table])
}

// Updates returns how many Update calls succeeded.
func (s *Store) Updates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updates
}

// FailSelect makes every Select on table return err.
func (s *Store) FailSelect(table string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failSelect[table] = err
}

// FailUpdate makes Update of one row return err.
func (s *Store) FailUpdate(table, id string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failUpdate[table+"/"+id] = err
}

func (s *Store) Select(ctx context.Context, q rotation.Query) ([]rotation.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.failSelect[q.Table]; err != nil {
		return nil, err
	}

	rows := s.tables[q.Table]
	ids := slices.Sorted(maps.Keys(rows))

	var out []rotation.Row
	for _, id := range ids {
		if id <= q.After {
			continue
		}
		values := make(map[string]*string, len(q.Columns))
		hasValue := false
		for _, col := range q.Columns {
			v := clone(rows[id][col])
			values[col] = v
			hasValue = hasValue || v != nil
		}
		if !hasValue {
			continue
		}
		out = append(out, rotation.Row{ID: id, Values: values})
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

func (s *Store) Update(_ context.Context, table, _ string, id string, fields map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.failUpdate[table+"/"+id]; err != nil {
		return err
	}
	row, ok := s.tables[table][id]
	if !ok {
		return fmt.Errorf("%s/%s: %w", table, id, ErrNotFound)
	}
	for k, v := range fields {
		row[k] = &v
	}
	s.updates++
	return nil
}

func clone(v *string) *string {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
