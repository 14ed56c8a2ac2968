package rotation

import (
	"context"
)

// Row is one record returned by a Store. Values holds the requested columns;
// a nil pointer is a NULL column.
type Row struct {
	ID     string
	Values map[string]*string
}

// Query selects rows of Table that have at least one non-null column in
// Columns, ordered by IDColumn compared as text, starting strictly after
// After. Limit caps the page size.
type Query struct {
	Table    string
	IDColumn string
	Columns  []string
	After    string
	Limit    int
}

// Store is the row store the driver reads from and writes back to.
type Store interface {
	// Select returns the next page of rows matching q.
	Select(ctx context.Context, q Query) ([]Row, error)

	// Update writes fields to a single row. Implementations must apply all
	// fields or none of them.
	Update(ctx context.Context, table, idColumn, id string, fields map[string]string) error
}

// Checkpointer persists the last committed row id of a table so an
// interrupted job resumes where it stopped.
type Checkpointer interface {
	// Load returns the saved cursor, or "" when the table has none.
	Load(ctx context.Context, job, table string) (string, error)
	Save(ctx context.Context, job, table, lastID string) error
	Clear(ctx context.Context, job, table string) error
}

// Target names a table and the sensitive columns to process in it.
type Target struct {
	Table    string   `json:"table"`
	IDColumn string   `json:"id_column"`
	Columns  []string `json:"columns"`
}

func (t Target) idColumn() string {
	if t.IDColumn == "" {
		return "id"
	}
	return t.IDColumn
}

// DefaultTargets returns the sensitive columns of the clinical schema.
func DefaultTargets() []Target {
	return []Target{
		{Table: "sessions", IDColumn: "id", Columns: []string{"transcript", "summary"}},
		{Table: "session_notes", IDColumn: "id", Columns: []string{"content"}},
		{Table: "patients", IDColumn: "id", Columns: []string{"notes"}},
		{Table: "analyses", IDColumn: "id", Columns: []string{
			"emotions",
			"significantEmotions",
			"emotionFlowerPlot",
			"topicAnalysisResult",
			"customTopicAnalysisResults",
			"semanticFrameResults",
		}},
	}
}

// FilterTargets keeps the targets whose table is in tables. An empty list
// keeps everything.
func FilterTargets(targets []Target, tables []string) []Target {
	if len(tables) == 0 {
		return targets
	}
	want := make(map[string]struct{}, len(tables))
	for _, t := range tables {
		want[t] = struct{}{}
	}
	out := make([]Target, 0, len(targets))
	for _, t := range targets {
		if _, ok := want[t.Table]; ok {
			out = append(out, t)
		}
	}
	return out
}
