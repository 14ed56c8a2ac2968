// Package pgstore is a rotation.Store over PostgreSQL tables, such as the
// Supabase schema holding sessions, notes, patients and analyses.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"fieldcrypt/rotation"
)

// ErrNotFound is returned by Update when no row has the given id.
var ErrNotFound = errors.New("row not found")

// querier is the subset of *pgxpool.Pool used by Store.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store reads and writes text columns through a pgx pool.
type Store struct {
	db   querier
	pool *pgxpool.Pool
}

var _ rotation.Store = (*Store)(nil)

// New creates a Store from an existing pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{db: pool, pool: pool}
}

// Open connects to url and verifies the connection.
func Open(ctx context.Context, url string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return New(pool), nil
}

// Close closes the pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// ident quotes a possibly schema-qualified identifier.
func ident(name string) string {
	return pgx.Identifier(strings.Split(name, ".")).Sanitize()
}

func selectSQL(q rotation.Query) string {
	id := ident(q.IDColumn)
	cols := make([]string, len(q.Columns))
	notNull := make([]string, len(q.Columns))
	for i, c := range q.Columns {
		cols[i] = ident(c) + "::text"
		notNull[i] = ident(c) + " IS NOT NULL"
	}

	return fmt.Sprintf(
		"SELECT %s::text, %s FROM %s WHERE (%s) AND %s::text > $1 ORDER BY %s::text LIMIT $2",
		id,
		strings.Join(cols, ", "),
		ident(q.Table),
		strings.Join(notNull, " OR "),
		id,
		id,
	)
}

func (s *Store) Select(ctx context.Context, q rotation.Query) ([]rotation.Row, error) {
	if len(q.Columns) == 0 {
		return nil, nil
	}
	if q.IDColumn == "" {
		q.IDColumn = "id"
	}
	limit := q.Limit
	if limit <= 0 {
		limit = rotation.DefaultBatchSize
	}

	rows, err := s.db.Query(ctx, selectSQL(q), q.After, limit)
	if err != nil {
		return nil, fmt.Errorf("pgstore select %s: %w", q.Table, err)
	}
	defer rows.Close()

	var out []rotation.Row
	for rows.Next() {
		var id string
		values := make([]*string, len(q.Columns))
		dest := make([]any, 0, len(q.Columns)+1)
		dest = append(dest, &id)
		for i := range values {
			dest = append(dest, &values[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("pgstore scan %s: %w", q.Table, err)
		}

		row := rotation.Row{ID: id, Values: make(map[string]*string, len(q.Columns))}
		for i, c := range q.Columns {
			row.Values[c] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgstore select %s: %w", q.Table, err)
	}
	return out, nil
}

func updateSQL(table, idColumn string, columns []string) string {
	sets := make([]string, len(columns))
	for i, c := range columns {
		sets[i] = fmt.Sprintf("%s = $%d", ident(c), i+1)
	}
	return fmt.Sprintf("UPDATE %s SET %s WHERE %s::text = $%d",
		ident(table),
		strings.Join(sets, ", "),
		ident(idColumn),
		len(columns)+1,
	)
}

// Update writes all fields in a single statement.
func (s *Store) Update(ctx context.Context, table, idColumn, id string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	if idColumn == "" {
		idColumn = "id"
	}

	columns := make([]string, 0, len(fields))
	for c := range fields {
		columns = append(columns, c)
	}
	sort.Strings(columns)

	args := make([]any, 0, len(columns)+1)
	for _, c := range columns {
		args = append(args, fields[c])
	}
	args = append(args, id)

	tag, err := s.db.Exec(ctx, updateSQL(table, idColumn, columns), args...)
	if err != nil {
		return fmt.Errorf("pgstore update %s/%s: %w", table, id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("pgstore update %s/%s: %w", table, id, ErrNotFound)
	}
	return nil
}
