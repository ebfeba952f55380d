package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

// PostgresStore implements Rows on top of database/sql with the pgx driver.
// Only tables and columns from the schema allow-list reach generated SQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Query(ctx context.Context, table string, q Query) ([]Row, error) {
	if err := checkQuery(table, q); err != nil {
		return nil, err
	}
	query, args := buildSelect(table, q)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	return scanRows(table, rows)
}

func (s *PostgresStore) Insert(ctx context.Context, table string, row Row) (Row, error) {
	if err := checkRow(table, row); err != nil {
		return nil, err
	}
	if len(row) == 0 {
		return nil, ErrEmptyInsertRow
	}
	query, args := buildInsert(table, row)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("insert %s: %w", table, err)
	}
	inserted, err := scanRows(table, rows)
	if err != nil {
		return nil, err
	}
	if len(inserted) == 0 {
		return nil, fmt.Errorf("insert %s: no row returned", table)
	}
	return inserted[0], nil
}

func (s *PostgresStore) Update(ctx context.Context, table string, where []Filter, patch Row) ([]Row, error) {
	if err := checkRow(table, patch); err != nil {
		return nil, err
	}
	if err := checkFilters(table, where); err != nil {
		return nil, err
	}
	if len(where) == 0 {
		return nil, ErrUnfiltered
	}
	if len(patch) == 0 {
		return s.Query(ctx, table, Query{Where: where})
	}
	query, args := buildUpdate(table, where, patch)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("update %s: %w", table, err)
	}
	return scanRows(table, rows)
}

type sqlBuilder struct {
	b    strings.Builder
	args []any
}

func (q *sqlBuilder) arg(v any) string {
	q.args = append(q.args, sqlValue(v))
	return fmt.Sprintf("$%d", len(q.args))
}

func (q *sqlBuilder) condition(f Filter) string {
	column := ident(f.Column)
	switch {
	case f.Value == nil && f.Op == OpEq:
		return column + " IS NULL"
	case f.Value == nil:
		return column + " IS NOT NULL"
	case f.Op == OpNeq:
		// neq keeps NULLs, matching PostgREST's "is distinct from" semantics.
		return column + " IS DISTINCT FROM " + q.arg(f.Value)
	default:
		return column + " = " + q.arg(f.Value)
	}
}

func (q *sqlBuilder) where(all, anyOf []Filter) {
	var parts []string
	for _, f := range all {
		parts = append(parts, q.condition(f))
	}
	if len(anyOf) > 0 {
		alternatives := make([]string, 0, len(anyOf))
		for _, f := range anyOf {
			alternatives = append(alternatives, q.condition(f))
		}
		parts = append(parts, "("+strings.Join(alternatives, " OR ")+")")
	}
	if len(parts) > 0 {
		q.b.WriteString(" WHERE ")
		q.b.WriteString(strings.Join(parts, " AND "))
	}
}

func buildSelect(table string, query Query) (string, []any) {
	q := &sqlBuilder{}
	q.b.WriteString("SELECT * FROM ")
	q.b.WriteString(ident(table))
	q.where(query.Where, query.AnyOf)
	if query.OrderBy != "" {
		q.b.WriteString(" ORDER BY ")
		q.b.WriteString(ident(query.OrderBy))
		if query.Descending {
			q.b.WriteString(" DESC")
		} else {
			q.b.WriteString(" ASC")
		}
	}
	if query.Limit > 0 {
		fmt.Fprintf(&q.b, " LIMIT %d", query.Limit)
	}
	return q.b.String(), q.args
}

func buildInsert(table string, row Row) (string, []any) {
	q := &sqlBuilder{}
	columns := sortedColumns(row)
	names := make([]string, 0, len(columns))
	values := make([]string, 0, len(columns))
	for _, c := range columns {
		names = append(names, ident(c))
		values = append(values, q.arg(row[c]))
	}
	fmt.Fprintf(&q.b, "INSERT INTO %s (%s) VALUES (%s) RETURNING *",
		ident(table), strings.Join(names, ", "), strings.Join(values, ", "))
	return q.b.String(), q.args
}

func buildUpdate(table string, where []Filter, patch Row) (string, []any) {
	q := &sqlBuilder{}
	columns := sortedColumns(patch)
	sets := make([]string, 0, len(columns))
	for _, c := range columns {
		sets = append(sets, ident(c)+" = "+q.arg(patch[c]))
	}
	fmt.Fprintf(&q.b, "UPDATE %s SET %s", ident(table), strings.Join(sets, ", "))
	q.where(where, nil)
	q.b.WriteString(" RETURNING *")
	return q.b.String(), q.args
}

func ident(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

// sqlValue encodes structured values for json/jsonb columns.
func sqlValue(v any) any {
	switch typed := v.(type) {
	case json.RawMessage:
		return string(typed)
	case map[string]any, []any, Row:
		raw, err := json.Marshal(typed)
		if err != nil {
			return nil
		}
		return string(raw)
	}
	return v
}

func scanRows(table string, rows *sql.Rows) ([]Row, error) {
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("columns %s: %w", table, err)
	}

	items := make([]Row, 0)
	for rows.Next() {
		values := make([]any, len(columns))
		pointers := make([]any, len(columns))
		for i := range values {
			pointers[i] = &values[i]
		}
		if err := rows.Scan(pointers...); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		row := make(Row, len(columns))
		for i, c := range columns {
			if raw, ok := values[i].([]byte); ok {
				row[c] = string(raw)
				continue
			}
			row[c] = values[i]
		}
		items = append(items, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", table, err)
	}
	return items, nil
}
