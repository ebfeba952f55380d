package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrUnknownTable   = errors.New("unknown table")
	ErrUnknownColumn  = errors.New("unknown column")
	ErrUnfiltered     = errors.New("update requires at least one filter")
	ErrNotFound       = errors.New("row not found")
	ErrEmptyInsertRow = errors.New("insert requires at least one column")
)

// Row is a single record keyed by column name.
type Row map[string]any

// Op is a comparison operator understood by every Rows implementation.
type Op string

const (
	OpEq  Op = "eq"
	OpNeq Op = "neq"
)

// Filter compares one column against a value.
type Filter struct {
	Column string
	Op     Op
	Value  any
}

func Eq(column string, value any) Filter {
	return Filter{Column: column, Op: OpEq, Value: value}
}

func Neq(column string, value any) Filter {
	return Filter{Column: column, Op: OpNeq, Value: value}
}

// Query selects rows matching every Where filter and, when AnyOf is
// non-empty, at least one of the AnyOf filters.
type Query struct {
	Where      []Filter
	AnyOf      []Filter
	OrderBy    string
	Descending bool
	Limit      int
}

// Rows is the generic table access the domain packages depend on.
type Rows interface {
	Query(ctx context.Context, table string, q Query) ([]Row, error)
	Insert(ctx context.Context, table string, row Row) (Row, error)
	Update(ctx context.Context, table string, where []Filter, patch Row) ([]Row, error)
}

// First returns the first row matching q or ErrNotFound.
func First(ctx context.Context, rows Rows, table string, q Query) (Row, error) {
	q.Limit = 1
	found, err := rows.Query(ctx, table, q)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, ErrNotFound
	}
	return found[0], nil
}

// Decode converts a row into a tagged struct through its JSON form.
func Decode(row Row, dst any) error {
	raw, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("encode row: %w", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode row: %w", err)
	}
	return nil
}

// Encode converts a tagged struct into a row.
func Encode(src any) (Row, error) {
	raw, err := json.Marshal(src)
	if err != nil {
		return nil, fmt.Errorf("encode row: %w", err)
	}
	var row Row
	if err := json.Unmarshal(raw, &row); err != nil {
		return nil, fmt.Errorf("decode row: %w", err)
	}
	return row, nil
}

func (r Row) String(column string) string {
	switch v := r[column].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func (r Row) Time(column string) time.Time {
	switch v := r[column].(type) {
	case time.Time:
		return v
	case string:
		if parsed, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return parsed
		}
	}
	return time.Time{}
}

// Clone returns a shallow copy.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}
