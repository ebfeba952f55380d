package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRows is an in-process Rows implementation with the same filter and
// ordering semantics as the SQL backends. Inserted rows get an id and a
// created_at when they lack one.
type MemoryRows struct {
	mu     sync.Mutex
	tables map[string][]Row
	now    func() time.Time
}

func NewMemoryRows() *MemoryRows {
	return &MemoryRows{
		tables: make(map[string][]Row),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the timestamp source used for created_at.
func (m *MemoryRows) WithClock(now func() time.Time) *MemoryRows {
	m.now = now
	return m
}

func (m *MemoryRows) Query(_ context.Context, table string, q Query) ([]Row, error) {
	if err := checkQuery(table, q); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Row
	for _, row := range m.tables[table] {
		if matches(row, q.Where, q.AnyOf) {
			out = append(out, row.Clone())
		}
	}
	if q.OrderBy != "" {
		sort.SliceStable(out, func(i, j int) bool {
			c := compareValues(out[i][q.OrderBy], out[j][q.OrderBy])
			if q.Descending {
				return c > 0
			}
			return c < 0
		})
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	if out == nil {
		out = []Row{}
	}
	return out, nil
}

func (m *MemoryRows) Insert(_ context.Context, table string, row Row) (Row, error) {
	if err := checkRow(table, row); err != nil {
		return nil, err
	}
	if len(row) == 0 {
		return nil, ErrEmptyInsertRow
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	stored := row.Clone()
	if stored.String("id") == "" {
		stored["id"] = uuid.NewString()
	}
	if _, ok := columnSets[table]["created_at"]; ok && stored["created_at"] == nil {
		stored["created_at"] = m.now()
	}
	for _, existing := range m.tables[table] {
		if existing.String("id") == stored.String("id") {
			return nil, fmt.Errorf("insert %s: duplicate id %s", table, stored.String("id"))
		}
	}
	m.tables[table] = append(m.tables[table], stored)
	return stored.Clone(), nil
}

func (m *MemoryRows) Update(_ context.Context, table string, where []Filter, patch Row) ([]Row, error) {
	if err := checkRow(table, patch); err != nil {
		return nil, err
	}
	if err := checkFilters(table, where); err != nil {
		return nil, err
	}
	if len(where) == 0 {
		return nil, ErrUnfiltered
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	out := []Row{}
	for _, row := range m.tables[table] {
		if !matches(row, where, nil) {
			continue
		}
		for k, v := range patch {
			row[k] = v
		}
		out = append(out, row.Clone())
	}
	return out, nil
}

func matches(row Row, all, anyOf []Filter) bool {
	for _, f := range all {
		if !matchFilter(row, f) {
			return false
		}
	}
	if len(anyOf) == 0 {
		return true
	}
	for _, f := range anyOf {
		if matchFilter(row, f) {
			return true
		}
	}
	return false
}

func matchFilter(row Row, f Filter) bool {
	equal := valuesEqual(row[f.Column], f.Value)
	if f.Op == OpNeq {
		return !equal
	}
	return equal
}

func valuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return formatValue(a) == formatValue(b)
}

func compareValues(a, b any) int {
	at, aok := a.(time.Time)
	bt, bok := b.(time.Time)
	if aok && bok {
		return at.Compare(bt)
	}
	return strings.Compare(formatValue(a), formatValue(b))
}

// formatValue renders a value the way PostgREST expects it in a filter.
func formatValue(v any) string {
	switch typed := v.(type) {
	case nil:
		return ""
	case string:
		return typed
	case time.Time:
		return typed.UTC().Format(time.RFC3339Nano)
	case *time.Time:
		if typed == nil {
			return ""
		}
		return typed.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(typed)
	}
}
