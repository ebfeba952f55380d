package store

import (
	"fmt"
	"sort"
)

const (
	TableMessages = "messages"
	TableChapters = "chapters"
	TableComments = "chapter_comments_context"
	TableProfiles = "profiles"
)

var schema = map[string][]string{
	TableMessages: {
		"id", "client_id", "sender_id", "receiver_id", "body", "type", "status",
		"attachment_url", "attachment_mime", "attachment_size_bytes",
		"created_at", "deleted_at",
	},
	TableChapters: {
		"id", "owner_id", "supervisor_id", "title", "content", "created_at", "updated_at",
	},
	TableComments: {
		"id", "chapter_id", "author_id", "body", "exact_match", "prefix", "suffix",
		"occurrence", "pos_start", "pos_end", "is_read", "read_at", "created_at",
	},
	TableProfiles: {
		"id", "full_name", "email", "role", "supervisor_id", "created_at",
	},
}

var columnSets = func() map[string]map[string]struct{} {
	out := make(map[string]map[string]struct{}, len(schema))
	for table, columns := range schema {
		set := make(map[string]struct{}, len(columns))
		for _, c := range columns {
			set[c] = struct{}{}
		}
		out[table] = set
	}
	return out
}()

// Tables lists the tables the row store exposes.
func Tables() []string {
	out := make([]string, 0, len(schema))
	for table := range schema {
		out = append(out, table)
	}
	sort.Strings(out)
	return out
}

func checkTable(table string) error {
	if _, ok := columnSets[table]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	return nil
}

func checkColumn(table, column string) error {
	if _, ok := columnSets[table][column]; !ok {
		return fmt.Errorf("%w: %s.%s", ErrUnknownColumn, table, column)
	}
	return nil
}

func checkQuery(table string, q Query) error {
	if err := checkTable(table); err != nil {
		return err
	}
	if err := checkFilters(table, q.Where); err != nil {
		return err
	}
	if err := checkFilters(table, q.AnyOf); err != nil {
		return err
	}
	if q.OrderBy != "" {
		return checkColumn(table, q.OrderBy)
	}
	return nil
}

func checkFilters(table string, filters []Filter) error {
	for _, f := range filters {
		if err := checkColumn(table, f.Column); err != nil {
			return err
		}
		if f.Op != OpEq && f.Op != OpNeq {
			return fmt.Errorf("unsupported operator %q", f.Op)
		}
	}
	return nil
}

func checkRow(table string, row Row) error {
	if err := checkTable(table); err != nil {
		return err
	}
	for column := range row {
		if err := checkColumn(table, column); err != nil {
			return err
		}
	}
	return nil
}

// sortedColumns returns the row's keys in a stable order.
func sortedColumns(row Row) []string {
	out := make([]string, 0, len(row))
	for k := range row {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
