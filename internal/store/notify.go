package store

import (
	"context"
	"log"

	"thesisdesk/internal/realtime"
)

// Notifying announces successful writes on a ChangePublisher, the way
// Supabase emits postgres_changes for its own tables. Publish failures are
// logged and never fail the write.
type Notifying struct {
	Rows
	publisher realtime.ChangePublisher
}

func NewNotifying(rows Rows, publisher realtime.ChangePublisher) *Notifying {
	return &Notifying{Rows: rows, publisher: publisher}
}

func (n *Notifying) Insert(ctx context.Context, table string, row Row) (Row, error) {
	inserted, err := n.Rows.Insert(ctx, table, row)
	if err != nil {
		return nil, err
	}
	n.publish(ctx, realtime.Change{Table: table, Kind: realtime.KindInsert, Record: inserted.Clone()})
	return inserted, nil
}

func (n *Notifying) Update(ctx context.Context, table string, where []Filter, patch Row) ([]Row, error) {
	updated, err := n.Rows.Update(ctx, table, where, patch)
	if err != nil {
		return nil, err
	}
	for _, row := range updated {
		n.publish(ctx, realtime.Change{Table: table, Kind: realtime.KindUpdate, Record: row.Clone()})
	}
	return updated, nil
}

func (n *Notifying) publish(ctx context.Context, change realtime.Change) {
	if err := n.publisher.PublishChange(ctx, change); err != nil {
		log.Printf("[store] publish %s %s: %v", change.Kind, change.Table, err)
	}
}
