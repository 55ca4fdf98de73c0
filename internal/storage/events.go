package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/wohlfahrt-digital/newswatch/internal/core/domain"
)

// AddItemEvent appends an audit event to an item's timeline.
func (db *DB) AddItemEvent(ctx context.Context, itemID int64, eventType string, data map[string]any) error {
	var payload []byte

	if data != nil {
		var err error

		payload, err = json.Marshal(data)
		if err != nil {
			return fmt.Errorf("marshal event data: %w", err)
		}
	}

	if _, err := db.Pool.Exec(ctx, `
		INSERT INTO item_events (item_id, event_type, data) VALUES ($1, $2, $3)`,
		itemID, eventType, payload); err != nil {
		return fmt.Errorf("add item event: %w", err)
	}

	return nil
}

// GetItemEvents returns an item's events in chronological order.
func (db *DB) GetItemEvents(ctx context.Context, itemID int64) ([]domain.ItemEvent, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, item_id, event_type, created_at, data
		FROM item_events WHERE item_id = $1 ORDER BY created_at, id`, itemID)
	if err != nil {
		return nil, fmt.Errorf("get item events: %w", err)
	}
	defer rows.Close()

	var events []domain.ItemEvent

	for rows.Next() {
		var (
			ev   domain.ItemEvent
			data []byte
		)

		if err := rows.Scan(&ev.ID, &ev.ItemID, &ev.EventType, &ev.Timestamp, &data); err != nil {
			return nil, fmt.Errorf("scan item event: %w", err)
		}

		if len(data) > 0 {
			if err := json.Unmarshal(data, &ev.Data); err != nil {
				return nil, fmt.Errorf("unmarshal event data: %w", err)
			}
		}

		events = append(events, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate item events: %w", err)
	}

	return events, nil
}
