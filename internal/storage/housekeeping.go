package db

import (
	"context"
	"fmt"
	"time"
)

// HousekeepingResult counts rows removed by a retention pass.
type HousekeepingResult struct {
	Events         int64
	ProcessingLogs int64
}

// Housekeep removes audit rows older than the retention window. Items
// themselves are kept; only their event and processing-log history is
// trimmed.
func (db *DB) Housekeep(ctx context.Context, retentionDays int) (HousekeepingResult, error) {
	var res HousekeepingResult

	if retentionDays <= 0 {
		return res, nil
	}

	cutoff := time.Now().AddDate(0, 0, -retentionDays)

	tag, err := db.Pool.Exec(ctx, `DELETE FROM item_events WHERE created_at < $1`, cutoff)
	if err != nil {
		return res, fmt.Errorf("housekeep item events: %w", err)
	}

	res.Events = tag.RowsAffected()

	tag, err = db.Pool.Exec(ctx, `DELETE FROM item_processing_logs WHERE started_at < $1`, cutoff)
	if err != nil {
		return res, fmt.Errorf("housekeep processing logs: %w", err)
	}

	res.ProcessingLogs = tag.RowsAffected()

	return res, nil
}
