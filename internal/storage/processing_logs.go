package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/wohlfahrt-digital/newswatch/internal/core/domain"
)

// AddProcessingLog records one processing step of an ingestion run.
func (db *DB) AddProcessingLog(ctx context.Context, log *domain.ProcessingLog) error {
	var confidence *float32

	if log.Confidence != nil {
		c := float32(*log.Confidence)
		confidence = &c
	}

	err := db.Pool.QueryRow(ctx, `
		INSERT INTO item_processing_logs (item_id, processing_run_id, step_type, step_order,
			started_at, finished_at, duration_ms, model_name, model_provider, model_version,
			confidence, priority_before, priority_after, priority_changed, suggested_aks,
			success, skipped, error_message, input, output)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		RETURNING id`,
		toInt8Ptr(log.ItemID), log.RunID, log.StepType, log.StepOrder,
		log.StartedAt, toTimestamptzPtr(log.FinishedAt), log.DurationMS,
		toText(log.ModelName), toText(log.ModelProvider), toText(log.ModelVersion),
		confidence, string(log.PriorityBefore), string(log.PriorityAfter), log.PriorityChanged,
		log.SuggestedAKs, log.Success, log.Skipped, toText(log.ErrorMessage),
		toText(log.Input), toText(log.Output)).Scan(&log.ID)
	if err != nil {
		return fmt.Errorf("add processing log: %w", err)
	}

	return nil
}

// GetItemProcessingLogs returns every processing step recorded for an
// item, across runs, in execution order.
func (db *DB) GetItemProcessingLogs(ctx context.Context, itemID int64) ([]domain.ProcessingLog, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, item_id, processing_run_id, step_type, step_order, started_at, finished_at,
			duration_ms, model_name, model_provider, model_version, confidence,
			priority_before, priority_after, priority_changed, suggested_aks,
			success, skipped, error_message, input, output
		FROM item_processing_logs WHERE item_id = $1 ORDER BY started_at, step_order, id`, itemID)
	if err != nil {
		return nil, fmt.Errorf("get item processing logs: %w", err)
	}
	defer rows.Close()

	var logs []domain.ProcessingLog

	for rows.Next() {
		log, err := scanProcessingLog(rows)
		if err != nil {
			return nil, err
		}

		logs = append(logs, *log)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate processing logs: %w", err)
	}

	return logs, nil
}

func scanProcessingLog(row rowScanner) (*domain.ProcessingLog, error) {
	var (
		log            domain.ProcessingLog
		itemID         pgtype.Int8
		finishedAt     pgtype.Timestamptz
		confidence     *float32
		priorityBefore string
		priorityAfter  string
	)

	err := row.Scan(&log.ID, &itemID, &log.RunID, &log.StepType, &log.StepOrder,
		&log.StartedAt, &finishedAt, &log.DurationMS, &log.ModelName, &log.ModelProvider,
		&log.ModelVersion, &confidence, &priorityBefore, &priorityAfter, &log.PriorityChanged,
		&log.SuggestedAKs, &log.Success, &log.Skipped, &log.ErrorMessage, &log.Input, &log.Output)
	if err != nil {
		return nil, fmt.Errorf("scan processing log: %w", err)
	}

	log.ItemID = fromInt8Ptr(itemID)
	log.FinishedAt = fromTimestamptzPtr(finishedAt)
	log.PriorityBefore = domain.Priority(priorityBefore)
	log.PriorityAfter = domain.Priority(priorityAfter)

	if confidence != nil {
		c := float64(*confidence)
		log.Confidence = &c
	}

	return &log, nil
}
