package app

import (
	"context"
	"fmt"
)

// Trace logs an item's audit trail: its current triage state, the event
// timeline and every recorded processing step. Meant for the --trace
// invocation when an operator asks why an item ended up where it did.
func (a *App) Trace(ctx context.Context, itemID int64) error {
	defer a.db.Close()

	item, err := a.db.GetItem(ctx, itemID)
	if err != nil {
		return fmt.Errorf("trace item %d: %w", itemID, err)
	}

	evt := a.logger.Info().
		Int64("item_id", item.ID).
		Str("title", item.Title).
		Str("priority", string(item.Priority)).
		Int("priority_score", item.PriorityScore).
		Bool("needs_llm", item.NeedsLLMProcessing)
	if item.SimilarToID != nil {
		evt = evt.Int64("similar_to_id", *item.SimilarToID)
	}

	evt.Msg("item")

	events, err := a.db.GetItemEvents(ctx, itemID)
	if err != nil {
		return err
	}

	for _, ev := range events {
		a.logger.Info().
			Time("at", ev.Timestamp).
			Str("event", ev.EventType).
			Interface("data", ev.Data).
			Msg("event")
	}

	logs, err := a.db.GetItemProcessingLogs(ctx, itemID)
	if err != nil {
		return err
	}

	for _, step := range logs {
		evt := a.logger.Info().
			Time("at", step.StartedAt).
			Str("run_id", step.RunID).
			Str("step", step.StepType).
			Int64("duration_ms", step.DurationMS).
			Bool("success", step.Success).
			Bool("skipped", step.Skipped)

		if step.PriorityChanged {
			evt = evt.
				Str("priority_before", string(step.PriorityBefore)).
				Str("priority_after", string(step.PriorityAfter))
		}

		if step.ModelName != "" {
			evt = evt.Str("model", step.ModelName).Str("provider", step.ModelProvider)
		}

		if step.ErrorMessage != "" {
			evt = evt.Str("error", step.ErrorMessage)
		}

		evt.Msg("step")
	}

	return nil
}
