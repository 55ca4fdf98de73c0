package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/wohlfahrt-digital/newswatch/internal/core/domain"
)

// Item errors.
var (
	ErrItemNotFound = errors.New("item not found")
	ErrDuplicateItem = errors.New("item already exists")
)

const itemColumns = `i.id, i.channel_id, i.external_id, i.title, i.content, i.summary,
	i.detailed_analysis, i.url, i.author, i.published_at, i.fetched_at, i.content_hash,
	i.priority, i.priority_score, i.is_read, i.is_starred, i.is_archived,
	i.is_manually_reviewed, i.assigned_aks, i.notes, i.metadata, i.needs_llm_processing,
	i.similar_to_id`

const itemJoinedColumns = itemColumns + `, COALESCE(c.name, ''), COALESCE(s.name, '')`

const itemJoin = `FROM items i
	LEFT JOIN channels c ON c.id = i.channel_id
	LEFT JOIN sources s ON s.id = c.source_id`

// InsertItemWithEvent persists a new item together with its intake event
// in a single transaction. Inserting an existing (channel, external_id)
// pair returns ErrDuplicateItem.
func (db *DB) InsertItemWithEvent(ctx context.Context, item *domain.Item, eventType string) error {
	meta, err := json.Marshal(item.Metadata)
	if err != nil {
		return fmt.Errorf("marshal item metadata: %w", err)
	}

	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin insert item: %w", err)
	}

	defer func() {
		_ = tx.Rollback(ctx)
	}()

	err = tx.QueryRow(ctx, `
		INSERT INTO items (channel_id, external_id, title, content, url, author,
			published_at, fetched_at, content_hash, priority, priority_score,
			assigned_aks, metadata, needs_llm_processing)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (channel_id, external_id) DO NOTHING
		RETURNING id, fetched_at`,
		toInt8Ptr(item.ChannelID), item.ExternalID, toText(item.Title), toText(item.Content),
		toText(item.URL), toText(item.Author), toTimestamptzPtr(item.PublishedAt),
		item.FetchedAt, item.ContentHash, string(item.Priority), item.PriorityScore,
		item.AssignedAKs, meta, item.NeedsLLMProcessing).
		Scan(&item.ID, &item.FetchedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrDuplicateItem
		}

		return fmt.Errorf("insert item: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO item_events (item_id, event_type) VALUES ($1, $2)`,
		item.ID, eventType); err != nil {
		return fmt.Errorf("insert item event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit insert item: %w", err)
	}

	return nil
}

// HasItemWithHash reports whether the channel already holds an item with
// the given content hash.
func (db *DB) HasItemWithHash(ctx context.Context, channelID int64, hash string) (bool, error) {
	var exists bool

	err := db.Pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM items WHERE channel_id = $1 AND content_hash = $2)`,
		channelID, hash).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check content hash: %w", err)
	}

	return exists, nil
}

// GetItem loads an item with its channel and source names.
func (db *DB) GetItem(ctx context.Context, id int64) (*domain.Item, error) {
	row := db.Pool.QueryRow(ctx, `SELECT `+itemJoinedColumns+` `+itemJoin+` WHERE i.id = $1`, id)

	item, err := scanJoinedItem(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrItemNotFound
		}

		return nil, fmt.Errorf("get item: %w", err)
	}

	return item, nil
}

// MergeItemMetadata overlays the given subtree onto the item's metadata.
// Top-level keys of the overlay replace the stored ones; keys owned by
// other workers are untouched.
func (db *DB) MergeItemMetadata(ctx context.Context, id int64, overlay any) error {
	data, err := json.Marshal(overlay)
	if err != nil {
		return fmt.Errorf("marshal metadata overlay: %w", err)
	}

	if _, err := db.Pool.Exec(ctx, `
		UPDATE items SET metadata = metadata || $2::jsonb WHERE id = $1`, id, data); err != nil {
		return fmt.Errorf("merge item metadata: %w", err)
	}

	return nil
}

// UpdateItemClassification stores the classifier verdict: priority,
// score, the LLM eligibility flag and the pre-filter metadata subtree.
func (db *DB) UpdateItemClassification(ctx context.Context, id int64, priority domain.Priority, score int, needsLLM bool, overlay any) error {
	data, err := json.Marshal(overlay)
	if err != nil {
		return fmt.Errorf("marshal classification overlay: %w", err)
	}

	if _, err := db.Pool.Exec(ctx, `
		UPDATE items SET priority = $2, priority_score = $3, needs_llm_processing = $4,
			metadata = metadata || $5::jsonb
		WHERE id = $1`, id, string(priority), score, needsLLM, data); err != nil {
		return fmt.Errorf("update item classification: %w", err)
	}

	return nil
}

// UpdateItemLLMResult stores the LLM analysis and clears the processing
// flag. Committed per item so counters and operator views track progress.
func (db *DB) UpdateItemLLMResult(ctx context.Context, item *domain.Item, overlay any) error {
	data, err := json.Marshal(overlay)
	if err != nil {
		return fmt.Errorf("marshal llm overlay: %w", err)
	}

	if _, err := db.Pool.Exec(ctx, `
		UPDATE items SET summary = $2, detailed_analysis = $3, priority = $4,
			priority_score = $5, assigned_aks = $6, needs_llm_processing = FALSE,
			metadata = metadata || $7::jsonb
		WHERE id = $1`,
		item.ID, toText(item.Summary), toText(item.DetailedAnalysis), string(item.Priority),
		item.PriorityScore, item.AssignedAKs, data); err != nil {
		return fmt.Errorf("update item llm result: %w", err)
	}

	return nil
}

// LinkDuplicate points an item at its cluster primary. The caller must
// hold the forest invariant: similarTo < id.
func (db *DB) LinkDuplicate(ctx context.Context, id, similarTo int64, overlay any) error {
	if similarTo >= id {
		return fmt.Errorf("duplicate link %d -> %d violates ordering", id, similarTo)
	}

	data, err := json.Marshal(overlay)
	if err != nil {
		return fmt.Errorf("marshal duplicate overlay: %w", err)
	}

	if _, err := db.Pool.Exec(ctx, `
		UPDATE items SET similar_to_id = $2, metadata = metadata || $3::jsonb
		WHERE id = $1`, id, similarTo, data); err != nil {
		return fmt.Errorf("link duplicate: %w", err)
	}

	return nil
}

// GetUnclassifiedItems returns items that still lack a classifier
// pre-filter block, oldest first.
func (db *DB) GetUnclassifiedItems(ctx context.Context, limit int) ([]domain.Item, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+itemJoinedColumns+` `+itemJoin+`
		WHERE NOT i.metadata ? 'pre_filter'
		ORDER BY i.id
		LIMIT $1`, safeIntToInt32(limit))
	if err != nil {
		return nil, fmt.Errorf("get unclassified items: %w", err)
	}
	defer rows.Close()

	return collectJoinedItems(rows)
}

// GetUnindexedItems returns items not yet present in the vector store.
func (db *DB) GetUnindexedItems(ctx context.Context, limit int) ([]domain.Item, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+itemJoinedColumns+` `+itemJoin+`
		WHERE NOT i.metadata ? 'vectordb_indexed'
		ORDER BY i.id
		LIMIT $1`, safeIntToInt32(limit))
	if err != nil {
		return nil, fmt.Errorf("get unindexed items: %w", err)
	}
	defer rows.Close()

	return collectJoinedItems(rows)
}

// GetUncheckedDuplicateItems returns unlinked items that have not been
// through duplicate detection, bounded to the lookback window.
func (db *DB) GetUncheckedDuplicateItems(ctx context.Context, limit, lookbackDays int) ([]domain.Item, error) {
	cutoff := time.Now().AddDate(0, 0, -lookbackDays)

	rows, err := db.Pool.Query(ctx, `
		SELECT `+itemJoinedColumns+` `+itemJoin+`
		WHERE i.similar_to_id IS NULL
		  AND NOT i.metadata ? 'duplicate_checked'
		  AND i.fetched_at >= $2
		ORDER BY i.id
		LIMIT $1`, safeIntToInt32(limit), cutoff)
	if err != nil {
		return nil, fmt.Errorf("get unchecked duplicate items: %w", err)
	}
	defer rows.Close()

	return collectJoinedItems(rows)
}

// FindURLDuplicate returns the oldest item with the same URL, a strictly
// smaller id and a different channel, or 0 when none exists.
func (db *DB) FindURLDuplicate(ctx context.Context, url string, beforeID int64, channelID *int64) (int64, error) {
	var id int64

	err := db.Pool.QueryRow(ctx, `
		SELECT id FROM items
		WHERE url = $1 AND id < $2 AND url <> ''
		  AND (channel_id IS DISTINCT FROM $3)
		ORDER BY id
		LIMIT 1`, url, beforeID, toInt8Ptr(channelID)).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}

		return 0, fmt.Errorf("find url duplicate: %w", err)
	}

	return id, nil
}

// GetBacklogItemIDs returns ids awaiting LLM processing under the
// two-level backlog discipline: classifier-approved items only, ranked
// by retry priority, fresh ones first within a rank.
func (db *DB) GetBacklogItemIDs(ctx context.Context, limit int) ([]int64, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT i.id FROM items i
		WHERE i.needs_llm_processing
		  AND i.metadata ? 'pre_filter'
		  AND i.metadata->>'retry_priority' IN ('high', 'edge_case')
		ORDER BY CASE i.metadata->>'retry_priority'
			WHEN 'high' THEN 1
			WHEN 'edge_case' THEN 2
			ELSE 4 END,
			i.fetched_at DESC
		LIMIT $1`, safeIntToInt32(limit))
	if err != nil {
		return nil, fmt.Errorf("get backlog item ids: %w", err)
	}
	defer rows.Close()

	return collectIDs(rows)
}

// GetRelaxedBacklogItemIDs sweeps the low band once the ranked backlog
// is empty: classified items below the edge-case threshold that still
// carry some relevance signal, have no working group, and were never
// analyzed or linked. Low-band items are not flagged for LLM processing,
// so the flag is deliberately absent from this query.
func (db *DB) GetRelaxedBacklogItemIDs(ctx context.Context, limit int) ([]int64, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT i.id FROM items i
		WHERE i.metadata ? 'pre_filter'
		  AND i.metadata->>'retry_priority' = 'low'
		  AND (i.metadata->'pre_filter'->>'relevance_confidence')::float > 0
		  AND cardinality(i.assigned_aks) = 0
		  AND i.similar_to_id IS NULL
		  AND NOT i.metadata ? 'llm_analysis'
		ORDER BY i.fetched_at DESC
		LIMIT $1`, safeIntToInt32(limit))
	if err != nil {
		return nil, fmt.Errorf("get relaxed backlog item ids: %w", err)
	}
	defer rows.Close()

	return collectIDs(rows)
}

// CountLLMBacklog counts items awaiting LLM processing.
func (db *DB) CountLLMBacklog(ctx context.Context) (int, error) {
	var n int

	err := db.Pool.QueryRow(ctx, `
		SELECT count(*) FROM items
		WHERE needs_llm_processing AND metadata ? 'pre_filter'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count llm backlog: %w", err)
	}

	return n, nil
}

// CountUnclassifiedItems counts items the classifier worker still owes.
func (db *DB) CountUnclassifiedItems(ctx context.Context) (int, error) {
	var n int

	err := db.Pool.QueryRow(ctx, `
		SELECT count(*) FROM items WHERE NOT metadata ? 'pre_filter'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unclassified items: %w", err)
	}

	return n, nil
}

// GetIndexedItemIDs returns the ids of all items stamped as present in
// the vector store. Feeds the reconciliation pass.
func (db *DB) GetIndexedItemIDs(ctx context.Context) ([]int64, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id FROM items WHERE (metadata->>'vectordb_indexed')::boolean ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("get indexed item ids: %w", err)
	}
	defer rows.Close()

	return collectIDs(rows)
}

// ClearVectorIndexed removes the vector-store stamp from items so the
// indexing pass picks them up again.
func (db *DB) ClearVectorIndexed(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	if _, err := db.Pool.Exec(ctx, `
		UPDATE items SET metadata = metadata - 'vectordb_indexed' - 'vectordb_indexed_at' - 'vectordb'
		WHERE id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("clear vector indexed: %w", err)
	}

	return nil
}

// FilterExistingItemIDs returns the subset of ids present in the store.
// Used to clear stale vector-store pointers before linking duplicates.
func (db *DB) FilterExistingItemIDs(ctx context.Context, ids []int64) (map[int64]bool, error) {
	rows, err := db.Pool.Query(ctx, `SELECT id FROM items WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("filter existing item ids: %w", err)
	}
	defer rows.Close()

	existing := make(map[int64]bool, len(ids))

	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan item id: %w", err)
		}

		existing[id] = true
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate item ids: %w", err)
	}

	return existing, nil
}

func scanJoinedItem(row rowScanner) (*domain.Item, error) {
	var (
		item        domain.Item
		channelID   pgtype.Int8
		publishedAt pgtype.Timestamptz
		similarTo   pgtype.Int8
		meta        []byte
		priority    string
	)

	err := row.Scan(&item.ID, &channelID, &item.ExternalID, &item.Title, &item.Content,
		&item.Summary, &item.DetailedAnalysis, &item.URL, &item.Author, &publishedAt,
		&item.FetchedAt, &item.ContentHash, &priority, &item.PriorityScore, &item.IsRead,
		&item.IsStarred, &item.IsArchived, &item.IsManuallyReviewed, &item.AssignedAKs,
		&item.Notes, &meta, &item.NeedsLLMProcessing, &similarTo,
		&item.ChannelName, &item.SourceName)
	if err != nil {
		return nil, err
	}

	item.ChannelID = fromInt8Ptr(channelID)
	item.PublishedAt = fromTimestamptzPtr(publishedAt)
	item.SimilarToID = fromInt8Ptr(similarTo)
	item.Priority = domain.Priority(priority)

	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &item.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal item metadata: %w", err)
		}
	}

	return &item, nil
}

func collectJoinedItems(rows pgx.Rows) ([]domain.Item, error) {
	var items []domain.Item

	for rows.Next() {
		item, err := scanJoinedItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}

		items = append(items, *item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate items: %w", err)
	}

	return items, nil
}

func collectIDs(rows pgx.Rows) ([]int64, error) {
	var ids []int64

	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}

		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ids: %w", err)
	}

	return ids, nil
}
