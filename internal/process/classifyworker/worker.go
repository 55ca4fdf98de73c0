// Package classifyworker runs the first enrichment stage in the
// background: items the intake path could not classify are scored
// against the embedding sidecar, pushed into the vector index and
// checked for near-duplicates. A daily reconciliation keeps the vector
// index and the database in step.
package classifyworker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/wohlfahrt-digital/newswatch/internal/core/classifier"
	"github.com/wohlfahrt-digital/newswatch/internal/core/domain"
	"github.com/wohlfahrt-digital/newswatch/internal/platform/config"
	"github.com/wohlfahrt-digital/newswatch/internal/platform/observability"
	"github.com/wohlfahrt-digital/newswatch/internal/platform/worker"
	db "github.com/wohlfahrt-digital/newswatch/internal/storage"
)

// Name is the worker's identity on the command channel.
const Name = "classifier"

// SettingEnabled toggles the worker at runtime without a restart; the
// worker runs when the setting is absent.
const SettingEnabled = "classifier.enabled"

// SettingBatchSize overrides the per-pass batch size at runtime.
const SettingBatchSize = "classifier.batch_size"

const (
	retryMaxElapsed = 2 * time.Minute
	reconcileEvery  = 24 * time.Hour
)

// Store is the storage surface the worker needs.
type Store interface {
	GetUnclassifiedItems(ctx context.Context, limit int) ([]domain.Item, error)
	GetUnindexedItems(ctx context.Context, limit int) ([]domain.Item, error)
	GetUncheckedDuplicateItems(ctx context.Context, limit, lookbackDays int) ([]domain.Item, error)
	UpdateItemClassification(ctx context.Context, id int64, priority domain.Priority, score int, needsLLM bool, overlay any) error
	MergeItemMetadata(ctx context.Context, id int64, overlay any) error
	LinkDuplicate(ctx context.Context, id, similarTo int64, overlay any) error
	FindURLDuplicate(ctx context.Context, url string, beforeID int64, channelID *int64) (int64, error)
	AddItemEvent(ctx context.Context, itemID int64, eventType string, data map[string]any) error
	FilterExistingItemIDs(ctx context.Context, ids []int64) (map[int64]bool, error)
	GetIndexedItemIDs(ctx context.Context) ([]int64, error)
	ClearVectorIndexed(ctx context.Context, ids []int64) error
	CountUnclassifiedItems(ctx context.Context) (int, error)
	SaveWorkerStats(ctx context.Context, worker string, stats any) error
	GetSetting(ctx context.Context, key string, dst any) error
}

var _ Store = (*db.DB)(nil)

// Sidecar is the slice of the classifier client the worker needs.
type Sidecar interface {
	Classify(ctx context.Context, items []classifier.ClassifyInput) ([]classifier.ClassifyResult, error)
	IndexBatch(ctx context.Context, items []classifier.IndexInput) error
	FindDuplicates(ctx context.Context, itemID int64, title, content string, threshold float64, lookbackDays int) ([]classifier.DuplicateMatch, error)
	DeleteFromIndex(ctx context.Context, ids []int64) error
	AllIndexedIDs(ctx context.Context) ([]int64, error)
	Healthy(ctx context.Context) bool
}

var _ Sidecar = (*classifier.Client)(nil)

// Stats are the counters published to the worker_stats table.
type Stats struct {
	Classified       int64     `json:"classified"`
	Indexed          int64     `json:"indexed"`
	DuplicatesLinked int64     `json:"duplicates_linked"`
	Reconciliations  int64     `json:"reconciliations"`
	Errors           int64     `json:"errors"`
	LastRunAt        time.Time `json:"last_run_at"`
}

// Worker backfills classification, indexing and duplicate detection.
type Worker struct {
	cfg     *config.Config
	logger  *zerolog.Logger
	store   Store
	sidecar Sidecar
	gate    *worker.Gate

	stats             Stats
	consecutiveErrors int
}

// New creates the worker.
func New(cfg *config.Config, logger *zerolog.Logger, store Store, sidecar Sidecar, gate *worker.Gate) *Worker {
	return &Worker{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		sidecar: sidecar,
		gate:    gate,
	}
}

// Gate returns the worker's pause/stop gate.
func (w *Worker) Gate() *worker.Gate { return w.gate }

// Run drives the worker loop until the context is canceled or the gate
// stops it.
func (w *Worker) Run(ctx context.Context) error {
	return worker.Loop(ctx, worker.Config{
		Name:         Name,
		PollInterval: w.cfg.ClassifierPollInterval,
		Process:      w.Process,
		Gate:         w.gate,
		Logger:       w.logger,
		PeriodicTasks: []worker.PeriodicTask{
			{Name: "reconcile-index", Interval: reconcileEvery, Run: w.reconcile},
			{Name: "publish-stats", Interval: time.Minute, Run: w.publishStats},
			{Name: "backlog-gauge", Interval: time.Minute, Run: w.updateBacklogGauge},
		},
		OnError: w.onLoopError,
	})
}

// Process runs one iteration: classify, index, then re-check duplicates.
// Each pass commits per item, so a mid-batch failure loses nothing.
func (w *Worker) Process(ctx context.Context) error {
	if !w.enabled(ctx) {
		return nil
	}

	if !w.sidecar.Healthy(ctx) {
		w.logger.Debug().Msg("classifier sidecar down, skipping iteration")

		return nil
	}

	batch := w.batchSize(ctx)

	if err := w.classifyBatch(ctx, batch); err != nil {
		return err
	}

	if err := w.indexBatch(ctx, batch); err != nil {
		return err
	}

	return w.checkDuplicates(ctx, batch)
}

// enabled reads the settings-table toggle; absent means on.
func (w *Worker) enabled(ctx context.Context) bool {
	var on bool
	if err := w.store.GetSetting(ctx, SettingEnabled, &on); err != nil {
		if !errors.Is(err, db.ErrSettingNotFound) {
			w.logger.Warn().Err(err).Msg("load classifier enabled setting failed")
		}

		return true
	}

	return on
}

// batchSize folds the settings-table override over the env value.
func (w *Worker) batchSize(ctx context.Context) int {
	var n int
	if err := w.store.GetSetting(ctx, SettingBatchSize, &n); err != nil {
		if !errors.Is(err, db.ErrSettingNotFound) {
			w.logger.Warn().Err(err).Msg("load classifier batch size setting failed")
		}

		return w.cfg.ClassifierBatchSize
	}

	if n <= 0 {
		return w.cfg.ClassifierBatchSize
	}

	return n
}

// classifyBatch scores items the intake path left unclassified.
func (w *Worker) classifyBatch(ctx context.Context, batch int) error {
	items, err := w.store.GetUnclassifiedItems(ctx, batch)
	if err != nil {
		return fmt.Errorf("load unclassified items: %w", err)
	}

	if len(items) == 0 {
		return nil
	}

	inputs := make([]classifier.ClassifyInput, 0, len(items))
	byID := make(map[int64]*domain.Item, len(items))

	for i := range items {
		item := &items[i]
		byID[item.ID] = item
		inputs = append(inputs, classifier.ClassifyInput{
			ID:      item.ID,
			Title:   item.Title,
			Content: item.Content,
		})
	}

	var results []classifier.ClassifyResult

	err = w.retryUnavailable(ctx, func() error {
		var err error

		results, err = w.sidecar.Classify(ctx, inputs)

		return err
	})
	if err != nil {
		return fmt.Errorf("classify batch: %w", err)
	}

	for _, res := range results {
		item, ok := byID[res.ID]
		if !ok {
			continue
		}

		if err := w.storeClassification(ctx, item, res); err != nil {
			w.logger.Warn().Err(err).Int64("item_id", res.ID).Msg("store classification failed")
			w.stats.Errors++

			continue
		}
	}

	w.consecutiveErrors = 0
	w.stats.LastRunAt = time.Now().UTC()

	return nil
}

func (w *Worker) storeClassification(ctx context.Context, item *domain.Item, res classifier.ClassifyResult) error {
	priority, baseline, retry, needsLLM := domain.ClassifyPreFilter(res.RelevanceConfidence)

	// Rules may already have raised the score at intake; keep it
	// monotonic here too.
	score := domain.MergeScore(item.PriorityScore, baseline, priority == domain.PriorityNone)

	overlay := map[string]any{
		"retry_priority": retry,
		"pre_filter": domain.PreFilter{
			RelevanceConfidence: res.RelevanceConfidence,
			PrioritySuggestion:  res.PrioritySuggestion,
			PriorityConfidence:  res.PriorityConfidence,
			AKSuggestion:        res.AKSuggestion,
			AKConfidence:        res.AKConfidence,
			ClassifiedAt:        time.Now().UTC(),
		},
	}

	if err := w.store.UpdateItemClassification(ctx, item.ID, priority, score, needsLLM, overlay); err != nil {
		return err
	}

	if err := w.store.AddItemEvent(ctx, item.ID, domain.EventClassified, map[string]any{
		"relevance_confidence": res.RelevanceConfidence,
		"retry_priority":       string(retry),
		"needs_llm":            needsLLM,
	}); err != nil {
		w.logger.Warn().Err(err).Int64("item_id", item.ID).Msg("record classified event failed")
	}

	observability.ItemsClassified.WithLabelValues(string(retry)).Inc()
	w.stats.Classified++

	return nil
}

// indexBatch pushes not-yet-indexed items into the vector store.
func (w *Worker) indexBatch(ctx context.Context, batch int) error {
	items, err := w.store.GetUnindexedItems(ctx, batch)
	if err != nil {
		return fmt.Errorf("load unindexed items: %w", err)
	}

	if len(items) == 0 {
		return nil
	}

	inputs := make([]classifier.IndexInput, 0, len(items))
	for i := range items {
		inputs = append(inputs, classifier.IndexInput{
			ID:      items[i].ID,
			Title:   items[i].Title,
			Content: items[i].Content,
		})
	}

	err = w.retryUnavailable(ctx, func() error {
		return w.sidecar.IndexBatch(ctx, inputs)
	})
	if err != nil {
		return fmt.Errorf("index batch: %w", err)
	}

	now := time.Now().UTC()

	for i := range items {
		if err := w.store.MergeItemMetadata(ctx, items[i].ID, map[string]any{
			"vectordb_indexed":    true,
			"vectordb_indexed_at": now.Format(time.RFC3339),
			"vectordb":            domain.VectorDBInfo{Indexed: true, IndexedAt: now},
		}); err != nil {
			w.logger.Warn().Err(err).Int64("item_id", items[i].ID).Msg("mark indexed failed")
			w.stats.Errors++

			continue
		}

		w.stats.Indexed++
	}

	w.consecutiveErrors = 0

	return nil
}

// checkDuplicates links unchecked items to earlier near-identical ones.
// A link always points at the smallest matching id, so clusters stay a
// forest rooted at their oldest member.
func (w *Worker) checkDuplicates(ctx context.Context, batch int) error {
	items, err := w.store.GetUncheckedDuplicateItems(ctx, batch, w.cfg.DuplicateLookback)
	if err != nil {
		return fmt.Errorf("load unchecked items: %w", err)
	}

	for i := range items {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := w.checkDuplicateOne(ctx, &items[i]); err != nil {
			w.logger.Warn().Err(err).Int64("item_id", items[i].ID).Msg("duplicate check failed")
			w.stats.Errors++
		}
	}

	return nil
}

func (w *Worker) checkDuplicateOne(ctx context.Context, item *domain.Item) error {
	// URL equality is the cheap first stage.
	if item.URL != "" {
		primary, err := w.store.FindURLDuplicate(ctx, item.URL, item.ID, item.ChannelID)
		if err != nil {
			return fmt.Errorf("url duplicate lookup: %w", err)
		}

		if primary != 0 {
			return w.linkDuplicate(ctx, item, primary, 1, "url_match")
		}
	}

	matches, err := w.sidecar.FindDuplicates(ctx, item.ID, item.Title, item.Content,
		w.cfg.DuplicateThreshold, w.cfg.DuplicateLookback)
	if err != nil {
		return fmt.Errorf("find duplicates: %w", err)
	}

	if len(matches) == 0 {
		return w.store.MergeItemMetadata(ctx, item.ID, map[string]any{"duplicate_checked": true})
	}

	matchIDs := make([]int64, 0, len(matches))
	for _, m := range matches {
		matchIDs = append(matchIDs, m.ItemID)
	}

	existing, err := w.store.FilterExistingItemIDs(ctx, matchIDs)
	if err != nil {
		return fmt.Errorf("verify matches: %w", err)
	}

	// Hits pointing at deleted items are stale index entries; purge them
	// so they stop matching.
	var stale []int64

	for _, id := range matchIDs {
		if !existing[id] {
			stale = append(stale, id)
		}
	}

	if len(stale) > 0 {
		if err := w.sidecar.DeleteFromIndex(ctx, stale); err != nil {
			w.logger.Warn().Err(err).Ints64("item_ids", stale).Msg("purge stale index entries failed")
		}
	}

	best := int64(0)
	bestScore := 0.0

	for _, m := range matches {
		if m.ItemID >= item.ID || !existing[m.ItemID] {
			continue
		}

		if best == 0 || m.ItemID < best {
			best = m.ItemID
			bestScore = m.Score
		}
	}

	if best == 0 {
		return w.store.MergeItemMetadata(ctx, item.ID, map[string]any{"duplicate_checked": true})
	}

	return w.linkDuplicate(ctx, item, best, bestScore, "")
}

// linkDuplicate writes the cluster link. method is empty for embedding
// hits; only URL hits carry a tag.
func (w *Worker) linkDuplicate(ctx context.Context, item *domain.Item, primary int64, score float64, method string) error {
	overlay := map[string]any{
		"duplicate_checked": true,
		"duplicate_score":   score,
		"duplicate":         domain.DuplicateInfo{Method: method, Score: score},
	}

	metricMethod := "embedding"

	if method != "" {
		overlay["duplicate_method"] = method
		metricMethod = method
	}

	if err := w.store.LinkDuplicate(ctx, item.ID, primary, overlay); err != nil {
		return fmt.Errorf("link duplicate: %w", err)
	}

	observability.DuplicatesLinked.WithLabelValues(metricMethod).Inc()
	w.stats.DuplicatesLinked++

	if err := w.store.AddItemEvent(ctx, item.ID, domain.EventDuplicate, map[string]any{
		"similar_to_id": primary,
		"score":         score,
		"method":        metricMethod,
	}); err != nil {
		w.logger.Warn().Err(err).Int64("item_id", item.ID).Msg("record duplicate event failed")
	}

	return nil
}

// reconcile compares the vector index against the database. Stale index
// entries are purged; items the index lost get their stamp cleared so
// the next indexing pass re-adds them. A large delta is reported but
// left alone, something is wrong enough to want a human look.
func (w *Worker) reconcile(ctx context.Context) {
	vectorIDs, err := w.sidecar.AllIndexedIDs(ctx)
	if err != nil {
		w.logger.Warn().Err(err).Msg("reconciliation: list indexed ids failed")

		return
	}

	dbIDs, err := w.store.GetIndexedItemIDs(ctx)
	if err != nil {
		w.logger.Warn().Err(err).Msg("reconciliation: list db ids failed")

		return
	}

	inVector := make(map[int64]bool, len(vectorIDs))
	for _, id := range vectorIDs {
		inVector[id] = true
	}

	inDB := make(map[int64]bool, len(dbIDs))
	for _, id := range dbIDs {
		inDB[id] = true
	}

	var stale, missing []int64

	for _, id := range vectorIDs {
		if !inDB[id] {
			stale = append(stale, id)
		}
	}

	for _, id := range dbIDs {
		if !inVector[id] {
			missing = append(missing, id)
		}
	}

	delta := len(stale) + len(missing)
	observability.VectorSyncDelta.Set(float64(delta))
	w.stats.Reconciliations++

	if delta == 0 {
		w.logger.Debug().Int("indexed", len(dbIDs)).Msg("vector index in sync")

		return
	}

	if delta > w.cfg.SyncCheckMaxDelta {
		w.logger.Error().
			Int("stale", len(stale)).
			Int("missing", len(missing)).
			Int("max_delta", w.cfg.SyncCheckMaxDelta).
			Msg("vector index drift exceeds repair bound, not touching it")

		return
	}

	if len(stale) > 0 {
		if err := w.sidecar.DeleteFromIndex(ctx, stale); err != nil {
			w.logger.Warn().Err(err).Msg("reconciliation: purge stale ids failed")
		}
	}

	if len(missing) > 0 {
		if err := w.store.ClearVectorIndexed(ctx, missing); err != nil {
			w.logger.Warn().Err(err).Msg("reconciliation: clear index stamps failed")
		}
	}

	w.logger.Info().Int("stale", len(stale)).Int("missing", len(missing)).
		Msg("vector index reconciled")
}

// retryUnavailable retries an operation while the sidecar is merely
// unreachable. Any other error is permanent.
func (w *Worker) retryUnavailable(ctx context.Context, op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = retryMaxElapsed

	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}

		if errors.Is(err, classifier.ErrUnavailable) {
			w.logger.Debug().Err(err).Msg("sidecar unavailable, retrying")

			return err
		}

		return backoff.Permanent(err)
	}, backoff.WithContext(policy, ctx))
}

func (w *Worker) onLoopError(err error) bool {
	w.stats.Errors++
	w.consecutiveErrors++
	observability.WorkerErrors.WithLabelValues(Name).Inc()

	w.logger.Error().Err(err).Int("consecutive", w.consecutiveErrors).
		Msg("classifier worker iteration failed")

	if w.cfg.MaxConsecutiveErrors > 0 && w.consecutiveErrors >= w.cfg.MaxConsecutiveErrors {
		w.logger.Error().Int("errors", w.consecutiveErrors).
			Msg("too many consecutive errors, stopping classifier worker")

		if w.gate != nil {
			w.gate.StopDueToErrors()
		}

		return false
	}

	time.Sleep(w.cfg.WorkerErrorSleep)

	return true
}

func (w *Worker) publishStats(ctx context.Context) {
	if err := w.store.SaveWorkerStats(ctx, Name, w.stats); err != nil {
		w.logger.Warn().Err(err).Msg("publish classifier worker stats failed")
	}
}

func (w *Worker) updateBacklogGauge(ctx context.Context) {
	n, err := w.store.CountUnclassifiedItems(ctx)
	if err != nil {
		w.logger.Warn().Err(err).Msg("count unclassified items failed")

		return
	}

	observability.ClassifierBacklog.Set(float64(n))
}
