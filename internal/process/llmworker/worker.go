// Package llmworker runs the second enrichment stage: items that passed
// the classifier pre-filter are analyzed by a language model, which
// writes the summary, the final priority and the working-group
// assignment. Fresh items preempt the database backlog, and the worker
// drives the GPU host's power state around its own demand.
package llmworker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/wohlfahrt-digital/newswatch/internal/core/domain"
	"github.com/wohlfahrt-digital/newswatch/internal/core/llm"
	"github.com/wohlfahrt-digital/newswatch/internal/platform/config"
	"github.com/wohlfahrt-digital/newswatch/internal/platform/observability"
	"github.com/wohlfahrt-digital/newswatch/internal/platform/worker"
	db "github.com/wohlfahrt-digital/newswatch/internal/storage"
)

// Name is the worker's identity on the command channel.
const Name = "llm"

// SettingAKNames holds the runtime list of working group names offered
// to the model.
const SettingAKNames = "aks.names"

// SettingEnabled toggles the worker at runtime without a restart; when
// absent the LLM_ENABLED env value applies.
const SettingEnabled = "llm.enabled"

// SettingBacklogBatchSize overrides the backlog batch size at runtime.
const SettingBacklogBatchSize = "llm.backlog_batch_size"

// Queue labels on the processed-items counter.
const (
	queueFresh   = "fresh"
	queueBacklog = "backlog"
	queueRelaxed = "relaxed"
)

// Store is the storage surface the worker needs.
type Store interface {
	GetItem(ctx context.Context, id int64) (*domain.Item, error)
	GetBacklogItemIDs(ctx context.Context, limit int) ([]int64, error)
	GetRelaxedBacklogItemIDs(ctx context.Context, limit int) ([]int64, error)
	UpdateItemLLMResult(ctx context.Context, item *domain.Item, overlay any) error
	AddItemEvent(ctx context.Context, itemID int64, eventType string, data map[string]any) error
	AddProcessingLog(ctx context.Context, log *domain.ProcessingLog) error
	CountLLMBacklog(ctx context.Context) (int, error)
	SaveWorkerStats(ctx context.Context, worker string, stats any) error
	GetSetting(ctx context.Context, key string, dst any) error
}

var _ Store = (*db.DB)(nil)

// Chatter is the provider chain.
type Chatter interface {
	Chat(ctx context.Context, system, user string) (string, llm.Provider, error)
}

var _ Chatter = (*llm.Registry)(nil)

// PowerManager controls the GPU host around the worker's demand.
type PowerManager interface {
	EnsureAvailable(ctx context.Context) error
	RecordActivity()
	ShutdownIfIdle(ctx context.Context) (bool, error)
}

// Stats are the counters published to the worker_stats table.
type Stats struct {
	Processed  int64     `json:"processed"`
	Fresh      int64     `json:"fresh"`
	Backlog    int64     `json:"backlog"`
	Irrelevant int64     `json:"irrelevant"`
	Skipped    int64     `json:"skipped"`
	Errors     int64     `json:"errors"`
	LastItemID int64     `json:"last_item_id,omitempty"`
	LastRunAt  time.Time `json:"last_run_at"`
}

// Worker is the LLM enrichment worker.
type Worker struct {
	cfg    *config.Config
	logger *zerolog.Logger
	store  Store
	chat   Chatter
	gpu    PowerManager
	fresh  *FreshQueue
	gate   *worker.Gate

	stats             Stats
	consecutiveErrors int
}

// New creates the worker. The fresh queue instance is shared with the
// ingestion pipeline, which pushes new item ids into it.
func New(cfg *config.Config, logger *zerolog.Logger, store Store, chat Chatter, gpu PowerManager, fresh *FreshQueue, gate *worker.Gate) *Worker {
	return &Worker{
		cfg:    cfg,
		logger: logger,
		store:  store,
		chat:   chat,
		gpu:    gpu,
		fresh:  fresh,
		gate:   gate,
	}
}

// Gate returns the worker's pause/stop gate.
func (w *Worker) Gate() *worker.Gate { return w.gate }

// Run drives the worker loop until the context is canceled or the gate
// stops it.
func (w *Worker) Run(ctx context.Context) error {
	return worker.Loop(ctx, worker.Config{
		Name:         Name,
		PollInterval: w.cfg.WorkerIdleSleep,
		Process:      w.Process,
		Gate:         w.gate,
		Logger:       w.logger,
		PeriodicTasks: []worker.PeriodicTask{
			{Name: "publish-stats", Interval: time.Minute, Run: w.publishStats},
			{Name: "backlog-gauge", Interval: time.Minute, Run: w.updateBacklogGauge},
		},
		OnError: w.onLoopError,
	})
}

// Process runs one iteration: drain fresh arrivals first, fall back to
// the database backlog, and suspend the GPU when nothing is left.
func (w *Worker) Process(ctx context.Context) error {
	if !w.enabled(ctx) {
		return nil
	}

	ids, queue, err := w.nextBatch(ctx)
	if err != nil {
		return err
	}

	if len(ids) == 0 {
		if done, err := w.gpu.ShutdownIfIdle(ctx); err != nil {
			w.logger.Warn().Err(err).Msg("gpu idle shutdown check failed")
		} else if done {
			w.logger.Info().Msg("gpu shut down while queues are empty")
		}

		return nil
	}

	if err := w.gpu.EnsureAvailable(ctx); err != nil {
		// A denied or failed wake is not a worker error: the batch is
		// not consumed. Fresh ids go back to the queue, backlog ids stay
		// flagged in the database, and the next poll retries once the
		// host is reachable or the active-hours window opens.
		if queue == queueFresh {
			w.fresh.Requeue(ids)
		}

		w.logger.Info().Err(err).Int("queued", len(ids)).Str("queue", queue).
			Msg("gpu unavailable, leaving batch queued")

		return nil
	}

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}

		w.processItem(ctx, id, queue)

		// Pause and stop are observed between items; the in-flight item
		// always commits.
		if w.gate != nil && (!w.gate.Running() || w.gate.Paused()) {
			return nil
		}

		// Fresh arrivals preempt the rest of a backlog batch. The
		// unprocessed ids stay flagged in the database and come back
		// in a later batch.
		if queue != queueFresh && w.fresh.Len() > 0 {
			w.logger.Debug().Msg("fresh items arrived, preempting backlog batch")

			break
		}
	}

	return nil
}

// nextBatch picks the ids to work on: the fresh queue wins, then the
// ranked backlog, then the relaxed backlog sweep.
func (w *Worker) nextBatch(ctx context.Context) ([]int64, string, error) {
	if ids := w.fresh.PopBatch(w.cfg.FreshBatchSize); len(ids) > 0 {
		return ids, queueFresh, nil
	}

	batch := w.backlogBatchSize(ctx)

	ids, err := w.store.GetBacklogItemIDs(ctx, batch)
	if err != nil {
		return nil, "", fmt.Errorf("load backlog: %w", err)
	}

	if len(ids) > 0 {
		return ids, queueBacklog, nil
	}

	ids, err = w.store.GetRelaxedBacklogItemIDs(ctx, batch)
	if err != nil {
		return nil, "", fmt.Errorf("load relaxed backlog: %w", err)
	}

	return ids, queueRelaxed, nil
}

// processItem analyzes one item and commits the result. Failures are
// counted but never abort the batch; the consecutive-error ceiling stops
// the worker instead.
func (w *Worker) processItem(ctx context.Context, id int64, queue string) {
	item, err := w.store.GetItem(ctx, id)
	if err != nil {
		if errors.Is(err, db.ErrItemNotFound) {
			// Deleted between enqueue and processing.
			w.stats.Skipped++

			return
		}

		w.recordError(id, fmt.Errorf("load item: %w", err))

		return
	}

	// The relaxed sweep carries low-band items whose flag was never set;
	// anything already analyzed or linked is still skipped.
	alreadyDone := item.Metadata.LLMAnalysis != nil
	if item.SimilarToID != nil || alreadyDone || (!item.NeedsLLMProcessing && queue != queueRelaxed) {
		w.stats.Skipped++
		observability.ItemsLLMProcessed.With(prometheus.Labels{"queue": queue, "status": "skipped"}).Inc()

		return
	}

	started := time.Now()

	analysis, provider, err := w.analyze(ctx, item)
	if err != nil {
		w.recordError(id, err)
		observability.ItemsLLMProcessed.With(prometheus.Labels{"queue": queue, "status": "error"}).Inc()
		w.logProcessing(ctx, item, item.Priority, started, nil, nil, err)

		return
	}

	w.gpu.RecordActivity()

	before := item.Priority
	applyAnalysis(item, analysis)

	overlay := map[string]any{
		"llm_analysis": domain.LLMAnalysis{
			PrioritySuggestion: analysis.Priority,
			AssignedAKs:        analysis.AssignedAKs,
			RelevanceScore:     analysis.RelevanceScore,
			Tags:               analysis.Tags,
			ProcessedAt:        time.Now().UTC(),
			Source:             provider.Name(),
		},
	}

	if err := w.store.UpdateItemLLMResult(ctx, item, overlay); err != nil {
		w.recordError(id, fmt.Errorf("store llm result: %w", err))
		observability.ItemsLLMProcessed.With(prometheus.Labels{"queue": queue, "status": "error"}).Inc()

		return
	}

	if err := w.store.AddItemEvent(ctx, item.ID, domain.EventLLMProcessed, map[string]any{
		"provider": provider.Name(),
		"model":    provider.Model(),
		"priority": string(item.Priority),
		"relevant": analysis.Relevant,
		"parsed":   analysis.Parsed,
	}); err != nil {
		w.logger.Warn().Err(err).Int64("item_id", item.ID).Msg("record llm event failed")
	}

	w.logProcessing(ctx, item, before, started, analysis, provider, nil)

	w.consecutiveErrors = 0
	w.stats.Processed++
	w.stats.LastItemID = item.ID
	w.stats.LastRunAt = time.Now().UTC()

	if queue == queueFresh {
		w.stats.Fresh++
	} else {
		w.stats.Backlog++
	}

	if !analysis.Relevant {
		w.stats.Irrelevant++
	}

	observability.ItemsLLMProcessed.With(prometheus.Labels{"queue": queue, "status": "ok"}).Inc()

	w.logger.Info().
		Int64("item_id", item.ID).
		Str("queue", queue).
		Str("provider", provider.Name()).
		Str("priority_before", string(before)).
		Str("priority_after", string(item.Priority)).
		Strs("assigned_aks", item.AssignedAKs).
		Msg("item analyzed")
}

// analyze runs the prompt through the provider chain and parses the
// reply.
func (w *Worker) analyze(ctx context.Context, item *domain.Item) (*llm.ItemAnalysis, llm.Provider, error) {
	system := llm.AnalysisSystemPrompt(ctx, w.store)
	user := llm.BuildAnalysisPrompt(llm.ItemPromptInput{
		Title:       item.Title,
		Content:     item.Content,
		URL:         item.URL,
		Author:      item.Author,
		ChannelName: item.ChannelName,
		SourceName:  item.SourceName,
		PublishedAt: formatPublished(item.PublishedAt),
		AKNames:     w.akNames(ctx),
	})

	reply, provider, err := w.chat.Chat(ctx, system, user)
	if err != nil {
		return nil, nil, fmt.Errorf("item %d: %w", item.ID, err)
	}

	analysis := llm.ParseItemAnalysis(reply)
	if !analysis.Parsed {
		w.logger.Warn().Int64("item_id", item.ID).Str("provider", provider.Name()).
			Msg("llm reply was not valid json, salvaged summary only")
	}

	return &analysis, provider, nil
}

// applyAnalysis folds the verdict into the item. An irrelevant verdict
// downgrades to NONE regardless of the textual priority; the score stays
// monotonic either way.
func applyAnalysis(item *domain.Item, analysis *llm.ItemAnalysis) {
	priority, baseline := domain.MapLLMPriority(analysis.Priority, analysis.Relevant)
	downgrade := priority == domain.PriorityNone

	item.Priority = priority
	item.PriorityScore = domain.MergeScore(item.PriorityScore, baseline, downgrade)
	item.Summary = analysis.Summary
	item.DetailedAnalysis = analysis.DetailedAnalysis
	item.NeedsLLMProcessing = false

	// The classifier's single suggestion stands in when the model
	// returned no working groups.
	switch {
	case len(analysis.AssignedAKs) > 0:
		item.AssignedAKs = analysis.AssignedAKs
	case item.Metadata.PreFilter != nil && item.Metadata.PreFilter.AKSuggestion != "":
		item.AssignedAKs = []string{item.Metadata.PreFilter.AKSuggestion}
	}
}

func (w *Worker) logProcessing(ctx context.Context, item *domain.Item, before domain.Priority, started time.Time, analysis *llm.ItemAnalysis, provider llm.Provider, procErr error) {
	finished := time.Now()

	log := &domain.ProcessingLog{
		ItemID:          &item.ID,
		RunID:           uuid.NewString(),
		StepType:        domain.StepLLMAnalysis,
		StartedAt:       started,
		FinishedAt:      &finished,
		DurationMS:      finished.Sub(started).Milliseconds(),
		PriorityBefore:  before,
		PriorityAfter:   item.Priority,
		PriorityChanged: before != item.Priority,
		Success:         procErr == nil,
	}

	if procErr != nil {
		log.ErrorMessage = procErr.Error()
	}

	if provider != nil {
		log.ModelName = provider.Model()
		log.ModelProvider = provider.Name()
	}

	if analysis != nil {
		confidence := analysis.RelevanceScore
		log.Confidence = &confidence
		log.SuggestedAKs = analysis.AssignedAKs
		log.Output = analysis.Summary
	}

	if err := w.store.AddProcessingLog(ctx, log); err != nil {
		w.logger.Warn().Err(err).Int64("item_id", item.ID).Msg("record processing log failed")
	}
}

// enabled folds the settings-table override over the env toggle.
func (w *Worker) enabled(ctx context.Context) bool {
	var on bool
	if err := w.store.GetSetting(ctx, SettingEnabled, &on); err != nil {
		if !errors.Is(err, db.ErrSettingNotFound) {
			w.logger.Warn().Err(err).Msg("load llm enabled setting failed")
		}

		return w.cfg.LLMEnabled
	}

	return on
}

// backlogBatchSize folds the settings-table override over the env value.
func (w *Worker) backlogBatchSize(ctx context.Context) int {
	var n int
	if err := w.store.GetSetting(ctx, SettingBacklogBatchSize, &n); err != nil {
		if !errors.Is(err, db.ErrSettingNotFound) {
			w.logger.Warn().Err(err).Msg("load backlog batch size setting failed")
		}

		return w.cfg.BacklogBatchSize
	}

	if n <= 0 {
		return w.cfg.BacklogBatchSize
	}

	return n
}

// akNames loads the working group list offered to the model. An absent
// setting means the prompt simply omits the list.
func (w *Worker) akNames(ctx context.Context) []string {
	var names []string
	if err := w.store.GetSetting(ctx, SettingAKNames, &names); err != nil {
		if !errors.Is(err, db.ErrSettingNotFound) {
			w.logger.Warn().Err(err).Msg("load working group names failed")
		}

		return nil
	}

	return names
}

// recordError counts an item failure and stops the worker when failures
// keep coming back to back.
func (w *Worker) recordError(id int64, err error) {
	w.stats.Errors++
	w.consecutiveErrors++
	observability.WorkerErrors.WithLabelValues(Name).Inc()

	w.logger.Error().Err(err).Int64("item_id", id).
		Int("consecutive", w.consecutiveErrors).
		Msg("llm item processing failed")

	if w.cfg.MaxConsecutiveErrors > 0 && w.consecutiveErrors >= w.cfg.MaxConsecutiveErrors {
		w.logger.Error().Int("errors", w.consecutiveErrors).
			Msg("too many consecutive errors, stopping llm worker")

		if w.gate != nil {
			w.gate.StopDueToErrors()
		}
	}
}

func (w *Worker) onLoopError(err error) bool {
	observability.WorkerErrors.WithLabelValues(Name).Inc()
	w.logger.Error().Err(err).Msg("llm worker iteration failed")

	// Batch-level failures are database hiccups; back off briefly and
	// keep the loop alive.
	time.Sleep(w.cfg.WorkerErrorSleep)

	return true
}

func (w *Worker) publishStats(ctx context.Context) {
	if err := w.store.SaveWorkerStats(ctx, Name, w.stats); err != nil {
		w.logger.Warn().Err(err).Msg("publish llm worker stats failed")
	}
}

func (w *Worker) updateBacklogGauge(ctx context.Context) {
	n, err := w.store.CountLLMBacklog(ctx)
	if err != nil {
		w.logger.Warn().Err(err).Msg("count llm backlog failed")

		return
	}

	observability.LLMBacklog.Set(float64(n))
}

func formatPublished(t *time.Time) string {
	if t == nil {
		return ""
	}

	return t.Format("2006-01-02 15:04")
}
