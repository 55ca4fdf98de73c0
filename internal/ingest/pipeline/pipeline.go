// Package pipeline runs the intake path for freshly fetched items:
// dedupe, synchronous pre-classification, rule evaluation, persistence
// and hand-off to the fresh queue.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/wohlfahrt-digital/newswatch/internal/core/classifier"
	"github.com/wohlfahrt-digital/newswatch/internal/core/domain"
	"github.com/wohlfahrt-digital/newswatch/internal/platform/config"
	"github.com/wohlfahrt-digital/newswatch/internal/platform/observability"
	"github.com/wohlfahrt-digital/newswatch/internal/process/rules"
	db "github.com/wohlfahrt-digital/newswatch/internal/storage"
)

// Store is the slice of the repository the pipeline needs.
type Store interface {
	HasItemWithHash(ctx context.Context, channelID int64, hash string) (bool, error)
	InsertItemWithEvent(ctx context.Context, item *domain.Item, eventType string) error
	MergeItemMetadata(ctx context.Context, id int64, overlay any) error
	LinkDuplicate(ctx context.Context, id, similarTo int64, overlay any) error
	FindURLDuplicate(ctx context.Context, url string, beforeID int64, channelID *int64) (int64, error)
	AddItemEvent(ctx context.Context, itemID int64, eventType string, data map[string]any) error
	AddProcessingLog(ctx context.Context, log *domain.ProcessingLog) error
	ListEnabledRules(ctx context.Context) ([]domain.Rule, error)
	RecordRuleMatch(ctx context.Context, itemID, ruleID int64) error
}

var _ Store = (*db.DB)(nil)

// Classifier is the slice of the sidecar client the pipeline needs.
type Classifier interface {
	Classify(ctx context.Context, items []classifier.ClassifyInput) ([]classifier.ClassifyResult, error)
	IndexBatch(ctx context.Context, items []classifier.IndexInput) error
	FindDuplicates(ctx context.Context, itemID int64, title, content string, threshold float64, lookbackDays int) ([]classifier.DuplicateMatch, error)
	Healthy(ctx context.Context) bool
}

var _ Classifier = (*classifier.Client)(nil)

// FreshQueue receives ids of items that need LLM processing right away.
type FreshQueue interface {
	Push(id int64) bool
}

// Pipeline processes the output of one channel fetch.
type Pipeline struct {
	store      Store
	classifier Classifier
	rules      *rules.Engine
	fresh      FreshQueue
	cfg        *config.Config
	logger     *zerolog.Logger
}

// New creates a pipeline. fresh may be nil when no LLM worker runs in
// this process.
func New(store Store, cls Classifier, engine *rules.Engine, fresh FreshQueue, cfg *config.Config, logger *zerolog.Logger) *Pipeline {
	return &Pipeline{
		store:      store,
		classifier: cls,
		rules:      engine,
		fresh:      fresh,
		cfg:        cfg,
		logger:     logger,
	}
}

// Ingest runs the intake path for one channel's fetched items and
// returns how many were new.
func (p *Pipeline) Ingest(ctx context.Context, ch *domain.Channel, rawItems []domain.RawItem) (int, error) {
	if len(rawItems) == 0 {
		return 0, nil
	}

	ruleSet, err := p.store.ListEnabledRules(ctx)
	if err != nil {
		return 0, err
	}

	classifierUp := p.classifier.Healthy(ctx)

	added := 0

	for i := range rawItems {
		if err := ctx.Err(); err != nil {
			return added, err
		}

		inserted, err := p.ingestOne(ctx, ch, &rawItems[i], ruleSet, classifierUp)
		if err != nil {
			p.logger.Warn().Err(err).
				Int64("channel_id", ch.ID).
				Str("external_id", rawItems[i].ExternalID).
				Msg("item intake failed")

			continue
		}

		if inserted {
			added++
		}
	}

	return added, nil
}

func (p *Pipeline) ingestOne(ctx context.Context, ch *domain.Channel, raw *domain.RawItem, ruleSet []domain.Rule, classifierUp bool) (bool, error) {
	hash := ContentHash(raw.Title, raw.Content, p.cfg.BoilerplatePrefixes)

	exists, err := p.store.HasItemWithHash(ctx, ch.ID, hash)
	if err != nil {
		return false, err
	}

	if exists {
		return false, nil
	}

	runID := uuid.NewString()
	channelID := ch.ID

	item := &domain.Item{
		ChannelID:     &channelID,
		ExternalID:    raw.ExternalID,
		Title:         raw.Title,
		Content:       raw.Content,
		URL:           raw.URL,
		Author:        raw.Author,
		PublishedAt:   raw.PublishedAt,
		FetchedAt:     time.Now(),
		ContentHash:   hash,
		Priority:      domain.PriorityNone,
		PriorityScore: 0,
		AssignedAKs:   []string{},
		ChannelName:   ch.Name,
		SourceName:    ch.SourceName,

		// Items stored without a pre-filter verdict stay flagged so the
		// classifier worker backfills them; a successful pre-classify
		// below overwrites this per relevance band.
		NeedsLLMProcessing: true,
	}

	if len(raw.Metadata) > 0 {
		item.Metadata.Extra = raw.Metadata
	}

	stepOrder := 0
	p.logStep(ctx, nil, runID, domain.StepFetch, &stepOrder, func(log *domain.ProcessingLog) {
		log.Output = raw.URL
	})

	if classifierUp {
		p.preClassify(ctx, item, runID, &stepOrder)
	}

	ruleOutcome := p.applyRules(ctx, item, ruleSet, runID, &stepOrder)

	if err := p.store.InsertItemWithEvent(ctx, item, domain.EventFetched); err != nil {
		if errors.Is(err, db.ErrDuplicateItem) {
			return false, nil
		}

		return false, err
	}

	for _, m := range ruleOutcome.Matches {
		if err := p.store.RecordRuleMatch(ctx, item.ID, m.Rule.ID); err != nil {
			p.logger.Warn().Err(err).Int64("item_id", item.ID).Msg("record rule match failed")
		}
	}

	if classifierUp {
		p.indexAndCheckDuplicate(ctx, item, runID, &stepOrder)
	}

	observability.ItemsIngested.WithLabelValues(string(ch.ConnectorType)).Inc()

	// Only classified items go to the LLM queue; unclassified ones wait
	// for the classifier worker to decide their band first.
	if item.NeedsLLMProcessing && item.Metadata.PreFilter != nil && p.fresh != nil {
		p.fresh.Push(item.ID)
	}

	return true, nil
}

// preClassify asks the sidecar for a relevance verdict while the item is
// still in hand. A sidecar failure leaves the item unclassified; the
// classifier worker backfills it later.
func (p *Pipeline) preClassify(ctx context.Context, item *domain.Item, runID string, stepOrder *int) {
	results, err := p.classifier.Classify(ctx, []classifier.ClassifyInput{{
		ID:      item.ID,
		Title:   item.Title,
		Content: item.Content,
	}})
	if err != nil || len(results) == 0 {
		p.logStep(ctx, nil, runID, domain.StepPreFilter, stepOrder, func(log *domain.ProcessingLog) {
			log.Success = false
			if err != nil {
				log.ErrorMessage = err.Error()
			}
		})

		return
	}

	res := results[0]
	priority, score, retry, needsLLM := domain.ClassifyPreFilter(res.RelevanceConfidence)

	item.Priority = priority
	item.PriorityScore = score
	item.NeedsLLMProcessing = needsLLM
	item.Metadata.RetryPriority = retry
	item.Metadata.PreFilter = &domain.PreFilter{
		RelevanceConfidence: res.RelevanceConfidence,
		PrioritySuggestion:  res.PrioritySuggestion,
		PriorityConfidence:  res.PriorityConfidence,
		AKSuggestion:        res.AKSuggestion,
		AKConfidence:        res.AKConfidence,
		ClassifiedAt:        time.Now(),
	}

	confidence := res.RelevanceConfidence

	p.logStep(ctx, nil, runID, domain.StepPreFilter, stepOrder, func(log *domain.ProcessingLog) {
		log.Confidence = &confidence
		log.PriorityAfter = priority
		log.PriorityChanged = true
	})
}

func (p *Pipeline) applyRules(ctx context.Context, item *domain.Item, ruleSet []domain.Rule, runID string, stepOrder *int) rules.Outcome {
	if p.rules == nil || len(ruleSet) == 0 {
		return rules.Outcome{Priority: item.Priority, Score: item.PriorityScore}
	}

	out := p.rules.Evaluate(ctx, item, ruleSet)

	if out.Changed {
		before := item.Priority
		item.Priority = out.Priority
		item.PriorityScore = out.Score

		p.logStep(ctx, nil, runID, domain.StepRuleMatch, stepOrder, func(log *domain.ProcessingLog) {
			log.PriorityBefore = before
			log.PriorityAfter = out.Priority
			log.PriorityChanged = before != out.Priority
		})
	}

	return out
}

// indexAndCheckDuplicate pushes the stored item into the vector index
// and links it to an earlier near-identical item when one exists: URL
// equality first, then the embedding lookup. The link always points at
// the smallest matching id, keeping duplicate clusters a forest rooted
// at their oldest member.
func (p *Pipeline) indexAndCheckDuplicate(ctx context.Context, item *domain.Item, runID string, stepOrder *int) {
	err := p.classifier.IndexBatch(ctx, []classifier.IndexInput{{
		ID:      item.ID,
		Title:   item.Title,
		Content: item.Content,
	}})
	if err != nil {
		p.logger.Debug().Err(err).Int64("item_id", item.ID).Msg("vector index failed at intake")
		return
	}

	now := time.Now().UTC()

	if err := p.store.MergeItemMetadata(ctx, item.ID, map[string]any{
		"vectordb_indexed":    true,
		"vectordb_indexed_at": now.Format(time.RFC3339),
		"vectordb":            domain.VectorDBInfo{Indexed: true, IndexedAt: now},
	}); err != nil {
		p.logger.Warn().Err(err).Int64("item_id", item.ID).Msg("mark indexed failed")
	}

	if item.URL != "" {
		primary, err := p.store.FindURLDuplicate(ctx, item.URL, item.ID, item.ChannelID)
		if err != nil {
			p.logger.Warn().Err(err).Int64("item_id", item.ID).Msg("url duplicate lookup failed")
		} else if primary != 0 {
			p.linkDuplicate(ctx, item, primary, 1, "url_match", runID, stepOrder)

			return
		}
	}

	matches, err := p.classifier.FindDuplicates(ctx, item.ID, item.Title, item.Content,
		p.cfg.DuplicateThreshold, p.cfg.DuplicateLookback)
	if err != nil {
		p.logger.Debug().Err(err).Int64("item_id", item.ID).Msg("duplicate lookup failed at intake")
		return
	}

	if primary, score := OldestSmallerMatch(item.ID, matches); primary != 0 {
		p.linkDuplicate(ctx, item, primary, score, "", runID, stepOrder)

		return
	}

	if err := p.store.MergeItemMetadata(ctx, item.ID, map[string]any{"duplicate_checked": true}); err != nil {
		p.logger.Warn().Err(err).Int64("item_id", item.ID).Msg("mark duplicate-checked failed")
	}
}

// linkDuplicate points the item at its cluster primary. method is empty
// for embedding hits; only URL hits carry a tag.
func (p *Pipeline) linkDuplicate(ctx context.Context, item *domain.Item, primary int64, score float64, method, runID string, stepOrder *int) {
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

	if err := p.store.LinkDuplicate(ctx, item.ID, primary, overlay); err != nil {
		p.logger.Warn().Err(err).Int64("item_id", item.ID).Msg("duplicate link failed")
		return
	}

	observability.DuplicatesLinked.WithLabelValues(metricMethod).Inc()

	_ = p.store.AddItemEvent(ctx, item.ID, domain.EventDuplicate, map[string]any{
		"similar_to_id": primary,
		"score":         score,
		"method":        metricMethod,
	})

	p.logStep(ctx, &item.ID, runID, domain.StepDuplicateCheck, stepOrder, func(log *domain.ProcessingLog) {
		log.Confidence = &score
	})
}

// OldestSmallerMatch picks the smallest id strictly below itemID among
// the matches, with its score. Returns 0 when no candidate qualifies.
func OldestSmallerMatch(itemID int64, matches []classifier.DuplicateMatch) (int64, float64) {
	best := int64(0)
	bestScore := 0.0

	for _, m := range matches {
		if m.ItemID >= itemID {
			continue
		}

		if best == 0 || m.ItemID < best {
			best = m.ItemID
			bestScore = m.Score
		}
	}

	return best, bestScore
}

func (p *Pipeline) logStep(ctx context.Context, itemID *int64, runID, stepType string, stepOrder *int, fill func(*domain.ProcessingLog)) {
	now := time.Now()

	log := &domain.ProcessingLog{
		ItemID:     itemID,
		RunID:      runID,
		StepType:   stepType,
		StepOrder:  *stepOrder,
		StartedAt:  now,
		FinishedAt: &now,
		Success:    true,
	}

	*stepOrder++

	if fill != nil {
		fill(log)
	}

	if err := p.store.AddProcessingLog(ctx, log); err != nil {
		p.logger.Debug().Err(err).Str("step", stepType).Msg("processing log write failed")
	}
}

// ContentHash fingerprints an item's text. Case, whitespace and known
// boilerplate prefixes are normalized away so trivially re-edited posts
// hash identically.
func ContentHash(title, content string, boilerplatePrefixes []string) string {
	normalized := normalizeForHash(title, boilerplatePrefixes) + "\x00" +
		normalizeForHash(content, boilerplatePrefixes)

	sum := sha256.Sum256([]byte(normalized))

	return hex.EncodeToString(sum[:])
}

func normalizeForHash(s string, boilerplatePrefixes []string) string {
	s = foldForHash(s)

	for _, prefix := range boilerplatePrefixes {
		prefix = foldForHash(prefix)
		if prefix != "" && strings.HasPrefix(s, prefix) {
			s = strings.TrimSpace(strings.TrimPrefix(s, prefix))
		}
	}

	return strings.Join(strings.Fields(s), " ")
}

// foldForHash applies Unicode case folding on a normalized form, so
// umlaut and sharp-s spelling variants hash identically.
func foldForHash(s string) string {
	return cases.Fold().String(norm.NFKC.String(strings.TrimSpace(s)))
}
