package pipeline

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wohlfahrt-digital/newswatch/internal/core/classifier"
	"github.com/wohlfahrt-digital/newswatch/internal/core/domain"
	"github.com/wohlfahrt-digital/newswatch/internal/platform/config"
	"github.com/wohlfahrt-digital/newswatch/internal/process/rules"
)

type fakeStore struct {
	items        []*domain.Item
	hashes       map[string]bool
	nextID       int64
	metadata     map[int64][]any
	links        map[int64]int64
	linkOverlays map[int64]map[string]any
	urlDupes     map[string]int64
	events       []string
	ruleMatches  [][2]int64
	rules        []domain.Rule
	logs         []domain.ProcessingLog
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		hashes:       map[string]bool{},
		nextID:       100,
		metadata:     map[int64][]any{},
		links:        map[int64]int64{},
		linkOverlays: map[int64]map[string]any{},
		urlDupes:     map[string]int64{},
	}
}

func (s *fakeStore) HasItemWithHash(_ context.Context, _ int64, hash string) (bool, error) {
	return s.hashes[hash], nil
}

func (s *fakeStore) InsertItemWithEvent(_ context.Context, item *domain.Item, _ string) error {
	s.nextID++
	item.ID = s.nextID
	s.items = append(s.items, item)
	s.hashes[item.ContentHash] = true

	return nil
}

func (s *fakeStore) MergeItemMetadata(_ context.Context, id int64, overlay any) error {
	s.metadata[id] = append(s.metadata[id], overlay)
	return nil
}

func (s *fakeStore) LinkDuplicate(_ context.Context, id, similarTo int64, overlay any) error {
	s.links[id] = similarTo
	s.linkOverlays[id], _ = overlay.(map[string]any)

	return nil
}

func (s *fakeStore) FindURLDuplicate(_ context.Context, url string, beforeID int64, _ *int64) (int64, error) {
	if id, ok := s.urlDupes[url]; ok && id < beforeID {
		return id, nil
	}

	return 0, nil
}

func (s *fakeStore) AddItemEvent(_ context.Context, _ int64, eventType string, _ map[string]any) error {
	s.events = append(s.events, eventType)
	return nil
}

func (s *fakeStore) AddProcessingLog(_ context.Context, log *domain.ProcessingLog) error {
	s.logs = append(s.logs, *log)
	return nil
}

func (s *fakeStore) ListEnabledRules(context.Context) ([]domain.Rule, error) {
	return s.rules, nil
}

func (s *fakeStore) RecordRuleMatch(_ context.Context, itemID, ruleID int64) error {
	s.ruleMatches = append(s.ruleMatches, [2]int64{itemID, ruleID})
	return nil
}

type fakeClassifier struct {
	healthy    bool
	confidence float64
	matches    []classifier.DuplicateMatch
	indexed    []int64
}

func (c *fakeClassifier) Classify(_ context.Context, items []classifier.ClassifyInput) ([]classifier.ClassifyResult, error) {
	results := make([]classifier.ClassifyResult, len(items))
	for i, item := range items {
		results[i] = classifier.ClassifyResult{ID: item.ID, RelevanceConfidence: c.confidence}
	}

	return results, nil
}

func (c *fakeClassifier) IndexBatch(_ context.Context, items []classifier.IndexInput) error {
	for _, item := range items {
		c.indexed = append(c.indexed, item.ID)
	}

	return nil
}

func (c *fakeClassifier) FindDuplicates(context.Context, int64, string, string, float64, int) ([]classifier.DuplicateMatch, error) {
	return c.matches, nil
}

func (c *fakeClassifier) Healthy(context.Context) bool { return c.healthy }

type fakeFreshQueue struct {
	pushed []int64
}

func (q *fakeFreshQueue) Push(id int64) bool {
	q.pushed = append(q.pushed, id)
	return true
}

func testPipeline(store *fakeStore, cls *fakeClassifier, fresh *fakeFreshQueue) *Pipeline {
	logger := zerolog.Nop()
	cfg := &config.Config{DuplicateThreshold: 0.75, DuplicateLookback: 14}

	return New(store, cls, rules.NewEngine(nil, &logger), fresh, cfg, &logger)
}

func testChannel() *domain.Channel {
	return &domain.Channel{ID: 7, Name: "Pressemitteilungen", SourceName: "BMAS", ConnectorType: domain.ConnectorRSS}
}

func TestIngest_RelevantItemGoesToFreshQueue(t *testing.T) {
	store := newFakeStore()
	cls := &fakeClassifier{healthy: true, confidence: 0.8}
	fresh := &fakeFreshQueue{}
	p := testPipeline(store, cls, fresh)

	added, err := p.Ingest(context.Background(), testChannel(), []domain.RawItem{
		{ExternalID: "a", Title: "Pflegereform", Content: "Inhalt"},
	})

	require.NoError(t, err)
	assert.Equal(t, 1, added)
	require.Len(t, store.items, 1)

	item := store.items[0]
	assert.Equal(t, domain.PriorityMedium, item.Priority)
	assert.Equal(t, domain.ScoreMedium, item.PriorityScore)
	assert.Equal(t, domain.RetryHigh, item.Metadata.RetryPriority)
	assert.True(t, item.NeedsLLMProcessing)
	assert.Equal(t, []int64{item.ID}, fresh.pushed)
	assert.Contains(t, cls.indexed, item.ID)
}

func TestIngest_IrrelevantItemSkipsLLM(t *testing.T) {
	store := newFakeStore()
	cls := &fakeClassifier{healthy: true, confidence: 0.1}
	fresh := &fakeFreshQueue{}
	p := testPipeline(store, cls, fresh)

	added, err := p.Ingest(context.Background(), testChannel(), []domain.RawItem{
		{ExternalID: "a", Title: "Gewinnspiel", Content: "Werbung"},
	})

	require.NoError(t, err)
	assert.Equal(t, 1, added)

	item := store.items[0]
	assert.Equal(t, domain.PriorityNone, item.Priority)
	assert.Equal(t, domain.ScoreIrrelevant, item.PriorityScore)
	assert.False(t, item.NeedsLLMProcessing)
	assert.Empty(t, fresh.pushed)
}

func TestIngest_EdgeCaseBand(t *testing.T) {
	store := newFakeStore()
	cls := &fakeClassifier{healthy: true, confidence: 0.3}
	p := testPipeline(store, cls, &fakeFreshQueue{})

	_, err := p.Ingest(context.Background(), testChannel(), []domain.RawItem{
		{ExternalID: "a", Title: "Vielleicht relevant", Content: "..."},
	})

	require.NoError(t, err)

	item := store.items[0]
	assert.Equal(t, domain.PriorityLow, item.Priority)
	assert.Equal(t, domain.ScoreEdgeCase, item.PriorityScore)
	assert.Equal(t, domain.RetryEdgeCase, item.Metadata.RetryPriority)
	assert.True(t, item.NeedsLLMProcessing)
}

func TestIngest_ContentHashDedupe(t *testing.T) {
	store := newFakeStore()
	cls := &fakeClassifier{healthy: true, confidence: 0.8}
	p := testPipeline(store, cls, &fakeFreshQueue{})

	raw := []domain.RawItem{
		{ExternalID: "a", Title: "Gleicher Text", Content: "Inhalt"},
		{ExternalID: "b", Title: "  GLEICHER   Text ", Content: "Inhalt"},
	}

	added, err := p.Ingest(context.Background(), testChannel(), raw)

	require.NoError(t, err)
	assert.Equal(t, 1, added)
	assert.Len(t, store.items, 1)
}

func TestIngest_DuplicateLinkKeepsForestInvariant(t *testing.T) {
	store := newFakeStore()
	cls := &fakeClassifier{
		healthy:    true,
		confidence: 0.8,
		// One hit with a larger id (must be ignored), one with a smaller.
		matches: []classifier.DuplicateMatch{
			{ItemID: 9999, Score: 0.95},
			{ItemID: 42, Score: 0.9},
		},
	}
	p := testPipeline(store, cls, &fakeFreshQueue{})

	_, err := p.Ingest(context.Background(), testChannel(), []domain.RawItem{
		{ExternalID: "a", Title: "Doppelt", Content: "Inhalt"},
	})

	require.NoError(t, err)
	require.Len(t, store.items, 1)

	id := store.items[0].ID
	assert.Equal(t, int64(42), store.links[id])
	assert.Contains(t, store.events, domain.EventDuplicate)
	assert.NotContains(t, store.linkOverlays[id], "duplicate_method", "embedding hits carry only the score")
	assert.Equal(t, domain.DuplicateInfo{Score: 0.9}, store.linkOverlays[id]["duplicate"])
}

func TestIngest_URLDuplicateWinsOverEmbedding(t *testing.T) {
	store := newFakeStore()
	store.urlDupes["https://example.org/a"] = 50

	cls := &fakeClassifier{
		healthy:    true,
		confidence: 0.8,
		matches:    []classifier.DuplicateMatch{{ItemID: 42, Score: 0.9}},
	}
	p := testPipeline(store, cls, &fakeFreshQueue{})

	_, err := p.Ingest(context.Background(), testChannel(), []domain.RawItem{
		{ExternalID: "a", Title: "Doppelt", Content: "Inhalt", URL: "https://example.org/a"},
	})

	require.NoError(t, err)
	require.Len(t, store.items, 1)

	id := store.items[0].ID
	assert.Equal(t, int64(50), store.links[id])
	assert.Equal(t, "url_match", store.linkOverlays[id]["duplicate_method"])
	assert.Equal(t, domain.DuplicateInfo{Method: "url_match", Score: 1}, store.linkOverlays[id]["duplicate"])
}

func TestIngest_ClassifierDownLeavesItemUnclassified(t *testing.T) {
	store := newFakeStore()
	cls := &fakeClassifier{healthy: false}
	fresh := &fakeFreshQueue{}
	p := testPipeline(store, cls, fresh)

	added, err := p.Ingest(context.Background(), testChannel(), []domain.RawItem{
		{ExternalID: "a", Title: "Titel", Content: "Inhalt"},
	})

	require.NoError(t, err)
	assert.Equal(t, 1, added)

	item := store.items[0]
	assert.Nil(t, item.Metadata.PreFilter)
	assert.True(t, item.NeedsLLMProcessing, "unclassified items stay flagged for the classifier worker")
	assert.Empty(t, fresh.pushed, "items without a pre-filter never go straight to the llm queue")
	assert.Empty(t, cls.indexed)
}

func TestContentHash_Normalization(t *testing.T) {
	assert.Equal(t,
		ContentHash("Titel", "Ein  Text.", nil),
		ContentHash("  TITEL ", "ein text.", nil))

	assert.Equal(t,
		ContentHash("Pressemitteilung: Neues Programm", "Text", []string{"Pressemitteilung:"}),
		ContentHash("Neues Programm", "Text", []string{"Pressemitteilung:"}))

	assert.Equal(t,
		ContentHash("Straße frei", "Text", nil),
		ContentHash("STRASSE FREI", "Text", nil))

	assert.NotEqual(t,
		ContentHash("Titel", "Text A", nil),
		ContentHash("Titel", "Text B", nil))
}
