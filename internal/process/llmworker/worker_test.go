package llmworker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wohlfahrt-digital/newswatch/internal/core/domain"
	"github.com/wohlfahrt-digital/newswatch/internal/core/llm"
	"github.com/wohlfahrt-digital/newswatch/internal/platform/config"
	"github.com/wohlfahrt-digital/newswatch/internal/platform/worker"
	db "github.com/wohlfahrt-digital/newswatch/internal/storage"
)

type fakeStore struct {
	items   map[int64]*domain.Item
	backlog []int64
	relaxed []int64

	updated  []int64
	events   []string
	logs     []*domain.ProcessingLog
	settings map[string]any

	// onGetItem lets tests inject side effects mid-batch.
	onGetItem func(id int64)
}

func newFakeStore(items ...*domain.Item) *fakeStore {
	s := &fakeStore{items: map[int64]*domain.Item{}, settings: map[string]any{}}
	for _, it := range items {
		s.items[it.ID] = it
	}

	return s
}

func (s *fakeStore) GetItem(_ context.Context, id int64) (*domain.Item, error) {
	if s.onGetItem != nil {
		s.onGetItem(id)
	}

	item, ok := s.items[id]
	if !ok {
		return nil, db.ErrItemNotFound
	}

	clone := *item

	return &clone, nil
}

func (s *fakeStore) GetBacklogItemIDs(_ context.Context, limit int) ([]int64, error) {
	if limit > len(s.backlog) {
		limit = len(s.backlog)
	}

	return s.backlog[:limit], nil
}

func (s *fakeStore) GetRelaxedBacklogItemIDs(_ context.Context, limit int) ([]int64, error) {
	if limit > len(s.relaxed) {
		limit = len(s.relaxed)
	}

	return s.relaxed[:limit], nil
}

func (s *fakeStore) UpdateItemLLMResult(_ context.Context, item *domain.Item, _ any) error {
	s.items[item.ID] = item
	s.updated = append(s.updated, item.ID)

	return nil
}

func (s *fakeStore) AddItemEvent(_ context.Context, _ int64, eventType string, _ map[string]any) error {
	s.events = append(s.events, eventType)

	return nil
}

func (s *fakeStore) AddProcessingLog(_ context.Context, log *domain.ProcessingLog) error {
	s.logs = append(s.logs, log)

	return nil
}

func (s *fakeStore) CountLLMBacklog(context.Context) (int, error) { return len(s.backlog), nil }

func (s *fakeStore) SaveWorkerStats(context.Context, string, any) error { return nil }

func (s *fakeStore) GetSetting(_ context.Context, key string, dst any) error {
	v, ok := s.settings[key]
	if !ok {
		return db.ErrSettingNotFound
	}

	switch d := dst.(type) {
	case *bool:
		d2, _ := v.(bool)
		*d = d2
	case *int:
		d2, _ := v.(int)
		*d = d2
	case *[]string:
		d2, _ := v.([]string)
		*d = d2
	}

	return nil
}

type fakeChatter struct {
	reply string
	err   error
	calls int
}

func (c *fakeChatter) Chat(context.Context, string, string) (string, llm.Provider, error) {
	c.calls++

	if c.err != nil {
		return "", nil, c.err
	}

	return c.reply, llm.NewMock(), nil
}

type fakeGPU struct {
	ensured   int
	activity  int
	shutdowns int
	ensureErr error
}

func (g *fakeGPU) EnsureAvailable(context.Context) error { g.ensured++; return g.ensureErr }

func (g *fakeGPU) RecordActivity() { g.activity++ }

func (g *fakeGPU) ShutdownIfIdle(context.Context) (bool, error) {
	g.shutdowns++

	return true, nil
}

func testConfig() *config.Config {
	return &config.Config{
		LLMEnabled:           true,
		FreshBatchSize:       5,
		BacklogBatchSize:     10,
		MaxConsecutiveErrors: 3,
		WorkerErrorSleep:     time.Millisecond,
	}
}

func testWorker(store *fakeStore, chat Chatter, gpu *fakeGPU) *Worker {
	logger := zerolog.Nop()

	return New(testConfig(), &logger, store, chat, gpu, NewFreshQueue(100), worker.NewGate())
}

func pendingItem(id int64) *domain.Item {
	return &domain.Item{
		ID:                 id,
		Title:              "Referentenentwurf Pflegekompetenzgesetz",
		Content:            "Das Ministerium legt einen Entwurf vor.",
		Priority:           domain.PriorityMedium,
		PriorityScore:      domain.ScoreMedium,
		NeedsLLMProcessing: true,
	}
}

const relevantReply = `{"relevant": true, "priority": "high",
	"summary": "Entwurf betrifft die Pflege.",
	"detailed_analysis": "Handlungsbedarf fuer den Verband.",
	"assigned_aks": ["AK Pflege"], "tags": ["pflege"], "relevance_score": 0.9}`

func TestProcess_FreshQueueFirst(t *testing.T) {
	store := newFakeStore(pendingItem(1), pendingItem(2))
	store.backlog = []int64{2}

	gpu := &fakeGPU{}
	w := testWorker(store, &fakeChatter{reply: relevantReply}, gpu)
	w.fresh.Push(1)

	require.NoError(t, w.Process(context.Background()))

	assert.Equal(t, []int64{1}, store.updated)
	assert.Equal(t, 1, gpu.ensured)
	assert.Equal(t, 1, gpu.activity)

	got := store.items[1]
	assert.Equal(t, domain.PriorityHigh, got.Priority)
	assert.Equal(t, domain.ScoreHigh, got.PriorityScore)
	assert.Equal(t, "Entwurf betrifft die Pflege.", got.Summary)
	assert.Equal(t, []string{"AK Pflege"}, got.AssignedAKs)
	assert.False(t, got.NeedsLLMProcessing)
	assert.Contains(t, store.events, domain.EventLLMProcessed)
}

func TestProcess_BacklogWhenFreshEmpty(t *testing.T) {
	store := newFakeStore(pendingItem(4), pendingItem(5))
	store.backlog = []int64{4, 5}

	w := testWorker(store, &fakeChatter{reply: relevantReply}, &fakeGPU{})

	require.NoError(t, w.Process(context.Background()))

	assert.Equal(t, []int64{4, 5}, store.updated)
}

func TestProcess_RelaxedBacklogAsLastResort(t *testing.T) {
	// Low-band items are not flagged for LLM processing; the relaxed
	// sweep picks them up anyway once the ranked backlog is empty.
	item := pendingItem(7)
	item.NeedsLLMProcessing = false
	item.Priority = domain.PriorityNone
	item.Metadata.PreFilter = &domain.PreFilter{RelevanceConfidence: 0.2}
	item.Metadata.RetryPriority = domain.RetryLow

	store := newFakeStore(item)
	store.relaxed = []int64{7}

	w := testWorker(store, &fakeChatter{reply: relevantReply}, &fakeGPU{})

	require.NoError(t, w.Process(context.Background()))

	assert.Equal(t, []int64{7}, store.updated)
	assert.Equal(t, []string{"AK Pflege"}, store.items[7].AssignedAKs)
}

func TestProcess_RelaxedSweepSkipsAnalyzedItems(t *testing.T) {
	item := pendingItem(8)
	item.NeedsLLMProcessing = false
	item.Metadata.PreFilter = &domain.PreFilter{RelevanceConfidence: 0.2}
	item.Metadata.LLMAnalysis = &domain.LLMAnalysis{Source: "mock"}

	store := newFakeStore(item)
	store.relaxed = []int64{8}

	chat := &fakeChatter{reply: relevantReply}
	w := testWorker(store, chat, &fakeGPU{})

	require.NoError(t, w.Process(context.Background()))

	assert.Empty(t, store.updated)
	assert.Zero(t, chat.calls)
	assert.Equal(t, int64(1), w.stats.Skipped)
}

func TestProcess_FreshArrivalPreemptsBacklog(t *testing.T) {
	store := newFakeStore(pendingItem(10), pendingItem(11), pendingItem(12))
	store.backlog = []int64{10, 11}

	w := testWorker(store, &fakeChatter{reply: relevantReply}, &fakeGPU{})

	// A fresh item lands while the first backlog item is in flight.
	store.onGetItem = func(id int64) {
		if id == 10 {
			w.fresh.Push(12)
		}
	}

	require.NoError(t, w.Process(context.Background()))
	assert.Equal(t, []int64{10}, store.updated, "backlog batch stops after the in-flight item")

	require.NoError(t, w.Process(context.Background()))
	assert.Equal(t, []int64{10, 12}, store.updated, "fresh item goes next")
}

func TestProcess_IrrelevantVerdictDowngrades(t *testing.T) {
	item := pendingItem(3)
	item.PriorityScore = domain.ScoreMedium

	store := newFakeStore(item)
	store.backlog = []int64{3}

	reply := `{"relevant": false, "priority": "high", "summary": "Werbung.",
		"detailed_analysis": "", "assigned_aks": [], "tags": [], "relevance_score": 0.05}`
	w := testWorker(store, &fakeChatter{reply: reply}, &fakeGPU{})

	require.NoError(t, w.Process(context.Background()))

	got := store.items[3]
	assert.Equal(t, domain.PriorityNone, got.Priority)
	assert.Equal(t, domain.ScoreIrrelevant, got.PriorityScore, "downgrade takes the lower score")
	assert.False(t, got.NeedsLLMProcessing)
}

func TestProcess_SkipsDoneAndLinkedItems(t *testing.T) {
	done := pendingItem(20)
	done.NeedsLLMProcessing = false

	linked := pendingItem(21)
	primary := int64(8)
	linked.SimilarToID = &primary

	store := newFakeStore(done, linked)
	store.backlog = []int64{20, 21, 22}

	chat := &fakeChatter{reply: relevantReply}
	w := testWorker(store, chat, &fakeGPU{})

	require.NoError(t, w.Process(context.Background()))

	assert.Empty(t, store.updated)
	assert.Zero(t, chat.calls, "skipped and missing items never reach the model")
	assert.Equal(t, int64(3), w.stats.Skipped)
}

func TestProcess_ShutdownWhenQueuesEmpty(t *testing.T) {
	store := newFakeStore()
	gpu := &fakeGPU{}
	w := testWorker(store, &fakeChatter{reply: relevantReply}, gpu)

	require.NoError(t, w.Process(context.Background()))

	assert.Equal(t, 1, gpu.shutdowns)
	assert.Zero(t, gpu.ensured, "no wake without work")
}

func TestProcess_ConsecutiveErrorsStopWorker(t *testing.T) {
	store := newFakeStore(pendingItem(1), pendingItem(2), pendingItem(3), pendingItem(4))
	store.backlog = []int64{1, 2, 3, 4}

	chat := &fakeChatter{err: errors.Join(llm.ErrAllProvidersFailed, errors.New("connection refused"))}
	w := testWorker(store, chat, &fakeGPU{})

	require.NoError(t, w.Process(context.Background()))

	assert.True(t, w.gate.StoppedDueToErrors())
	assert.False(t, w.gate.Running())
	assert.Equal(t, 3, chat.calls, "stops at the error ceiling")
	assert.Empty(t, store.updated)
}

func TestProcess_ErrorCounterResetsOnSuccess(t *testing.T) {
	store := newFakeStore(pendingItem(1), pendingItem(2))
	store.backlog = []int64{1, 2}

	failing := &fakeChatter{err: errors.New("timeout")}
	w := testWorker(store, failing, &fakeGPU{})

	require.NoError(t, w.Process(context.Background()))
	assert.Equal(t, 2, w.consecutiveErrors)

	w.chat = &fakeChatter{reply: relevantReply}

	require.NoError(t, w.Process(context.Background()))
	assert.Zero(t, w.consecutiveErrors)
	assert.True(t, w.gate.Running())
}

func TestProcess_DisabledDoesNothing(t *testing.T) {
	store := newFakeStore(pendingItem(1))
	store.backlog = []int64{1}

	gpu := &fakeGPU{}
	w := testWorker(store, &fakeChatter{reply: relevantReply}, gpu)
	w.cfg.LLMEnabled = false

	require.NoError(t, w.Process(context.Background()))

	assert.Empty(t, store.updated)
	assert.Zero(t, gpu.ensured)
}

func TestProcess_SettingOverridesEnvToggle(t *testing.T) {
	store := newFakeStore(pendingItem(1))
	store.backlog = []int64{1}
	store.settings[SettingEnabled] = false

	gpu := &fakeGPU{}
	w := testWorker(store, &fakeChatter{reply: relevantReply}, gpu)
	w.cfg.LLMEnabled = true

	require.NoError(t, w.Process(context.Background()))

	assert.Empty(t, store.updated)
	assert.Zero(t, gpu.ensured)
}

func TestProcess_GPUUnavailableLeavesBatchQueued(t *testing.T) {
	store := newFakeStore(pendingItem(1), pendingItem(2), pendingItem(3))

	gpu := &fakeGPU{ensureErr: errors.New("outside gpu active hours")}
	chat := &fakeChatter{err: errors.Join(llm.ErrAllProvidersFailed, errors.New("connection refused"))}
	w := testWorker(store, chat, gpu)

	w.fresh.Push(1)
	w.fresh.Push(2)
	w.fresh.Push(3)

	require.NoError(t, w.Process(context.Background()))

	assert.Empty(t, store.updated, "no item is consumed while the gpu stays down")
	assert.Zero(t, chat.calls, "nothing reaches the provider chain")
	assert.Zero(t, w.consecutiveErrors, "a denied wake is not a worker error")
	assert.True(t, w.gate.Running())
	assert.False(t, w.gate.StoppedDueToErrors())

	assert.Equal(t, []int64{1, 2, 3}, w.fresh.PopBatch(10), "fresh ids go back in order")
}

func TestProcess_GPUUnavailableSkipsBacklogBatch(t *testing.T) {
	store := newFakeStore(pendingItem(1), pendingItem(2))
	store.backlog = []int64{1, 2}

	gpu := &fakeGPU{ensureErr: errors.New("outside gpu active hours")}
	chat := &fakeChatter{reply: relevantReply}
	w := testWorker(store, chat, gpu)

	require.NoError(t, w.Process(context.Background()))

	assert.Empty(t, store.updated)
	assert.Zero(t, chat.calls)
	assert.True(t, w.gate.Running())
}

func TestApplyAnalysis_FallsBackToClassifierSuggestion(t *testing.T) {
	item := pendingItem(9)
	item.Metadata.PreFilter = &domain.PreFilter{
		RelevanceConfidence: 0.8,
		AKSuggestion:        "AK Migration",
	}

	store := newFakeStore(item)
	store.backlog = []int64{9}

	reply := `{"relevant": true, "priority": "medium", "summary": "S.",
		"detailed_analysis": "", "assigned_aks": [], "tags": [], "relevance_score": 0.7}`
	w := testWorker(store, &fakeChatter{reply: reply}, &fakeGPU{})

	require.NoError(t, w.Process(context.Background()))

	assert.Equal(t, []string{"AK Migration"}, store.items[9].AssignedAKs)
}

func TestProcess_RecordsProcessingLog(t *testing.T) {
	store := newFakeStore(pendingItem(1))
	store.backlog = []int64{1}

	w := testWorker(store, &fakeChatter{reply: relevantReply}, &fakeGPU{})

	require.NoError(t, w.Process(context.Background()))

	require.Len(t, store.logs, 1)
	log := store.logs[0]
	assert.Equal(t, domain.StepLLMAnalysis, log.StepType)
	assert.True(t, log.Success)
	assert.Equal(t, domain.PriorityMedium, log.PriorityBefore)
	assert.Equal(t, domain.PriorityHigh, log.PriorityAfter)
	assert.True(t, log.PriorityChanged)
	require.NotNil(t, log.Confidence)
	assert.InDelta(t, 0.9, *log.Confidence, 0.001)
}
