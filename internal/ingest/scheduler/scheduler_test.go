package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wohlfahrt-digital/newswatch/internal/core/domain"
	"github.com/wohlfahrt-digital/newswatch/internal/ingest/connector"
	"github.com/wohlfahrt-digital/newswatch/internal/platform/config"
)

type fakeStore struct {
	mu       sync.Mutex
	channels []domain.Channel
	results  map[int64]string
	logs     []*domain.ProcessingLog
}

func (s *fakeStore) ListEffectivelyEnabledChannels(context.Context) ([]domain.Channel, error) {
	return s.channels, nil
}

func (s *fakeStore) GetChannel(_ context.Context, id int64) (*domain.Channel, error) {
	for i := range s.channels {
		if s.channels[i].ID == id {
			return &s.channels[i], nil
		}
	}

	return nil, errors.New("not found")
}

func (s *fakeStore) UpdateChannelFetchResult(_ context.Context, channelID int64, _ time.Time, fetchErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.results == nil {
		s.results = map[int64]string{}
	}

	s.results[channelID] = fetchErr

	return nil
}

func (s *fakeStore) AddProcessingLog(_ context.Context, log *domain.ProcessingLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logs = append(s.logs, log)

	return nil
}

type fakeConnector struct {
	typ   domain.ConnectorType
	items []domain.RawItem
	err   error

	mu      sync.Mutex
	fetched []int64
}

func (c *fakeConnector) Type() domain.ConnectorType { return c.typ }

func (c *fakeConnector) Validate(map[string]any) error { return nil }

func (c *fakeConnector) Fetch(_ context.Context, ch *domain.Channel) ([]domain.RawItem, error) {
	c.mu.Lock()
	c.fetched = append(c.fetched, ch.ID)
	c.mu.Unlock()

	return c.items, c.err
}

type fakePipeline struct {
	mu       sync.Mutex
	ingested map[int64]int
}

func (p *fakePipeline) Ingest(_ context.Context, ch *domain.Channel, items []domain.RawItem) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ingested == nil {
		p.ingested = map[int64]int{}
	}

	p.ingested[ch.ID] += len(items)

	return len(items), nil
}

func testScheduler(store *fakeStore, conn *fakeConnector) (*Scheduler, *fakePipeline) {
	logger := zerolog.Nop()
	cfg := &config.Config{
		FetchParallelism: 4,
		FetchRateRPS:     1000,
		FetchTimeout:     time.Second,
	}

	registry := connector.NewRegistry()
	registry.Register(conn)

	pipeline := &fakePipeline{}

	return New(store, registry, pipeline, cfg, &logger), pipeline
}

func TestTick_FetchesOnlyDueChannels(t *testing.T) {
	recent := time.Now().Add(-time.Minute)

	store := &fakeStore{channels: []domain.Channel{
		{ID: 1, ConnectorType: domain.ConnectorRSS, FetchIntervalMin: 60},
		{ID: 2, ConnectorType: domain.ConnectorRSS, FetchIntervalMin: 60, LastFetchAt: &recent},
	}}
	conn := &fakeConnector{typ: domain.ConnectorRSS, items: []domain.RawItem{{ExternalID: "x"}}}

	s, pipeline := testScheduler(store, conn)

	require.NoError(t, s.Tick(context.Background()))

	assert.Equal(t, []int64{1}, conn.fetched)
	assert.Equal(t, 1, pipeline.ingested[1])
	assert.Zero(t, pipeline.ingested[2])
}

func TestTick_RecordsFetchError(t *testing.T) {
	store := &fakeStore{channels: []domain.Channel{
		{ID: 1, ConnectorType: domain.ConnectorRSS, FetchIntervalMin: 60},
	}}
	conn := &fakeConnector{typ: domain.ConnectorRSS, err: connector.ErrUnreachable}

	s, _ := testScheduler(store, conn)

	require.NoError(t, s.Tick(context.Background()))

	assert.Contains(t, store.results[1], "unreachable")
}

func TestTick_FailedFetchWritesProcessingLog(t *testing.T) {
	store := &fakeStore{channels: []domain.Channel{
		{ID: 1, Name: "Bund RSS", ConnectorType: domain.ConnectorRSS, FetchIntervalMin: 60},
	}}
	conn := &fakeConnector{typ: domain.ConnectorRSS, err: connector.ErrUnreachable}

	s, _ := testScheduler(store, conn)

	require.NoError(t, s.Tick(context.Background()))

	require.Len(t, store.logs, 1)
	log := store.logs[0]
	assert.Equal(t, domain.StepFetch, log.StepType)
	assert.False(t, log.Success)
	assert.Contains(t, log.ErrorMessage, "unreachable")
	assert.NotEmpty(t, log.RunID)
	assert.Equal(t, "Bund RSS", log.Input)
}

func TestTick_SuccessfulFetchWritesNoSchedulerLog(t *testing.T) {
	store := &fakeStore{channels: []domain.Channel{
		{ID: 1, ConnectorType: domain.ConnectorRSS, FetchIntervalMin: 60},
	}}
	conn := &fakeConnector{typ: domain.ConnectorRSS, items: []domain.RawItem{{ExternalID: "x"}}}

	s, _ := testScheduler(store, conn)

	require.NoError(t, s.Tick(context.Background()))

	// Per-item fetch steps come from the intake pipeline instead.
	assert.Empty(t, store.logs)
}

type panickyConnector struct {
	typ domain.ConnectorType
}

func (c *panickyConnector) Type() domain.ConnectorType { return c.typ }

func (c *panickyConnector) Validate(map[string]any) error { return nil }

func (c *panickyConnector) Fetch(context.Context, *domain.Channel) ([]domain.RawItem, error) {
	panic("malformed feed")
}

func TestTick_ConnectorPanicDoesNotKillScheduler(t *testing.T) {
	store := &fakeStore{channels: []domain.Channel{
		{ID: 1, ConnectorType: domain.ConnectorRSS, FetchIntervalMin: 60},
	}}

	logger := zerolog.Nop()
	cfg := &config.Config{FetchParallelism: 4, FetchRateRPS: 1000, FetchTimeout: time.Second}

	registry := connector.NewRegistry()
	registry.Register(&panickyConnector{typ: domain.ConnectorRSS})

	s := New(store, registry, &fakePipeline{}, cfg, &logger)

	require.NoError(t, s.Tick(context.Background()))
}

func TestTick_ClearsErrorOnSuccess(t *testing.T) {
	store := &fakeStore{
		channels: []domain.Channel{{ID: 1, ConnectorType: domain.ConnectorRSS, FetchIntervalMin: 60}},
		results:  map[int64]string{1: "old failure"},
	}
	conn := &fakeConnector{typ: domain.ConnectorRSS}

	s, _ := testScheduler(store, conn)

	require.NoError(t, s.Tick(context.Background()))

	assert.Empty(t, store.results[1])
}

func TestFetchChannel_OnDemandIgnoresInterval(t *testing.T) {
	recent := time.Now().Add(-time.Minute)
	store := &fakeStore{channels: []domain.Channel{
		{ID: 5, ConnectorType: domain.ConnectorRSS, FetchIntervalMin: 60, LastFetchAt: &recent},
	}}
	conn := &fakeConnector{typ: domain.ConnectorRSS, items: []domain.RawItem{{ExternalID: "x"}}}

	s, pipeline := testScheduler(store, conn)

	require.NoError(t, s.FetchChannel(context.Background(), 5))

	assert.Equal(t, 1, pipeline.ingested[5])
}

func TestClaim_PreventsConcurrentFetchOfSameChannel(t *testing.T) {
	store := &fakeStore{}
	conn := &fakeConnector{typ: domain.ConnectorRSS}
	s, _ := testScheduler(store, conn)

	assert.True(t, s.claim(1))
	assert.False(t, s.claim(1))

	s.release(1)

	assert.True(t, s.claim(1))
}
