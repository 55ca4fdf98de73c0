package workerctl

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wohlfahrt-digital/newswatch/internal/platform/worker"
	db "github.com/wohlfahrt-digital/newswatch/internal/storage"
)

type fakeStore struct {
	commands map[string][]string
	states   []db.WorkerState
}

func (s *fakeStore) PopWorkerCommand(_ context.Context, worker string) (*db.WorkerCommand, error) {
	pending := s.commands[worker]
	if len(pending) == 0 {
		return nil, nil
	}

	s.commands[worker] = pending[1:]

	return &db.WorkerCommand{Worker: worker, Action: pending[0], IssuedAt: time.Now()}, nil
}

func (s *fakeStore) SaveWorkerState(_ context.Context, state db.WorkerState) error {
	s.states = append(s.states, state)

	return nil
}

type fakeFetcher struct {
	fetched chan int64
}

func (f *fakeFetcher) FetchChannel(_ context.Context, channelID int64) error {
	f.fetched <- channelID

	return nil
}

func newController(store *fakeStore, fetcher Fetcher) *Controller {
	logger := zerolog.Nop()

	return New(store, fetcher, time.Millisecond, &logger)
}

func TestApplyPending_GateTransitions(t *testing.T) {
	store := &fakeStore{commands: map[string][]string{"llm": {ActionPause, ActionResume, ActionStop}}}
	c := newController(store, nil)

	gate := worker.NewGate()
	c.Register("llm", gate)

	ctx := context.Background()

	c.applyPending(ctx, "llm", gate)
	assert.True(t, gate.Paused())

	c.applyPending(ctx, "llm", gate)
	assert.False(t, gate.Paused())

	c.applyPending(ctx, "llm", gate)
	assert.False(t, gate.Running())
}

func TestApplyPending_FetchCommand(t *testing.T) {
	store := &fakeStore{commands: map[string][]string{"ingest": {"fetch:42"}}}
	fetcher := &fakeFetcher{fetched: make(chan int64, 1)}
	c := newController(store, fetcher)

	gate := worker.NewGate()
	c.Register("ingest", gate)

	c.applyPending(context.Background(), "ingest", gate)

	select {
	case id := <-fetcher.fetched:
		assert.Equal(t, int64(42), id)
	case <-time.After(time.Second):
		t.Fatal("fetch command never reached the scheduler")
	}

	assert.True(t, gate.Running(), "fetch does not touch the gate")
}

func TestApplyPending_MalformedFetchIgnored(t *testing.T) {
	store := &fakeStore{commands: map[string][]string{"ingest": {"fetch:abc"}}}
	fetcher := &fakeFetcher{fetched: make(chan int64, 1)}
	c := newController(store, fetcher)

	gate := worker.NewGate()
	c.applyPending(context.Background(), "ingest", gate)

	select {
	case <-fetcher.fetched:
		t.Fatal("malformed fetch command must not trigger a fetch")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishState_ReflectsGate(t *testing.T) {
	store := &fakeStore{commands: map[string][]string{}}
	c := newController(store, nil)

	gate := worker.NewGate()
	gate.StopDueToErrors()

	c.publishState(context.Background(), "classifier", gate)

	require.Len(t, store.states, 1)
	state := store.states[0]
	assert.Equal(t, "classifier", state.Worker)
	assert.False(t, state.Running)
	assert.True(t, state.StoppedDueToErrors)
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	store := &fakeStore{commands: map[string][]string{}}
	c := newController(store, nil)
	c.Register("llm", worker.NewGate())

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)

	go func() { done <- c.Run(ctx) }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("controller did not stop on cancel")
	}
}
