// Package scheduler drives periodic channel fetching: it finds due
// channels, resolves their connectors and pushes the fetched items
// through the intake pipeline under a bounded degree of parallelism.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/wohlfahrt-digital/newswatch/internal/core/domain"
	"github.com/wohlfahrt-digital/newswatch/internal/ingest/connector"
	"github.com/wohlfahrt-digital/newswatch/internal/platform/config"
	"github.com/wohlfahrt-digital/newswatch/internal/platform/observability"
	"github.com/wohlfahrt-digital/newswatch/internal/platform/worker"
	db "github.com/wohlfahrt-digital/newswatch/internal/storage"
)

// ErrChannelBusy indicates a fetch for the channel is already running.
var ErrChannelBusy = errors.New("channel fetch already in flight")

// Store is the slice of the repository the scheduler needs.
type Store interface {
	ListEffectivelyEnabledChannels(ctx context.Context) ([]domain.Channel, error)
	GetChannel(ctx context.Context, id int64) (*domain.Channel, error)
	UpdateChannelFetchResult(ctx context.Context, channelID int64, fetchedAt time.Time, fetchErr string) error
	AddProcessingLog(ctx context.Context, log *domain.ProcessingLog) error
}

var _ Store = (*db.DB)(nil)

// Pipeline consumes one channel's fetched items.
type Pipeline interface {
	Ingest(ctx context.Context, ch *domain.Channel, items []domain.RawItem) (int, error)
}

// Scheduler fetches due channels each tick.
type Scheduler struct {
	store    Store
	registry *connector.Registry
	pipeline Pipeline
	cfg      *config.Config
	logger   *zerolog.Logger

	sem     *semaphore.Weighted
	limiter *rate.Limiter

	mu       sync.Mutex
	inFlight map[int64]bool
}

// New creates a scheduler.
func New(store Store, registry *connector.Registry, pipeline Pipeline, cfg *config.Config, logger *zerolog.Logger) *Scheduler {
	return &Scheduler{
		store:    store,
		registry: registry,
		pipeline: pipeline,
		cfg:      cfg,
		logger:   logger,
		sem:      semaphore.NewWeighted(cfg.FetchParallelism),
		limiter:  rate.NewLimiter(rate.Limit(cfg.FetchRateRPS), 1),
		inFlight: make(map[int64]bool),
	}
}

// Tick fetches every due channel once and waits for all fetches of this
// tick to finish.
func (s *Scheduler) Tick(ctx context.Context) error {
	channels, err := s.store.ListEffectivelyEnabledChannels(ctx)
	if err != nil {
		return err
	}

	now := time.Now()

	var wg sync.WaitGroup

	for i := range channels {
		ch := channels[i]

		if !ch.Due(now) {
			continue
		}

		if !s.claim(ch.ID) {
			continue
		}

		if err := s.sem.Acquire(ctx, 1); err != nil {
			s.release(ch.ID)
			wg.Wait()

			return err
		}

		wg.Add(1)

		go func() {
			defer wg.Done()
			defer s.sem.Release(1)
			defer s.release(ch.ID)

			s.fetchOne(ctx, &ch)
		}()
	}

	wg.Wait()

	return nil
}

// FetchChannel runs one on-demand fetch, regardless of the interval.
// Used by the fetch command on the worker command channel.
func (s *Scheduler) FetchChannel(ctx context.Context, channelID int64) error {
	ch, err := s.store.GetChannel(ctx, channelID)
	if err != nil {
		return err
	}

	if !s.claim(ch.ID) {
		return ErrChannelBusy
	}

	defer s.release(ch.ID)

	s.fetchOne(ctx, ch)

	return nil
}

func (s *Scheduler) claim(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inFlight[id] {
		return false
	}

	s.inFlight[id] = true

	return true
}

func (s *Scheduler) release(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, id)
}

func (s *Scheduler) fetchOne(ctx context.Context, ch *domain.Channel) {
	logger := s.logger.With().
		Int64("channel_id", ch.ID).
		Str("connector", string(ch.ConnectorType)).
		Str("channel", ch.Name).
		Logger()

	// Connectors parse arbitrary remote payloads; one bad feed must not
	// take the scheduler down.
	defer worker.RecoverPanic(&logger, "channel fetch")

	conn, err := s.registry.Get(ch.ConnectorType)
	if err != nil {
		logger.Error().Err(err).Msg("no connector for channel")
		s.recordResult(ctx, ch, err)
		s.logFailedFetch(ctx, ch, time.Now(), err)

		return
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return
	}

	fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
	defer cancel()

	start := time.Now()

	items, err := conn.Fetch(fetchCtx, ch)

	observability.FetchDuration.WithLabelValues(string(ch.ConnectorType)).
		Observe(time.Since(start).Seconds())

	if err != nil {
		observability.FetchErrors.WithLabelValues(string(ch.ConnectorType)).Inc()

		if errors.Is(err, connector.ErrUnreachable) {
			logger.Warn().Err(err).Msg("source unreachable")
		} else {
			logger.Error().Err(err).Msg("fetch failed")
		}

		s.recordResult(ctx, ch, err)
		s.logFailedFetch(ctx, ch, start, err)

		return
	}

	added, err := s.pipeline.Ingest(ctx, ch, items)
	if err != nil {
		logger.Error().Err(err).Msg("intake failed")
		s.recordResult(ctx, ch, err)

		return
	}

	if added > 0 {
		logger.Info().Int("fetched", len(items)).Int("new", added).Msg("channel fetched")
	} else {
		logger.Debug().Int("fetched", len(items)).Msg("channel fetched, nothing new")
	}

	s.recordResult(ctx, ch, nil)
}

// logFailedFetch records the failed attempt in the processing log, so
// the audit trail covers fetches that never produced an item. Successful
// fetches are logged per item by the intake pipeline.
func (s *Scheduler) logFailedFetch(ctx context.Context, ch *domain.Channel, started time.Time, fetchErr error) {
	finished := time.Now()

	log := &domain.ProcessingLog{
		RunID:        uuid.NewString(),
		StepType:     domain.StepFetch,
		StartedAt:    started,
		FinishedAt:   &finished,
		DurationMS:   finished.Sub(started).Milliseconds(),
		Success:      false,
		ErrorMessage: fetchErr.Error(),
		Input:        ch.Name,
	}

	if err := s.store.AddProcessingLog(ctx, log); err != nil {
		s.logger.Debug().Err(err).Int64("channel_id", ch.ID).Msg("processing log write failed")
	}
}

// recordResult stores the fetch outcome; the last error stays on the
// channel until the next successful fetch clears it.
func (s *Scheduler) recordResult(ctx context.Context, ch *domain.Channel, fetchErr error) {
	msg := ""
	if fetchErr != nil {
		msg = fetchErr.Error()
	}

	if err := s.store.UpdateChannelFetchResult(ctx, ch.ID, time.Now(), msg); err != nil {
		s.logger.Warn().Err(err).Int64("channel_id", ch.ID).Msg("record fetch result failed")
	}
}
