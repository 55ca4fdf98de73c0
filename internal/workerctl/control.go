// Package workerctl applies operator commands from the database command
// channel to the in-process workers. Commands are written by any replica
// or tool with database access and consumed exactly once by the leader.
package workerctl

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/wohlfahrt-digital/newswatch/internal/ingest/scheduler"
	"github.com/wohlfahrt-digital/newswatch/internal/platform/worker"
	db "github.com/wohlfahrt-digital/newswatch/internal/storage"
)

// Command actions on the channel. Fetch carries the channel id after the
// colon: "fetch:42".
const (
	ActionPause  = "pause"
	ActionResume = "resume"
	ActionStop   = "stop"

	fetchPrefix = "fetch:"
)

// Store is the storage surface the controller needs.
type Store interface {
	PopWorkerCommand(ctx context.Context, worker string) (*db.WorkerCommand, error)
	SaveWorkerState(ctx context.Context, state db.WorkerState) error
}

var _ Store = (*db.DB)(nil)

// Fetcher triggers an on-demand channel fetch.
type Fetcher interface {
	FetchChannel(ctx context.Context, channelID int64) error
}

// Controller polls the command channel and flips worker gates.
type Controller struct {
	store    Store
	fetcher  Fetcher
	logger   *zerolog.Logger
	interval time.Duration

	gates map[string]*worker.Gate
}

// New creates a controller. fetcher may be nil when no scheduler runs in
// this process; fetch commands are then dropped with a warning.
func New(store Store, fetcher Fetcher, interval time.Duration, logger *zerolog.Logger) *Controller {
	return &Controller{
		store:    store,
		fetcher:  fetcher,
		logger:   logger,
		interval: interval,
		gates:    make(map[string]*worker.Gate),
	}
}

// Register attaches a worker's gate under its command-channel name.
func (c *Controller) Register(name string, gate *worker.Gate) {
	c.gates[name] = gate
}

// Run polls until the context is canceled. State is published every
// cycle so a gate stopped from inside the worker is visible too.
func (c *Controller) Run(ctx context.Context) error {
	for {
		if err := worker.Wait(ctx, c.interval); err != nil {
			return err
		}

		for name, gate := range c.gates {
			c.applyPending(ctx, name, gate)
			c.publishState(ctx, name, gate)
		}
	}
}

func (c *Controller) applyPending(ctx context.Context, name string, gate *worker.Gate) {
	cmd, err := c.store.PopWorkerCommand(ctx, name)
	if err != nil {
		c.logger.Warn().Err(err).Str("worker", name).Msg("poll worker command failed")

		return
	}

	if cmd == nil {
		return
	}

	c.logger.Info().Str("worker", name).Str("action", cmd.Action).Msg("applying worker command")

	switch {
	case cmd.Action == ActionPause:
		gate.Pause()

	case cmd.Action == ActionResume:
		gate.Resume()

	case cmd.Action == ActionStop:
		gate.Stop()

	case strings.HasPrefix(cmd.Action, fetchPrefix):
		c.runFetch(ctx, cmd.Action)

	default:
		c.logger.Warn().Str("worker", name).Str("action", cmd.Action).Msg("unknown worker command")
	}
}

// runFetch triggers the on-demand fetch in the background; a slow source
// must not stall command polling for every other worker.
func (c *Controller) runFetch(ctx context.Context, action string) {
	id, err := strconv.ParseInt(strings.TrimPrefix(action, fetchPrefix), 10, 64)
	if err != nil {
		c.logger.Warn().Str("action", action).Msg("malformed fetch command")

		return
	}

	if c.fetcher == nil {
		c.logger.Warn().Int64("channel_id", id).Msg("fetch command received but no scheduler runs here")

		return
	}

	go func() {
		if err := c.fetcher.FetchChannel(ctx, id); err != nil {
			if errors.Is(err, scheduler.ErrChannelBusy) {
				c.logger.Info().Int64("channel_id", id).Msg("fetch command skipped, channel busy")

				return
			}

			c.logger.Error().Err(err).Int64("channel_id", id).Msg("on-demand fetch failed")
		}
	}()
}

func (c *Controller) publishState(ctx context.Context, name string, gate *worker.Gate) {
	state := db.WorkerState{
		Worker:             name,
		Running:            gate.Running(),
		Paused:             gate.Paused(),
		StoppedDueToErrors: gate.StoppedDueToErrors(),
	}

	if err := c.store.SaveWorkerState(ctx, state); err != nil {
		c.logger.Warn().Err(err).Str("worker", name).Msg("publish worker state failed")
	}
}
