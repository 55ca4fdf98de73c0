package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// WorkerCommand is a pending operator command for a named worker.
type WorkerCommand struct {
	Worker   string
	Action   string
	IssuedAt time.Time
}

// WorkerState mirrors a worker's gate into the database so operators
// and other instances can observe it.
type WorkerState struct {
	Worker             string
	Running            bool
	Paused             bool
	StoppedDueToErrors bool
	UpdatedAt          time.Time
}

// PopWorkerCommand atomically takes the pending command for a worker, if
// any. The command row is deleted so each command is consumed once.
func (db *DB) PopWorkerCommand(ctx context.Context, worker string) (*WorkerCommand, error) {
	var cmd WorkerCommand

	err := db.Pool.QueryRow(ctx, `
		DELETE FROM worker_commands WHERE worker = $1
		RETURNING worker, action, issued_at`, worker).
		Scan(&cmd.Worker, &cmd.Action, &cmd.IssuedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("pop worker command: %w", err)
	}

	return &cmd, nil
}

// IssueWorkerCommand queues a command for a worker, replacing any
// not-yet-consumed one.
func (db *DB) IssueWorkerCommand(ctx context.Context, worker, action string) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO worker_commands (worker, action)
		VALUES ($1, $2)
		ON CONFLICT (worker) DO UPDATE SET action = EXCLUDED.action, issued_at = now()`,
		worker, action)
	if err != nil {
		return fmt.Errorf("issue worker command: %w", err)
	}

	return nil
}

// SaveWorkerState publishes a worker's gate state.
func (db *DB) SaveWorkerState(ctx context.Context, state WorkerState) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO worker_state (worker, running, paused, stopped_due_to_errors)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (worker) DO UPDATE SET running = EXCLUDED.running,
			paused = EXCLUDED.paused, stopped_due_to_errors = EXCLUDED.stopped_due_to_errors,
			updated_at = now()`,
		state.Worker, state.Running, state.Paused, state.StoppedDueToErrors)
	if err != nil {
		return fmt.Errorf("save worker state: %w", err)
	}

	return nil
}

// GetWorkerState loads a worker's published state, or nil when the
// worker has never reported.
func (db *DB) GetWorkerState(ctx context.Context, worker string) (*WorkerState, error) {
	var state WorkerState

	err := db.Pool.QueryRow(ctx, `
		SELECT worker, running, paused, stopped_due_to_errors, updated_at
		FROM worker_state WHERE worker = $1`, worker).
		Scan(&state.Worker, &state.Running, &state.Paused, &state.StoppedDueToErrors, &state.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("get worker state: %w", err)
	}

	return &state, nil
}

// SaveWorkerStats publishes a worker's counters as a JSON blob.
func (db *DB) SaveWorkerStats(ctx context.Context, worker string, stats any) error {
	data, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("marshal worker stats: %w", err)
	}

	_, err = db.Pool.Exec(ctx, `
		INSERT INTO worker_stats (worker, stats)
		VALUES ($1, $2)
		ON CONFLICT (worker) DO UPDATE SET stats = EXCLUDED.stats, updated_at = now()`,
		worker, data)
	if err != nil {
		return fmt.Errorf("save worker stats: %w", err)
	}

	return nil
}
