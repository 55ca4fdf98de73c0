// Package leader implements single-leader election over an atomic
// filesystem lock. Exactly one process in a replica group wins the lock
// and runs background workers; all processes keep serving the health and
// metrics surface.
//
// The lock file contains the leader's pid. A file left behind by a
// crashed leader is removed at startup before the acquisition attempt;
// deleting the file under a live leader is treated as leader loss.
package leader

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// ErrNotLeader indicates another process holds the leader lock.
var ErrNotLeader = errors.New("leader lock held by another process")

// Lock represents a held leadership lock.
type Lock struct {
	path   string
	logger *zerolog.Logger
}

// Acquire attempts to become the leader. A pre-existing lock file is
// presumed stale (its owner dead) and removed before the attempt; the
// O_EXCL create that follows is the atomic election primitive, so two
// racing processes still resolve to a single winner.
func Acquire(path string, logger *zerolog.Logger) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	removeStale(path, logger)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, ErrNotLeader
		}

		return nil, fmt.Errorf("create leader lock: %w", err)
	}

	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		_ = f.Close()
		_ = os.Remove(path)

		return nil, fmt.Errorf("write leader lock: %w", err)
	}

	if err := f.Close(); err != nil {
		_ = os.Remove(path)

		return nil, fmt.Errorf("close leader lock: %w", err)
	}

	logger.Info().Str("path", path).Int("pid", os.Getpid()).Msg("acquired leadership")

	return &Lock{path: path, logger: logger}, nil
}

// removeStale deletes a leftover lock file. Only a file present at
// startup is removed; a concurrent winner's fresh file survives because
// removal happens before our O_EXCL attempt, never after losing it.
func removeStale(path string, logger *zerolog.Logger) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}

	pid, _ := strconv.Atoi(strings.TrimSpace(string(data)))

	if err := os.Remove(path); err == nil {
		logger.Warn().Str("path", path).Int("stale_pid", pid).Msg("removed stale leader lock")
	}
}

// Held reports whether the lock file still exists and names this process.
// A deleted or foreign file means leadership was lost.
func (l *Lock) Held() bool {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return false
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return false
	}

	return pid == os.Getpid()
}

// Release removes the lock file on clean shutdown. A lock already lost
// to another process is left untouched.
func (l *Lock) Release() error {
	if !l.Held() {
		return nil
	}

	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove leader lock: %w", err)
	}

	l.logger.Info().Str("path", l.path).Msg("released leadership")

	return nil
}
