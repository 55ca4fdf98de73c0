// Package gpu manages the power state of the remote GPU machine the
// language model runs on: waking it over the LAN when work arrives,
// probing its inference endpoint, and shutting it down again once idle.
package gpu

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/wohlfahrt-digital/newswatch/internal/platform/config"
	"github.com/wohlfahrt-digital/newswatch/internal/platform/observability"
)

// Manager errors.
var (
	ErrOutsideActiveHours = errors.New("outside gpu active hours")
	ErrWakeFailed         = errors.New("gpu did not come up after wake")
)

// State of the GPU host as the manager last saw it.
type State int

// States, also exported as the gpu_state gauge.
const (
	StateSleeping State = iota
	StateWaking
	StateAvailable
	StateShuttingDown
)

func (s State) String() string {
	switch s {
	case StateWaking:
		return "waking"
	case StateAvailable:
		return "available"
	case StateShuttingDown:
		return "shutting-down"
	default:
		return "sleeping"
	}
}

const wakePollInterval = 5 * time.Second

// commandRunner abstracts the SSH transport for tests.
type commandRunner interface {
	Run(ctx context.Context, command string) (string, error)
}

// Manager owns the GPU host's power state.
type Manager struct {
	cfg    *config.Config
	logger *zerolog.Logger

	probe  func(ctx context.Context) bool
	wake   func() error
	runner commandRunner
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error

	mu           sync.Mutex
	state        State
	lastActivity time.Time
	wokenByUs    bool
}

// NewManager creates a manager with the real probe, WoL and SSH
// transports.
func NewManager(cfg *config.Config, logger *zerolog.Logger) *Manager {
	m := &Manager{
		cfg:    cfg,
		logger: logger,
		wake: func() error {
			return SendWakeOnLAN(cfg.GPUMACAddress, cfg.GPUBroadcastAddr)
		},
		runner: newSSHRunner(cfg.GPUSSHHost, cfg.GPUSSHUser, cfg.GPUSSHKeyPath, cfg.GPUSSHTimeout),
		now:    time.Now,
		sleep:  sleepCtx,
	}

	m.probe = m.probeEndpoint

	return m
}

// State returns the last observed state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()

	observability.GPUState.Set(float64(s))
}

// RecordActivity marks the GPU as in use right now; the idle shutdown
// clock restarts from here.
func (m *Manager) RecordActivity() {
	m.mu.Lock()
	m.lastActivity = m.now()
	m.mu.Unlock()
}

// IsAvailable probes the inference endpoint.
func (m *Manager) IsAvailable(ctx context.Context) bool {
	up := m.probe(ctx)

	if up {
		m.setState(StateAvailable)
	} else if m.State() == StateAvailable {
		m.setState(StateSleeping)
	}

	return up
}

// EnsureAvailable makes the GPU host reachable, waking it if the active
// hours policy allows. It blocks until the endpoint answers or the wake
// timeout expires.
func (m *Manager) EnsureAvailable(ctx context.Context) error {
	if m.IsAvailable(ctx) {
		return nil
	}

	now := m.now()

	if !m.WithinActiveHours(now) {
		return fmt.Errorf("%w: %s", ErrOutsideActiveHours, now.Format("Mon 15:04"))
	}

	if m.cfg.GPUMACAddress == "" {
		return fmt.Errorf("%w: no mac address configured", ErrWakeFailed)
	}

	m.setState(StateWaking)
	m.logger.Info().Str("mac", m.cfg.GPUMACAddress).Msg("waking gpu host")

	if err := m.wake(); err != nil {
		m.setState(StateSleeping)
		observability.GPUWakes.WithLabelValues("error").Inc()

		return errors.Join(ErrWakeFailed, err)
	}

	deadline := m.now().Add(m.cfg.GPUWakeTimeout)

	for m.now().Before(deadline) {
		if err := m.sleep(ctx, wakePollInterval); err != nil {
			m.setState(StateSleeping)

			return err
		}

		if m.probe(ctx) {
			m.setState(StateAvailable)
			m.RecordActivity()

			m.mu.Lock()
			m.wokenByUs = true
			m.mu.Unlock()

			observability.GPUWakes.WithLabelValues("success").Inc()
			m.logger.Info().Msg("gpu host is up")

			return nil
		}
	}

	m.setState(StateSleeping)
	observability.GPUWakes.WithLabelValues("timeout").Inc()

	return fmt.Errorf("%w within %s", ErrWakeFailed, m.cfg.GPUWakeTimeout)
}

// WithinActiveHours reports whether the policy allows waking at t.
// Start/end hours wrap past midnight when start > end.
func (m *Manager) WithinActiveHours(t time.Time) bool {
	if m.cfg.GPUWeekdaysOnly {
		if wd := t.Weekday(); wd == time.Saturday || wd == time.Sunday {
			return false
		}
	}

	start := m.cfg.GPUActiveHoursStart
	end := m.cfg.GPUActiveHoursEnd
	hour := t.Hour()

	if start == end {
		return true
	}

	if start < end {
		return hour >= start && hour < end
	}

	// Overnight window, e.g. 22-6.
	return hour >= start || hour < end
}

// ShutdownIfIdle powers off the GPU host when auto shutdown is enabled,
// this process woke the host, it has been idle past the threshold, and
// nobody is logged in interactively. Returns true when a shutdown was
// issued.
func (m *Manager) ShutdownIfIdle(ctx context.Context) (bool, error) {
	if !m.cfg.GPUAutoShutdown {
		return false, nil
	}

	m.mu.Lock()
	last := m.lastActivity
	woken := m.wokenByUs
	m.mu.Unlock()

	// Only a host this process woke is powered down; a machine someone
	// booted by hand is left alone.
	if !woken {
		return false, nil
	}

	idleFor := m.now().Sub(last)
	threshold := time.Duration(m.cfg.GPUIdleSeconds) * time.Second

	if last.IsZero() || idleFor < threshold {
		return false, nil
	}

	if !m.probe(ctx) {
		m.setState(StateSleeping)

		return false, nil
	}

	users, err := m.interactiveUsers(ctx)
	if err != nil {
		return false, err
	}

	if len(users) > 0 {
		m.logger.Info().Strs("users", users).Msg("gpu idle but in interactive use, skipping shutdown")

		return false, nil
	}

	m.setState(StateShuttingDown)
	m.logger.Info().Dur("idle", idleFor).Msg("shutting down idle gpu host")

	if _, err := m.runner.Run(ctx, "sudo shutdown -h now"); err != nil {
		// Shutdown kills the connection; a dropped session is the success path.
		m.logger.Debug().Err(err).Msg("shutdown session ended")
	}

	m.setState(StateSleeping)

	m.mu.Lock()
	m.wokenByUs = false
	m.mu.Unlock()

	observability.GPUShutdowns.Inc()

	return true, nil
}

// interactiveUsers lists logged-in users on the host, minus the service
// accounts that are always present.
func (m *Manager) interactiveUsers(ctx context.Context) ([]string, error) {
	out, err := m.runner.Run(ctx, "who")
	if err != nil {
		return nil, fmt.Errorf("list logins: %w", err)
	}

	ignored := make(map[string]bool, len(m.cfg.GPUIgnoredLoginUsers))
	for _, u := range m.cfg.GPUIgnoredLoginUsers {
		ignored[strings.TrimSpace(u)] = true
	}

	var users []string

	seen := make(map[string]bool)

	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		user := fields[0]
		if ignored[user] || seen[user] {
			continue
		}

		seen[user] = true
		users = append(users, user)
	}

	return users, nil
}

func (m *Manager) probeEndpoint(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.GPUProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, m.cfg.GPUProbeURL, nil)
	if err != nil {
		return false
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	return resp.StatusCode < http.StatusInternalServerError
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
