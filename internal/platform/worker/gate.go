package worker

import "sync/atomic"

// Gate holds the running/paused flags of a worker. Flags are flipped by
// the command-channel controller and observed by the worker loop between
// items; no in-flight call is ever interrupted.
type Gate struct {
	running atomic.Bool
	paused  atomic.Bool
	stopped atomic.Bool // set when the worker stopped due to errors
}

// NewGate returns a gate in the running, unpaused state.
func NewGate() *Gate {
	g := &Gate{}
	g.running.Store(true)

	return g
}

func (g *Gate) Running() bool { return g.running.Load() }
func (g *Gate) Paused() bool  { return g.paused.Load() }

// StoppedDueToErrors reports whether the worker hit its consecutive error
// ceiling and requires manual restart.
func (g *Gate) StoppedDueToErrors() bool { return g.stopped.Load() }

func (g *Gate) Pause()  { g.paused.Store(true) }
func (g *Gate) Resume() { g.paused.Store(false) }
func (g *Gate) Stop()   { g.running.Store(false) }

// StopDueToErrors stops the worker and flags it for operator attention.
func (g *Gate) StopDueToErrors() {
	g.stopped.Store(true)
	g.running.Store(false)
}
