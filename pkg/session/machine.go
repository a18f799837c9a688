package session

import (
	"sync"
	"time"
)

// Machine is the countdown state machine. One logical second of budget is
// consumed per tick; the wall interval between ticks is injectable so tests
// can run sessions in milliseconds.
//
// Every Start bumps a generation counter and the tick loop re-checks it
// under the lock before each mutation, so a loop orphaned by Stop or a
// restart can never land a late tick on the new session.
type Machine struct {
	tickInterval time.Duration
	tickStepMs   int64

	mu         sync.Mutex
	state      State
	generation int
	onExpired  func()
}

// NewMachine creates a machine with the production 1s tick.
func NewMachine() *Machine {
	return NewMachineWithTick(time.Second, 1000)
}

// NewMachineWithTick creates a machine consuming tickStepMs of budget every
// tickInterval of wall time.
func NewMachineWithTick(tickInterval time.Duration, tickStepMs int64) *Machine {
	return &Machine{
		tickInterval: tickInterval,
		tickStepMs:   tickStepMs,
		state:        Idle(),
	}
}

// SetExpiryHandler registers the callback invoked once when the budget
// reaches zero. It runs on the tick goroutine without the machine lock held.
func (m *Machine) SetExpiryHandler(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpired = fn
}

// State returns the current snapshot.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Start begins counting down durationMs, replacing any running session.
func (m *Machine) Start(durationMs int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startLocked(durationMs)
}

func (m *Machine) startLocked(durationMs int64) {
	m.generation++
	m.state = Counting(durationMs, durationMs)
	go m.run(m.generation)
}

func (m *Machine) run(gen int) {
	ticker := time.NewTicker(m.tickInterval)
	defer ticker.Stop()

	for range ticker.C {
		m.mu.Lock()
		if gen != m.generation || m.state.Phase != PhaseCounting {
			m.mu.Unlock()
			return
		}

		m.state.RemainingMs -= m.tickStepMs
		if m.state.RemainingMs > 0 {
			m.mu.Unlock()
			continue
		}

		m.state = Expired(0)
		expired := m.onExpired
		m.mu.Unlock()

		if expired != nil {
			expired()
		}
		return
	}
}

// Extend grants extra budget. While counting, both remaining and total grow
// by the extension. After expiry, the extension restarts the countdown with
// the extension as the whole budget. Idle is a no-op.
func (m *Machine) Extend(extraMs int64) State {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state.Phase {
	case PhaseCounting:
		m.state.RemainingMs += extraMs
		m.state.TotalMs += extraMs
	case PhaseExpired:
		m.startLocked(extraMs)
	}
	return m.state
}

// SetOverrun records accrued overrun time. Only meaningful while expired.
func (m *Machine) SetOverrun(overrunMs int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Phase == PhaseExpired {
		m.state.OverrunMs = overrunMs
	}
}

// Stop halts the timer and returns the state it was in at that instant.
// After Stop returns, State observes Idle and no further tick can land.
func (m *Machine) Stop() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	final := m.state
	m.generation++
	m.state = Idle()
	return final
}
