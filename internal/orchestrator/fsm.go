package orchestrator

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// State is the orchestrator's current phase
type State string

const (
	StateIdle         State = "IDLE"
	StateSelecting    State = "SELECTING"
	StateRiskChecking State = "RISK_CHECKING"
	StateTrading      State = "TRADING"
	StateStopped      State = "STOPPED"
)

// ErrInvalidTransition is returned for a transition not in the table
var ErrInvalidTransition = errors.New("invalid state transition")

// ErrStopped is returned when a cycle is requested while stopped
var ErrStopped = errors.New("orchestrator stopped")

var transitions = map[State][]State{
	StateIdle:         {StateSelecting, StateRiskChecking, StateStopped},
	StateRiskChecking: {StateIdle, StateSelecting, StateStopped},
	StateSelecting:    {StateTrading, StateIdle, StateStopped},
	StateTrading:      {StateIdle, StateStopped},
	StateStopped:      {StateIdle},
}

// CanTransition reports whether from -> to is allowed
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Machine is a small mutex-guarded state machine. onChange runs after the
// lock is released.
type Machine struct {
	mu       sync.Mutex
	state    State
	since    time.Time
	onChange func(from, to State)
}

// NewMachine starts in IDLE
func NewMachine(onChange func(from, to State)) *Machine {
	return &Machine{state: StateIdle, since: time.Now(), onChange: onChange}
}

// Transition moves to the given state or returns ErrInvalidTransition
func (m *Machine) Transition(to State) error {
	return m.transition(to, false)
}

// Advance is Transition for cycle steps: it fails with ErrStopped instead of
// leaving STOPPED, so a stop issued mid-cycle sticks.
func (m *Machine) Advance(to State) error {
	return m.transition(to, true)
}

func (m *Machine) transition(to State, cycle bool) error {
	m.mu.Lock()
	from := m.state
	if cycle && from == StateStopped {
		m.mu.Unlock()
		return ErrStopped
	}
	if from == to {
		m.mu.Unlock()
		return nil
	}
	if !CanTransition(from, to) {
		m.mu.Unlock()
		return fmt.Errorf("%s -> %s: %w", from, to, ErrInvalidTransition)
	}
	m.state = to
	m.since = time.Now()
	m.mu.Unlock()

	if m.onChange != nil {
		m.onChange(from, to)
	}
	return nil
}

// State returns the current state
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Since returns when the current state was entered
func (m *Machine) Since() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.since
}

// Resume leaves STOPPED. It is a no-op in any other state.
func (m *Machine) Resume() bool {
	m.mu.Lock()
	if m.state != StateStopped {
		m.mu.Unlock()
		return false
	}
	m.state = StateIdle
	m.since = time.Now()
	m.mu.Unlock()

	if m.onChange != nil {
		m.onChange(StateStopped, StateIdle)
	}
	return true
}
