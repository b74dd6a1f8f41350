// Package status tracks the engine's coarse run state for diagnostics and
// status indicators. The machine observes connectivity and sync progress; no
// control flow hangs off it.
package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/arktis/msync/internal/bus"
)

// State represents an engine runtime state.
type State string

const (
	Booting  State = "BOOTING"
	Offline  State = "OFFLINE"
	Draining State = "DRAINING"
	Syncing  State = "SYNCING"
	Ready    State = "READY"
	Degraded State = "DEGRADED"
	Error    State = "ERROR"
)

// validTransitions defines allowed state transitions. Reconnect always goes
// through Draining before Syncing: queued writes drain before the
// reconciler pulls remote changes.
var validTransitions = map[State][]State{
	Booting:  {Offline, Draining, Error},
	Offline:  {Draining, Error},
	Draining: {Syncing, Offline, Degraded, Error},
	Syncing:  {Ready, Offline, Degraded, Error},
	Ready:    {Draining, Syncing, Offline, Degraded, Error},
	Degraded: {Draining, Syncing, Ready, Offline, Error},
	Error:    {Booting},
}

// Machine tracks and enforces engine runtime state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Booting state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Booting,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Emit(bus.KindStatusChanged, StatusChange{From: from, To: to})
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
