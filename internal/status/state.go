package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/agape-platform/convsync/internal/bus"
	"github.com/agape-platform/convsync/internal/metrics"
)

// State is the lifecycle state of the realtime channel connection.
type State string

const (
	Disconnected   State = "DISCONNECTED"
	Connecting     State = "CONNECTING"
	Authenticating State = "AUTHENTICATING"
	Connected      State = "CONNECTED"
)

// All lists every state, in lifecycle order.
var All = []State{Disconnected, Connecting, Authenticating, Connected}

// validTransitions defines allowed state transitions. Every state may fall
// back to Disconnected; a dropped transport moves Connected to Connecting.
var validTransitions = map[State][]State{
	Disconnected:   {Connecting},
	Connecting:     {Authenticating, Disconnected},
	Authenticating: {Connected, Disconnected},
	Connected:      {Connecting, Disconnected},
}

// Machine tracks and enforces channel connection state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Disconnected state.
func NewMachine(b *bus.Bus) *Machine {
	m := &Machine{
		current: Disconnected,
		bus:     b,
	}
	metrics.SetChannelStatus(labels(), string(Disconnected))
	return m
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
	return m.transitionLocked(to)
}

// TransitionFrom moves to the target state only if the machine is currently
// in one of the given states. It reports whether the transition happened.
// Used to coalesce concurrent connect requests.
func (m *Machine) TransitionFrom(from []State, to State) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !slices.Contains(from, m.current) {
		return m.current, false
	}
	if err := m.transitionLocked(to); err != nil {
		return m.current, false
	}
	return to, true
}

// Reset forces the machine to Disconnected from any state. No-op when
// already disconnected.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == Disconnected {
		return
	}
	_ = m.transitionLocked(Disconnected)
}

func (m *Machine) transitionLocked(to State) error {
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	metrics.SetChannelStatus(labels(), string(to))
	m.bus.Emit(bus.KindChannelStatus, StatusChange{From: from, To: to})
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}

func labels() []string {
	out := make([]string, len(All))
	for i, s := range All {
		out[i] = string(s)
	}
	return out
}
