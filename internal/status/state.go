package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/gestorlite/zapbridge/internal/bus"
)

// State is the provider-session runtime state.
type State string

const (
	Booting      State = "BOOTING"
	AuthRequired State = "AUTH_REQUIRED"
	Connecting   State = "CONNECTING"
	Syncing      State = "SYNCING"
	Ready        State = "READY"
	Reconnecting State = "RECONNECTING"
	Degraded     State = "DEGRADED"
	Error        State = "ERROR"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Booting:      {AuthRequired, Connecting, Error},
	AuthRequired: {Connecting, Error},
	Connecting:   {Syncing, AuthRequired, Reconnecting, Error},
	Syncing:      {Ready, Reconnecting, Degraded, Error},
	Ready:        {Reconnecting, Degraded, AuthRequired, Error},
	Reconnecting: {Connecting, Degraded, Error},
	Degraded:     {Connecting, Reconnecting, Ready, Error},
	Error:        {Booting},
}

// Machine tracks and enforces provider-session state transitions.
type Machine struct {
	mu            sync.RWMutex
	current       State
	authenticated bool
	broker        *bus.Broker
}

// NewMachine creates a state machine starting in Booting.
func NewMachine(b *bus.Broker) *Machine {
	return &Machine{current: Booting, broker: b}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// SetAuthenticated records whether provider credentials are present.
// This is orthogonal to the transition graph and only feeds Readiness.
func (m *Machine) SetAuthenticated(v bool) {
	m.mu.Lock()
	m.authenticated = v
	m.mu.Unlock()
}

// Transition attempts to move to a new state. Returns an error and leaves
// the state untouched if the transition is not allowed.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		from := m.current
		m.mu.Unlock()
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	from := m.current
	m.current = to
	m.mu.Unlock()

	if m.broker != nil {
		m.broker.Emit(bus.KindSessionStatus, StatusChange{From: from, To: to})
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}

// Readiness is the nested downstream-readiness object reported by the
// health endpoint: session state plus the three boolean readiness axes.
type Readiness struct {
	State         string `json:"state"`
	Authenticated bool   `json:"authenticated"`
	Connected     bool   `json:"connected"`
	Ready         bool   `json:"ready"`
}

// Readiness derives the health-payload readiness object from the
// current state.
func (m *Machine) Readiness() Readiness {
	m.mu.RLock()
	current := m.current
	authed := m.authenticated
	m.mu.RUnlock()

	connected := current == Syncing || current == Ready || current == Degraded
	return Readiness{
		State:         string(current),
		Authenticated: authed,
		Connected:     connected,
		Ready:         current == Ready,
	}
}
