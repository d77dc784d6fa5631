// Package input supplies operator control state to the supervisor without ever blocking it.
package input

import (
	"sync"

	"github.com/wheelctl/m25/drive"
)

// Provider is polled once per tick. ok is false when nothing new arrived since the last call.
type Provider interface {
	LatestControlState() (state drive.ControlState, ok bool)
}

// Mailbox holds the most recent control state posted by an input reader. Older unread states
// are overwritten.
type Mailbox struct {
	mu    sync.Mutex
	state drive.ControlState
	fresh bool
}

// NewMailbox returns an empty mailbox.
func NewMailbox() *Mailbox {
	return &Mailbox{}
}

// Post replaces the held state.
func (m *Mailbox) Post(state drive.ControlState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = state
	m.fresh = true
}

// LatestControlState implements Provider.
func (m *Mailbox) LatestControlState() (drive.ControlState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.fresh {
		return drive.ControlState{}, false
	}
	m.fresh = false
	return m.state, true
}

// Script replays a fixed sequence, one state per call, then reports nothing new.
type Script struct {
	mu     sync.Mutex
	states []drive.ControlState
	next   int
}

// NewScript returns a Script over states.
func NewScript(states ...drive.ControlState) *Script {
	return &Script{states: states}
}

// LatestControlState implements Provider.
func (s *Script) LatestControlState() (drive.ControlState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next >= len(s.states) {
		return drive.ControlState{}, false
	}
	state := s.states[s.next]
	s.next++
	return state, true
}

// Remaining counts states not yet returned.
func (s *Script) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.states) - s.next
}

// Rewind restarts the sequence.
func (s *Script) Rewind() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next = 0
}

// Repeat returns n copies of state.
func Repeat(state drive.ControlState, n int) []drive.ControlState {
	out := make([]drive.ControlState, n)
	for i := range out {
		out[i] = state
	}
	return out
}

// ForwardDrive is a short demonstration: release, engage, accelerate, hold, slow down, stop.
func ForwardDrive() []drive.ControlState {
	state := func(vy float64, deadman bool) drive.ControlState {
		return drive.ControlState{Vy: vy, Deadman: deadman, Mode: drive.ModeNormal}
	}
	states := []drive.ControlState{state(0, false), state(0, true)}
	for _, vy := range []float64{0.3, 0.6, 0.8} {
		states = append(states, Repeat(state(vy, true), 5)...)
	}
	states = append(states, Repeat(state(0.8, true), 20)...)
	for _, vy := range []float64{0.5, 0.2, 0} {
		states = append(states, Repeat(state(vy, true), 5)...)
	}
	return append(states, state(0, false))
}

// EmergencyStop drives forward and then drops the deadman switch mid motion.
func EmergencyStop() []drive.ControlState {
	drivingState := drive.ControlState{Vy: 0.8, Deadman: true, Mode: drive.ModeNormal}
	states := []drive.ControlState{{Mode: drive.ModeNormal}}
	states = append(states, Repeat(drivingState, 10)...)
	return append(states, drive.ControlState{Vy: 0.8, Mode: drive.ModeNormal})
}
