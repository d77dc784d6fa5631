package supervisor

import "fmt"

// State is the supervisor's lifecycle state.
type State int32

// Lifecycle states.
const (
	StateDisconnected State = iota
	StateConnecting
	StatePaired
	StateArmed
	StateDriving
	StateFailsafe
	numStates
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StatePaired:
		return "PAIRED"
	case StateArmed:
		return "ARMED"
	case StateDriving:
		return "DRIVING"
	case StateFailsafe:
		return "FAILSAFE"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// LinkUp reports whether the state implies connected wheels.
func (s State) LinkUp() bool {
	return s == StatePaired || s == StateArmed || s == StateDriving
}

// Event drives transitions.
type Event int

// Events.
const (
	EventConnectRequested Event = iota
	EventConnected
	EventConnectFailed
	EventAttemptsExhausted
	EventArmRequested
	EventDeadmanEngaged
	EventSafetyViolation
	EventLinkFault
	EventResetRequested
	EventDisconnectRequested
	EventLinkRestoring
	EventInternalFault
	EventShutdown
	numEvents
)

func (e Event) String() string {
	switch e {
	case EventConnectRequested:
		return "connect requested"
	case EventConnected:
		return "connected"
	case EventConnectFailed:
		return "connect failed"
	case EventAttemptsExhausted:
		return "attempts exhausted"
	case EventArmRequested:
		return "arm requested"
	case EventDeadmanEngaged:
		return "deadman engaged"
	case EventSafetyViolation:
		return "safety violation"
	case EventLinkFault:
		return "link fault"
	case EventResetRequested:
		return "reset requested"
	case EventDisconnectRequested:
		return "disconnect requested"
	case EventLinkRestoring:
		return "link restoring"
	case EventInternalFault:
		return "internal fault"
	case EventShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("Event(%d)", int(e))
	}
}

// transitions holds the next state for every state and event. Pairs not listed keep the
// current state.
var transitions = buildTransitions()

func buildTransitions() [numStates][numEvents]State {
	var table [numStates][numEvents]State
	for s := range table {
		for e := range table[s] {
			table[s][e] = State(s)
		}
	}
	set := func(to State, event Event, from ...State) {
		for _, s := range from {
			table[s][event] = to
		}
	}

	set(StateConnecting, EventConnectRequested, StateDisconnected)
	set(StateConnecting, EventLinkRestoring, StateDisconnected, StateFailsafe)
	set(StatePaired, EventConnected, StateConnecting)
	set(StateDisconnected, EventAttemptsExhausted, StateConnecting)
	set(StateArmed, EventArmRequested, StatePaired, StateFailsafe)
	set(StateDriving, EventDeadmanEngaged, StateArmed)
	set(StateFailsafe, EventSafetyViolation, StatePaired, StateArmed, StateDriving)
	set(StateFailsafe, EventLinkFault, StatePaired, StateArmed, StateDriving)
	set(StateDisconnected, EventResetRequested, StateFailsafe)
	set(StateDisconnected, EventDisconnectRequested,
		StateConnecting, StatePaired, StateArmed, StateDriving, StateFailsafe)
	set(StateFailsafe, EventInternalFault,
		StateDisconnected, StateConnecting, StatePaired, StateArmed, StateDriving)
	set(StateDisconnected, EventShutdown,
		StateConnecting, StatePaired, StateArmed, StateDriving, StateFailsafe)
	return table
}

// Next returns the state that follows from on event.
func Next(from State, event Event) State {
	if from < 0 || from >= numStates || event < 0 || event >= numEvents {
		return from
	}
	return transitions[from][event]
}
