// Package fixfsm implements the ConnectionHandler state machine (§4.4) as
// a pure function over a transition table: no socket, no Session, no side
// effects beyond the Action list it returns. The caller (ConnectionHandler)
// executes the actions and owns everything the FSM itself does not touch.
package fixfsm

// State is a ConnectionHandler's lifecycle state (§4.4).
type State uint8

const (
	// StateUnknown is the zero value; no ConnectionHandler is ever left in it.
	StateUnknown State = iota

	// StateDisconnected is both a pre-connect and terminal state.
	StateDisconnected

	// StateConnected is the initial state once the socket is up, before Logon.
	StateConnected

	// StateLoggedIn is entered after a successful Logon handshake.
	StateLoggedIn

	// StateLoggedOut is entered on receipt (or emission) of Logout.
	StateLoggedOut
)

var stateNames = [...]string{
	"Unknown",
	"Disconnected",
	"Connected",
	"LoggedIn",
	"LoggedOut",
}

// String returns the human-readable name of the state.
func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "Unknown"
}

// Event is an input to the ConnectionHandler state machine.
type Event uint8

const (
	// EventSocketUp fires once the transport connection is established.
	EventSocketUp Event = iota

	// EventLogonAccepted fires when a Logon handshake completes, whether
	// this end is the initiator or the acceptor.
	EventLogonAccepted

	// EventLogout fires on an inbound or outbound Logout message.
	EventLogout

	// EventDisconnect fires when the socket is torn down, for any reason.
	EventDisconnect
)

// String returns the human-readable name of the event.
func (e Event) String() string {
	switch e {
	case EventSocketUp:
		return "SocketUp"
	case EventLogonAccepted:
		return "LogonAccepted"
	case EventLogout:
		return "Logout"
	case EventDisconnect:
		return "Disconnect"
	default:
		return "Unknown"
	}
}

// Action is a side-effect the caller must execute after a transition.
type Action uint8

const (
	// ActionArmHeartbeatTimers starts the emit and peer-silence timers at
	// the negotiated HeartBtInt (§4.4 Heartbeating).
	ActionArmHeartbeatTimers Action = iota + 1

	// ActionCancelTimers stops both heartbeat timers.
	ActionCancelTimers

	// ActionCloseSocket tears down the transport connection.
	ActionCloseSocket
)

// String returns the human-readable name of the action.
func (a Action) String() string {
	switch a {
	case ActionArmHeartbeatTimers:
		return "ArmHeartbeatTimers"
	case ActionCancelTimers:
		return "CancelTimers"
	case ActionCloseSocket:
		return "CloseSocket"
	default:
		return "Unknown"
	}
}

// stateEvent is the transition-table key: current state + incoming event.
type stateEvent struct {
	state State
	event Event
}

// transition describes the target state and side-effects of one (state,
// event) pair.
type transition struct {
	newState State
	actions  []Action
}

// FSMResult holds the outcome of applying an event.
type FSMResult struct {
	// OldState is the state before the event was applied.
	OldState State

	// NewState is the state after the event was applied. Equal to
	// OldState when the event is ignored.
	NewState State

	// Actions lists the side-effects the caller must execute. Empty when
	// the event is ignored.
	Actions []Action

	// Changed is true when NewState differs from OldState.
	Changed bool
}

// fsmTable is the complete ConnectionHandler transition table (§4.4).
// Unlisted (state, event) pairs are silently ignored.
var fsmTable = map[stateEvent]transition{
	// Unknown/Disconnected + SocketUp -> Connected.
	{StateUnknown, EventSocketUp}: {
		newState: StateConnected,
		actions:  nil,
	},
	{StateDisconnected, EventSocketUp}: {
		newState: StateConnected,
		actions:  nil,
	},

	// Connected + LogonAccepted -> LoggedIn, arm heartbeat timers.
	{StateConnected, EventLogonAccepted}: {
		newState: StateLoggedIn,
		actions:  []Action{ActionArmHeartbeatTimers},
	},

	// LoggedIn + Logout -> LoggedOut, cancel timers, close the socket.
	{StateLoggedIn, EventLogout}: {
		newState: StateLoggedOut,
		actions:  []Action{ActionCancelTimers, ActionCloseSocket},
	},

	// Disconnect is reachable from any non-terminal state; each entry is
	// listed explicitly since the table has no wildcard matching.
	{StateConnected, EventDisconnect}: {
		newState: StateDisconnected,
		actions:  []Action{ActionCloseSocket},
	},
	{StateLoggedIn, EventDisconnect}: {
		newState: StateDisconnected,
		actions:  []Action{ActionCancelTimers, ActionCloseSocket},
	},
	{StateLoggedOut, EventDisconnect}: {
		newState: StateDisconnected,
		actions:  []Action{ActionCloseSocket},
	},
}

// ApplyEvent applies event to currentState and returns the result. Pure
// function: the caller executes the returned actions. An unlisted (state,
// event) pair is ignored and returned with Changed=false.
func ApplyEvent(currentState State, event Event) FSMResult {
	key := stateEvent{state: currentState, event: event}

	tr, ok := fsmTable[key]
	if !ok {
		return FSMResult{
			OldState: currentState,
			NewState: currentState,
			Actions:  nil,
			Changed:  false,
		}
	}

	return FSMResult{
		OldState: currentState,
		NewState: tr.newState,
		Actions:  tr.actions,
		Changed:  currentState != tr.newState,
	}
}
