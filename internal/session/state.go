package session

import (
	"context"

	"github.com/looplab/fsm"
)

// State is a connection lifecycle state.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateClosed     State = "closed"
	StateError      State = "error"
)

// Lifecycle events fed to the state machine.
const (
	evConnect  = "connect"
	evIncoming = "incoming"
	evOpen     = "open"
	evClose    = "close"
	evFail     = "fail"
)

// Closed and Error end a connection; a new one may start from either.
func newLifecycle(onEnter func(event string, from, to State)) *fsm.FSM {
	startable := []string{string(StateIdle), string(StateClosed), string(StateError)}
	live := []string{string(StateConnecting), string(StateOpen)}

	return fsm.NewFSM(
		string(StateIdle),
		fsm.Events{
			{Name: evConnect, Src: startable, Dst: string(StateConnecting)},
			{Name: evIncoming, Src: startable, Dst: string(StateConnecting)},
			{Name: evOpen, Src: []string{string(StateConnecting)}, Dst: string(StateOpen)},
			{Name: evClose, Src: live, Dst: string(StateClosed)},
			{Name: evFail, Src: live, Dst: string(StateError)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				onEnter(e.Event, State(e.Src), State(e.Dst))
			},
		},
	)
}

// Live reports whether the state holds a connection.
func (s State) Live() bool {
	return s == StateConnecting || s == StateOpen
}
