// Package fsm models the streaming session lifecycle state machine.
package fsm

import "fmt"

type State string

type Event string

const (
	StateIdle         State = "idle"
	StateStarting     State = "starting"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateDisconnected State = "disconnected"
	StateError        State = "error"
)

const (
	EventStart   Event = "start"
	EventDial    Event = "dial"
	EventConfirm Event = "confirm"
	EventLose    Event = "lose"
	EventRetry   Event = "retry"
	EventStop    Event = "stop"
	EventFail    Event = "fail"
	EventReset   Event = "reset"
)

// Transition applies one event to the current state. EventFail and
// EventStop are accepted from every state: any failure funnels into
// error, and stop must be safe mid-handshake or mid-reconnect.
func Transition(current State, event Event) (State, error) {
	if event == EventFail {
		return StateError, nil
	}
	if event == EventStop {
		return StateDisconnected, nil
	}

	switch current {
	case StateIdle:
		switch event {
		case EventStart:
			return StateStarting, nil
		default:
			return current, invalidTransition(current, event)
		}
	case StateStarting:
		switch event {
		case EventDial:
			return StateConnecting, nil
		default:
			return current, invalidTransition(current, event)
		}
	case StateConnecting:
		switch event {
		case EventConfirm:
			return StateConnected, nil
		case EventLose:
			// A reconnect dial that fails re-enters the backoff cycle.
			return StateReconnecting, nil
		default:
			return current, invalidTransition(current, event)
		}
	case StateConnected:
		switch event {
		case EventLose:
			return StateReconnecting, nil
		default:
			return current, invalidTransition(current, event)
		}
	case StateReconnecting:
		switch event {
		case EventRetry:
			return StateConnecting, nil
		default:
			return current, invalidTransition(current, event)
		}
	case StateDisconnected, StateError:
		switch event {
		case EventReset:
			return StateIdle, nil
		default:
			return current, invalidTransition(current, event)
		}
	default:
		return current, fmt.Errorf("unknown state %q", current)
	}
}

func invalidTransition(state State, event Event) error {
	return fmt.Errorf("invalid transition: %s --(%s)--> ?", state, event)
}
