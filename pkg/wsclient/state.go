package wsclient

import (
	"time"

	"github.com/jwalitptl/realtime-hub/pkg/heartbeat"
)

// State is the connection lifecycle as seen by the caller.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Closing
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Closing:
		return "closing"
	default:
		return "unknown"
	}
}

type eventKind int

const (
	// eventDial is the initial start or a fired reconnect timer.
	eventDial eventKind = iota
	eventDialed
	eventDialFailed
	// eventLost is an unexpected close of an established connection.
	eventLost
	eventClose
	// eventExhausted is a dial failure with no reconnect attempts left.
	eventExhausted
	// eventReleased follows Closing once timers and transport are gone.
	eventReleased
)

func (k eventKind) String() string {
	switch k {
	case eventDial:
		return "dial"
	case eventDialed:
		return "dialed"
	case eventDialFailed:
		return "dial_failed"
	case eventLost:
		return "lost"
	case eventClose:
		return "close"
	case eventExhausted:
		return "exhausted"
	case eventReleased:
		return "released"
	default:
		return "unknown"
	}
}

// transition is the whole lifecycle. Events that do not apply in the
// current state are rejected and leave it unchanged.
func transition(s State, e eventKind) (State, bool) {
	switch e {
	case eventDial:
		if s == Disconnected {
			return Connecting, true
		}
	case eventDialed:
		if s == Connecting {
			return Connected, true
		}
	case eventDialFailed, eventExhausted:
		if s == Connecting {
			return Disconnected, true
		}
	case eventLost:
		if s == Connected {
			return Disconnected, true
		}
	case eventClose:
		if s != Closing {
			return Closing, true
		}
	case eventReleased:
		if s == Closing {
			return Disconnected, true
		}
	}
	return s, false
}

// StateChange is published on every lifecycle transition and health change.
type StateChange struct {
	State   State
	Health  heartbeat.State
	Attempt int
	Err     error
	At      time.Time
}
