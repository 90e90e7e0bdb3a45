// Package transport maintains the client's single persistent connection to
// the sync gateway.
//
// Reconnection is an explicit state machine. Step is a pure function from the
// current State and an Event to the next State and the side effects to
// perform; Connection owns one State and performs those effects against a
// websocket.
package transport

import (
	"fmt"
	"time"
)

// Phase is the coarse connection state.
type Phase int

const (
	Disconnected Phase = iota
	Connecting
	Connected
	Backoff
)

func (p Phase) String() string {
	switch p {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Backoff:
		return "backoff"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// State is the connection state value. Attempt and Delay are meaningful in
// the Backoff phase; Attempt also survives into Connecting so that a failed
// retry backs off further.
type State struct {
	Phase   Phase
	Attempt int
	Delay   time.Duration
}

func (s State) String() string {
	if s.Phase == Backoff {
		return fmt.Sprintf("backoff(%d, %s)", s.Attempt, s.Delay)
	}
	return s.Phase.String()
}

// Event drives a state transition.
type Event int

const (
	// EventConnect requests a connection for the current session.
	EventConnect Event = iota
	// EventDisconnect closes the connection cleanly; no reconnect follows.
	EventDisconnect
	// EventOnline and EventOffline carry the host's network signal.
	EventOnline
	EventOffline
	// EventOpened reports a successful handshake.
	EventOpened
	// EventOpenFailed reports a failed dial or handshake.
	EventOpenFailed
	// EventLost reports an abnormal close of an open connection.
	EventLost
	// EventClosed reports a normal close initiated by the server.
	EventClosed
	// EventTimer reports that the backoff delay elapsed.
	EventTimer
)

var eventNames = [...]string{
	EventConnect:    "connect",
	EventDisconnect: "disconnect",
	EventOnline:     "online",
	EventOffline:    "offline",
	EventOpened:     "opened",
	EventOpenFailed: "open-failed",
	EventLost:       "lost",
	EventClosed:     "closed",
	EventTimer:      "timer",
}

func (e Event) String() string {
	if int(e) >= 0 && int(e) < len(eventNames) {
		return eventNames[e]
	}
	return fmt.Sprintf("event(%d)", int(e))
}

// Input is the environment a transition is evaluated against.
type Input struct {
	Online  bool
	Session bool
}

// Effect lists the side effects of a transition.
type Effect struct {
	Dial        bool
	Close       bool
	CancelTimer bool
	Schedule    time.Duration // start the backoff timer when > 0
}

// BackoffPolicy computes reconnection delays.
type BackoffPolicy struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultBackoff is used when a Connection is built without a policy.
var DefaultBackoff = BackoffPolicy{Base: 200 * time.Millisecond, Max: 30 * time.Second}

// Delay returns min(Max, Base * 2^attempt).
func (b BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := b.Base
	for i := 0; i < attempt; i++ {
		if d >= b.Max || d > b.Max/2 {
			return b.Max
		}
		d *= 2
	}
	if d > b.Max {
		return b.Max
	}
	return d
}

// Step returns the state that follows s on event e, and the effects the
// owner must perform. Events that do not apply to the current phase leave
// the state unchanged and produce no effects.
func Step(s State, e Event, in Input, b BackoffPolicy) (State, Effect) {
	switch e {
	case EventConnect, EventOnline:
		if s.Phase == Disconnected && in.Online && in.Session {
			return State{Phase: Connecting}, Effect{Dial: true}
		}

	case EventDisconnect, EventOffline:
		if s.Phase == Disconnected {
			return s, Effect{}
		}
		return State{Phase: Disconnected}, Effect{Close: true, CancelTimer: s.Phase == Backoff}

	case EventOpened:
		if s.Phase == Connecting {
			return State{Phase: Connected}, Effect{}
		}

	case EventOpenFailed, EventLost:
		if s.Phase == Connecting || s.Phase == Connected {
			attempt := s.Attempt + 1
			delay := b.Delay(attempt)
			return State{Phase: Backoff, Attempt: attempt, Delay: delay}, Effect{Close: true, Schedule: delay}
		}

	case EventClosed:
		if s.Phase == Connecting || s.Phase == Connected {
			return State{Phase: Disconnected}, Effect{Close: true}
		}

	case EventTimer:
		if s.Phase != Backoff {
			break
		}
		if in.Online && in.Session {
			return State{Phase: Connecting, Attempt: s.Attempt}, Effect{Dial: true}
		}
		return State{Phase: Disconnected}, Effect{}
	}
	return s, Effect{}
}
