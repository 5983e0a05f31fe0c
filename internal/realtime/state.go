package realtime

import (
	"encoding/json"
	"fmt"
	"time"
)

// Phase is the coarse lifecycle position of the event connection.
type Phase int

const (
	Disconnected Phase = iota
	Connecting
	Connected
	Reconnecting
	// Failed is terminal until Connect is called again.
	Failed
)

func (p Phase) String() string {
	switch p {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// State is owned by the Manager. Attempt is only set while Reconnecting.
type State struct {
	Phase   Phase
	Attempt int
}

func (s State) String() string {
	if s.Phase == Reconnecting {
		return fmt.Sprintf("reconnecting(%d)", s.Attempt)
	}
	return s.Phase.String()
}

// Event is a domain notification pushed by the server. It has no identity
// beyond its kind and payload.
type Event struct {
	Kind       string
	Payload    map[string]any
	ReceivedAt time.Time
}

// frame is the wire envelope of an event.
type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Observer receives state transitions and events on the Manager's
// connection goroutine, in order. Implementations must not call Connect
// or Disconnect synchronously from these methods.
type Observer interface {
	ConnectionStateChanged(prev, next State)
	EventReceived(Event)
}

// ObserverFuncs adapts plain functions to Observer; nil fields are skipped.
type ObserverFuncs struct {
	OnState func(prev, next State)
	OnEvent func(Event)
}

func (o ObserverFuncs) ConnectionStateChanged(prev, next State) {
	if o.OnState != nil {
		o.OnState(prev, next)
	}
}

func (o ObserverFuncs) EventReceived(event Event) {
	if o.OnEvent != nil {
		o.OnEvent(event)
	}
}
