package socket

import (
	"time"
)

// OpenEvent is raised once when the socket reaches the Open state.
type OpenEvent struct {
	Protocol  string    // The negotiated sub-protocol, empty if none
	Timestamp time.Time // When the socket opened
}

// MessageEvent is raised for every data frame delivered to the caller.
type MessageEvent struct {
	Message   Message   // The received message
	Timestamp time.Time // When the message was decoded
}

// ErrorEvent is raised when the socket fails. It always precedes the close
// notification caused by the same failure.
type ErrorEvent struct {
	Error     error     // The failure
	Timestamp time.Time // When the failure occurred
}

// CloseEvent is raised exactly once when the socket reaches the Closed state.
type CloseEvent struct {
	Code      uint16    // The resolved close code
	Reason    string    // The close reason, may be empty
	Clean     bool      // False when the socket closed abnormally
	Timestamp time.Time // When the socket closed
}

// Listener is a set of optional callbacks. Callbacks are invoked
// synchronously in registration order, so an OnError for a failure is always
// observed before the OnClose it caused. Callbacks must not block; they run
// on the delivery goroutine.
type Listener struct {
	OnOpen    func(OpenEvent)
	OnMessage func(MessageEvent)
	OnError   func(ErrorEvent)
	OnClose   func(CloseEvent)
}

// listenerEntry wraps a Listener so removal can match by identity.
type listenerEntry struct {
	l Listener
}

// emit delivers queued events to a listener snapshot, in order.
func emit(events []any, snapshot []Listener) {
	for _, ev := range events {
		switch e := ev.(type) {
		case OpenEvent:
			for _, l := range snapshot {
				if l.OnOpen != nil {
					l.OnOpen(e)
				}
			}
		case MessageEvent:
			for _, l := range snapshot {
				if l.OnMessage != nil {
					l.OnMessage(e)
				}
			}
		case ErrorEvent:
			for _, l := range snapshot {
				if l.OnError != nil {
					l.OnError(e)
				}
			}
		case CloseEvent:
			for _, l := range snapshot {
				if l.OnClose != nil {
					l.OnClose(e)
				}
			}
		}
	}
}
