// Package bus carries the tagged messages exchanged between page-side socket
// facades and the background broker. The two directions are independent
// bounded queues; background-to-page delivery is routed by client identifier
// through one pump goroutine so each socket observes its messages in order.
package bus

import (
	"errors"
	"sync"
)

// Kind tags a Message with its protocol operation.
type Kind int

const (
	// KindOpenRequest asks the broker to begin a transport session.
	KindOpenRequest Kind = iota
	// KindConnectSuccess reports an established session and its connection id.
	KindConnectSuccess
	// KindConnectError reports a failed session open.
	KindConnectError
	// KindSendRequest forwards bytes to the transport.
	KindSendRequest
	// KindSendError reports a failed forward.
	KindSendError
	// KindData delivers transport bytes to the socket.
	KindData
	// KindDataClose reports that the transport side of a session ended.
	KindDataClose
	// KindCloseRequest asks the broker to tear a session down.
	KindCloseRequest
)

// String returns the message tag used on the wire and in logs.
func (k Kind) String() string {
	switch k {
	case KindOpenRequest:
		return "open-request"
	case KindConnectSuccess:
		return "connect-success"
	case KindConnectError:
		return "connect-error"
	case KindSendRequest:
		return "send-request"
	case KindSendError:
		return "send-error"
	case KindData:
		return "data"
	case KindDataClose:
		return "data-close"
	case KindCloseRequest:
		return "close-request"
	default:
		return "unknown"
	}
}

// Message is one tagged unit on the bus. ClientID routes every message; the
// remaining fields are populated per Kind.
type Message struct {
	Kind     Kind
	ClientID string
	// ConnID carries the transport connection identifier once assigned.
	ConnID string
	// Target is the dial target of an open-request.
	Target string
	// Data carries payload bytes for send-request and data.
	Data []byte
	// Code and Reason describe connect-error, send-error and data-close.
	Code   uint16
	Reason string
}

// ErrBusClosed is returned by sends on a closed bus.
var ErrBusClosed = errors.New("bus is closed")

// Bus connects one page end and one background end.
type Bus struct {
	toBackground chan Message
	toPage       chan Message
	done         chan struct{}
	closeOnce    sync.Once

	page       *PageEnd
	background *BackgroundEnd
}

// New creates a Bus whose directional queues hold up to buffer messages
// each. A full queue blocks the sender, which bounds memory at both ends.
//
// Parameters:
//   - buffer: Queue capacity per direction, minimum 1
//
// Returns:
//   - A started Bus; callers hand Page() to sockets and Background() to the
//     broker
func New(buffer int) *Bus {
	if buffer < 1 {
		buffer = 1
	}

	b := &Bus{
		toBackground: make(chan Message, buffer),
		toPage:       make(chan Message, buffer),
		done:         make(chan struct{}),
	}
	b.page = &PageEnd{bus: b, handlers: make(map[string]func(Message))}
	b.background = &BackgroundEnd{bus: b}

	go b.page.pump()
	return b
}

// Page returns the page end of the bus.
func (b *Bus) Page() *PageEnd {
	return b.page
}

// Background returns the background end of the bus.
func (b *Bus) Background() *BackgroundEnd {
	return b.background
}

// Close shuts both directions down. Pending undelivered messages are
// dropped. Safe to call multiple times.
//
// Returns:
//   - Always nil
func (b *Bus) Close() error {
	b.closeOnce.Do(func() {
		close(b.done)
	})

	return nil
}

// PageEnd is the socket-facing side: it sends page-to-background messages
// and routes background-to-page messages to the handler attached for each
// client identifier.
type PageEnd struct {
	bus *Bus

	mu       sync.Mutex
	handlers map[string]func(Message)
}

// Send queues m for the background end.
//
// Parameters:
//   - m: The message to deliver
//
// Returns:
//   - ErrBusClosed if the bus has been closed
func (p *PageEnd) Send(m Message) error {
	select {
	case <-p.bus.done:
		return ErrBusClosed
	default:
	}

	select {
	case p.bus.toBackground <- m:
		return nil
	case <-p.bus.done:
		return ErrBusClosed
	}
}

// Attach registers fn to receive every background-to-page message carrying
// the given client identifier. Messages for identifiers with no handler are
// dropped; their socket is already gone.
//
// Parameters:
//   - clientID: The identifier to route on
//   - fn: The handler, invoked on the pump goroutine in delivery order
//
// Returns:
//   - A detach function, and ErrBusClosed if the bus has been closed
func (p *PageEnd) Attach(clientID string, fn func(Message)) (func(), error) {
	select {
	case <-p.bus.done:
		return nil, ErrBusClosed
	default:
	}

	p.mu.Lock()
	p.handlers[clientID] = fn
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.handlers, clientID)
		p.mu.Unlock()
	}, nil
}

// pump routes background-to-page messages until the bus closes.
func (p *PageEnd) pump() {
	for {
		select {
		case <-p.bus.done:
			return
		case m := <-p.bus.toPage:
			p.mu.Lock()
			fn := p.handlers[m.ClientID]
			p.mu.Unlock()

			if fn != nil {
				fn(m)
			}
		}
	}
}

// BackgroundEnd is the broker-facing side.
type BackgroundEnd struct {
	bus *Bus
}

// Incoming returns the queue of page-to-background messages.
func (e *BackgroundEnd) Incoming() <-chan Message {
	return e.bus.toBackground
}

// Done is closed when the bus shuts down.
func (e *BackgroundEnd) Done() <-chan struct{} {
	return e.bus.done
}

// TrySend queues m for the page end without ever blocking the caller. The
// broker's event loop replies through this so a wedged page cannot stall it.
//
// Parameters:
//   - m: The message to deliver
//
// Returns:
//   - false if the queue is full or the bus has been closed
func (e *BackgroundEnd) TrySend(m Message) bool {
	select {
	case <-e.bus.done:
		return false
	default:
	}

	select {
	case e.bus.toPage <- m:
		return true
	default:
		return false
	}
}

// Send queues m for the page end, where the pump routes it by client
// identifier.
//
// Parameters:
//   - m: The message to deliver
//
// Returns:
//   - ErrBusClosed if the bus has been closed
func (e *BackgroundEnd) Send(m Message) error {
	select {
	case <-e.bus.done:
		return ErrBusClosed
	default:
	}

	select {
	case e.bus.toPage <- m:
		return nil
	case <-e.bus.done:
		return ErrBusClosed
	}
}
