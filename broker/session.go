package broker

import (
	"bytes"
	"errors"
	"io"
	"sync"

	"github.com/cyberinferno/wsbridge/frame"
)

const readBufferSize = 32 * 1024

var (
	errSessionNotOpen = errors.New("session is not open")
	errQueueFull      = errors.New("session write queue is full")
)

// sessionState tracks a transport session through its lifetime.
type sessionState int

const (
	sessionPending sessionState = iota // slot reserved, engine dial in flight
	sessionOpen                        // stream bound, loops running
	sessionClosed                      // torn down
)

// session binds one client identifier to one engine stream. Writes go
// through a bounded queue drained by a single write loop, so the event loop
// never blocks on the stream; reads are pumped until the stream ends.
type session struct {
	clientID string
	target   string

	mu     sync.Mutex
	state  sessionState
	connID string
	stream io.ReadWriteCloser

	outbound chan []byte
	quit     chan struct{}
}

func newSession(clientID, target string, queueSize int) *session {
	return &session{
		clientID: clientID,
		target:   target,
		outbound: make(chan []byte, queueSize),
		quit:     make(chan struct{}),
	}
}

// bind attaches the freshly opened stream and its connection identifier.
// It fails when the session was torn down while the dial was in flight.
//
// Parameters:
//   - connID: The assigned connection identifier
//   - stream: The engine stream to serve
//
// Returns:
//   - false if the session is no longer pending
func (s *session) bind(connID string, stream io.ReadWriteCloser) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != sessionPending {
		return false
	}
	s.state = sessionOpen
	s.connID = connID
	s.stream = stream

	return true
}

// enqueue hands payload to the write loop without blocking.
//
// Parameters:
//   - p: The bytes to write, owned by the session from here on
//
// Returns:
//   - errSessionNotOpen or errQueueFull when the payload was not accepted
func (s *session) enqueue(p []byte) error {
	s.mu.Lock()
	open := s.state == sessionOpen
	s.mu.Unlock()

	if !open {
		return errSessionNotOpen
	}

	select {
	case s.outbound <- p:
		return nil
	default:
		return errQueueFull
	}
}

// close tears the session down: queued writes are dropped, the stream is
// closed and both loops wind down. Safe to call multiple times.
//
// Returns:
//   - true if this call was the one that closed the session
func (s *session) close() bool {
	s.mu.Lock()
	if s.state == sessionClosed {
		s.mu.Unlock()
		return false
	}
	s.state = sessionClosed
	stream := s.stream
	s.mu.Unlock()

	close(s.quit)
	if stream != nil {
		_ = stream.Close()
	}

	return true
}

// closedLocally reports whether this side already tore the session down.
func (s *session) closedLocally() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == sessionClosed
}

// writeLoop drains the outbound queue onto the stream. It exits on teardown
// or on the first write failure, which it reports through onError unless
// the failure was caused by a local teardown.
func (s *session) writeLoop(onError func(error)) {
	for {
		select {
		case <-s.quit:
			return
		case p := <-s.outbound:
			if _, err := s.stream.Write(p); err != nil {
				if !s.closedLocally() {
					onError(err)
				}
				return
			}
		}
	}
}

// readPump forwards stream bytes through onData until the stream ends, then
// reports how it ended through onEnd: a normal closure code on clean EOF,
// an abnormal one with the error text otherwise. A locally closed session
// ends quietly, the page side already knows.
func (s *session) readPump(onData func([]byte), onEnd func(code uint16, reason string)) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := s.stream.Read(buf)
		if n > 0 {
			onData(bytes.Clone(buf[:n]))
		}
		if err == nil {
			continue
		}

		if s.closedLocally() {
			return
		}
		if errors.Is(err, io.EOF) {
			onEnd(frame.CloseNormalClosure, "")
		} else {
			onEnd(frame.CloseAbnormalClosure, err.Error())
		}

		return
	}
}
