// Package socket reproduces the browser-style duplex socket API on top of a
// message-passing transport: the opening handshake, frame encoding and
// masking, close semantics and event dispatch all run here, while the raw
// bytes travel through the background broker.
package socket

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cyberinferno/wsbridge/bus"
	"github.com/cyberinferno/wsbridge/frame"
	"github.com/cyberinferno/wsbridge/handshake"
	"github.com/cyberinferno/wsbridge/logger"
)

// ReadyState represents the lifecycle state of a Socket.
type ReadyState int

const (
	Connecting ReadyState = iota // Open has not been negotiated yet
	Open                         // Session established and handshake accepted
	Closing                      // Caller-initiated close in progress
	Closed                       // Terminal; no further events are raised
)

// String returns a human-readable name for the ready state.
func (rs ReadyState) String() string {
	switch rs {
	case Connecting:
		return "Connecting"
	case Open:
		return "Open"
	case Closing:
		return "Closing"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// BinaryMode selects how binary payloads are materialized for the caller.
type BinaryMode int

const (
	// BinaryModeCopy delivers each binary message as the caller's own copy.
	BinaryModeCopy BinaryMode = iota
	// BinaryModeShared delivers a view into the codec buffer, valid only
	// until the next delivery. Cheaper for large messages consumed inline.
	BinaryModeShared
)

// String returns a human-readable name for the binary mode.
func (bm BinaryMode) String() string {
	switch bm {
	case BinaryModeCopy:
		return "Copy"
	case BinaryModeShared:
		return "Shared"
	default:
		return "Unknown"
	}
}

var (
	// ErrBadURL is returned by Dial for URLs that are not usable socket
	// endpoints.
	ErrBadURL = errors.New("invalid socket url")
	// ErrBadProtocols is returned by Dial for sub-protocol lists with empty
	// or duplicate entries.
	ErrBadProtocols = errors.New("invalid sub-protocol list")
	// ErrBadMessage is returned by Send for the zero Message.
	ErrBadMessage = errors.New("message has no payload kind")
	// ErrInvalidState is returned by Send when the socket is not open.
	ErrInvalidState = errors.New("socket is not open")
	// ErrHandshakeTimeout fails the socket when the upgrade does not resolve
	// within the configured deadline.
	ErrHandshakeTimeout = errors.New("handshake timed out")
	// ErrTransport wraps failures reported by the underlying transport.
	ErrTransport = errors.New("transport failure")
)

// defaultHandshakeTimeout bounds the time between Dial and the Open state.
const defaultHandshakeTimeout = 30 * time.Second

// Transport is the message channel a Socket runs over. bus.PageEnd
// implements it; tests substitute their own.
type Transport interface {
	// Send queues a page-to-background message.
	Send(m bus.Message) error
	// Attach registers fn for background-to-page messages carrying the given
	// client identifier and returns a detach function.
	Attach(clientID string, fn func(bus.Message)) (detach func(), err error)
}

// Config holds configuration for a Socket.
type Config struct {
	// URL is the ws:// or wss:// endpoint to connect to.
	URL string
	// Protocols are the sub-protocols offered during the handshake.
	Protocols []string
	// BinaryMode selects how binary payloads are materialized.
	BinaryMode BinaryMode
	// HandshakeTimeout bounds the time from dial to Open; 0 means the
	// default of 30s.
	HandshakeTimeout time.Duration
	// Logger receives lifecycle logs; nil disables logging.
	Logger logger.Logger
}

// DefaultConfig returns a Config with default values for the given URL.
//
// Parameters:
//   - rawURL: The endpoint to connect to
//
// Returns:
//   - A Config with defaults: BinaryModeCopy, HandshakeTimeout 30s
func DefaultConfig(rawURL string) Config {
	return Config{
		URL:              rawURL,
		BinaryMode:       BinaryModeCopy,
		HandshakeTimeout: defaultHandshakeTimeout,
	}
}

// Socket is the caller-facing duplex socket. Register listeners with
// AddListener or SetHandler, send with Send, and observe lifecycle through
// the raised events. It is safe for concurrent use.
type Socket struct {
	cfg       Config
	url       *url.URL
	id        string
	transport Transport
	log       logger.Logger

	// writeMu serializes caller-initiated frames so concurrent Send and
	// Close calls cannot interleave on the transport.
	writeMu sync.Mutex

	mu           sync.Mutex
	state        ReadyState
	connID       string
	protocol     string
	parser       *handshake.Parser
	decoder      *frame.Decoder
	detach       func()
	hsTimer      *time.Timer
	handler      Listener
	listeners    []*listenerEntry
	buffered     int64
	closeEmitted bool
}

// Dial validates the configuration, registers with the transport and asks
// the background broker to open a session. It returns immediately with the
// socket in the Connecting state; the Open or failure outcome arrives
// through the listeners.
//
// Parameters:
//   - transport: The message channel to the background broker
//   - cfg: Socket configuration, e.g. from DefaultConfig
//
// Returns:
//   - The new Socket, or an error if the URL or protocol list is invalid or
//     the transport rejected the registration
func Dial(transport Transport, cfg Config) (*Socket, error) {
	if transport == nil {
		return nil, errors.New("transport must not be nil")
	}

	u, err := parseSocketURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	if err := validateProtocols(cfg.Protocols); err != nil {
		return nil, err
	}

	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = logger.NewNopLogger()
	}

	s := &Socket{
		cfg:       cfg,
		url:       u,
		id:        uuid.NewString(),
		transport: transport,
		state:     Connecting,
		parser:    handshake.NewParser(),
		decoder:   frame.NewDecoder(),
	}
	s.log = log.With(
		logger.Field{Key: "client_id", Value: s.id},
		logger.Field{Key: "url", Value: cfg.URL},
	)

	detach, err := transport.Attach(s.id, s.handleBusMessage)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	s.detach = detach

	// The timer is armed before the open-request goes out: a reply can race
	// ahead of the next statement once the broker sees the request.
	s.hsTimer = time.AfterFunc(cfg.HandshakeTimeout, s.handshakeExpired)

	target := dialTarget(u)
	if err := transport.Send(bus.Message{Kind: bus.KindOpenRequest, ClientID: s.id, Target: target}); err != nil {
		s.hsTimer.Stop()
		detach()
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}

	s.log.Debug("socket dialing", logger.Field{Key: "target", Value: target})

	return s, nil
}

// ID returns the client identifier routing this socket's messages.
func (s *Socket) ID() string {
	return s.id
}

// URL returns the URL the socket was dialed with.
func (s *Socket) URL() string {
	return s.cfg.URL
}

// ReadyState returns the current lifecycle state.
func (s *Socket) ReadyState() ReadyState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Protocol returns the negotiated sub-protocol, or an empty string. Valid
// once the socket is Open.
func (s *Socket) Protocol() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protocol
}

// BufferedAmount returns the number of payload bytes accepted from the
// caller but not yet handed to the background broker.
func (s *Socket) BufferedAmount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffered
}

// AddListener appends l to the socket's listener list. Listeners are invoked
// in registration order, after the handler registered with SetHandler.
//
// Parameters:
//   - l: The listener callbacks, any of which may be nil
//
// Returns:
//   - A function that removes the listener again
func (s *Socket) AddListener(l Listener) func() {
	entry := &listenerEntry{l: l}

	s.mu.Lock()
	s.listeners = append(s.listeners, entry)
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, e := range s.listeners {
			if e == entry {
				s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
				return
			}
		}
	}
}

// SetHandler installs l in the reserved first slot, the place for the
// single legacy-style handler. It is always invoked before listeners added
// with AddListener; repeated calls replace it and a zero Listener clears it.
//
// Parameters:
//   - l: The handler callbacks, any of which may be nil
func (s *Socket) SetHandler(l Listener) {
	s.mu.Lock()
	s.handler = l
	s.mu.Unlock()
}

// Send transmits one message as a single masked frame. It fails unless the
// socket is Open.
//
// Parameters:
//   - m: The message built with Text or Binary
//
// Returns:
//   - ErrBadMessage for the zero Message, ErrInvalidState when not Open, or
//     a wrapped transport error (which also fails the socket)
func (s *Socket) Send(m Message) error {
	if m.Kind() == messageKindNone {
		return ErrBadMessage
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if s.state != Open {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: state is %s", ErrInvalidState, state)
	}

	op := frame.OpcodeText
	if m.IsBinary() {
		op = frame.OpcodeBinary
	}
	payload := m.payload()
	s.buffered += int64(len(payload))
	connID := s.connID
	s.mu.Unlock()

	wire, err := frame.Encode(op, payload)
	if err != nil {
		s.settleBuffered(len(payload))
		return err
	}

	err = s.transport.Send(bus.Message{Kind: bus.KindSendRequest, ClientID: s.id, ConnID: connID, Data: wire})
	s.settleBuffered(len(payload))
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrTransport, err)
		s.fail(err, frame.CloseAbnormalClosure, "transport send failed")
		return err
	}

	return nil
}

// SendText transmits a text message.
//
// Parameters:
//   - text: The message string
//
// Returns:
//   - An error under the same conditions as Send
func (s *Socket) SendText(text string) error {
	return s.Send(Text(text))
}

// SendBinary transmits a binary message.
//
// Parameters:
//   - p: The message bytes
//
// Returns:
//   - An error under the same conditions as Send
func (s *Socket) SendBinary(p []byte) error {
	return s.Send(Binary(p))
}

// Close performs a normal closure with code 1000 and no reason.
//
// Returns:
//   - An error if the close frame could not be encoded or queued
func (s *Socket) Close() error {
	return s.CloseWithStatus(frame.CloseNormalClosure, "")
}

// CloseWithStatus closes the socket with the given code and reason. While
// Open it sends a close frame followed by the session teardown request;
// while Connecting it abandons the dial. Idempotent: closing an already
// Closed or Closing socket is a no-op.
//
// Parameters:
//   - code: The close status code carried by the close frame
//   - reason: The close reason, may be empty
//
// Returns:
//   - An error if the close frame could not be encoded or queued
func (s *Socket) CloseWithStatus(code uint16, reason string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	switch s.state {
	case Closed, Closing:
		s.mu.Unlock()
		return nil

	case Connecting:
		var events []any
		if ce := s.closeLocked(frame.CloseAbnormalClosure, "socket closed before connect"); ce != nil {
			events = append(events, *ce)
		}
		snapshot := s.snapshotLocked()
		s.mu.Unlock()

		_ = s.transport.Send(bus.Message{Kind: bus.KindCloseRequest, ClientID: s.id})
		emit(events, snapshot)
		return nil
	}

	s.state = Closing
	connID := s.connID
	s.mu.Unlock()

	wire, err := frame.EncodeClose(code, reason)
	if err == nil {
		if sendErr := s.transport.Send(bus.Message{Kind: bus.KindSendRequest, ClientID: s.id, ConnID: connID, Data: wire}); sendErr != nil {
			err = fmt.Errorf("%w: %v", ErrTransport, sendErr)
		}
	}
	_ = s.transport.Send(bus.Message{Kind: bus.KindCloseRequest, ClientID: s.id})

	s.mu.Lock()
	var events []any
	if ce := s.closeLocked(code, reason); ce != nil {
		events = append(events, *ce)
	}
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	emit(events, snapshot)
	return err
}

// handleBusMessage dispatches one background-to-page message. It runs on the
// transport's delivery goroutine.
func (s *Socket) handleBusMessage(m bus.Message) {
	switch m.Kind {
	case bus.KindConnectSuccess:
		s.handleConnectSuccess(m)
	case bus.KindConnectError:
		s.fail(fmt.Errorf("%w: %s", ErrTransport, m.Reason), frame.CloseAbnormalClosure, m.Reason)
	case bus.KindSendError:
		s.fail(fmt.Errorf("%w: %s", ErrTransport, m.Reason), frame.CloseAbnormalClosure, m.Reason)
	case bus.KindData:
		s.handleData(m.Data)
	case bus.KindDataClose:
		s.handleDataClose(m.Code, m.Reason)
	}
}

// handleConnectSuccess records the connection identifier and sends the
// upgrade request over the fresh session.
func (s *Socket) handleConnectSuccess(m bus.Message) {
	s.mu.Lock()
	if s.state != Connecting {
		s.mu.Unlock()
		return
	}
	s.connID = m.ConnID
	s.mu.Unlock()

	req, err := handshake.Request(s.url, s.cfg.Protocols)
	if err != nil {
		s.fail(err, frame.CloseAbnormalClosure, "building upgrade request failed")
		return
	}

	s.log.Debug("session connected, sending upgrade request",
		logger.Field{Key: "conn_id", Value: m.ConnID})
	if err := s.transport.Send(bus.Message{Kind: bus.KindSendRequest, ClientID: s.id, ConnID: m.ConnID, Data: req}); err != nil {
		s.fail(fmt.Errorf("%w: %v", ErrTransport, err), frame.CloseAbnormalClosure, "sending upgrade request failed")
	}
}

// handleData feeds transport bytes through the handshake parser and frame
// decoder and raises the resulting events.
func (s *Socket) handleData(p []byte) {
	s.mu.Lock()
	if s.state != Connecting && s.state != Open {
		s.mu.Unlock()
		return
	}

	events, outbound, failErr, failReason := s.processDataLocked(p)
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	for _, m := range outbound {
		if err := s.transport.Send(m); err != nil && failErr == nil {
			failErr = fmt.Errorf("%w: %v", ErrTransport, err)
			failReason = "transport send failed"
		}
	}

	emit(events, snapshot)

	if failErr != nil {
		s.fail(failErr, frame.CloseAbnormalClosure, failReason)
	}
}

// processDataLocked consumes one data chunk under the state lock. It returns
// the events to raise and the messages to send once the lock is released,
// plus a failure to surface through the error path.
func (s *Socket) processDataLocked(p []byte) (events []any, outbound []bus.Message, failErr error, failReason string) {
	if !s.parser.Done() {
		done, rest, err := s.parser.Feed(p)
		if err != nil {
			return events, outbound, err, "upgrade refused"
		}
		if !done {
			return events, outbound, nil, ""
		}

		if s.hsTimer != nil {
			s.hsTimer.Stop()
		}
		s.protocol = s.parser.Protocol()
		s.state = Open
		events = append(events, OpenEvent{Protocol: s.protocol, Timestamp: time.Now()})
		s.log.Debug("socket open", logger.Field{Key: "protocol", Value: s.protocol})

		p = rest
	}

	frames, err := s.decoder.Feed(p)
	if err != nil {
		return events, outbound, err, "malformed frame"
	}

	for _, f := range frames {
		if s.state != Open {
			break
		}

		switch f.Opcode {
		case frame.OpcodeText:
			events = append(events, MessageEvent{Message: Text(string(f.Payload)), Timestamp: time.Now()})

		case frame.OpcodeBinary:
			payload := f.Payload
			if s.cfg.BinaryMode == BinaryModeCopy {
				payload = bytes.Clone(payload)
			}
			events = append(events, MessageEvent{Message: Binary(payload), Timestamp: time.Now()})

		case frame.OpcodeClose:
			code, reason := frame.ParseClose(f.Payload)
			outbound = append(outbound, bus.Message{Kind: bus.KindCloseRequest, ClientID: s.id})
			if ce := s.closeLocked(code, reason); ce != nil {
				events = append(events, *ce)
			}

		case frame.OpcodePing:
			pong, perr := frame.Encode(frame.OpcodePong, f.Payload)
			if perr != nil {
				return events, outbound, perr, "encoding pong failed"
			}
			outbound = append(outbound, bus.Message{Kind: bus.KindSendRequest, ClientID: s.id, ConnID: s.connID, Data: pong})

		case frame.OpcodePong:
			// Keepalive replies carry nothing actionable.

		default:
			// Unknown opcodes are ignored, not fatal.
		}
	}

	return events, outbound, nil, ""
}

// handleDataClose finalizes a transport-initiated closure.
func (s *Socket) handleDataClose(code uint16, reason string) {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return
	}

	if code == 0 {
		code = frame.CloseAbnormalClosure
	}

	var events []any
	if ce := s.closeLocked(code, reason); ce != nil {
		events = append(events, *ce)
	}
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	emit(events, snapshot)
}

// handshakeExpired fails a socket still Connecting when the deadline fires.
func (s *Socket) handshakeExpired() {
	s.mu.Lock()
	if s.state != Connecting {
		s.mu.Unlock()
		return
	}

	events := []any{ErrorEvent{Error: ErrHandshakeTimeout, Timestamp: time.Now()}}
	if ce := s.closeLocked(frame.CloseAbnormalClosure, "handshake deadline exceeded"); ce != nil {
		events = append(events, *ce)
	}
	snapshot := s.snapshotLocked()
	s.log.Error("socket handshake timed out")
	s.mu.Unlock()

	_ = s.transport.Send(bus.Message{Kind: bus.KindCloseRequest, ClientID: s.id})
	emit(events, snapshot)
}

// fail raises an error notification followed by the close notification and
// asks the broker to tear the session down. A socket that is already Closed
// ignores further failures.
func (s *Socket) fail(err error, code uint16, reason string) {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return
	}

	events := []any{ErrorEvent{Error: err, Timestamp: time.Now()}}
	if ce := s.closeLocked(code, reason); ce != nil {
		events = append(events, *ce)
	}
	snapshot := s.snapshotLocked()
	s.log.Error("socket failed", logger.Field{Key: "error", Value: err.Error()})
	s.mu.Unlock()

	_ = s.transport.Send(bus.Message{Kind: bus.KindCloseRequest, ClientID: s.id})
	emit(events, snapshot)
}

// closeLocked moves the socket to Closed, detaches it from the transport
// and returns the close event to raise, or nil if one was already raised.
// Caller must hold s.mu.
func (s *Socket) closeLocked(code uint16, reason string) *CloseEvent {
	s.state = Closed
	if s.hsTimer != nil {
		s.hsTimer.Stop()
	}
	if s.detach != nil {
		s.detach()
		s.detach = nil
	}

	if s.closeEmitted {
		return nil
	}
	s.closeEmitted = true

	s.log.Debug("socket closed",
		logger.Field{Key: "code", Value: code},
		logger.Field{Key: "reason", Value: reason})

	return &CloseEvent{
		Code:      code,
		Reason:    reason,
		Clean:     code != frame.CloseAbnormalClosure,
		Timestamp: time.Now(),
	}
}

// snapshotLocked copies the dispatch order: handler slot first, then
// listeners in registration order. Caller must hold s.mu.
func (s *Socket) snapshotLocked() []Listener {
	out := make([]Listener, 0, len(s.listeners)+1)
	out = append(out, s.handler)
	for _, e := range s.listeners {
		out = append(out, e.l)
	}

	return out
}

// settleBuffered releases n bytes from the outbound backlog counter.
func (s *Socket) settleBuffered(n int) {
	s.mu.Lock()
	s.buffered -= int64(n)
	s.mu.Unlock()
}

// parseSocketURL validates a socket endpoint URL.
func parseSocketURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadURL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("%w: scheme %q", ErrBadURL, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrBadURL)
	}
	if u.Fragment != "" {
		return nil, fmt.Errorf("%w: fragment not allowed", ErrBadURL)
	}

	return u, nil
}

// validateProtocols rejects empty and duplicate sub-protocol entries.
func validateProtocols(protocols []string) error {
	seen := make(map[string]struct{}, len(protocols))
	for _, p := range protocols {
		if p == "" {
			return fmt.Errorf("%w: empty entry", ErrBadProtocols)
		}
		if _, dup := seen[p]; dup {
			return fmt.Errorf("%w: duplicate entry %q", ErrBadProtocols, p)
		}
		seen[p] = struct{}{}
	}

	return nil
}

// dialTarget derives the broker dial target from the URL, defaulting the
// port by scheme.
func dialTarget(u *url.URL) string {
	if u.Port() != "" {
		return u.Host
	}

	if u.Scheme == "wss" {
		return u.Host + ":443"
	}

	return u.Host + ":80"
}
