// Package broker multiplexes page socket sessions onto engine transport
// streams. A single event loop consumes the bus; each open claims its
// client's slot in the session table before the engine is asked to dial,
// so a duplicate open fails fast instead of replacing the session.
package broker

import (
	"context"
	"errors"
	"io"

	"github.com/google/uuid"

	"github.com/cyberinferno/wsbridge/bus"
	"github.com/cyberinferno/wsbridge/engine"
	"github.com/cyberinferno/wsbridge/logger"
)

const defaultQueueSize = 32

// Config holds configuration for the Broker.
type Config struct {
	// QueueSize bounds each session's outbound write queue; 0 means the
	// default of 32.
	QueueSize int
	// Logger receives broker logs; nil disables logging.
	Logger logger.Logger
}

// DefaultConfig returns a Config with default values.
//
// Returns:
//   - A Config with QueueSize 32
func DefaultConfig() Config {
	return Config{QueueSize: defaultQueueSize}
}

// Broker owns the background end of the bus and the session table. It opens
// engine streams through the supervisor, which retries a request exactly
// once when the engine faults under it.
type Broker struct {
	cfg   Config
	sup   *engine.Supervisor
	end   *bus.BackgroundEnd
	log   logger.Logger
	table *sessionTable
}

// New creates a Broker. Nothing runs until Run is called.
//
// Parameters:
//   - sup: The engine supervisor streams are opened through
//   - end: The background end of the page bus
//   - cfg: Broker configuration, e.g. from DefaultConfig
//
// Returns:
//   - A Broker with an empty session table
func New(sup *engine.Supervisor, end *bus.BackgroundEnd, cfg Config) *Broker {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	log := cfg.Logger
	if log == nil {
		log = logger.NewNopLogger()
	}

	return &Broker{
		cfg:   cfg,
		sup:   sup,
		end:   end,
		log:   log,
		table: newSessionTable(),
	}
}

// Run consumes bus messages until ctx is cancelled or the bus closes, then
// tears every live session down.
//
// Parameters:
//   - ctx: Stops the loop when done
//
// Returns:
//   - ctx.Err() on cancellation, nil when the bus closed
func (b *Broker) Run(ctx context.Context) error {
	b.log.Info("broker running")
	defer b.shutdown()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.end.Done():
			return nil
		case m := <-b.end.Incoming():
			b.dispatch(ctx, m)
		}
	}
}

// dispatch routes one page-to-background message. It must never block: all
// replies issued here go through the non-blocking path and all dialing
// happens in per-open goroutines.
func (b *Broker) dispatch(ctx context.Context, m bus.Message) {
	switch m.Kind {
	case bus.KindOpenRequest:
		b.handleOpen(ctx, m)
	case bus.KindSendRequest:
		b.handleSend(m)
	case bus.KindCloseRequest:
		b.handleClose(m)
	default:
		b.log.Debug("dropping unexpected message",
			logger.Field{Key: "kind", Value: m.Kind.String()},
			logger.Field{Key: "client_id", Value: m.ClientID})
	}
}

// handleOpen reserves the client's slot and dials in the background. The
// reservation comes first so two concurrent opens cannot both proceed; the
// loser is told immediately and the winner is untouched.
func (b *Broker) handleOpen(ctx context.Context, m bus.Message) {
	sess := newSession(m.ClientID, m.Target, b.cfg.QueueSize)
	if !b.table.reserve(sess) {
		b.log.Warn("rejecting duplicate open",
			logger.Field{Key: "client_id", Value: m.ClientID})
		b.tryReply(bus.Message{
			Kind:     bus.KindConnectError,
			ClientID: m.ClientID,
			Reason:   "client already has an open session",
		})
		return
	}

	go b.openSession(ctx, sess)
}

// openSession dials the engine stream for a reserved session, binds it and
// starts the session loops. It runs outside the event loop and may block.
func (b *Broker) openSession(ctx context.Context, sess *session) {
	var stream io.ReadWriteCloser
	err := b.sup.Do(ctx, func(eng engine.Engine) error {
		opened, err := eng.OpenStream(ctx, sess.target)
		if err != nil {
			return err
		}
		stream = opened
		return nil
	})
	if err != nil {
		b.table.remove(sess)
		b.log.Error("session open failed",
			logger.Field{Key: "client_id", Value: sess.clientID},
			logger.Field{Key: "target", Value: sess.target},
			logger.Field{Key: "error", Value: err.Error()})
		b.reply(bus.Message{Kind: bus.KindConnectError, ClientID: sess.clientID, Reason: err.Error()})
		return
	}

	connID := uuid.NewString()
	if !sess.bind(connID, stream) {
		// Torn down while the dial was in flight.
		_ = stream.Close()
		return
	}
	b.table.index(sess)

	b.log.Info("session open",
		logger.Field{Key: "client_id", Value: sess.clientID},
		logger.Field{Key: "conn_id", Value: connID},
		logger.Field{Key: "target", Value: sess.target})
	b.reply(bus.Message{Kind: bus.KindConnectSuccess, ClientID: sess.clientID, ConnID: connID})

	go sess.writeLoop(func(err error) {
		b.reply(bus.Message{Kind: bus.KindSendError, ClientID: sess.clientID, ConnID: connID, Reason: err.Error()})
		b.teardown(sess)
	})
	go sess.readPump(
		func(p []byte) {
			b.reply(bus.Message{Kind: bus.KindData, ClientID: sess.clientID, ConnID: connID, Data: p})
		},
		func(code uint16, reason string) {
			b.reply(bus.Message{Kind: bus.KindDataClose, ClientID: sess.clientID, ConnID: connID, Code: code, Reason: reason})
			b.teardown(sess)
		})
}

// handleSend queues payload bytes for a session's write loop.
func (b *Broker) handleSend(m bus.Message) {
	sess, ok := b.table.lookup(m.ClientID, m.ConnID)
	if !ok {
		b.tryReply(bus.Message{
			Kind:     bus.KindSendError,
			ClientID: m.ClientID,
			ConnID:   m.ConnID,
			Reason:   "no such session",
		})
		return
	}

	err := sess.enqueue(m.Data)
	if err == nil {
		return
	}

	b.log.Warn("send rejected",
		logger.Field{Key: "client_id", Value: sess.clientID},
		logger.Field{Key: "error", Value: err.Error()})

	// A session that cannot drain its queue is wedged; cut it loose.
	if errors.Is(err, errQueueFull) {
		b.teardown(sess)
	}
	b.tryReply(bus.Message{
		Kind:     bus.KindSendError,
		ClientID: m.ClientID,
		ConnID:   m.ConnID,
		Reason:   err.Error(),
	})
}

// handleClose tears a session down on the page's request. Unknown sessions
// are ignored, close is idempotent.
func (b *Broker) handleClose(m bus.Message) {
	sess, ok := b.table.lookup(m.ClientID, m.ConnID)
	if !ok {
		return
	}
	b.teardown(sess)
}

// teardown closes the session and forgets it. Safe to call from any
// goroutine and more than once.
func (b *Broker) teardown(sess *session) {
	if sess.close() {
		b.log.Debug("session closed",
			logger.Field{Key: "client_id", Value: sess.clientID})
	}
	b.table.remove(sess)
}

// shutdown closes every live session.
func (b *Broker) shutdown() {
	for _, sess := range b.table.drain() {
		sess.close()
	}
	b.log.Info("broker stopped")
}

// reply delivers a message to the page end, blocking until there is room.
// Only session goroutines use this; backpressure on them is deliberate.
func (b *Broker) reply(m bus.Message) {
	if err := b.end.Send(m); err != nil {
		b.log.Debug("dropping reply, bus closed",
			logger.Field{Key: "kind", Value: m.Kind.String()},
			logger.Field{Key: "client_id", Value: m.ClientID})
	}
}

// tryReply delivers a message to the page end without blocking the event
// loop. A full page queue drops the reply.
func (b *Broker) tryReply(m bus.Message) {
	if !b.end.TrySend(m) {
		b.log.Warn("dropping reply, page queue full",
			logger.Field{Key: "kind", Value: m.Kind.String()},
			logger.Field{Key: "client_id", Value: m.ClientID})
	}
}
