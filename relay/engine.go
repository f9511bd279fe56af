// Package relay implements the engine over a WebSocket relay server. One
// persistent control connection carries health probes and signals engine
// death; every transport session and proxied request runs over its own
// stream connection.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/cyberinferno/wsbridge/engine"
	"github.com/cyberinferno/wsbridge/logger"
)

const defaultHandshakeTimeout = 30 * time.Second

// Config holds configuration for a relay engine.
type Config struct {
	// URL is the relay server base, e.g. "wss://relay.example.com". The
	// control and stream endpoints hang off this path.
	URL string
	// HandshakeTimeout bounds each websocket dial; 0 means the default
	// of 30s.
	HandshakeTimeout time.Duration
	// Logger receives engine logs; nil disables logging.
	Logger logger.Logger
}

// Engine talks to a relay server. It satisfies engine.Engine; the supervisor
// loads it through Loader and reloads it when the control connection dies.
type Engine struct {
	base    *url.URL
	dialer  *websocket.Dialer
	log     logger.Logger
	control *websocket.Conn
	client  *http.Transport

	probes probeTable

	mu  sync.Mutex
	err error

	once sync.Once
	done chan struct{}
}

// Loader adapts Dial to the supervisor's loader signature.
//
// Parameters:
//   - cfg: Relay configuration used for every load
//
// Returns:
//   - A loader that dials a fresh engine on each call
func Loader(cfg Config) engine.Loader {
	return func(ctx context.Context) (engine.Engine, error) {
		return Dial(ctx, cfg)
	}
}

// Dial establishes the control connection and returns a running engine.
//
// Parameters:
//   - ctx: Bounds the control dial
//   - cfg: Relay configuration
//
// Returns:
//   - The engine, or an error when the URL is invalid or the dial failed
func Dial(ctx context.Context, cfg Config) (*Engine, error) {
	base, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("relay url: %w", err)
	}
	if base.Scheme != "ws" && base.Scheme != "wss" {
		return nil, fmt.Errorf("relay url: scheme %q is not ws or wss", base.Scheme)
	}
	if base.Host == "" {
		return nil, errors.New("relay url: missing host")
	}

	hsTimeout := cfg.HandshakeTimeout
	if hsTimeout <= 0 {
		hsTimeout = defaultHandshakeTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = logger.NewNopLogger()
	}

	e := &Engine{
		base: base,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: hsTimeout,
		},
		log:  log,
		done: make(chan struct{}),
	}

	control, _, err := e.dialer.DialContext(ctx, e.endpoint("control", ""), nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay control: %w", err)
	}
	e.control = control

	control.SetPongHandler(func(token string) error {
		e.probes.resolve(token)
		return nil
	})

	e.client = &http.Transport{DialContext: e.dialStreamConn}

	go e.controlLoop()
	e.log.Info("relay control connected", logger.Field{Key: "relay", Value: base.Host})

	return e, nil
}

// OpenStream dials a stream connection for the given target.
//
// Parameters:
//   - ctx: Bounds the dial
//   - target: The host:port the relay should reach
//
// Returns:
//   - A byte stream to the target, or an error when the engine is down or
//     the relay refused the stream
func (e *Engine) OpenStream(ctx context.Context, target string) (io.ReadWriteCloser, error) {
	conn, err := e.dialStreamConn(ctx, "tcp", target)
	if err != nil {
		return nil, err
	}

	return conn, nil
}

// RoundTrip sends one HTTP request over a relay stream to the request's
// host and returns the response.
//
// Parameters:
//   - req: The request to forward
//
// Returns:
//   - The response, or an error when the engine is down or the exchange
//     failed
func (e *Engine) RoundTrip(req *http.Request) (*http.Response, error) {
	return e.client.RoundTrip(req)
}

// Healthz probes the relay with a ping over the control connection and
// waits for the matching pong.
//
// Parameters:
//   - ctx: Bounds the probe
//
// Returns:
//   - nil on a pong, the engine error when it is down, or the context error
func (e *Engine) Healthz(ctx context.Context) error {
	select {
	case <-e.done:
		return e.downErr()
	default:
	}

	token := uuid.NewString()
	ch := e.probes.open(token)
	defer e.probes.forget(token)

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(5 * time.Second)
	}
	if err := e.control.WriteControl(websocket.PingMessage, []byte(token), deadline); err != nil {
		return fmt.Errorf("control ping: %w", err)
	}

	select {
	case <-ch:
		return nil
	case <-e.done:
		return e.downErr()
	case <-ctx.Done():
		return fmt.Errorf("awaiting control pong: %w", ctx.Err())
	}
}

// Done is closed when the engine stops serving, whether by Close or by
// losing its control connection.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// Err reports why Done fired; nil after a deliberate Close.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Close shuts the engine down. Streams opened earlier keep their
// connections; only the control connection and idle proxied connections
// are dropped.
//
// Returns:
//   - Always nil
func (e *Engine) Close() error {
	e.shutdown(nil)
	return nil
}

// endpoint builds the URL for a named relay endpoint.
func (e *Engine) endpoint(name, target string) string {
	u := *e.base
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + name
	if target != "" {
		q := u.Query()
		q.Set("target", target)
		u.RawQuery = q.Encode()
	}

	return u.String()
}

// dialStreamConn opens a stream to addr and adapts it into a net.Conn. The
// http transport uses this as its dial function.
func (e *Engine) dialStreamConn(ctx context.Context, _, addr string) (net.Conn, error) {
	select {
	case <-e.done:
		return nil, e.downErr()
	default:
	}

	conn, _, err := e.dialer.DialContext(ctx, e.endpoint("stream", addr), nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay stream to %s: %w", addr, err)
	}
	e.log.Debug("relay stream open", logger.Field{Key: "target", Value: addr})

	return newWsStream(conn), nil
}

// controlLoop pumps the control connection so ping and pong frames are
// processed. It ends when the connection dies, which marks the engine as
// faulted.
func (e *Engine) controlLoop() {
	for {
		if _, _, err := e.control.ReadMessage(); err != nil {
			e.shutdown(engine.Fault(fmt.Errorf("control connection lost: %w", err)))
			return
		}
	}
}

// downErr describes why the engine stopped serving. Faults keep their
// classification so a supervised operation that trips over a dead engine
// is replayed on a fresh one.
func (e *Engine) downErr() error {
	if err := e.Err(); err != nil {
		return err
	}

	return errors.New("relay engine is closed")
}

// shutdown ends the engine exactly once: the cause is recorded, the control
// connection drops and Done fires.
func (e *Engine) shutdown(err error) {
	e.once.Do(func() {
		e.mu.Lock()
		e.err = err
		e.mu.Unlock()

		_ = e.control.Close()
		e.client.CloseIdleConnections()
		close(e.done)

		if err != nil {
			e.log.Error("relay engine down", logger.Field{Key: "error", Value: err.Error()})
		} else {
			e.log.Debug("relay engine closed")
		}
	})
}
