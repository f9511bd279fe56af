// Package gateway serves intercepted HTTP traffic in the background
// process. Same-origin requests wait for the engine and travel through it;
// everything else passes straight to a fallback transport. A dedicated
// liveness path reports engine readiness without touching the request path.
package gateway

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/cyberinferno/wsbridge/engine"
	"github.com/cyberinferno/wsbridge/htmlinject"
	"github.com/cyberinferno/wsbridge/logger"
)

const (
	defaultHealthPath   = "/__wsbridge/health"
	defaultReadyTimeout = 10 * time.Second
	defaultPageCacheTTL = 30 * time.Second

	healthBodyReady    = "engine ready"
	healthBodyNotReady = "engine not ready"
	notReadyRetryBody  = "the engine is not ready yet, retry in a moment"
)

// hopByHopHeaders never travel past one hop (RFC 7230 section 6.1). They
// are stripped from forwarded requests and from upstream responses.
var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Config holds configuration for the Gateway.
type Config struct {
	// Origin is the host whose requests are served through the engine.
	// Requests for any other host go to Fallback.
	Origin string
	// Script is injected into served HTML pages; empty disables injection.
	Script []byte
	// HealthPath is the liveness endpoint; "" means /__wsbridge/health.
	HealthPath string
	// ReadyTimeout bounds how long a request waits for the engine to come
	// up; 0 means the default of 10s.
	ReadyTimeout time.Duration
	// PageCacheTTL is how long fetched pages are served from memory. 0
	// disables the cache; DefaultConfig sets 30s.
	PageCacheTTL time.Duration
	// Fallback carries cross-origin requests; nil means
	// http.DefaultTransport.
	Fallback http.RoundTripper
	// Logger receives gateway logs; nil disables logging.
	Logger logger.Logger
}

// DefaultConfig returns a Config with default values.
//
// Returns:
//   - A Config with HealthPath /__wsbridge/health, ReadyTimeout 10s and
//     PageCacheTTL 30s
func DefaultConfig() Config {
	return Config{
		HealthPath:   defaultHealthPath,
		ReadyTimeout: defaultReadyTimeout,
		PageCacheTTL: defaultPageCacheTTL,
	}
}

// Gateway is the http.Handler for intercepted traffic.
type Gateway struct {
	cfg      Config
	sup      *engine.Supervisor
	fallback http.RoundTripper
	cache    *pageCache
	log      logger.Logger
}

// New creates a Gateway around the supervisor.
//
// Parameters:
//   - sup: The engine supervisor same-origin requests run through
//   - cfg: Gateway configuration, e.g. from DefaultConfig
//
// Returns:
//   - A Gateway ready to serve
func New(sup *engine.Supervisor, cfg Config) *Gateway {
	if cfg.HealthPath == "" {
		cfg.HealthPath = defaultHealthPath
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = defaultReadyTimeout
	}
	fallback := cfg.Fallback
	if fallback == nil {
		fallback = http.DefaultTransport
	}
	log := cfg.Logger
	if log == nil {
		log = logger.NewNopLogger()
	}

	g := &Gateway{cfg: cfg, sup: sup, fallback: fallback, log: log}
	if cfg.PageCacheTTL > 0 {
		g.cache = newPageCache(cfg.PageCacheTTL)
	}

	return g
}

// ServeHTTP routes one intercepted request.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == g.cfg.HealthPath {
		g.serveHealth(w)
		return
	}

	if !g.sameOrigin(r) {
		g.serveFallback(w, r)
		return
	}

	g.serveProxied(w, r)
}

// serveHealth answers the liveness probe from supervisor state alone.
func (g *Gateway) serveHealth(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if g.sup.Ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(healthBodyReady))
		return
	}

	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte(healthBodyNotReady))
}

// serveFallback carries a cross-origin request on the fallback transport,
// engine state notwithstanding.
func (g *Gateway) serveFallback(w http.ResponseWriter, r *http.Request) {
	g.log.Debug("cross-origin request bypasses the engine",
		logger.Field{Key: "host", Value: r.Host})

	resp, err := g.fallback.RoundTrip(outboundRequest(r, false))
	if err != nil {
		http.Error(w, "cross-origin fetch failed: "+err.Error(), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	writeResponse(w, resp)
}

// serveProxied gates a same-origin request on engine readiness and forwards
// it through the supervisor.
func (g *Gateway) serveProxied(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), g.cfg.ReadyTimeout)
	defer cancel()

	if err := g.sup.WaitReady(ctx); err != nil {
		g.log.Warn("request timed out waiting for the engine",
			logger.Field{Key: "path", Value: r.URL.Path},
			logger.Field{Key: "error", Value: err.Error()})
		http.Error(w, notReadyRetryBody, http.StatusServiceUnavailable)
		return
	}

	if g.cache != nil && r.Method == http.MethodGet {
		key := r.Host + r.URL.RequestURI()
		res, err := g.cache.fetch(key, func() (*fetchResult, bool, error) {
			return g.fetchBuffered(r)
		})
		if err != nil {
			g.upstreamError(w, r, err)
			return
		}
		writeResult(w, res)
		return
	}

	if r.Method == http.MethodGet {
		res, _, err := g.fetchBuffered(r)
		if err != nil {
			g.upstreamError(w, r, err)
			return
		}
		writeResult(w, res)
		return
	}

	resp, err := g.roundTrip(r)
	if err != nil {
		g.upstreamError(w, r, err)
		return
	}
	defer resp.Body.Close()

	writeResponse(w, resp)
}

// fetchBuffered runs one GET through the engine and buffers the response.
// Successful HTML pages get the script injected and are marked storable.
func (g *Gateway) fetchBuffered(r *http.Request) (*fetchResult, bool, error) {
	resp, err := g.roundTrip(r)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, fmt.Errorf("reading upstream body: %w", err)
	}

	header := resp.Header.Clone()
	stripHopByHop(header)

	res := &fetchResult{status: resp.StatusCode, header: header, body: body}
	if resp.StatusCode == http.StatusOK && isHTML(header.Get("Content-Type")) {
		res.body = htmlinject.Inject(body, g.cfg.Script)
		return res, true, nil
	}

	return res, false, nil
}

// roundTrip forwards the request through a supervised engine. The
// supervisor replays it once when the engine faults underneath it, so
// requests whose body cannot be replayed demote the fault before it
// triggers a retry.
func (g *Gateway) roundTrip(r *http.Request) (*http.Response, error) {
	out := outboundRequest(r, true)

	var resp *http.Response
	attempt := 0
	err := g.sup.Do(r.Context(), func(eng engine.Engine) error {
		attempt++
		if attempt > 1 && out.GetBody != nil {
			body, err := out.GetBody()
			if err != nil {
				return err
			}
			out.Body = body
		}

		rtResp, err := eng.RoundTrip(out)
		if err != nil {
			if engine.IsFault(err) && !replayable(out) {
				return fmt.Errorf("engine fault with an unreplayable request: %v", err)
			}
			return err
		}
		resp = rtResp

		return nil
	})
	if err != nil {
		return nil, err
	}

	return resp, nil
}

func (g *Gateway) upstreamError(w http.ResponseWriter, r *http.Request, err error) {
	g.log.Error("forwarding failed",
		logger.Field{Key: "path", Value: r.URL.Path},
		logger.Field{Key: "error", Value: err.Error()})
	http.Error(w, "fetching through the engine failed: "+err.Error(), http.StatusBadGateway)
}

// sameOrigin reports whether the request addresses the configured origin,
// with or without an explicit port.
func (g *Gateway) sameOrigin(r *http.Request) bool {
	host := r.Host
	if host == "" {
		host = r.URL.Host
	}

	if strings.EqualFold(host, g.cfg.Origin) {
		return true
	}
	if bare, _, err := net.SplitHostPort(host); err == nil && strings.EqualFold(bare, g.cfg.Origin) {
		return true
	}

	return false
}

// outboundRequest turns a received server request into one a transport can
// send. Dropping Accept-Encoding lets the transport negotiate and undo
// compression itself, which keeps injected pages readable.
func outboundRequest(r *http.Request, dropAcceptEncoding bool) *http.Request {
	out := r.Clone(r.Context())
	out.RequestURI = ""
	if out.Body != nil && r.ContentLength == 0 {
		// Server requests wrap empty bodies in a reader; a nil body keeps
		// the request replayable.
		out.Body = nil
	}
	if out.URL.Scheme == "" {
		out.URL.Scheme = "http"
		if r.TLS != nil {
			out.URL.Scheme = "https"
		}
	}
	if out.URL.Host == "" {
		out.URL.Host = r.Host
	}

	stripHopByHop(out.Header)
	if dropAcceptEncoding {
		out.Header.Del("Accept-Encoding")
	}

	return out
}

// replayable reports whether the request can be sent a second time.
func replayable(r *http.Request) bool {
	return r.Body == nil || r.Body == http.NoBody || r.GetBody != nil
}

// stripHopByHop removes connection-scoped headers, including any the
// Connection header names.
func stripHopByHop(h http.Header) {
	for _, name := range h.Values("Connection") {
		for _, field := range strings.Split(name, ",") {
			if field = textproto.TrimString(field); field != "" {
				h.Del(field)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

// writeResponse streams an upstream response out.
func writeResponse(w http.ResponseWriter, resp *http.Response) {
	header := w.Header()
	stripped := resp.Header.Clone()
	stripHopByHop(stripped)
	for k, vv := range stripped {
		for _, v := range vv {
			header.Add(k, v)
		}
	}

	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

// writeResult serves a buffered fetch result.
func writeResult(w http.ResponseWriter, res *fetchResult) {
	header := w.Header()
	for k, vv := range res.header {
		for _, v := range vv {
			header.Add(k, v)
		}
	}
	header.Set("Content-Length", strconv.Itoa(len(res.body)))

	w.WriteHeader(res.status)
	_, _ = w.Write(res.body)
}

// isHTML reports whether a Content-Type names an HTML document.
func isHTML(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}

	return mediaType == "text/html"
}
