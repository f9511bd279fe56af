package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/wsbridge/engine"
)

// gwBackend plays the application behind the engine. Its handler builds
// every proxied response; loads and round trips are counted across engine
// reloads.
type gwBackend struct {
	loads      atomic.Int32
	hits       atomic.Int32
	blockLoads bool
	rtErrs     chan error

	mu      sync.Mutex
	handler http.HandlerFunc
	reqs    []*http.Request
}

func newGwBackend(handler http.HandlerFunc) *gwBackend {
	return &gwBackend{handler: handler, rtErrs: make(chan error, 4)}
}

func (b *gwBackend) loader() engine.Loader {
	return func(ctx context.Context) (engine.Engine, error) {
		b.loads.Add(1)
		if b.blockLoads {
			<-ctx.Done()
			return nil, ctx.Err()
		}

		return &gwEngine{b: b, done: make(chan struct{})}, nil
	}
}

func (b *gwBackend) requests() []*http.Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*http.Request(nil), b.reqs...)
}

type gwEngine struct {
	b    *gwBackend
	done chan struct{}
}

func (e *gwEngine) RoundTrip(req *http.Request) (*http.Response, error) {
	select {
	case err := <-e.b.rtErrs:
		return nil, err
	default:
	}

	e.b.hits.Add(1)
	e.b.mu.Lock()
	e.b.reqs = append(e.b.reqs, req)
	handler := e.b.handler
	e.b.mu.Unlock()

	rec := httptest.NewRecorder()
	if handler != nil {
		handler(rec, req)
	}

	return rec.Result(), nil
}

func (e *gwEngine) OpenStream(context.Context, string) (io.ReadWriteCloser, error) {
	return nil, errors.New("no streams in this stub")
}

func (e *gwEngine) Healthz(context.Context) error { return nil }
func (e *gwEngine) Done() <-chan struct{}         { return e.done }
func (e *gwEngine) Err() error                    { return nil }
func (e *gwEngine) Close() error                  { return nil }

// stubTransport is the cross-origin fallback, canned to answer everything.
type stubTransport struct {
	mu   sync.Mutex
	reqs []*http.Request
}

func (s *stubTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	s.mu.Lock()
	s.reqs = append(s.reqs, req)
	s.mu.Unlock()

	rec := httptest.NewRecorder()
	_, _ = rec.WriteString("from fallback")

	return rec.Result(), nil
}

func (s *stubTransport) requests() []*http.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*http.Request(nil), s.reqs...)
}

type gwHarness struct {
	srv      *httptest.Server
	sup      *engine.Supervisor
	backend  *gwBackend
	fallback *stubTransport
}

func startGateway(t *testing.T, backend *gwBackend, tweak func(*Config)) *gwHarness {
	t.Helper()

	sup := engine.NewSupervisor(backend.loader(), engine.DefaultConfig())
	fallback := &stubTransport{}

	var gw http.Handler
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gw.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	cfg := DefaultConfig()
	cfg.Origin = strings.TrimPrefix(srv.URL, "http://")
	cfg.Script = []byte("window.__bridge = 1;")
	cfg.Fallback = fallback
	if tweak != nil {
		tweak(&cfg)
	}
	gw = New(sup, cfg)

	return &gwHarness{srv: srv, sup: sup, backend: backend, fallback: fallback}
}

func httpGet(t *testing.T, url string) (*http.Response, string) {
	t.Helper()

	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp, string(body)
}

func TestGateway_Health(t *testing.T) {
	backend := newGwBackend(nil)
	h := startGateway(t, backend, nil)

	resp, body := httpGet(t, h.srv.URL+"/__wsbridge/health")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "engine not ready", body)
	assert.Equal(t, int32(0), backend.loads.Load(), "the liveness path must never trigger a load")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.sup.WaitReady(ctx))

	resp, body = httpGet(t, h.srv.URL+"/__wsbridge/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "engine ready", body)
}

func TestGateway_ProxiesSameOrigin(t *testing.T) {
	backend := newGwBackend(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Upstream", "yes")
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	h := startGateway(t, backend, nil)

	resp, body := httpGet(t, h.srv.URL+"/api/state")

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `{"ok":true}`, body)
	assert.Equal(t, "yes", resp.Header.Get("X-Upstream"))
	assert.Equal(t, int32(1), backend.loads.Load(), "the first request must trigger the lazy load")

	reqs := backend.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "/api/state", reqs[0].URL.Path)
}

func TestGateway_InjectsIntoHTML(t *testing.T) {
	page := `<html><head><title>app</title></head><body>hi</body></html>`
	backend := newGwBackend(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(page))
	})
	h := startGateway(t, backend, nil)

	resp, body := httpGet(t, h.srv.URL+"/")

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "<script>window.__bridge = 1;</script>")
	assert.Less(t, strings.Index(body, "window.__bridge"), strings.Index(body, "<title>"),
		"the script must run before anything else in head")
	assert.Equal(t, int64(len(body)), resp.ContentLength)
}

func TestGateway_CachesPages(t *testing.T) {
	backend := newGwBackend(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><head></head><body>cached</body></html>`))
	})
	h := startGateway(t, backend, nil)

	_, first := httpGet(t, h.srv.URL+"/page")
	_, second := httpGet(t, h.srv.URL+"/page")

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), backend.hits.Load(), "the second request must be served from cache")

	httpGet(t, h.srv.URL+"/other")
	assert.Equal(t, int32(2), backend.hits.Load(), "a different path is a different cache entry")
}

func TestGateway_CacheDisabled(t *testing.T) {
	backend := newGwBackend(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><head></head><body>fresh</body></html>`))
	})
	h := startGateway(t, backend, func(cfg *Config) { cfg.PageCacheTTL = 0 })

	_, first := httpGet(t, h.srv.URL+"/page")
	_, second := httpGet(t, h.srv.URL+"/page")

	assert.Equal(t, int32(2), backend.hits.Load())
	assert.Contains(t, first, "window.__bridge", "injection must not depend on the cache")
	assert.Equal(t, first, second)
}

func TestGateway_NotReadyTimesOut(t *testing.T) {
	backend := newGwBackend(nil)
	backend.blockLoads = true
	h := startGateway(t, backend, func(cfg *Config) { cfg.ReadyTimeout = 60 * time.Millisecond })

	start := time.Now()
	resp, body := httpGet(t, h.srv.URL+"/app")

	assert.Less(t, time.Since(start), 2*time.Second, "the wait must be bounded")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, body, "retry")
}

func TestGateway_CrossOriginBypassesEngine(t *testing.T) {
	backend := newGwBackend(nil)
	backend.blockLoads = true // engine never comes up, the bypass must not care
	h := startGateway(t, backend, nil)

	req, err := http.NewRequest(http.MethodGet, h.srv.URL+"/external", nil)
	require.NoError(t, err)
	req.Host = "other.example.com"

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "from fallback", string(body))
	assert.Equal(t, int32(0), backend.loads.Load(), "cross-origin traffic must not touch the engine")

	sent := h.fallback.requests()
	require.Len(t, sent, 1)
	assert.Equal(t, "other.example.com", sent[0].Host)
	assert.Equal(t, "http://other.example.com/external", sent[0].URL.String())
}

func TestGateway_StripsHopByHopHeaders(t *testing.T) {
	backend := newGwBackend(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-App", "1")
		w.Header().Set("Keep-Alive", "timeout=5")
		_, _ = w.Write([]byte("ok"))
	})
	sup := engine.NewSupervisor(backend.loader(), engine.DefaultConfig())
	cfg := DefaultConfig()
	cfg.Origin = "app.example.com"
	gw := New(sup, cfg)

	req := httptest.NewRequest(http.MethodGet, "http://app.example.com/data", nil)
	req.Header.Set("Connection", "X-Secret")
	req.Header.Set("X-Secret", "val")
	req.Header.Set("Te", "trailers")
	req.Header.Set("X-Keep", "yes")

	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	seen := backend.requests()
	require.Len(t, seen, 1)
	assert.Empty(t, seen[0].Header.Get("Connection"))
	assert.Empty(t, seen[0].Header.Get("X-Secret"), "headers named by Connection are hop scoped")
	assert.Empty(t, seen[0].Header.Get("Te"))
	assert.Equal(t, "yes", seen[0].Header.Get("X-Keep"))

	assert.Equal(t, "1", rec.Header().Get("X-App"))
	assert.Empty(t, rec.Header().Get("Keep-Alive"))
}

func TestGateway_RetriesWhenEngineFaults(t *testing.T) {
	backend := newGwBackend(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("recovered"))
	})
	backend.rtErrs <- engine.Fault(errors.New("engine crashed mid-request"))
	h := startGateway(t, backend, nil)

	resp, body := httpGet(t, h.srv.URL+"/flaky")

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "recovered", body)
	assert.Equal(t, int32(2), backend.loads.Load(), "the fault must force a reload")
	assert.Equal(t, int32(1), backend.hits.Load(), "the replay must reach the application once")
}

func TestGateway_SecondFaultSurfaces(t *testing.T) {
	backend := newGwBackend(nil)
	backend.rtErrs <- engine.Fault(errors.New("crash one"))
	backend.rtErrs <- engine.Fault(errors.New("crash two"))
	h := startGateway(t, backend, nil)

	resp, body := httpGet(t, h.srv.URL+"/flaky")

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Contains(t, body, "engine")
	assert.Equal(t, int32(0), backend.hits.Load())
}

func TestGateway_PostStreamsThrough(t *testing.T) {
	backend := newGwBackend(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_, _ = w.Write(body)
	})
	h := startGateway(t, backend, nil)

	for i := 0; i < 2; i++ {
		resp, err := http.Post(h.srv.URL+"/submit", "text/plain", strings.NewReader("payload"))
		require.NoError(t, err)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		_ = resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "payload", string(body))
	}

	assert.Equal(t, int32(2), backend.hits.Load(), "mutating requests are never cached")
}
