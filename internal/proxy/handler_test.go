package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/bonusperme/swcache/internal/cache"
	"github.com/bonusperme/swcache/internal/config"
	"github.com/bonusperme/swcache/internal/fetch"
	"github.com/bonusperme/swcache/internal/host"
	"github.com/bonusperme/swcache/internal/logging"
	"github.com/bonusperme/swcache/internal/server"
	"github.com/bonusperme/swcache/internal/worker"
)

// originStub 模拟 Origin 背后的应用服务器；offline 时直接断开连接，代理侧观察到网络错误。
type originStub struct {
	server   *http.Server
	listener net.Listener
	URL      string

	offline atomic.Bool

	mu       sync.Mutex
	pages    map[string]stubPage
	requests []recordedRequest
}

type stubPage struct {
	status      int
	contentType string
	body        string
}

type recordedRequest struct {
	Method  string
	Path    string
	Headers http.Header
	Body    []byte
}

func newOriginStub(t *testing.T) *originStub {
	t.Helper()

	stub := &originStub{pages: map[string]stubPage{
		"/":                {http.StatusOK, "text/html", "<html>shell</html>"},
		"/manifest.json":   {http.StatusOK, "application/manifest+json", `{"name":"BonusPerMe"}`},
		"/icon-192.png":    {http.StatusOK, "image/png", "png"},
		"/fonts/fonts.css": {http.StatusOK, "text/css", "@font-face{}"},
		"/bonus/casa":      {http.StatusOK, "text/html", "<html>casa</html>"},
		"/api/bonus":       {http.StatusOK, "application/json", `{"bonus":[]}`},
		"/gone":            {http.StatusNotFound, "text/plain", "not found"},
	}}

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if stub.offline.Load() {
			if hj, ok := w.(http.Hijacker); ok {
				conn, _, err := hj.Hijack()
				if err == nil {
					_ = conn.Close()
					return
				}
			}
			panic(http.ErrAbortHandler)
		}
		stub.record(r)
		stub.mu.Lock()
		page, ok := stub.pages[r.URL.Path]
		stub.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", page.contentType)
		w.WriteHeader(page.status)
		_, _ = io.WriteString(w, page.body)
	})

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("unable to start origin stub listener: %v", err)
	}
	stub.server = &http.Server{Handler: handler}
	stub.listener = listener
	stub.URL = "http://" + listener.Addr().String()

	go func() {
		_ = stub.server.Serve(listener)
	}()
	t.Cleanup(stub.Close)
	return stub
}

func (s *originStub) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = s.server.Shutdown(ctx)
	_ = s.listener.Close()
}

func (s *originStub) record(r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	s.mu.Lock()
	s.requests = append(s.requests, recordedRequest{
		Method:  r.Method,
		Path:    r.URL.Path,
		Headers: r.Header.Clone(),
		Body:    body,
	})
	s.mu.Unlock()
}

func (s *originStub) Requests() []recordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]recordedRequest(nil), s.requests...)
}

func (s *originStub) setPage(path string, page stubPage) {
	s.mu.Lock()
	s.pages[path] = page
	s.mu.Unlock()
}

type testStack struct {
	app     *fiber.App
	reg     *host.Registration
	storage cache.Storage
	stub    *originStub
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()

	stub := newOriginStub(t)
	cfg := &config.Config{
		Global: config.GlobalConfig{
			ListenPort:      5000,
			StoragePath:     t.TempDir(),
			UpstreamTimeout: config.Duration(5 * time.Second),
		},
		Worker: config.WorkerConfig{
			CacheName:          "bonusperme-v2",
			Origin:             "https://bonusperme.it",
			Upstream:           stub.URL,
			APIMarker:          "/api/",
			Precache:           config.DefaultPrecache,
			NavigationFallback: "/",
			SkipWaiting:        true,
		},
		Passthrough: []config.PassthroughConfig{
			{Name: "fonts", Domain: "fonts.bonusperme.it", Upstream: stub.URL},
		},
	}

	registry, err := server.NewOriginRegistry(cfg)
	if err != nil {
		t.Fatalf("registry error: %v", err)
	}
	storage, err := cache.NewStorage(cache.DriverFS, cfg.Global.StoragePath)
	if err != nil {
		t.Fatalf("storage error: %v", err)
	}
	t.Cleanup(func() { _ = storage.Close() })

	logger := logging.NewDiscardLogger()
	network := server.NewUpstreamFetcher(server.NewUpstreamClient(cfg), registry)

	opts, err := worker.OptionsFromConfig(cfg.Worker)
	if err != nil {
		t.Fatalf("options error: %v", err)
	}
	w, err := worker.New(opts, storage, network, logger)
	if err != nil {
		t.Fatalf("worker error: %v", err)
	}
	reg := host.NewRegistration(logger)
	if err := reg.Register(context.Background(), w); err != nil {
		t.Fatalf("register error: %v", err)
	}

	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      NewForwarder(NewHandler(reg, network, logger), logger),
		ListenPort: 5000,
	})
	if err != nil {
		t.Fatalf("app error: %v", err)
	}
	return &testStack{app: app, reg: reg, storage: storage, stub: stub}
}

func (s *testStack) do(t *testing.T, method, target string, header http.Header, body []byte) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("X-Forwarded-Proto", "https")
	for key, values := range header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	resp, err := s.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	return resp
}

func (s *testStack) get(t *testing.T, target string, header http.Header) (*http.Response, string) {
	t.Helper()
	resp := s.do(t, http.MethodGet, target, header, nil)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	return resp, string(body)
}

func (s *testStack) cachedKeys(t *testing.T) []string {
	t.Helper()
	s.reg.Wait()
	bucket, err := s.storage.Open(context.Background(), "bonusperme-v2")
	if err != nil {
		t.Fatalf("open bucket: %v", err)
	}
	keys, err := bucket.Keys(context.Background())
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	return keys
}

func contains(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}

func TestRegisterPrecachesThroughUpstream(t *testing.T) {
	stack := newTestStack(t)

	keys := stack.cachedKeys(t)
	for _, p := range config.DefaultPrecache {
		if !contains(keys, "https://bonusperme.it"+p) {
			t.Fatalf("expected %s to be precached, got %v", p, keys)
		}
	}
	if len(stack.stub.Requests()) != len(config.DefaultPrecache) {
		t.Fatalf("expected one upstream request per precache path, got %d", len(stack.stub.Requests()))
	}
}

func TestNetworkFirstServesAndCaches(t *testing.T) {
	stack := newTestStack(t)

	resp, body := stack.get(t, "http://bonusperme.it/bonus/casa", nil)
	if resp.StatusCode != fiber.StatusOK || body != "<html>casa</html>" {
		t.Fatalf("unexpected response %d %s", resp.StatusCode, body)
	}
	if src := resp.Header.Get(HeaderSource); src != "network" {
		t.Fatalf("expected network source, got %s", src)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/html" {
		t.Fatalf("expected upstream content type, got %s", ct)
	}
	if !contains(stack.cachedKeys(t), "https://bonusperme.it/bonus/casa") {
		t.Fatalf("200 response should be cached")
	}

	stack.stub.offline.Store(true)
	resp, body = stack.get(t, "http://bonusperme.it/bonus/casa", nil)
	if resp.StatusCode != fiber.StatusOK || body != "<html>casa</html>" {
		t.Fatalf("expected cached copy offline, got %d %s", resp.StatusCode, body)
	}
	if src := resp.Header.Get(HeaderSource); src != "cache" {
		t.Fatalf("expected cache source, got %s", src)
	}
}

func TestNon200IsReturnedButNotCached(t *testing.T) {
	stack := newTestStack(t)

	resp, body := stack.get(t, "http://bonusperme.it/gone", nil)
	if resp.StatusCode != fiber.StatusNotFound || body != "not found" {
		t.Fatalf("expected upstream 404, got %d %s", resp.StatusCode, body)
	}
	if contains(stack.cachedKeys(t), "https://bonusperme.it/gone") {
		t.Fatalf("404 must not be cached")
	}
}

func TestOfflineNavigationFallsBackToShell(t *testing.T) {
	stack := newTestStack(t)
	stack.stub.offline.Store(true)

	header := http.Header{}
	header.Set("Accept", "text/html,application/xhtml+xml")
	resp, body := stack.get(t, "http://bonusperme.it/bonus/mai-visto", header)
	if resp.StatusCode != fiber.StatusOK || body != "<html>shell</html>" {
		t.Fatalf("expected shell fallback, got %d %s", resp.StatusCode, body)
	}
	if src := resp.Header.Get(HeaderSource); src != "fallback" {
		t.Fatalf("expected fallback source, got %s", src)
	}
}

func TestOfflineMissHasNoResponse(t *testing.T) {
	stack := newTestStack(t)
	stack.stub.offline.Store(true)

	header := http.Header{}
	header.Set("Sec-Fetch-Mode", "no-cors")
	header.Set("Sec-Fetch-Dest", "image")
	resp, body := stack.get(t, "http://bonusperme.it/img/logo.svg", header)
	if resp.StatusCode != fiber.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d", resp.StatusCode)
	}
	if body != "" {
		t.Fatalf("no response must not carry a body, got %q", body)
	}
	if src := resp.Header.Get(HeaderSource); src != "none" {
		t.Fatalf("expected none source, got %s", src)
	}
	if !resp.Close && !strings.EqualFold(resp.Header.Get("Connection"), "close") {
		t.Fatalf("connection should be closed")
	}
}

func TestNonGetPassesThroughUncached(t *testing.T) {
	stack := newTestStack(t)
	stack.stub.setPage("/bonus/casa", stubPage{http.StatusOK, "text/html", "posted"})

	resp := stack.do(t, http.MethodPost, "http://bonusperme.it/bonus/casa", nil, []byte("a=1"))
	defer resp.Body.Close()
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected upstream status, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get(HeaderBypass); got != worker.BypassMethod {
		t.Fatalf("expected method bypass, got %s", got)
	}
	if contains(stack.cachedKeys(t), "https://bonusperme.it/bonus/casa") {
		t.Fatalf("non-GET must not be cached")
	}

	requests := stack.stub.Requests()
	last := requests[len(requests)-1]
	if last.Method != http.MethodPost || string(last.Body) != "a=1" {
		t.Fatalf("request should be forwarded untouched, got %s %q", last.Method, last.Body)
	}
}

func TestAPIRequestsBypassCache(t *testing.T) {
	stack := newTestStack(t)

	resp, body := stack.get(t, "http://bonusperme.it/api/bonus", nil)
	if resp.StatusCode != fiber.StatusOK || body != `{"bonus":[]}` {
		t.Fatalf("unexpected api response %d %s", resp.StatusCode, body)
	}
	if got := resp.Header.Get(HeaderBypass); got != worker.BypassAPI {
		t.Fatalf("expected api bypass, got %s", got)
	}
	if contains(stack.cachedKeys(t), "https://bonusperme.it/api/bonus") {
		t.Fatalf("api responses must not be cached")
	}

	stack.stub.offline.Store(true)
	resp, body = stack.get(t, "http://bonusperme.it/api/bonus", nil)
	if resp.StatusCode != fiber.StatusBadGateway {
		t.Fatalf("offline api should fail with 502, got %d", resp.StatusCode)
	}
	var payload map[string]string
	if err := json.Unmarshal([]byte(body), &payload); err != nil || payload["error"] != "upstream_failed" {
		t.Fatalf("expected upstream_failed, got %s", body)
	}
}

func TestCrossOriginPassesThrough(t *testing.T) {
	stack := newTestStack(t)
	stack.stub.setPage("/s/inter.woff2", stubPage{http.StatusOK, "font/woff2", "woff2"})

	resp, body := stack.get(t, "http://fonts.bonusperme.it/s/inter.woff2", nil)
	if resp.StatusCode != fiber.StatusOK || body != "woff2" {
		t.Fatalf("unexpected passthrough response %d %s", resp.StatusCode, body)
	}
	if got := resp.Header.Get(HeaderBypass); got != worker.BypassCrossOrigin {
		t.Fatalf("expected cross-origin bypass, got %s", got)
	}
	for _, key := range stack.cachedKeys(t) {
		if strings.Contains(key, "fonts.bonusperme.it") {
			t.Fatalf("cross-origin response must not be cached: %s", key)
		}
	}
}

func TestClientHeaderBindsController(t *testing.T) {
	stack := newTestStack(t)

	header := http.Header{}
	header.Set(HeaderClientID, "tab-1")
	resp, _ := stack.get(t, "http://bonusperme.it/manifest.json", header)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	snap := stack.reg.Snapshot()
	if snap.Clients != 1 || snap.Active.Clients != 1 {
		t.Fatalf("client should be bound to the active worker, got %+v", snap)
	}
}

func TestBuildFetchRequestModes(t *testing.T) {
	testCases := []struct {
		name   string
		method string
		header map[string]string
		want   fetch.Mode
	}{
		{"sec-fetch navigate", http.MethodGet, map[string]string{"Sec-Fetch-Mode": "navigate"}, fetch.ModeNavigate},
		{"document dest", http.MethodGet, map[string]string{"Sec-Fetch-Dest": "document"}, fetch.ModeNavigate},
		{"html accept", http.MethodGet, map[string]string{"Accept": "text/html"}, fetch.ModeNavigate},
		{"image", http.MethodGet, map[string]string{"Accept": "image/avif,image/*"}, fetch.ModeNoCORS},
		{"post", http.MethodPost, map[string]string{"Accept": "text/html"}, fetch.ModeCORS},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var got *fetch.Request
			app := fiber.New()
			app.All("/*", func(c fiber.Ctx) error {
				req, err := buildFetchRequest(c)
				if err != nil {
					return err
				}
				got = req
				return c.SendStatus(fiber.StatusNoContent)
			})

			req := httptest.NewRequest(tc.method, "http://bonusperme.it/bonus?id=7", nil)
			for k, v := range tc.header {
				req.Header.Set(k, v)
			}
			if _, err := app.Test(req); err != nil {
				t.Fatalf("app.Test error: %v", err)
			}
			if got == nil {
				t.Fatalf("handler not invoked")
			}
			if got.Mode != tc.want {
				t.Fatalf("expected mode %s, got %s", tc.want, got.Mode)
			}
			if got.Identity() != "http://bonusperme.it/bonus?id=7" {
				t.Fatalf("unexpected identity %s", got.Identity())
			}
			if got.Header.Get("Host") != "" {
				t.Fatalf("host header should not be forwarded as a field")
			}
		})
	}
}

func TestBuildFetchRequestTargetForms(t *testing.T) {
	testCases := []struct {
		name       string
		requestURI string
	}{
		{"origin form", "/bonus?id=7"},
		{"absolute form", "http://bonusperme.it/bonus?id=7"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var got *fetch.Request
			app := fiber.New()
			app.All("/*", func(c fiber.Ctx) error {
				req, err := buildFetchRequest(c)
				if err != nil {
					return err
				}
				got = req
				return c.SendStatus(fiber.StatusNoContent)
			})

			req := httptest.NewRequest(http.MethodGet, "http://bonusperme.it/bonus?id=7", nil)
			req.RequestURI = tc.requestURI
			if _, err := app.Test(req); err != nil {
				t.Fatalf("app.Test error: %v", err)
			}
			if got == nil {
				t.Fatalf("handler not invoked")
			}
			if got.Identity() != "http://bonusperme.it/bonus?id=7" {
				t.Fatalf("unexpected identity %s", got.Identity())
			}
			if got.Origin() != "http://bonusperme.it" {
				t.Fatalf("unexpected origin %s", got.Origin())
			}
		})
	}
}
