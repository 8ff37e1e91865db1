package host

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bonusperme/swcache/internal/cache"
	"github.com/bonusperme/swcache/internal/fetch"
	"github.com/bonusperme/swcache/internal/worker"
)

const testOrigin = "https://bonusperme.it"

type stubNetwork struct {
	offline atomic.Bool
	failing atomic.Bool
}

func (n *stubNetwork) Fetch(_ context.Context, req *fetch.Request) (*fetch.Response, error) {
	if n.offline.Load() {
		return nil, errors.New("connection refused")
	}
	if n.failing.Load() && req.URL.Path == "/manifest.json" {
		return &fetch.Response{StatusCode: http.StatusInternalServerError}, nil
	}
	return &fetch.Response{StatusCode: http.StatusOK, Body: []byte("body " + req.URL.Path)}, nil
}

func newStorage(t *testing.T) cache.Storage {
	t.Helper()
	storage, err := cache.NewFileStorage(t.TempDir())
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	t.Cleanup(func() { _ = storage.Close() })
	return storage
}

// gatedStorage 在 Keys 处阻塞，用来把激活（驱逐旧缓存）停在中途。
type gatedStorage struct {
	cache.Storage
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *gatedStorage) Keys(ctx context.Context) ([]string, error) {
	s.once.Do(func() { close(s.entered) })
	<-s.release
	return s.Storage.Keys(ctx)
}

func newWorker(t *testing.T, storage cache.Storage, network fetch.Fetcher, cacheName string, skip bool) *worker.Worker {
	t.Helper()
	origin, _ := url.Parse(testOrigin)
	w, err := worker.New(worker.Options{
		CacheName:          cacheName,
		Origin:             origin,
		APIMarker:          "/api/",
		Precache:           []string{"/", "/manifest.json"},
		NavigationFallback: "/",
		SkipWaiting:        skip,
	}, storage, network, nil)
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	return w
}

func get(t *testing.T, path string) *fetch.Request {
	t.Helper()
	req, err := fetch.NewRequest(testOrigin + path)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	return req
}

func TestDispatchWithoutWorkerPassesThrough(t *testing.T) {
	reg := NewRegistration(nil)
	outcome := reg.Dispatch(context.Background(), "tab-1", get(t, "/"))
	if outcome.Kind != worker.Passthrough || outcome.Reason != worker.BypassNoWorker {
		t.Fatalf("expected no-worker passthrough, got %+v", outcome)
	}
	if err := reg.Claim(context.Background()); !errors.Is(err, ErrNoWorker) {
		t.Fatalf("claim without worker should fail, got %v", err)
	}
}

func TestRegisterActivatesFirstWorker(t *testing.T) {
	storage := newStorage(t)
	reg := NewRegistration(nil)
	w := newWorker(t, storage, &stubNetwork{}, "bonusperme-v2", true)

	if err := reg.Register(context.Background(), w); err != nil {
		t.Fatalf("register: %v", err)
	}
	if w.State() != worker.StateActivated {
		t.Fatalf("expected activated, got %s", w.State())
	}
	if reg.Active() != w {
		t.Fatalf("worker should be active")
	}

	outcome := reg.Dispatch(context.Background(), "tab-1", get(t, "/manifest.json"))
	if outcome.Kind != worker.Respond || outcome.Source != worker.SourceNetwork {
		t.Fatalf("expected network response, got %+v", outcome)
	}
	reg.Wait()
}

func TestRegisterFailedInstallKeepsActiveWorker(t *testing.T) {
	storage := newStorage(t)
	reg := NewRegistration(nil)
	v1 := newWorker(t, storage, &stubNetwork{}, "bonusperme-v1", true)
	if err := reg.Register(context.Background(), v1); err != nil {
		t.Fatalf("register v1: %v", err)
	}

	broken := &stubNetwork{}
	broken.failing.Store(true)
	v2 := newWorker(t, storage, broken, "bonusperme-v2", true)
	if err := reg.Register(context.Background(), v2); !errors.Is(err, cache.ErrAddAllFailed) {
		t.Fatalf("expected install failure, got %v", err)
	}
	if v2.State() != worker.StateRedundant {
		t.Fatalf("failed worker should be redundant, got %s", v2.State())
	}
	if reg.Active() != v1 || v1.State() != worker.StateActivated {
		t.Fatalf("previous worker must stay active")
	}
	names, _ := storage.Keys(context.Background())
	if !reflect.DeepEqual(names, []string{"bonusperme-v1", "bonusperme-v2"}) {
		t.Fatalf("failed install must not evict caches, got %v", names)
	}
}

func TestNewVersionEvictsOldBucketAndClaimsClients(t *testing.T) {
	storage := newStorage(t)
	ctx := context.Background()
	reg := NewRegistration(nil)

	v1 := newWorker(t, storage, &stubNetwork{}, "bonusperme-v1", true)
	if err := reg.Register(ctx, v1); err != nil {
		t.Fatalf("register v1: %v", err)
	}
	reg.Dispatch(ctx, "tab-1", get(t, "/"))
	reg.Wait()

	v2 := newWorker(t, storage, &stubNetwork{}, "bonusperme-v2", true)
	if err := reg.Register(ctx, v2); err != nil {
		t.Fatalf("register v2: %v", err)
	}

	if v1.State() != worker.StateRedundant {
		t.Fatalf("old worker should be redundant, got %s", v1.State())
	}
	names, _ := storage.Keys(ctx)
	if !reflect.DeepEqual(names, []string{"bonusperme-v2"}) {
		t.Fatalf("expected only v2 bucket, got %v", names)
	}

	snap := reg.Snapshot()
	if snap.Active == nil || snap.Active.CacheName != "bonusperme-v2" || snap.Active.Clients != 1 {
		t.Fatalf("existing client should be claimed by v2, got %+v", snap.Active)
	}
}

func TestWaitingWorkerActivatesAfterRelease(t *testing.T) {
	storage := newStorage(t)
	ctx := context.Background()
	reg := NewRegistration(nil)

	v1 := newWorker(t, storage, &stubNetwork{}, "bonusperme-v1", false)
	if err := reg.Register(ctx, v1); err != nil {
		t.Fatalf("register v1: %v", err)
	}
	reg.Dispatch(ctx, "tab-1", get(t, "/"))

	v2 := newWorker(t, storage, &stubNetwork{}, "bonusperme-v2", false)
	if err := reg.Register(ctx, v2); err != nil {
		t.Fatalf("register v2: %v", err)
	}
	if v2.State() != worker.StateInstalled {
		t.Fatalf("v2 should wait while v1 controls a client, got %s", v2.State())
	}
	snap := reg.Snapshot()
	if snap.Waiting == nil || snap.Waiting.CacheName != "bonusperme-v2" {
		t.Fatalf("expected waiting v2, got %+v", snap)
	}

	if err := reg.Release(ctx, "tab-1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if reg.Active() != v2 || v2.State() != worker.StateActivated {
		t.Fatalf("v2 should activate after last client is released")
	}
	if reg.Snapshot().Waiting != nil {
		t.Fatalf("no worker should be waiting")
	}
	reg.Wait()
}

func TestUnclaimedClientKeepsController(t *testing.T) {
	storage := newStorage(t)
	ctx := context.Background()
	reg := NewRegistration(nil)

	network := &stubNetwork{}
	v1 := newWorker(t, storage, network, "bonusperme-v1", true)
	if err := reg.Register(ctx, v1); err != nil {
		t.Fatalf("register v1: %v", err)
	}
	if got := reg.controller("tab-1"); got != v1 {
		t.Fatalf("new client should bind to active worker")
	}

	// 模拟尚未 claim 的瞬间：直接切换 active，不调用 Claim。
	v2 := newWorker(t, storage, network, "bonusperme-v2", true)
	reg.mu.Lock()
	reg.active = v2
	reg.mu.Unlock()

	if got := reg.controller("tab-1"); got != v1 {
		t.Fatalf("unclaimed client should keep its controller")
	}
	if got := reg.controller("tab-2"); got != v2 {
		t.Fatalf("new client should bind to the new active worker")
	}
	if err := reg.Claim(ctx); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if got := reg.controller("tab-1"); got != v2 {
		t.Fatalf("claim should switch every client")
	}
}

func TestDispatchWaitsForActivation(t *testing.T) {
	storage := &gatedStorage{
		Storage: newStorage(t),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	ctx := context.Background()
	reg := NewRegistration(nil)
	v1 := newWorker(t, storage, &stubNetwork{}, "bonusperme-v1", true)

	registered := make(chan error, 1)
	go func() { registered <- reg.Register(ctx, v1) }()
	<-storage.entered

	req := get(t, "/manifest.json")
	dispatched := make(chan worker.Outcome, 1)
	go func() { dispatched <- reg.Dispatch(ctx, "tab-1", req) }()

	select {
	case outcome := <-dispatched:
		t.Fatalf("fetch must wait for activation, got %+v while %s", outcome, v1.State())
	case <-time.After(50 * time.Millisecond):
	}

	close(storage.release)
	if err := <-registered; err != nil {
		t.Fatalf("register: %v", err)
	}
	outcome := <-dispatched
	if outcome.Kind != worker.Respond || outcome.CacheName != "bonusperme-v1" {
		t.Fatalf("expected response from activated worker, got %+v", outcome)
	}
	if v1.State() != worker.StateActivated {
		t.Fatalf("expected activated, got %s", v1.State())
	}
	reg.Wait()
}

func TestDispatchCancelledDuringActivation(t *testing.T) {
	storage := &gatedStorage{
		Storage: newStorage(t),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	reg := NewRegistration(nil)
	v1 := newWorker(t, storage, &stubNetwork{}, "bonusperme-v1", true)

	registered := make(chan error, 1)
	go func() { registered <- reg.Register(context.Background(), v1) }()
	<-storage.entered

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	outcome := reg.Dispatch(ctx, "tab-1", get(t, "/"))
	if outcome.Kind != worker.NoResponse || !errors.Is(outcome.Err, context.Canceled) {
		t.Fatalf("expected cancelled dispatch, got %+v", outcome)
	}

	close(storage.release)
	if err := <-registered; err != nil {
		t.Fatalf("register: %v", err)
	}
}
