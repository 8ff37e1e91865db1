package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/bonusperme/swcache/internal/cache"
	"github.com/bonusperme/swcache/internal/config"
	"github.com/bonusperme/swcache/internal/fetch"
	"github.com/bonusperme/swcache/internal/logging"
	"github.com/bonusperme/swcache/internal/telemetry"
)

// Host 是 worker 在生命周期回调中可以调用的宿主能力。
type Host interface {
	// SkipWaiting 请求安装完成后立即激活，不等待旧版本的页面关闭。
	SkipWaiting()
	// Claim 让当前激活的 worker 立即接管所有已打开的页面。
	Claim(ctx context.Context) error
}

// Options 是启动时注入的 worker 配置，取代全局常量。
type Options struct {
	CacheName          string
	Origin             *url.URL
	APIMarker          string
	Precache           []string
	NavigationFallback string
	SkipWaiting        bool
}

// OptionsFromConfig 将 [Worker] 配置段转换为 Options。
func OptionsFromConfig(cfg config.WorkerConfig) (Options, error) {
	origin, err := url.Parse(cfg.Origin)
	if err != nil {
		return Options{}, fmt.Errorf("parse worker origin: %w", err)
	}
	return Options{
		CacheName:          cfg.CacheName,
		Origin:             origin,
		APIMarker:          cfg.APIMarker,
		Precache:           append([]string(nil), cfg.Precache...),
		NavigationFallback: cfg.NavigationFallback,
		SkipWaiting:        cfg.SkipWaiting,
	}, nil
}

// Worker 是一个版本的缓存代理。同一进程内可以同时存在新旧两个实例，
// 由 host 决定哪个处于控制状态。
type Worker struct {
	opts    Options
	origin  string
	storage cache.Storage
	network fetch.Fetcher
	logger  *logrus.Logger
	tracer  trace.Tracer
	now     func() time.Time

	mu     sync.RWMutex
	state  State
	bucket cache.Bucket

	writes sync.WaitGroup
}

// New 创建处于 parsed 状态的 worker。
func New(opts Options, storage cache.Storage, network fetch.Fetcher, logger *logrus.Logger) (*Worker, error) {
	if strings.TrimSpace(opts.CacheName) == "" {
		return nil, errors.New("cache name is required")
	}
	if opts.Origin == nil || opts.Origin.Host == "" {
		return nil, errors.New("worker origin is required")
	}
	if storage == nil {
		return nil, errors.New("cache storage is required")
	}
	if network == nil {
		return nil, errors.New("network fetcher is required")
	}
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	if opts.APIMarker == "" {
		opts.APIMarker = "/api/"
	}
	if opts.NavigationFallback == "" {
		opts.NavigationFallback = "/"
	}

	return &Worker{
		opts:    opts,
		origin:  fetch.OriginOf(opts.Origin),
		storage: storage,
		network: network,
		logger:  logger,
		tracer:  telemetry.Tracer(),
		now:     time.Now,
		state:   StateParsed,
	}, nil
}

// CacheName 返回该 worker 的版本标签。
func (w *Worker) CacheName() string {
	return w.opts.CacheName
}

// State 返回当前生命周期状态。
func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

// Transition 由 host 调用，推进生命周期状态。
func (w *Worker) Transition(next State) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := checkTransition(w.state, next); err != nil {
		return err
	}
	w.state = next
	return nil
}

// Wait 阻塞直到所有异步缓存写入完成。
func (w *Worker) Wait() {
	w.writes.Wait()
}

// OnInstall 打开当前版本的 bucket 并写入预缓存列表，任一资源失败则整体失败。
func (w *Worker) OnInstall(ctx context.Context, host Host) error {
	ctx, span := w.tracer.Start(ctx, "worker.install",
		trace.WithAttributes(attribute.String("swcache.cache_name", w.opts.CacheName)))
	defer span.End()

	if host != nil && w.opts.SkipWaiting {
		host.SkipWaiting()
	}

	bucket, err := w.storage.Open(ctx, w.opts.CacheName)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "open_bucket")
		return fmt.Errorf("open cache %s: %w", w.opts.CacheName, err)
	}

	reqs, err := w.precacheRequests()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "precache_list")
		return err
	}
	if err := cache.AddAll(ctx, bucket, w.network, reqs); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "precache")
		return err
	}

	w.mu.Lock()
	w.bucket = bucket
	w.mu.Unlock()

	fields := logging.WorkerFields("install", w.opts.CacheName, string(StateInstalling))
	fields["precached"] = len(reqs)
	w.logger.WithFields(fields).Info("precache_complete")
	return nil
}

// OnActivate 删除当前版本之外的全部 bucket，等待删除完成后接管所有页面。
func (w *Worker) OnActivate(ctx context.Context, host Host) error {
	ctx, span := w.tracer.Start(ctx, "worker.activate",
		trace.WithAttributes(attribute.String("swcache.cache_name", w.opts.CacheName)))
	defer span.End()

	evicted, evictErr := w.evictStale(ctx)
	if evictErr != nil {
		span.RecordError(evictErr)
		span.SetStatus(codes.Error, "evict")
	}
	span.SetAttributes(attribute.StringSlice("swcache.evicted", evicted))

	fields := logging.WorkerFields("activate", w.opts.CacheName, string(StateActivating))
	fields["evicted"] = evicted
	if evictErr != nil {
		w.logger.WithFields(fields).WithError(evictErr).Warn("cache_evict_failed")
	} else {
		w.logger.WithFields(fields).Info("cache_evict_complete")
	}

	if host != nil {
		if err := host.Claim(ctx); err != nil {
			return errors.Join(evictErr, fmt.Errorf("claim clients: %w", err))
		}
	}
	return evictErr
}

func (w *Worker) evictStale(ctx context.Context) ([]string, error) {
	names, err := w.storage.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list caches: %w", err)
	}

	var (
		mu      sync.Mutex
		evicted []string
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, name := range names {
		if name == w.opts.CacheName {
			continue
		}
		g.Go(func() error {
			deleted, err := w.storage.Delete(gctx, name)
			if err != nil {
				return fmt.Errorf("delete cache %s: %w", name, err)
			}
			if deleted {
				mu.Lock()
				evicted = append(evicted, name)
				mu.Unlock()
			}
			return nil
		})
	}
	err = g.Wait()
	return evicted, err
}

// OnFetch 对同源、非 API 的 GET 请求执行 network-first 策略，其余请求直接放行。
func (w *Worker) OnFetch(ctx context.Context, req *fetch.Request) Outcome {
	ctx, span := w.tracer.Start(ctx, "worker.fetch", trace.WithAttributes(
		attribute.String("swcache.cache_name", w.opts.CacheName),
		attribute.String("http.request.method", req.Method),
		attribute.String("url.full", req.Identity()),
	))
	defer span.End()

	outcome := w.handleFetch(ctx, req)
	outcome.CacheName = w.opts.CacheName
	span.SetAttributes(
		attribute.String("swcache.outcome", outcome.Kind.String()),
		attribute.String("swcache.source", string(outcome.Source)),
	)
	if outcome.Reason != "" {
		span.SetAttributes(attribute.String("swcache.bypass", outcome.Reason))
	}
	if outcome.Err != nil {
		span.RecordError(outcome.Err)
	}
	return outcome
}

func (w *Worker) handleFetch(ctx context.Context, req *fetch.Request) Outcome {
	if reason := w.bypassReason(req); reason != "" {
		return Outcome{Kind: Passthrough, Reason: reason}
	}

	resp, err := w.network.Fetch(ctx, req)
	if err == nil {
		if resp.StatusCode == http.StatusOK {
			snapshot := resp.Shareable()
			snapshot.StoredAt = w.now().UTC()
			w.storeAsync(ctx, req, snapshot)
		}
		return Outcome{Kind: Respond, Response: resp, Source: SourceNetwork}
	}

	return w.fallback(ctx, req, err)
}

// bypassReason 返回放行原因；空字符串表示由 worker 处理。
func (w *Worker) bypassReason(req *fetch.Request) string {
	if req == nil || req.URL == nil {
		return BypassCrossOrigin
	}
	if req.Method != http.MethodGet {
		return BypassMethod
	}
	if strings.Contains(req.URL.String(), w.opts.APIMarker) {
		return BypassAPI
	}
	if req.Origin() != w.origin {
		return BypassCrossOrigin
	}
	return ""
}

func (w *Worker) fallback(ctx context.Context, req *fetch.Request, netErr error) Outcome {
	bucket, err := w.currentBucket(ctx)
	if err != nil {
		w.logFallback(req, "", netErr, err)
		return Outcome{Kind: NoResponse, Source: SourceNone, Err: netErr}
	}

	if cached, ok := w.match(ctx, bucket, req); ok {
		w.logFallback(req, SourceCache, netErr, nil)
		return Outcome{Kind: Respond, Response: cached, Source: SourceCache, Err: netErr}
	}

	if req.IsNavigation() {
		shell, err := w.resolve(w.opts.NavigationFallback)
		if err == nil {
			if cached, ok := w.match(ctx, bucket, shell); ok {
				w.logFallback(req, SourceFallback, netErr, nil)
				return Outcome{Kind: Respond, Response: cached, Source: SourceFallback, Err: netErr}
			}
		}
	}

	w.logFallback(req, SourceNone, netErr, nil)
	return Outcome{Kind: NoResponse, Source: SourceNone, Err: netErr}
}

func (w *Worker) match(ctx context.Context, bucket cache.Bucket, req *fetch.Request) (*fetch.Response, bool) {
	cached, err := bucket.Match(ctx, req)
	switch {
	case err == nil:
		return cached, true
	case errors.Is(err, cache.ErrNotFound):
		return nil, false
	default:
		w.logger.WithError(err).WithFields(logrus.Fields{
			"action":     "fetch",
			"cache_name": w.opts.CacheName,
			"url":        req.Identity(),
		}).Warn("cache_match_failed")
		return nil, false
	}
}

// storeAsync 写入缓存快照，不阻塞响应，也不受请求取消影响。写入失败只记录日志。
func (w *Worker) storeAsync(ctx context.Context, req *fetch.Request, snapshot *fetch.Response) {
	ctx = context.WithoutCancel(ctx)
	identity := req.Identity()
	w.writes.Add(1)
	go func() {
		defer w.writes.Done()
		bucket, err := w.currentBucket(ctx)
		if err == nil {
			err = bucket.Put(ctx, req, snapshot)
		}
		if err != nil {
			w.logger.WithError(err).WithFields(logrus.Fields{
				"action":     "cache_put",
				"cache_name": w.opts.CacheName,
				"url":        identity,
			}).Warn("cache_put_failed")
			return
		}
		w.logger.WithFields(logrus.Fields{
			"action":     "cache_put",
			"cache_name": w.opts.CacheName,
			"url":        identity,
			"size_bytes": len(snapshot.Body),
		}).Debug("cache_put_complete")
	}()
}

// currentBucket 返回安装时打开的 bucket；未安装过的实例按需打开。
func (w *Worker) currentBucket(ctx context.Context) (cache.Bucket, error) {
	w.mu.RLock()
	bucket := w.bucket
	w.mu.RUnlock()
	if bucket != nil {
		return bucket, nil
	}

	opened, err := w.storage.Open(ctx, w.opts.CacheName)
	if err != nil {
		return nil, err
	}
	w.mu.Lock()
	if w.bucket == nil {
		w.bucket = opened
	}
	bucket = w.bucket
	w.mu.Unlock()
	return bucket, nil
}

func (w *Worker) precacheRequests() ([]*fetch.Request, error) {
	reqs := make([]*fetch.Request, 0, len(w.opts.Precache))
	for _, p := range w.opts.Precache {
		req, err := w.resolve(p)
		if err != nil {
			return nil, fmt.Errorf("precache %s: %w", p, err)
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}

// resolve 将站内路径解析为同源的 GET 请求。
func (w *Worker) resolve(p string) (*fetch.Request, error) {
	ref, err := url.Parse(p)
	if err != nil {
		return nil, err
	}
	return &fetch.Request{
		Method: http.MethodGet,
		URL:    w.opts.Origin.ResolveReference(ref),
		Header: http.Header{},
	}, nil
}

func (w *Worker) logFallback(req *fetch.Request, source Source, netErr, cacheErr error) {
	fields := logging.FetchFields(
		w.opts.CacheName,
		req.Method,
		req.Identity(),
		string(req.Mode),
		"fallback",
		string(source),
	)
	if netErr != nil {
		fields["network_error"] = netErr.Error()
	}
	if cacheErr != nil {
		w.logger.WithFields(fields).WithError(cacheErr).Warn("cache_open_failed")
		return
	}
	if source == SourceNone {
		w.logger.WithFields(fields).Warn("offline_miss")
		return
	}
	w.logger.WithFields(fields).Info("offline_hit")
}
