package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"path"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/bonusperme/swcache/internal/config"
	"github.com/bonusperme/swcache/internal/fetch"
)

// ErrOriginUnmapped 表示请求的目标来源没有配置上游，网络栈将其视为网络失败。
var ErrOriginUnmapped = errors.New("origin has no upstream")

// Shared HTTP transport tunings，复用长连接并集中配置超时。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// NewUpstreamClient 返回共享 http.Client。重定向原样交还给页面，与浏览器 fetch 的
// redirect: manual 行为一致。
func NewUpstreamClient(cfg *config.Config) *http.Client {
	timeout := 30 * time.Second
	if cfg != nil && cfg.Global.UpstreamTimeout.DurationValue() > 0 {
		timeout = cfg.Global.UpstreamTimeout.DurationValue()
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: defaultTransport.Clone(),
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// UpstreamFetcher 是 worker 看到的网络栈：按请求 URL 的 host 找到上游并完成一次往返。
// 传输层失败返回 error，任何 HTTP 状态码都作为响应返回。
type UpstreamFetcher struct {
	client   *http.Client
	registry *OriginRegistry
}

// NewUpstreamFetcher 使用共享 client 与 registry 构造 fetcher。
func NewUpstreamFetcher(client *http.Client, registry *OriginRegistry) *UpstreamFetcher {
	if client == nil {
		client = NewUpstreamClient(nil)
	}
	return &UpstreamFetcher{client: client, registry: registry}
}

// Fetch 实现 fetch.Fetcher。
func (f *UpstreamFetcher) Fetch(ctx context.Context, req *fetch.Request) (*fetch.Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("request url is required")
	}
	route, ok := f.registry.Lookup(req.URL.Host)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOriginUnmapped, req.URL.Host)
	}

	httpReq, err := buildUpstreamRequest(ctx, route, req)
	if err != nil {
		return nil, err
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}

	header := http.Header{}
	CopyHeaders(header, resp.Header)
	return &fetch.Response{
		StatusCode: resp.StatusCode,
		Header:     header,
		Body:       body,
	}, nil
}

func buildUpstreamRequest(ctx context.Context, route *OriginRoute, req *fetch.Request) (*http.Request, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader = http.NoBody
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	target := resolveUpstreamURL(route.UpstreamURL, req.URL)
	httpReq, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, err
	}

	CopyHeaders(httpReq.Header, req.Header)
	if !req.Passthrough {
		// 可能进入缓存的响应交给 Transport 解压，缓存内保存解压后的正文。
		httpReq.Header.Del("Accept-Encoding")
	}
	httpReq.Header.Del("Content-Length")
	httpReq.Host = target.Host
	httpReq.Header.Set("X-Forwarded-Host", req.URL.Host)
	httpReq.Header.Set("X-Forwarded-Proto", req.URL.Scheme)
	if route.ListenPort > 0 {
		httpReq.Header.Set("X-Forwarded-Port", fmt.Sprintf("%d", route.ListenPort))
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))
	return httpReq, nil
}

// resolveUpstreamURL 把页面 URL 的 path/query 拼接到上游地址之后。
func resolveUpstreamURL(base, page *url.URL) *url.URL {
	target := *base
	joined := path.Join("/", strings.TrimSuffix(base.Path, "/"), page.Path)
	if strings.HasSuffix(page.Path, "/") && !strings.HasSuffix(joined, "/") {
		joined += "/"
	}
	target.Path = joined
	target.RawPath = ""
	target.RawQuery = page.RawQuery
	target.Fragment = ""
	return &target
}

// hopByHopHeaders 定义 RFC 7230 中禁止代理转发的头部。
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Proxy-Connection":    {}, // 非标准字段，但部分代理仍使用
}

// CopyHeaders 将 src 中允许透传的头复制到 dst，自动忽略 hop-by-hop 字段。
func CopyHeaders(dst, src http.Header) {
	for key, values := range src {
		if IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

// IsHopByHopHeader reports whether the header should be stripped by proxies.
func IsHopByHopHeader(key string) bool {
	_, ok := hopByHopHeaders[textproto.CanonicalMIMEHeaderKey(key)]
	return ok
}

var _ fetch.Fetcher = (*UpstreamFetcher)(nil)
