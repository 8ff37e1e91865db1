// Package fetch defines the request/response values exchanged between the HTTP
// edge, the cache proxy worker, the cache store and the network stack. Responses
// are held fully in memory so that a snapshot can be cloned and written to the
// cache while the original is returned to the page.
package fetch

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Mode 对应页面发起请求时的模式，目前只关心是否为顶层导航。
type Mode string

const (
	ModeNavigate   Mode = "navigate"
	ModeSameOrigin Mode = "same-origin"
	ModeNoCORS     Mode = "no-cors"
	ModeCORS       Mode = "cors"
)

// Request 描述一次被拦截的页面请求。URL 必须是绝对地址。
type Request struct {
	Method   string
	URL      *url.URL
	Header   http.Header
	Body     []byte
	Mode     Mode
	ClientID string
	// Passthrough 表示 worker 放行了该请求，响应不会进入缓存，网络栈按原样保留
	// Accept-Encoding 等协商头。
	Passthrough bool
}

// NewRequest 构造一个 GET 请求，常用于预缓存和导航兜底。
func NewRequest(rawURL string) (*Request, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	return &Request{
		Method: http.MethodGet,
		URL:    parsed,
		Header: http.Header{},
	}, nil
}

// Identity 返回缓存使用的请求标识：去掉 fragment 的绝对 URL。
func (r *Request) Identity() string {
	if r == nil || r.URL == nil {
		return ""
	}
	u := *r.URL
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}

// Origin 返回 scheme://host 形式的来源。
func (r *Request) Origin() string {
	if r == nil || r.URL == nil {
		return ""
	}
	return OriginOf(r.URL)
}

// IsNavigation reports whether the request is a top-level document load.
func (r *Request) IsNavigation() bool {
	return r != nil && r.Mode == ModeNavigate
}

// OriginOf normalises scheme and host so that origins compare case-insensitively.
func OriginOf(u *url.URL) string {
	if u == nil || u.Host == "" {
		return ""
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host)
}

// Response 是一次网络响应或缓存条目的完整快照。
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// StoredAt 仅对来自缓存的快照有意义。
	StoredAt time.Time
}

// OK 与浏览器 Response.ok 一致：2xx 视为成功。
func (r *Response) OK() bool {
	return r != nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// Clone 深拷贝响应，拷贝后的快照与原响应互不影响。
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	cloned := &Response{
		StatusCode: r.StatusCode,
		Header:     r.Header.Clone(),
		Body:       append([]byte(nil), r.Body...),
		StoredAt:   r.StoredAt,
	}
	if cloned.Header == nil {
		cloned.Header = http.Header{}
	}
	return cloned
}

// privateHeaders 只属于单个用户的响应头，共享缓存中的快照不保留它们。
var privateHeaders = []string{"Set-Cookie", "Set-Cookie2"}

// Shareable 返回可写入共享缓存的快照：深拷贝并去掉 Set-Cookie。
func (r *Response) Shareable() *Response {
	cloned := r.Clone()
	if cloned == nil {
		return nil
	}
	for _, key := range privateHeaders {
		cloned.Header.Del(key)
	}
	return cloned
}

// Fetcher 代表网络栈：任何传输层失败都以 error 返回，HTTP 状态码一律视为响应。
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, req *Request) (*Response, error)

// Fetch makes FetcherFunc satisfy Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// ModeFromHeaders 根据 Sec-Fetch-* 与 Accept 推断请求模式。
func ModeFromHeaders(method string, header http.Header) Mode {
	if mode := strings.ToLower(strings.TrimSpace(header.Get("Sec-Fetch-Mode"))); mode != "" {
		return Mode(mode)
	}
	if method != http.MethodGet {
		return ModeCORS
	}
	if strings.EqualFold(header.Get("Sec-Fetch-Dest"), "document") {
		return ModeNavigate
	}
	if prefersHTML(header.Get("Accept")) {
		return ModeNavigate
	}
	return ModeNoCORS
}

func prefersHTML(accept string) bool {
	if accept == "" {
		return false
	}
	first := strings.TrimSpace(strings.Split(accept, ",")[0])
	if idx := strings.Index(first, ";"); idx >= 0 {
		first = first[:idx]
	}
	return strings.EqualFold(first, "text/html")
}
