package worker

import "github.com/bonusperme/swcache/internal/fetch"

// Kind 描述 worker 对一次 fetch 事件的处置方式。
type Kind int

const (
	// Passthrough 表示 worker 不介入，请求原样交给网络栈。
	Passthrough Kind = iota
	// Respond 表示 worker 给出了响应（来自网络或缓存）。
	Respond
	// NoResponse 表示网络失败且缓存无可用条目，页面应观察到失败的请求。
	NoResponse
)

func (k Kind) String() string {
	switch k {
	case Passthrough:
		return "passthrough"
	case Respond:
		return "respond"
	case NoResponse:
		return "no_response"
	default:
		return "unknown"
	}
}

// Source 标识 Respond 时响应的来源。
type Source string

const (
	SourceNetwork  Source = "network"
	SourceCache    Source = "cache"
	SourceFallback Source = "fallback"
	SourceNone     Source = "none"
)

// Bypass reasons reported with Passthrough outcomes.
const (
	BypassMethod      = "method"
	BypassAPI         = "api"
	BypassCrossOrigin = "cross_origin"
	BypassNoWorker    = "no_worker"
)

// Outcome 是 OnFetch 的结果。
type Outcome struct {
	Kind     Kind
	Response *fetch.Response
	Source   Source
	// Reason 仅在 Passthrough 时填写。
	Reason string
	// Err 记录导致回退的网络错误。
	Err error
	// CacheName 是处理该事件的 worker 版本，没有 worker 时为空。
	CacheName string
}
