package server

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/bonusperme/swcache/internal/config"
)

// WorkerRouteName 是 worker 作用域来源在 registry 中的名称。
const WorkerRouteName = "worker"

// OriginRoute 将一个对外来源与其真实上游聚合在一起，供路由层与网络栈复用，避免重复解析配置。
type OriginRoute struct {
	// Name 为 "worker" 或 [[Passthrough]] 中声明的名称。
	Name   string
	Domain string
	// UpstreamURL 在构造 Registry 时提前解析完成。
	UpstreamURL *url.URL
	// Scoped 为 true 表示该来源属于 worker 作用域，请求会交给 worker 处理。
	Scoped bool
	// ListenPort 记录当前 CLI 监听端口，方便日志/转发头输出。
	ListenPort int
}

// OriginRegistry 提供 Host/Host:port 到 OriginRoute 的查询能力，所有来源共享同一个监听端口。
type OriginRegistry struct {
	routes  map[string]*OriginRoute
	ordered []*OriginRoute
}

// NewOriginRegistry 根据配置构建 Host 映射。调用方应在启动阶段创建一次并复用。
func NewOriginRegistry(cfg *config.Config) (*OriginRegistry, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}

	registry := &OriginRegistry{
		routes: make(map[string]*OriginRoute, len(cfg.Passthrough)+1),
	}

	if err := registry.add(&OriginRoute{
		Name:       WorkerRouteName,
		Domain:     cfg.Worker.OriginHost(),
		Scoped:     true,
		ListenPort: cfg.Global.ListenPort,
	}, cfg.Worker.Upstream); err != nil {
		return nil, err
	}

	for _, entry := range cfg.Passthrough {
		if err := registry.add(&OriginRoute{
			Name:       entry.Name,
			Domain:     entry.Domain,
			ListenPort: cfg.Global.ListenPort,
		}, entry.Upstream); err != nil {
			return nil, err
		}
	}

	return registry, nil
}

func (r *OriginRegistry) add(route *OriginRoute, upstream string) error {
	normalizedHost := normalizeDomain(route.Domain)
	if normalizedHost == "" {
		return fmt.Errorf("invalid domain for origin %s", route.Name)
	}
	if _, exists := r.routes[normalizedHost]; exists {
		return fmt.Errorf("duplicate domain mapping detected for %s", normalizedHost)
	}

	upstreamURL, err := url.Parse(upstream)
	if err != nil || upstreamURL.Host == "" {
		return fmt.Errorf("invalid upstream for origin %s: %q", route.Name, upstream)
	}
	route.UpstreamURL = upstreamURL

	r.routes[normalizedHost] = route
	r.ordered = append(r.ordered, route)
	return nil
}

// Lookup 根据 Host 或 Host:port 查找 OriginRoute。
func (r *OriginRegistry) Lookup(host string) (*OriginRoute, bool) {
	if r == nil {
		return nil, false
	}

	normalizedHost, _ := normalizeHost(host)
	if normalizedHost == "" {
		return nil, false
	}

	route, ok := r.routes[normalizedHost]
	return route, ok
}

// List 返回当前注册的来源（按配置顺序，worker 在最前），用于 /-/worker 输出。
func (r *OriginRegistry) List() []OriginRoute {
	if r == nil || len(r.ordered) == 0 {
		return nil
	}

	result := make([]OriginRoute, len(r.ordered))
	for i, route := range r.ordered {
		result[i] = *route
	}
	return result
}

func normalizeDomain(domain string) string {
	host, _ := normalizeHost(domain)
	return host
}

func normalizeHost(raw string) (string, int) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0
	}

	host := raw
	port := 0

	if strings.Contains(raw, ":") {
		if h, p, err := net.SplitHostPort(raw); err == nil {
			host = h
			if parsedPort, err := strconv.Atoi(p); err == nil {
				port = parsedPort
			}
		} else if idx := strings.LastIndex(raw, ":"); idx > -1 && strings.Count(raw[idx+1:], ":") == 0 {
			if parsedPort, err := strconv.Atoi(raw[idx+1:]); err == nil {
				host = raw[:idx]
				port = parsedPort
			}
		}
	}

	host = strings.TrimSuffix(host, ".")
	host = strings.ToLower(host)
	return host, port
}
