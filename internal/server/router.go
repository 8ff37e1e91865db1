package server

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ProxyHandler turns a request for a mapped origin into a fetch event and
// renders the outcome. It allows injecting fake handlers during tests.
type ProxyHandler interface {
	Handle(fiber.Ctx, *OriginRoute) error
}

// ProxyHandlerFunc adapts a function to the ProxyHandler interface.
type ProxyHandlerFunc func(fiber.Ctx, *OriginRoute) error

// Handle makes ProxyHandlerFunc satisfy ProxyHandler.
func (f ProxyHandlerFunc) Handle(c fiber.Ctx, route *OriginRoute) error {
	return f(c, route)
}

// AppOptions controls how the Fiber application should behave on a specific port.
type AppOptions struct {
	Logger     *logrus.Logger
	Registry   *OriginRegistry
	Proxy      ProxyHandler
	ListenPort int
	// BodyLimit 限制请求体大小，0 表示使用 Fiber 默认值。
	BodyLimit int
}

const (
	contextKeyRoute     = "_swcache_route"
	contextKeyRequestID = "_swcache_request_id"
)

// NewApp builds a Fiber application with Host routing middleware and
// structured error handling. Paths under /-/ are left for diagnostics routes
// registered by the caller after NewApp returns.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("origin registry is required")
	}
	if opts.Proxy == nil {
		return nil, errors.New("proxy handler is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
		BodyLimit:     opts.BodyLimit,
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware(opts))

	app.All("/*", func(c fiber.Ctx) error {
		route, _ := getRouteFromContext(c)
		if servesDiagnostics(c, route) {
			return c.Next()
		}
		if route == nil {
			return renderHostUnmapped(c, opts.Logger, RequestHost(c), opts.ListenPort)
		}
		return opts.Proxy.Handle(c, route)
	})

	return app, nil
}

// requestContextMiddleware 负责生成请求 ID，并基于目标 host 查找 OriginRoute。
// 未映射的 host 只允许访问诊断接口。
func requestContextMiddleware(opts AppOptions) fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)

		rawHost := RequestHost(c)
		route, ok := opts.Registry.Lookup(rawHost)
		if !ok {
			if isDiagnosticsPath(RequestPath(c)) {
				return c.Next()
			}
			return renderHostUnmapped(c, opts.Logger, rawHost, opts.ListenPort)
		}

		c.Locals(contextKeyRoute, route)
		return c.Next()
	}
}

// servesDiagnostics 判断 /-/ 路径是否由本地诊断接口处理：worker 来源与未映射 host
// 上保留给诊断，直连来源上的同名路径照常转发给上游。
func servesDiagnostics(c fiber.Ctx, route *OriginRoute) bool {
	if !isDiagnosticsPath(RequestPath(c)) {
		return false
	}
	return route == nil || route.Scoped
}

func renderHostUnmapped(c fiber.Ctx, logger *logrus.Logger, host string, port int) error {
	fields := logrus.Fields{
		"action": "host_lookup",
		"host":   host,
		"port":   port,
	}
	logger.WithFields(fields).Warn("host_unmapped")

	if host != "" {
		c.Set("X-Swcache-Host", host)
	}

	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
		"error": "host_unmapped",
	})
}

// RequestHost 返回请求的目标 host。请求行为绝对形式（GET http://host/path）时以其中的
// host 为准，否则取 Host 头。
func RequestHost(c fiber.Ctx) string {
	if isAbsoluteForm(c) {
		if host := strings.TrimSpace(string(c.Request().URI().Host())); host != "" {
			return host
		}
	}
	if raw := c.Request().Header.Peek(fiber.HeaderHost); len(raw) > 0 {
		return strings.TrimSpace(string(raw))
	}
	return c.Hostname()
}

// RequestTarget 返回 path + query，与请求行采用 origin 形式还是绝对形式无关。
func RequestTarget(c fiber.Ctx) string {
	target := string(c.Request().URI().RequestURI())
	if target == "" {
		return "/"
	}
	return target
}

// RequestPath 返回不含 query 的请求路径。
func RequestPath(c fiber.Ctx) string {
	return string(c.Request().URI().Path())
}

func isAbsoluteForm(c fiber.Ctx) bool {
	raw := strings.ToLower(string(c.Request().RequestURI()))
	return strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://")
}

func getRouteFromContext(c fiber.Ctx) (*OriginRoute, bool) {
	if value := c.Locals(contextKeyRoute); value != nil {
		if route, ok := value.(*OriginRoute); ok {
			return route, true
		}
	}
	return nil, false
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

// DiagnosticsPrefix 保留给 /-/worker、/-/healthz 等诊断接口。
const DiagnosticsPrefix = "/-/"

func isDiagnosticsPath(path string) bool {
	return strings.HasPrefix(path, DiagnosticsPrefix)
}
