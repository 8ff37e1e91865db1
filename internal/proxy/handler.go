package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/bonusperme/swcache/internal/fetch"
	"github.com/bonusperme/swcache/internal/logging"
	"github.com/bonusperme/swcache/internal/server"
	"github.com/bonusperme/swcache/internal/worker"
)

// Response headers set by the edge.
const (
	HeaderSource   = "X-Swcache-Source"
	HeaderBypass   = "X-Swcache-Bypass"
	HeaderClientID = "X-Swcache-Client"
)

// Dispatcher 把 fetch 事件交给当前控制页面的 worker，由 host.Registration 实现。
type Dispatcher interface {
	Dispatch(ctx context.Context, clientID string, req *fetch.Request) worker.Outcome
}

// Handler 把 HTTP 请求转换为 fetch 事件，并把 worker 的处置结果写回连接：
// Respond 原样输出，Passthrough 直接走网络栈，NoResponse 以空 504 关闭连接。
type Handler struct {
	dispatcher Dispatcher
	network    fetch.Fetcher
	logger     *logrus.Logger
}

// NewHandler constructs a proxy handler with the shared dispatcher/network/logger.
func NewHandler(dispatcher Dispatcher, network fetch.Fetcher, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	return &Handler{
		dispatcher: dispatcher,
		network:    network,
		logger:     logger,
	}
}

// Handle 实现 server.ProxyHandler。
func (h *Handler) Handle(c fiber.Ctx, route *server.OriginRoute) error {
	started := time.Now()
	requestID := server.RequestID(c)

	req, err := buildFetchRequest(c)
	if err != nil {
		h.logger.WithError(err).WithFields(logrus.Fields{
			"action":     "fetch",
			"origin":     route.Name,
			"request_id": requestID,
		}).Warn("request_invalid")
		return h.writeError(c, fiber.StatusBadRequest, "invalid_request")
	}

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(req.Header))

	outcome := h.dispatcher.Dispatch(ctx, req.ClientID, req)
	switch outcome.Kind {
	case worker.Respond:
		writeResponse(c, outcome.Response)
		c.Set(HeaderSource, string(outcome.Source))
		h.logResult(route, req, outcome, requestID, outcome.Response.StatusCode, started, nil)
		return nil

	case worker.NoResponse:
		// HTTP 无法表达“没有响应”，以空 504 并关闭连接让页面观察到失败。
		c.Set(HeaderSource, string(worker.SourceNone))
		c.Response().SetConnectionClose()
		c.Status(fiber.StatusGatewayTimeout)
		h.logResult(route, req, outcome, requestID, fiber.StatusGatewayTimeout, started, outcome.Err)
		return nil

	default:
		return h.passthrough(ctx, c, route, req, outcome, requestID, started)
	}
}

// passthrough 不经过缓存，直接把请求交给网络栈。
func (h *Handler) passthrough(
	ctx context.Context,
	c fiber.Ctx,
	route *server.OriginRoute,
	req *fetch.Request,
	outcome worker.Outcome,
	requestID string,
	started time.Time,
) error {
	req.Passthrough = true
	resp, err := h.network.Fetch(ctx, req)
	if err != nil {
		h.logResult(route, req, outcome, requestID, fiber.StatusBadGateway, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}
	writeResponse(c, resp)
	if outcome.Reason != "" {
		c.Set(HeaderBypass, outcome.Reason)
	}
	h.logResult(route, req, outcome, requestID, resp.StatusCode, started, nil)
	return nil
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	route *server.OriginRoute,
	req *fetch.Request,
	outcome worker.Outcome,
	requestID string,
	status int,
	started time.Time,
	err error,
) {
	source := string(outcome.Source)
	if outcome.Kind == worker.Passthrough {
		source = "passthrough"
	}
	fields := logging.FetchFields(
		outcome.CacheName,
		req.Method,
		req.Identity(),
		string(req.Mode),
		outcome.Kind.String(),
		source,
	)
	fields["origin"] = route.Name
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if outcome.Reason != "" {
		fields["bypass"] = outcome.Reason
	}
	if req.ClientID != "" {
		fields["client_id"] = req.ClientID
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("fetch_failed")
		return
	}
	h.logger.WithFields(fields).Info("fetch_complete")
}

// buildFetchRequest 由 scheme + 目标 host + path/query 还原页面看到的绝对 URL。
// 请求行可能是 origin 形式（/path）也可能是绝对形式（http://host/path），两者结果一致。
func buildFetchRequest(c fiber.Ctx) (*fetch.Request, error) {
	host := server.RequestHost(c)
	if host == "" {
		return nil, errors.New("missing host header")
	}

	target, err := url.Parse(requestScheme(c) + "://" + host + server.RequestTarget(c))
	if err != nil {
		return nil, fmt.Errorf("parse request url: %w", err)
	}

	header := fiberHeadersAsHTTP(c)
	if ip := c.IP(); ip != "" {
		if prior := header.Get("X-Forwarded-For"); prior != "" {
			header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			header.Set("X-Forwarded-For", ip)
		}
	}

	method := c.Method()
	return &fetch.Request{
		Method:   method,
		URL:      target,
		Header:   header,
		Body:     append([]byte(nil), c.Body()...),
		Mode:     fetch.ModeFromHeaders(method, header),
		ClientID: strings.TrimSpace(header.Get(HeaderClientID)),
	}, nil
}

// requestScheme 优先采用前置 TLS 终端写入的 X-Forwarded-Proto。
func requestScheme(c fiber.Ctx) string {
	if proto := c.Get(fiber.HeaderXForwardedProto); proto != "" {
		first := strings.TrimSpace(strings.Split(proto, ",")[0])
		switch strings.ToLower(first) {
		case "http", "https":
			return strings.ToLower(first)
		}
	}
	return c.Scheme()
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	header.Del("Host")
	return header
}

func writeResponse(c fiber.Ctx, resp *fetch.Response) {
	for key, values := range resp.Header {
		if server.IsHopByHopHeader(key) || strings.EqualFold(key, fiber.HeaderContentLength) {
			continue
		}
		for _, value := range values {
			c.Response().Header.Add(key, value)
		}
	}
	c.Status(resp.StatusCode)
	c.Response().SetBodyRaw(resp.Body)
}
