package proxy

import (
	"fmt"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/bonusperme/swcache/internal/server"
)

// Forwarder 包装实际的 ProxyHandler，把 worker 中的 panic 转换为 500 响应，避免单个请求拖垮进程。
type Forwarder struct {
	handler server.ProxyHandler
	logger  *logrus.Logger
}

// NewForwarder 创建 Forwarder。handler 为空时所有请求返回 handler_missing。
func NewForwarder(handler server.ProxyHandler, logger *logrus.Logger) *Forwarder {
	return &Forwarder{
		handler: handler,
		logger:  logger,
	}
}

// Handle 实现 server.ProxyHandler。
func (f *Forwarder) Handle(c fiber.Ctx, route *server.OriginRoute) error {
	requestID := server.RequestID(c)
	if f.handler == nil {
		return f.respondMissingHandler(c, route, requestID)
	}
	return f.invokeHandler(c, route, requestID)
}

func (f *Forwarder) respondMissingHandler(c fiber.Ctx, route *server.OriginRoute, requestID string) error {
	f.logHandlerError(route, "handler_missing", nil, requestID)
	setRequestIDHeader(c, requestID)
	return c.Status(fiber.StatusInternalServerError).
		JSON(fiber.Map{"error": "handler_missing"})
}

func (f *Forwarder) invokeHandler(c fiber.Ctx, route *server.OriginRoute, requestID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = f.respondHandlerPanic(c, route, r, requestID)
		}
	}()
	return f.handler.Handle(c, route)
}

func (f *Forwarder) respondHandlerPanic(c fiber.Ctx, route *server.OriginRoute, recovered any, requestID string) error {
	f.logHandlerError(route, "worker_panic", fmt.Errorf("panic: %v", recovered), requestID)
	c.Response().ResetBody()
	c.Response().Header.Del(HeaderSource)
	setRequestIDHeader(c, requestID)
	return c.Status(fiber.StatusInternalServerError).
		JSON(fiber.Map{"error": "worker_panic"})
}

func setRequestIDHeader(c fiber.Ctx, requestID string) {
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
}

func (f *Forwarder) logHandlerError(route *server.OriginRoute, code string, err error, requestID string) {
	if f.logger == nil {
		return
	}
	fields := routeFields(route, requestID)
	fields["action"] = "fetch"
	fields["error"] = code
	if err != nil {
		f.logger.WithFields(fields).Error(err.Error())
		return
	}
	f.logger.WithFields(fields).Error("proxy handler unavailable")
}

func routeFields(route *server.OriginRoute, requestID string) logrus.Fields {
	fields := logrus.Fields{
		"origin": "",
		"domain": "",
		"scoped": false,
	}
	if route != nil {
		fields["origin"] = route.Name
		fields["domain"] = route.Domain
		fields["scoped"] = route.Scoped
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	return fields
}
