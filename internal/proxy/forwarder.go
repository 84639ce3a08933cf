package proxy

import (
	"fmt"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/swcache/internal/server"
)

// Forwarder 包装 ProxyHandler，把 handler 内部的 panic 转换为 502 fetch_failed，
// 保证客户端总能拿到明确的失败响应。
type Forwarder struct {
	handler server.ProxyHandler
	logger  *logrus.Logger
}

// NewForwarder 创建 Forwarder；handler 为空时所有请求返回 502。
func NewForwarder(handler server.ProxyHandler, logger *logrus.Logger) *Forwarder {
	return &Forwarder{
		handler: handler,
		logger:  logger,
	}
}

// Handle 实现 server.ProxyHandler。
func (f *Forwarder) Handle(c fiber.Ctx) error {
	requestID := server.RequestID(c)
	if f.handler == nil {
		f.logError(c, "fetch_handler_missing", nil, requestID)
		return respondFetchFailed(c, requestID)
	}
	return f.invokeHandler(c, requestID)
}

func (f *Forwarder) invokeHandler(c fiber.Ctx, requestID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			f.logError(c, "fetch_handler_panic", fmt.Errorf("panic: %v", r), requestID)
			c.Response().ResetBody()
			err = respondFetchFailed(c, requestID)
		}
	}()
	return f.handler.Handle(c)
}

func respondFetchFailed(c fiber.Ctx, requestID string) error {
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "fetch_failed"})
}

func (f *Forwarder) logError(c fiber.Ctx, code string, err error, requestID string) {
	if f.logger == nil {
		return
	}
	fields := logrus.Fields{
		"action":    "proxy",
		"error":     code,
		"method":    c.Method(),
		"path":      string(c.Request().URI().Path()),
		"client_id": server.ClientID(c),
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		f.logger.WithFields(fields).Error(err.Error())
		return
	}
	f.logger.WithFields(fields).Error(code)
}
