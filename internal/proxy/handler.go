package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
	"net/url"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/swcache/internal/logging"
	"github.com/any-hub/swcache/internal/server"
	"github.com/any-hub/swcache/internal/worker"
)

// SourceHeader 告知客户端响应来自缓存、网络还是兜底页面。
const SourceHeader = "X-Swcache-Source"

// Router 将请求交给控制该客户端的 worker，*host.Host 满足该接口。
type Router interface {
	Fetch(ctx context.Context, clientID string, req *http.Request) (*worker.Outcome, error)
}

// Handler 把 Fiber 请求转换为 *http.Request 交给宿主，再把 Outcome 写回客户端。
type Handler struct {
	router Router
	origin *url.URL
	logger *logrus.Logger
}

// NewHandler constructs a proxy handler bound to a single origin.
func NewHandler(router Router, origin *url.URL, logger *logrus.Logger) (*Handler, error) {
	if router == nil {
		return nil, errors.New("router is required")
	}
	if origin == nil || origin.Host == "" {
		return nil, errors.New("origin is required")
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	return &Handler{router: router, origin: origin, logger: logger}, nil
}

// Handle 实现 server.ProxyHandler。任何无法得到响应的情况都返回 502 fetch_failed。
func (h *Handler) Handle(c fiber.Ctx) error {
	started := time.Now()
	requestID := server.RequestID(c)
	clientID := server.ClientID(c)

	req, err := h.buildRequest(c)
	if err != nil {
		h.logResult(c, clientID, requestID, "", 0, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "fetch_failed")
	}

	outcome, err := h.router.Fetch(req.Context(), clientID, req)
	if err != nil {
		h.logResult(c, clientID, requestID, "", 0, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "fetch_failed")
	}
	if outcome == nil || outcome.Response == nil {
		err = errors.New("empty outcome")
		h.logResult(c, clientID, requestID, "", 0, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "fetch_failed")
	}
	return h.writeOutcome(c, outcome, clientID, requestID, started)
}

func (h *Handler) buildRequest(c fiber.Ctx) (*http.Request, error) {
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	target := h.origin.ResolveReference(&url.URL{
		Path:     string(c.Request().URI().Path()),
		RawQuery: string(c.Request().URI().QueryString()),
	})

	var body io.Reader = http.NoBody
	if raw := c.Body(); len(raw) > 0 {
		body = bytes.NewReader(append([]byte(nil), raw...))
	}

	req, err := http.NewRequestWithContext(ctx, c.Method(), target.String(), body)
	if err != nil {
		return nil, err
	}

	server.CopyHeaders(req.Header, fiberHeadersAsHTTP(c))
	req.Header.Del("Host")
	req.Header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			req.Header.Set("X-Forwarded-For", ip)
		}
	}
	req.Header.Set("X-Forwarded-Proto", c.Scheme())
	return req, nil
}

func (h *Handler) writeOutcome(c fiber.Ctx, outcome *worker.Outcome, clientID, requestID string, started time.Time) error {
	resp := outcome.Response
	if resp.Body != nil {
		defer resp.Body.Close()
	}

	copyResponseHeaders(c, resp.Header)
	c.Set(SourceHeader, string(outcome.Source))
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(resp.StatusCode)

	if c.Method() == http.MethodHead || resp.Body == nil {
		h.logResult(c, clientID, requestID, outcome.Source, resp.StatusCode, started, nil)
		return nil
	}

	_, err := io.Copy(c.Response().BodyWriter(), resp.Body)
	h.logResult(c, clientID, requestID, outcome.Source, resp.StatusCode, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return nil
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	c fiber.Ctx,
	clientID string,
	requestID string,
	source worker.Source,
	status int,
	started time.Time,
	err error,
) {
	fields := logging.RequestFields(c.Method(), string(c.Request().URI().Path()), clientID, string(source))
	fields["action"] = "proxy"
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

// copyResponseHeaders 跳过 hop-by-hop 与 Content-Length，长度由 fasthttp 按实际正文计算。
func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) || textproto.CanonicalMIMEHeaderKey(key) == "Content-Length" {
			continue
		}
		for _, value := range values {
			c.Response().Header.Add(key, value)
		}
	}
}
