package server

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

func TestRouterDispatchesToProxy(t *testing.T) {
	app, recorder := newTestApp(t)

	resp, err := app.Test(httptest.NewRequest("GET", "http://app.local/index.html", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNoContent {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 204 status, got %d (body=%s)", resp.StatusCode, string(body))
	}
	if recorder.calls != 1 || recorder.lastPath != "/index.html" {
		t.Fatalf("proxy not invoked as expected: %+v", recorder)
	}
	if reqID := resp.Header.Get("X-Request-ID"); reqID == "" {
		t.Fatalf("expected X-Request-ID header to be set")
	}
}

func TestRouterAssignsClientCookie(t *testing.T) {
	app, recorder := newTestApp(t)

	resp, err := app.Test(httptest.NewRequest("GET", "http://app.local/", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	var assigned string
	for _, cookie := range resp.Cookies() {
		if cookie.Name == ClientCookie {
			assigned = cookie.Value
		}
	}
	if _, err := uuid.Parse(assigned); err != nil {
		t.Fatalf("expected uuid client cookie, got %q", assigned)
	}
	if recorder.lastClient != assigned {
		t.Fatalf("handler saw client %q, cookie %q", recorder.lastClient, assigned)
	}
}

func TestRouterReusesValidClientCookie(t *testing.T) {
	app, recorder := newTestApp(t)
	clientID := uuid.NewString()

	req := httptest.NewRequest("GET", "http://app.local/app.js", nil)
	req.AddCookie(&http.Cookie{Name: ClientCookie, Value: clientID})
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if recorder.lastClient != clientID {
		t.Fatalf("expected client %s, got %s", clientID, recorder.lastClient)
	}
	if got := resp.Header.Get("Set-Cookie"); strings.Contains(got, ClientCookie) {
		t.Fatalf("valid cookie should not be reissued: %s", got)
	}
}

func TestRouterReplacesMalformedClientCookie(t *testing.T) {
	app, recorder := newTestApp(t)

	req := httptest.NewRequest("GET", "http://app.local/app.js", nil)
	req.AddCookie(&http.Cookie{Name: ClientCookie, Value: "not-a-uuid"})
	if _, err := app.Test(req); err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if _, err := uuid.Parse(recorder.lastClient); err != nil {
		t.Fatalf("malformed cookie should be replaced, got %q", recorder.lastClient)
	}
}

func TestRouterLeavesDiagnosticsToLaterRoutes(t *testing.T) {
	app, recorder := newTestApp(t)
	app.Get("/-/ping", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"ok": true})
	})

	resp, err := app.Test(httptest.NewRequest("GET", "http://app.local/-/ping", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != fiber.StatusOK || !bytes.Contains(body, []byte(`"ok":true`)) {
		t.Fatalf("unexpected diagnostics response %d %s", resp.StatusCode, string(body))
	}
	if recorder.calls != 0 {
		t.Fatalf("diagnostics path must not reach proxy")
	}
	if len(resp.Cookies()) != 0 {
		t.Fatalf("diagnostics path should not assign client cookie")
	}
}

func TestNewAppValidatesOptions(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	if _, err := NewApp(AppOptions{Proxy: &proxyRecorder{}, ListenPort: 5000}); err == nil {
		t.Fatalf("missing logger should fail")
	}
	if _, err := NewApp(AppOptions{Logger: logger, ListenPort: 5000}); err == nil {
		t.Fatalf("missing proxy should fail")
	}
	if _, err := NewApp(AppOptions{Logger: logger, Proxy: &proxyRecorder{}}); err == nil {
		t.Fatalf("missing port should fail")
	}
}

func newTestApp(t *testing.T) (*fiber.App, *proxyRecorder) {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	recorder := &proxyRecorder{}
	app, err := NewApp(AppOptions{
		Logger:     logger,
		Proxy:      recorder,
		ListenPort: 5000,
	})
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}
	return app, recorder
}

type proxyRecorder struct {
	calls      int
	lastPath   string
	lastClient string
}

func (p *proxyRecorder) Handle(c fiber.Ctx) error {
	p.calls++
	p.lastPath = string(c.Request().URI().Path())
	p.lastClient = ClientID(c)
	return c.SendStatus(fiber.StatusNoContent)
}
