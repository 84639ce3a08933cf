package cache

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
)

func TestRequestKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "https://example.com/app.js?v=1#top", nil)
	key, err := RequestKey(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if key != "https://example.com/app.js?v=1" {
		t.Fatalf("unexpected key %s", key)
	}
}

func TestRequestKeyRejectsUnsafeMethods(t *testing.T) {
	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodHead} {
		req := httptest.NewRequest(method, "https://example.com/form", nil)
		if _, err := RequestKey(req); !errors.Is(err, ErrUnsupportedMethod) {
			t.Fatalf("%s should be rejected, got %v", method, err)
		}
	}
}

func TestURLKeyNormalizesEmptyPath(t *testing.T) {
	u, _ := url.Parse("https://example.com")
	key, err := URLKey(u)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if key != "https://example.com/" {
		t.Fatalf("unexpected key %s", key)
	}

	rel, _ := url.Parse("/relative")
	if _, err := URLKey(rel); err == nil {
		t.Fatalf("relative url should be rejected")
	}
}
