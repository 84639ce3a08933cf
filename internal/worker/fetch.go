package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/any-hub/swcache/internal/cache"
	"github.com/any-hub/swcache/internal/namespace"
)

// Source 标记响应的来源，经 X-Swcache-Source 头暴露给客户端。
type Source string

const (
	SourceCache       Source = "cache"
	SourceNetwork     Source = "network"
	SourceRefreshed   Source = "refreshed"
	SourceStale       Source = "stale"
	SourceOffline     Source = "offline"
	SourceNotFound    Source = "not-found"
	SourcePassthrough Source = "passthrough"
)

// Outcome 是一次 fetch 事件的最终结果。
type Outcome struct {
	Response *http.Response
	Source   Source
}

// ErrFallbackMissing 表示离线页或 404 页未被预取，无法兜底。
var ErrFallbackMissing = errors.New("fallback page missing from cache")

// HandleFetch 为单个请求生成响应。任何非预期错误都会记录日志并原样返回，
// 调用方必须把它当作失败的请求处理，不能退化成空响应。
func (w *Worker) HandleFetch(ctx context.Context, req *http.Request) (*Outcome, error) {
	if !Intercepts(req.Method) {
		resp, err := w.fetcher.Fetch(ctx, req)
		if err != nil {
			return nil, err
		}
		return &Outcome{Response: resp, Source: SourcePassthrough}, nil
	}

	outcome, err := w.respond(ctx, req)
	if err != nil {
		w.logger.WithError(err).WithFields(w.fields("fetch", req)).Error("fetch_handler_failed")
		return nil, err
	}
	return outcome, nil
}

func (w *Worker) respond(ctx context.Context, req *http.Request) (*Outcome, error) {
	key, err := cache.RequestKey(req)
	if err != nil {
		return nil, err
	}
	content, err := w.caches.Open(ctx, namespace.RoleContent)
	if err != nil {
		return nil, err
	}

	entry, err := content.Match(ctx, key)
	switch {
	case err == nil:
		return w.serveHit(ctx, content, key, req, entry), nil
	case errors.Is(err, cache.ErrNotFound):
		return w.serveMiss(ctx, content, key, req)
	default:
		return nil, fmt.Errorf("match %s: %w", key, err)
	}
}

// serveHit 根据 Date 头与 TTL 判断新鲜度；过期时同步回源，失败则返回旧条目。
func (w *Worker) serveHit(ctx context.Context, content cache.Cache, key string, req *http.Request, entry *cache.Entry) *Outcome {
	cached := &Outcome{Response: entry.Response(req), Source: SourceCache}

	date, ok := entry.Date()
	if !ok {
		return cached
	}
	ttl, ok := w.ttl.For(req.URL.String())
	if !ok {
		return cached
	}
	age := int64(w.now().Sub(date) / time.Second)
	if age <= int64(ttl/time.Second) {
		return cached
	}

	fields := w.fields("revalidate", req)
	fields["age_seconds"] = age
	fields["ttl_seconds"] = int64(ttl / time.Second)

	resp, err := w.fetcher.Fetch(ctx, networkRequest(ctx, req))
	if err != nil {
		w.logger.WithError(err).WithFields(fields).Warn("revalidate_failed")
		cached.Source = SourceStale
		return cached
	}
	fields["upstream_status"] = resp.StatusCode
	if resp.StatusCode >= http.StatusBadRequest ||
		resp.StatusCode == http.StatusPartialContent || resp.StatusCode == http.StatusNotModified {
		resp.Body.Close()
		w.logger.WithFields(fields).Warn("revalidate_rejected")
		cached.Source = SourceStale
		return cached
	}

	stored := false
	if cacheableResponse(resp) {
		fresh, err := cache.NewEntry(resp)
		if err != nil {
			w.logger.WithError(err).WithFields(fields).Warn("revalidate_failed")
			cached.Source = SourceStale
			return cached
		}
		if err := content.Put(ctx, key, fresh); err != nil {
			w.logger.WithError(err).WithFields(fields).Warn("cache_put_failed")
		} else {
			stored = true
		}
	}
	fields["stored"] = stored
	w.logger.WithFields(fields).Debug("revalidated")
	return &Outcome{Response: resp, Source: SourceRefreshed}
}

func (w *Worker) serveMiss(ctx context.Context, content cache.Cache, key string, req *http.Request) (*Outcome, error) {
	resp, err := w.fetcher.Fetch(ctx, networkRequest(ctx, req))
	if err != nil {
		w.logger.WithError(err).WithFields(w.fields("fetch", req)).Info("network_failed")
		return w.fallback(ctx, namespace.RoleOffline, w.offlinePage, req, SourceOffline)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		resp.Body.Close()
		fields := w.fields("fetch", req)
		fields["upstream_status"] = resp.StatusCode
		w.logger.WithFields(fields).Info("upstream_error_status")
		return w.fallback(ctx, namespace.RoleNotFound, w.notFoundPage, req, SourceNotFound)
	}

	if w.storable(req) && cacheableResponse(resp) {
		entry, err := cache.NewEntry(resp)
		if err != nil {
			w.logger.WithError(err).WithFields(w.fields("fetch", req)).Info("network_failed")
			return w.fallback(ctx, namespace.RoleOffline, w.offlinePage, req, SourceOffline)
		}
		if err := content.Put(ctx, key, entry); err != nil {
			w.logger.WithError(err).WithFields(w.fields("fetch", req)).Warn("cache_put_failed")
		}
	}
	return &Outcome{Response: resp, Source: SourceNetwork}, nil
}

func (w *Worker) fallback(ctx context.Context, role namespace.Role, page string, req *http.Request, source Source) (*Outcome, error) {
	c, err := w.caches.Open(ctx, role)
	if err != nil {
		return nil, err
	}
	key, err := w.caches.Key(page)
	if err != nil {
		return nil, err
	}
	entry, err := c.Match(ctx, key)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s in %s", ErrFallbackMissing, page, c.Name())
		}
		return nil, fmt.Errorf("match %s: %w", key, err)
	}
	return &Outcome{Response: entry.Response(req), Source: source}, nil
}
