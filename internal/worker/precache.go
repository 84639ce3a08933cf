package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/swcache/internal/cache"
	"github.com/any-hub/swcache/internal/namespace"
)

// ActionCache 是唯一可识别的消息动作：把 url 预取进内容缓存。
const ActionCache = "cache"

// Message 是通过消息通道投递给 worker 的命令。
type Message struct {
	Action string `json:"action"`
	URL    string `json:"url,omitempty"`
}

// HandleMessage 分发命令；未知动作只记录日志。
func (w *Worker) HandleMessage(ctx context.Context, msg Message) {
	switch msg.Action {
	case ActionCache:
		w.Precache(ctx, msg.URL)
	default:
		w.logger.WithFields(logrus.Fields{
			"action":     "message",
			"generation": w.Generation(),
			"message":    msg.Action,
		}).Info("unknown_action")
	}
}

// Precache 在 url 未被拉黑且尚未缓存时回源并写入内容缓存。
// 调用方不会收到任何失败信息，失败只写日志。
func (w *Worker) Precache(ctx context.Context, rawURL string) {
	if err := w.precache(ctx, rawURL); err != nil {
		w.logger.WithError(err).WithFields(logrus.Fields{
			"action":     "precache",
			"generation": w.Generation(),
			"url":        rawURL,
		}).Warn("precache_failed")
	}
}

func (w *Worker) precache(ctx context.Context, rawURL string) error {
	u, err := w.caches.Resolve(rawURL)
	if err != nil {
		return err
	}
	if w.blacklist.IsBlacklisted(u.String()) {
		return nil
	}
	key, err := cache.URLKey(u)
	if err != nil {
		return err
	}
	content, err := w.caches.Open(ctx, namespace.RoleContent)
	if err != nil {
		return err
	}
	if _, err := content.Match(ctx, key); err == nil {
		return nil
	} else if !errors.Is(err, cache.ErrNotFound) {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	resp, err := w.fetcher.Fetch(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if !cacheableResponse(resp) {
		return fmt.Errorf("response with status %d is not cacheable", resp.StatusCode)
	}
	entry, err := cache.NewEntry(resp)
	if err != nil {
		return err
	}
	return content.Put(ctx, key, entry)
}
