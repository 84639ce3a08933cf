package worker

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Install 填充当前代的全部预取缓存，成功后请求宿主跳过等待。
// 预取失败时不会调用 SkipWaiting，安装整体失败。
func (w *Worker) Install(ctx context.Context, lc Lifecycle) error {
	if err := w.caches.Bootstrap(ctx); err != nil {
		w.logger.WithError(err).WithFields(logrus.Fields{
			"action":     "install",
			"generation": w.Generation(),
		}).Error("install_failed")
		return fmt.Errorf("install generation %d: %w", w.Generation(), err)
	}
	lc.SkipWaiting()
	w.logger.WithFields(logrus.Fields{
		"action":     "install",
		"generation": w.Generation(),
		"caches":     w.caches.Names(),
	}).Info("install_complete")
	return nil
}

// Activate 并发执行旧缓存清理与客户端接管。两者的失败都只记录日志，
// 激活始终完成；返回值仅反映 ctx 是否已取消。
func (w *Worker) Activate(ctx context.Context, lc Lifecycle) error {
	var (
		g        errgroup.Group
		deleted  []string
		pruneErr error
		claimErr error
	)
	g.Go(func() error {
		deleted, pruneErr = w.caches.Prune(ctx)
		return nil
	})
	g.Go(func() error {
		claimErr = lc.Claim(ctx)
		return nil
	})
	_ = g.Wait()

	fields := logrus.Fields{
		"action":     "activate",
		"generation": w.Generation(),
		"deleted":    deleted,
	}
	if pruneErr != nil {
		w.logger.WithError(pruneErr).WithFields(fields).Warn("prune_failed")
	}
	if claimErr != nil {
		w.logger.WithError(claimErr).WithFields(fields).Warn("claim_failed")
	}
	w.logger.WithFields(fields).Info("activate_complete")
	return ctx.Err()
}
