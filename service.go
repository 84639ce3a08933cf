package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/swcache/internal/cache"
	"github.com/any-hub/swcache/internal/config"
	"github.com/any-hub/swcache/internal/host"
	"github.com/any-hub/swcache/internal/proxy"
	"github.com/any-hub/swcache/internal/server"
	"github.com/any-hub/swcache/internal/server/routes"
	"github.com/any-hub/swcache/internal/worker"
)

// service 持有一次进程生命周期内共享的存储、宿主与 Fiber 应用。
type service struct {
	app     *fiber.App
	host    *host.Host
	storage cache.Storage
}

// newService 装配全部组件并完成 worker 的安装与激活。
func newService(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*service, error) {
	origin, err := cfg.OriginURL()
	if err != nil {
		return nil, err
	}
	blacklist, err := cfg.BuildBlacklist()
	if err != nil {
		return nil, err
	}

	storage, err := cache.NewStorage(cfg.Global.StorageDriver, cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("初始化缓存存储失败: %w", err)
	}

	fetcher := server.NewUpstreamFetcher(server.NewUpstreamClient(cfg))

	w, err := worker.New(worker.Options{
		Storage:          storage,
		Fetcher:          fetcher,
		Origin:           origin,
		Generation:       cfg.Global.CacheGeneration,
		AssetFiles:       cfg.Global.AssetFiles,
		OfflinePage:      cfg.Global.OfflinePage,
		NotFoundPage:     cfg.Global.NotFoundPage,
		TTL:              cfg.TTLTable(),
		Blacklist:        blacklist,
		SupportedMethods: cfg.Global.SupportedMethods,
		Logger:           logger,
	})
	if err != nil {
		return nil, closeOnError(storage, err)
	}

	h, err := host.New(host.Options{
		Fetcher:        fetcher,
		MaxRetries:     cfg.Global.MaxRetries,
		InitialBackoff: cfg.Global.InitialBackoff.DurationValue(),
		Logger:         logger,
	})
	if err != nil {
		return nil, closeOnError(storage, err)
	}
	if err := h.Register(ctx, w); err != nil {
		return nil, closeOnError(storage, fmt.Errorf("安装 worker 失败: %w", err))
	}

	handler, err := proxy.NewHandler(h, origin, logger)
	if err != nil {
		return nil, closeOnError(storage, err)
	}
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Proxy:      proxy.NewForwarder(handler, logger),
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		return nil, closeOnError(storage, err)
	}
	routes.RegisterDiagnosticsRoutes(app, storage, h)
	routes.RegisterMessageRoutes(app, h, logger)

	return &service{app: app, host: h, storage: storage}, nil
}

// Close 等待在途消息处理完毕后关闭存储。
func (s *service) Close() error {
	s.host.Wait()
	return s.storage.Close()
}

func closeOnError(storage cache.Storage, err error) error {
	if closeErr := storage.Close(); closeErr != nil {
		return errors.Join(err, closeErr)
	}
	return err
}
