package routes

import (
	"sort"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/swcache/internal/cache"
	"github.com/any-hub/swcache/internal/host"
	"github.com/any-hub/swcache/internal/namespace"
)

// HostInspector 暴露宿主状态快照。
type HostInspector interface {
	Snapshot() host.Snapshot
}

// RegisterDiagnosticsRoutes 暴露 /-/caches 与 /-/worker 诊断接口，供运维查询缓存代与控制关系。
func RegisterDiagnosticsRoutes(app *fiber.App, storage cache.Storage, inspector HostInspector) {
	if app == nil || storage == nil || inspector == nil {
		return
	}

	app.Get("/-/caches", func(c fiber.Ctx) error {
		names, err := storage.Keys(c.Context())
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "storage_unavailable"})
		}
		return c.JSON(encodeCaches(names, inspector.Snapshot()))
	})

	app.Get("/-/worker", func(c fiber.Ctx) error {
		return c.JSON(inspector.Snapshot())
	})
}

type cachesPayload struct {
	Generation int               `json:"generation"`
	Caches     []string          `json:"caches"`
	Current    map[string]string `json:"current"`
	Legacy     []string          `json:"legacy"`
}

func encodeCaches(names []string, snap host.Snapshot) cachesPayload {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)

	payload := cachesPayload{
		Caches:  sorted,
		Current: map[string]string{},
		Legacy:  []string{},
	}
	if snap.Active == nil {
		payload.Legacy = append(payload.Legacy, sorted...)
		return payload
	}

	payload.Generation = snap.Active.Generation
	current := make(map[string]struct{}, len(namespace.Roles))
	for _, role := range namespace.Roles {
		name := namespace.PhysicalName(role, snap.Active.Generation)
		payload.Current[string(role)] = name
		current[name] = struct{}{}
	}
	for _, name := range sorted {
		if _, ok := current[name]; !ok {
			payload.Legacy = append(payload.Legacy, name)
		}
	}
	return payload
}
