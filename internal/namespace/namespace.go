// Package namespace maps logical cache roles to versioned physical cache
// names and owns their creation (bootstrap) and deletion (prune).
package namespace

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"

	"github.com/any-hub/swcache/internal/cache"
)

// Role 是缓存的逻辑用途，与物理名称无关。
type Role string

const (
	RoleAssets   Role = "assets"
	RoleContent  Role = "content"
	RoleOffline  Role = "offline"
	RoleNotFound Role = "notFound"
)

// Roles 按固定顺序列出全部角色。
var Roles = []Role{RoleAssets, RoleContent, RoleOffline, RoleNotFound}

var roleLabels = map[Role]string{
	RoleAssets:   "assets",
	RoleContent:  "content",
	RoleOffline:  "offline",
	RoleNotFound: "404",
}

// Label 返回角色的固定名称前缀。
func (r Role) Label() string {
	return roleLabels[r]
}

// PhysicalName 按 `<label>-v<generation>` 生成物理缓存名；该格式是清理逻辑的契约。
func PhysicalName(role Role, generation int) string {
	return fmt.Sprintf("%s-v%d", role.Label(), generation)
}

// Fetcher 发起网络请求。
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*http.Response, error)
}

// Options 描述 Manager 的静态配置。
type Options struct {
	Storage    cache.Storage
	Fetcher    Fetcher
	Origin     *url.URL
	Generation int
	// Precache 为每个角色列出需要在启动时预取的路径，相对 Origin 解析。
	Precache map[Role][]string
}

// Manager 独占物理缓存的创建与删除。
type Manager struct {
	storage    cache.Storage
	fetcher    Fetcher
	origin     *url.URL
	generation int
	names      map[Role]string
	precache   map[Role][]string
}

// New 校验参数并计算当前代的 role → name 映射。
func New(opts Options) (*Manager, error) {
	if opts.Storage == nil {
		return nil, errors.New("cache storage is required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if opts.Origin == nil || !opts.Origin.IsAbs() {
		return nil, errors.New("absolute origin is required")
	}
	if opts.Generation <= 0 {
		return nil, fmt.Errorf("invalid cache generation: %d", opts.Generation)
	}

	names := make(map[Role]string, len(Roles))
	for _, role := range Roles {
		names[role] = PhysicalName(role, opts.Generation)
	}
	precache := make(map[Role][]string, len(opts.Precache))
	for role, files := range opts.Precache {
		if _, ok := names[role]; !ok {
			return nil, fmt.Errorf("unknown cache role: %s", role)
		}
		if len(files) > 0 {
			precache[role] = append([]string(nil), files...)
		}
	}

	return &Manager{
		storage:    opts.Storage,
		fetcher:    opts.Fetcher,
		origin:     opts.Origin,
		generation: opts.Generation,
		names:      names,
		precache:   precache,
	}, nil
}

// Generation 返回当前缓存代号。
func (m *Manager) Generation() int {
	return m.generation
}

// Name 返回角色当前的物理名称。
func (m *Manager) Name(role Role) string {
	return m.names[role]
}

// Names 返回当前有效的物理名称集合（已排序）。
func (m *Manager) Names() []string {
	result := make([]string, 0, len(m.names))
	for _, name := range m.names {
		result = append(result, name)
	}
	sort.Strings(result)
	return result
}

// Mapping 返回 role → name 的副本，供诊断输出。
func (m *Manager) Mapping() map[Role]string {
	result := make(map[Role]string, len(m.names))
	for role, name := range m.names {
		result[role] = name
	}
	return result
}

// Precache 返回某角色的预取文件列表副本。
func (m *Manager) Precache(role Role) []string {
	return append([]string(nil), m.precache[role]...)
}

// Open 打开角色当前代的缓存。
func (m *Manager) Open(ctx context.Context, role Role) (cache.Cache, error) {
	name, ok := m.names[role]
	if !ok {
		return nil, fmt.Errorf("unknown cache role: %s", role)
	}
	c, err := m.storage.Open(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("open cache %s: %w", name, err)
	}
	return c, nil
}

// Resolve 将路径解析为 Origin 下的绝对 URL；跨域地址返回错误。
func (m *Manager) Resolve(raw string) (*url.URL, error) {
	ref, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	resolved := m.origin.ResolveReference(ref)
	if resolved.Scheme != m.origin.Scheme || resolved.Host != m.origin.Host {
		return nil, fmt.Errorf("cross-origin url %s", resolved)
	}
	return resolved, nil
}

// Key 返回路径在缓存中的键。
func (m *Manager) Key(raw string) (string, error) {
	u, err := m.Resolve(raw)
	if err != nil {
		return "", err
	}
	return cache.URLKey(u)
}
