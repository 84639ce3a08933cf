package namespace

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/any-hub/swcache/internal/cache"
)

// ErrPrecacheFailed 表示某个必需的预取文件无法获取。
var ErrPrecacheFailed = errors.New("precache failed")

// Bootstrap 并发地为每个带预取列表的角色打开缓存并写入全部文件。
// 单个角色内部是全有或全无：任何文件失败时该角色不写入任何条目。
func (m *Manager) Bootstrap(ctx context.Context) error {
	roles := make([]Role, 0, len(m.precache))
	for role := range m.precache {
		roles = append(roles, role)
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i] < roles[j] })

	// 各角色互不取消，最终汇总全部失败。
	var g errgroup.Group
	errs := make([]error, len(roles))
	for i, role := range roles {
		g.Go(func() error {
			errs[i] = m.addAll(ctx, role, m.precache[role])
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

type precached struct {
	key   string
	entry cache.Entry
}

func (m *Manager) addAll(ctx context.Context, role Role, files []string) error {
	c, err := m.Open(ctx, role)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	fetched := make([]precached, len(files))
	for i, file := range files {
		g.Go(func() error {
			item, err := m.fetchOne(gctx, file)
			if err != nil {
				return fmt.Errorf("%w: %s %s: %v", ErrPrecacheFailed, c.Name(), file, err)
			}
			fetched[i] = item
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, item := range fetched {
		if err := c.Put(ctx, item.key, item.entry); err != nil {
			return fmt.Errorf("store %s in %s: %w", item.key, c.Name(), err)
		}
	}
	return nil
}

func (m *Manager) fetchOne(ctx context.Context, file string) (precached, error) {
	u, err := m.Resolve(file)
	if err != nil {
		return precached{}, err
	}
	key, err := cache.URLKey(u)
	if err != nil {
		return precached{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return precached{}, err
	}
	resp, err := m.fetcher.Fetch(ctx, req)
	if err != nil {
		return precached{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return precached{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	entry, err := cache.NewEntry(resp)
	if err != nil {
		return precached{}, err
	}
	return precached{key: key, entry: entry}, nil
}

// Prune 删除所有不属于当前代映射的物理缓存。任一删除失败时返回汇总错误，
// 已删除的缓存不会回滚。
func (m *Manager) Prune(ctx context.Context) ([]string, error) {
	keys, err := m.storage.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("enumerate caches: %w", err)
	}

	current := make(map[string]struct{}, len(m.names))
	for _, name := range m.names {
		current[name] = struct{}{}
	}
	var legacy []string
	for _, name := range keys {
		if _, ok := current[name]; !ok {
			legacy = append(legacy, name)
		}
	}

	var g errgroup.Group
	errs := make([]error, len(legacy))
	removed := make([]bool, len(legacy))
	for i, name := range legacy {
		g.Go(func() error {
			deleted, err := m.storage.Delete(ctx, name)
			if err != nil {
				errs[i] = fmt.Errorf("delete cache %s: %w", name, err)
				return nil
			}
			removed[i] = deleted
			return nil
		})
	}
	_ = g.Wait()

	var deleted []string
	for i, name := range legacy {
		if removed[i] {
			deleted = append(deleted, name)
		}
	}
	return deleted, errors.Join(errs...)
}
