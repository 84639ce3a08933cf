package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Storage 管理所有具名缓存。实现必须并发安全。
type Storage interface {
	// Open 返回指定名称的缓存，不存在时创建。
	Open(ctx context.Context, name string) (Cache, error)

	// Delete 删除整个具名缓存，返回该缓存此前是否存在。
	Delete(ctx context.Context, name string) (bool, error)

	// Keys 返回当前存在的全部缓存名称（按字典序）。
	Keys(ctx context.Context) ([]string, error)

	// Close 释放底层资源。
	Close() error
}

// Cache 是单个具名缓存的条目集合。同一 key 的并发 Put 以最后一次写入为准。
type Cache interface {
	Name() string

	// Match 返回 key 对应的条目；不存在时返回 ErrNotFound。
	Match(ctx context.Context, key string) (*Entry, error)

	// Put 整体覆盖 key 对应的条目。
	Put(ctx context.Context, key string, entry Entry) error
}

var (
	// ErrNotFound 表示缓存条目不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrInvalidName 表示缓存名称为空或包含非法字符。
	ErrInvalidName = errors.New("invalid cache name")
)

// Drivers 列出可用的存储驱动名称。
var Drivers = []string{"memory", "fs", "sqlite"}

// NewStorage 根据驱动名构建存储，path 对 memory 驱动无意义。
func NewStorage(driver, path string) (Storage, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "memory":
		return NewMemoryStorage(), nil
	case "fs":
		return NewFileStorage(path)
	case "sqlite":
		return NewSQLiteStorage(path)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}

func validateName(name string) error {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}
