package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// SQLiteMemory 是共享内存数据库的 DSN，便于测试或无需持久化的部署。
const SQLiteMemory = "file::memory:?cache=shared"

type sqliteStorage struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

type sqliteCache struct {
	storage *sqliteStorage
	name    string
}

// NewSQLiteStorage 打开（必要时创建）filename 指向的 SQLite 数据库；filename 为空时使用内存库。
func NewSQLiteStorage(filename string) (Storage, error) {
	if filename == "" {
		filename = SQLiteMemory
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// 内存库在最后一个连接关闭时消失。
	db.SetMaxOpenConns(1)

	statements := []string{
		`CREATE TABLE IF NOT EXISTS caches (
			name TEXT PRIMARY KEY,
			created_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			cache TEXT NOT NULL,
			key TEXT NOT NULL,
			stored_at INTEGER,
			bytes BLOB,
			PRIMARY KEY (cache, key)
		)`,
		"PRAGMA journal_mode=WAL",
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init sqlite schema: %w", err)
		}
	}

	return &sqliteStorage{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s *sqliteStorage) Open(ctx context.Context, name string) (Cache, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO caches (name, created_at) VALUES (?, ?)", name, time.Now().Unix())
	if err != nil {
		return nil, fmt.Errorf("create cache %s: %w", name, err)
	}
	return &sqliteCache{storage: s, name: name}, nil
}

func (s *sqliteStorage) Delete(ctx context.Context, name string) (bool, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, "DELETE FROM caches WHERE name = ?", name)
	if err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE cache = ?", name); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (s *sqliteStorage) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM caches ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *sqliteStorage) Close() error {
	return s.db.Close()
}

func (c *sqliteCache) Name() string {
	return c.name
}

func (c *sqliteCache) Match(ctx context.Context, key string) (*Entry, error) {
	var data []byte
	err := c.storage.db.QueryRowContext(ctx,
		"SELECT bytes FROM entries WHERE cache = ? AND key = ?", c.name, key).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return DecodeEntry(data)
}

// Put 在缓存已被删除时返回错误，不会重新创建缓存。
func (c *sqliteCache) Put(ctx context.Context, key string, entry Entry) error {
	data, err := entry.Encode()
	if err != nil {
		return err
	}
	c.storage.writeMutex.Lock()
	defer c.storage.writeMutex.Unlock()

	var exists int
	err = c.storage.db.QueryRowContext(ctx, "SELECT 1 FROM caches WHERE name = ?", c.name).Scan(&exists)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("cache %s no longer exists", c.name)
		}
		return err
	}
	_, err = c.storage.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO entries (cache, key, stored_at, bytes) VALUES (?, ?, ?, ?)",
		c.name, key, entry.StoredAt.Unix(), data)
	return err
}
