package cache

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type storageFactory func(t *testing.T) Storage

func storageDrivers() map[string]storageFactory {
	return map[string]storageFactory{
		"memory": func(t *testing.T) Storage { return NewMemoryStorage() },
		"fs": func(t *testing.T) Storage {
			s, err := NewFileStorage(t.TempDir())
			if err != nil {
				t.Fatalf("failed to create fs storage: %v", err)
			}
			return s
		},
		"sqlite": func(t *testing.T) Storage {
			s, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "cache.db"))
			if err != nil {
				t.Fatalf("failed to create sqlite storage: %v", err)
			}
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
}

func forEachDriver(t *testing.T, fn func(t *testing.T, s Storage)) {
	for name, factory := range storageDrivers() {
		t.Run(name, func(t *testing.T) {
			fn(t, factory(t))
		})
	}
}

func sampleEntry(body string) Entry {
	return Entry{
		StatusCode: http.StatusOK,
		Header: http.Header{
			"Content-Type": []string{"text/html"},
			"Date":         []string{time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC).Format(http.TimeFormat)},
		},
		Body:     []byte(body),
		StoredAt: time.Date(2024, 1, 2, 3, 4, 6, 0, time.UTC),
	}
}

func TestStoragePutAndMatch(t *testing.T) {
	forEachDriver(t, func(t *testing.T, s Storage) {
		ctx := context.Background()
		c, err := s.Open(ctx, "content-v1")
		if err != nil {
			t.Fatalf("open error: %v", err)
		}
		if c.Name() != "content-v1" {
			t.Fatalf("unexpected name %s", c.Name())
		}

		key := "https://example.com/index.html"
		if err := c.Put(ctx, key, sampleEntry("<html>v1</html>")); err != nil {
			t.Fatalf("put error: %v", err)
		}

		got, err := c.Match(ctx, key)
		if err != nil {
			t.Fatalf("match error: %v", err)
		}
		if string(got.Body) != "<html>v1</html>" {
			t.Fatalf("body mismatch: %s", got.Body)
		}
		if got.StatusCode != http.StatusOK {
			t.Fatalf("status mismatch: %d", got.StatusCode)
		}
		if got.Header.Get("Content-Type") != "text/html" {
			t.Fatalf("header mismatch: %v", got.Header)
		}
		if _, ok := got.Date(); !ok {
			t.Fatalf("date header should survive storage")
		}
		if !got.StoredAt.Equal(sampleEntry("").StoredAt) {
			t.Fatalf("stored_at mismatch: %v", got.StoredAt)
		}
	})
}

func TestStoragePutOverwrites(t *testing.T) {
	forEachDriver(t, func(t *testing.T, s Storage) {
		ctx := context.Background()
		c, _ := s.Open(ctx, "content-v1")
		key := "https://example.com/data.json"
		if err := c.Put(ctx, key, sampleEntry("old")); err != nil {
			t.Fatalf("put error: %v", err)
		}
		if err := c.Put(ctx, key, sampleEntry("new")); err != nil {
			t.Fatalf("put error: %v", err)
		}
		got, err := c.Match(ctx, key)
		if err != nil {
			t.Fatalf("match error: %v", err)
		}
		if string(got.Body) != "new" {
			t.Fatalf("expected overwrite, got %s", got.Body)
		}
	})
}

func TestStorageMatchMissing(t *testing.T) {
	forEachDriver(t, func(t *testing.T, s Storage) {
		c, _ := s.Open(context.Background(), "content-v1")
		if _, err := c.Match(context.Background(), "https://example.com/missing"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestStorageKeysAndDelete(t *testing.T) {
	forEachDriver(t, func(t *testing.T, s Storage) {
		ctx := context.Background()
		for _, name := range []string{"offline-v1", "assets-v1", "content-v0"} {
			if _, err := s.Open(ctx, name); err != nil {
				t.Fatalf("open %s: %v", name, err)
			}
		}
		keys, err := s.Keys(ctx)
		if err != nil {
			t.Fatalf("keys error: %v", err)
		}
		want := []string{"assets-v1", "content-v0", "offline-v1"}
		if len(keys) != len(want) {
			t.Fatalf("expected %v, got %v", want, keys)
		}
		for i := range want {
			if keys[i] != want[i] {
				t.Fatalf("expected %v, got %v", want, keys)
			}
		}

		deleted, err := s.Delete(ctx, "content-v0")
		if err != nil || !deleted {
			t.Fatalf("expected delete to succeed, got %v %v", deleted, err)
		}
		deleted, err = s.Delete(ctx, "content-v0")
		if err != nil || deleted {
			t.Fatalf("second delete should report false, got %v %v", deleted, err)
		}
		keys, _ = s.Keys(ctx)
		if len(keys) != 2 {
			t.Fatalf("expected 2 caches after delete, got %v", keys)
		}
	})
}

func TestStorageDeleteDropsEntries(t *testing.T) {
	forEachDriver(t, func(t *testing.T, s Storage) {
		ctx := context.Background()
		c, _ := s.Open(ctx, "content-v1")
		key := "https://example.com/app.js"
		if err := c.Put(ctx, key, sampleEntry("js")); err != nil {
			t.Fatalf("put error: %v", err)
		}
		if _, err := s.Delete(ctx, "content-v1"); err != nil {
			t.Fatalf("delete error: %v", err)
		}
		if err := c.Put(ctx, key, sampleEntry("again")); err == nil {
			t.Fatalf("put into deleted cache should fail")
		}

		reopened, _ := s.Open(ctx, "content-v1")
		if _, err := reopened.Match(ctx, key); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected empty cache after delete, got %v", err)
		}
	})
}

func TestStorageRejectsInvalidNames(t *testing.T) {
	forEachDriver(t, func(t *testing.T, s Storage) {
		for _, name := range []string{"", "../escape", "a/b"} {
			if _, err := s.Open(context.Background(), name); !errors.Is(err, ErrInvalidName) {
				t.Fatalf("expected ErrInvalidName for %q, got %v", name, err)
			}
		}
	})
}

func TestStorageConcurrentPut(t *testing.T) {
	forEachDriver(t, func(t *testing.T, s Storage) {
		ctx := context.Background()
		c, _ := s.Open(ctx, "content-v1")
		key := "https://example.com/race.css"

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := c.Put(ctx, key, sampleEntry("body")); err != nil {
					t.Errorf("concurrent put: %v", err)
				}
				if _, err := c.Match(ctx, key); err != nil && !errors.Is(err, ErrNotFound) {
					t.Errorf("concurrent match: %v", err)
				}
			}()
		}
		wg.Wait()

		got, err := c.Match(ctx, key)
		if err != nil || string(got.Body) != "body" {
			t.Fatalf("unexpected final entry %v %v", got, err)
		}
	})
}

func TestNewStorageDrivers(t *testing.T) {
	if _, err := NewStorage("memory", ""); err != nil {
		t.Fatalf("memory driver: %v", err)
	}
	if _, err := NewStorage("fs", t.TempDir()); err != nil {
		t.Fatalf("fs driver: %v", err)
	}
	s, err := NewStorage("sqlite", filepath.Join(t.TempDir(), "x.db"))
	if err != nil {
		t.Fatalf("sqlite driver: %v", err)
	}
	_ = s.Close()
	if _, err := NewStorage("redis", ""); err == nil {
		t.Fatalf("unknown driver should fail")
	}
}
