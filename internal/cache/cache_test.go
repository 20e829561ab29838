package cache

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestMemoryCache_GetSet(t *testing.T) {
	cache := NewMemoryCache(1024*1024, 100, 5*time.Minute)
	ctx := context.Background()

	data := []byte(`{"status":"completed"}`)
	metadata := map[string]string{"status": "completed"}
	if err := cache.Set(ctx, "jobs", "doc-1", data, metadata, 0); err != nil {
		t.Fatalf("failed to set cache: %v", err)
	}

	entry, ok := cache.Get(ctx, "jobs", "doc-1")
	if !ok {
		t.Fatal("cache entry not found")
	}
	if string(entry.Data) != string(data) {
		t.Fatalf("expected data %q, got %q", string(data), string(entry.Data))
	}
	if entry.Metadata["status"] != "completed" {
		t.Fatalf("expected metadata status completed, got %s", entry.Metadata["status"])
	}

	if _, ok := cache.Get(ctx, "other", "doc-1"); ok {
		t.Fatal("namespaces must not collide")
	}
}

func TestMemoryCache_Expiration(t *testing.T) {
	cache := NewMemoryCache(1024*1024, 100, 5*time.Minute)
	ctx := context.Background()

	if err := cache.Set(ctx, "jobs", "doc", []byte("x"), nil, 50*time.Millisecond); err != nil {
		t.Fatalf("failed to set cache: %v", err)
	}
	if _, ok := cache.Get(ctx, "jobs", "doc"); !ok {
		t.Fatal("cache entry not found immediately after set")
	}

	time.Sleep(80 * time.Millisecond)

	if _, ok := cache.Get(ctx, "jobs", "doc"); ok {
		t.Fatal("cache entry should be expired")
	}
	if stats := cache.Stats(); stats.Items != 0 || stats.Evictions != 1 {
		t.Fatalf("expected expired entry to be evicted, got %+v", stats)
	}
}

func TestMemoryCache_Delete(t *testing.T) {
	cache := NewMemoryCache(1024*1024, 100, 5*time.Minute)
	ctx := context.Background()

	if err := cache.Set(ctx, "jobs", "doc", []byte("x"), nil, 0); err != nil {
		t.Fatalf("failed to set cache: %v", err)
	}
	if err := cache.Delete(ctx, "jobs", "doc"); err != nil {
		t.Fatalf("failed to delete cache: %v", err)
	}
	if _, ok := cache.Get(ctx, "jobs", "doc"); ok {
		t.Fatal("cache entry should be deleted")
	}
	if size := cache.Stats().Size; size != 0 {
		t.Fatalf("expected size 0 after delete, got %d", size)
	}
}

func TestMemoryCache_EvictsOldestForItemLimit(t *testing.T) {
	cache := NewMemoryCache(1024*1024, 3, 5*time.Minute)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := cache.Set(ctx, "jobs", fmt.Sprintf("doc-%d", i), []byte("x"), nil, 0); err != nil {
			t.Fatalf("failed to set cache: %v", err)
		}
		time.Sleep(time.Millisecond)
	}

	stats := cache.Stats()
	if stats.Items != 3 {
		t.Fatalf("expected 3 items, got %d", stats.Items)
	}
	if _, ok := cache.Get(ctx, "jobs", "doc-0"); ok {
		t.Fatal("oldest entry should have been evicted")
	}
	if _, ok := cache.Get(ctx, "jobs", "doc-4"); !ok {
		t.Fatal("newest entry should be present")
	}
}

func TestMemoryCache_SizeLimit(t *testing.T) {
	cache := NewMemoryCache(10, 100, 5*time.Minute)
	ctx := context.Background()

	if err := cache.Set(ctx, "jobs", "a", []byte("123456"), nil, 0); err != nil {
		t.Fatalf("failed to set cache: %v", err)
	}
	time.Sleep(time.Millisecond)
	if err := cache.Set(ctx, "jobs", "b", []byte("123456"), nil, 0); err != nil {
		t.Fatalf("failed to set cache: %v", err)
	}

	if _, ok := cache.Get(ctx, "jobs", "a"); ok {
		t.Fatal("expected a to be evicted for space")
	}
	if size := cache.Stats().Size; size != 6 {
		t.Fatalf("expected size 6, got %d", size)
	}

	if err := cache.Set(ctx, "jobs", "huge", make([]byte, 11), nil, 0); err == nil {
		t.Fatal("expected error for entry larger than the cache")
	}
}

func TestMemoryCache_OverwriteKeepsSize(t *testing.T) {
	cache := NewMemoryCache(1024, 100, time.Minute)
	ctx := context.Background()

	_ = cache.Set(ctx, "jobs", "doc", []byte("12345"), nil, 0)
	_ = cache.Set(ctx, "jobs", "doc", []byte("12"), nil, 0)

	stats := cache.Stats()
	if stats.Items != 1 || stats.Size != 2 {
		t.Fatalf("expected 1 item of 2 bytes, got %+v", stats)
	}
}

func TestMemoryCache_ClearAndStats(t *testing.T) {
	cache := NewMemoryCache(1024, 100, time.Minute)
	ctx := context.Background()

	_ = cache.Set(ctx, "jobs", "doc", []byte("x"), nil, 0)
	cache.Get(ctx, "jobs", "doc")
	cache.Get(ctx, "jobs", "missing")

	stats := cache.Stats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Fatalf("expected 1 hit and 1 miss, got %+v", stats)
	}

	if err := cache.Clear(ctx); err != nil {
		t.Fatalf("failed to clear cache: %v", err)
	}
	if stats := cache.Stats(); stats.Items != 0 || stats.Hits != 0 {
		t.Fatalf("expected empty stats after clear, got %+v", stats)
	}
}
