package cache

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryCacheSetGet(t *testing.T) {
	mc := NewMemoryCache()
	defer mc.Close()
	ctx := context.Background()

	if err := mc.Set(ctx, "k1", []byte("v1"), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := mc.Get(ctx, "k1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != "v1" {
		t.Errorf("value = %q", got)
	}
}

func TestMemoryCacheMissAndExpiry(t *testing.T) {
	mc := NewMemoryCache()
	defer mc.Close()
	ctx := context.Background()

	if _, err := mc.Get(ctx, "absent"); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("err = %v, want ErrCacheMiss", err)
	}

	mc.Set(ctx, "short", []byte("v"), 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	if _, err := mc.Get(ctx, "short"); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("expired key err = %v, want ErrCacheMiss", err)
	}
}

func TestMemoryCacheSweepReapsExpired(t *testing.T) {
	mc := NewMemoryCacheWithSweep(10 * time.Millisecond)
	defer mc.Close()
	ctx := context.Background()

	mc.Set(ctx, "short", []byte("v"), 5*time.Millisecond)
	mc.Set(ctx, "long", []byte("v"), time.Minute)

	deadline := time.Now().Add(2 * time.Second)
	for {
		mc.mu.RLock()
		_, present := mc.entries["short"]
		mc.mu.RUnlock()
		if !present {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("sweep never reaped the expired entry")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, err := mc.Get(ctx, "long"); err != nil {
		t.Errorf("live entry reaped: %v", err)
	}
}

func TestMemoryCacheDeleteAndPrefix(t *testing.T) {
	mc := NewMemoryCache()
	defer mc.Close()
	ctx := context.Background()

	mc.Set(ctx, "orthanc:1.2.3:series", []byte("a"), time.Minute)
	mc.Set(ctx, "orthanc:1.2.3:1.2.3.1:instances", []byte("b"), time.Minute)
	mc.Set(ctx, "orthanc:4.5.6:series", []byte("c"), time.Minute)
	mc.Set(ctx, "other:1.2.3:series", []byte("d"), time.Minute)

	if err := mc.Delete(ctx, "orthanc:4.5.6:series"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := mc.Get(ctx, "orthanc:4.5.6:series"); !errors.Is(err, ErrCacheMiss) {
		t.Error("deleted key still readable")
	}

	// Dropping one study's results on one node leaves other nodes alone.
	if err := mc.DeletePrefix(ctx, CacheKey("orthanc", "1.2.3", "", "")); err != nil {
		t.Fatalf("delete prefix: %v", err)
	}
	if _, err := mc.Get(ctx, "orthanc:1.2.3:series"); !errors.Is(err, ErrCacheMiss) {
		t.Error("study-scoped key survived prefix delete")
	}
	if _, err := mc.Get(ctx, "orthanc:1.2.3:1.2.3.1:instances"); !errors.Is(err, ErrCacheMiss) {
		t.Error("series-scoped key survived prefix delete")
	}
	if _, err := mc.Get(ctx, "other:1.2.3:series"); err != nil {
		t.Error("other node's key was deleted")
	}
}

func TestCacheKey(t *testing.T) {
	cases := []struct {
		node, study, series, suffix, want string
	}{
		{"orthanc", "1.2", "1.2.1", "instances", "orthanc:1.2:1.2.1:instances"},
		{"orthanc", "1.2", "", "series", "orthanc:1.2:series"},
		{"orthanc", "", "", "studies|PID-1", "orthanc:studies|PID-1"},
	}
	for _, c := range cases {
		if got := CacheKey(c.node, c.study, c.series, c.suffix); got != c.want {
			t.Errorf("CacheKey(%q,%q,%q,%q) = %q, want %q", c.node, c.study, c.series, c.suffix, got, c.want)
		}
	}
}
