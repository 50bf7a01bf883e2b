package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/llmctl/llmctl/common/logger"
)

func newTestCache(t *testing.T) *MemoryCache {
	t.Helper()
	c := NewMemoryCache(logger.New("error", "json"))
	t.Cleanup(func() { c.Close() })
	return c
}

// TestMemoryCacheRoundTrip verifies set/get/delete behavior.
func TestMemoryCacheRoundTrip(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	if _, ok, _ := c.Get(ctx, "missing"); ok {
		t.Error("missing key should not hit")
	}

	if err := c.Set(ctx, "graph:f1", []byte("payload"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	value, ok, err := c.Get(ctx, "graph:f1")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if string(value) != "payload" {
		t.Errorf("value = %q", value)
	}

	if err := c.Delete(ctx, "graph:f1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := c.Get(ctx, "graph:f1"); ok {
		t.Error("deleted key should not hit")
	}
}

// TestMemoryCacheExpiry verifies entries stop hitting after their TTL.
func TestMemoryCacheExpiry(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	c.Set(ctx, "k", []byte("v"), 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	if _, ok, _ := c.Get(ctx, "k"); ok {
		t.Error("expired entry should not hit")
	}
}

// TestGetOrLoad verifies the loader runs once while warm and again after
// expiry, and loader failures propagate.
func TestGetOrLoad(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	loads := 0
	load := func(context.Context) ([]byte, error) {
		loads++
		return []byte("built"), nil
	}

	for i := 0; i < 3; i++ {
		value, err := GetOrLoad(ctx, c, "graph:f2", time.Minute, load)
		if err != nil {
			t.Fatalf("GetOrLoad: %v", err)
		}
		if string(value) != "built" {
			t.Errorf("value = %q", value)
		}
	}
	if loads != 1 {
		t.Errorf("loader ran %d times, want 1", loads)
	}

	boom := errors.New("load failed")
	if _, err := GetOrLoad(ctx, c, "other", time.Minute, func(context.Context) ([]byte, error) {
		return nil, boom
	}); !errors.Is(err, boom) {
		t.Errorf("GetOrLoad error = %v", err)
	}
}
