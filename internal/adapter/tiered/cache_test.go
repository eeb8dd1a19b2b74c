package tiered

import (
	"context"
	"sync"
	"testing"
	"time"
)

type mapCache struct {
	mu   sync.Mutex
	m    map[string][]byte
	ttls map[string]time.Duration
}

func newMapCache() *mapCache {
	return &mapCache{m: map[string][]byte{}, ttls: map[string]time.Duration{}}
}

func (c *mapCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.m[key]
	return v, ok, nil
}

func (c *mapCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[key] = value
	c.ttls[key] = ttl
	return nil
}

func (c *mapCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, key)
	return nil
}

func TestGetBackfillsL1FromL2(t *testing.T) {
	l1, l2 := newMapCache(), newMapCache()
	c := New(l1, l2, time.Minute)
	ctx := context.Background()

	_ = l2.Set(ctx, "k", []byte("v"), time.Hour)

	val, ok, err := c.Get(ctx, "k")
	if err != nil || !ok || string(val) != "v" {
		t.Fatalf("expected L2 hit, got %q ok=%v err=%v", val, ok, err)
	}
	if _, ok, _ := l1.Get(ctx, "k"); !ok {
		t.Fatal("expected L1 backfill")
	}
	if l1.ttls["k"] != time.Minute {
		t.Fatalf("expected backfill ttl 1m, got %s", l1.ttls["k"])
	}
}

func TestSetCapsL1TTL(t *testing.T) {
	l1, l2 := newMapCache(), newMapCache()
	c := New(l1, l2, time.Minute)
	ctx := context.Background()

	if err := c.Set(ctx, "k", []byte("v"), 15*time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if l1.ttls["k"] != time.Minute {
		t.Errorf("L1 ttl = %s, want 1m", l1.ttls["k"])
	}
	if l2.ttls["k"] != 15*time.Minute {
		t.Errorf("L2 ttl = %s, want 15m", l2.ttls["k"])
	}

	if err := c.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := l2.Get(ctx, "k"); ok {
		t.Fatal("expected L2 delete")
	}
}

func TestNilL2(t *testing.T) {
	c := New(newMapCache(), nil, time.Minute)
	ctx := context.Background()

	if _, ok, err := c.Get(ctx, "missing"); ok || err != nil {
		t.Fatalf("expected clean miss, got ok=%v err=%v", ok, err)
	}
	if err := c.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if val, ok, _ := c.Get(ctx, "k"); !ok || string(val) != "v" {
		t.Fatal("expected L1 hit")
	}
	if err := c.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
}
