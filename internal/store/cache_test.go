package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisCache(rdb), mr
}

func TestRedisCacheSetGetExpire(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	if err := c.Set(ctx, MemoryKey("dev_x"), "hello", time.Hour); err != nil {
		t.Fatalf("set: %v", err)
	}
	v, ok, err := c.Get(ctx, MemoryKey("dev_x"))
	if err != nil || !ok || v != "hello" {
		t.Fatalf("get: %q ok=%v err=%v", v, ok, err)
	}
	if ttl := mr.TTL("agent:memory:dev_x"); ttl != time.Hour {
		t.Fatalf("unexpected ttl: %v", ttl)
	}

	mr.FastForward(time.Hour + time.Second)
	if _, ok, err := c.Get(ctx, MemoryKey("dev_x")); err != nil || ok {
		t.Fatalf("expected expiry miss, ok=%v err=%v", ok, err)
	}
}

func TestRedisCacheUnavailable(t *testing.T) {
	c, mr := newTestCache(t)
	mr.Close()

	_, _, err := c.Get(context.Background(), MemoryKey("dev_x"))
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if err := c.Set(context.Background(), ProvisionKey("dev_x"), "t", time.Minute); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable on set, got %v", err)
	}
}
