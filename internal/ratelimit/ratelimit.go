package ratelimit

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nekota/device-manager/internal/store"
	apperrors "github.com/nekota/device-manager/pkg/errors"
)

type Config struct {
	Requests int           // bucket size
	Window   time.Duration // time to refill a full bucket
	Timeout  time.Duration // per check; store.DefaultCallTimeout when zero
}

// RateLimiter is a redis-backed token bucket shared by every replica. When
// redis cannot be reached requests are let through.
type RateLimiter struct {
	rdb    *redis.Client
	prefix string
	cfg    Config
	now    func() time.Time
}

func New(rdb *redis.Client, prefix string, cfg Config) *RateLimiter {
	if cfg.Requests <= 0 {
		cfg.Requests = 30
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = store.DefaultCallTimeout
	}
	return &RateLimiter{rdb: rdb, prefix: prefix, cfg: cfg, now: time.Now}
}

// KEYS[1] bucket; ARGV: capacity, window_ms, now_ms, ttl_s. Returns 1 when allowed.
var bucket = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local state = redis.call('HMGET', key, 'tokens', 'last')
local tokens = tonumber(state[1]) or capacity
local last = tonumber(state[2]) or now
local refill = math.floor(math.max(0, now - last) * capacity / window)
if refill > 0 then
  tokens = math.min(capacity, tokens + refill)
  last = now
end
local allowed = 0
if tokens > 0 then
  tokens = tokens - 1
  allowed = 1
end
redis.call('HSET', key, 'tokens', tokens, 'last', last)
redis.call('EXPIRE', key, tonumber(ARGV[4]))
return allowed
`)

func (rl *RateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	windowMS := rl.cfg.Window.Milliseconds()
	ttl := int64(rl.cfg.Window.Seconds())*2 + 1
	now := rl.now().UnixMilli()
	res, err := store.Bounded(ctx, rl.cfg.Timeout, func(ctx context.Context) (int64, error) {
		return bucket.Run(ctx, rl.rdb, []string{rl.prefix + ":" + key},
			rl.cfg.Requests, windowMS, now, ttl).Int64()
	})
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

func (rl *RateLimiter) retryAfter() int {
	per := rl.cfg.Window / time.Duration(rl.cfg.Requests)
	secs := int((per + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

func (rl *RateLimiter) Middleware(keyFunc func(r *http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.URL.Path + ":" + keyFunc(r)
			allowed, err := rl.Allow(r.Context(), key)
			if err != nil {
				slog.Warn("rate limiter unavailable, allowing request", "key", key, "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				apperrors.WriteError(w, apperrors.TooManyRequests("rate limit exceeded", rl.retryAfter()))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func KeyByIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
