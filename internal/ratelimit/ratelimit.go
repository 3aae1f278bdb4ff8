// Package ratelimit implements the token-bucket limiter of spec.md §4.8:
// one bucket per (route-class, identity), with bucket state shared across
// nodes in cluster mode via the same Valkey instance the Event Bus relay
// uses. It is grounded on rjsadow-sortie's internal/gateway/ratelimit.go
// (a per-IP golang.org/x/time/rate.Limiter map with a cleanup loop),
// generalized from "per IP" to "per (class, identity)" and given a
// cluster-shared tier because a single node's in-memory map cannot satisfy
// spec's cross-node requirement. internal/bus.Bus's "nil Redis client means
// single-node mode" convention is reused here: with no Valkey client, a
// Limiter falls back to local in-memory buckets.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Class tags a route with the bucket configuration it draws from
// (spec.md §4.8: auth, message_send, presence, federation_inbound, etc).
type Class string

const (
	ClassAuth               Class = "auth"
	ClassMessageSend        Class = "message_send"
	ClassPresence           Class = "presence"
	ClassFederationInbound  Class = "federation_inbound"
	ClassChannelRead        Class = "channel_read"
)

// Config is a route class's bucket shape: capacity tokens, refilled at
// refill_per_second.
type Config struct {
	Capacity        int
	RefillPerSecond float64
}

// DefaultConfigs are the route-class bucket shapes used when a deployment
// does not override them via config.
var DefaultConfigs = map[Class]Config{
	ClassAuth:              {Capacity: 10, RefillPerSecond: 0.5},
	ClassMessageSend:       {Capacity: 20, RefillPerSecond: 5},
	ClassPresence:          {Capacity: 30, RefillPerSecond: 10},
	ClassFederationInbound: {Capacity: 100, RefillPerSecond: 50},
	ClassChannelRead:       {Capacity: 60, RefillPerSecond: 20},
}

// Decision is the result of a rate-limit check. RetryAfter is only
// meaningful when Allowed is false, giving callers the "machine-readable
// retry hint" spec.md §4.8 requires.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Limiter checks and consumes tokens from per-(class, identity) buckets.
type Limiter struct {
	rdb     *redis.Client
	configs map[Class]Config
	log     zerolog.Logger

	mu    sync.Mutex
	local map[string]*rate.Limiter
}

// New constructs a Limiter. rdb may be nil, in which case buckets are
// purely local to this process (single-node mode, mirroring bus.New).
func New(rdb *redis.Client, configs map[Class]Config, logger zerolog.Logger) *Limiter {
	if configs == nil {
		configs = DefaultConfigs
	}
	return &Limiter{
		rdb:     rdb,
		configs: configs,
		log:     logger,
		local:   make(map[string]*rate.Limiter),
	}
}

// Allow consumes one token from the (class, identity) bucket, creating it
// with the class's configured capacity/refill rate on first use. Identity
// is the authenticated user id for authenticated routes, or "ip:route" for
// unauthenticated ones (spec.md §4.8).
func (l *Limiter) Allow(ctx context.Context, class Class, identity string) (Decision, error) {
	cfg, ok := l.configs[class]
	if !ok {
		cfg = Config{Capacity: 30, RefillPerSecond: 10}
	}

	if l.rdb == nil {
		return l.allowLocal(class, identity, cfg), nil
	}
	return l.allowCluster(ctx, class, identity, cfg)
}

func (l *Limiter) allowLocal(class Class, identity string, cfg Config) Decision {
	key := string(class) + ":" + identity

	l.mu.Lock()
	lim, ok := l.local[key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(cfg.RefillPerSecond), cfg.Capacity)
		l.local[key] = lim
	}
	l.mu.Unlock()

	reservation := lim.ReserveN(time.Now(), 1)
	if !reservation.OK() {
		return Decision{Allowed: false, RetryAfter: time.Second}
	}
	delay := reservation.Delay()
	if delay > 0 {
		reservation.Cancel()
		return Decision{Allowed: false, RetryAfter: delay}
	}
	return Decision{Allowed: true}
}

// tokenBucketScript implements a refill-on-read token bucket atomically:
// KEYS[1] is the bucket hash key (fields "tokens", "ts"); ARGV is
// capacity, refill_per_second, now (ms), requested tokens, and a TTL in
// seconds so idle buckets expire instead of growing Valkey's key space
// without bound.
const tokenBucketScript = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_per_sec = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])
local requested = tonumber(ARGV[4])
local ttl_sec = tonumber(ARGV[5])

local data = redis.call("HMGET", key, "tokens", "ts")
local tokens = tonumber(data[1])
local ts = tonumber(data[2])

if tokens == nil then
  tokens = capacity
  ts = now_ms
end

local elapsed_sec = math.max(0, (now_ms - ts) / 1000)
tokens = math.min(capacity, tokens + elapsed_sec * refill_per_sec)

local allowed = 0
local retry_after_ms = 0
if tokens >= requested then
  tokens = tokens - requested
  allowed = 1
else
  local deficit = requested - tokens
  if refill_per_sec > 0 then
    retry_after_ms = math.ceil(deficit / refill_per_sec * 1000)
  else
    retry_after_ms = 1000
  end
end

redis.call("HSET", key, "tokens", tokens, "ts", now_ms)
redis.call("EXPIRE", key, ttl_sec)

return {allowed, retry_after_ms}
`

func (l *Limiter) allowCluster(ctx context.Context, class Class, identity string, cfg Config) (Decision, error) {
	key := fmt.Sprintf("nexus.ratelimit.%s.%s", class, identity)
	ttlSeconds := int(float64(cfg.Capacity)/cfg.RefillPerSecond) + 60
	if ttlSeconds < 60 {
		ttlSeconds = 60
	}

	res, err := l.rdb.Eval(ctx, tokenBucketScript, []string{key},
		cfg.Capacity, cfg.RefillPerSecond, time.Now().UnixMilli(), 1, ttlSeconds,
	).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: eval token bucket: %w", err)
	}

	vals, ok := res.([]any)
	if !ok || len(vals) != 2 {
		return Decision{}, fmt.Errorf("ratelimit: unexpected script result %T", res)
	}
	allowed, _ := vals[0].(int64)
	retryAfterMS, _ := vals[1].(int64)

	if allowed == 1 {
		return Decision{Allowed: true}, nil
	}
	return Decision{Allowed: false, RetryAfter: time.Duration(retryAfterMS) * time.Millisecond}, nil
}
