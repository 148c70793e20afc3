package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

// Bucket configures a token bucket. A zero Bucket disables limiting.
type Bucket struct {
	EventsPerMinute int `yaml:"eventsPerMinute"`
	BurstSize       int `yaml:"burstSize"`
}

func (b Bucket) Enabled() bool {
	return b.EventsPerMinute > 0 && b.BurstSize > 0
}

type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

type Limiter interface {
	Allow(ctx context.Context, scope string, subject string, bucket Bucket) (Decision, error)
}

// TokenBucketLimiter keeps bucket state in Redis so every invocation of an
// array shares one budget per subject. Refill and take happen in a single
// script evaluation.
type TokenBucketLimiter struct {
	rdb *redis.Client
}

func NewTokenBucketLimiter(rdb *redis.Client) *TokenBucketLimiter {
	return &TokenBucketLimiter{rdb: rdb}
}

var takeScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1]) -- tokens/sec
local capacity = tonumber(ARGV[2])
local now = tonumber(ARGV[3]) -- ms
local ttl_ms = tonumber(ARGV[4])

local tokens = tonumber(redis.call("HGET", key, "tokens"))
local ts = tonumber(redis.call("HGET", key, "ts"))
if not tokens then tokens = capacity end
if not ts then ts = now end
if now < ts then ts = now end

tokens = math.min(capacity, tokens + (now - ts) * (rate / 1000.0))

local allowed = 0
local retry_after_s = 0
if tokens >= 1.0 then
  allowed = 1
  tokens = tokens - 1.0
elseif rate > 0 then
  retry_after_s = math.max(1, math.ceil((1.0 - tokens) / rate))
else
  retry_after_s = 60
end

redis.call("HSET", key, "tokens", tokens, "ts", now)
redis.call("PEXPIRE", key, ttl_ms)
return {allowed, retry_after_s}
`)

func (l *TokenBucketLimiter) Allow(ctx context.Context, scope string, subject string, bucket Bucket) (Decision, error) {
	if l == nil || l.rdb == nil || !bucket.Enabled() {
		return Decision{Allowed: true}, nil
	}
	if scope = strings.TrimSpace(scope); scope == "" {
		scope = "default"
	}
	if subject = strings.TrimSpace(subject); subject == "" {
		subject = "unknown"
	}
	key := fmt.Sprintf("granulepush:rl:%s:%s", scope, hashSubject(subject))

	ratePerSec := float64(bucket.EventsPerMinute) / 60.0
	capacity := float64(bucket.BurstSize)

	res, err := takeScript.Run(ctx, l.rdb, []string{key},
		ratePerSec, capacity, time.Now().UTC().UnixMilli(), bucketTTL(ratePerSec, capacity).Milliseconds()).Result()
	if err != nil {
		return Decision{}, err
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return Decision{}, fmt.Errorf("unexpected redis ratelimit response: %T", res)
	}
	allowed, _ := vals[0].(int64)
	retryAfterS, _ := vals[1].(int64)
	if allowed == 1 {
		return Decision{Allowed: true}, nil
	}
	if retryAfterS <= 0 {
		retryAfterS = 1
	}
	return Decision{Allowed: false, RetryAfter: time.Duration(retryAfterS) * time.Second}, nil
}

func hashSubject(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:8])
}

// bucketTTL bounds state retention to roughly two refill-to-full cycles.
func bucketTTL(ratePerSec, capacity float64) time.Duration {
	if ratePerSec <= 0 || capacity <= 0 {
		return 2 * time.Minute
	}
	ttl := time.Duration(capacity/ratePerSec*2)*time.Second + 5*time.Second
	if ttl < 30*time.Second {
		ttl = 30 * time.Second
	}
	if ttl > time.Hour {
		ttl = time.Hour
	}
	return ttl
}
