package store

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a Redis-backed implementation of Store.
// Suitable for distributed deployments in Kubernetes.
//
// Multi-step operations (token bucket, window checks) run as Lua scripts
// so they are atomic under concurrent access from many server processes.
// Scripts read the clock from the Redis server (TIME) rather than the
// application host, so counters shared between machines are immune to
// clock drift between those machines.
type Redis struct {
	client *redis.Client
	prefix string
	seq    atomic.Int64
}

// RedisConfig holds configuration for Redis connection.
// Populate from environment variables in your application code.
type RedisConfig struct {
	URL      string
	Password string
	DB       int
	Prefix   string
}

// NewRedis creates a Redis store with the given configuration.
func NewRedis(config RedisConfig) (*Redis, error) {
	if config.Prefix == "" {
		config.Prefix = "traffickit:"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     config.URL,
		Password: config.Password,
		DB:       config.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Redis{
		client: client,
		prefix: config.Prefix,
	}, nil
}

// tokenTakeScript refills the bucket from elapsed server time, caps it at
// capacity, then attempts to deduct ARGV[3] tokens. Token counts are stored
// as strings to keep float precision across calls.
var tokenTakeScript = redis.NewScript(`
local time = redis.call("TIME")
local now = tonumber(time[1]) + tonumber(time[2]) / 1e6
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local n = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local tokens = capacity
local last = now
local state = redis.call("HMGET", KEYS[1], "tokens", "last")
if state[1] then
  tokens = tonumber(state[1])
  last = tonumber(state[2])
end

local elapsed = now - last
if elapsed < 0 then
  elapsed = 0
end
tokens = tokens + elapsed * rate
if tokens > capacity then
  tokens = capacity
end

local allowed = 0
if tokens >= n then
  tokens = tokens - n
  allowed = 1
end

redis.call("HSET", KEYS[1], "tokens", tostring(tokens), "last", tostring(now))
redis.call("PEXPIRE", KEYS[1], ttl)
return {allowed, tostring(tokens)}
`)

// windowAllowScript prunes the trailing window, then records the request
// only if the set is below the limit. Returns the decision, the resulting
// count, and the score of the oldest retained entry (ms).
var windowAllowScript = redis.NewScript(`
local time = redis.call("TIME")
local now = tonumber(time[1]) * 1000 + math.floor(tonumber(time[2]) / 1000)
local window = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local member = ARGV[3]
local ttl = tonumber(ARGV[4])

redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", now - window)
local count = redis.call("ZCARD", KEYS[1])
local allowed = 0
if count < limit then
  redis.call("ZADD", KEYS[1], now, member)
  allowed = 1
  count = count + 1
end
redis.call("PEXPIRE", KEYS[1], ttl)

local oldest = "0"
local head = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
if head[2] then
  oldest = tostring(head[2])
end
return {allowed, count, oldest}
`)

// windowObserveScript records the request unconditionally and returns the
// count inside the trailing window.
var windowObserveScript = redis.NewScript(`
local time = redis.call("TIME")
local now = tonumber(time[1]) * 1000 + math.floor(tonumber(time[2]) / 1000)
local window = tonumber(ARGV[1])
local member = ARGV[2]
local ttl = tonumber(ARGV[3])

redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", now - window)
redis.call("ZADD", KEYS[1], now, member)
redis.call("PEXPIRE", KEYS[1], ttl)
return redis.call("ZCARD", KEYS[1])
`)

// Increment increments the counter for the given key and returns the new count, TTL, and any error.
func (r *Redis) Increment(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	return r.IncrementBy(ctx, key, 1, window)
}

// IncrementBy increments the counter for the given key by n.
func (r *Redis) IncrementBy(ctx context.Context, key string, n int64, window time.Duration) (int64, time.Duration, error) {
	fullKey := r.prefix + key

	pipe := r.client.Pipeline()
	incr := pipe.IncrBy(ctx, fullKey, n)
	pipe.ExpireNX(ctx, fullKey, window)
	ttlCmd := pipe.TTL(ctx, fullKey)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, fmt.Errorf("redis increment failed: %w", err)
	}

	ttl := min(window, ttlCmd.Val())

	return incr.Val(), ttl, nil
}

// Get retrieves the current count for the given key without incrementing.
func (r *Redis) Get(ctx context.Context, key string) (int64, error) {
	val, err := r.client.Get(ctx, r.prefix+key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis get failed: %w", err)
	}
	return val, nil
}

// Delete removes the given key.
func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis delete failed: %w", err)
	}
	return nil
}

// TokenTake atomically refills and deducts from the token bucket under key.
func (r *Redis) TokenTake(ctx context.Context, key string, capacity, refillPerSec, n float64) (bool, float64, error) {
	// Expire an idle bucket once it would have fully refilled twice over.
	ttl := int64(2 * 1000 * capacity / refillPerSec)
	if ttl < 1000 {
		ttl = 1000
	}

	res, err := tokenTakeScript.Run(ctx, r.client, []string{r.prefix + key},
		capacity, refillPerSec, n, ttl).Result()
	if err != nil {
		return false, 0, fmt.Errorf("redis token take failed: %w", err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return false, 0, fmt.Errorf("redis token take: unexpected reply %v", res)
	}
	allowed, _ := vals[0].(int64)
	remaining, err := replyFloat(vals[1])
	if err != nil {
		return false, 0, fmt.Errorf("redis token take: %w", err)
	}
	return allowed == 1, remaining, nil
}

// WindowAllow atomically prunes, counts, and conditionally records in the
// sliding window under key.
func (r *Redis) WindowAllow(ctx context.Context, key string, window time.Duration, limit int64) (bool, int64, time.Time, error) {
	res, err := windowAllowScript.Run(ctx, r.client, []string{r.prefix + key},
		window.Milliseconds(), limit, r.member(), (2 * window).Milliseconds()).Result()
	if err != nil {
		return false, 0, time.Time{}, fmt.Errorf("redis window allow failed: %w", err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 3 {
		return false, 0, time.Time{}, fmt.Errorf("redis window allow: unexpected reply %v", res)
	}
	allowed, _ := vals[0].(int64)
	count, _ := vals[1].(int64)
	oldestMs, err := replyFloat(vals[2])
	if err != nil {
		return false, 0, time.Time{}, fmt.Errorf("redis window allow: %w", err)
	}

	var oldest time.Time
	if oldestMs > 0 {
		oldest = time.UnixMilli(int64(oldestMs))
	}
	return allowed == 1, count, oldest, nil
}

// WindowObserve atomically records the request and returns the window count.
func (r *Redis) WindowObserve(ctx context.Context, key string, window time.Duration) (int64, error) {
	res, err := windowObserveScript.Run(ctx, r.client, []string{r.prefix + key},
		window.Milliseconds(), r.member(), (2 * window).Milliseconds()).Result()
	if err != nil {
		return 0, fmt.Errorf("redis window observe failed: %w", err)
	}
	count, ok := res.(int64)
	if !ok {
		return 0, fmt.Errorf("redis window observe: unexpected reply %v", res)
	}
	return count, nil
}

// HashGet returns the value of field in the hash under key, or "" if absent.
func (r *Redis) HashGet(ctx context.Context, key, field string) (string, error) {
	val, err := r.client.HGet(ctx, r.prefix+key, field).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("redis hget failed: %w", err)
	}
	return val, nil
}

// HashSet sets field to value in the hash under key.
func (r *Redis) HashSet(ctx context.Context, key, field, value string) error {
	if err := r.client.HSet(ctx, r.prefix+key, field, value).Err(); err != nil {
		return fmt.Errorf("redis hset failed: %w", err)
	}
	return nil
}

// HashGetAll returns all fields of the hash under key.
func (r *Redis) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	vals, err := r.client.HGetAll(ctx, r.prefix+key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall failed: %w", err)
	}
	return vals, nil
}

// HashDelete removes fields from the hash under key.
func (r *Redis) HashDelete(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	if err := r.client.HDel(ctx, r.prefix+key, fields...).Err(); err != nil {
		return fmt.Errorf("redis hdel failed: %w", err)
	}
	return nil
}

// Close releases resources held by the Redis client.
func (r *Redis) Close() error {
	return r.client.Close()
}

// member builds a unique sorted-set member so two requests landing on the
// same millisecond don't collapse into one entry.
func (r *Redis) member() string {
	return strconv.FormatInt(time.Now().UnixNano(), 36) + "-" + strconv.FormatInt(r.seq.Add(1), 36)
}

func replyFloat(v interface{}) (float64, error) {
	switch t := v.(type) {
	case string:
		return strconv.ParseFloat(t, 64)
	case int64:
		return float64(t), nil
	default:
		return 0, fmt.Errorf("unexpected reply element %T", v)
	}
}
