package store

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only when held by the caller.
// Returns 1 on delete, 0 otherwise.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`

// slideScript implements a ZSET sliding window atomically:
// trim entries older than the cutoff, add the new event, return the
// resulting cardinality and the oldest surviving score.
// KEYS[1] window key
// ARGV[1] now (unix micros), ARGV[2] cutoff (unix micros), ARGV[3] member, ARGV[4] ttl seconds
const slideScript = `
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[2])
redis.call("ZADD", KEYS[1], ARGV[1], ARGV[3])
redis.call("EXPIRE", KEYS[1], ARGV[4])
local count = redis.call("ZCARD", KEYS[1])
local oldest = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
return {count, oldest[2]}
`

// RedisCoordinator implements Coordinator using Redis. Lua scripts are
// preloaded so the atomic paths never ship script text per call.
type RedisCoordinator struct {
	client *redis.Client

	releaseSHA string
	slideSHA   string
}

// NewRedisCoordinator connects to Redis and preloads the coordination scripts.
func NewRedisCoordinator(addr string, password string, db int) (*RedisCoordinator, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	releaseSHA, err := client.ScriptLoad(ctx, releaseScript).Result()
	if err != nil {
		return nil, err
	}
	slideSHA, err := client.ScriptLoad(ctx, slideScript).Result()
	if err != nil {
		return nil, err
	}

	return &RedisCoordinator{
		client:     client,
		releaseSHA: releaseSHA,
		slideSHA:   slideSHA,
	}, nil
}

// Close closes the underlying client.
func (c *RedisCoordinator) Close() error {
	return c.client.Close()
}

// AcquireLock attempts SET key owner NX EX ttl.
func (c *RedisCoordinator) AcquireLock(ctx context.Context, key string, ownerID string, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, key, ownerID, ttl).Result()
}

// ReleaseLock releases the lock only if held by ownerID.
func (c *RedisCoordinator) ReleaseLock(ctx context.Context, key string, ownerID string) error {
	return c.client.EvalSha(ctx, c.releaseSHA, []string{key}, ownerID).Err()
}

// SlideWindow records one event and returns the in-window count plus the
// oldest surviving event time.
func (c *RedisCoordinator) SlideWindow(ctx context.Context, key string, at time.Time, window time.Duration) (int64, time.Time, error) {
	now := at.UnixMicro()
	cutoff := at.Add(-window).UnixMicro()
	// Unique member per event so simultaneous requests never collapse into
	// one ZSET entry and undercount the window.
	member := strconv.FormatInt(now, 10) + "-" + uuid.NewString()
	ttl := int64(window/time.Second) + 1

	res, err := c.client.EvalSha(ctx, c.slideSHA, []string{key}, now, cutoff, member, ttl).Result()
	if err != nil {
		return 0, time.Time{}, err
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 1 {
		return 0, time.Time{}, nil
	}
	count, _ := vals[0].(int64)
	oldest := time.Time{}
	if len(vals) > 1 {
		switch v := vals[1].(type) {
		case string:
			if micros, err := strconv.ParseInt(v, 10, 64); err == nil {
				oldest = time.UnixMicro(micros)
			}
		case int64:
			oldest = time.UnixMicro(v)
		}
	}
	return count, oldest, nil
}

// GetIdempotencyRecord retrieves a cached idempotency response.
func (c *RedisCoordinator) GetIdempotencyRecord(ctx context.Context, key string) (string, error) {
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	return val, err
}

// SetIdempotencyRecordNX stores an idempotency response only if absent.
func (c *RedisCoordinator) SetIdempotencyRecordNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, key, value, ttl).Result()
}
