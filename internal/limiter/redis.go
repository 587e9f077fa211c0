package limiter

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "flowbit:login:"

// redisCmdable is the subset of the go-redis client the limiter uses.
type redisCmdable interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	PTTL(ctx context.Context, key string) *redis.DurationCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Redis is a limiter shared by every API instance. Failure counters expire
// with the window and blocks expire on their own.
type Redis struct {
	client redisCmdable
	policy Policy
}

var _ Limiter = (*Redis)(nil)

// NewRedis constructs a Redis-backed limiter.
func NewRedis(client *redis.Client, p Policy) *Redis {
	return &Redis{client: client, policy: p.normalized()}
}

// NewRedisWithClient constructs a Redis-backed limiter over any compatible client.
func NewRedisWithClient(client redisCmdable, p Policy) *Redis {
	return &Redis{client: client, policy: p.normalized()}
}

func failKey(username string, ipHash []byte) string {
	return keyPrefix + "fail:" + key(username, ipHash)
}

func blockKey(username string, ipHash []byte) string {
	return keyPrefix + "block:" + key(username, ipHash)
}

// Allow reports whether login is currently allowed and a retry-after duration.
func (l *Redis) Allow(ctx context.Context, username string, ipHash []byte) (bool, time.Duration, error) {
	ttl, err := l.client.PTTL(ctx, blockKey(username, ipHash)).Result()
	if err != nil {
		return false, 0, err
	}
	// Missing keys report a negative ttl.
	if ttl > 0 {
		return false, ttl, nil
	}
	return true, 0, nil
}

// Success resets counters for (username, ip).
func (l *Redis) Success(ctx context.Context, username string, ipHash []byte) error {
	return l.client.Del(ctx, failKey(username, ipHash), blockKey(username, ipHash)).Err()
}

// Failure records a failed attempt; may set a block until a future time.
func (l *Redis) Failure(ctx context.Context, username string, ipHash []byte) (bool, time.Duration, error) {
	fk := failKey(username, ipHash)
	fails, err := l.client.Incr(ctx, fk).Result()
	if err != nil {
		return false, 0, err
	}
	if fails == 1 {
		if err := l.client.Expire(ctx, fk, l.policy.Window).Err(); err != nil {
			return false, 0, err
		}
	}
	if fails < int64(l.policy.MaxFailures) {
		return false, 0, nil
	}
	if err := l.client.Set(ctx, blockKey(username, ipHash), "1", l.policy.BlockFor).Err(); err != nil {
		return false, 0, err
	}
	if err := l.client.Del(ctx, fk).Err(); err != nil {
		return false, 0, err
	}
	return true, l.policy.BlockFor, nil
}
