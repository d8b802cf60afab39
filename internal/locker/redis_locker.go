package locker

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLocker is a Locker backed by Redis, for multi-replica deployments.
// Both operations run as Lua scripts so the owner check and the key change
// happen atomically; the TTL bounds how long a crashed holder blocks others.
type RedisLocker struct {
	client    *redis.Client
	keyPrefix string
}

const (
	// Acquires (or re-acquires) the lock. Returns 1 on success.
	redisLockAcquireLua = `
local key = KEYS[1]
local owner = ARGV[1]
local ttlms = tonumber(ARGV[2])

local cur = redis.call('GET', key)
if not cur then
	redis.call('PSETEX', key, ttlms, owner)
	return 1
end
if cur == owner then
	redis.call('PEXPIRE', key, ttlms)
	return 1
end
return 0
`

	// Releases the lock if held by owner. Returns 1 if released.
	redisLockReleaseLua = `
local key = KEYS[1]
local owner = ARGV[1]

local cur = redis.call('GET', key)
if not cur then
	return 0
end
if cur == owner then
	redis.call('DEL', key)
	return 1
end
return 0
`
)

// NewRedisLocker creates a RedisLocker. Keys are stored under the given
// prefix; an empty prefix defaults to "stateflow:lock:".
func NewRedisLocker(client *redis.Client, keyPrefix string) *RedisLocker {
	if keyPrefix == "" {
		keyPrefix = "stateflow:lock:"
	}
	return &RedisLocker{client: client, keyPrefix: keyPrefix}
}

// Ensure RedisLocker implements Locker.
var _ Locker = (*RedisLocker)(nil)

func (l *RedisLocker) key(k string) string {
	return l.keyPrefix + k
}

func (l *RedisLocker) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, errors.New("ttl must be > 0")
	}
	res, err := l.client.Eval(ctx, redisLockAcquireLua, []string{l.key(key)}, owner, ttl.Milliseconds()).Result()
	if err != nil {
		return false, err
	}
	return evalBool(res), nil
}

func (l *RedisLocker) Release(ctx context.Context, key, owner string) (bool, error) {
	res, err := l.client.Eval(ctx, redisLockReleaseLua, []string{l.key(key)}, owner).Result()
	if err != nil {
		return false, err
	}
	return evalBool(res), nil
}

func evalBool(res any) bool {
	switch v := res.(type) {
	case int64:
		return v == 1
	case int:
		return v == 1
	case string:
		return v == "1"
	default:
		return false
	}
}
