package services

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Locker serializes maintenance runs across server instances
type Locker interface {
	TryLock(ctx context.Context, name string, ttl time.Duration) bool
	Unlock(ctx context.Context, name string)
}

var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisLocker is a SET NX lock with an owner check on release
type RedisLocker struct {
	client     redis.UniversalClient
	instanceID string
}

// NewRedisLocker creates a Redis backed locker
func NewRedisLocker(client redis.UniversalClient, instanceID string) *RedisLocker {
	return &RedisLocker{client: client, instanceID: instanceID}
}

// TryLock implements Locker. Redis errors count as not acquired.
func (l *RedisLocker) TryLock(ctx context.Context, name string, ttl time.Duration) bool {
	ok, err := l.client.SetNX(ctx, "whadgest:lock:"+name, l.instanceID, ttl).Result()
	return err == nil && ok
}

// Unlock implements Locker
func (l *RedisLocker) Unlock(ctx context.Context, name string) {
	_ = unlockScript.Run(ctx, l.client, []string{"whadgest:lock:" + name}, l.instanceID).Err()
}
