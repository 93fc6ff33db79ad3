package suggest

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLock is a RunLock backed by SET NX.
type RedisLock struct {
	client *redis.Client
	owner  string
}

// NewRedisLock creates a RedisLock. The lock value records the host name.
func NewRedisLock(client *redis.Client) *RedisLock {
	owner, _ := os.Hostname()
	if owner == "" {
		owner = "suggester"
	}
	return &RedisLock{client: client, owner: owner}
}

// Acquire sets key when it is absent and reports whether this call set it.
func (l *RedisLock) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, key, l.owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("suggest: lock %s: %w", key, err)
	}
	return ok, nil
}
