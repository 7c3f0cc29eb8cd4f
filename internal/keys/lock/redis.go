// Package lock provides the distributed lock that serializes tenant key
// rotation across service instances.
package lock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"piivault/pkg/platform/sentinel"
)

const keyPrefix = "piivault:lock:"

// releaseScript deletes the lock only if the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends the lock only if the caller still owns it.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker acquires leases with SET NX PX. A held lease is renewed in the
// background at a third of its TTL until released, so a long rotation keeps
// its lock while a crashed one frees it after one TTL.
type RedisLocker struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisLocker constructs a lock backed by client.
func NewRedisLocker(client *redis.Client, logger *slog.Logger) *RedisLocker {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLocker{client: client, logger: logger}
}

// Acquire takes the lease for key or returns sentinel.ErrConflict when another
// holder owns it.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	redisKey := keyPrefix + key
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, redisKey, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("lock %s held: %w", key, sentinel.ErrConflict)
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go l.renew(redisKey, token, ttl, stop, done)

	var once sync.Once
	release := func() {
		once.Do(func() {
			close(stop)
			<-done
			// The caller's context may already be canceled; release regardless.
			rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(rctx, l.client, []string{redisKey}, token).Err(); err != nil {
				l.logger.Warn("failed to release lock", "key", key, "error", err)
			}
		})
	}
	return release, nil
}

func (l *RedisLocker) renew(redisKey, token string, ttl time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	interval := ttl / 3
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			n, err := renewScript.Run(ctx, l.client, []string{redisKey}, token, ttl.Milliseconds()).Int()
			cancel()
			if err != nil {
				l.logger.Warn("failed to renew lock", "key", redisKey, "error", err)
				continue
			}
			if n == 0 {
				l.logger.Error("lock lost before release", "key", redisKey)
				return
			}
		}
	}
}
