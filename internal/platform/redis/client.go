// Package redis opens the optional Redis connection used for distributed
// rotation locks.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"piivault/internal/platform/config"
)

var ErrConnect = errors.New("failed to connect to redis")

// Client is a connected go-redis client.
type Client struct {
	*redis.Client
}

// New connects to cfg.URL, retrying the initial ping with linear backoff. An
// empty URL means Redis is not configured: New returns a nil client and no
// error.
func New(ctx context.Context, cfg config.RedisConfig) (*Client, error) {
	if cfg.URL == "" {
		return nil, nil
	}
	opts, err := optionsFrom(cfg)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)
	var pingErr error
	for i := range max(cfg.RetryAttempts, 1) {
		if pingErr = client.Ping(ctx).Err(); pingErr == nil {
			return &Client{Client: client}, nil
		}
		if !wait(ctx, time.Duration(i+1)*cfg.RetryInterval) {
			break
		}
	}
	_ = client.Close()
	return nil, errors.Join(ErrConnect, pingErr)
}

func optionsFrom(cfg config.RedisConfig) (*redis.Options, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	opts.MinIdleConns = cfg.MinIdleConns
	opts.DialTimeout = cfg.DialTimeout
	opts.ReadTimeout = cfg.ReadTimeout
	opts.WriteTimeout = cfg.WriteTimeout
	return opts, nil
}

// Health is the readiness check.
func (c *Client) Health(ctx context.Context) error {
	return c.Ping(ctx).Err()
}

func wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
