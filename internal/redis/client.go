package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const pingTimeout = 3 * time.Second

// Client carries the go-redis client shared by the broker, the session lock
// and the rate limiter.
type Client struct {
	*redis.Client
}

// NewClient parses a redis:// or rediss:// URL and verifies the server
// answers before returning.
func NewClient(redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", opts.Addr, err)
	}

	return &Client{client}, nil
}

// SessionChannel is the pub/sub channel carrying one session's events.
func SessionChannel(sessionID string) string {
	return "formchat:session:" + sessionID + ":events"
}

// SessionLockKey guards a session's state transitions across instances.
func SessionLockKey(sessionID string) string {
	return "formchat:session:" + sessionID + ":lock"
}
