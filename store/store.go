// Package store provides the thin key-value adapter every other relay
// component consumes. The production implementation is backed by redis;
// an in-memory implementation with the same semantics backs the test
// suites and single-node deployments without redis.
//
// All cross-instance visibility flows through this package: durable keys
// for directories, queues, and groups, and pub/sub channels for routing
// frames to sockets bound on other instances.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates the key does not exist or has expired.
var ErrNotFound = errors.New("key not found")

// Message is one pub/sub delivery.
type Message struct {
	Channel string
	Payload string
}

// Subscription is a live pub/sub subscription. Close releases it; the
// Messages channel is closed afterward.
type Subscription interface {
	Messages() <-chan Message
	Close() error
}

// KV is the store surface the relay depends on: string keys with optional
// TTLs, sets, lists, and pub/sub. A TTL of zero means no expiry.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error

	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SIsMember(ctx context.Context, key, member string) (bool, error)

	RPush(ctx context.Context, key string, values ...string) error
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	LRem(ctx context.Context, key, value string) error
	LLen(ctx context.Context, key string) (int64, error)

	Keys(ctx context.Context, pattern string) ([]string, error)

	Publish(ctx context.Context, channel, payload string) error
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)

	Close() error
}
