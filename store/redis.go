package store

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RedisKV implements KV on top of a redis client.
type RedisKV struct {
	rdb *redis.Client
}

// NewRedisKV connects to the redis endpoint given as a URL
// (redis://host:port/db) and verifies the connection with a ping.
func NewRedisKV(ctx context.Context, redisURL string) (*RedisKV, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	logrus.WithFields(logrus.Fields{
		"addr": opts.Addr,
		"db":   opts.DB,
	}).Info("Connected to redis")
	return &RedisKV{rdb: rdb}, nil
}

// Get retrieves a string value, mapping redis.Nil to ErrNotFound.
func (r *RedisKV) Get(ctx context.Context, key string) (string, error) {
	val, err := r.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return val, err
}

// Set stores a string value with an optional TTL.
func (r *RedisKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.rdb.Set(ctx, key, value, ttl).Err()
}

// Del removes keys. Missing keys are not an error.
func (r *RedisKV) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return r.rdb.Del(ctx, keys...).Err()
}

// Exists reports whether the key is present.
func (r *RedisKV) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.rdb.Exists(ctx, key).Result()
	return n > 0, err
}

// Expire sets or refreshes a key's TTL.
func (r *RedisKV) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return r.rdb.Expire(ctx, key, ttl).Err()
}

// SAdd adds members to a set.
func (r *RedisKV) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return r.rdb.SAdd(ctx, key, args...).Err()
}

// SRem removes members from a set.
func (r *RedisKV) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return r.rdb.SRem(ctx, key, args...).Err()
}

// SMembers returns all members of a set; an empty slice for missing keys.
func (r *RedisKV) SMembers(ctx context.Context, key string) ([]string, error) {
	return r.rdb.SMembers(ctx, key).Result()
}

// SIsMember reports set membership.
func (r *RedisKV) SIsMember(ctx context.Context, key, member string) (bool, error) {
	return r.rdb.SIsMember(ctx, key, member).Result()
}

// RPush appends values to a list.
func (r *RedisKV) RPush(ctx context.Context, key string, values ...string) error {
	if len(values) == 0 {
		return nil
	}
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return r.rdb.RPush(ctx, key, args...).Err()
}

// LRange returns the list slice [start, stop], inclusive, redis semantics.
func (r *RedisKV) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return r.rdb.LRange(ctx, key, start, stop).Result()
}

// LRem removes all occurrences of value from the list.
func (r *RedisKV) LRem(ctx context.Context, key, value string) error {
	return r.rdb.LRem(ctx, key, 0, value).Err()
}

// LLen returns the list length.
func (r *RedisKV) LLen(ctx context.Context, key string) (int64, error) {
	return r.rdb.LLen(ctx, key).Result()
}

// Keys returns keys matching the glob pattern. Used only by sweeps and
// admin stats, never on a request path.
func (r *RedisKV) Keys(ctx context.Context, pattern string) ([]string, error) {
	var (
		cursor uint64
		out    []string
	)
	for {
		page, next, err := r.rdb.Scan(ctx, cursor, pattern, 500).Result()
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if next == 0 {
			return out, nil
		}
		cursor = next
	}
}

// Publish sends a payload on a pub/sub channel.
func (r *RedisKV) Publish(ctx context.Context, channel, payload string) error {
	return r.rdb.Publish(ctx, channel, payload).Err()
}

// Subscribe opens a pub/sub subscription on the given channels.
func (r *RedisKV) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	ps := r.rdb.Subscribe(ctx, channels...)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	sub := &redisSubscription{ps: ps, out: make(chan Message, 64)}
	go sub.pump()
	return sub, nil
}

// Close releases the underlying client.
func (r *RedisKV) Close() error {
	return r.rdb.Close()
}

type redisSubscription struct {
	ps  *redis.PubSub
	out chan Message
}

func (s *redisSubscription) pump() {
	defer close(s.out)
	for msg := range s.ps.Channel() {
		s.out <- Message{Channel: msg.Channel, Payload: msg.Payload}
	}
}

func (s *redisSubscription) Messages() <-chan Message { return s.out }

func (s *redisSubscription) Close() error { return s.ps.Close() }
