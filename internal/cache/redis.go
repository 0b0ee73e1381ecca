package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces cache entries in Redis.
const keyPrefix = "cache:v1:"

// RedisTier mirrors cache entries into Redis so the index survives process
// restarts. Redis applies its own TTL, so expired entries vanish from the
// durable tier without a sweep.
type RedisTier struct {
	client *redis.Client
}

// NewRedisTier connects to Redis using a redis:// URL and verifies the
// connection with a ping.
func NewRedisTier(ctx context.Context, url, password string) (*RedisTier, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	if password != "" {
		opts.Password = password
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &RedisTier{client: client}, nil
}

// Close releases the underlying connection.
func (t *RedisTier) Close() error {
	return t.client.Close()
}

func (t *RedisTier) put(ctx context.Context, e Entry, ttl time.Duration) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	if err := t.client.Set(ctx, keyPrefix+e.Fingerprint, data, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", e.Fingerprint, err)
	}
	return nil
}

func (t *RedisTier) get(ctx context.Context, fp string) (Entry, bool) {
	data, err := t.client.Get(ctx, keyPrefix+fp).Bytes()
	if err != nil {
		return Entry{}, false
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return Entry{}, false
	}
	return e, true
}

func (t *RedisTier) del(ctx context.Context, fp string) bool {
	n, err := t.client.Del(ctx, keyPrefix+fp).Result()
	return err == nil && n > 0
}
