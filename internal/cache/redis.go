package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/flowdesk/model"
)

// Redis is a FlowCache shared between instances. Flows are stored as JSON
// with a key TTL.
type Redis struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewRedis creates a Redis-backed cache.
func NewRedis(client redis.Cmdable, ttl time.Duration) *Redis {
	return &Redis{client: client, ttl: ttl}
}

// Get reads and decodes the cached flow.
func (r *Redis) Get(ctx context.Context, key string) (model.Flow, bool, error) {
	raw, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.Flow{}, false, nil
	}
	if err != nil {
		return model.Flow{}, false, fmt.Errorf("redis get %q: %w", key, err)
	}

	var flow model.Flow
	if err := json.Unmarshal(raw, &flow); err != nil {
		return model.Flow{}, false, fmt.Errorf("unmarshal cached flow %q: %w", key, err)
	}
	return flow, true, nil
}

// Set encodes and stores flow.
func (r *Redis) Set(ctx context.Context, key string, flow model.Flow) error {
	data, err := json.Marshal(flow)
	if err != nil {
		return fmt.Errorf("marshal flow: %w", err)
	}
	if err := r.client.Set(ctx, key, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// Invalidate deletes key.
func (r *Redis) Invalidate(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %q: %w", key, err)
	}
	return nil
}

// HealthCheck pings the server.
func (r *Redis) HealthCheck(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
