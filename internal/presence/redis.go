package presence

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fenggwsx/RoomRelay/internal/config"
)

const keyPrefix = "relay:presence:"

// Redis stores routes as keys with a TTL renewed on every envelope, so they
// outlive a backend restart.
type Redis struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedis connects to redis and verifies the connection with a ping.
func NewRedis(ctx context.Context, cfg config.RedisConfig) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return &Redis{rdb: rdb, ttl: cfg.TTL}, nil
}

func presenceKey(clientID string) string { return keyPrefix + clientID }

// Set records the owning gateway and renews the TTL.
func (r *Redis) Set(ctx context.Context, clientID, gatewayID string) error {
	return r.rdb.Set(ctx, presenceKey(clientID), gatewayID, r.ttl).Err()
}

// Lookup returns the owning gateway, if any.
func (r *Redis) Lookup(ctx context.Context, clientID string) (string, bool, error) {
	val, err := r.rdb.Get(ctx, presenceKey(clientID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// Remove deletes the route.
func (r *Redis) Remove(ctx context.Context, clientID string) error {
	return r.rdb.Del(ctx, presenceKey(clientID)).Err()
}

// Close releases the redis client.
func (r *Redis) Close() error {
	return r.rdb.Close()
}
