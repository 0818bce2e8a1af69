package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Options configures the client
type Options struct {
	Addr     string
	Password string
	DB       int
}

// RedisClient is a small key/value wrapper used for read-through caches
type RedisClient struct {
	client *redis.Client
}

func NewRedisClient(opts Options) *RedisClient {
	if opts.Addr == "" {
		opts.Addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return &RedisClient{client: client}
}

func (r *RedisClient) Set(ctx context.Context, key string, value any, expiration time.Duration) error {
	return r.client.Set(ctx, key, value, expiration).Err()
}

// Get returns the value for key; a missing key is reported as redis.Nil
func (r *RedisClient) Get(ctx context.Context, key string) (string, error) {
	return r.client.Get(ctx, key).Result()
}

func (r *RedisClient) Del(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

// Ping checks connectivity, used by the health checker
func (r *RedisClient) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisClient) Close() error {
	return r.client.Close()
}
