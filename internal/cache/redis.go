package cache

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/eventtel/yrouted/internal/config"
	"github.com/eventtel/yrouted/pkg/errors"
	"github.com/eventtel/yrouted/pkg/logger"
)

// Redis is the shared routing cache for multi-server PBX installations.
type Redis struct {
	client *redis.Client
}

func NewRedis(cfg config.CacheConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCacheUnavailable, "failed to connect to Redis")
	}

	logger.WithField("address", cfg.Address).Info("Redis routing cache initialized")
	return &Redis{client: client}, nil
}

func (r *Redis) Put(ctx context.Context, callID, treePath string, payload []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, Key(callID, treePath), payload, ttl).Err(); err != nil {
		return errors.Wrap(err, errors.ErrCacheUnavailable, "cache put failed")
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, callID, treePath string) ([]byte, error) {
	val, err := r.client.Get(ctx, Key(callID, treePath)).Bytes()
	if err == redis.Nil {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCacheUnavailable, "cache get failed")
	}
	return val, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}

// Client exposes the underlying connection for the busy cache, which shares
// the Redis instance.
func (r *Redis) Client() *redis.Client {
	return r.client
}
