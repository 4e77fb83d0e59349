// Package stage2 resolves a single extension to its currently registered
// device. It is consulted by the engine after stage-1 emitted a
// lateroute/<number> target with the stage-2 trigger flag.
package stage2

import (
	"context"
	"strconv"
	"sync"

	"github.com/go-redis/redis/v8"

	"github.com/eventtel/yrouted/pkg/errors"
)

const busyCacheKey = "busy_cache"

// BusyCache tracks how many call legs each extension currently has. It is
// fed from the engine's call.cdr watch and read by stage-2 routing and the
// operator CLI.
type BusyCache interface {
	CallStarted(ctx context.Context, extension string) error
	CallEnded(ctx context.Context, extension string) error
	IsBusy(ctx context.Context, extension string) (bool, error)
	Status(ctx context.Context) (map[string]int64, error)
	Flush(ctx context.Context) error
}

// RedisBusyCache shares call-leg counts across servers through a Redis hash.
type RedisBusyCache struct {
	client *redis.Client
}

func NewRedisBusyCache(client *redis.Client) *RedisBusyCache {
	return &RedisBusyCache{client: client}
}

func (c *RedisBusyCache) CallStarted(ctx context.Context, extension string) error {
	return wrapBusyErr(c.client.HIncrBy(ctx, busyCacheKey, extension, 1).Err())
}

func (c *RedisBusyCache) CallEnded(ctx context.Context, extension string) error {
	return wrapBusyErr(c.client.HIncrBy(ctx, busyCacheKey, extension, -1).Err())
}

func (c *RedisBusyCache) IsBusy(ctx context.Context, extension string) (bool, error) {
	val, err := c.client.HGet(ctx, busyCacheKey, extension).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, wrapBusyErr(err)
	}
	count, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return false, nil
	}
	return count > 0, nil
}

func (c *RedisBusyCache) Status(ctx context.Context) (map[string]int64, error) {
	raw, err := c.client.HGetAll(ctx, busyCacheKey).Result()
	if err != nil {
		return nil, wrapBusyErr(err)
	}
	status := make(map[string]int64, len(raw))
	for extension, val := range raw {
		count, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			continue
		}
		status[extension] = count
	}
	return status, nil
}

func (c *RedisBusyCache) Flush(ctx context.Context) error {
	return wrapBusyErr(c.client.Del(ctx, busyCacheKey).Err())
}

func wrapBusyErr(err error) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(err, errors.ErrCacheUnavailable, "busy cache operation failed")
}

// MemoryBusyCache is the single-server counterpart.
type MemoryBusyCache struct {
	mu     sync.Mutex
	counts map[string]int64
}

func NewMemoryBusyCache() *MemoryBusyCache {
	return &MemoryBusyCache{counts: make(map[string]int64)}
}

func (c *MemoryBusyCache) CallStarted(ctx context.Context, extension string) error {
	c.mu.Lock()
	c.counts[extension]++
	c.mu.Unlock()
	return nil
}

func (c *MemoryBusyCache) CallEnded(ctx context.Context, extension string) error {
	c.mu.Lock()
	if c.counts[extension] > 0 {
		c.counts[extension]--
	}
	c.mu.Unlock()
	return nil
}

func (c *MemoryBusyCache) IsBusy(ctx context.Context, extension string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[extension] > 0, nil
}

func (c *MemoryBusyCache) Status(ctx context.Context) (map[string]int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	status := make(map[string]int64, len(c.counts))
	for extension, count := range c.counts {
		if count > 0 {
			status[extension] = count
		}
	}
	return status, nil
}

func (c *MemoryBusyCache) Flush(ctx context.Context) error {
	c.mu.Lock()
	c.counts = make(map[string]int64)
	c.mu.Unlock()
	return nil
}
