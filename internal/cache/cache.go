// Package cache stores serialized intermediate routing results so that
// symbolic lateroute names can be resolved while a call progresses. Two
// interchangeable backends exist: Redis for multi-server installations and
// an in-process TTL map for single-server setups and tests.
package cache

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"
)

// ErrMiss marks a lookup for a key that was never stored or whose TTL has
// passed. The dispatcher maps it to GONE.
var ErrMiss = stderrors.New("cache: miss")

// Gateway is the narrow interface the dispatcher consumes. Put/Get of the
// same key within TTL round-trips the payload byte-for-byte. Concurrent
// puts for distinct keys are safe.
type Gateway interface {
	Put(ctx context.Context, callID, treePath string, payload []byte, ttl time.Duration) error
	Get(ctx context.Context, callID, treePath string) ([]byte, error)
	Ping(ctx context.Context) error
	Close() error
}

// Key builds the storage key for an intermediate routing result.
func Key(callID, treePath string) string {
	return fmt.Sprintf("stage1:%s:%s", callID, treePath)
}
