package cache

import (
	"context"
	"time"
)

// Invalidation tells every process sharing the tier which local entries to drop.
type Invalidation struct {
	Origin string   `json:"origin"`
	Keys   []string `json:"keys,omitempty"`
	All    bool     `json:"all,omitempty"`
}

// SharedTier is the cross-process cache layer. Keys are relative to the tier's namespace.
// Get returns common.ErrCacheMiss for absent keys; transport failures wrap common.ErrCacheUnavailable.
type SharedTier interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error

	// Clear removes every key in the namespace and reports how many were removed.
	Clear(ctx context.Context) (int, error)

	// TryLock takes the refill lock for key. The returned token releases it.
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	Unlock(ctx context.Context, key, token string) error

	Publish(ctx context.Context, msg Invalidation) error
	Subscribe(ctx context.Context) (<-chan Invalidation, func() error, error)

	Close() error
}
