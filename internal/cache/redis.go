package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Veraticus/spice-categorizer/internal/common"
)

const scanBatch = 200

// unlockScript deletes the lock only when it still holds our token.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisTier is a SharedTier backed by redis. Every key it touches carries the namespace prefix.
type RedisTier struct {
	client    redis.UniversalClient
	namespace string
	channel   string
}

// NewRedisTier connects to the redis server at url ("redis://host:port/db").
func NewRedisTier(ctx context.Context, url, namespace string) (*RedisTier, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("%w: redis url: %w", common.ErrInvalidConfig, err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: %w", common.ErrCacheUnavailable, err)
	}
	return NewRedisTierWithClient(client, namespace), nil
}

// NewRedisTierWithClient wraps an existing client.
func NewRedisTierWithClient(client redis.UniversalClient, namespace string) *RedisTier {
	return &RedisTier{
		client:    client,
		namespace: namespace,
		channel:   namespace + "invalidate",
	}
}

func (r *RedisTier) key(k string) string {
	return r.namespace + k
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, common.ErrCacheUnavailable, err)
}

// Get implements SharedTier.
func (r *RedisTier) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, common.ErrCacheMiss
	}
	if err != nil {
		return nil, unavailable("get "+key, err)
	}
	return data, nil
}

// Set implements SharedTier.
func (r *RedisTier) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.key(key), value, ttl).Err(); err != nil {
		return unavailable("set "+key, err)
	}
	return nil
}

// Delete implements SharedTier.
func (r *RedisTier) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.key(k)
	}
	if err := r.client.Del(ctx, full...).Err(); err != nil {
		return unavailable("delete", err)
	}
	return nil
}

// Clear implements SharedTier with SCAN over the namespace. Keys outside it are never touched.
// The whole namespace is listed before anything is deleted so that deletes cannot shift the cursor
// past keys not yet seen.
func (r *RedisTier) Clear(ctx context.Context) (int, error) {
	var (
		cursor uint64
		found  []string
	)
	for {
		keys, next, err := r.client.Scan(ctx, cursor, r.namespace+"*", scanBatch).Result()
		if err != nil {
			return 0, unavailable("scan namespace", err)
		}
		found = append(found, keys...)
		if next == 0 {
			break
		}
		cursor = next
	}

	slices.Sort(found)
	found = slices.Compact(found)

	removed := 0
	for batch := range slices.Chunk(found, scanBatch) {
		n, err := r.client.Del(ctx, batch...).Result()
		if err != nil {
			return removed, unavailable("delete namespace keys", err)
		}
		removed += int(n)
	}
	return removed, nil
}

// TryLock implements SharedTier with SET NX PX and a random token.
func (r *RedisTier) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, r.key("lock:"+key), token, ttl).Result()
	if err != nil {
		return "", false, unavailable("lock "+key, err)
	}
	return token, ok, nil
}

// Unlock implements SharedTier. A lock that expired and was retaken by someone else is left alone.
func (r *RedisTier) Unlock(ctx context.Context, key, token string) error {
	if err := unlockScript.Run(ctx, r.client, []string{r.key("lock:" + key)}, token).Err(); err != nil {
		return unavailable("unlock "+key, err)
	}
	return nil
}

// Publish implements SharedTier.
func (r *RedisTier) Publish(ctx context.Context, msg Invalidation) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode invalidation: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		return unavailable("publish invalidation", err)
	}
	return nil
}

// Subscribe implements SharedTier. The channel closes when ctx ends or the returned closer is called.
func (r *RedisTier) Subscribe(ctx context.Context) (<-chan Invalidation, func() error, error) {
	sub := r.client.Subscribe(ctx, r.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, unavailable("subscribe", err)
	}

	out := make(chan Invalidation, 64)
	go func() {
		defer close(out)
		messages := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-messages:
				if !ok {
					return
				}
				var msg Invalidation
				if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
					slog.Warn("Discarding malformed invalidation", "error", err)
					continue
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, sub.Close, nil
}

// Close closes the redis client.
func (r *RedisTier) Close() error {
	return r.client.Close()
}
