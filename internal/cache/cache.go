package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/Veraticus/spice-categorizer/internal/common"
	"github.com/Veraticus/spice-categorizer/internal/metrics"
	"github.com/Veraticus/spice-categorizer/internal/model"
	"github.com/Veraticus/spice-categorizer/internal/service"
)

// PatternCache serves pattern lookups from the local tier, then the shared tier, then the store,
// promoting values back up on the way out. The local tier holds decoded values; callers receive copies.
type PatternCache struct {
	local  *expirable.LRU[string, entry]
	shared SharedTier
	store  service.PatternStore
	sink   metrics.Sink
	group  singleflight.Group
	origin string
	cfg    Config

	// gens count invalidations per key stripe and epoch counts full purges. A refill that started
	// before an invalidation of its key never leaves its value behind in either tier.
	gens    [genStripes]atomic.Uint64
	epoch   atomic.Uint64
	version atomic.Uint64
}

const genStripes = 256

// generation identifies the invalidation state a refill started from.
type generation struct {
	epoch uint64
	key   uint64
}

// entry is a decoded local-tier value. It is only served while its key's generation is unchanged.
type entry struct {
	gen generation
	v   any
}

func (g generation) flightKey(key string) string {
	return fmt.Sprintf("%s@%d.%d", key, g.epoch, g.key)
}

// Option configures a PatternCache.
type Option func(*PatternCache)

// WithSharedTier enables the cross-process tier.
func WithSharedTier(tier SharedTier) Option {
	return func(c *PatternCache) { c.shared = tier }
}

// WithMetrics reports hits, misses, and degradations to sink.
func WithMetrics(sink metrics.Sink) Option {
	return func(c *PatternCache) { c.sink = metrics.OrNop(sink) }
}

// New creates a cache over store.
func New(store service.PatternStore, cfg Config, opts ...Option) (*PatternCache, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: pattern store is required", common.ErrMissingConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &PatternCache{
		local:  expirable.NewLRU[string, entry](cfg.LocalSize, nil, cfg.LocalTTL),
		store:  store,
		sink:   metrics.Nop{},
		origin: uuid.NewString(),
		cfg:    cfg,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Shared reports whether a shared tier is configured.
func (c *PatternCache) Shared() bool {
	return c.shared != nil
}

// Len returns the number of entries in the local tier.
func (c *PatternCache) Len() int {
	return c.local.Len()
}

// Version changes whenever any key is invalidated, locally or by another process.
func (c *PatternCache) Version() uint64 {
	return c.version.Load()
}

// Get returns the pattern with id. A pattern that does not exist yields nil and no error.
func (c *PatternCache) Get(ctx context.Context, id int64) (*model.Pattern, error) {
	p, err := fetch(ctx, c, PatternKey(id), func(ctx context.Context) (*model.Pattern, error) {
		return c.store.LoadPattern(ctx, id)
	}, clonePtr[model.Pattern])
	if errors.Is(err, common.ErrNotFound) {
		return nil, nil
	}
	return p, err
}

// GetMany returns the patterns that exist among ids.
func (c *PatternCache) GetMany(ctx context.Context, ids []int64) (map[int64]model.Pattern, error) {
	found := make(map[int64]model.Pattern, len(ids))
	for _, id := range ids {
		if _, ok := found[id]; ok {
			continue
		}
		p, err := c.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if p != nil {
			found[id] = *p
		}
	}
	return found, nil
}

// GetByType returns the active patterns of type t.
func (c *PatternCache) GetByType(ctx context.Context, t model.PatternType) ([]model.Pattern, error) {
	return fetch(ctx, c, TypeKey(t), func(ctx context.Context) ([]model.Pattern, error) {
		return c.store.LoadPatternsByType(ctx, t)
	}, slices.Clone[[]model.Pattern])
}

// GetComposite returns the composite with id, or nil when it does not exist.
func (c *PatternCache) GetComposite(ctx context.Context, id int64) (*model.CompositePattern, error) {
	comp, err := fetch(ctx, c, CompositeKey(id), func(ctx context.Context) (*model.CompositePattern, error) {
		return c.store.LoadComposite(ctx, id)
	}, clonePtr[model.CompositePattern])
	if errors.Is(err, common.ErrNotFound) {
		return nil, nil
	}
	return comp, err
}

// ActiveComposites returns every active composite pattern.
func (c *PatternCache) ActiveComposites(ctx context.Context) ([]model.CompositePattern, error) {
	return fetch(ctx, c, ActiveCompositesKey, c.store.LoadActiveComposites, slices.Clone[[]model.CompositePattern])
}

// GetUserPreference returns the preference recorded for merchantKey, or nil when there is none.
func (c *PatternCache) GetUserPreference(ctx context.Context, merchantKey string) (*model.UserPreference, error) {
	if merchantKey == "" {
		return nil, nil
	}
	pref, err := fetch(ctx, c, PreferenceKey(merchantKey), func(ctx context.Context) (*model.UserPreference, error) {
		return c.store.LoadUserPreference(ctx, merchantKey)
	}, clonePtr[model.UserPreference])
	if errors.Is(err, common.ErrNotFound) {
		return nil, nil
	}
	return pref, err
}

// Warm preloads the per-type lists, active composites, and the individual patterns selected by
// criteria. It stops between steps when ctx ends and returns how many patterns were preloaded.
func (c *PatternCache) Warm(ctx context.Context, criteria model.WarmCriteria, now time.Time) (int, error) {
	start := time.Now()
	for _, t := range model.AllPatternTypes {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if _, err := c.GetByType(ctx, t); err != nil {
			return 0, fmt.Errorf("warm %s patterns: %w", t, err)
		}
	}
	if _, err := c.ActiveComposites(ctx); err != nil {
		return 0, fmt.Errorf("warm composites: %w", err)
	}

	patterns, err := c.store.LoadWarmPatterns(ctx, criteria, now)
	if err != nil {
		return 0, fmt.Errorf("load warm patterns: %w", err)
	}
	warmed := 0
	for i := range patterns {
		if err := ctx.Err(); err != nil {
			return warmed, err
		}
		key := PatternKey(patterns[i].ID)
		gen := c.generation(key)
		data, err := json.Marshal(&patterns[i])
		if err != nil {
			return warmed, fmt.Errorf("encode pattern %d: %w", patterns[i].ID, err)
		}
		p := patterns[i]
		c.promote(key, gen, &p)
		c.publish(ctx, key, gen, data)
		warmed++
	}

	slog.Info("Warmed pattern cache",
		"patterns", warmed,
		"local_entries", c.local.Len(),
		"duration", time.Since(start))
	return warmed, nil
}

// Invalidate drops keys from both tiers and tells other processes to drop them locally.
// Shared-tier failures are returned so a learning step can be retried as a whole.
func (c *PatternCache) Invalidate(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	c.bump(keys...)
	for _, k := range keys {
		c.local.Remove(k)
	}
	c.sink.IncCounter(metrics.CacheInvalidation, int64(len(keys)), metrics.Label("scope", "keys"))

	if c.shared == nil {
		return nil
	}
	opCtx, cancel := context.WithTimeout(ctx, c.cfg.OpTimeout)
	defer cancel()
	err := c.shared.Delete(opCtx, keys...)
	// Reads between the first bump and the DEL may have seen the old shared value.
	c.bump(keys...)
	if err != nil {
		return err
	}
	return c.shared.Publish(opCtx, Invalidation{Origin: c.origin, Keys: keys})
}

// InvalidatePattern drops every key derived from p.
func (c *PatternCache) InvalidatePattern(ctx context.Context, p model.Pattern) error {
	return c.Invalidate(ctx, PatternKeys(p)...)
}

// InvalidateAll empties the local tier and scan-deletes this cache's namespace in the shared tier.
// It returns the number of shared keys removed.
func (c *PatternCache) InvalidateAll(ctx context.Context) (int, error) {
	c.bumpAll()
	c.local.Purge()
	c.sink.IncCounter(metrics.CacheInvalidation, 1, metrics.Label("scope", "all"))
	if c.shared == nil {
		return 0, nil
	}

	removed, err := c.shared.Clear(ctx)
	c.bumpAll()
	if err != nil {
		return removed, err
	}
	opCtx, cancel := context.WithTimeout(ctx, c.cfg.OpTimeout)
	defer cancel()
	return removed, c.shared.Publish(opCtx, Invalidation{Origin: c.origin, All: true})
}

// Listen applies invalidations published by other processes until ctx ends.
func (c *PatternCache) Listen(ctx context.Context) error {
	if c.shared == nil {
		return nil
	}
	messages, closeSub, err := c.shared.Subscribe(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = closeSub() }()

	for msg := range messages {
		c.apply(msg)
	}
	return ctx.Err()
}

func (c *PatternCache) apply(msg Invalidation) {
	if msg.Origin == c.origin {
		return
	}
	if msg.All {
		c.bumpAll()
		c.local.Purge()
		return
	}
	c.bump(msg.Keys...)
	for _, k := range msg.Keys {
		c.local.Remove(k)
	}
}

func (c *PatternCache) stripe(key string) *atomic.Uint64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &c.gens[h.Sum32()%genStripes]
}

func (c *PatternCache) generation(key string) generation {
	return generation{epoch: c.epoch.Load(), key: c.stripe(key).Load()}
}

func (c *PatternCache) bump(keys ...string) {
	for _, k := range keys {
		c.stripe(k).Add(1)
	}
	c.version.Add(1)
}

func (c *PatternCache) bumpAll() {
	c.epoch.Add(1)
	c.version.Add(1)
}

// lookup returns the local value for key if it was stored under the current generation.
func (c *PatternCache) lookup(key string) (any, bool) {
	e, ok := c.local.Get(key)
	if !ok {
		return nil, false
	}
	if e.gen != c.generation(key) {
		c.local.Remove(key)
		return nil, false
	}
	return e.v, true
}

// promote stores v in the local tier unless key was invalidated after gen was taken.
func (c *PatternCache) promote(key string, gen generation, v any) {
	if c.generation(key) != gen {
		return
	}
	c.local.Add(key, entry{gen: gen, v: v})
}

// publish is promote for the shared tier.
func (c *PatternCache) publish(ctx context.Context, key string, gen generation, data []byte) {
	if c.shared == nil {
		return
	}
	c.sharedSet(ctx, key, data)
	if c.generation(key) != gen {
		opCtx, cancel := context.WithTimeout(ctx, c.cfg.OpTimeout)
		defer cancel()
		if err := c.shared.Delete(opCtx, key); err != nil {
			c.degraded(key, err)
		}
	}
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// fetch runs the tiered lookup for key. Concurrent misses share one refill, which runs detached
// from any single caller's cancellation; a caller whose ctx ends stops waiting for it.
func fetch[T any](ctx context.Context, c *PatternCache, key string, load func(context.Context) (T, error), clone func(T) T) (T, error) {
	var zero T

	if v, ok := c.lookup(key); ok {
		if cached, ok := v.(T); ok {
			c.sink.IncCounter(metrics.CacheHit, 1, metrics.Label("tier", "local"))
			return clone(cached), nil
		}
		c.local.Remove(key)
	}
	c.sink.IncCounter(metrics.CacheMiss, 1, metrics.Label("tier", "local"))

	gen := c.generation(key)
	flightCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(gen.flightKey(key), func() (any, error) {
		// A flight that finished after our local miss has already promoted the value.
		if v, ok := c.lookup(key); ok {
			if cached, ok := v.(T); ok {
				return cached, nil
			}
		}
		data, err := c.fill(flightCtx, key, gen, func(ctx context.Context) ([]byte, error) {
			v, err := load(ctx)
			if err != nil {
				return nil, err
			}
			return json.Marshal(v)
		})
		if err != nil {
			return nil, err
		}
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("decode cached %s: %w", key, err)
		}
		c.promote(key, gen, v)
		return v, nil
	})

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return clone(res.Val.(T)), nil
	}
}

type loader func(context.Context) ([]byte, error)

// fill resolves a local miss to encoded bytes. Only one process refills a key from the store at a
// time; the others wait for the shared tier to be populated, up to LockWait, and then read the
// store themselves.
func (c *PatternCache) fill(ctx context.Context, key string, gen generation, load loader) ([]byte, error) {
	if c.shared == nil {
		return c.loadStore(ctx, key, load)
	}

	data, err := c.sharedGet(ctx, key)
	switch {
	case err == nil:
		c.sink.IncCounter(metrics.CacheHit, 1, metrics.Label("tier", "shared"))
		return data, nil
	case !errors.Is(err, common.ErrCacheMiss):
		c.degraded(key, err)
		return c.loadStore(ctx, key, load)
	}
	c.sink.IncCounter(metrics.CacheMiss, 1, metrics.Label("tier", "shared"))

	lockCtx, cancel := context.WithTimeout(ctx, c.cfg.OpTimeout)
	token, acquired, err := c.shared.TryLock(lockCtx, key, c.cfg.LockTTL)
	cancel()
	if err != nil {
		c.degraded(key, err)
		return c.loadStore(ctx, key, load)
	}
	if !acquired {
		return c.awaitFill(ctx, key, load)
	}
	defer c.unlock(ctx, key, token)

	// Someone may have filled the key between our miss and the lock.
	if data, err := c.sharedGet(ctx, key); err == nil {
		return data, nil
	}

	data, err = c.loadStore(ctx, key, load)
	if err != nil {
		return nil, err
	}
	c.publish(ctx, key, gen, data)
	return data, nil
}

func (c *PatternCache) awaitFill(ctx context.Context, key string, load loader) ([]byte, error) {
	deadline := time.NewTimer(c.cfg.LockWait)
	defer deadline.Stop()
	poll := time.NewTicker(c.cfg.PollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			c.sink.IncCounter(metrics.CacheLockTimeout, 1)
			common.LogWarn(common.ErrLockTimeout, "Reading store directly", common.Fields{
				"key":  key,
				"wait": c.cfg.LockWait,
			})
			return c.loadStore(ctx, key, load)
		case <-poll.C:
			data, err := c.sharedGet(ctx, key)
			if err == nil {
				c.sink.IncCounter(metrics.CacheHit, 1, metrics.Label("tier", "shared"))
				return data, nil
			}
			if !errors.Is(err, common.ErrCacheMiss) {
				c.degraded(key, err)
				return c.loadStore(ctx, key, load)
			}
		}
	}
}

func (c *PatternCache) loadStore(ctx context.Context, key string, load loader) ([]byte, error) {
	start := time.Now()
	loadCtx, cancel := context.WithTimeout(ctx, c.cfg.LoadTimeout)
	defer cancel()
	data, err := load(loadCtx)
	c.sink.ObserveDuration(metrics.StoreLoad, time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", key, err)
	}
	return data, nil
}

func (c *PatternCache) sharedGet(ctx context.Context, key string) ([]byte, error) {
	opCtx, cancel := context.WithTimeout(ctx, c.cfg.OpTimeout)
	defer cancel()
	return c.shared.Get(opCtx, key)
}

func (c *PatternCache) sharedSet(ctx context.Context, key string, data []byte) {
	if c.shared == nil {
		return
	}
	opCtx, cancel := context.WithTimeout(ctx, c.cfg.OpTimeout)
	defer cancel()
	if err := c.shared.Set(opCtx, key, data, c.cfg.SharedTTL); err != nil {
		c.degraded(key, err)
	}
}

func (c *PatternCache) unlock(ctx context.Context, key, token string) {
	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.OpTimeout)
	defer cancel()
	if err := c.shared.Unlock(opCtx, key, token); err != nil {
		slog.Debug("Failed to release refill lock", "key", key, "error", err)
	}
}

func (c *PatternCache) degraded(key string, err error) {
	c.sink.IncCounter(metrics.CacheDegraded, 1)
	common.LogWarn(err, "Shared cache unavailable, using local tier and store", common.Fields{"key": key})
}
