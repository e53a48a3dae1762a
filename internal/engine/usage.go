package engine

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Veraticus/spice-categorizer/internal/metrics"
)

// usageRecorder batches last-used stamps of matched patterns off the read path.
// Record never blocks: when the buffer is full the stamp is dropped and counted.
type usageRecorder struct {
	store    UsageStore
	sink     metrics.Sink
	now      func() time.Time
	pending  chan int64
	stop     chan struct{}
	done     chan struct{}
	interval time.Duration
	mu       sync.Mutex
	started  bool
	stopped  bool
}

func newUsageRecorder(store UsageStore, buffer int, interval time.Duration, sink metrics.Sink, now func() time.Time) *usageRecorder {
	return &usageRecorder{
		store:    store,
		sink:     sink,
		now:      now,
		pending:  make(chan int64, buffer),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		interval: interval,
	}
}

// Record queues a usage stamp for ids.
func (u *usageRecorder) Record(ids ...int64) {
	if u.store == nil {
		return
	}
	for _, id := range ids {
		select {
		case u.pending <- id:
		default:
			u.sink.IncCounter(metrics.UsageDropped, 1)
		}
	}
}

// Start flushes every interval until Stop or ctx ends. Calling it again, or after Stop, is a no-op.
func (u *usageRecorder) Start(ctx context.Context) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.started || u.stopped || u.store == nil {
		return
	}
	u.started = true

	go func() {
		defer close(u.done)
		ticker := time.NewTicker(u.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				u.flushLogged(ctx)
			case <-ctx.Done():
				u.flushLogged(context.WithoutCancel(ctx))
				return
			case <-u.stop:
				u.flushLogged(context.WithoutCancel(ctx))
				return
			}
		}
	}()
}

// Stop ends the background loop after a final flush. Without a running loop it flushes directly.
func (u *usageRecorder) Stop() error {
	u.mu.Lock()
	started, stopped := u.started, u.stopped
	u.stopped = true
	u.mu.Unlock()

	if !started || stopped {
		return u.Flush(context.Background())
	}
	close(u.stop)
	<-u.done
	return nil
}

// Flush writes every queued stamp now.
func (u *usageRecorder) Flush(ctx context.Context) error {
	if u.store == nil {
		return nil
	}
	seen := make(map[int64]bool)
	var ids []int64
drain:
	for {
		select {
		case id := <-u.pending:
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		default:
			break drain
		}
	}
	if len(ids) == 0 {
		return nil
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return u.store.TouchPatterns(ctx, ids, u.now())
}

func (u *usageRecorder) flushLogged(ctx context.Context) {
	if err := u.Flush(ctx); err != nil {
		slog.Warn("failed to record pattern usage", "error", err)
	}
}
