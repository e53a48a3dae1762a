package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/spice-categorizer/internal/metrics"
	"github.com/Veraticus/spice-categorizer/internal/testutil"
)

type touchCall struct {
	at  time.Time
	ids []int64
}

type fakeUsageStore struct {
	err   error
	calls []touchCall
	mu    sync.Mutex
}

func (f *fakeUsageStore) TouchPatterns(_ context.Context, ids []int64, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, touchCall{ids: append([]int64(nil), ids...), at: at})
	return f.err
}

func (f *fakeUsageStore) snapshot() []touchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]touchCall(nil), f.calls...)
}

func fixedClock() time.Time { return baseTime }

func TestUsageRecorder_FlushDedupsAndSorts(t *testing.T) {
	store := &fakeUsageStore{}
	u := newUsageRecorder(store, 16, time.Hour, metrics.Nop{}, fixedClock)

	u.Record(7, 3, 7, 12, 3)
	require.NoError(t, u.Flush(context.Background()))

	calls := store.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, []int64{3, 7, 12}, calls[0].ids)
	assert.True(t, calls[0].at.Equal(baseTime))

	require.NoError(t, u.Flush(context.Background()))
	assert.Len(t, store.snapshot(), 1, "an empty queue writes nothing")
}

func TestUsageRecorder_DropsWhenFull(t *testing.T) {
	store := &fakeUsageStore{}
	sink := testutil.NewRecordingSink()
	u := newUsageRecorder(store, 1, time.Hour, sink, fixedClock)

	u.Record(1, 2, 3)

	assert.Equal(t, int64(2), sink.Counter(metrics.UsageDropped))
	require.NoError(t, u.Flush(context.Background()))
	assert.Equal(t, []int64{1}, store.snapshot()[0].ids)
}

func TestUsageRecorder_FlushError(t *testing.T) {
	store := &fakeUsageStore{err: errors.New("disk full")}
	u := newUsageRecorder(store, 4, time.Hour, metrics.Nop{}, fixedClock)

	u.Record(1)
	assert.EqualError(t, u.Flush(context.Background()), "disk full")
}

func TestUsageRecorder_BackgroundLoop(t *testing.T) {
	store := &fakeUsageStore{}
	u := newUsageRecorder(store, 16, 10*time.Millisecond, metrics.Nop{}, fixedClock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	u.Start(ctx)
	u.Start(ctx)

	u.Record(5)
	assert.Eventually(t, func() bool { return len(store.snapshot()) == 1 }, time.Second, 5*time.Millisecond)

	u.Record(6)
	require.NoError(t, u.Stop())
	calls := store.snapshot()
	require.Len(t, calls, 2, "stop flushes what is still queued")
	assert.Equal(t, []int64{6}, calls[1].ids)

	require.NoError(t, u.Stop())
	u.Start(ctx)
	u.Record(8)
	require.NoError(t, u.Flush(context.Background()))
	assert.Len(t, store.snapshot(), 3, "a stopped recorder still flushes on demand")
}

func TestUsageRecorder_StopWithoutStart(t *testing.T) {
	store := &fakeUsageStore{}
	u := newUsageRecorder(store, 4, time.Hour, metrics.Nop{}, fixedClock)

	u.Record(9)
	require.NoError(t, u.Stop())
	require.Len(t, store.snapshot(), 1)
	assert.Equal(t, []int64{9}, store.snapshot()[0].ids)
}

func TestUsageRecorder_NilStore(t *testing.T) {
	u := newUsageRecorder(nil, 1, time.Hour, metrics.Nop{}, fixedClock)

	u.Record(1, 2, 3)
	u.Start(context.Background())
	assert.NoError(t, u.Flush(context.Background()))
	assert.NoError(t, u.Stop())
}
