package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newLimiter(clock *fakeClock, max int, window time.Duration) (*Limiter, *MemoryBackend) {
	backend := NewMemoryBackend()
	return New(Options{MaxUploads: max, Window: window, Backend: backend, Now: clock.Now}), backend
}

func TestLimiter_QuotaThenReset(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	l, _ := newLimiter(clock, 3, time.Hour)
	windowStart := clock.Now()

	for i := 0; i < 3; i++ {
		d := l.Check(ctx, "198.51.100.1")
		require.True(t, d.Allowed, "upload %d", i+1)
		assert.Equal(t, 3-i, d.Remaining)
		l.Record(ctx, "198.51.100.1")
		clock.Advance(time.Minute)
	}

	d := l.Check(ctx, "198.51.100.1")
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
	assert.Equal(t, windowStart.Add(time.Hour), d.ResetAt)

	clock.Advance(d.ResetAt.Sub(clock.Now()))
	d = l.Check(ctx, "198.51.100.1")
	assert.True(t, d.Allowed)
	assert.Equal(t, 3, d.Remaining)
	assert.Equal(t, clock.Now().Add(time.Hour), d.ResetAt)

	l.Record(ctx, "198.51.100.1")
	d = l.Check(ctx, "198.51.100.1")
	assert.Equal(t, 2, d.Remaining)
	assert.Equal(t, clock.Now().Add(time.Hour), d.ResetAt, "fresh window starts at the first upload after reset")
}

func TestLimiter_CheckIsReadOnly(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	l, backend := newLimiter(clock, 1, time.Hour)

	for i := 0; i < 10; i++ {
		assert.True(t, l.Check(ctx, "198.51.100.2").Allowed)
	}
	assert.Equal(t, 0, backend.Len())

	l.Record(ctx, "198.51.100.2")
	assert.False(t, l.Check(ctx, "198.51.100.2").Allowed)
}

func TestLimiter_IPsAreIndependent(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	l, _ := newLimiter(clock, 1, time.Hour)

	l.Record(ctx, "198.51.100.3")
	assert.False(t, l.Check(ctx, "198.51.100.3").Allowed)
	assert.True(t, l.Check(ctx, "198.51.100.4").Allowed)
}

func TestLimiter_ZeroQuotaRejects(t *testing.T) {
	l, _ := newLimiter(newFakeClock(), 0, time.Hour)
	assert.False(t, l.Check(context.Background(), "198.51.100.5").Allowed)
}

func TestLimiter_ReapDropsLapsedWindows(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	l, backend := newLimiter(clock, 5, time.Hour)

	l.Record(ctx, "198.51.100.6")
	clock.Advance(30 * time.Minute)
	l.Record(ctx, "198.51.100.7")
	clock.Advance(31 * time.Minute)

	assert.Equal(t, 1, l.Reap(ctx))
	assert.Equal(t, 1, backend.Len())

	entries, err := l.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "198.51.100.7", entries[0].IP)
	assert.Equal(t, 1, entries[0].Count)
}

func TestLimiter_RecordReapsLazily(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	l, backend := newLimiter(clock, 5, time.Minute)

	for _, ip := range []string{"a", "b", "c"} {
		l.Record(ctx, ip)
	}
	assert.Equal(t, 3, backend.Len())

	clock.Advance(2 * time.Minute)
	l.Record(ctx, "d")
	assert.Equal(t, 1, backend.Len())
}

func TestLimiter_ConcurrentRecords(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	l, _ := newLimiter(clock, 1000, time.Hour)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Record(ctx, "198.51.100.8")
		}()
	}
	wg.Wait()
	assert.Equal(t, 950, l.Check(ctx, "198.51.100.8").Remaining)
}

type failingBackend struct{ MemoryBackend }

func (f *failingBackend) Get(context.Context, string) (Window, bool, error) {
	return Window{}, false, errors.New("backend down")
}

func TestLimiter_FailsOpen(t *testing.T) {
	l := New(Options{MaxUploads: 1, Window: time.Hour, Backend: &failingBackend{}})
	assert.True(t, l.Check(context.Background(), "198.51.100.9").Allowed)
}

func TestLimiter_ReserveNeverOvershoots(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	l, _ := newLimiter(clock, 3, time.Hour)

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, d := l.Reserve(ctx, "198.51.100.20"); d.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, allowed)
	entries, err := l.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 3, entries[0].Count)
}

func TestLimiter_ReserveRelease(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	l, _ := newLimiter(clock, 2, time.Hour)
	windowStart := clock.Now()

	first, d := l.Reserve(ctx, "198.51.100.21")
	require.True(t, d.Allowed)
	assert.Equal(t, 1, d.Remaining)
	_, d = l.Reserve(ctx, "198.51.100.21")
	require.True(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)

	_, d = l.Reserve(ctx, "198.51.100.21")
	assert.False(t, d.Allowed)
	assert.Equal(t, windowStart.Add(time.Hour), d.ResetAt)

	first.Release(ctx)
	first.Release(ctx)
	assert.Equal(t, 1, l.Check(ctx, "198.51.100.21").Remaining, "released once")

	_, d = l.Reserve(ctx, "198.51.100.21")
	assert.True(t, d.Allowed)
}

func TestLimiter_ReleaseIgnoresNewerWindow(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	l, _ := newLimiter(clock, 2, time.Minute)

	old, d := l.Reserve(ctx, "198.51.100.22")
	require.True(t, d.Allowed)
	clock.Advance(time.Minute)
	_, d = l.Reserve(ctx, "198.51.100.22")
	require.True(t, d.Allowed)

	old.Release(ctx)
	assert.Equal(t, 1, l.Check(ctx, "198.51.100.22").Remaining)
}

func TestLimiter_ReserveZeroQuota(t *testing.T) {
	l, backend := newLimiter(newFakeClock(), 0, time.Hour)
	res, d := l.Reserve(context.Background(), "198.51.100.23")
	assert.False(t, d.Allowed)
	res.Release(context.Background())
	assert.Equal(t, 0, backend.Len())
}

func (f *failingBackend) Reserve(context.Context, string, time.Time, time.Duration, int) (Window, bool, error) {
	return Window{}, false, errors.New("backend down")
}

func TestLimiter_ReserveFailsOpen(t *testing.T) {
	l := New(Options{MaxUploads: 1, Window: time.Hour, Backend: &failingBackend{}})
	res, d := l.Reserve(context.Background(), "198.51.100.24")
	assert.True(t, d.Allowed)
	res.Release(context.Background())
}
