package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/michaelbrown/runbox/internal/policy"
	"github.com/michaelbrown/runbox/internal/storage/sqlite"
)

func backends(t *testing.T) map[string]CounterStore {
	t.Helper()

	store, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return map[string]CounterStore{
		"memory": NewMemoryCounters(),
		"sqlite": NewSQLiteCounters(store.DB()),
		"redis":  NewRedisCounters(client),
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestApplyWindow(t *testing.T) {
	t0 := time.UnixMilli(1_000_000)
	tests := []struct {
		name      string
		cur       Window
		found     bool
		now       time.Time
		limit     int
		want      Window
		wantAllow bool
	}{
		{"first attempt", Window{}, false, t0, 2, Window{t0, 1}, true},
		{"increment", Window{t0, 1}, true, t0.Add(time.Second), 2, Window{t0, 2}, true},
		{"refuse at limit", Window{t0, 2}, true, t0.Add(time.Second), 2, Window{t0, 2}, false},
		{"reset exactly at window end", Window{t0, 2}, true, t0.Add(time.Minute), 2, Window{t0.Add(time.Minute), 1}, true},
		{"unlimited", Window{t0, 500}, true, t0.Add(time.Second), 0, Window{t0, 501}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := applyWindow(tt.cur, tt.found, tt.now, time.Minute, tt.limit)
			require.Equal(t, tt.wantAllow, ok)
			require.True(t, got.Start.Equal(tt.want.Start), "start %v, want %v", got.Start, tt.want.Start)
			require.Equal(t, tt.want.Count, got.Count)
		})
	}
}

func TestLimiterWindow(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clock := &fakeClock{now: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)}
			l := NewLimiter(store, time.Minute, 3).WithNow(clock.Now)

			for i := 1; i <= 3; i++ {
				d, err := l.Allow(ctx, "u1", "run")
				require.NoError(t, err)
				require.True(t, d.Allowed, "attempt %d", i)
				require.Equal(t, 3-i, d.Remaining)
				clock.Advance(10 * time.Second)
			}

			d, err := l.Allow(ctx, "u1", "run")
			require.NoError(t, err)
			require.False(t, d.Allowed)
			require.Equal(t, 30*time.Second, d.RetryAfter)

			other, err := l.Allow(ctx, "u2", "run")
			require.NoError(t, err)
			require.True(t, other.Allowed, "users do not share a window")

			clock.Advance(30 * time.Second)
			d, err = l.Allow(ctx, "u1", "run")
			require.NoError(t, err)
			require.True(t, d.Allowed)
			require.Equal(t, 1, d.Count)
		})
	}
}

func TestLimiterConcurrentAttempts(t *testing.T) {
	const limit = 10
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			l := NewLimiter(store, time.Hour, limit)

			var allowed atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < limit*2+5; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					d, err := l.Allow(context.Background(), "burst", "run")
					if err != nil {
						t.Error(err)
						return
					}
					if d.Allowed {
						allowed.Add(1)
					}
				}()
			}
			wg.Wait()
			require.Equal(t, int32(limit), allowed.Load())
		})
	}
}

func TestLimitPlusOneAttempts(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			l := NewLimiter(store, time.Minute, 5)
			successes := 0
			var last Decision
			for i := 0; i < 6; i++ {
				d, err := l.Allow(context.Background(), "u1", "submit")
				require.NoError(t, err)
				if d.Allowed {
					successes++
				}
				last = d
			}
			require.Equal(t, 5, successes)
			require.False(t, last.Allowed)
			require.Positive(t, last.RetryAfter)
		})
	}
}

func TestQuotaResetsAtLocalMidnight(t *testing.T) {
	base, err := policy.NewClock("America/New_York")
	require.NoError(t, err)
	ny := base.Location()

	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			fc := &fakeClock{now: time.Date(2026, 3, 7, 23, 30, 0, 0, ny)}
			q := NewQuota(store, 2, base.WithNow(fc.Now))

			for i := 1; i <= 2; i++ {
				d, err := q.Consume(ctx, "u1")
				require.NoError(t, err)
				require.True(t, d.Allowed)
				require.Equal(t, i, d.Used)
				require.Equal(t, "2026-03-07", d.Day)
			}

			d, err := q.Consume(ctx, "u1")
			require.NoError(t, err)
			require.False(t, d.Allowed)
			require.Equal(t, 0, d.Remaining)
			want := time.Date(2026, 3, 8, 0, 0, 0, 0, ny)
			require.True(t, d.ResetAt.Equal(want), "resetAt %v, want %v", d.ResetAt, want)

			fc.Advance(40 * time.Minute)
			d, err = q.Consume(ctx, "u1")
			require.NoError(t, err)
			require.True(t, d.Allowed)
			require.Equal(t, 1, d.Used)
			require.Equal(t, "2026-03-08", d.Day)
		})
	}
}

func TestRedisQuotaKeyExpires(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	now := time.Date(2026, 5, 1, 22, 0, 0, 0, time.UTC)
	store := NewRedisCounters(client)
	_, ok, err := store.HitQuota(context.Background(), "q", 3, now, now.Add(2*time.Hour))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 2*time.Hour, mr.TTL("q"))

	mr.FastForward(2*time.Hour + time.Second)
	require.False(t, mr.Exists("q"))
}
