package ratelimit_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nhalm/traffickit/ratelimit"
	"github.com/nhalm/traffickit/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
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

// failingStore simulates an unreachable shared store.
type failingStore struct{}

var errStoreDown = errors.New("store unreachable")

func (failingStore) Increment(context.Context, string, time.Duration) (int64, time.Duration, error) {
	return 0, 0, errStoreDown
}

func (failingStore) IncrementBy(context.Context, string, int64, time.Duration) (int64, time.Duration, error) {
	return 0, 0, errStoreDown
}

func (failingStore) Get(context.Context, string) (int64, error) { return 0, errStoreDown }

func (failingStore) Delete(context.Context, string) error { return errStoreDown }

func (failingStore) TokenTake(context.Context, string, float64, float64, float64) (bool, float64, error) {
	return false, 0, errStoreDown
}

func (failingStore) WindowAllow(context.Context, string, time.Duration, int64) (bool, int64, time.Time, error) {
	return false, 0, time.Time{}, errStoreDown
}

func (failingStore) WindowObserve(context.Context, string, time.Duration) (int64, error) {
	return 0, errStoreDown
}

func (failingStore) HashGet(context.Context, string, string) (string, error) {
	return "", errStoreDown
}

func (failingStore) HashSet(context.Context, string, string, string) error { return errStoreDown }

func (failingStore) HashGetAll(context.Context, string) (map[string]string, error) {
	return nil, errStoreDown
}

func (failingStore) HashDelete(context.Context, string, ...string) error { return errStoreDown }

func (failingStore) Close() error { return nil }

func TestTokenBucket(t *testing.T) {
	clock := newFakeClock()
	st := store.NewMemory(store.WithClock(clock.Now))
	defer st.Close()

	ctx := context.Background()

	t.Run("burst drains without time advance", func(t *testing.T) {
		limiter := ratelimit.New(st, 4, 4*time.Second,
			ratelimit.WithBurst(4), ratelimit.WithClock(clock.Now))

		for i := 0; i < 4; i++ {
			res := limiter.Check(ctx, "burst")
			if !res.Allowed {
				t.Fatalf("check %d: expected allowed", i+1)
			}
			if res.Remaining != int64(3-i) {
				t.Errorf("check %d: remaining = %d, want %d", i+1, res.Remaining, 3-i)
			}
		}

		res := limiter.Check(ctx, "burst")
		if res.Allowed {
			t.Error("5th immediate check: expected denied")
		}
		if res.RetryAfter <= 0 {
			t.Errorf("RetryAfter = %v, want > 0", res.RetryAfter)
		}
	})

	t.Run("refills at limit per window", func(t *testing.T) {
		limiter := ratelimit.New(st, 2, 2*time.Second,
			ratelimit.WithBurst(2), ratelimit.WithClock(clock.Now))

		limiter.Check(ctx, "refill")
		limiter.Check(ctx, "refill")
		if res := limiter.Check(ctx, "refill"); res.Allowed {
			t.Error("expected denied with empty bucket")
		}

		clock.Advance(time.Second)
		if res := limiter.Check(ctx, "refill"); !res.Allowed {
			t.Error("expected one token after 1s at 1 token/s")
		}
	})

	t.Run("default burst is 1.5x limit", func(t *testing.T) {
		limiter := ratelimit.New(st, 10, time.Hour, ratelimit.WithClock(clock.Now))

		for i := 0; i < 15; i++ {
			if res := limiter.Check(ctx, "default-burst"); !res.Allowed {
				t.Fatalf("check %d: expected allowed", i+1)
			}
		}
		if res := limiter.Check(ctx, "default-burst"); res.Allowed {
			t.Error("16th immediate check: expected denied")
		}
	})
}

func TestSlidingWindow(t *testing.T) {
	clock := newFakeClock()
	st := store.NewMemory(store.WithClock(clock.Now))
	defer st.Close()

	limiter := ratelimit.New(st, 5, 10*time.Second,
		ratelimit.WithAlgorithm(ratelimit.SlidingWindow), ratelimit.WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		res := limiter.Check(ctx, "login")
		if !res.Allowed {
			t.Fatalf("check %d: expected allowed", i+1)
		}
		clock.Advance(200 * time.Millisecond)
	}

	res := limiter.Check(ctx, "login")
	if res.Allowed {
		t.Error("6th check inside window: expected denied")
	}
	if res.Remaining != 0 {
		t.Errorf("Remaining = %d, want 0", res.Remaining)
	}
	if res.RetryAfter <= 0 || res.RetryAfter > 10*time.Second {
		t.Errorf("RetryAfter = %v, want within (0, 10s]", res.RetryAfter)
	}

	clock.Advance(10 * time.Second)
	if res := limiter.Check(ctx, "login"); !res.Allowed {
		t.Error("expected allowed after window elapsed")
	}
}

func TestFixedWindow(t *testing.T) {
	clock := newFakeClock()
	st := store.NewMemory(store.WithClock(clock.Now))
	defer st.Close()

	limiter := ratelimit.New(st, 3, time.Minute,
		ratelimit.WithAlgorithm(ratelimit.FixedWindow), ratelimit.WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if res := limiter.Check(ctx, "bulk"); !res.Allowed {
			t.Fatalf("check %d: expected allowed", i+1)
		}
	}

	res := limiter.Check(ctx, "bulk")
	if res.Allowed {
		t.Error("4th check: expected denied")
	}
	if res.RetryAfter <= 0 || res.RetryAfter > time.Minute {
		t.Errorf("RetryAfter = %v, want within (0, 1m]", res.RetryAfter)
	}

	clock.Advance(time.Minute)
	res = limiter.Check(ctx, "bulk")
	if !res.Allowed {
		t.Error("expected allowed in new window")
	}
	if res.Remaining != 2 {
		t.Errorf("Remaining in new window = %d, want 2", res.Remaining)
	}
}

func TestCheck_FailsOpen(t *testing.T) {
	for _, algorithm := range []ratelimit.Algorithm{ratelimit.TokenBucket, ratelimit.SlidingWindow, ratelimit.FixedWindow} {
		t.Run(string(algorithm), func(t *testing.T) {
			limiter := ratelimit.New(failingStore{}, 5, time.Minute, ratelimit.WithAlgorithm(algorithm))

			res := limiter.Check(context.Background(), "anyone")
			if !res.Allowed {
				t.Error("expected allowed when store is unreachable")
			}
			if !res.FailedOpen {
				t.Error("expected FailedOpen to be set")
			}
		})
	}
}

func TestReset(t *testing.T) {
	clock := newFakeClock()
	st := store.NewMemory(store.WithClock(clock.Now))
	defer st.Close()

	limiter := ratelimit.New(st, 2, time.Hour,
		ratelimit.WithBurst(2), ratelimit.WithClock(clock.Now))
	ctx := context.Background()

	limiter.Check(ctx, "sub")
	limiter.Check(ctx, "sub")
	if res := limiter.Check(ctx, "sub"); res.Allowed {
		t.Fatal("expected denied before reset")
	}

	if err := limiter.Reset(ctx, "sub"); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if res := limiter.Check(ctx, "sub"); !res.Allowed {
		t.Error("expected allowed after reset")
	}
}

func TestStats(t *testing.T) {
	clock := newFakeClock()
	st := store.NewMemory(store.WithClock(clock.Now))
	defer st.Close()

	limiter := ratelimit.New(st, 2, time.Hour,
		ratelimit.WithBurst(2), ratelimit.WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		limiter.Check(ctx, "metered")
	}

	stats, err := limiter.Stats(ctx, "metered")
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.Allowed != 2 || stats.Blocked != 2 {
		t.Errorf("Stats = %+v, want 2 allowed / 2 blocked", stats)
	}
	if stats.BlockRate != 0.5 {
		t.Errorf("BlockRate = %f, want 0.5", stats.BlockRate)
	}
}
