package degrade_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nhalm/traffickit/degrade"
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

var errPrimary = errors.New("primary failed")

func primaryOK(context.Context) (string, error)   { return "primary", nil }
func primaryFail(context.Context) (string, error) { return "", errPrimary }
func fallbackOK(context.Context) (string, error)  { return "fallback", nil }

func TestDo_PrimaryHealthy(t *testing.T) {
	d := degrade.New(store.NewMemory())

	got, err := degrade.Do(context.Background(), d, "search", primaryOK, fallbackOK)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if got != "primary" {
		t.Errorf("Do() = %q, want primary result", got)
	}
}

func TestDo_FallsBackOnPrimaryError(t *testing.T) {
	d := degrade.New(store.NewMemory())

	got, err := degrade.Do(context.Background(), d, "search", primaryFail, fallbackOK)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if got != "fallback" {
		t.Errorf("Do() = %q, want fallback result", got)
	}
}

func TestDo_BothFail_ReturnsPrimaryError(t *testing.T) {
	d := degrade.New(store.NewMemory())
	errFallback := errors.New("fallback failed")

	_, err := degrade.Do(context.Background(), d, "search", primaryFail,
		func(context.Context) (string, error) { return "", errFallback })

	if !errors.Is(err, errPrimary) {
		t.Errorf("error = %v, want the primary error", err)
	}
}

func TestDo_NoFallback(t *testing.T) {
	d := degrade.New(store.NewMemory())

	_, err := degrade.Do[string](context.Background(), d, "search", primaryFail, nil)
	if !errors.Is(err, errPrimary) {
		t.Errorf("error = %v, want the primary error", err)
	}
}

func TestDo_DegradedSkipsPrimary(t *testing.T) {
	d := degrade.New(store.NewMemory())
	ctx := context.Background()

	if err := d.Degrade(ctx, "search", "index rebuild", time.Minute); err != nil {
		t.Fatalf("Degrade() error = %v", err)
	}

	primaryCalled := false
	got, err := degrade.Do(ctx, d, "search",
		func(context.Context) (string, error) {
			primaryCalled = true
			return "primary", nil
		},
		fallbackOK)

	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if primaryCalled {
		t.Error("primary ran while service degraded")
	}
	if got != "fallback" {
		t.Errorf("Do() = %q, want fallback result", got)
	}
}

func TestDo_DegradedWithoutFallbackFails(t *testing.T) {
	d := degrade.New(store.NewMemory())
	ctx := context.Background()

	if err := d.Degrade(ctx, "search", "maintenance", -1); err != nil {
		t.Fatalf("Degrade() error = %v", err)
	}

	primaryCalled := false
	_, err := degrade.Do(ctx, d, "search",
		func(context.Context) (string, error) {
			primaryCalled = true
			return "primary", nil
		},
		nil)

	if primaryCalled {
		t.Error("primary ran while service degraded")
	}
	var degraded *degrade.DegradedError
	if !errors.As(err, &degraded) {
		t.Fatalf("error = %v, want *DegradedError", err)
	}
	if degraded.Service != "search" {
		t.Errorf("DegradedError.Service = %q, want search", degraded.Service)
	}
}

func TestDegrade_ExpiresOnRead(t *testing.T) {
	clock := newFakeClock()
	st := store.NewMemory(store.WithClock(clock.Now))
	d := degrade.New(st, degrade.WithClock(clock.Now))
	ctx := context.Background()

	d.Degrade(ctx, "search", "deploy", time.Minute)
	if !d.IsDegraded(ctx, "search") {
		t.Fatal("service not degraded after Degrade")
	}

	clock.Advance(time.Minute)
	if d.IsDegraded(ctx, "search") {
		t.Error("service still degraded after expiry")
	}
}

func TestDegrade_PermanentUntilRestore(t *testing.T) {
	clock := newFakeClock()
	st := store.NewMemory(store.WithClock(clock.Now))
	d := degrade.New(st, degrade.WithClock(clock.Now))
	ctx := context.Background()

	d.Degrade(ctx, "search", "incident", -1)

	clock.Advance(24 * time.Hour)
	if !d.IsDegraded(ctx, "search") {
		t.Fatal("permanent degradation expired")
	}

	if err := d.Restore(ctx, "search"); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if d.IsDegraded(ctx, "search") {
		t.Error("service still degraded after Restore")
	}
}

func TestDegraded_ListsActiveFlags(t *testing.T) {
	clock := newFakeClock()
	st := store.NewMemory(store.WithClock(clock.Now))
	d := degrade.New(st, degrade.WithClock(clock.Now))
	ctx := context.Background()

	d.Degrade(ctx, "search", "index rebuild", time.Hour)
	d.Degrade(ctx, "billing", "incident", -1)
	d.Degrade(ctx, "email", "deploy", time.Minute)
	clock.Advance(10 * time.Minute) // email's flag expires

	statuses, err := d.Degraded(ctx)
	if err != nil {
		t.Fatalf("Degraded() error = %v", err)
	}
	if len(statuses) != 2 {
		t.Fatalf("Degraded() has %d entries, want 2: %+v", len(statuses), statuses)
	}
	for _, s := range statuses {
		switch s.Service {
		case "search":
			if s.Reason != "index rebuild" || s.Permanent {
				t.Errorf("search status = %+v", s)
			}
		case "billing":
			if !s.Permanent {
				t.Errorf("billing status = %+v, want permanent", s)
			}
		default:
			t.Errorf("unexpected degraded service %q", s.Service)
		}
	}
}

type failingDegradeStore struct {
	store.Store
}

func (failingDegradeStore) HashGet(context.Context, string, string) (string, error) {
	return "", errors.New("store down")
}

func TestIsDegraded_FailsOpen(t *testing.T) {
	d := degrade.New(failingDegradeStore{store.NewMemory()})

	if d.IsDegraded(context.Background(), "search") {
		t.Error("store failure must report healthy, not degraded")
	}
}
