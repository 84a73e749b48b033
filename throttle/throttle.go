// Package throttle provides soft admission control: instead of rejecting
// traffic past a threshold, it computes a delay that grows exponentially
// with the excess, and the caller suspends for that long before
// proceeding.
//
// Use it to degrade non-critical traffic smoothly. Do not use it on
// endpoints with a guaranteed answer time; those should use the rate
// limiter, which rejects immediately.
//
// Like the rate limiter, the throttler fails open: if the store is
// unreachable the request proceeds undelayed and the fault is logged.
package throttle

import (
	"context"
	"time"

	"github.com/nhalm/canonlog"

	"github.com/nhalm/traffickit/metrics"
	"github.com/nhalm/traffickit/store"
)

const (
	// DefaultBaseDelay is the base of the exponential delay curve. The
	// first request past the threshold waits twice this (base×2^excess).
	DefaultBaseDelay = 100 * time.Millisecond

	// DefaultMaxDelay caps the computed delay.
	DefaultMaxDelay = 10 * time.Second
)

// Result is the outcome of a throttle check.
type Result struct {
	// Throttled reports whether the request exceeded the threshold.
	Throttled bool

	// Delay is how long the caller must suspend before proceeding.
	// Zero when not throttled.
	Delay time.Duration

	// RequestCount is the number of requests observed in the window,
	// including this one.
	RequestCount int64
}

// Throttler computes per-subject delays from recent request volume.
type Throttler struct {
	store     store.Store
	threshold int64
	window    time.Duration
	baseDelay time.Duration
	maxDelay  time.Duration
}

// Option configures a Throttler.
type Option func(*Throttler)

// WithBaseDelay sets the delay for the first request past the threshold
// (default 100ms).
func WithBaseDelay(d time.Duration) Option {
	return func(t *Throttler) {
		t.baseDelay = d
	}
}

// WithMaxDelay caps the computed delay (default 10s).
func WithMaxDelay(d time.Duration) Option {
	return func(t *Throttler) {
		t.maxDelay = d
	}
}

// New creates a throttler that starts delaying once a subject exceeds
// threshold requests per window.
func New(st store.Store, threshold int, window time.Duration, opts ...Option) *Throttler {
	t := &Throttler{
		store:     st,
		threshold: int64(threshold),
		window:    window,
		baseDelay: DefaultBaseDelay,
		maxDelay:  DefaultMaxDelay,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Check records the request and computes the delay the caller must apply.
// It never rejects and never returns an error: store faults convert to an
// undelayed result.
func (t *Throttler) Check(ctx context.Context, subject string) Result {
	count, err := t.store.WindowObserve(ctx, "throttle:"+subject, t.window)
	if err != nil {
		t.logFailOpen(ctx, subject, err)
		metrics.FailOpen.WithLabelValues("throttle").Inc()
		return Result{}
	}

	excess := count - t.threshold
	if excess <= 0 {
		return Result{RequestCount: count}
	}

	// delay = baseDelay × 2^excess, capped.
	delay := t.baseDelay
	for i := int64(0); i < excess && delay < t.maxDelay; i++ {
		delay *= 2
	}
	delay = min(delay, t.maxDelay)

	metrics.ThrottleDelays.Inc()
	metrics.ThrottleDelaySeconds.Observe(delay.Seconds())

	return Result{
		Throttled:    true,
		Delay:        delay,
		RequestCount: count,
	}
}

// Wait runs Check and suspends the current request path for the computed
// delay. Only this request is delayed; the suspension honors ctx
// cancellation and returns ctx.Err() when interrupted.
func (t *Throttler) Wait(ctx context.Context, subject string) (Result, error) {
	res := t.Check(ctx, subject)
	if !res.Throttled {
		return res, nil
	}

	timer := time.NewTimer(res.Delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return res, nil
	case <-ctx.Done():
		return res, ctx.Err()
	}
}

// Reset clears the subject's throttle window.
func (t *Throttler) Reset(ctx context.Context, subject string) error {
	return t.store.Delete(ctx, "throttle:"+subject)
}

func (t *Throttler) logFailOpen(ctx context.Context, subject string, err error) {
	if _, ok := canonlog.TryGetLogger(ctx); !ok {
		return
	}
	canonlog.InfoAddMany(ctx, map[string]any{
		"throttle_fail_open": true,
		"throttle_subject":   subject,
	})
	canonlog.ErrorAdd(ctx, err)
}
