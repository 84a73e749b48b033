// Package ratelimit provides per-subject admission control backed by the
// shared counter store.
//
// Three algorithms are available, trading accuracy, burst tolerance, and
// cost:
//
//   - TokenBucket: tolerates bursts up to the bucket capacity while
//     bounding the long-run average. Default for API traffic.
//   - SlidingWindow: exact enforcement over a trailing window. Use where
//     precision matters (login attempts, expensive endpoints).
//   - FixedWindow: a single counter per window. Cheapest; allows up to
//     2× the limit across a window boundary.
//
// The limiter never blocks and fails open: if the store is unreachable the
// request is allowed, the fault is logged on the canonical log line, and
// the fail-open metric is incremented. The store must never become a
// single point of failure for the traffic it protects.
//
// Example:
//
//	st := store.NewMemory()
//	defer st.Close()
//	limiter := ratelimit.New(st, 100, time.Minute, ratelimit.WithAlgorithm(ratelimit.SlidingWindow))
//	res := limiter.Check(ctx, "user:42")
//	if !res.Allowed {
//		// reject with res.RetryAfter
//	}
package ratelimit

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/nhalm/canonlog"

	"github.com/nhalm/traffickit/metrics"
	"github.com/nhalm/traffickit/store"
)

// Algorithm selects the admission control algorithm.
type Algorithm string

const (
	TokenBucket   Algorithm = "token_bucket"
	SlidingWindow Algorithm = "sliding_window"
	FixedWindow   Algorithm = "fixed_window"
)

// statsRetention is how long daily allowed/blocked counters are kept.
const statsRetention = 7 * 24 * time.Hour

// Result is the outcome of a rate limit check.
type Result struct {
	// Allowed reports whether the request may proceed.
	Allowed bool

	// Limit is the configured ceiling for the window.
	Limit int64

	// Remaining is the number of requests left before the limit is hit.
	Remaining int64

	// ResetAt is when the subject's budget is fully restored.
	ResetAt time.Time

	// RetryAfter is how long a rejected caller should wait before retrying.
	// Zero when Allowed.
	RetryAfter time.Duration

	// FailedOpen is set when the request was allowed only because the
	// store was unreachable.
	FailedOpen bool
}

// Stats summarizes a subject's traffic for the current day.
type Stats struct {
	Allowed   int64   `json:"allowed"`
	Blocked   int64   `json:"blocked"`
	Total     int64   `json:"total"`
	BlockRate float64 `json:"block_rate"`
}

// Limiter applies one rate limiting algorithm to subjects.
type Limiter struct {
	store     store.Store
	algorithm Algorithm
	limit     int64
	window    time.Duration
	burst     int64
	now       func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithAlgorithm selects the algorithm (default TokenBucket).
func WithAlgorithm(a Algorithm) Option {
	return func(l *Limiter) {
		l.algorithm = a
	}
}

// WithBurst sets the token bucket capacity (default 1.5× limit).
// Ignored by the other algorithms.
func WithBurst(burst int) Option {
	return func(l *Limiter) {
		l.burst = int64(burst)
	}
}

// WithClock replaces the limiter's clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// New creates a rate limiter allowing limit requests per window.
func New(st store.Store, limit int, window time.Duration, opts ...Option) *Limiter {
	l := &Limiter{
		store:     st,
		algorithm: TokenBucket,
		limit:     int64(limit),
		window:    window,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.burst <= 0 {
		l.burst = l.limit + l.limit/2
	}
	return l
}

// Algorithm returns the configured algorithm.
func (l *Limiter) Algorithm() Algorithm {
	return l.algorithm
}

// Check decides whether the subject's request is admitted. It never blocks
// and never returns an error: store faults convert to an allowed result
// with FailedOpen set.
func (l *Limiter) Check(ctx context.Context, subject string) Result {
	var (
		res Result
		err error
	)

	switch l.algorithm {
	case SlidingWindow:
		res, err = l.checkSlidingWindow(ctx, subject)
	case FixedWindow:
		res, err = l.checkFixedWindow(ctx, subject)
	default:
		res, err = l.checkTokenBucket(ctx, subject)
	}

	if err != nil {
		l.logFailOpen(ctx, subject, err)
		metrics.FailOpen.WithLabelValues("ratelimit").Inc()
		return Result{
			Allowed:    true,
			Limit:      l.limit,
			Remaining:  l.limit,
			ResetAt:    l.now().Add(l.window),
			FailedOpen: true,
		}
	}

	l.recordStats(ctx, subject, res.Allowed)
	outcome := "allowed"
	if !res.Allowed {
		outcome = "blocked"
	}
	metrics.RateLimitDecisions.WithLabelValues(string(l.algorithm), outcome).Inc()

	return res
}

func (l *Limiter) checkTokenBucket(ctx context.Context, subject string) (Result, error) {
	rate := float64(l.limit) / l.window.Seconds()

	allowed, tokens, err := l.store.TokenTake(ctx, "ratelimit:tb:"+subject, float64(l.burst), rate, 1)
	if err != nil {
		return Result{}, err
	}

	now := l.now()
	res := Result{
		Allowed:   allowed,
		Limit:     l.limit,
		Remaining: int64(math.Floor(tokens)),
		// Full again once the missing tokens have been replenished.
		ResetAt: now.Add(time.Duration(float64(time.Second) * (float64(l.burst) - tokens) / rate)),
	}
	if !allowed {
		res.RetryAfter = time.Duration(float64(time.Second) * (1 - tokens) / rate)
	}
	return res, nil
}

func (l *Limiter) checkSlidingWindow(ctx context.Context, subject string) (Result, error) {
	allowed, count, oldest, err := l.store.WindowAllow(ctx, "ratelimit:sw:"+subject, l.window, l.limit)
	if err != nil {
		return Result{}, err
	}

	now := l.now()
	resetAt := now.Add(l.window)
	if !oldest.IsZero() {
		// The next slot frees when the oldest recorded request leaves
		// the trailing window.
		resetAt = oldest.Add(l.window)
	}

	res := Result{
		Allowed:   allowed,
		Limit:     l.limit,
		Remaining: max(0, l.limit-count),
		ResetAt:   resetAt,
	}
	if !allowed {
		res.RetryAfter = max(0, resetAt.Sub(now))
	}
	return res, nil
}

func (l *Limiter) checkFixedWindow(ctx context.Context, subject string) (Result, error) {
	now := l.now()
	windowID := now.UnixNano() / int64(l.window)
	key := "ratelimit:fw:" + subject + ":" + strconv.FormatInt(windowID, 10)

	// The key embeds the window id, so rollover is a natural key change.
	// Expiry at 2× window just bounds garbage.
	count, _, err := l.store.Increment(ctx, key, 2*l.window)
	if err != nil {
		return Result{}, err
	}

	resetAt := time.Unix(0, (windowID+1)*int64(l.window))
	res := Result{
		Allowed:   count <= l.limit,
		Limit:     l.limit,
		Remaining: max(0, l.limit-count),
		ResetAt:   resetAt,
	}
	if !res.Allowed {
		res.RetryAfter = max(0, resetAt.Sub(now))
	}
	return res, nil
}

// Reset clears all rate limit state for the subject.
func (l *Limiter) Reset(ctx context.Context, subject string) error {
	now := l.now()
	windowID := now.UnixNano() / int64(l.window)

	keys := []string{
		"ratelimit:tb:" + subject,
		"ratelimit:sw:" + subject,
		"ratelimit:fw:" + subject + ":" + strconv.FormatInt(windowID, 10),
		"ratelimit:fw:" + subject + ":" + strconv.FormatInt(windowID-1, 10),
	}
	for _, key := range keys {
		if err := l.store.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// Stats returns the subject's allowed/blocked counts for today plus the
// block rate. Counters are retained for 7 days.
func (l *Limiter) Stats(ctx context.Context, subject string) (Stats, error) {
	day := l.now().UTC().Format("2006-01-02")

	allowed, err := l.store.Get(ctx, "ratelimit:stats:"+subject+":"+day+":allowed")
	if err != nil {
		return Stats{}, err
	}
	blocked, err := l.store.Get(ctx, "ratelimit:stats:"+subject+":"+day+":blocked")
	if err != nil {
		return Stats{}, err
	}

	s := Stats{
		Allowed: allowed,
		Blocked: blocked,
		Total:   allowed + blocked,
	}
	if s.Total > 0 {
		s.BlockRate = float64(blocked) / float64(s.Total)
	}
	return s, nil
}

// recordStats bumps the subject's daily counter. Best effort: a stats
// write failure never affects the admission decision.
func (l *Limiter) recordStats(ctx context.Context, subject string, allowed bool) {
	day := l.now().UTC().Format("2006-01-02")
	outcome := ":blocked"
	if allowed {
		outcome = ":allowed"
	}
	_, _, _ = l.store.Increment(ctx, "ratelimit:stats:"+subject+":"+day+outcome, statsRetention)
}

func (l *Limiter) logFailOpen(ctx context.Context, subject string, err error) {
	if _, ok := canonlog.TryGetLogger(ctx); !ok {
		return
	}
	canonlog.InfoAddMany(ctx, map[string]any{
		"ratelimit_fail_open": true,
		"ratelimit_subject":   subject,
	})
	canonlog.ErrorAdd(ctx, err)
}
