// Package retry re-executes failing operations under a backoff strategy,
// an optional error classifier, and an optional circuit breaker.
//
// The first attempt always runs immediately; subsequent attempts sleep
// the strategy's delay for that attempt. With no classifier configured
// every error is retryable. With a breaker configured the policy refuses
// to attempt at all while the breaker is open, saving the wasted call.
//
//	policy := retry.New(
//		retry.WithMaxAttempts(4),
//		retry.WithBackoff(backoff.NewExponential(time.Second, 0, backoff.WithJitter())),
//		retry.WithRetryIf(func(err error) bool { return !errors.Is(err, ErrBadRequest) }),
//	)
//	err := policy.Do(ctx, "fetch-profile", func(ctx context.Context) error {
//		return client.Fetch(ctx, id)
//	})
package retry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nhalm/traffickit/backoff"
	"github.com/nhalm/traffickit/breaker"
	"github.com/nhalm/traffickit/metrics"
)

// DefaultMaxAttempts is used when no option overrides it.
const DefaultMaxAttempts = 3

// ExhaustedError is returned when every attempt failed. It wraps the last
// underlying error so the original failure stays diagnosable.
type ExhaustedError struct {
	Operation string
	Attempts  int
	Err       error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempts for %q: %v", e.Attempts, e.Operation, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// Stats is a snapshot of a named operation's retry counters.
type Stats struct {
	Attempts            int64 `json:"attempts"`
	Retries             int64 `json:"retries"`
	SuccessesAfterRetry int64 `json:"successes_after_retry"`
	Exhaustions         int64 `json:"exhaustions"`
}

// Policy re-executes operations. Safe for concurrent use; one policy is
// typically shared by all call sites with the same failure-handling needs.
type Policy struct {
	maxAttempts    int
	strategy       backoff.Strategy
	retryable      func(error) bool
	breaker        *breaker.Breaker
	attemptTimeout time.Duration

	mu    sync.Mutex
	stats map[string]*Stats
}

// Option configures a Policy.
type Option func(*Policy)

// WithMaxAttempts sets the total attempt budget, first try included
// (default 3).
func WithMaxAttempts(n int) Option {
	return func(p *Policy) {
		p.maxAttempts = n
	}
}

// WithBackoff sets the delay strategy (default exponential from 500ms).
func WithBackoff(s backoff.Strategy) Option {
	return func(p *Policy) {
		p.strategy = s
	}
}

// WithRetryIf sets the error classifier. Errors it rejects propagate
// immediately without further attempts. Default: retry everything.
func WithRetryIf(fn func(error) bool) Option {
	return func(p *Policy) {
		p.retryable = fn
	}
}

// WithBreaker routes attempts through the circuit breaker: while it is
// open the policy refuses to attempt at all, and every attempt's outcome
// feeds the breaker.
func WithBreaker(b *breaker.Breaker) Option {
	return func(p *Policy) {
		p.breaker = b
	}
}

// WithAttemptTimeout bounds each individual attempt. An attempt exceeding
// it fails with context.DeadlineExceeded, which is retryable unless the
// classifier excludes it.
func WithAttemptTimeout(d time.Duration) Option {
	return func(p *Policy) {
		p.attemptTimeout = d
	}
}

// New creates a retry policy.
func New(opts ...Option) *Policy {
	p := &Policy{
		maxAttempts: DefaultMaxAttempts,
		strategy:    backoff.NewExponential(500*time.Millisecond, 0),
		stats:       make(map[string]*Stats),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Do runs op until it succeeds, the attempt budget is spent, an error is
// classified non-retryable, or ctx is canceled. name identifies the
// operation in statistics and metrics.
func (p *Policy) Do(ctx context.Context, name string, op func(context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		if p.breaker != nil {
			if err := p.breaker.Allow(); err != nil {
				metrics.RetryOutcomes.WithLabelValues(name, "breaker_open").Inc()
				return err
			}
		}

		if attempt > 1 {
			if err := sleep(ctx, p.strategy.Delay(attempt)); err != nil {
				return err
			}
			p.bump(name, func(s *Stats) { s.Retries++ })
		}
		p.bump(name, func(s *Stats) { s.Attempts++ })

		lastErr = p.attempt(ctx, op)
		if p.breaker != nil {
			p.breaker.Record(ctx, lastErr == nil)
		}

		if lastErr == nil {
			outcome := "success"
			if attempt > 1 {
				outcome = "success_after_retry"
				p.bump(name, func(s *Stats) { s.SuccessesAfterRetry++ })
			}
			metrics.RetryOutcomes.WithLabelValues(name, outcome).Inc()
			return nil
		}

		if p.retryable != nil && !p.retryable(lastErr) {
			metrics.RetryOutcomes.WithLabelValues(name, "non_retryable").Inc()
			return lastErr
		}
	}

	p.bump(name, func(s *Stats) { s.Exhaustions++ })
	metrics.RetryOutcomes.WithLabelValues(name, "exhausted").Inc()
	return &ExhaustedError{Operation: name, Attempts: p.maxAttempts, Err: lastErr}
}

func (p *Policy) attempt(ctx context.Context, op func(context.Context) error) error {
	if p.attemptTimeout <= 0 {
		return op(ctx)
	}

	actx, cancel := context.WithTimeout(ctx, p.attemptTimeout)
	defer cancel()

	err := op(actx)
	// An attempt that overran its budget reports the timeout, not
	// whatever secondary error the aborted call surfaced.
	if actx.Err() == context.DeadlineExceeded && err != nil {
		return context.DeadlineExceeded
	}
	return err
}

// Stats returns the counters for the named operation.
func (p *Policy) Stats(name string) Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.stats[name]; ok {
		return *s
	}
	return Stats{}
}

// AllStats returns a snapshot of every operation's counters.
func (p *Policy) AllStats() map[string]Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]Stats, len(p.stats))
	for name, s := range p.stats {
		out[name] = *s
	}
	return out
}

func (p *Policy) bump(name string, fn func(*Stats)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.stats[name]
	if !ok {
		s = &Stats{}
		p.stats[name] = s
	}
	fn(s)
}

// sleep waits for d, returning early with ctx.Err() on cancellation.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
