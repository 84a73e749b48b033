// Package breaker provides named circuit breakers for outbound calls to
// unreliable dependencies.
//
// A breaker is a three-state automaton. CLOSED executes calls and counts
// consecutive failures; at the failure threshold it trips to OPEN. OPEN
// fails calls fast without executing them. Once the open timeout elapses,
// the next call (there is no background timer; the transition is evaluated
// lazily at call time) moves the breaker to HALF_OPEN, where consecutive
// successes up to the success threshold close it again and any single
// failure reopens it.
//
// Breakers for different dependencies are fully independent; use a
// Registry to share them by name across call sites.
//
//	reg := breaker.NewRegistry()
//	err := reg.Get("billing-api").Do(ctx, func(ctx context.Context) error {
//		return client.Charge(ctx, invoice)
//	})
//	var open *breaker.OpenError
//	if errors.As(err, &open) {
//		// dependency is unhealthy; serve degraded response
//	}
package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nhalm/canonlog"

	"github.com/nhalm/traffickit/metrics"
)

// State is the breaker automaton state.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Default thresholds, used when no option overrides them.
const (
	DefaultFailureThreshold = 5
	DefaultSuccessThreshold = 2
	DefaultTimeout          = 30 * time.Second
)

// OpenError is returned when a call is refused because the breaker is
// open. The wrapped operation was not invoked.
type OpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is open (retry after %s)", e.Name, e.RetryAfter.Round(time.Millisecond))
}

// Is reports true for any *OpenError target, so
// errors.Is(err, &breaker.OpenError{}) matches regardless of fields.
func (e *OpenError) Is(target error) bool {
	_, ok := target.(*OpenError)
	return ok
}

// Counts is a snapshot of a breaker's counters.
type Counts struct {
	ConsecutiveFailures  int64     `json:"consecutive_failures"`
	ConsecutiveSuccesses int64     `json:"consecutive_successes"`
	TotalSuccesses       int64     `json:"total_successes"`
	TotalFailures        int64     `json:"total_failures"`
	LastTransition       time.Time `json:"last_transition"`
}

// Breaker is a single named circuit breaker. Safe for concurrent use.
type Breaker struct {
	name             string
	failureThreshold int64
	successThreshold int64
	timeout          time.Duration
	now              func() time.Time

	mu       sync.Mutex
	state    State
	counts   Counts
	openedAt time.Time
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithFailureThreshold sets the consecutive failures that trip the breaker
// (default 5).
func WithFailureThreshold(n int) Option {
	return func(b *Breaker) {
		b.failureThreshold = int64(n)
	}
}

// WithSuccessThreshold sets the consecutive half-open successes that close
// the breaker (default 2).
func WithSuccessThreshold(n int) Option {
	return func(b *Breaker) {
		b.successThreshold = int64(n)
	}
}

// WithTimeout sets how long the breaker stays open before probing
// (default 30s).
func WithTimeout(d time.Duration) Option {
	return func(b *Breaker) {
		b.timeout = d
	}
}

// WithClock replaces the breaker's clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		b.now = now
	}
}

// New creates a breaker with the given name.
func New(name string, opts ...Option) *Breaker {
	b := &Breaker{
		name:             name,
		failureThreshold: DefaultFailureThreshold,
		successThreshold: DefaultSuccessThreshold,
		timeout:          DefaultTimeout,
		now:              time.Now,
		state:            Closed,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns the breaker's name.
func (b *Breaker) Name() string {
	return b.name
}

// Do executes op through the breaker. When the breaker is open and the
// timeout has not elapsed, it returns *OpenError without invoking op;
// otherwise op runs and its outcome drives the automaton. op's error is
// returned unchanged.
func (b *Breaker) Do(ctx context.Context, op func(context.Context) error) error {
	if err := b.Allow(); err != nil {
		metrics.BreakerRejections.WithLabelValues(b.name).Inc()
		return err
	}

	err := op(ctx)
	b.record(ctx, err == nil)
	return err
}

// Allow reports whether a call may proceed right now, applying the lazy
// OPEN→HALF_OPEN transition. It returns *OpenError when the call must be
// refused. Callers using Allow directly must pair it with Record.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != Open {
		return nil
	}

	elapsed := b.now().Sub(b.openedAt)
	if elapsed < b.timeout {
		return &OpenError{Name: b.name, RetryAfter: b.timeout - elapsed}
	}

	b.transition(HalfOpen)
	return nil
}

// Record feeds a call outcome into the automaton. Exposed for callers
// that use Allow directly (e.g. the retry policy).
func (b *Breaker) Record(ctx context.Context, success bool) {
	b.record(ctx, success)
}

func (b *Breaker) record(ctx context.Context, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		b.counts.TotalSuccesses++
		b.counts.ConsecutiveFailures = 0
		if b.state == HalfOpen {
			b.counts.ConsecutiveSuccesses++
			if b.counts.ConsecutiveSuccesses >= b.successThreshold {
				b.transition(Closed)
				b.logTransition(ctx, Closed, "recovered")
			}
		}
		return
	}

	b.counts.TotalFailures++
	b.counts.ConsecutiveSuccesses = 0

	switch b.state {
	case HalfOpen:
		// A single probe failure reopens immediately.
		b.openedAt = b.now()
		b.transition(Open)
		b.logTransition(ctx, Open, "probe failed")
	case Closed:
		b.counts.ConsecutiveFailures++
		if b.counts.ConsecutiveFailures >= b.failureThreshold {
			b.openedAt = b.now()
			b.transition(Open)
			b.logTransition(ctx, Open, "failure threshold reached")
		}
	}
}

// transition moves the automaton. Caller must hold the lock.
func (b *Breaker) transition(to State) {
	b.state = to
	b.counts.LastTransition = b.now()
	if to == Closed || to == HalfOpen {
		b.counts.ConsecutiveFailures = 0
	}
	if to != HalfOpen {
		b.counts.ConsecutiveSuccesses = 0
	}
	metrics.BreakerTransitions.WithLabelValues(b.name, to.String()).Inc()
}

// State returns the current state without applying the lazy transition.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Counts returns a snapshot of the breaker's counters.
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// ForceOpen trips the breaker administratively. It reopens the full
// timeout from now.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.openedAt = b.now()
	b.transition(Open)
}

// Reset returns the breaker to CLOSED and zeroes its consecutive counters.
// Total counters are observational and survive the reset.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition(Closed)
}

func (b *Breaker) logTransition(ctx context.Context, to State, reason string) {
	if _, ok := canonlog.TryGetLogger(ctx); !ok {
		return
	}
	canonlog.InfoAddMany(ctx, map[string]any{
		"breaker":        b.name,
		"breaker_state":  to.String(),
		"breaker_reason": reason,
	})
}

// Registry shares breakers by name. The zero value is not usable; create
// one with NewRegistry.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	defaults []Option
}

// NewRegistry creates a registry whose breakers are built with the given
// default options.
func NewRegistry(defaults ...Option) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		defaults: defaults,
	}
}

// Get returns the named breaker, creating it with the registry defaults
// plus opts on first use.
func (r *Registry) Get(name string, opts ...Option) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := New(name, append(append([]Option{}, r.defaults...), opts...)...)
	r.breakers[name] = b
	return b
}

// Names returns the names of all registered breakers.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	return names
}
