// Package backoff provides pure attempt-to-delay strategies for the retry
// policy: fixed, linear, exponential (with optional jitter), and fibonacci.
//
// Every strategy returns 0 for attempt 1, so the first attempt of an
// operation always runs immediately. Delays are capped at the strategy's
// max delay.
package backoff

import (
	"math/rand/v2"
	"time"
)

// DefaultMaxDelay caps every strategy unless overridden.
const DefaultMaxDelay = 30 * time.Second

// Strategy maps a retry attempt number (1-based) to the delay to sleep
// before that attempt. Implementations are pure and safe for concurrent use.
type Strategy interface {
	Delay(attempt int) time.Duration
}

// Fixed waits the same delay before every attempt after the first.
type Fixed struct {
	Interval time.Duration
}

// NewFixed creates a fixed backoff strategy.
func NewFixed(interval time.Duration) Fixed {
	return Fixed{Interval: interval}
}

func (f Fixed) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	return f.Interval
}

// Linear grows the delay by a constant increment per attempt:
// increment × (attempt − 1), capped at Max.
type Linear struct {
	Increment time.Duration
	Max       time.Duration
}

// NewLinear creates a linear backoff strategy capped at max.
// A max of 0 means DefaultMaxDelay.
func NewLinear(increment, max time.Duration) Linear {
	if max <= 0 {
		max = DefaultMaxDelay
	}
	return Linear{Increment: increment, Max: max}
}

func (l Linear) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	return min(l.Max, time.Duration(attempt-1)*l.Increment)
}

// Exponential doubles the delay with each attempt: base × 2^(attempt − 2),
// capped at Max. With Jitter enabled the result is spread ±20% to avoid
// synchronized retry storms across clients.
type Exponential struct {
	Base   time.Duration
	Max    time.Duration
	Jitter bool
}

// ExponentialOption configures an Exponential strategy.
type ExponentialOption func(*Exponential)

// WithJitter spreads each delay ±20%.
func WithJitter() ExponentialOption {
	return func(e *Exponential) {
		e.Jitter = true
	}
}

// NewExponential creates an exponential backoff strategy capped at max.
// A max of 0 means DefaultMaxDelay.
func NewExponential(base, max time.Duration, opts ...ExponentialOption) Exponential {
	if max <= 0 {
		max = DefaultMaxDelay
	}
	e := Exponential{Base: base, Max: max}
	for _, opt := range opts {
		opt(&e)
	}
	return e
}

func (e Exponential) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}

	d := e.Base
	// Shift instead of math.Pow; bail at the cap to avoid overflow on
	// large attempt numbers.
	for i := 2; i < attempt && d < e.Max; i++ {
		d *= 2
	}
	d = min(d, e.Max)

	if span := d / 5; e.Jitter && span > 0 {
		// ±20%
		d += rand.N(2*span) - span
	}
	return d
}

// Fibonacci grows the delay along the fibonacci sequence:
// fib(attempt − 2) × Multiplier, capped at Max, where fib(0) = fib(1) = 1.
type Fibonacci struct {
	Multiplier time.Duration
	Max        time.Duration
}

// NewFibonacci creates a fibonacci backoff strategy capped at max.
// A max of 0 means DefaultMaxDelay.
func NewFibonacci(multiplier, max time.Duration) Fibonacci {
	if max <= 0 {
		max = DefaultMaxDelay
	}
	return Fibonacci{Multiplier: multiplier, Max: max}
}

func (f Fibonacci) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}

	a, b := 1, 1
	for i := 0; i < attempt-2; i++ {
		a, b = b, a+b
		if time.Duration(a)*f.Multiplier >= f.Max {
			return f.Max
		}
	}
	return min(f.Max, time.Duration(a)*f.Multiplier)
}
