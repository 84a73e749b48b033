// Package degrade runs operations with a fallback path, and lets
// operators force services onto that path while a dependency recovers.
//
// Do executes the primary function; when it fails, or when the service
// has been administratively degraded, the fallback runs instead. The
// degraded flags live in the shared store, so marking a service degraded
// on one instance is honored by all of them.
//
//	d := degrade.New(st)
//	profile, err := degrade.Do(ctx, d, "recommendations",
//		func(ctx context.Context) ([]Item, error) { return svc.Recommend(ctx, user) },
//		func(ctx context.Context) ([]Item, error) { return cache.Popular(ctx) },
//	)
package degrade

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nhalm/canonlog"

	"github.com/nhalm/traffickit/metrics"
	"github.com/nhalm/traffickit/store"
)

const flagsKey = "degrade:services"

// DegradedError is returned by Do when the service is degraded and no
// fallback is available; the primary is never invoked.
type DegradedError struct {
	Service string
}

func (e *DegradedError) Error() string {
	return fmt.Sprintf("service %q is degraded and has no fallback", e.Service)
}

// Is reports true for any *DegradedError target.
func (e *DegradedError) Is(target error) bool {
	_, ok := target.(*DegradedError)
	return ok
}

// DefaultDuration is how long a service stays degraded when Degrade is
// called with duration 0.
const DefaultDuration = 5 * time.Minute

// Status describes one degraded service.
type Status struct {
	Service   string    `json:"service"`
	Reason    string    `json:"reason"`
	Until     time.Time `json:"until"`
	Permanent bool      `json:"permanent"`
}

// Degrader tracks which services are degraded. Safe for concurrent use.
type Degrader struct {
	store store.Store
	now   func() time.Time
}

// Option configures a Degrader.
type Option func(*Degrader)

// WithClock replaces the degrader's clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(d *Degrader) {
		d.now = now
	}
}

// New creates a degrader backed by the given store.
func New(st store.Store, opts ...Option) *Degrader {
	d := &Degrader{store: st, now: time.Now}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Degrade marks the service degraded for the given duration. Duration 0
// uses DefaultDuration; a negative duration degrades until Restore.
func (d *Degrader) Degrade(ctx context.Context, service, reason string, duration time.Duration) error {
	var until int64
	switch {
	case duration < 0:
		until = 0 // no expiry
	case duration == 0:
		until = d.now().Add(DefaultDuration).Unix()
	default:
		until = d.now().Add(duration).Unix()
	}

	value := strconv.FormatInt(until, 10) + "|" + reason
	if err := d.store.HashSet(ctx, flagsKey, service, value); err != nil {
		return fmt.Errorf("degrading %q: %w", service, err)
	}
	return nil
}

// Restore clears the service's degraded flag.
func (d *Degrader) Restore(ctx context.Context, service string) error {
	if err := d.store.HashDelete(ctx, flagsKey, service); err != nil {
		return fmt.Errorf("restoring %q: %w", service, err)
	}
	return nil
}

// IsDegraded reports whether the service is currently degraded. An
// expired flag is treated as restored and cleared. Store failures fail
// open: the service reports healthy.
func (d *Degrader) IsDegraded(ctx context.Context, service string) bool {
	value, err := d.store.HashGet(ctx, flagsKey, service)
	if err != nil {
		d.failOpen(ctx, service, err)
		return false
	}
	if value == "" {
		return false
	}

	until, _ := parseFlag(value)
	if until > 0 && d.now().Unix() >= until {
		// Expired; clean up lazily on read.
		_ = d.store.HashDelete(ctx, flagsKey, service)
		return false
	}
	return true
}

// Degraded returns the status of every currently degraded service.
func (d *Degrader) Degraded(ctx context.Context) ([]Status, error) {
	flags, err := d.store.HashGetAll(ctx, flagsKey)
	if err != nil {
		return nil, fmt.Errorf("listing degraded services: %w", err)
	}

	nowUnix := d.now().Unix()
	out := make([]Status, 0, len(flags))
	for service, value := range flags {
		until, reason := parseFlag(value)
		if until > 0 && nowUnix >= until {
			continue
		}
		s := Status{Service: service, Reason: reason, Permanent: until == 0}
		if until > 0 {
			s.Until = time.Unix(until, 0).UTC()
		}
		out = append(out, s)
	}
	return out, nil
}

func parseFlag(value string) (until int64, reason string) {
	until64, rest, _ := strings.Cut(value, "|")
	until, _ = strconv.ParseInt(until64, 10, 64)
	return until, rest
}

// Do runs primary for the service, falling back when the service is
// degraded or primary fails. While degraded, primary is never invoked:
// the fallback serves instead, and with no fallback the call fails with
// *DegradedError. When primary fails and the fallback fails too,
// primary's error is returned; the fallback's failure is secondary.
func Do[T any](ctx context.Context, d *Degrader, service string, primary, fallback func(context.Context) (T, error)) (T, error) {
	if d.IsDegraded(ctx, service) {
		var zero T
		if fallback == nil {
			metrics.DegradedExecutions.WithLabelValues(service, "no_fallback").Inc()
			return zero, &DegradedError{Service: service}
		}
		metrics.DegradedExecutions.WithLabelValues(service, "degraded").Inc()
		v, err := fallback(ctx)
		if err == nil {
			return v, nil
		}
		// Degraded and the fallback failed too; surface the fallback
		// error since primary never ran.
		return zero, fmt.Errorf("degraded service %q fallback: %w", service, err)
	}

	v, primaryErr := primary(ctx)
	if primaryErr == nil {
		return v, nil
	}
	if fallback == nil {
		var zero T
		return zero, primaryErr
	}

	metrics.DegradedExecutions.WithLabelValues(service, "primary_error").Inc()
	logFallback(ctx, service, primaryErr)

	v, err := fallback(ctx)
	if err != nil {
		var zero T
		return zero, primaryErr
	}
	return v, nil
}

func (d *Degrader) failOpen(ctx context.Context, service string, err error) {
	metrics.FailOpen.WithLabelValues("degrade").Inc()
	if _, ok := canonlog.TryGetLogger(ctx); !ok {
		return
	}
	canonlog.InfoAddMany(ctx, map[string]any{
		"degrade_fail_open": true,
		"degrade_service":   service,
	})
	canonlog.ErrorAdd(ctx, fmt.Errorf("degrade store error for %s: %w", service, err))
}

func logFallback(ctx context.Context, service string, err error) {
	if _, ok := canonlog.TryGetLogger(ctx); !ok {
		return
	}
	canonlog.InfoAddMany(ctx, map[string]any{
		"degrade_service":  service,
		"degrade_fallback": err.Error(),
	})
}
