// Package backpressure bounds in-flight concurrency per named resource
// so a flood of slow requests can't exhaust the process.
//
// Each resource (the defaults are global, api, database, external) has an
// independent permit count. Acquire with a timeout suspends only the
// calling request, woken by Release through a channel rather than by
// polling. Always pair Acquire with a guaranteed Release — or use With,
// which releases on every path:
//
//	h := backpressure.New()
//	err := h.With(ctx, backpressure.ResourceDatabase, time.Second, func(ctx context.Context) error {
//		return db.Query(ctx, q)
//	})
//	var rejected *backpressure.RejectedError
//	if errors.As(err, &rejected) {
//		// respond 503 with Retry-After
//	}
package backpressure

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nhalm/traffickit/metrics"
)

// Default resource names.
const (
	ResourceGlobal   = "global"
	ResourceAPI      = "api"
	ResourceDatabase = "database"
	ResourceExternal = "external"
)

// Default limits per resource.
var defaultLimits = map[string]int64{
	ResourceGlobal:   1000,
	ResourceAPI:      500,
	ResourceDatabase: 100,
	ResourceExternal: 50,
}

// RejectedError is returned by With when no permit became available.
type RejectedError struct {
	Resource string
	Limit    int64
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("backpressure: resource %q at capacity (%d)", e.Resource, e.Limit)
}

// Is reports true for any *RejectedError target.
func (e *RejectedError) Is(target error) bool {
	_, ok := target.(*RejectedError)
	return ok
}

// Usage is a snapshot of one resource's permits.
type Usage struct {
	Resource    string  `json:"resource"`
	InUse       int64   `json:"in_use"`
	Limit       int64   `json:"limit"`
	Available   int64   `json:"available"`
	Utilization float64 `json:"utilization"`
}

type resource struct {
	mu    sync.Mutex
	limit int64
	inUse int64
	// wake carries at most one token; a release hands it to one waiter,
	// which re-checks the counter and goes back to waiting if it lost
	// the race.
	wake chan struct{}
}

func (r *resource) tryAcquire() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inUse >= r.limit {
		return false
	}
	r.inUse++
	return true
}

// Handler manages permits for all named resources. Safe for concurrent use.
type Handler struct {
	mu        sync.Mutex
	resources map[string]*resource
}

// Option configures a Handler.
type Option func(*Handler)

// WithResource registers a resource with the given concurrency limit,
// replacing the default if the name is one of the built-ins.
func WithResource(name string, limit int64) Option {
	return func(h *Handler) {
		h.resources[name] = &resource{limit: limit, wake: make(chan struct{}, 1)}
	}
}

// New creates a handler with the default resources registered.
func New(opts ...Option) *Handler {
	h := &Handler{resources: make(map[string]*resource)}
	for name, limit := range defaultLimits {
		h.resources[name] = &resource{limit: limit, wake: make(chan struct{}, 1)}
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) get(name string) *resource {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.resources[name]
	if !ok {
		r = &resource{limit: defaultLimits[ResourceGlobal], wake: make(chan struct{}, 1)}
		h.resources[name] = r
	}
	return r
}

// Acquire takes a permit for the resource, reporting whether it
// succeeded. With timeout 0 it fails immediately at capacity; otherwise
// it suspends the calling request until a permit frees, the timeout
// elapses, or ctx is canceled. Suspension wakes on release, it does not
// poll.
func (h *Handler) Acquire(ctx context.Context, name string, timeout time.Duration) bool {
	r := h.get(name)

	if r.tryAcquire() {
		metrics.BackpressureInUse.WithLabelValues(name).Inc()
		return true
	}
	if timeout <= 0 {
		metrics.BackpressureRejections.WithLabelValues(name).Inc()
		return false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-r.wake:
			if r.tryAcquire() {
				metrics.BackpressureInUse.WithLabelValues(name).Inc()
				// Two releases can land while both waiters are between
				// receive and re-select; pass the token along when
				// there is still room so the other waiter wakes too.
				r.mu.Lock()
				spare := r.inUse < r.limit
				r.mu.Unlock()
				if spare {
					select {
					case r.wake <- struct{}{}:
					default:
					}
				}
				return true
			}
		case <-timer.C:
			metrics.BackpressureRejections.WithLabelValues(name).Inc()
			return false
		case <-ctx.Done():
			metrics.BackpressureRejections.WithLabelValues(name).Inc()
			return false
		}
	}
}

// Release returns a permit for the resource. Releasing below zero is a
// no-op, so double releases under error handling are tolerated.
func (h *Handler) Release(name string) {
	r := h.get(name)

	r.mu.Lock()
	if r.inUse > 0 {
		r.inUse--
		metrics.BackpressureInUse.WithLabelValues(name).Dec()
	}
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// With runs fn holding a permit for the resource, releasing it on every
// path. It returns *RejectedError when no permit became available within
// the timeout.
func (h *Handler) With(ctx context.Context, name string, timeout time.Duration, fn func(context.Context) error) error {
	if !h.Acquire(ctx, name, timeout) {
		r := h.get(name)
		r.mu.Lock()
		limit := r.limit
		r.mu.Unlock()
		return &RejectedError{Resource: name, Limit: limit}
	}
	defer h.Release(name)

	return fn(ctx)
}

// Usage returns a snapshot of the resource's permits.
func (h *Handler) Usage(name string) Usage {
	r := h.get(name)
	r.mu.Lock()
	defer r.mu.Unlock()

	u := Usage{
		Resource:  name,
		InUse:     r.inUse,
		Limit:     r.limit,
		Available: max(0, r.limit-r.inUse),
	}
	if r.limit > 0 {
		u.Utilization = float64(r.inUse) / float64(r.limit)
	}
	return u
}

// AllUsage returns a snapshot of every registered resource.
func (h *Handler) AllUsage() []Usage {
	h.mu.Lock()
	names := make([]string, 0, len(h.resources))
	for name := range h.resources {
		names = append(names, name)
	}
	h.mu.Unlock()

	out := make([]Usage, 0, len(names))
	for _, name := range names {
		out = append(out, h.Usage(name))
	}
	return out
}

// SystemLoad is the highest utilization across all resources, 0..1.
func (h *Handler) SystemLoad() float64 {
	var load float64
	for _, u := range h.AllUsage() {
		load = max(load, u.Utilization)
	}
	return load
}

// IsOverloaded reports whether any resource's utilization has reached
// threshold (0..1).
func (h *Handler) IsOverloaded(threshold float64) bool {
	return h.SystemLoad() >= threshold
}

// SetLimit changes the resource's concurrency limit. Shrinking below the
// permits currently held doesn't revoke them; the count drains down as
// they release.
func (h *Handler) SetLimit(name string, limit int64) {
	r := h.get(name)
	r.mu.Lock()
	r.limit = limit
	r.mu.Unlock()

	// Raising the limit may unblock a waiter.
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// ResetAll zeroes every resource's in-use count. Emergency use only:
// permits currently held will still be released by their owners, and the
// floor in Release keeps those late releases from going negative.
func (h *Handler) ResetAll() {
	for _, u := range h.AllUsage() {
		r := h.get(u.Resource)
		r.mu.Lock()
		r.inUse = 0
		r.mu.Unlock()
		metrics.BackpressureInUse.WithLabelValues(u.Resource).Set(0)

		select {
		case r.wake <- struct{}{}:
		default:
		}
	}
}
