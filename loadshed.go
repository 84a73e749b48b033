package traffickit

// Load shedding middleware. Wraps a handler in a backpressure permit so
// the number of in-flight requests per resource stays bounded; requests
// that cannot get a permit within the wait budget are shed with 503
// rather than queued indefinitely.

import (
	"net/http"
	"strconv"
	"time"

	"github.com/nhalm/traffickit/backpressure"
)

// LoadShedder bounds in-flight requests against one backpressure resource.
type LoadShedder struct {
	handler  *backpressure.Handler
	resource string
	wait     time.Duration
	message  string
}

// LoadShedOption configures a LoadShedder.
type LoadShedOption func(*LoadShedder)

// ShedWithWait lets a request wait up to d for a permit before shedding
// (default: shed immediately at capacity).
func ShedWithWait(d time.Duration) LoadShedOption {
	return func(s *LoadShedder) {
		s.wait = d
	}
}

// ShedWithMessage overrides the rejection message sent to shed clients.
func ShedWithMessage(msg string) LoadShedOption {
	return func(s *LoadShedder) {
		s.message = msg
	}
}

// NewLoadShedder creates load shedding middleware for the named
// backpressure resource.
func NewLoadShedder(h *backpressure.Handler, resource string, opts ...LoadShedOption) *LoadShedder {
	s := &LoadShedder{handler: h, resource: resource}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the load shedding middleware. All responses carry the
// X-Backpressure-* headers and X-System-Load; shed requests get 503 with
// a JSON error body. The permit is released on every path, including
// handler panics.
func (s *LoadShedder) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		acquired := s.handler.Acquire(r.Context(), s.resource, s.wait)
		setBackpressureHeaders(w, s.handler, s.resource)

		if !acquired {
			usage := s.handler.Usage(s.resource)
			apiErr := ErrBackpressure
			if s.message != "" {
				apiErr = apiErr.With(s.message)
			}
			WriteError(w, apiErr.WithLimits(usage.Limit, usage.Available, time.Time{}, time.Second))
			return
		}
		defer s.handler.Release(s.resource)

		next.ServeHTTP(w, r)
	})
}

func setBackpressureHeaders(w http.ResponseWriter, h *backpressure.Handler, resource string) {
	usage := h.Usage(resource)
	hdr := w.Header()
	hdr.Set("X-Backpressure-Resource", resource)
	hdr.Set("X-Backpressure-Limit", strconv.FormatInt(usage.Limit, 10))
	hdr.Set("X-Backpressure-Current", strconv.FormatInt(usage.InUse, 10))
	hdr.Set("X-Backpressure-Available", strconv.FormatInt(usage.Available, 10))
	hdr.Set("X-System-Load", strconv.FormatFloat(h.SystemLoad(), 'f', 2, 64))
}
