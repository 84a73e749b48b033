// Traffic control middleware for Chi and standard http.Handler.
//
// A Controller applies the configured stages to each request in a fixed
// order: quota accounting first (the billing decision), then rate
// limiting (the pacing decision), then throttling (the slowdown). The
// first stage to reject wins; later stages never run, so a rejected
// request is never double-charged. Responses carry the standard
// X-Quota-*, X-RateLimit-*, and X-Throttle-* headers.
//
//	st := store.NewMemory()
//	defer st.Close()
//
//	cfg := traffickit.DefaultRouteConfig("api")
//	cfg.Limit = 100
//	cfg.Window = time.Minute
//	cfg.Quota = true
//
//	ctrl, err := traffickit.New(st, cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	r.Use(ctrl.Handler)
//
// For distributed deployments use the Redis store; the in-memory store is
// only suitable for single-instance deployments and development.

package traffickit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/nhalm/canonlog"

	"github.com/nhalm/traffickit/quota"
	"github.com/nhalm/traffickit/ratelimit"
	"github.com/nhalm/traffickit/store"
	"github.com/nhalm/traffickit/throttle"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// RouteConfig declares the traffic policy for one route or route group.
// Validated once at construction, not per request.
type RouteConfig struct {
	// Name prefixes all store keys for this route, preventing collisions
	// when layering multiple controllers.
	Name string `validate:"required"`

	// Enabled turns the controller off entirely when false; requests
	// pass through untouched.
	Enabled bool

	// Rate limiting. Limit requests per Window; Burst only applies to
	// the token bucket (0 means 1.5×Limit).
	Limit     int64               `validate:"gt=0"`
	Window    time.Duration       `validate:"gt=0"`
	Burst     int64               `validate:"gte=0"`
	Algorithm ratelimit.Algorithm `validate:"oneof=token_bucket sliding_window fixed_window"`

	// Throttling. When Throttle is set, requests beyond
	// ThrottleThreshold within Window are delayed rather than rejected.
	Throttle          bool
	ThrottleThreshold int64 `validate:"gte=0"`

	// Quota accounting. When Quota is set, each request consumes
	// QuotaCost units of the client's period allotment.
	Quota     bool
	QuotaCost int64 `validate:"gte=0"`

	// Identifier resolves the accounting subject (default IdentifyClient).
	Identifier Identifier `validate:"-"`

	// Message overrides the rejection message sent to clients.
	Message string
}

// DefaultRouteConfig returns a RouteConfig with sensible defaults:
// 100 requests/minute token bucket, throttling and quota off.
func DefaultRouteConfig(name string) RouteConfig {
	return RouteConfig{
		Name:              name,
		Enabled:           true,
		Limit:             100,
		Window:            time.Minute,
		Algorithm:         ratelimit.TokenBucket,
		ThrottleThreshold: 50,
		QuotaCost:         1,
		Identifier:        IdentifyClient,
	}
}

// Controller applies a route's traffic policy. Create one per route (or
// route group) with New and mount its Handler.
type Controller struct {
	cfg       RouteConfig
	limiter   *ratelimit.Limiter
	throttler *throttle.Throttler
	quotas    *quota.Manager
}

// ControllerOption configures a Controller beyond its RouteConfig.
type ControllerOption func(*Controller)

// WithQuotaManager shares a quota manager across controllers so tier
// registrations and client assignments apply to every route. Without it,
// a controller with Quota enabled builds its own manager with the
// default tiers.
func WithQuotaManager(m *quota.Manager) ControllerOption {
	return func(c *Controller) {
		c.quotas = m
	}
}

// WithThrottler replaces the throttler built from the RouteConfig, for
// custom base/max delays.
func WithThrottler(t *throttle.Throttler) ControllerOption {
	return func(c *Controller) {
		c.throttler = t
	}
}

// New creates a traffic controller for the route config. The config is
// validated; an invalid config is a programming error surfaced at startup
// rather than per request.
func New(st store.Store, cfg RouteConfig, opts ...ControllerOption) (*Controller, error) {
	if cfg.Identifier == nil {
		cfg.Identifier = IdentifyClient
	}
	if cfg.QuotaCost == 0 {
		cfg.QuotaCost = 1
	}
	if cfg.Algorithm == "" {
		cfg.Algorithm = ratelimit.TokenBucket
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid route config %q: %w", cfg.Name, err)
	}

	c := &Controller{cfg: cfg}
	for _, opt := range opts {
		opt(c)
	}

	limiterOpts := []ratelimit.Option{ratelimit.WithAlgorithm(cfg.Algorithm)}
	if cfg.Burst > 0 {
		limiterOpts = append(limiterOpts, ratelimit.WithBurst(int(cfg.Burst)))
	}
	c.limiter = ratelimit.New(st, int(cfg.Limit), cfg.Window, limiterOpts...)

	if cfg.Throttle && c.throttler == nil {
		threshold := cfg.ThrottleThreshold
		if threshold == 0 {
			threshold = cfg.Limit / 2
		}
		c.throttler = throttle.New(st, int(threshold), cfg.Window)
	}
	if cfg.Quota && c.quotas == nil {
		c.quotas = quota.New(st)
	}

	return c, nil
}

// RateLimiter exposes the controller's limiter for admin inspection.
func (c *Controller) RateLimiter() *ratelimit.Limiter {
	return c.limiter
}

// Throttler exposes the controller's throttler, nil when throttling is
// disabled.
func (c *Controller) Throttler() *throttle.Throttler {
	return c.throttler
}

// Quotas exposes the controller's quota manager, nil when quota is
// disabled.
func (c *Controller) Quotas() *quota.Manager {
	return c.quotas
}

// Handler returns the traffic control middleware. Stages run in order
// quota, rate limit, throttle; the first rejection responds 429 with a
// JSON error body and Retry-After, and later stages are skipped.
func (c *Controller) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !c.cfg.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		subject := c.cfg.Identifier(r)
		if subject == "" {
			next.ServeHTTP(w, r)
			return
		}
		ctx := r.Context()
		key := c.cfg.Name + ":" + subject

		if c.quotas != nil {
			res := c.quotas.Check(ctx, key, c.cfg.QuotaCost)
			setQuotaHeaders(w, res)
			if !res.Allowed {
				retryAfter := time.Until(res.ResetAt)
				c.logRejection(ctx, subject, "quota")
				WriteError(w, c.rejection(ErrQuotaExceeded).WithLimits(res.Limit, res.Remaining, res.ResetAt, retryAfter))
				return
			}
		}

		limited := c.limiter.Check(ctx, key)
		setRateLimitHeaders(w, limited)
		if !limited.Allowed {
			c.logRejection(ctx, subject, "rate_limit")
			WriteError(w, c.rejection(ErrRateLimited).WithLimits(limited.Limit, limited.Remaining, limited.ResetAt, limited.RetryAfter))
			return
		}

		if c.throttler != nil {
			res, err := c.throttler.Wait(ctx, key)
			setThrottleHeaders(w, res)
			if err != nil {
				// Client went away while suspended.
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

// rejection applies the config's message override.
func (c *Controller) rejection(base *APIError) *APIError {
	if c.cfg.Message != "" {
		return base.With(c.cfg.Message)
	}
	return base
}

func setRateLimitHeaders(w http.ResponseWriter, res ratelimit.Result) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.FormatInt(res.Limit, 10))
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))
	if !res.ResetAt.IsZero() {
		h.Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
	}
}

func setQuotaHeaders(w http.ResponseWriter, res quota.Result) {
	h := w.Header()
	h.Set("X-Quota-Limit", strconv.FormatInt(res.Limit, 10))
	h.Set("X-Quota-Remaining", strconv.FormatInt(res.Remaining, 10))
	h.Set("X-Quota-Used", strconv.FormatInt(res.Used, 10))
	if !res.ResetAt.IsZero() {
		h.Set("X-Quota-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
	}
	if res.Tier != "" {
		h.Set("X-Quota-Tier", res.Tier)
	}
}

func setThrottleHeaders(w http.ResponseWriter, res throttle.Result) {
	h := w.Header()
	if res.Throttled {
		h.Set("X-Throttle-Status", "delayed")
		h.Set("X-Throttle-Delay", strconv.FormatInt(res.Delay.Milliseconds(), 10))
	} else {
		h.Set("X-Throttle-Status", "ok")
	}
}

func (c *Controller) logRejection(ctx context.Context, subject, stage string) {
	if _, ok := canonlog.TryGetLogger(ctx); !ok {
		return
	}
	canonlog.InfoAddMany(ctx, map[string]any{
		"traffic_subject":  subject,
		"traffic_rejected": stage,
		"traffic_route":    c.cfg.Name,
	})
}
