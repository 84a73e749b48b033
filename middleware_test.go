package traffickit_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nhalm/traffickit"
	"github.com/nhalm/traffickit/backpressure"
	"github.com/nhalm/traffickit/quota"
	"github.com/nhalm/traffickit/ratelimit"
	"github.com/nhalm/traffickit/store"
	"github.com/nhalm/traffickit/throttle"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func doRequest(t *testing.T, h http.Handler) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) *traffickit.APIError {
	t.Helper()
	var body struct {
		Error *traffickit.APIError `json:"error"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decoding error body: %v", err)
	}
	if body.Error == nil {
		t.Fatal("response has no error object")
	}
	return body.Error
}

func TestHandler_AllowsWithHeaders(t *testing.T) {
	st := store.NewMemory()
	defer st.Close()

	cfg := traffickit.DefaultRouteConfig("api")
	cfg.Limit = 5
	cfg.Window = time.Minute
	cfg.Algorithm = ratelimit.FixedWindow

	ctrl, err := traffickit.New(st, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	rec := doRequest(t, ctrl.Handler(okHandler()))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Header().Get("X-RateLimit-Limit"); got != "5" {
		t.Errorf("X-RateLimit-Limit = %q, want 5", got)
	}
	if got := rec.Header().Get("X-RateLimit-Remaining"); got != "4" {
		t.Errorf("X-RateLimit-Remaining = %q, want 4", got)
	}
	if rec.Header().Get("X-RateLimit-Reset") == "" {
		t.Error("X-RateLimit-Reset not set")
	}
}

func TestHandler_RejectsOverLimit(t *testing.T) {
	st := store.NewMemory()
	defer st.Close()

	cfg := traffickit.DefaultRouteConfig("api")
	cfg.Limit = 2
	cfg.Window = time.Minute
	cfg.Algorithm = ratelimit.FixedWindow

	ctrl, err := traffickit.New(st, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h := ctrl.Handler(okHandler())

	doRequest(t, h)
	doRequest(t, h)
	rec := doRequest(t, h)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("Retry-After not set on 429")
	}
	apiErr := decodeError(t, rec)
	if apiErr.Code != "limit_exceeded" {
		t.Errorf("error code = %q, want limit_exceeded", apiErr.Code)
	}
	if apiErr.Limit != 2 {
		t.Errorf("error limit = %d, want 2", apiErr.Limit)
	}
}

func TestHandler_QuotaRunsBeforeRateLimit(t *testing.T) {
	st := store.NewMemory()
	defer st.Close()

	quotas := quota.New(st,
		quota.WithTier(quota.Tier{Name: "tiny", Limit: 1, Period: quota.Hourly}),
		quota.WithDefaultTier("tiny"))

	cfg := traffickit.DefaultRouteConfig("api")
	cfg.Quota = true

	ctrl, err := traffickit.New(st, cfg, traffickit.WithQuotaManager(quotas))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h := ctrl.Handler(okHandler())

	rec := doRequest(t, h)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", rec.Code)
	}
	if got := rec.Header().Get("X-Quota-Tier"); got != "tiny" {
		t.Errorf("X-Quota-Tier = %q, want tiny", got)
	}
	if got := rec.Header().Get("X-Quota-Remaining"); got != "0" {
		t.Errorf("X-Quota-Remaining = %q, want 0", got)
	}

	rec = doRequest(t, h)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", rec.Code)
	}
	if apiErr := decodeError(t, rec); apiErr.Code != "quota_exceeded" {
		t.Errorf("error code = %q, want quota_exceeded", apiErr.Code)
	}
	// Quota rejected first, so the rate limit stage never ran.
	if rec.Header().Get("X-RateLimit-Limit") != "" {
		t.Error("rate limit headers set on a quota rejection")
	}
}

func TestHandler_ThrottleDelaysExcess(t *testing.T) {
	st := store.NewMemory()
	defer st.Close()

	cfg := traffickit.DefaultRouteConfig("api")
	cfg.Throttle = true

	throttler := throttle.New(st, 1, 10*time.Second,
		throttle.WithBaseDelay(5*time.Millisecond),
		throttle.WithMaxDelay(20*time.Millisecond))

	ctrl, err := traffickit.New(st, cfg, traffickit.WithThrottler(throttler))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h := ctrl.Handler(okHandler())

	rec := doRequest(t, h)
	if got := rec.Header().Get("X-Throttle-Status"); got != "ok" {
		t.Errorf("first request X-Throttle-Status = %q, want ok", got)
	}

	start := time.Now()
	rec = doRequest(t, h)
	elapsed := time.Since(start)

	if rec.Code != http.StatusOK {
		t.Fatalf("throttled request status = %d, want 200 (delayed, not rejected)", rec.Code)
	}
	if got := rec.Header().Get("X-Throttle-Status"); got != "delayed" {
		t.Errorf("X-Throttle-Status = %q, want delayed", got)
	}
	if rec.Header().Get("X-Throttle-Delay") == "" {
		t.Error("X-Throttle-Delay not set on delayed request")
	}
	if elapsed < 5*time.Millisecond {
		t.Errorf("request returned in %v, want at least the base delay", elapsed)
	}
}

func TestHandler_Disabled(t *testing.T) {
	st := store.NewMemory()
	defer st.Close()

	cfg := traffickit.DefaultRouteConfig("api")
	cfg.Enabled = false
	cfg.Limit = 1

	ctrl, err := traffickit.New(st, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h := ctrl.Handler(okHandler())

	for i := 0; i < 5; i++ {
		if rec := doRequest(t, h); rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200 while disabled", i+1, rec.Code)
		}
	}
}

func TestHandler_SkipsWithoutSubject(t *testing.T) {
	st := store.NewMemory()
	defer st.Close()

	cfg := traffickit.DefaultRouteConfig("api")
	cfg.Limit = 1
	cfg.Identifier = traffickit.IdentifyByHeader("X-Tenant-ID")

	ctrl, err := traffickit.New(st, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h := ctrl.Handler(okHandler())

	// No tenant header, so no subject and no limiting.
	for i := 0; i < 3; i++ {
		if rec := doRequest(t, h); rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i+1, rec.Code)
		}
	}
}

func TestHandler_CustomMessage(t *testing.T) {
	st := store.NewMemory()
	defer st.Close()

	cfg := traffickit.DefaultRouteConfig("api")
	cfg.Limit = 1
	cfg.Algorithm = ratelimit.FixedWindow
	cfg.Message = "Slow down, please"

	ctrl, err := traffickit.New(st, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h := ctrl.Handler(okHandler())

	doRequest(t, h)
	rec := doRequest(t, h)

	if apiErr := decodeError(t, rec); apiErr.Message != "Slow down, please" {
		t.Errorf("message = %q, want the configured override", apiErr.Message)
	}
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	st := store.NewMemory()
	defer st.Close()

	tests := []struct {
		name   string
		mutate func(*traffickit.RouteConfig)
	}{
		{"zero limit", func(c *traffickit.RouteConfig) { c.Limit = 0 }},
		{"zero window", func(c *traffickit.RouteConfig) { c.Window = 0 }},
		{"empty name", func(c *traffickit.RouteConfig) { c.Name = "" }},
		{"bad algorithm", func(c *traffickit.RouteConfig) { c.Algorithm = "leaky_bucket" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := traffickit.DefaultRouteConfig("api")
			tt.mutate(&cfg)
			if _, err := traffickit.New(st, cfg); err == nil {
				t.Error("New() accepted an invalid config")
			}
		})
	}
}

func TestIdentifyClient_Priority(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	// IP only.
	if got := traffickit.IdentifyClient(req); !strings.HasPrefix(got, "ip:") {
		t.Errorf("IdentifyClient = %q, want ip: prefix", got)
	}

	// API key beats IP.
	req.Header.Set("X-API-Key", "sk_123")
	if got := traffickit.IdentifyClient(req); got != "key:sk_123" {
		t.Errorf("IdentifyClient = %q, want key:sk_123", got)
	}

	// Authenticated user beats both.
	req = req.WithContext(traffickit.WithClientID(req.Context(), "u_42"))
	if got := traffickit.IdentifyClient(req); got != "user:u_42" {
		t.Errorf("IdentifyClient = %q, want user:u_42", got)
	}
}

func TestIdentifyClientBehindProxy(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")

	if got := traffickit.IdentifyClientBehindProxy(req); got != "ip:203.0.113.9" {
		t.Errorf("IdentifyClientBehindProxy = %q, want first forwarded hop", got)
	}
}

func TestLoadShedder(t *testing.T) {
	bp := backpressure.New(backpressure.WithResource("api", 1))
	shed := traffickit.NewLoadShedder(bp, "api")
	h := shed.Handler(okHandler())

	// Hold the only permit, then shed.
	bp.Acquire(context.Background(), "api", 0)

	rec := doRequest(t, h)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 at capacity", rec.Code)
	}
	if got := rec.Header().Get("X-Backpressure-Resource"); got != "api" {
		t.Errorf("X-Backpressure-Resource = %q, want api", got)
	}
	if got := rec.Header().Get("X-Backpressure-Available"); got != "0" {
		t.Errorf("X-Backpressure-Available = %q, want 0", got)
	}
	if apiErr := decodeError(t, rec); apiErr.Code != "over_capacity" {
		t.Errorf("error code = %q, want over_capacity", apiErr.Code)
	}

	bp.Release("api")
	rec = doRequest(t, h)
	if rec.Code != http.StatusOK {
		t.Fatalf("status after release = %d, want 200", rec.Code)
	}
	if rec.Header().Get("X-System-Load") == "" {
		t.Error("X-System-Load not set")
	}

	// The permit was released after the handler finished.
	if u := bp.Usage("api"); u.InUse != 0 {
		t.Errorf("InUse = %d after request completed, want 0", u.InUse)
	}
}
