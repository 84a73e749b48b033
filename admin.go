// Operator admin API for the traffic control engine.
//
// AdminRouter mounts inspection and override endpoints for every
// registered component: rate limit stats and resets, quota tier and
// override management, breaker state and force-open, degrade flags, and
// backpressure limits. Mount it behind operator authentication:
//
//	admin := traffickit.NewAdmin(
//		traffickit.AdminWithController(ctrl),
//		traffickit.AdminWithBreakers(registry),
//	)
//	r.Mount("/admin/traffic", admin.Router())

package traffickit

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nhalm/traffickit/backpressure"
	"github.com/nhalm/traffickit/breaker"
	"github.com/nhalm/traffickit/degrade"
	"github.com/nhalm/traffickit/quota"
	"github.com/nhalm/traffickit/retry"
)

// Admin exposes operator endpoints for registered components.
type Admin struct {
	controllers map[string]*Controller
	quotas      *quota.Manager
	breakers    *breaker.Registry
	degrader    *degrade.Degrader
	shed        *backpressure.Handler
	retries     *retry.Policy
}

// AdminOption registers a component with the admin API.
type AdminOption func(*Admin)

// AdminWithController registers a traffic controller under its route name.
func AdminWithController(c *Controller) AdminOption {
	return func(a *Admin) {
		a.controllers[c.cfg.Name] = c
		if a.quotas == nil {
			a.quotas = c.quotas
		}
	}
}

// AdminWithQuotas registers the shared quota manager.
func AdminWithQuotas(m *quota.Manager) AdminOption {
	return func(a *Admin) {
		a.quotas = m
	}
}

// AdminWithBreakers registers the breaker registry.
func AdminWithBreakers(r *breaker.Registry) AdminOption {
	return func(a *Admin) {
		a.breakers = r
	}
}

// AdminWithDegrader registers the degradation manager.
func AdminWithDegrader(d *degrade.Degrader) AdminOption {
	return func(a *Admin) {
		a.degrader = d
	}
}

// AdminWithBackpressure registers the backpressure handler.
func AdminWithBackpressure(h *backpressure.Handler) AdminOption {
	return func(a *Admin) {
		a.shed = h
	}
}

// AdminWithRetries registers a retry policy for stats inspection.
func AdminWithRetries(p *retry.Policy) AdminOption {
	return func(a *Admin) {
		a.retries = p
	}
}

// NewAdmin creates the admin API over the given components.
func NewAdmin(opts ...AdminOption) *Admin {
	a := &Admin{controllers: make(map[string]*Controller)}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Router returns the admin endpoints as a chi router. Endpoints for
// unregistered components respond 404.
func (a *Admin) Router() chi.Router {
	r := chi.NewRouter()

	r.Route("/ratelimit/{route}/{subject}", func(r chi.Router) {
		r.Get("/", a.rateLimitStats)
		r.Delete("/", a.rateLimitReset)
	})
	r.Delete("/throttle/{route}/{subject}", a.throttleReset)

	r.Route("/quota/{client}", func(r chi.Router) {
		r.Get("/", a.quotaStatus)
		r.Delete("/", a.quotaReset)
		r.Put("/tier", a.quotaSetTier)
		r.Put("/override", a.quotaSetOverride)
		r.Delete("/override", a.quotaClearOverride)
	})

	r.Route("/breakers", func(r chi.Router) {
		r.Get("/", a.breakerList)
		r.Get("/{name}", a.breakerGet)
		r.Post("/{name}/reset", a.breakerReset)
		r.Post("/{name}/open", a.breakerForceOpen)
	})

	r.Route("/degrade", func(r chi.Router) {
		r.Get("/", a.degradeList)
		r.Put("/{service}", a.degradeEnable)
		r.Delete("/{service}", a.degradeDisable)
	})

	r.Route("/backpressure", func(r chi.Router) {
		r.Get("/", a.backpressureUsage)
		r.Put("/{resource}", a.backpressureSetLimit)
		r.Post("/reset", a.backpressureResetAll)
	})

	r.Get("/retries", a.retryStats)

	return r
}

func respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		WriteError(w, ErrBadRequest.With("Invalid JSON body: "+err.Error()))
		return false
	}
	return true
}

// controller resolves the route and rebuilds the store key the
// controller uses for the subject.
func (a *Admin) controller(w http.ResponseWriter, r *http.Request) (*Controller, string, bool) {
	route := chi.URLParam(r, "route")
	c, ok := a.controllers[route]
	if !ok {
		WriteError(w, ErrNotFound.With("Unknown route: "+route))
		return nil, "", false
	}
	return c, route + ":" + chi.URLParam(r, "subject"), true
}

func (a *Admin) rateLimitStats(w http.ResponseWriter, r *http.Request) {
	c, key, ok := a.controller(w, r)
	if !ok {
		return
	}
	stats, err := c.limiter.Stats(r.Context(), key)
	if err != nil {
		WriteError(w, ErrInternal.With("Reading rate limit stats: "+err.Error()))
		return
	}
	respond(w, http.StatusOK, stats)
}

func (a *Admin) rateLimitReset(w http.ResponseWriter, r *http.Request) {
	c, key, ok := a.controller(w, r)
	if !ok {
		return
	}
	if err := c.limiter.Reset(r.Context(), key); err != nil {
		WriteError(w, ErrInternal.With("Resetting rate limit: "+err.Error()))
		return
	}
	respond(w, http.StatusNoContent, nil)
}

func (a *Admin) throttleReset(w http.ResponseWriter, r *http.Request) {
	c, key, ok := a.controller(w, r)
	if !ok {
		return
	}
	if c.throttler == nil {
		WriteError(w, ErrNotFound.With("Throttling not enabled for route"))
		return
	}
	if err := c.throttler.Reset(r.Context(), key); err != nil {
		WriteError(w, ErrInternal.With("Resetting throttle: "+err.Error()))
		return
	}
	respond(w, http.StatusNoContent, nil)
}

func (a *Admin) quotaStatus(w http.ResponseWriter, r *http.Request) {
	if a.quotas == nil {
		WriteError(w, ErrNotFound.With("Quota manager not registered"))
		return
	}
	client := chi.URLParam(r, "client")
	status, err := a.quotas.Status(r.Context(), client)
	if err != nil {
		WriteError(w, ErrInternal.With("Reading quota status: "+err.Error()))
		return
	}
	overage, err := a.quotas.Overage(r.Context(), client)
	if err != nil {
		WriteError(w, ErrInternal.With("Reading quota overage: "+err.Error()))
		return
	}
	respond(w, http.StatusOK, map[string]any{
		"tier":      status.Tier,
		"limit":     status.Limit,
		"used":      status.Used,
		"remaining": status.Remaining,
		"reset_at":  status.ResetAt,
		"overage":   overage,
	})
}

func (a *Admin) quotaReset(w http.ResponseWriter, r *http.Request) {
	if a.quotas == nil {
		WriteError(w, ErrNotFound.With("Quota manager not registered"))
		return
	}
	if err := a.quotas.Reset(r.Context(), chi.URLParam(r, "client")); err != nil {
		WriteError(w, ErrInternal.With("Resetting quota: "+err.Error()))
		return
	}
	respond(w, http.StatusNoContent, nil)
}

func (a *Admin) quotaSetTier(w http.ResponseWriter, r *http.Request) {
	if a.quotas == nil {
		WriteError(w, ErrNotFound.With("Quota manager not registered"))
		return
	}
	var body struct {
		Tier string `json:"tier"`
	}
	if !decode(w, r, &body) {
		return
	}
	if err := a.quotas.SetTier(r.Context(), chi.URLParam(r, "client"), body.Tier); err != nil {
		WriteError(w, ErrBadRequest.With("Assigning tier: "+err.Error()))
		return
	}
	respond(w, http.StatusNoContent, nil)
}

func (a *Admin) quotaSetOverride(w http.ResponseWriter, r *http.Request) {
	if a.quotas == nil {
		WriteError(w, ErrNotFound.With("Quota manager not registered"))
		return
	}
	var body struct {
		Limit  int64        `json:"limit"`
		Period quota.Period `json:"period"`
	}
	if !decode(w, r, &body) {
		return
	}
	if err := a.quotas.SetCustomQuota(r.Context(), chi.URLParam(r, "client"), body.Limit, body.Period); err != nil {
		WriteError(w, ErrBadRequest.With("Setting custom quota: "+err.Error()))
		return
	}
	respond(w, http.StatusNoContent, nil)
}

func (a *Admin) quotaClearOverride(w http.ResponseWriter, r *http.Request) {
	if a.quotas == nil {
		WriteError(w, ErrNotFound.With("Quota manager not registered"))
		return
	}
	if err := a.quotas.ClearCustomQuota(r.Context(), chi.URLParam(r, "client")); err != nil {
		WriteError(w, ErrInternal.With("Clearing custom quota: "+err.Error()))
		return
	}
	respond(w, http.StatusNoContent, nil)
}

type breakerStatus struct {
	Name   string         `json:"name"`
	State  string         `json:"state"`
	Counts breaker.Counts `json:"counts"`
}

func (a *Admin) breakerList(w http.ResponseWriter, r *http.Request) {
	if a.breakers == nil {
		WriteError(w, ErrNotFound.With("Breaker registry not registered"))
		return
	}
	out := make([]breakerStatus, 0)
	for _, name := range a.breakers.Names() {
		b := a.breakers.Get(name)
		out = append(out, breakerStatus{Name: name, State: b.State().String(), Counts: b.Counts()})
	}
	respond(w, http.StatusOK, out)
}

func (a *Admin) breakerGet(w http.ResponseWriter, r *http.Request) {
	if a.breakers == nil {
		WriteError(w, ErrNotFound.With("Breaker registry not registered"))
		return
	}
	b := a.breakers.Get(chi.URLParam(r, "name"))
	respond(w, http.StatusOK, breakerStatus{Name: b.Name(), State: b.State().String(), Counts: b.Counts()})
}

func (a *Admin) breakerReset(w http.ResponseWriter, r *http.Request) {
	if a.breakers == nil {
		WriteError(w, ErrNotFound.With("Breaker registry not registered"))
		return
	}
	a.breakers.Get(chi.URLParam(r, "name")).Reset()
	respond(w, http.StatusNoContent, nil)
}

func (a *Admin) breakerForceOpen(w http.ResponseWriter, r *http.Request) {
	if a.breakers == nil {
		WriteError(w, ErrNotFound.With("Breaker registry not registered"))
		return
	}
	a.breakers.Get(chi.URLParam(r, "name")).ForceOpen()
	respond(w, http.StatusNoContent, nil)
}

func (a *Admin) degradeList(w http.ResponseWriter, r *http.Request) {
	if a.degrader == nil {
		WriteError(w, ErrNotFound.With("Degrader not registered"))
		return
	}
	statuses, err := a.degrader.Degraded(r.Context())
	if err != nil {
		WriteError(w, ErrInternal.With("Listing degraded services: "+err.Error()))
		return
	}
	respond(w, http.StatusOK, statuses)
}

func (a *Admin) degradeEnable(w http.ResponseWriter, r *http.Request) {
	if a.degrader == nil {
		WriteError(w, ErrNotFound.With("Degrader not registered"))
		return
	}
	var body struct {
		Reason          string `json:"reason"`
		DurationSeconds int64  `json:"duration_seconds"`
	}
	if !decode(w, r, &body) {
		return
	}
	duration := time.Duration(body.DurationSeconds) * time.Second
	if err := a.degrader.Degrade(r.Context(), chi.URLParam(r, "service"), body.Reason, duration); err != nil {
		WriteError(w, ErrInternal.With("Degrading service: "+err.Error()))
		return
	}
	respond(w, http.StatusNoContent, nil)
}

func (a *Admin) degradeDisable(w http.ResponseWriter, r *http.Request) {
	if a.degrader == nil {
		WriteError(w, ErrNotFound.With("Degrader not registered"))
		return
	}
	if err := a.degrader.Restore(r.Context(), chi.URLParam(r, "service")); err != nil {
		WriteError(w, ErrInternal.With("Restoring service: "+err.Error()))
		return
	}
	respond(w, http.StatusNoContent, nil)
}

func (a *Admin) backpressureUsage(w http.ResponseWriter, r *http.Request) {
	if a.shed == nil {
		WriteError(w, ErrNotFound.With("Backpressure handler not registered"))
		return
	}
	respond(w, http.StatusOK, map[string]any{
		"resources":   a.shed.AllUsage(),
		"system_load": a.shed.SystemLoad(),
	})
}

func (a *Admin) backpressureSetLimit(w http.ResponseWriter, r *http.Request) {
	if a.shed == nil {
		WriteError(w, ErrNotFound.With("Backpressure handler not registered"))
		return
	}
	var body struct {
		Limit int64 `json:"limit"`
	}
	if !decode(w, r, &body) {
		return
	}
	if body.Limit <= 0 {
		WriteError(w, ErrBadRequest.With("Limit must be positive"))
		return
	}
	a.shed.SetLimit(chi.URLParam(r, "resource"), body.Limit)
	respond(w, http.StatusNoContent, nil)
}

func (a *Admin) backpressureResetAll(w http.ResponseWriter, r *http.Request) {
	if a.shed == nil {
		WriteError(w, ErrNotFound.With("Backpressure handler not registered"))
		return
	}
	a.shed.ResetAll()
	respond(w, http.StatusNoContent, nil)
}

func (a *Admin) retryStats(w http.ResponseWriter, r *http.Request) {
	if a.retries == nil {
		WriteError(w, ErrNotFound.With("Retry policy not registered"))
		return
	}
	respond(w, http.StatusOK, a.retries.AllStats())
}
