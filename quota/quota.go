// Package quota provides longer-horizon usage accounting per client tier.
//
// Each client resolves to a quota in priority order: explicit custom
// override, assigned tier, default tier. Usage counters embed the period
// boundary (hour/day/month) in their key, so rollover happens by natural
// key change with no cleanup job.
//
// Tier definitions are validated at registration with
// go-playground/validator; assignments and overrides live in the shared
// store so every server process resolves the same quota.
//
// Like the other admission components, the manager fails open when the
// store is unreachable.
package quota

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/nhalm/canonlog"

	"github.com/nhalm/traffickit/metrics"
	"github.com/nhalm/traffickit/store"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Period is the quota accounting horizon.
type Period string

const (
	Hourly  Period = "hourly"
	Daily   Period = "daily"
	Monthly Period = "monthly"
)

// Tier is a named usage allotment assignable to clients.
type Tier struct {
	Name   string `json:"name" validate:"required"`
	Limit  int64  `json:"limit" validate:"gt=0"`
	Period Period `json:"period" validate:"required,oneof=hourly daily monthly"`
}

// DefaultTiers are registered on every new Manager. Override them with
// WithTier or RegisterTier.
var DefaultTiers = []Tier{
	{Name: "free", Limit: 1_000, Period: Hourly},
	{Name: "basic", Limit: 10_000, Period: Hourly},
	{Name: "premium", Limit: 100_000, Period: Hourly},
}

// Result is the outcome of a quota check.
type Result struct {
	// Allowed reports whether the request fits the client's quota
	// (always true under the overage policy).
	Allowed bool

	// Tier is the resolved tier name, or "custom" for an override.
	Tier string

	// Limit is the resolved allotment for the period.
	Limit int64

	// Used is the period's consumption including this request when allowed.
	Used int64

	// Remaining is what's left of the allotment.
	Remaining int64

	// ResetAt is the next period boundary.
	ResetAt time.Time

	// FailedOpen is set when the request was allowed only because the
	// store was unreachable.
	FailedOpen bool
}

// Manager accounts usage against per-client quotas.
type Manager struct {
	store        store.Store
	mu           sync.RWMutex
	tiers        map[string]Tier
	defaultTier  string
	allowOverage bool
	now          func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithTier registers or replaces a tier definition.
// Panics if the definition is invalid; register tiers at startup.
func WithTier(t Tier) Option {
	return func(m *Manager) {
		if err := m.RegisterTier(t); err != nil {
			panic(err)
		}
	}
}

// WithDefaultTier sets the tier used for clients with no assignment
// (default "free").
func WithDefaultTier(name string) Option {
	return func(m *Manager) {
		m.defaultTier = name
	}
}

// WithAllowOverage switches the manager to overage mode: requests past the
// quota are still allowed, and the excess is recorded under a separate
// counter for billing. This is a deliberate policy switch, not a default.
func WithAllowOverage() Option {
	return func(m *Manager) {
		m.allowOverage = true
	}
}

// WithClock replaces the manager's clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// New creates a quota manager with the default tiers registered.
func New(st store.Store, opts ...Option) *Manager {
	m := &Manager{
		store:       st,
		tiers:       make(map[string]Tier, len(DefaultTiers)),
		defaultTier: "free",
		now:         time.Now,
	}
	for _, t := range DefaultTiers {
		m.tiers[t.Name] = t
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RegisterTier adds or replaces a tier definition.
func (m *Manager) RegisterTier(t Tier) error {
	if err := validate.Struct(t); err != nil {
		return fmt.Errorf("invalid tier: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tiers[t.Name] = t
	return nil
}

// Tiers returns the registered tier definitions.
func (m *Manager) Tiers() []Tier {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Tier, 0, len(m.tiers))
	for _, t := range m.tiers {
		out = append(out, t)
	}
	return out
}

// Check charges cost units against the client's quota and reports the
// outcome. A rejected request is refunded, so only admitted traffic
// consumes quota; two racing requests may briefly overshoot before the
// refund lands, which the period counter absorbs. Store faults convert to
// an allowed result with FailedOpen set.
func (m *Manager) Check(ctx context.Context, clientID string, cost int64) Result {
	if cost <= 0 {
		cost = 1
	}

	q, err := m.resolve(ctx, clientID)
	if err != nil {
		return m.failOpen(ctx, clientID, err)
	}

	periodKey := m.periodKey(q.Period)
	key := "quota:used:" + clientID + ":" + periodKey

	used, _, err := m.store.IncrementBy(ctx, key, cost, m.retention(q.Period))
	if err != nil {
		return m.failOpen(ctx, clientID, err)
	}

	res := Result{
		// Did this request's cost fit. Status asks the other question:
		// whether a further request would fit.
		Allowed:   used <= q.Limit,
		Tier:      q.Name,
		Limit:     q.Limit,
		Used:      used,
		Remaining: max(0, q.Limit-used),
		ResetAt:   m.nextBoundary(q.Period),
	}

	if !res.Allowed {
		if m.allowOverage {
			// Record the excess separately for billing; the two
			// overage counters (here and in the rate limiter stats)
			// are intentionally independent.
			over := min(cost, used-q.Limit)
			_, _, _ = m.store.IncrementBy(ctx, "quota:overage:"+clientID+":"+periodKey, over, m.retention(q.Period))
			res.Allowed = true
			metrics.QuotaDecisions.WithLabelValues(q.Name, "overage").Inc()
			return res
		}

		_, _, _ = m.store.IncrementBy(ctx, key, -cost, m.retention(q.Period))
		res.Used = used - cost
		metrics.QuotaDecisions.WithLabelValues(q.Name, "blocked").Inc()
		return res
	}

	metrics.QuotaDecisions.WithLabelValues(q.Name, "allowed").Inc()
	return res
}

// Status reports the client's quota consumption without charging it.
func (m *Manager) Status(ctx context.Context, clientID string) (Result, error) {
	q, err := m.resolve(ctx, clientID)
	if err != nil {
		return Result{}, err
	}

	used, err := m.store.Get(ctx, "quota:used:"+clientID+":"+m.periodKey(q.Period))
	if err != nil {
		return Result{}, err
	}

	return Result{
		// Nothing is being charged here, so Allowed means a next
		// request of cost 1 would still fit; at exactly the limit the
		// period allotment is spent.
		Allowed:   used < q.Limit,
		Tier:      q.Name,
		Limit:     q.Limit,
		Used:      used,
		Remaining: max(0, q.Limit-used),
		ResetAt:   m.nextBoundary(q.Period),
	}, nil
}

// Overage reports the client's recorded overage for the current period.
func (m *Manager) Overage(ctx context.Context, clientID string) (int64, error) {
	q, err := m.resolve(ctx, clientID)
	if err != nil {
		return 0, err
	}
	return m.store.Get(ctx, "quota:overage:"+clientID+":"+m.periodKey(q.Period))
}

// SetTier assigns a registered tier to the client.
func (m *Manager) SetTier(ctx context.Context, clientID, tierName string) error {
	m.mu.RLock()
	_, ok := m.tiers[tierName]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown tier %q", tierName)
	}
	return m.store.HashSet(ctx, "quota:tiers", clientID, tierName)
}

// SetCustomQuota gives the client an explicit limit and period, overriding
// any tier assignment until cleared.
func (m *Manager) SetCustomQuota(ctx context.Context, clientID string, limit int64, period Period) error {
	override := Tier{Name: "custom", Limit: limit, Period: period}
	if err := validate.Struct(override); err != nil {
		return fmt.Errorf("invalid custom quota: %w", err)
	}
	return m.store.HashSet(ctx, "quota:overrides", clientID,
		strconv.FormatInt(limit, 10)+":"+string(period))
}

// ClearCustomQuota removes the client's override.
func (m *Manager) ClearCustomQuota(ctx context.Context, clientID string) error {
	return m.store.HashDelete(ctx, "quota:overrides", clientID)
}

// Reset zeroes the client's usage for the current period.
func (m *Manager) Reset(ctx context.Context, clientID string) error {
	q, err := m.resolve(ctx, clientID)
	if err != nil {
		return err
	}
	periodKey := m.periodKey(q.Period)
	if err := m.store.Delete(ctx, "quota:used:"+clientID+":"+periodKey); err != nil {
		return err
	}
	return m.store.Delete(ctx, "quota:overage:"+clientID+":"+periodKey)
}

// resolve returns the quota governing the client: custom override, then
// assigned tier, then the default tier.
func (m *Manager) resolve(ctx context.Context, clientID string) (Tier, error) {
	override, err := m.store.HashGet(ctx, "quota:overrides", clientID)
	if err != nil {
		return Tier{}, err
	}
	if override != "" {
		limitStr, periodStr, ok := strings.Cut(override, ":")
		if ok {
			limit, err := strconv.ParseInt(limitStr, 10, 64)
			if err == nil && limit > 0 {
				return Tier{Name: "custom", Limit: limit, Period: Period(periodStr)}, nil
			}
		}
	}

	assigned, err := m.store.HashGet(ctx, "quota:tiers", clientID)
	if err != nil {
		return Tier{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if t, ok := m.tiers[assigned]; ok {
		return t, nil
	}
	return m.tiers[m.defaultTier], nil
}

// periodKey formats the current period boundary so the counter key changes
// exactly at rollover.
func (m *Manager) periodKey(p Period) string {
	now := m.now().UTC()
	switch p {
	case Daily:
		return now.Format("2006-01-02")
	case Monthly:
		return now.Format("2006-01")
	default:
		return now.Format("2006-01-02T15")
	}
}

// retention is how long an abandoned period counter lingers before expiry.
func (m *Manager) retention(p Period) time.Duration {
	switch p {
	case Daily:
		return 48 * time.Hour
	case Monthly:
		return 62 * 24 * time.Hour
	default:
		return 2 * time.Hour
	}
}

// nextBoundary is when the current period rolls over.
func (m *Manager) nextBoundary(p Period) time.Time {
	now := m.now().UTC()
	switch p {
	case Daily:
		return now.Truncate(24 * time.Hour).Add(24 * time.Hour)
	case Monthly:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	default:
		return now.Truncate(time.Hour).Add(time.Hour)
	}
}

func (m *Manager) failOpen(ctx context.Context, clientID string, err error) Result {
	if _, ok := canonlog.TryGetLogger(ctx); ok {
		canonlog.InfoAddMany(ctx, map[string]any{
			"quota_fail_open": true,
			"quota_client":    clientID,
		})
		canonlog.ErrorAdd(ctx, err)
	}
	metrics.FailOpen.WithLabelValues("quota").Inc()

	return Result{
		Allowed:    true,
		Tier:       m.defaultTier,
		FailedOpen: true,
	}
}
