// Package metrics exposes Prometheus collectors for the traffickit
// components. Collectors register on the default registry; expose them by
// mounting promhttp.Handler() in the host application.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RateLimitDecisions counts admission decisions per algorithm and outcome.
	RateLimitDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "traffickit",
		Subsystem: "ratelimit",
		Name:      "decisions_total",
		Help:      "Rate limit decisions by algorithm and outcome.",
	}, []string{"algorithm", "outcome"})

	// ThrottleDelays counts throttled requests.
	ThrottleDelays = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "traffickit",
		Subsystem: "throttle",
		Name:      "delays_total",
		Help:      "Requests delayed by the throttler.",
	})

	// ThrottleDelaySeconds observes the delay applied to throttled requests.
	ThrottleDelaySeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "traffickit",
		Subsystem: "throttle",
		Name:      "delay_seconds",
		Help:      "Delay applied to throttled requests.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
	})

	// QuotaDecisions counts quota decisions by tier and outcome.
	QuotaDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "traffickit",
		Subsystem: "quota",
		Name:      "decisions_total",
		Help:      "Quota decisions by tier and outcome.",
	}, []string{"tier", "outcome"})

	// BreakerTransitions counts circuit breaker state transitions.
	BreakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "traffickit",
		Subsystem: "breaker",
		Name:      "transitions_total",
		Help:      "Circuit breaker state transitions by breaker and new state.",
	}, []string{"breaker", "to"})

	// BreakerRejections counts calls failed fast while a breaker was open.
	BreakerRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "traffickit",
		Subsystem: "breaker",
		Name:      "rejections_total",
		Help:      "Calls rejected while the breaker was open.",
	}, []string{"breaker"})

	// RetryOutcomes counts retry policy outcomes per operation.
	RetryOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "traffickit",
		Subsystem: "retry",
		Name:      "outcomes_total",
		Help:      "Retry outcomes (success, success_after_retry, exhausted) per operation.",
	}, []string{"operation", "outcome"})

	// BackpressureInUse tracks permits currently held per resource.
	BackpressureInUse = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "traffickit",
		Subsystem: "backpressure",
		Name:      "in_use",
		Help:      "Permits currently held per resource.",
	}, []string{"resource"})

	// BackpressureRejections counts acquires that failed or timed out.
	BackpressureRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "traffickit",
		Subsystem: "backpressure",
		Name:      "rejections_total",
		Help:      "Acquire attempts rejected at capacity.",
	}, []string{"resource"})

	// DegradedExecutions counts fallback executions per service.
	DegradedExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "traffickit",
		Subsystem: "degrade",
		Name:      "fallbacks_total",
		Help:      "Fallback executions per service and cause.",
	}, []string{"service", "cause"})

	// FailOpen counts fail-open events caused by store faults.
	FailOpen = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "traffickit",
		Name:      "fail_open_total",
		Help:      "Decisions allowed because the shared store was unreachable.",
	}, []string{"component"})
)
