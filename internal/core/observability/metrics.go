package observability

import (
	"errors"
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var enabled atomic.Bool

func init() {
	enabled.Store(true)
}

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
		},
		[]string{"method", "route", "status"},
	)

	upstreamLatencySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upstream_latency_seconds",
			Help:    "Latency of remote API calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"upstream", "status"},
	)

	buildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "app_build_info",
			Help: "Build information for the binary.",
		},
		[]string{"version"},
	)
)

var (
	cacheResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "query_cache_results_total",
			Help: "Query cache reads by outcome.",
		},
		[]string{"outcome"},
	)

	cacheOpTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_op_total",
			Help: "Secondary cache store operations by result.",
		},
		[]string{"op", "result"},
	)

	redisOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "redis_operation_duration_seconds",
			Help:    "Duration of redis operations.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
		[]string{"op"},
	)

	remoteJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remote_jobs_total",
			Help: "Remote jobs by lifecycle outcome.",
		},
		[]string{"outcome"},
	)

	refreshDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "query_cache_refresh_duration_seconds",
			Help:    "Wall time of cache refreshes, including remote polling.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"result"},
	)

	schedulerSweeps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_sweeps_total",
			Help: "Scheduler sweeps and the refreshes they forced.",
		},
		[]string{"kind", "result"},
	)

	hotKeys = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "query_cache_hot_override_keys",
			Help: "Ad-hoc override tags currently tracked for admission.",
		},
	)
)

// Init additionally registers the collectors on reg so a dedicated provider
// registry exposes them. Repeated calls with the same registry are harmless.
func Init(reg prometheus.Registerer, on bool) {
	enabled.Store(on)
	if !on || reg == nil {
		return
	}
	for _, c := range []prometheus.Collector{
		httpRequestsTotal, httpRequestDurationSeconds, upstreamLatencySeconds,
		cacheResults, cacheOpTotal, redisOpDuration,
		remoteJobs, refreshDuration, schedulerSweeps, hotKeys,
	} {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				panic(err)
			}
		}
	}
}

func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	st := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, route, st).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route, st).Observe(durationSeconds)
}

func ObserveUpstreamLatency(upstream string, status int, durationSeconds float64) {
	upstreamLatencySeconds.WithLabelValues(upstream, strconv.Itoa(status)).Observe(durationSeconds)
}

// Cache outcomes.
const (
	OutcomeHit            = "hit"
	OutcomeMiss           = "miss"
	OutcomeStale          = "stale"
	OutcomePending        = "pending"
	OutcomeSecondaryHit   = "secondary_hit"
	OutcomeSecondaryStale = "secondary_stale"
	OutcomeSecondaryMiss  = "secondary_miss"
	OutcomeNotAdmitted    = "not_admitted"
)

func IncCacheResult(outcome string) {
	if !enabled.Load() {
		return
	}
	cacheResults.WithLabelValues(outcome).Inc()
}

// ObserveCacheOp records one secondary store round trip.
func ObserveCacheOp(op string, err error, durationSeconds float64) {
	if !enabled.Load() {
		return
	}
	res := "ok"
	if err != nil {
		res = "error"
	}
	cacheOpTotal.WithLabelValues(op, res).Inc()
	redisOpDuration.WithLabelValues(op).Observe(durationSeconds)
}

// Remote job outcomes.
const (
	JobSubmitted = "submitted"
	JobResumed   = "resumed"
	JobSucceeded = "succeeded"
	JobFailed    = "failed"
	JobRejected  = "rejected"
	JobTimedOut  = "timed_out"
)

func IncRemoteJob(outcome string) {
	if !enabled.Load() {
		return
	}
	remoteJobs.WithLabelValues(outcome).Inc()
}

func ObserveRefresh(err error, durationSeconds float64) {
	if !enabled.Load() {
		return
	}
	res := "ok"
	if err != nil {
		res = "error"
	}
	refreshDuration.WithLabelValues(res).Observe(durationSeconds)
}

// IncScheduler counts a sweep ("sweep") or a forced refresh ("refresh").
func IncScheduler(kind string, err error) {
	if !enabled.Load() {
		return
	}
	res := "ok"
	if err != nil {
		res = "error"
	}
	schedulerSweeps.WithLabelValues(kind, res).Inc()
}

func SetHotKeys(n int) {
	if !enabled.Load() {
		return
	}
	hotKeys.Set(float64(n))
}

func ExposeBuildInfo(version string) {
	if version == "" {
		version = "dev"
	}
	buildInfo.WithLabelValues(version).Set(1)
}
