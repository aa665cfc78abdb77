// Registers:
//
//	#fundingflow_upstream_requests_total
//	#fundingflow_upstream_request_duration_seconds
//	#fundingflow_upstream_limited_total
//	#fundingflow_cache_lookups_total
//	#fundingflow_refresh_cycles_total
//	#fundingflow_history_writes_total
//	#go_* and process_* system metrics
//
// Exposed through Handler on the API server.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	OutcomeOK     = "ok"
	OutcomeNoData = "no_data"
	OutcomeError  = "error"
)

var (
	once             sync.Once
	registry         *prometheus.Registry
	upstreamRequests *prometheus.CounterVec
	upstreamDuration *prometheus.HistogramVec
	upstreamLimited  *prometheus.CounterVec
	cacheLookups     *prometheus.CounterVec
	refreshCycles    *prometheus.CounterVec
	historyWrites    *prometheus.CounterVec
)

// Init registers the collectors on a private registry. Calling it more than
// once is harmless; every recorder below is a no-op until it has run.
func Init() {
	once.Do(func() {
		registry = prometheus.NewRegistry()

		upstreamRequests = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fundingflow_upstream_requests_total",
				Help: "Upstream exchange calls by venue, call and outcome",
			},
			[]string{"venue", "call", "outcome"},
		)

		upstreamDuration = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fundingflow_upstream_request_duration_seconds",
				Help:    "Latency of upstream exchange calls",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"venue", "call"},
		)

		upstreamLimited = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fundingflow_upstream_limited_total",
				Help: "Rate limit and IP ban signals seen from exchanges",
			},
			[]string{"venue", "kind"},
		)

		cacheLookups = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fundingflow_cache_lookups_total",
				Help: "Read-path cache lookups by result (hit, miss)",
			},
			[]string{"result"},
		)

		refreshCycles = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fundingflow_refresh_cycles_total",
				Help: "Background refresh cycles by outcome",
			},
			[]string{"outcome"},
		)

		historyWrites = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fundingflow_history_writes_total",
				Help: "History sink rewrites by outcome",
			},
			[]string{"outcome"},
		)

		registry.MustRegister(upstreamRequests, upstreamDuration, upstreamLimited, cacheLookups, refreshCycles, historyWrites)
		registry.MustRegister(collectors.NewGoCollector())
		registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	Init()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// ObserveUpstream records one upstream call.
func ObserveUpstream(venue, call, outcome string, elapsed time.Duration) {
	if upstreamRequests == nil {
		return
	}
	upstreamRequests.WithLabelValues(venue, call, outcome).Inc()
	upstreamDuration.WithLabelValues(venue, call).Observe(elapsed.Seconds())
}

// IncrementUpstreamLimited counts a throttling signal of kind from venue.
func IncrementUpstreamLimited(venue, kind string) {
	if upstreamLimited != nil {
		upstreamLimited.WithLabelValues(venue, kind).Inc()
	}
}

func IncrementCacheLookup(hit bool) {
	if cacheLookups == nil {
		return
	}
	if hit {
		cacheLookups.WithLabelValues("hit").Inc()
		return
	}
	cacheLookups.WithLabelValues("miss").Inc()
}

func IncrementRefreshCycle(outcome string) {
	if refreshCycles != nil {
		refreshCycles.WithLabelValues(outcome).Inc()
	}
}

func IncrementHistoryWrite(outcome string) {
	if historyWrites != nil {
		historyWrites.WithLabelValues(outcome).Inc()
	}
}
