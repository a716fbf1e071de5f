package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/linnemanlabs-edge/internal/edge"
	"github.com/keithlinneman/linnemanlabs-edge/internal/version"
)

type ServerMetrics struct {
	reg     *prometheus.Registry
	handler http.Handler

	inflight       prometheus.Gauge
	reqTotal       *prometheus.CounterVec
	reqDur         *prometheus.HistogramVec
	respBytes      *prometheus.HistogramVec
	errorsTotal    *prometheus.CounterVec
	httpPanicTotal prometheus.Counter
	buildInfo      *prometheus.GaugeVec

	ratelimitDeniedTotal   prometheus.Counter
	ratelimitCapacityTotal prometheus.Counter

	edgeDecisions  *prometheus.CounterVec
	pathRewrites   *prometheus.CounterVec
	upstreamErrors *prometheus.CounterVec

	profileInfo            *prometheus.GaugeVec
	profileLoadedTimestamp prometheus.Gauge

	profilingActive prometheus.Gauge

	watcherPollsTotal    prometheus.Counter
	watcherSwapsTotal    prometheus.Counter
	watcherErrorsTotal   *prometheus.CounterVec
	watcherLastSuccessTs prometheus.Gauge
	watcherStale         prometheus.Gauge
}

// New returns a fresh registry with the Go/process collectors and the edge
// metrics. Labels are kept low-cardinality: method, route pattern, status,
// reason and upstream name only.
func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &ServerMetrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by method and route, including upstream time",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: prometheus.ExponentialBuckets(128, 4, 9),
		}, []string{"method", "route"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx HTTP server errors by method and route (SLI)",
		}, []string{"method", "route"}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered httpserver panics",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		ratelimitDeniedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_total",
			Help: "Total requests rejected by rate limiter",
		}),
		ratelimitCapacityTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_capacity_total",
			Help: "Total number of times rate limiter capacity reached",
		}),
		edgeDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edge_auth_decisions_total",
			Help: "Edge auth filter outcomes (result=forwarded|rejected, reason=missing|scheme)",
		}, []string{"result", "reason"}),
		pathRewrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edge_path_rewrites_total",
			Help: "Requests whose path was rewritten, by edge function",
		}, []string{"function"}),
		upstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edge_upstream_errors_total",
			Help: "Failed round trips to an upstream",
		}, []string{"upstream"}),
		profileInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "edge_profile_info",
			Help: "Active edge profile (labels carry identity, value is always 1)",
		}, []string{"variant", "header_case", "relay", "source", "sha256"}),
		profileLoadedTimestamp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "edge_profile_loaded_timestamp_seconds",
			Help: "Unix timestamp of when the active profile was loaded",
		}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
		watcherPollsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "edge_profile_watcher_polls_total",
			Help: "Total number of profile watcher poll cycles",
		}),
		watcherSwapsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "edge_profile_watcher_swaps_total",
			Help: "Total number of profile swaps",
		}),
		watcherErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edge_profile_watcher_errors_total",
			Help: "Profile watcher errors by kind (fetch|invalid)",
		}, []string{"kind"}),
		watcherLastSuccessTs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "edge_profile_watcher_last_success_timestamp_seconds",
			Help: "Unix timestamp of the last successful profile fetch",
		}),
		watcherStale: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "edge_profile_watcher_stale",
			Help: "Whether the profile watcher is stale (1) or healthy (0)",
		}),
	}
	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.errorsTotal,
		m.httpPanicTotal,
		m.buildInfo,
		m.ratelimitDeniedTotal,
		m.ratelimitCapacityTotal,
		m.edgeDecisions,
		m.pathRewrites,
		m.upstreamErrors,
		m.profileInfo,
		m.profileLoadedTimestamp,
		m.profilingActive,
		m.watcherPollsTotal,
		m.watcherSwapsTotal,
		m.watcherErrorsTotal,
		m.watcherLastSuccessTs,
		m.watcherStale,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

func (m *ServerMetrics) Handler() http.Handler {
	return m.handler
}

func (m *ServerMetrics) IncHttpPanic() {
	m.httpPanicTotal.Inc()
}

// set once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(component string, vi version.Info) {
	m.buildInfo.With(prometheus.Labels{
		"app":         vi.AppName,
		"component":   component,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"build_id":    vi.BuildId,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   vi.Dirty(),
	}).Set(1)
}

func (m *ServerMetrics) IncRateLimitDenied() {
	m.ratelimitDeniedTotal.Inc()
}

func (m *ServerMetrics) IncRateLimitCapacity() {
	m.ratelimitCapacityTotal.Inc()
}

// EdgeRejected counts a 401 from the edge filter.
func (m *ServerMetrics) EdgeRejected(reason edge.RejectReason) {
	m.edgeDecisions.WithLabelValues("rejected", string(reason)).Inc()
}

// EdgeForwarded counts a request the edge filter let through.
func (m *ServerMetrics) EdgeForwarded() {
	m.edgeDecisions.WithLabelValues("forwarded", "").Inc()
}

// PathRewritten counts a rewrite by the named edge function (auth|rum).
func (m *ServerMetrics) PathRewritten(function string) {
	m.pathRewrites.WithLabelValues(function).Inc()
}

func (m *ServerMetrics) IncUpstreamError(upstream string) {
	m.upstreamErrors.WithLabelValues(upstream).Inc()
}

// SetProfile publishes the active profile identity. relay is the relay
// header name or "" when the credential stays in Authorization.
func (m *ServerMetrics) SetProfile(variant, headerCase, relay, source, sha256 string, loadedAt time.Time) {
	m.profileInfo.Reset()
	m.profileInfo.WithLabelValues(variant, headerCase, relay, source, sha256).Set(1)
	m.profileLoadedTimestamp.Set(float64(loadedAt.Unix()))
}

func (m *ServerMetrics) SetProfilingActive(active bool) {
	m.profilingActive.Set(boolGauge(active))
}

func (m *ServerMetrics) IncProfilePolls() {
	m.watcherPollsTotal.Inc()
}

func (m *ServerMetrics) IncProfileSwaps() {
	m.watcherSwapsTotal.Inc()
}

func (m *ServerMetrics) IncProfileError(kind string) {
	m.watcherErrorsTotal.WithLabelValues(kind).Inc()
}

func (m *ServerMetrics) SetProfileLastSuccess(unixSeconds float64) {
	m.watcherLastSuccessTs.Set(unixSeconds)
}

func (m *ServerMetrics) SetProfileStale(stale bool) {
	m.watcherStale.Set(boolGauge(stale))
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
