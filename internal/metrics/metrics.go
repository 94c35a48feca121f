package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/linnemanlabs-webhook-relay/internal/version"
)

type ServerMetrics struct {
	reg       *prometheus.Registry
	handler   http.Handler
	inflight  prometheus.Gauge
	reqTotal  *prometheus.CounterVec
	reqDur    *prometheus.HistogramVec
	respBytes *prometheus.HistogramVec

	errorsTotal    *prometheus.CounterVec
	httpPanicTotal prometheus.Counter
	buildInfo      *prometheus.GaugeVec

	guardOutcomes   *prometheus.CounterVec
	relayDeliveries *prometheus.CounterVec
	relayDuration   prometheus.Histogram
	auditErrors     *prometheus.CounterVec

	profilingActive prometheus.Gauge
}

// New returns a fresh registry with the go/process collectors, HTTP metrics and
// the guard and relay metrics. Labels stay low cardinality: no client addresses.
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
			Help:    "Request latency by method and route",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: []float64{32, 64, 128, 256, 512, 1024, 4096},
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
		guardOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webhook_guard_outcomes_total",
			Help: "Access policy decisions by outcome",
		}, []string{"outcome"}),
		relayDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webhook_relay_deliveries_total",
			Help: "Relay delivery attempts by result (delivered, failed)",
		}, []string{"result"}),
		relayDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "webhook_relay_duration_seconds",
			Help:    "Time spent posting a payload to the relay",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		auditErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webhook_audit_errors_total",
			Help: "Audit sink write failures by sink",
		}, []string{"sink"}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
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
		m.guardOutcomes,
		m.relayDeliveries,
		m.relayDuration,
		m.auditErrors,
		m.profilingActive,
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

func (m *ServerMetrics) Registry() *prometheus.Registry {
	return m.reg
}

func (m *ServerMetrics) IncHttpPanic() {
	m.httpPanicTotal.Inc()
}

// set once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(app, component string, vi *version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":         app,
		"component":   component,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"build_id":    vi.BuildId,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   dirty,
	}).Set(1)
}

// IncGuardOutcome counts one policy decision. outcome is policy.Outcome.String().
func (m *ServerMetrics) IncGuardOutcome(outcome string) {
	m.guardOutcomes.WithLabelValues(outcome).Inc()
}

// ObserveRelay records one delivery attempt.
func (m *ServerMetrics) ObserveRelay(delivered bool, took time.Duration) {
	result := "failed"
	if delivered {
		result = "delivered"
	}
	m.relayDeliveries.WithLabelValues(result).Inc()
	m.relayDuration.Observe(took.Seconds())
}

func (m *ServerMetrics) IncAuditError(sink string) {
	m.auditErrors.WithLabelValues(sink).Inc()
}

// RegisterTrackedWindows exposes the number of clients with a live rate window.
// Call once, fn is evaluated on every scrape.
func (m *ServerMetrics) RegisterTrackedWindows(fn func() int) {
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "webhook_guard_tracked_windows",
		Help: "Number of client addresses with a tracked rate window",
	}, func() float64 { return float64(fn()) }))
}

func (m *ServerMetrics) SetProfilingActive(active bool) {
	if active {
		m.profilingActive.Set(1)
	} else {
		m.profilingActive.Set(0)
	}
}
