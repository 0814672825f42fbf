// Package metrics exposes process counters in the Prometheus text format.
// One Metrics value implements the observer hooks of the orchestrator, the
// prober and the control API client.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/John-Robertt/vortex-go/internal/orchestrator"
)

const namespace = "vortex"

var states = []orchestrator.State{
	orchestrator.StateDisconnected,
	orchestrator.StateConnecting,
	orchestrator.StateConnected,
	orchestrator.StateDisconnecting,
	orchestrator.StateError,
}

type Metrics struct {
	reg *prometheus.Registry

	httpRequests *prometheus.CounterVec
	appErrors    *prometheus.CounterVec

	state           *prometheus.GaugeVec
	transitions     *prometheus.CounterVec
	connectFailures *prometheus.CounterVec

	probes        *prometheus.CounterVec
	probeDuration prometheus.Histogram

	controlCalls    *prometheus.CounterVec
	controlDuration *prometheus.HistogramVec
}

// New builds a Metrics on its own registry, with the Go and process
// collectors included.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by ServeMux pattern and status.",
		}, []string{"pattern", "status"}),
		appErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "app_errors_total",
			Help:      "Application errors returned to clients.",
		}, []string{"stage", "code"}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "1 for the current connection state, 0 otherwise.",
		}, []string{"state"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Connection state transitions.",
		}, []string{"from", "to"}),
		connectFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_failures_total",
			Help:      "Failed connect attempts by stage.",
		}, []string{"stage"}),
		probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "probe",
			Name:      "total",
			Help:      "Latency probes by result.",
		}, []string{"result"}),
		probeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "probe",
			Name:      "duration_seconds",
			Help:      "Wall time of one latency probe.",
			Buckets:   []float64{0.05, 0.1, 0.2, 0.3, 0.5, 0.75, 1, 2, 5},
		}),
		controlCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "control_api",
			Name:      "calls_total",
			Help:      "Engine control API calls by operation and result.",
		}, []string{"op", "result"}),
		controlDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "control_api",
			Name:      "duration_seconds",
			Help:      "Engine control API call duration including retries.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests, m.appErrors,
		m.state, m.transitions, m.connectFailures,
		m.probes, m.probeDuration,
		m.controlCalls, m.controlDuration,
	)
	m.setState(orchestrator.StateDisconnected)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) IncRequest(pattern string, status int) {
	if status == 0 {
		status = http.StatusOK
	}
	if pattern == "" {
		pattern = "(unknown)"
	}
	m.httpRequests.WithLabelValues(pattern, strconv.Itoa(status)).Inc()
}

func (m *Metrics) IncAppError(stage, code string) {
	m.appErrors.WithLabelValues(orUnknown(stage), orUnknown(code)).Inc()
}

func (m *Metrics) ObserveTransition(from, to orchestrator.State) {
	m.transitions.WithLabelValues(string(from), string(to)).Inc()
	m.setState(to)
}

func (m *Metrics) ObserveConnectFailure(stage string) {
	m.connectFailures.WithLabelValues(orUnknown(stage)).Inc()
}

func (m *Metrics) ObserveProbe(ok bool, d time.Duration) {
	result := "ok"
	if !ok {
		result = "fail"
	}
	m.probes.WithLabelValues(result).Inc()
	m.probeDuration.Observe(d.Seconds())
}

func (m *Metrics) ObserveControlAPI(op, result string, d time.Duration) {
	m.controlCalls.WithLabelValues(op, result).Inc()
	m.controlDuration.WithLabelValues(op).Observe(d.Seconds())
}

func (m *Metrics) setState(cur orchestrator.State) {
	for _, s := range states {
		v := 0.0
		if s == cur {
			v = 1
		}
		m.state.WithLabelValues(string(s)).Set(v)
	}
}

func orUnknown(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "(unknown)"
	}
	return s
}
