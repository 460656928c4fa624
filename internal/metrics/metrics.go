package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	supervisorOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cliproxyctl",
			Subsystem: "supervisor",
			Name:      "operations_total",
			Help:      "Supervisor operations by kind and outcome.",
		}, []string{"op", "result"},
	)
	supervisorRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "cliproxyctl",
			Subsystem: "supervisor",
			Name:      "running",
			Help:      "1 when the supervised server was last observed running.",
		},
	)
	startSettle = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "cliproxyctl",
			Subsystem: "supervisor",
			Name:      "start_duration_seconds",
			Help:      "Time from spawn to the post-settle liveness verdict.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	forcedStops = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "cliproxyctl",
			Subsystem: "supervisor",
			Name:      "forced_stops_total",
			Help:      "Stops that escalated to SIGKILL.",
		},
	)
	historyErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cliproxyctl",
			Subsystem: "history",
			Name:      "send_errors_total",
			Help:      "Lifecycle events a history sink failed to accept.",
		}, []string{"sink"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cliproxyctl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests served by the control API.",
		}, []string{"method", "route", "code"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{supervisorOps, supervisorRunning, startSettle, forcedStops, historyErrors, httpRequests}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves the metrics of a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncOperation(op string, err error) {
	if regOK.Load() {
		result := "ok"
		if err != nil {
			result = "error"
		}
		supervisorOps.WithLabelValues(op, result).Inc()
	}
}

func SetRunning(running bool) {
	if regOK.Load() {
		var v float64
		if running {
			v = 1
		}
		supervisorRunning.Set(v)
	}
}

func ObserveStartDuration(seconds float64) {
	if regOK.Load() {
		startSettle.Observe(seconds)
	}
}

func IncForcedStop() {
	if regOK.Load() {
		forcedStops.Inc()
	}
}

func IncHistoryError(sink string) {
	if regOK.Load() {
		historyErrors.WithLabelValues(sink).Inc()
	}
}

func IncHTTPRequest(method, route string, code int) {
	if regOK.Load() {
		httpRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	}
}
