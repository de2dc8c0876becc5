// Package metrics holds the Prometheus collectors for connection
// establishment, registry lookups and the management agent.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	connectAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jmxscraper_connect_attempts_total",
		Help: "Connection attempts by strategy and result.",
	}, []string{"strategy", "result"})

	connectDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "jmxscraper_connect_duration_seconds",
		Help:    "Time spent establishing a management connection.",
		Buckets: prometheus.DefBuckets,
	}, []string{"strategy"})

	registryLookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jmxscraper_registry_lookups_total",
		Help: "Registry lookups by result (bound, not_bound, error).",
	}, []string{"result"})

	registryRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jmxscraper_registry_requests_total",
		Help: "Registry HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	registryRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "jmxscraper_registry_request_duration_seconds",
		Help:    "Registry request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	registryBindings = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "jmxscraper_registry_bindings",
		Help: "Number of names currently bound in the registry.",
	})

	handshakesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jmxscraper_handshakes_total",
		Help: "Server-side handshakes by mechanism and result.",
	}, []string{"mechanism", "result"})

	stubProbesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jmxscraper_stub_probes_total",
		Help: "Health probes of bound stubs by result (success, failure).",
	}, []string{"result"})

	openConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "jmxscraper_open_connections",
		Help: "Management connections currently open on the agent.",
	})
)

// RecordConnect records the outcome of one connection attempt.
func RecordConnect(strategy, result string, d time.Duration) {
	connectAttemptsTotal.WithLabelValues(strategy, result).Inc()
	connectDuration.WithLabelValues(strategy).Observe(d.Seconds())
}

// RecordLookup records a registry lookup result.
func RecordLookup(result string) {
	registryLookupsTotal.WithLabelValues(result).Inc()
}

// RecordHandshake records a server-side handshake.
func RecordHandshake(mechanism string, success bool) {
	if mechanism == "" {
		mechanism = "none"
	}
	if success {
		handshakesTotal.WithLabelValues(mechanism, "success").Inc()
	} else {
		handshakesTotal.WithLabelValues(mechanism, "failure").Inc()
	}
}

// RecordStubProbe records one stub health probe.
func RecordStubProbe(success bool) {
	if success {
		stubProbesTotal.WithLabelValues("success").Inc()
	} else {
		stubProbesTotal.WithLabelValues("failure").Inc()
	}
}

// SetBindings sets the registry binding gauge.
func SetBindings(n int) {
	registryBindings.Set(float64(n))
}

// ConnectionOpened and ConnectionClosed track open agent connections.
func ConnectionOpened() { openConnections.Inc() }
func ConnectionClosed() { openConnections.Dec() }

// GinMiddleware returns a Gin middleware that records per-request metrics.
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		registryRequestsTotal.WithLabelValues(method, path, status).Inc()
		registryRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// Handler serves the default Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// GinHandler wraps Handler for Gin routers.
func GinHandler() gin.HandlerFunc {
	h := Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
