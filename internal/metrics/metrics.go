// Package metrics holds the process-wide Prometheus collectors that are not
// owned by a single domain package, plus the HTTP instrumentation.
//
// Domain packages (ledger, settlement, reconciliation, fsm) register their
// own collectors next to the code that updates them.
package metrics

import (
	"database/sql"
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "custodia"

// unmatched labels requests that hit no route, keeping path cardinality bounded.
const unmatched = "unmatched"

var (
	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by method, route and status class.",
	}, []string{"method", "route", "status"})

	httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency by method and route.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	}, []string{"method", "route"})

	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_in_flight",
		Help:      "HTTP requests currently being served.",
	})

	// DealTransitionsTotal counts deal state changes by engine and target status.
	DealTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "deal_transitions_total",
		Help:      "Deal state changes by engine kind and resulting status.",
	}, []string{"kind", "status"})

	// DealDuration observes time from deal creation to a terminal status.
	DealDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "deal_duration_seconds",
		Help:      "Time from deal creation to a terminal status.",
		Buckets:   []float64{60, 300, 900, 1800, 3600, 4 * 3600, 12 * 3600, 86400, 7 * 86400},
	}, []string{"kind", "status"})

	// ArbitrationsTotal counts arbitration lifecycle events.
	ArbitrationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "arbitrations_total",
		Help:      "Arbitration lifecycle events by deal kind and outcome.",
	}, []string{"kind", "outcome"})

	// NotificationsTotal counts notification deliveries by sink and result.
	NotificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notifications_total",
		Help:      "Notification deliveries by sink and result.",
	}, []string{"sink", "result"})

	// ActiveWebSocketClients tracks open realtime connections.
	ActiveWebSocketClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_websocket_clients",
		Help:      "Open realtime WebSocket connections.",
	})
)

func init() {
	prometheus.MustRegister(
		httpRequests,
		httpDuration,
		httpInFlight,
		DealTransitionsTotal,
		DealDuration,
		ArbitrationsTotal,
		NotificationsTotal,
		ActiveWebSocketClients,
	)
}

// RecordTransition counts a deal state change and, for terminal statuses,
// observes how long the deal lived.
func RecordTransition(kind, status string, createdAt time.Time, terminal bool) {
	DealTransitionsTotal.WithLabelValues(kind, status).Inc()
	if terminal && !createdAt.IsZero() {
		DealDuration.WithLabelValues(kind, status).Observe(time.Since(createdAt).Seconds())
	}
}

// RegisterDB exports db's pool statistics, sampled on every scrape.
// Registering a second pool under the same name is ignored.
func RegisterDB(db *sql.DB, name string) error {
	err := prometheus.Register(collectors.NewDBStatsCollector(db, name))
	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		return nil
	}
	return err
}

// Middleware records request count, latency and in-flight requests per route.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		httpInFlight.Inc()
		start := time.Now()

		c.Next()

		httpInFlight.Dec()
		route := c.FullPath()
		if route == "" {
			route = unmatched
		}
		httpDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
		httpRequests.WithLabelValues(c.Request.Method, route, statusClass(c.Writer.Status())).Inc()
	}
}

// Handler serves the default registry.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

func statusClass(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
