// Package metrics provides Prometheus instrumentation for the Shamba marketplace.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shamba",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "shamba",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// BidsTotal counts bid lifecycle transitions by final status.
	BidsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shamba",
			Name:      "bids_total",
			Help:      "Total bid transitions by resulting status.",
		},
		[]string{"status"},
	)

	// TransfersTotal counts outbound transfer requests by kind and result.
	TransfersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shamba",
			Name:      "transfers_total",
			Help:      "Total outbound transfer callbacks by kind and result.",
		},
		[]string{"kind", "result"},
	)

	// CompensationsTotal counts saga compensations (failed transfers re-credited).
	CompensationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shamba",
			Name:      "compensations_total",
			Help:      "Total saga compensations by transfer kind.",
		},
		[]string{"kind"},
	)

	// DisputesTotal counts disputes raised and resolved.
	DisputesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shamba",
			Name:      "disputes_total",
			Help:      "Total dispute events by action.",
		},
		[]string{"action"},
	)

	// LeasesActive tracks the number of currently active leases.
	LeasesActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "shamba",
			Name:      "leases_active",
			Help:      "Number of currently active leases.",
		},
	)

	// PendingTransfers tracks in-flight outbound transfers awaiting callbacks.
	PendingTransfers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "shamba",
			Name:      "pending_transfers",
			Help:      "Number of outbound transfers awaiting a callback.",
		},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "shamba",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "shamba", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "shamba", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "shamba", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "shamba", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "shamba", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "shamba", Name: "goroutines",
		Help: "Current number of goroutines.",
	})

	// --- Saga metrics (extended) ---

	SagasStartedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "shamba",
		Name:      "sagas_started_total",
		Help:      "Total settlement sagas started (bid acceptances).",
	})

	SagasCompletedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "shamba",
		Name:      "sagas_completed_total",
		Help:      "Total settlement sagas finalized successfully.",
	})

	SagasCompensatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "shamba",
		Name:      "sagas_compensated_total",
		Help:      "Total settlement sagas rolled back after a failed transfer.",
	})

	EscrowAutoReleasedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "shamba",
		Name:      "escrow_auto_released_total",
		Help:      "Total escrows released to sellers after the timeout window.",
	})

	SagaDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "shamba",
		Name:      "saga_duration_seconds",
		Help:      "Time from bid acceptance to settlement resolution in seconds.",
		Buckets:   []float64{10, 30, 60, 120, 300, 600, 1800, 3600, 86400},
	})

	// --- Sweep metrics (extended) ---

	SweepItemsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shamba",
		Name:      "sweep_items_total",
		Help:      "Total items processed by budgeted sweeps, by sweep type.",
	}, []string{"sweep"})

	// --- Reconciliation metrics ---

	ReconcileRunsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "shamba",
		Name:      "reconcile_runs_total",
		Help:      "Total reconciliation passes over the ledger.",
	})

	ReconcileShortfall = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "shamba",
		Name:      "reconcile_shortfall",
		Help:      "Amount by which the tracked balance undershoots committed funds, by token kind. Zero means healthy.",
	}, []string{"token"})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		BidsTotal,
		TransfersTotal,
		CompensationsTotal,
		DisputesTotal,
		LeasesActive,
		PendingTransfers,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		DBWaitCount,
		DBWaitDuration,
		GoroutineCount,
		SagasStartedTotal,
		SagasCompletedTotal,
		SagasCompensatedTotal,
		EscrowAutoReleasedTotal,
		SagaDuration,
		SweepItemsTotal,
		ReconcileRunsTotal,
		ReconcileShortfall,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitCount.Set(float64(stats.WaitCount))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
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
