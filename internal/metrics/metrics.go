// Package metrics holds the Prometheus collectors for proctorhub.
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

const namespace = "proctorhub"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total HTTP requests by method, path pattern, and status class.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path"})

	// Hub.

	HubConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "hub", Name: "connections",
		Help: "Currently registered hub connections.",
	})
	HubRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "hub", Name: "rooms",
		Help: "Rooms with at least one member.",
	})
	HubMessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "hub", Name: "messages_total",
		Help: "Frames accepted by the hub by event type.",
	}, []string{"event"})
	HubDeliveriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "hub", Name: "deliveries_total",
		Help: "Per-member frame deliveries enqueued.",
	})
	HubDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "hub", Name: "dropped_messages_total",
		Help: "Frames dropped by reason.",
	}, []string{"reason"})
	HubRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "hub", Name: "rejected_messages_total",
		Help: "Frames refused with a room-error by reason.",
	}, []string{"reason"})

	// Violation and risk engine.

	ViolationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "proctor", Name: "violations_total",
		Help: "Recorded violations by type.",
	}, []string{"type"})
	BlocksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "proctor", Name: "blocks_total",
		Help: "Sessions that crossed the violation threshold.",
	})
	ApprovalDecisionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "proctor", Name: "approval_decisions_total",
		Help: "Mentor decisions applied by outcome and delivery path.",
	}, []string{"outcome", "path"})
	SessionTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "proctor", Name: "session_transitions_total",
		Help: "Session state transitions by target state.",
	}, []string{"to"})

	// Stream broadcast pipeline.

	FramesPublishedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "stream", Name: "frames_published_total",
		Help: "Video frames published by broadcasters in this process.",
	})
	FrameCaptureErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "stream", Name: "capture_errors_total",
		Help: "Frame captures that failed.",
	})
	FramesRelayedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "stream", Name: "frames_relayed_total",
		Help: "Video frames seen by the server-side stream tracker.",
	})
	ActiveStreams = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "stream", Name: "active",
		Help: "Sessions currently streaming.",
	})
	StreamObservers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "stream", Name: "observers",
		Help: "Observers across all active streams.",
	})

	// Peer session manager.

	PeerNegotiationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "peer", Name: "negotiations_total",
		Help: "Peer negotiations by result.",
	}, []string{"result"})
	PeerConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "peer", Name: "connections",
		Help: "Open peer connections held by managers in this process.",
	})

	// Re-attempt workflow.

	ReAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "reattempt", Name: "requests_total",
		Help: "Re-attempt requests by status transition.",
	}, []string{"status"})

	// Client SDK.

	ClientBreakerTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "client", Name: "breaker_transitions_total",
		Help: "REST client circuit breaker transitions by endpoint and state.",
	}, []string{"endpoint", "from", "to"})
	ClientRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "client", Name: "requests_total",
		Help: "REST client requests by endpoint and outcome.",
	}, []string{"endpoint", "outcome"})

	// Runtime.

	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		HubConnections,
		HubRooms,
		HubMessagesTotal,
		HubDeliveriesTotal,
		HubDroppedTotal,
		HubRejectedTotal,
		ViolationsTotal,
		BlocksTotal,
		ApprovalDecisionsTotal,
		SessionTransitionsTotal,
		FramesPublishedTotal,
		FrameCaptureErrorsTotal,
		FramesRelayedTotal,
		ActiveStreams,
		StreamObservers,
		PeerNegotiationsTotal,
		PeerConnections,
		ReAttemptsTotal,
		ClientBreakerTransitionsTotal,
		ClientRequestsTotal,
		DBOpenConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// StartDBStatsCollector samples pool and goroutine gauges until ctx is done.
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
			DBInUseConnections.Set(float64(stats.InUse))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware records request count and latency keyed by route pattern.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(c.Request.Method, path))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, statusBucket(c.Writer.Status())).Inc()
	}
}

// Handler serves the default registry.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

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
