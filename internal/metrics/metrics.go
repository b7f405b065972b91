// Package metrics provides Prometheus instrumentation for the cipherscore service.
//
// Collectors register with the default registry at package init, so
// importing the package is enough for them to show up on /metrics.
package metrics

import (
	"database/sql"
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cipherscore"

// Score buckets follow the 300-850 range and the risk thresholds.
var scoreBuckets = []float64{300, 400, 500, 600, 700, 750, 800, 850}

func counter(name, help string, labels ...string) *prometheus.CounterVec {
	return promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, labels)
}

func gauge(name, help string) prometheus.Gauge {
	return promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	})
}

// HTTP surface.
var (
	HTTPRequestsTotal = counter("http_requests_total",
		"HTTP requests by method, route pattern, and status class.",
		"method", "path", "status")

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by method and route pattern.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path"})

	// RateLimitedTotal is labelled by client kind: "key" or "ip".
	RateLimitedTotal = counter("rate_limited_total",
		"Requests rejected by the per-client rate limiter.", "kind")

	QuotaRejectionsTotal = counter("quota_rejections_total",
		"Score requests rejected by the rolling per-wallet quota.", "tier")
)

// Orchestration.
var (
	// SubmissionsTotal results: accepted, cooldown, unavailable, error.
	SubmissionsTotal = counter("submissions_total",
		"Encrypted metric submissions by result.", "result")

	// DisclosuresTotal results: accepted, expired, not_found, unavailable, error.
	DisclosuresTotal = counter("disclosures_total",
		"Score disclosure requests by result.", "result")

	CallbacksTotal = counter("callbacks_total",
		"Compute callbacks by circuit and outcome.", "circuit", "outcome")

	ProtocolViolationsTotal = counter("protocol_violations_total",
		"Callbacks ignored as protocol violations, by reason.", "reason")

	PendingComputations = gauge("pending_computations",
		"Dispatched computations awaiting a callback.")

	ScoreDistribution = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "computed_score",
		Help:      "Distribution of computed credit scores.",
		Buckets:   scoreBuckets,
	})
)

// Compute cluster.
var (
	ComputeQueueDepth = gauge("compute_queue_depth",
		"Requests waiting in the compute queue.")

	ComputeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "compute_duration_seconds",
		Help:      "Circuit execution time in seconds, including simulated latency.",
		Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 60},
	}, []string{"circuit"})
)

// Outbound integrations and push channels.
var (
	WalletFetchesTotal = counter("wallet_fetches_total",
		"On-chain wallet metric fetches by result.", "result")

	WebhookDeliveriesTotal = counter("webhook_deliveries_total",
		"Webhook deliveries by result.", "result")

	ActiveWebSocketClients = gauge("active_websocket_clients",
		"Connected event stream clients.")
)

// RegisterDB exports connection pool statistics for db. Calling it twice for
// the same process is a no-op.
func RegisterDB(db *sql.DB) error {
	err := prometheus.Register(collectors.NewDBStatsCollector(db, namespace))
	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		return nil
	}
	return err
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Route pattern, not raw path, so wallets don't become label values.
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(c.Request.Method, route))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, route, statusBucket(c.Writer.Status())).Inc()
	}
}

// Handler serves the default registry.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
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
