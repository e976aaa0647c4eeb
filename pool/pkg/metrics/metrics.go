package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rewardpool_build_info",
			Help: "Build information of the reward pool orchestrator",
		},
		[]string{"version", "commit", "date"},
	)

	ProgramOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rewardpool_program_operations_total",
			Help: "Total number of pool program operations by outcome code",
		},
		[]string{"operation", "code"},
	)

	CyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rewardpool_cycles_total",
			Help: "Total number of distribution cycles",
		},
		[]string{"outcome"}, // "distributed", "skipped", "failed"
	)

	CycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rewardpool_cycle_duration_seconds",
			Help:    "Duration of distribution cycles",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s to ~410s
		},
	)

	StepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rewardpool_cycle_step_duration_seconds",
			Help:    "Duration of individual cycle steps",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~41s
		},
		[]string{"step"},
	)

	StepRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rewardpool_cycle_step_retries_total",
			Help: "Total number of retried cycle step attempts",
		},
		[]string{"step"},
	)

	DistributedLamportsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rewardpool_distributed_lamports_total",
			Help: "Total lamports paid out to holders by this process",
		},
	)

	VaultBalanceLamports = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rewardpool_vault_balance_lamports",
			Help: "Last observed vault balance",
		},
	)

	PendingFeesLamports = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rewardpool_pending_fees_lamports",
			Help: "Last observed upstream pending fee balance",
		},
	)

	RegisteredHolders = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rewardpool_registered_holders",
			Help: "Number of holders registered in the pool",
		},
	)

	RPCRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rewardpool_solana_rpc_requests_total",
			Help: "Total number of Solana RPC requests",
		},
		[]string{"method", "status"},
	)

	AuditWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rewardpool_audit_writes_total",
			Help: "Total number of audit trail writes",
		},
		[]string{"kind", "status"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rewardpool_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rewardpool_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// Middleware returns a chi middleware that records HTTP metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// RecordRPC records the outcome of one Solana RPC call.
func RecordRPC(method string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	RPCRequestsTotal.WithLabelValues(method, status).Inc()
}

// RecordAuditWrite records the outcome of one audit trail write.
func RecordAuditWrite(kind string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	AuditWritesTotal.WithLabelValues(kind, status).Inc()
}
