package metrics

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests.",
		},
		[]string{"path", "method", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of latencies for HTTP requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path", "method"},
	)

	// Decider job queue metrics.
	JobsEnqueuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "jobs_enqueued_total", Help: "Decider jobs newly inserted into the queue."},
	)
	JobsRequeuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "jobs_requeued_total", Help: "Idempotent enqueue calls that found an orphaned job (message missing) and re-bound it."},
	)
	JobsExpiredPurgedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "jobs_expired_purged_total", Help: "Expired job rows purged before a fresh enqueue of the same job id."},
	)
	JobsProcessedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "jobs_processed_total", Help: "Decider jobs that completed successfully."},
	)
	JobsFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "jobs_failed_total", Help: "Decider jobs that failed verification, compression, or decoding."},
	)

	WorkerJobDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "worker_job_duration_seconds",
			Help:    "Time spent processing one decider job end to end, by circuit and outcome.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"circuit", "outcome"},
	)

	QueueWaitDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "queue_wait_duration_seconds",
			Help:    "Time a job spent queued before a worker dequeued it.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"circuit"},
	)

	// Event ingester metrics.
	EventsIngestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "events_ingested_total", Help: "Transfer events inserted by the event ingester."},
		[]string{"token"},
	)
	EventSyncDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "event_sync_duration_seconds",
			Help:    "Duration of one event-ingester sync cycle for a token.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"token"},
	)

	// Merkle tree metrics.
	TreeLeavesAppendedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "tree_leaves_appended_total", Help: "Leaves appended to a token's incremental Merkle tree."},
		[]string{"token"},
	)
	TreeAppendDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tree_append_duration_seconds",
			Help:    "Duration of a single Merkle tree leaf append.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"token"},
	)

	// Root prover metrics.
	RootProverCompileLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "root_prover_compile_lag", Help: "Events on-chain but not yet folded into an IVC proof, by token."},
		[]string{"token"},
	)
	RootProverSubmitLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "root_prover_submit_lag", Help: "IVC-compiled events not yet submitted on-chain, by token."},
		[]string{"token"},
	)
	RootProverSubmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "root_prover_submissions_total", Help: "Transfer roots successfully submitted on-chain."},
		[]string{"token"},
	)
	RootProverSubmissionFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "root_prover_submission_failures_total", Help: "Transfer root submissions that failed."},
		[]string{"token"},
	)

	// Cooperative lease metrics, shared across ingest/tree/root-prove jobs.
	LeaseContentionTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "lease_contention_total", Help: "Cycles skipped because another process already held the lease."},
		[]string{"job_type"},
	)
	LeaseLostTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "lease_lost_total", Help: "Background lease renewals that failed, ending the hold early."},
		[]string{"job_type"},
	)

	// Ledger RPC metrics, recorded by internal/ledger's retry/circuit-breaker decorator.
	LedgerRPCRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "ledger_rpc_retries_total", Help: "Ledger RPC calls retried after a transient failure."},
		[]string{"method"},
	)
	LedgerRPCFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "ledger_rpc_failures_total", Help: "Ledger RPC calls that failed after exhausting retries."},
		[]string{"method"},
	)
	LedgerCircuitOpenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "ledger_circuit_open_total", Help: "Ledger RPC calls rejected because the circuit breaker was open."},
		[]string{"method"},
	)

	// Resource monitoring metrics, sampled by Collector.StartPeriodicUpdates.
	MemoryHeapAllocBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "memory_heap_alloc_bytes",
		Help: "Current heap allocated memory in bytes",
	})
	MemoryHeapSysBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "memory_heap_sys_bytes",
		Help: "Current heap system memory in bytes",
	})
	MemoryStackInUseBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "memory_stack_inuse_bytes",
		Help: "Current stack memory in use in bytes",
	})
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "goroutine_count",
		Help: "Current number of goroutines",
	})
	GCPauseDurationSeconds = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gc_pause_duration_seconds",
		Help: "Duration of the last GC pause in seconds",
	})
)

func init() { RegisterAll() }

// RegisterAll registers all metrics on the current default Prometheus registry.
// Tests that replace prometheus.DefaultRegisterer/DefaultGatherer should call this.
func RegisterAll() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		JobsEnqueuedTotal,
		JobsRequeuedTotal,
		JobsExpiredPurgedTotal,
		JobsProcessedTotal,
		JobsFailedTotal,
		WorkerJobDurationSeconds,
		QueueWaitDurationSeconds,
		EventsIngestedTotal,
		EventSyncDurationSeconds,
		TreeLeavesAppendedTotal,
		TreeAppendDurationSeconds,
		RootProverCompileLag,
		RootProverSubmitLag,
		RootProverSubmissionsTotal,
		RootProverSubmissionFailuresTotal,
		LeaseContentionTotal,
		LeaseLostTotal,
		LedgerRPCRetriesTotal,
		LedgerRPCFailuresTotal,
		LedgerCircuitOpenTotal,
		MemoryHeapAllocBytes,
		MemoryHeapSysBytes,
		MemoryStackInUseBytes,
		GoroutineCount,
		GCPauseDurationSeconds,
	)
}

// Summary returns a lightweight map of selected metric totals for API consumption.
// It aggregates across labels where applicable.
func Summary() (map[string]float64, error) {
	out := map[string]float64{}
	fams, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		return nil, err
	}
	want := map[string]struct{}{
		"jobs_enqueued_total":          {},
		"jobs_requeued_total":          {},
		"jobs_expired_purged_total":    {},
		"jobs_processed_total":         {},
		"jobs_failed_total":            {},
		"root_prover_submissions_total": {},
	}
	for _, mf := range fams {
		name := mf.GetName()
		if _, ok := want[name]; !ok {
			continue
		}
		var sum float64
		for _, m := range mf.Metric {
			if m.GetCounter() != nil {
				sum += m.GetCounter().GetValue()
			}
		}
		out[name] = sum
	}
	return out, nil
}

// GinMiddleware records basic Prometheus metrics for HTTP requests.
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		method := c.Request.Method
		c.Next()
		status := c.Writer.Status()

		HTTPRequestsTotal.WithLabelValues(path, method, intToString(status)).Inc()
		HTTPRequestDuration.WithLabelValues(path, method).Observe(time.Since(start).Seconds())
	}
}

// Handler returns the promhttp handler
func Handler() http.Handler { return promhttp.Handler() }

func intToString(n int) string { return fmtInt(n) }

// small inlined int->string without fmt to avoid extra imports in hot path
func fmtInt(n int) string {
	if n == 0 {
		return "0"
	}
	sign := ""
	if n < 0 {
		sign = "-"
		n = -n
	}
	buf := [20]byte{}
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return sign + string(buf[i:])
}
