package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	GovernanceDenialsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "governance_denials_total",
			Help: "Total number of governance denials",
		},
		[]string{"kind", "operation", "reason"},
	)

	BackendDispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backend_dispatch_total",
			Help: "Total number of backend operations dispatched",
		},
		[]string{"kind", "operation", "outcome"},
	)
	BackendDispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "backend_dispatch_duration_seconds",
			Help:    "Backend operation duration in seconds",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"kind", "operation"},
	)
	BackendStatusGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "backend_up",
			Help: "Backend dispatchability (1 healthy/degraded, 0 otherwise)",
		},
		[]string{"kind", "type"},
	)
	BackendBreakerGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "backend_circuit_open",
			Help: "Circuit breaker state per backend (1 open, 0 closed)",
		},
		[]string{"kind", "type"},
	)

	SagasStartedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sagas_started_total",
			Help: "Total number of saga executions started",
		},
		[]string{"name"},
	)
	SagasFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sagas_finished_total",
			Help: "Total number of sagas reaching a terminal status",
		},
		[]string{"name", "status"},
	)
	SagaDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "saga_duration_seconds",
			Help:    "Wall time from execute to terminal status",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"name"},
	)
	SagaStepRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "saga_step_retries_total",
			Help: "Total number of transient step retries",
		},
	)
	CompensationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_compensations_total",
			Help: "Total number of compensation handler invocations",
		},
		[]string{"outcome"},
	)

	BatcherItemsSubmitted = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "batcher_items_submitted_total", Help: "Items accepted by the batcher"},
	)
	BatcherItemsCommitted = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "batcher_items_committed_total", Help: "Items committed to the backend"},
	)
	BatcherItemsFailed = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "batcher_items_failed_total", Help: "Items that failed permanently"},
	)
	BatcherItemsRecovered = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "batcher_items_recovered_total", Help: "Items replayed from the recovery log"},
	)
	BatcherQueueSize = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "batcher_queue_size", Help: "Current queue depth"},
	)
	BatcherBatchSize = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "batcher_current_batch_size", Help: "Current adaptive target batch size"},
	)
	BatcherBatchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "batcher_batch_latency_ms",
			Help:    "Batch submit latency in milliseconds",
			Buckets: []float64{5, 10, 25, 50, 100, 200, 400, 800, 1600},
		},
	)
)

// InitMetrics registers every collector with the default registry. Call once
// at process startup.
func InitMetrics() {
	prometheus.MustRegister(GovernanceDenialsTotal)
	prometheus.MustRegister(BackendDispatchTotal)
	prometheus.MustRegister(BackendDispatchDuration)
	prometheus.MustRegister(BackendStatusGauge)
	prometheus.MustRegister(BackendBreakerGauge)
	prometheus.MustRegister(SagasStartedTotal)
	prometheus.MustRegister(SagasFinishedTotal)
	prometheus.MustRegister(SagaDuration)
	prometheus.MustRegister(SagaStepRetriesTotal)
	prometheus.MustRegister(CompensationsTotal)
	prometheus.MustRegister(BatcherItemsSubmitted)
	prometheus.MustRegister(BatcherItemsCommitted)
	prometheus.MustRegister(BatcherItemsFailed)
	prometheus.MustRegister(BatcherItemsRecovered)
	prometheus.MustRegister(BatcherQueueSize)
	prometheus.MustRegister(BatcherBatchSize)
	prometheus.MustRegister(BatcherBatchLatency)
}

// GovernanceDenied records one policy denial.
func GovernanceDenied(kind, op, reason string) {
	GovernanceDenialsTotal.WithLabelValues(kind, op, reason).Inc()
}

// DispatchObserved records one manager dispatch outcome with its duration.
func DispatchObserved(kind, op, outcome string, seconds float64) {
	BackendDispatchTotal.WithLabelValues(kind, op, outcome).Inc()
	BackendDispatchDuration.WithLabelValues(kind, op).Observe(seconds)
}

// BreakerOpen publishes the circuit breaker state of one backend.
func BreakerOpen(kind, typeTag string, open bool) {
	v := 0.0
	if open {
		v = 1.0
	}
	BackendBreakerGauge.WithLabelValues(kind, typeTag).Set(v)
}

// BackendUp publishes the dispatchability of one backend.
func BackendUp(kind, typeTag string, up bool) {
	v := 0.0
	if up {
		v = 1.0
	}
	BackendStatusGauge.WithLabelValues(kind, typeTag).Set(v)
}
