package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce                 sync.Once
	httpDurationHistogram        *prometheus.HistogramVec
	providerCallHistogram        *prometheus.HistogramVec
	webhookEventCounter          *prometheus.CounterVec
	stateTransitionCounter       *prometheus.CounterVec
	reconInconsistencyCounter    *prometheus.CounterVec
	pendingApprovalQueueGauge    prometheus.Gauge
	workerRunCounter             *prometheus.CounterVec
)

// Init registers all Prometheus collectors.
func Init() {
	registerOnce.Do(func() {
		httpDurationHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"})

		providerCallHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "provider_call_duration_seconds",
			Help:    "Latency of outbound payout provider calls",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider", "operation", "outcome"})

		webhookEventCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webhook_events_total",
			Help: "Incoming payout webhook outcomes",
		}, []string{"provider", "outcome"})

		stateTransitionCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "withdrawal_state_transitions_total",
			Help: "Withdrawal lifecycle transitions by resulting status",
		}, []string{"status", "source"})

		reconInconsistencyCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reconciliation_inconsistencies_total",
			Help: "Provider verdicts that contradicted the stored withdrawal",
		}, []string{"provider"})

		pendingApprovalQueueGauge = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "withdrawal_pending_approval_queue_size",
			Help: "Current number of withdrawals waiting for admin approval",
		})

		workerRunCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "worker_runs_total",
			Help: "Background worker run outcomes",
		}, []string{"worker", "result"})

		prometheus.MustRegister(
			httpDurationHistogram,
			providerCallHistogram,
			webhookEventCounter,
			stateTransitionCounter,
			reconInconsistencyCounter,
			pendingApprovalQueueGauge,
			workerRunCounter,
		)
	})
}

func ObserveHTTP(method, path string, status int, duration time.Duration) {
	if httpDurationHistogram == nil {
		return
	}
	httpDurationHistogram.WithLabelValues(method, path, strconv.Itoa(status)).Observe(duration.Seconds())
}

func ObserveProviderCall(provider, operation, outcome string, duration time.Duration) {
	if providerCallHistogram == nil {
		return
	}
	providerCallHistogram.WithLabelValues(provider, operation, outcome).Observe(duration.Seconds())
}

func IncrementWebhookEvent(provider, outcome string) {
	if webhookEventCounter == nil {
		return
	}
	webhookEventCounter.WithLabelValues(provider, outcome).Inc()
}

func IncrementStateTransition(status, source string) {
	if stateTransitionCounter == nil {
		return
	}
	stateTransitionCounter.WithLabelValues(status, source).Inc()
}

func IncrementReconciliationInconsistency(provider string) {
	if reconInconsistencyCounter == nil {
		return
	}
	reconInconsistencyCounter.WithLabelValues(provider).Inc()
}

func SetPendingApprovalQueueSize(size int64) {
	if pendingApprovalQueueGauge == nil {
		return
	}
	pendingApprovalQueueGauge.Set(float64(size))
}

func IncrementWorkerRun(worker, result string) {
	if workerRunCounter == nil {
		return
	}
	workerRunCounter.WithLabelValues(worker, result).Inc()
}
