package llmclient

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PromUsageRecorder implements UsageRecorder with per-provider/phase
// Prometheus counters and histograms.
type PromUsageRecorder struct {
	calls    *prometheus.CounterVec
	errors   *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func NewPromUsageRecorder(reg prometheus.Registerer) *PromUsageRecorder {
	r := &PromUsageRecorder{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llmclient_calls_total",
			Help: "Total LLM client calls by provider, phase, and method.",
		}, []string{"provider", "phase", "method"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llmclient_call_errors_total",
			Help: "Total LLM client call errors by provider, phase, and method.",
		}, []string{"provider", "phase", "method"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "llmclient_call_duration_seconds",
			Help:    "LLM client call latency by provider and method.",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider", "phase", "method"}),
	}
	if reg != nil {
		reg.MustRegister(r.calls, r.errors, r.duration)
	}
	return r
}

func (r *PromUsageRecorder) RecordCall(provider, phase, method string, err error, duration time.Duration) {
	r.calls.WithLabelValues(provider, phase, method).Inc()
	if err != nil {
		r.errors.WithLabelValues(provider, phase, method).Inc()
	}
	r.duration.WithLabelValues(provider, phase, method).Observe(duration.Seconds())
}
