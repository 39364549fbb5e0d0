package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "yapbay"

// InstructionMetrics tracks ledger instructions as they pass through the
// dispatcher.
type InstructionMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	instructionMetricsOnce sync.Once
	instructionRegistry    *InstructionMetrics
)

// Instructions returns the lazily-initialised instruction metrics registry.
func Instructions() *InstructionMetrics {
	instructionMetricsOnce.Do(func() {
		instructionRegistry = &InstructionMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "instructions_total",
				Help:      "Total ledger instructions segmented by kind and outcome.",
			}, []string{"instruction", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "instruction_errors_total",
				Help:      "Total rejected ledger instructions segmented by kind and error kind.",
			}, []string{"instruction", "kind"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "instruction_duration_seconds",
				Help:      "Latency distribution for ledger instructions.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"instruction"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "throttles_total",
				Help:      "Count of instructions rejected by rate limits or quotas.",
			}, []string{"instruction", "reason"}),
		}
		prometheus.MustRegister(
			instructionRegistry.requests,
			instructionRegistry.errors,
			instructionRegistry.latency,
			instructionRegistry.throttles,
		)
	})
	return instructionRegistry
}

// Observe records one instruction. errKind is empty on success.
func (m *InstructionMetrics) Observe(instruction, errKind string, duration time.Duration) {
	if m == nil {
		return
	}
	instruction = label(instruction)
	outcome := "success"
	if errKind != "" {
		outcome = "error"
		m.errors.WithLabelValues(instruction, errKind).Inc()
	}
	m.requests.WithLabelValues(instruction, outcome).Inc()
	m.latency.WithLabelValues(instruction).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter. Reasons should be stable
// strings such as "rate_limit" or "quota_exceeded".
func (m *InstructionMetrics) RecordThrottle(instruction, reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(label(instruction), reason).Inc()
}

func label(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "unknown"
	}
	return value
}
