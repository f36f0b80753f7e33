package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Sweep outcomes.
const (
	SweepOK      = "ok"
	SweepError   = "error"
	SweepSkipped = "skipped"
)

// Item outcomes.
const (
	ItemCompleted = "completed"
	ItemFailed    = "failed"
	ItemExpired   = "expired"
)

// SyncMetrics tracks sweeps, per-item transitions and queue depth.
type SyncMetrics struct {
	sweeps     *prometheus.CounterVec
	duration   prometheus.Histogram
	items      *prometheus.CounterVec
	queue      *prometheus.GaugeVec
	escalation prometheus.Counter
}

// NewSyncMetrics registers the sync metrics on reg. A nil registerer yields a no-op recorder.
func NewSyncMetrics(reg prometheus.Registerer) *SyncMetrics {
	if reg == nil {
		return &SyncMetrics{}
	}
	m := &SyncMetrics{
		sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "sync_sweeps_total",
			Help:      "Sync sweeps by outcome.",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "sync_sweep_duration_seconds",
			Help:      "Duration of sync sweeps in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "sync_items_total",
			Help:      "Queue entry transitions by item type and outcome.",
		}, []string{"item_type", "outcome"}),
		queue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "sync_queue_entries",
			Help:      "Queue entries by status as of the last status refresh.",
		}, []string{"status"}),
		escalation: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "sync_escalations_total",
			Help:      "Coordinator escalations raised for expired entries.",
		}),
	}
	reg.MustRegister(m.sweeps, m.duration, m.items, m.queue, m.escalation)
	return m
}

// ObserveSweep records one sweep and its duration.
func (m *SyncMetrics) ObserveSweep(outcome string, duration time.Duration) {
	if m == nil || m.sweeps == nil {
		return
	}
	m.sweeps.WithLabelValues(normalizeLabel(outcome)).Inc()
	if outcome != SweepSkipped {
		m.duration.Observe(duration.Seconds())
	}
}

// IncItem counts one entry transition.
func (m *SyncMetrics) IncItem(itemType, outcome string) {
	if m == nil || m.items == nil {
		return
	}
	m.items.WithLabelValues(normalizeLabel(itemType), normalizeLabel(outcome)).Inc()
}

// IncEscalation counts one escalation.
func (m *SyncMetrics) IncEscalation() {
	if m == nil || m.escalation == nil {
		return
	}
	m.escalation.Inc()
}

// SetQueueDepth publishes the current count for status.
func (m *SyncMetrics) SetQueueDepth(status string, count int) {
	if m == nil || m.queue == nil {
		return
	}
	m.queue.WithLabelValues(normalizeLabel(status)).Set(float64(count))
}
