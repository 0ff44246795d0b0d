package mailqueue

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "signupapproval"

var (
	queueSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "mailqueue",
			Name:      "queue_size",
			Help:      "Number of queue entries by status",
		},
		[]string{"status"},
	)

	deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mailqueue",
			Name:      "deliveries_total",
			Help:      "Delivery attempts by entry type and outcome",
		},
		[]string{"type", "outcome"},
	)

	sendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "mailqueue",
			Name:      "send_duration_seconds",
			Help:      "Time to hand an email to the mail transport",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"type"},
	)

	claimed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mailqueue",
			Name:      "claimed_total",
			Help:      "Total entries claimed by this process. Sum of deliveries_total should match this.",
		},
	)

	enqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mailqueue",
			Name:      "enqueued_total",
			Help:      "Total entries appended to the queue",
		},
		[]string{"type"},
	)

	cycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mailqueue",
			Name:      "cycles_total",
			Help:      "Polling cycles by result",
		},
		[]string{"result"},
	)
)

func recordDelivery(entryType EntryType, outcome string) {
	deliveries.WithLabelValues(string(entryType), outcome).Inc()
}

func recordSendDuration(entryType EntryType, duration time.Duration) {
	sendDuration.WithLabelValues(string(entryType)).Observe(duration.Seconds())
}

func recordClaimed(count int) {
	claimed.Add(float64(count))
}

func recordEnqueued(entryType EntryType) {
	enqueued.WithLabelValues(string(entryType)).Inc()
}

func recordCycle(result string) {
	cycles.WithLabelValues(result).Inc()
}

// RecordQueueStats updates queue size metrics.
func RecordQueueStats(stats *QueueStats) {
	queueSize.WithLabelValues(string(StatusPending)).Set(float64(stats.Pending))
	queueSize.WithLabelValues(string(StatusInFlight)).Set(float64(stats.InFlight))
	queueSize.WithLabelValues(string(StatusSent)).Set(float64(stats.Sent))
	queueSize.WithLabelValues(string(StatusFailed)).Set(float64(stats.Failed))
}
