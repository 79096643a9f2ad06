package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ledgerOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_operations_total",
			Help: "Total ledger operations by result",
		},
		[]string{"operation", "result"},
	)

	delegatedEvents = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "delegated_events_total",
			Help: "Current number of events with an active shadow copy",
		},
	)

	commitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "commit_duration_seconds",
			Help:    "Duration of shadow-to-ledger commits",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
	)

	notifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_published_total",
			Help: "Notifications published by type",
		},
		[]string{"type"},
	)

	subscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "realtime_subscribers_total",
			Help: "Currently connected notification subscribers",
		},
	)
)

type Monitor struct{}

func NewMonitor() *Monitor {
	return &Monitor{}
}

// TrackOperation counts one processor operation outcome.
func (m *Monitor) TrackOperation(operation, result string) {
	ledgerOperations.WithLabelValues(operation, result).Inc()
}

// SetDelegated records how many events are currently delegated.
func (m *Monitor) SetDelegated(count int) {
	delegatedEvents.Set(float64(count))
}

// TrackCommit observes the wall time of one commit.
func (m *Monitor) TrackCommit(duration time.Duration) {
	commitDuration.Observe(duration.Seconds())
}

// TrackNotification counts a published notification.
func (m *Monitor) TrackNotification(notificationType string) {
	notifications.WithLabelValues(notificationType).Inc()
}

// SetSubscribers records the current subscriber count.
func (m *Monitor) SetSubscribers(count int) {
	subscribers.Set(float64(count))
}
