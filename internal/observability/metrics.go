package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	messagesAppendedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_messages_appended_total",
			Help: "Total number of messages appended to chat ledgers.",
		},
		[]string{"type"},
	)
	statusTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_message_status_transitions_total",
			Help: "Total number of message status transitions.",
		},
		[]string{"from", "to"},
	)
	storageCorruptRecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_storage_corrupt_records_total",
			Help: "Total number of persisted records discarded as corrupt.",
		},
		[]string{"key"},
	)
	persistFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_persist_failures_total",
			Help: "Total number of failed persistence writes.",
		},
	)
	eventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_events_published_total",
			Help: "Total number of published domain events.",
		},
		[]string{"type"},
	)
	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_active_sessions",
			Help: "Number of open sessions.",
		},
	)
	scheduledTasks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_scheduled_tasks",
			Help: "Number of pending scheduled tasks.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		messagesAppendedTotal,
		statusTransitionsTotal,
		storageCorruptRecordsTotal,
		persistFailuresTotal,
		eventsPublishedTotal,
		activeSessions,
		scheduledTasks,
	)
}

func IncMessageAppended(messageType string) {
	messagesAppendedTotal.WithLabelValues(messageType).Inc()
}

func IncStatusTransition(from, to string) {
	statusTransitionsTotal.WithLabelValues(from, to).Inc()
}

func IncCorruptRecord(key string) {
	storageCorruptRecordsTotal.WithLabelValues(key).Inc()
}

func IncPersistFailure() {
	persistFailuresTotal.Inc()
}

func IncEventPublished(eventType string) {
	eventsPublishedTotal.WithLabelValues(eventType).Inc()
}

func IncActiveSessions() {
	activeSessions.Inc()
}

func DecActiveSessions() {
	activeSessions.Dec()
}

func SetScheduledTasks(n int) {
	scheduledTasks.Set(float64(n))
}
