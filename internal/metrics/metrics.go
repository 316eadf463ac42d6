package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	EventsTriggeredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagehook_events_triggered_total",
			Help: "Total number of events handed to the dispatcher.",
		},
		[]string{"event_type"},
	)

	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagehook_deliveries_total",
			Help: "Total number of delivery attempts by logged status.",
		},
		[]string{"status"}, // success, retrying, failed
	)

	DeliveryLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pagehook_delivery_latency_seconds",
			Help:    "Wall-clock duration of one outbound delivery attempt.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15},
		},
		[]string{"outcome"}, // ok, error
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagehook_retries_total",
			Help: "Total number of retries scheduled by failure reason.",
		},
		[]string{"reason"}, // http_5xx, http_4xx, http_429, timeout, connection_refused, dns_error, network, other
	)

	ExhaustedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagehook_exhausted_total",
			Help: "Total number of deliveries that hit the attempt ceiling.",
		},
		[]string{"reason"},
	)

	StoreFallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagehook_store_fallbacks_total",
			Help: "Operations served by a tier other than the first, or lost entirely (tier=none).",
		},
		[]string{"collection", "tier"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pagehook_retry_queue_depth",
			Help: "Pending retry jobs per workspace as seen by the last worker tick.",
		},
		[]string{"workspace_id"},
	)

	EventsBacklog = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pagehook_nsq_channel_depth",
			Help: "Messages waiting on the events channel, scraped from nsqd stats.",
		},
		[]string{"topic", "channel"},
	)

	EventsInflight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pagehook_nsq_channel_inflight",
			Help: "Messages handed to consumers but not yet finished.",
		},
		[]string{"topic", "channel"},
	)
)

// MustRegister registers every collector with reg
func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		EventsTriggeredTotal,
		DeliveriesTotal,
		DeliveryLatency,
		RetriesTotal,
		ExhaustedTotal,
		StoreFallbacksTotal,
		QueueDepth,
		EventsBacklog,
		EventsInflight,
	)
}

func RecordEventTriggered(eventType string) {
	EventsTriggeredTotal.WithLabelValues(eventType).Inc()
}

// RecordDelivery counts the logged status and observes the attempt latency
func RecordDelivery(status string, success bool, d time.Duration) {
	DeliveriesTotal.WithLabelValues(status).Inc()
	outcome := "error"
	if success {
		outcome = "ok"
	}
	DeliveryLatency.WithLabelValues(outcome).Observe(d.Seconds())
}

func RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}

func RecordExhausted(reason string) {
	ExhaustedTotal.WithLabelValues(reason).Inc()
}

func RecordStoreFallback(collection, tier string) {
	StoreFallbacksTotal.WithLabelValues(collection, tier).Inc()
}

func SetQueueDepth(workspaceID string, depth int) {
	QueueDepth.WithLabelValues(workspaceID).Set(float64(depth))
}

func SetChannelStats(topic, channel string, depth, inflight int64) {
	EventsBacklog.WithLabelValues(topic, channel).Set(float64(depth))
	EventsInflight.WithLabelValues(topic, channel).Set(float64(inflight))
}
