package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	Transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dztow_request_transitions_total",
			Help: "Successful assistance request transitions by event.",
		},
		[]string{"event"},
	)

	Rejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dztow_rejections_total",
			Help: "Guarded operations rejected, by operation and error code.",
		},
		[]string{"op", "code"},
	)

	MessagesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dztow_messages_sent_total",
			Help: "Chat messages appended, by kind.",
		},
		[]string{"kind"},
	)

	SubscriptionRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dztow_subscription_restarts_total",
			Help: "Change-stream subscriptions re-established after a failure.",
		},
		[]string{"collection"},
	)

	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dztow_events_published_total",
			Help: "Domain events handed to the event transport, by type and outcome.",
		},
		[]string{"type", "outcome"},
	)

	Alerts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dztow_alerts_total",
			Help: "Alerts considered by the notification gateway, by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(Transitions)
	prometheus.MustRegister(Rejections)
	prometheus.MustRegister(MessagesSent)
	prometheus.MustRegister(SubscriptionRestarts)
	prometheus.MustRegister(EventsPublished)
	prometheus.MustRegister(Alerts)
}
