package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	JobsSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "yilaitu_jobs_submitted_total",
			Help: "Generation jobs submitted, by version",
		},
		[]string{"version"},
	)

	FeedFetches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "yilaitu_feed_fetches_total",
			Help: "Record feed page fetches, by result (page, empty, error, stale)",
		},
		[]string{"result"},
	)

	PushMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "yilaitu_push_messages_total",
			Help: "Push notifications received, by message type",
		},
		[]string{"type"},
	)

	PaymentPolls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "yilaitu_payment_polls_total",
			Help: "Payment status checks, by observed status",
		},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(JobsSubmitted, FeedFetches, PushMessages, PaymentPolls)
}
