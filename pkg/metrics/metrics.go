// Package metrics holds the prometheus instruments shared by the outbox
// relay and the event consumers. Handlers register themselves with the
// default registry; mains expose it via promhttp.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OutboxPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stockflow_outbox_published_total",
		Help: "Outbox events successfully handed to the message bus.",
	}, []string{"type"})

	OutboxFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stockflow_outbox_publish_failures_total",
		Help: "Outbox dispatch attempts that failed and were scheduled for retry.",
	}, []string{"type"})

	ConsumerProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stockflow_consumer_processed_total",
		Help: "Events handled to completion, by type.",
	}, []string{"type"})

	ConsumerDuplicates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stockflow_consumer_duplicates_total",
		Help: "Events skipped because their event id was already processed.",
	}, []string{"type"})

	ConsumerDeadLettered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stockflow_consumer_dead_lettered_total",
		Help: "Messages routed to the dead-letter topic after exhausting retries.",
	}, []string{"topic"})
)
