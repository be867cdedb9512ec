// Package metrics holds the prometheus collectors shared by the sync layer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "mailsync"

var (
	PushConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "push",
		Name:      "connections",
		Help:      "Managed push connections by state.",
	}, []string{"state"})

	PushStateChanges = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "push",
		Name:      "state_changes_total",
		Help:      "State-change notifications forwarded by push clients.",
	})

	PushReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "push",
		Name:      "reconnects_scheduled_total",
		Help:      "Reconnect attempts scheduled after a disconnect.",
	})

	DispatchAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dispatch",
		Name:      "attempts_total",
		Help:      "Webhook delivery attempts.",
	})

	DispatchResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dispatch",
		Name:      "results_total",
		Help:      "Final webhook delivery outcomes.",
	}, []string{"result"})

	PollResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "poll",
		Name:      "results_total",
		Help:      "Poll outcomes by status.",
	}, []string{"status"})

	MessagesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "poll",
		Name:      "messages_total",
		Help:      "Messages handed to the rule engine, by outcome.",
	}, []string{"outcome"})

	PoolConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "connections",
		Help:      "Pooled transport connections.",
	}, []string{"pool"})

	CapabilityLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "capability",
		Name:      "lookups_total",
		Help:      "Capability cache lookups by result (hit, miss, error).",
	}, []string{"result"})

	OutboxPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "outbox",
		Name:      "published_total",
		Help:      "Outbox rows relayed to the broker, by outcome.",
	}, []string{"outcome"})
)
