package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_connections_active",
		Help: "Number of connections currently registered with the relay.",
	})

	SubscriptionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_subscriptions_active",
		Help: "Number of live subscriptions across all connections.",
	})

	Commands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_commands_total",
		Help: "Total number of client commands, labelled by verb and outcome.",
	}, []string{"command", "outcome"})

	CommandDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relay_command_duration_ms",
		Help:    "Command handling latency in milliseconds.",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 25, 50, 100, 250, 1000},
	}, []string{"command"})

	EventsStored = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_events_stored_total",
		Help: "Total number of storage insert outcomes, labelled by result.",
	}, []string{"result"})

	Deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_deliveries_total",
		Help: "Total number of fan-out delivery attempts, labelled by result.",
	}, []string{"result"})

	OutboxEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_outbox_evictions_total",
		Help: "Total number of queued messages evicted from full outboxes.",
	})
)
