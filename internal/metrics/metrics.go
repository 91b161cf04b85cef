// Package metrics holds the Prometheus collectors of the relay, exposed on /metrics
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "nexus_relay"

var (
	OnlineUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "online_users",
		Help:      "Identities currently present in the registry.",
	})

	Connections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connections",
		Help:      "Open websocket connections, authenticated or not.",
	})

	MessagesPersisted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_persisted_total",
		Help:      "Messages written to the store.",
	})

	// Deliveries is labeled by outcome: delivered, offline or self
	Deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "message_deliveries_total",
		Help:      "Recipient legs of sent messages by outcome.",
	}, []string{"outcome"})

	ReactionToggles = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reaction_toggles_total",
		Help:      "Successful reaction toggles.",
	})

	// Signals is labeled by signal kind and outcome: forwarded or dropped
	Signals = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "signals_total",
		Help:      "Call signaling events by kind and outcome.",
	}, []string{"kind", "outcome"})

	Frames = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "frames_total",
		Help:      "Inbound websocket frames by type.",
	}, []string{"type"})

	Uploads = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "uploads_total",
		Help:      "Files stored by the upload endpoint.",
	})
)
