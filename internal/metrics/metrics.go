// Package metrics holds the subsystem's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "alertgate_deliveries_total",
		Help: "Webhook delivery attempts by terminal status.",
	}, []string{"status"})

	DeadLetterDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "alertgate_dead_letter_depth",
		Help: "Dead-letter entries awaiting retry.",
	})

	DeadLettersExhausted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "alertgate_dead_letters_exhausted_total",
		Help: "Dead-letter entries that used their full retry budget.",
	})

	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "alertgate_ws_connections_active",
		Help: "Live websocket connections.",
	})

	BroadcastsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "alertgate_broadcasts_total",
		Help: "Events broadcast to live connections.",
	})
)
