// Package metrics exposes the engine's Prometheus counters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HeartbeatsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pulse",
		Name:      "heartbeats_total",
		Help:      "Heartbeats ingested, labeled by resolved effective status.",
	}, []string{"status"})

	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pulse",
		Name:      "transitions_total",
		Help:      "Effective-status transitions, labeled by event name.",
	}, []string{"event"})

	WebhookDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pulse",
		Name:      "webhook_deliveries_total",
		Help:      "Webhook delivery attempts, labeled by outcome (success, failure, timeout).",
	}, []string{"outcome"})

	WebhooksDisabledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pulse",
		Name:      "webhooks_disabled_total",
		Help:      "Subscriptions disabled by the failure circuit breaker.",
	})

	CreditsChargedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pulse",
		Name:      "credits_charged_total",
		Help:      "Credits debited by the daily metering gate.",
	})
)
