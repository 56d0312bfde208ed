/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MessagesAccepted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "smtprelay_messages_accepted_total",
			Help: "Messages accepted and stored by the inbound SMTP listener.",
		},
	)

	SubmissionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smtprelay_submissions_rejected_total",
			Help: "Inbound submissions rejected before storage.",
		},
		[]string{
			"reason", // "sender", "recipient", "size", "store", "read", "unavailable"
		},
	)

	Deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smtprelay_delivery_recipients_total",
			Help: "Recipient delivery outcomes.",
		},
		[]string{
			"path",  // "relay", "direct"
			"class", // "success", "permanent", "transient"
		},
	)

	DeliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "smtprelay_delivery_attempt_duration_seconds",
			Help:    "Outbound SMTP conversation duration per destination host.",
			Buckets: []float64{0.01, 0.05, 0.100, 0.5, 1, 5, 10, 20, 30, 60, 120},
		},
		[]string{
			"path",
			"result", // "ok", "timeout", "error"
		},
	)

	QueueDeferred = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "smtprelay_delivery_queue_deferred_total",
			Help: "Stored messages whose handoff to delivery waited for a full queue.",
		},
	)

	QueueDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "smtprelay_delivery_queue_dropped_total",
			Help: "Stored messages left undelivered because the dispatcher shut down before handoff.",
		},
	)
)
