// Copyright (c) The OPAL Authors
// SPDX-License-Identifier: Apache-2.0

package pubsub

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricPublishedMessages = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "opal",
		Subsystem: "pubsub",
		Name:      "delivered_messages_total",
		Help:      "Number of messages delivered to local subscriptions.",
	})

	metricBroadcastMessages = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "opal",
		Subsystem: "pubsub",
		Name:      "broadcast_messages_total",
		Help:      "Number of messages published to the external bus.",
	})

	metricBroadcastErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "opal",
		Subsystem: "pubsub",
		Name:      "broadcast_errors_total",
		Help:      "Number of failed publishes to the external bus.",
	})
)
