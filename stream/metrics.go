// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package stream

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	streamEntriesPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collabpod",
		Subsystem: "stream",
		Name:      "entries_published_total",
		Help:      "Replication entries published to the peer stream.",
	}, []string{"type"})
	streamEntriesConsumed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collabpod",
		Subsystem: "stream",
		Name:      "entries_consumed_total",
		Help:      "Replication entries consumed from the peer stream.",
	}, []string{"type"})
	streamPublishFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "collabpod",
		Subsystem: "stream",
		Name:      "publish_failures_total",
		Help:      "Publish attempts that failed and were retried.",
	})
	streamPublishDrops = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "collabpod",
		Subsystem: "stream",
		Name:      "publish_drops_total",
		Help:      "Entries dropped because the publish queue was full.",
	})
	streamDuplicatesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "collabpod",
		Subsystem: "stream",
		Name:      "duplicates_dropped_total",
		Help:      "Redelivered entries suppressed by the dedupe cache.",
	})
	streamGapsDetected = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "collabpod",
		Subsystem: "stream",
		Name:      "gaps_detected_total",
		Help:      "Storage entry gaps that triggered a full sync request.",
	})
	streamPendingEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "collabpod",
		Subsystem: "stream",
		Name:      "pending_entries",
		Help:      "Reliable-class entries queued but not yet published.",
	})
	streamLag = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "collabpod",
		Subsystem: "stream",
		Name:      "lag_entries",
		Help:      "Entries this pod has not yet consumed, per room.",
	}, []string{"room"})
)

var registerMetricsOnce sync.Once

func init() {
	registerMetricsOnce.Do(func() {
		prometheus.MustRegister(
			streamEntriesPublished,
			streamEntriesConsumed,
			streamPublishFailures,
			streamPublishDrops,
			streamDuplicatesDropped,
			streamGapsDetected,
			streamPendingEntries,
			streamLag,
		)
	})
}
