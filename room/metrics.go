// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package room

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	activeRooms = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "collabpod",
			Subsystem: "room",
			Name:      "active_rooms",
			Help:      "Number of rooms currently resident on this pod",
		},
	)
	activeSessions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "collabpod",
			Subsystem: "room",
			Name:      "active_sessions",
			Help:      "Number of live sessions per room",
		},
		[]string{"room"},
	)
	presenceDedupDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "collabpod",
			Subsystem: "room",
			Name:      "presence_diffs_dedup_dropped",
			Help:      "Peer presence diffs rejected as older than stored state",
		},
	)
	storageOpsApplied = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "collabpod",
			Subsystem: "room",
			Name:      "storage_ops_applied",
			Help:      "Storage updates applied to in-memory documents",
		},
	)
	storageOpsPersisted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "collabpod",
			Subsystem: "room",
			Name:      "storage_ops_persisted",
			Help:      "Storage updates durably appended to the op store",
		},
	)
	coordinatorPanics = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "collabpod",
			Subsystem: "room",
			Name:      "coordinator_panics",
			Help:      "Panics recovered at the room coordinator boundary",
		},
	)
)

var registerRoomMetrics sync.Once

func init() {
	registerRoomMetrics.Do(func() {
		prometheus.MustRegister(
			activeRooms, activeSessions, presenceDedupDropped,
			storageOpsApplied, storageOpsPersisted, coordinatorPanics,
		)
	})
}
