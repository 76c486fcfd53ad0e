// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package session

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	framesIn = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collabpod",
		Subsystem: "session",
		Name:      "frames_in_total",
		Help:      "Frames received from clients, by frame type.",
	}, []string{"type"})
	framesOut = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collabpod",
		Subsystem: "session",
		Name:      "frames_out_total",
		Help:      "Frames written to clients, by frame type.",
	}, []string{"type"})
	egressDrops = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collabpod",
		Subsystem: "session",
		Name:      "egress_drops_total",
		Help:      "Egress frames dropped under backpressure, by reason.",
	}, []string{"reason"})
	sessionCloses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collabpod",
		Subsystem: "session",
		Name:      "closes_total",
		Help:      "Sessions closed, by reason.",
	}, []string{"reason"})
	rateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collabpod",
		Subsystem: "session",
		Name:      "rate_limited_total",
		Help:      "Ingress frames rejected by the per-session token buckets.",
	}, []string{"type"})
)

var registerMetricsOnce sync.Once

func init() {
	registerMetricsOnce.Do(func() {
		prometheus.MustRegister(framesIn, framesOut, egressDrops, sessionCloses, rateLimited)
	})
}
