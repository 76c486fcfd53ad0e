// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package httputil assembles the pod's HTTP surface: the websocket
// client transport, the health probe, and the metrics endpoint.
package httputil

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/element-hq/collabpod/room"
	"github.com/element-hq/collabpod/session"
	"github.com/element-hq/collabpod/setup/config"
	"github.com/element-hq/collabpod/setup/process"
	"github.com/element-hq/collabpod/storage"
	"github.com/element-hq/collabpod/stream"
)

const healthTimeout = 2 * time.Second

// Routes builds the pod router. The bridge may be nil when replication
// is disabled, in which case its health contribution is skipped.
func Routes(proc *process.ProcessContext, cfg *config.CollabPod, registry *room.Registry, db storage.Database, bridge *stream.Bridge) http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/connect", session.Handler(proc, cfg, registry)).Methods(http.MethodGet)
	router.HandleFunc("/health", healthHandler(cfg, registry, db, bridge)).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return router
}

// healthHandler reports 200 only while the registry answers, the op
// store is reachable, and replication is not badly behind.
func healthHandler(cfg *config.CollabPod, registry *room.Registry, db storage.Database, bridge *stream.Bridge) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), healthTimeout)
		defer cancel()

		if !registryResponsive(ctx, registry) {
			unhealthy(w, "room registry unresponsive")
			return
		}
		if err := db.Ping(ctx); err != nil {
			log.WithError(err).Warn("Health check: op store unreachable")
			unhealthy(w, "op store unreachable")
			return
		}
		if bridge != nil {
			if lag := bridge.MaxLag(); lag >= cfg.StreamMaxEntries {
				unhealthy(w, "stream consumer lagging")
				return
			}
			if bridge.Degraded() {
				unhealthy(w, "stream delivery degraded")
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}
}

// registryResponsive proves the registry actor is still scheduling by
// asking it a trivial question under a deadline.
func registryResponsive(ctx context.Context, registry *room.Registry) bool {
	done := make(chan struct{})
	go func() {
		registry.Len()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

func unhealthy(w http.ResponseWriter, reason string) {
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte(reason))
}
