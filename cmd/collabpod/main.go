// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/element-hq/collabpod/internal"
	"github.com/element-hq/collabpod/internal/caching"
	"github.com/element-hq/collabpod/internal/httputil"
	"github.com/element-hq/collabpod/room"
	"github.com/element-hq/collabpod/setup/config"
	"github.com/element-hq/collabpod/setup/jetstream"
	"github.com/element-hq/collabpod/setup/process"
	"github.com/element-hq/collabpod/storage"
	"github.com/element-hq/collabpod/stream"
)

const (
	exitUsage       = 64 // bad configuration
	exitUnavailable = 69 // a required backend is unreachable
	exitInternal    = 70 // the pod fell over at runtime
)

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	if lvl, err := log.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil {
		log.SetLevel(lvl)
	}

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Error("Invalid configuration")
		os.Exit(exitUsage)
	}

	if cfg.SentryDSN != "" {
		if err = sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			ServerName:       cfg.PodID,
			AttachStacktrace: true,
		}); err != nil {
			log.WithError(err).Error("Failed to start sentry")
			os.Exit(exitUsage)
		}
		defer sentry.Flush(2 * time.Second)
	}

	proc := process.NewProcessContext()

	db, err := storage.Open(proc.Context(), cfg.OpStoreURL)
	if err != nil {
		log.WithError(err).Error("Failed to open op store")
		os.Exit(exitUnavailable)
	}
	defer internal.CloseAndLogIfError(context.Background(), db, "failed to close op store")

	natsInstance := &jetstream.NATSInstance{}
	js, nc, err := natsInstance.Prepare(proc, cfg)
	if err != nil {
		log.WithError(err).Error("Failed to connect to replication stream")
		os.Exit(exitUnavailable)
	}
	defer nc.Close()

	snapshots, err := caching.NewRistrettoSnapshotCache(64*1024*1024, caching.DisableMetrics)
	if err != nil {
		log.WithError(err).Error("Failed to build snapshot cache")
		os.Exit(exitUsage)
	}

	bridge := stream.NewBridge(proc, cfg, js)
	registry := room.NewRegistry(proc.Context(), cfg, db, bridge, snapshots)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           httputil.Routes(proc, cfg, registry, db, bridge),
		ReadHeaderTimeout: 10 * time.Second,
	}
	var serverFailed atomic.Bool
	go func() {
		log.WithFields(log.Fields{
			"pod_id": cfg.PodID,
			"addr":   cfg.ListenAddr,
		}).Info("Pod listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP server failed")
			serverFailed.Store(true)
			proc.ShutdownCollabPod()
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigs:
		log.WithField("signal", sig.String()).Info("Shutting down")
	case <-proc.WaitForShutdown():
	}

	// Drain: refuse new sessions, tell the live ones to flush, give them
	// the drain timeout, then pull the plug.
	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout)
	defer cancel()
	_ = srv.Shutdown(drainCtx)
	registry.DrainAll(drainCtx)
	for registry.ActiveSessions() > 0 && drainCtx.Err() == nil {
		time.Sleep(100 * time.Millisecond)
	}

	proc.ShutdownCollabPod()
	if !proc.WaitForComponentsToFinish(cfg.DrainTimeout) {
		log.Warn("Components did not finish before the drain timeout")
	}
	registry.Close()
	if serverFailed.Load() {
		// The shutdown above was forced by a listener failure, not by a
		// signal; surface that to the supervisor.
		log.Error("Pod shut down after server failure")
		sentry.Flush(2 * time.Second)
		os.Exit(exitInternal)
	}
	log.Info("Pod shut down")
}
