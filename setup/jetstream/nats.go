// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package jetstream

import (
	"sync"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	natsclient "github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/element-hq/collabpod/setup/config"
	"github.com/element-hq/collabpod/setup/process"
)

// NATSInstance holds the embedded NATS server, when one is running. With
// an external STREAM_URL the instance stays empty and Prepare just
// connects out.
type NATSInstance struct {
	*natsserver.Server
	nc *natsclient.Conn
	js natsclient.JetStreamContext

	mu sync.Mutex
}

// Prepare connects to the replicated stream, starting an embedded
// JetStream server first if no external URL is configured. It also
// ensures the pod's stream exists with the configured retention.
func (s *NATSInstance) Prepare(process *process.ProcessContext, cfg *config.CollabPod) (natsclient.JetStreamContext, *natsclient.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.js != nil {
		return s.js, s.nc, nil
	}

	if cfg.StreamURL == "" {
		if s.Server == nil {
			var err error
			s.Server, err = natsserver.NewServer(&natsserver.Options{
				ServerName: "collabpod-nats",
				DontListen: true,
				JetStream:  true,
				StoreDir:   cfg.StreamStoreDir,
				NoSigs:     true,
				NoLog:      false,
			})
			if err != nil {
				return nil, nil, errors.Wrap(err, "starting embedded stream server")
			}
			s.Server.SetLogger(NewLogAdapter(), cfg.StreamLogVerbose, false)
			go s.Server.Start()
		}
		if !s.Server.ReadyForConnections(time.Second * 60) {
			return nil, nil, errors.New("embedded stream server timed out waiting for connections")
		}
		process.ComponentStarted()
		go func() {
			<-process.WaitForShutdown()
			s.Server.Shutdown()
			s.Server.WaitForShutdown()
			process.ComponentFinished()
		}()
		nc, err := natsclient.Connect("", natsclient.InProcessServer(s.Server))
		if err != nil {
			return nil, nil, errors.Wrap(err, "connecting to embedded stream server")
		}
		return s.setup(nc, cfg)
	}

	nc, err := natsclient.Connect(cfg.StreamURL,
		natsclient.MaxReconnects(-1),
		natsclient.ReconnectWait(time.Second),
		natsclient.DisconnectErrHandler(func(_ *natsclient.Conn, err error) {
			log.WithError(err).Warn("Stream connection lost, reconnecting")
		}),
		natsclient.ReconnectHandler(func(_ *natsclient.Conn) {
			log.Info("Stream connection re-established")
		}),
	)
	if err != nil {
		return nil, nil, errors.Wrap(err, "connecting to stream server")
	}
	return s.setup(nc, cfg)
}

func (s *NATSInstance) setup(nc *natsclient.Conn, cfg *config.CollabPod) (natsclient.JetStreamContext, *natsclient.Conn, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, nil, errors.Wrap(err, "opening JetStream context")
	}
	if err = ensureStream(js, cfg); err != nil {
		return nil, nil, err
	}
	s.nc = nc
	s.js = js
	return js, nc, nil
}

// ensureStream creates or updates the replication stream. Retention is
// per room because every room publishes on its own subject.
func ensureStream(js natsclient.JetStreamContext, cfg *config.CollabPod) error {
	streamCfg := &natsclient.StreamConfig{
		Name:              StreamName,
		Subjects:          []string{SubjectPrefix + ".>"},
		Retention:         natsclient.LimitsPolicy,
		Storage:           natsclient.FileStorage,
		MaxMsgsPerSubject: cfg.StreamMaxEntries,
		MaxAge:            cfg.StreamMaxAge,
	}
	info, err := js.StreamInfo(StreamName)
	switch {
	case errors.Is(err, natsclient.ErrStreamNotFound):
		if _, err = js.AddStream(streamCfg); err != nil {
			return errors.Wrap(err, "creating replication stream")
		}
		log.WithField("stream", StreamName).Info("Created replication stream")
	case err != nil:
		return errors.Wrap(err, "inspecting replication stream")
	default:
		if info.Config.MaxMsgsPerSubject != streamCfg.MaxMsgsPerSubject || info.Config.MaxAge != streamCfg.MaxAge {
			if _, err = js.UpdateStream(streamCfg); err != nil {
				return errors.Wrap(err, "updating replication stream retention")
			}
		}
	}
	return nil
}
