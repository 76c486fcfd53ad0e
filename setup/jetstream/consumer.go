// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package jetstream

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// JetStreamConsumer starts a durable pull consumer on the given subject
// and feeds batches to f on a background goroutine until ctx is done.
// f returning true acks the batch; false naks it for redelivery.
func JetStreamConsumer(
	ctx context.Context, js nats.JetStreamContext, subj, durable string, batch int,
	f func(ctx context.Context, msgs []*nats.Msg) bool, opts ...nats.SubOpt,
) error {
	durable = durable + "Pull"
	sub, err := js.PullSubscribe(subj, durable, opts...)
	if err != nil {
		return errors.Wrapf(err, "pull subscribe to %q", subj)
	}
	go jetStreamConsumerWorker(ctx, sub, subj, batch, f)
	return nil
}

func jetStreamConsumerWorker(
	ctx context.Context, sub *nats.Subscription, subj string, batch int,
	f func(ctx context.Context, msgs []*nats.Msg) bool,
) {
	for {
		select {
		case <-ctx.Done():
			if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
				log.WithContext(ctx).WithError(err).Warnf("Failed to unsubscribe %q", subj)
			}
			return
		default:
		}
		msgs, err := sub.Fetch(batch, nats.Context(ctx))
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
				continue
			}
			if errors.Is(err, nats.ErrConsumerDeleted) || errors.Is(err, nats.ErrConnectionClosed) {
				return
			}
			log.WithContext(ctx).WithField("subject", subj).WithError(err).Warn("Error on pull subscriber fetch")
			continue
		}
		if len(msgs) < 1 {
			continue
		}
		for _, msg := range msgs {
			if err = msg.InProgress(nats.Context(ctx)); err != nil {
				log.WithContext(ctx).WithField("subject", subj).Warn(fmt.Sprintf("Error steadying message: %v", err))
			}
		}
		if f(ctx, msgs) {
			for _, msg := range msgs {
				if err = msg.AckSync(nats.Context(ctx)); err != nil {
					log.WithContext(ctx).WithField("subject", subj).Warn(fmt.Sprintf("Error acknowledging message: %v", err))
				}
			}
		} else {
			for _, msg := range msgs {
				if err = msg.Nak(nats.Context(ctx)); err != nil {
					log.WithContext(ctx).WithField("subject", subj).Warn(fmt.Sprintf("Error requeueing message: %v", err))
				}
			}
		}
	}
}
