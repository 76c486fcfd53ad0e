// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package jetstream

import (
	log "github.com/sirupsen/logrus"
)

// LogAdapter routes embedded NATS server logging through logrus.
type LogAdapter struct {
	entry *log.Entry
}

func NewLogAdapter() *LogAdapter {
	return &LogAdapter{
		entry: log.WithField("component", "jetstream"),
	}
}

func (l *LogAdapter) Noticef(format string, v ...interface{}) {
	l.entry.Infof(format, v...)
}

func (l *LogAdapter) Warnf(format string, v ...interface{}) {
	l.entry.Warnf(format, v...)
}

func (l *LogAdapter) Fatalf(format string, v ...interface{}) {
	l.entry.Fatalf(format, v...)
}

func (l *LogAdapter) Errorf(format string, v ...interface{}) {
	l.entry.Errorf(format, v...)
}

func (l *LogAdapter) Debugf(format string, v ...interface{}) {
	l.entry.Debugf(format, v...)
}

func (l *LogAdapter) Tracef(format string, v ...interface{}) {
	l.entry.Tracef(format, v...)
}
