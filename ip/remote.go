// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package ip resolves the real client address of a request arriving
// through the edge relay.
package ip

import (
	"net"
	"net/http"
	"strings"
)

// RemoteAddr returns the best guess at the client's address. The edge
// relay terminates the client transport, so the forwarding headers are
// checked before the socket peer address.
func RemoteAddr(req *http.Request) string {
	candidates := []string{
		req.Header.Get("X-Forwarded-For"),
		req.Header.Get("X-Real-IP"),
		req.RemoteAddr,
	}

	addr := req.RemoteAddr
	for _, v := range candidates {
		if v != "" {
			addr = v
			break
		}
	}

	// X-Forwarded-For accumulates one hop per proxy; the client is first.
	parts := strings.Split(addr, ",")
	first := strings.TrimSpace(parts[0])
	if ip := net.ParseIP(first); ip != nil {
		return first
	}
	if host, _, err := net.SplitHostPort(first); err == nil {
		return host
	}
	return first
}
