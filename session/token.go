// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package session

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/element-hq/collabpod/types"
)

// EdgeClaims is the session token payload minted by the edge relay. The
// edge is trusted for identity; the pod only re-checks the signature.
type EdgeClaims struct {
	RoomID string `json:"rid"`
	jwt.RegisteredClaims
}

// VerifyEdgeToken checks the HMAC signature and extracts the user and
// room the edge authorised. Any failure maps to ErrUnauthorized.
func VerifyEdgeToken(secret, token string) (*EdgeClaims, error) {
	parsed, err := jwt.ParseWithClaims(token, &EdgeClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrUnauthorized, err)
	}
	claims, ok := parsed.Claims.(*EdgeClaims)
	if !ok || claims.Subject == "" || claims.RoomID == "" {
		return nil, fmt.Errorf("%w: token missing subject or room", types.ErrUnauthorized)
	}
	return claims, nil
}
