// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package grant

import (
	"context"
	"time"
)

// Kind is the token variant.
type Kind string

const (
	// KindAccessToken is a credential presented to protected resources.
	KindAccessToken Kind = "access_token"
	// KindRefreshToken is a credential exchanged for new access tokens.
	KindRefreshToken Kind = "refresh_token"
	// KindIDToken is a signed OpenID Connect identity assertion.
	KindIDToken Kind = "id_token"
)

// Format describes how a token value is constructed.
type Format string

const (
	// FormatOpaque values are random handles that only the store can resolve.
	FormatOpaque Format = "opaque"
	// FormatJWT values are signed JSON Web Tokens.
	FormatJWT Format = "jwt"
)

// Token is a credential issued under exactly one grant.
type Token struct {
	Kind      Kind      `json:"kind"`
	Value     string    `json:"value"`
	Format    Format    `json:"format"`
	GrantID   string    `json:"grant_id"`
	Scopes    Scopes    `json:"scopes"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Revoked   bool      `json:"revoked,omitempty"`
	RevokedAt time.Time `json:"revoked_at,omitzero"`
	// Rotated is set on a refresh token that was revoked because a successor replaced it.
	Rotated bool `json:"rotated,omitempty"`
}

// Expired reports whether the token's lifetime has elapsed at now.
func (t *Token) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// Active reports whether the token would pass validation at now, ignoring the grant's state.
func (t *Token) Active(now time.Time) bool {
	return !t.Revoked && !t.Expired(now)
}

// Revoke marks the token revoked. It returns false if it already was.
func (t *Token) Revoke(now time.Time) bool {
	if t.Revoked {
		return false
	}
	t.Revoked = true
	t.RevokedAt = now
	return true
}

// Clone returns a deep copy of t.
func (t *Token) Clone() *Token {
	if t == nil {
		return nil
	}
	c := *t
	c.Scopes = t.Scopes.Clone()
	return &c
}

// Minter manufactures token values for a grant. Implementations must not
// modify the grant; the grant appends the returned token itself.
type Minter interface {
	Mint(ctx context.Context, g *Grant, kind Kind, scopes Scopes) (*Token, error)
}
