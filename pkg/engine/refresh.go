// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"

	grantErrors "github.com/stacklok/grantengine/pkg/errors"
	"github.com/stacklok/grantengine/pkg/grant"
	"github.com/stacklok/grantengine/pkg/logger"
)

// RefreshRequest exchanges a refresh token for new tokens (RFC 6749 6).
type RefreshRequest struct {
	ClientID     string
	RefreshToken string
	// Scopes narrows the new access token. Empty keeps the grant's scopes.
	Scopes grant.Scopes
}

// Refresh issues a new access token under the refresh token's grant. With
// rotation enabled the presented refresh token is retired and replaced, and
// presenting a retired token again revokes the whole grant.
func (e *Engine) Refresh(ctx context.Context, req RefreshRequest) (_ *Tokens, retErr error) {
	ctx, done := e.telemetry.record(ctx, opRefresh, grant.TypeRefreshToken, &retErr)
	defer done()

	cfg, err := e.snapshot()
	if err != nil {
		return nil, err
	}
	if err := e.admit(cfg, grant.TypeRefreshToken, req.ClientID); err != nil {
		return nil, err
	}
	if req.RefreshToken == "" {
		return nil, grantErrors.New(grantErrors.TypeInvalidRequest, "refresh_token is required", nil)
	}
	client, err := e.client(ctx, cfg, req.ClientID, grant.TypeRefreshToken)
	if err != nil {
		return nil, err
	}

	rec, found, err := e.store.FindByToken(ctx, req.RefreshToken)
	if err != nil {
		return nil, err
	}
	if !found || rec.Token.Kind != grant.KindRefreshToken {
		return nil, grantErrors.New(grantErrors.TypeInvalidGrant, "refresh token is not recognized", nil)
	}
	g, old := rec.Grant, rec.Token
	if g.ClientID != req.ClientID {
		return nil, grantErrors.New(grantErrors.TypeInvalidGrant, "refresh token was issued to another client", nil)
	}

	now := e.now()
	switch {
	case old.Rotated && !g.Revoked:
		e.revokeOnReplay(ctx, g, "refresh token reuse")
		return nil, grantErrors.New(grantErrors.TypeInvalidGrant, "refresh token reuse detected", nil)
	case g.Revoked:
		return nil, grantErrors.Newf(grantErrors.TypeInvalidGrant, "grant %s is revoked", g.ID)
	case !old.Active(now):
		return nil, grantErrors.New(grantErrors.TypeInvalidGrant, "refresh token is expired or revoked", nil)
	}

	rotate := cfg.RefreshTokenRotation
	out, err := e.mint(ctx, cfg, g, req.Scopes, rotate && refreshEligible(cfg, client, g))
	if err != nil {
		return nil, err
	}

	minted := out.minted()
	if rotate {
		if _, err := e.store.RotateRefreshToken(ctx, req.RefreshToken, now, minted...); err != nil {
			return nil, err
		}
	} else {
		if err := e.store.AppendTokens(ctx, g.ID, minted...); err != nil {
			return nil, err
		}
		out.RefreshToken = old.Clone()
	}

	logger.Debugw("refresh token redeemed", "grant_id", g.ID, "client_id", g.ClientID, "rotated", rotate)
	e.telemetry.issued(ctx, g.Type, minted)
	return out, nil
}
