// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"errors"
	"strings"

	"github.com/stacklok/grantengine/pkg/config"
	"github.com/stacklok/grantengine/pkg/directory"
	grantErrors "github.com/stacklok/grantengine/pkg/errors"
	"github.com/stacklok/grantengine/pkg/grant"
	"github.com/stacklok/grantengine/pkg/logger"
)

// IssueRequest is a token request (RFC 6749 4) from an authenticated client.
type IssueRequest struct {
	GrantType grant.Type
	ClientID  string
	// Subject is the resource owner for grant types that carry one directly.
	Subject string
	Scopes  grant.Scopes

	// Code, CodeVerifier and RedirectURI apply to authorization_code.
	Code         string
	CodeVerifier string
	RedirectURI  string

	// Nonce is echoed in identity tokens of grants created by this request.
	Nonce string

	// RefreshToken applies to refresh_token.
	RefreshToken string
}

// IssueFromGrant validates req against the grant type policy, the client
// registration and the configuration, then mints and persists tokens.
func (e *Engine) IssueFromGrant(ctx context.Context, req IssueRequest) (_ *Tokens, retErr error) {
	if req.GrantType == grant.TypeRefreshToken {
		return e.Refresh(ctx, RefreshRequest{
			ClientID:     req.ClientID,
			RefreshToken: req.RefreshToken,
			Scopes:       req.Scopes,
		})
	}

	ctx, done := e.telemetry.record(ctx, opIssue, req.GrantType, &retErr)
	defer done()

	cfg, err := e.snapshot()
	if err != nil {
		return nil, err
	}
	if err := e.admit(cfg, req.GrantType, req.ClientID); err != nil {
		return nil, err
	}
	client, err := e.client(ctx, cfg, req.ClientID, req.GrantType)
	if err != nil {
		return nil, err
	}

	var out *Tokens
	if req.GrantType == grant.TypeAuthorizationCode {
		out, err = e.exchange(ctx, cfg, client, req)
	} else {
		out, err = e.issueDirect(ctx, cfg, client, req)
	}
	if err != nil {
		return nil, err
	}
	e.telemetry.issued(ctx, out.GrantType, out.minted())
	return out, nil
}

// issueDirect handles grant types that create a new grant per request.
func (e *Engine) issueDirect(
	ctx context.Context,
	cfg *config.Config,
	client *directory.Client,
	req IssueRequest,
) (*Tokens, error) {
	owner, err := e.owner(ctx, req.Subject)
	if err != nil {
		return nil, err
	}
	scopes, err := negotiateScopes(cfg, client, owner, req.Scopes)
	if err != nil {
		return nil, err
	}

	now := e.now()
	params := grant.Params{
		Type:      req.GrantType,
		ClientID:  client.ID,
		Subject:   req.Subject,
		Scopes:    scopes,
		Nonce:     req.Nonce,
		CreatedAt: now,
	}
	if req.Subject != "" {
		params.AuthTime = now
	}
	g, err := grant.New(params)
	if err != nil {
		return nil, err
	}

	out, err := e.mint(ctx, cfg, g, nil, refreshEligible(cfg, client, g))
	if err != nil {
		return nil, err
	}
	if err := e.store.Put(ctx, g); err != nil {
		return nil, err
	}

	logger.Debugw("grant created",
		"grant_id", g.ID, "grant_type", g.Type, "client_id", g.ClientID, "scopes", g.Scopes.String())
	return out, nil
}

// exchange redeems an authorization code. Client, redirect URI, PKCE and
// scope checks run before the code is consumed, so a failed attempt leaves
// the code usable by its rightful holder.
func (e *Engine) exchange(
	ctx context.Context,
	cfg *config.Config,
	client *directory.Client,
	req IssueRequest,
) (*Tokens, error) {
	if req.Code == "" {
		return nil, grantErrors.New(grantErrors.TypeInvalidRequest, "code is required", nil)
	}

	g, found, err := e.store.FindByCode(ctx, req.Code)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, grantErrors.New(grantErrors.TypeNotFound, "authorization code not found", nil)
	}
	if g.ClientID != client.ID {
		return nil, grantErrors.New(grantErrors.TypeInvalidGrant,
			"authorization code was issued to another client", nil)
	}
	if g.Code.RedirectURI != req.RedirectURI {
		return nil, grantErrors.New(grantErrors.TypeInvalidGrant,
			"redirect_uri does not match the authorization request", nil)
	}
	if err := g.Code.VerifyPKCE(req.CodeVerifier); err != nil {
		return nil, err
	}
	requested := grant.NewScopes(req.Scopes...)
	if missing := requested.Missing(g.Scopes, nil); len(missing) > 0 {
		return nil, grantErrors.Newf(grantErrors.TypeScopeExceeded,
			"requested scopes exceed grant: %s", strings.Join(missing, " "))
	}

	now := e.now()
	exchanged, err := e.store.ExchangeCode(ctx, req.Code, now)
	if err != nil {
		if errors.Is(err, grantErrors.ErrCodeAlreadyUsed) && cfg.RevokeOnCodeReuse {
			e.revokeOnReplay(ctx, g, "authorization code reuse")
		}
		return nil, err
	}

	out, err := e.mint(ctx, cfg, exchanged, requested, refreshEligible(cfg, client, exchanged))
	if err != nil {
		return nil, err
	}
	if err := e.store.AppendTokens(ctx, exchanged.ID, out.minted()...); err != nil {
		return nil, err
	}

	logger.Debugw("authorization code exchanged", "grant_id", exchanged.ID, "client_id", exchanged.ClientID)
	return out, nil
}

// revokeOnReplay revokes a grant whose credential was replayed (RFC 6749
// 4.1.2, RFC 6819 5.2.2.3). The replayed request fails either way.
func (e *Engine) revokeOnReplay(ctx context.Context, g *grant.Grant, reason string) {
	logger.Warnw("revoking grant after replay", "grant_id", g.ID, "client_id", g.ClientID, "reason", reason)
	if err := e.store.Revoke(ctx, g.ID, e.now()); err != nil {
		logger.Errorw("failed to revoke replayed grant", "grant_id", g.ID, "error", err)
		return
	}
	e.telemetry.revoked(ctx, reason)
}
