// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"time"

	grantErrors "github.com/stacklok/grantengine/pkg/errors"
	"github.com/stacklok/grantengine/pkg/grant"
	"github.com/stacklok/grantengine/pkg/logger"
)

// AuthorizeRequest is an approved authorization request (RFC 6749 4.1.1)
// for which a code is to be issued.
type AuthorizeRequest struct {
	ClientID string
	Subject  string
	Scopes   grant.Scopes
	// RedirectURI may be empty when the client registered exactly one.
	RedirectURI         string
	CodeChallenge       string
	CodeChallengeMethod string
	Nonce               string
	// AuthTime is when the resource owner authenticated. Defaults to now.
	AuthTime time.Time
}

// Authorization is the issued code and the grant it belongs to.
type Authorization struct {
	Code        string
	GrantID     string
	RedirectURI string
	Scopes      grant.Scopes
	ExpiresAt   time.Time
}

// Authorize creates an authorization_code grant and returns its code.
func (e *Engine) Authorize(ctx context.Context, req AuthorizeRequest) (_ *Authorization, retErr error) {
	ctx, done := e.telemetry.record(ctx, opAuthorize, grant.TypeAuthorizationCode, &retErr)
	defer done()

	cfg, err := e.snapshot()
	if err != nil {
		return nil, err
	}
	if err := e.admit(cfg, grant.TypeAuthorizationCode, req.ClientID); err != nil {
		return nil, err
	}
	client, err := e.client(ctx, cfg, req.ClientID, grant.TypeAuthorizationCode)
	if err != nil {
		return nil, err
	}

	redirectURI, ok := client.ResolveRedirectURI(req.RedirectURI)
	if !ok {
		return nil, grantErrors.New(grantErrors.TypeInvalidRequest,
			"redirect_uri is not registered for the client", nil)
	}
	switch {
	case req.CodeChallenge == "":
		return nil, grantErrors.New(grantErrors.TypeInvalidRequest, "code_challenge is required", nil)
	case req.CodeChallengeMethod != grant.PKCEMethodS256:
		return nil, grantErrors.Newf(grantErrors.TypeInvalidRequest,
			"code_challenge_method must be %s", grant.PKCEMethodS256)
	}
	if req.Subject == "" {
		return nil, grantErrors.New(grantErrors.TypeInvalidGrantConstruction,
			"grant type authorization_code requires a resource owner", nil)
	}

	owner, err := e.owner(ctx, req.Subject)
	if err != nil {
		return nil, err
	}
	scopes, err := negotiateScopes(cfg, client, owner, req.Scopes)
	if err != nil {
		return nil, err
	}

	code, err := e.factory.NewCode(ctx, cfg.Lifetimes.AuthorizationCode)
	if err != nil {
		return nil, err
	}
	// The code is bound to the redirect URI as sent, so an omitted URI must
	// also be omitted at exchange (RFC 6749 4.1.3).
	code.RedirectURI = req.RedirectURI
	code.CodeChallenge = req.CodeChallenge
	code.CodeChallengeMethod = req.CodeChallengeMethod

	now := e.now()
	authTime := req.AuthTime
	if authTime.IsZero() {
		authTime = now
	}
	g, err := grant.New(grant.Params{
		Type:      grant.TypeAuthorizationCode,
		ClientID:  client.ID,
		Subject:   req.Subject,
		Scopes:    scopes,
		Code:      code,
		Nonce:     req.Nonce,
		AuthTime:  authTime,
		CreatedAt: now,
	})
	if err != nil {
		return nil, err
	}
	if err := e.store.Put(ctx, g); err != nil {
		return nil, err
	}

	logger.Debugw("authorization code issued",
		"grant_id", g.ID, "client_id", g.ClientID, "scopes", g.Scopes.String())
	return &Authorization{
		Code:        code.Value,
		GrantID:     g.ID,
		RedirectURI: redirectURI,
		Scopes:      g.Scopes.Clone(),
		ExpiresAt:   code.ExpiresAt,
	}, nil
}
