// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"time"

	grantErrors "github.com/stacklok/grantengine/pkg/errors"
	"github.com/stacklok/grantengine/pkg/grant"
	"github.com/stacklok/grantengine/pkg/logger"
	"github.com/stacklok/grantengine/pkg/storage"
)

// Revoke invalidates a token (RFC 7009). Revoking a refresh token revokes its
// whole grant; revoking an access or identity token affects that token only.
// An authorization code value retires the code so it can no longer be
// exchanged, leaving tokens already issued under its grant untouched; it is
// counted under the "authorization_code" revocation reason. Unknown values
// are not an error.
func (e *Engine) Revoke(ctx context.Context, value string) (retErr error) {
	ctx, done := e.telemetry.record(ctx, opRevoke, "", &retErr)
	defer done()

	if value == "" {
		return grantErrors.New(grantErrors.TypeInvalidRequest, "token is required", nil)
	}
	rec, found, err := e.store.FindByToken(ctx, value)
	if err != nil {
		return err
	}
	if !found {
		return e.revokeCode(ctx, value)
	}

	target, reason := value, string(rec.Token.Kind)
	if rec.Token.Kind == grant.KindRefreshToken {
		target, reason = rec.Grant.ID, "refresh_token cascade"
	}
	if err := e.store.Revoke(ctx, target, e.now()); err != nil {
		return err
	}
	logger.Debugw("token revoked", "grant_id", rec.Grant.ID, "kind", rec.Token.Kind)
	e.telemetry.revoked(ctx, reason)
	return nil
}

// revokeCode retires value when it is an authorization code.
func (e *Engine) revokeCode(ctx context.Context, value string) error {
	g, found, err := e.store.FindByCode(ctx, value)
	if err != nil {
		return err
	}
	if !found {
		logger.Debugw("revocation of unknown token ignored")
		return nil
	}
	if err := e.store.Revoke(ctx, value, e.now()); err != nil {
		return err
	}
	logger.Debugw("authorization code revoked", "grant_id", g.ID, "client_id", g.ClientID)
	e.telemetry.revoked(ctx, storage.EntryCode)
	return nil
}

// RevokeGrant revokes a grant with every token and the code issued under it.
func (e *Engine) RevokeGrant(ctx context.Context, grantID string) (retErr error) {
	ctx, done := e.telemetry.record(ctx, opRevokeGrant, "", &retErr)
	defer done()

	if _, err := e.store.Get(ctx, grantID); err != nil {
		return err
	}
	if err := e.store.Revoke(ctx, grantID, e.now()); err != nil {
		return err
	}
	logger.Debugw("grant revoked", "grant_id", grantID)
	e.telemetry.revoked(ctx, "grant")
	return nil
}

// Introspection is token metadata (RFC 7662). Only Active is set for tokens
// that are unknown, expired or revoked.
type Introspection struct {
	Active    bool
	Kind      grant.Kind
	Scopes    grant.Scopes
	ClientID  string
	Subject   string
	GrantType grant.Type
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Introspect reports whether value is an active token and describes it.
func (e *Engine) Introspect(ctx context.Context, value string) (_ *Introspection, retErr error) {
	ctx, done := e.telemetry.record(ctx, opIntrospect, "", &retErr)
	defer done()

	inactive := &Introspection{}
	if value == "" {
		return inactive, nil
	}
	// Values this factory could not have minted never reach the store.
	if err := e.factory.Validate(ctx, value); err != nil {
		return inactive, nil
	}
	rec, found, err := e.store.FindByToken(ctx, value)
	if err != nil {
		return nil, err
	}
	if !found || rec.Grant.Revoked || !rec.Token.Active(e.now()) {
		return inactive, nil
	}

	return &Introspection{
		Active:    true,
		Kind:      rec.Token.Kind,
		Scopes:    rec.Token.Scopes.Clone(),
		ClientID:  rec.Grant.ClientID,
		Subject:   rec.Grant.Subject,
		GrantType: rec.Grant.Type,
		IssuedAt:  rec.Token.IssuedAt,
		ExpiresAt: rec.Token.ExpiresAt,
	}, nil
}

// Sweep expires overdue codes and tokens in the store.
func (e *Engine) Sweep(ctx context.Context) (_ []storage.Expired, retErr error) {
	ctx, done := e.telemetry.record(ctx, opSweep, "", &retErr)
	defer done()

	expired, err := e.store.SweepExpired(ctx, e.now())
	if err != nil {
		return nil, err
	}
	e.telemetry.expired(ctx, expired)
	if len(expired) > 0 {
		logger.Debugw("expired entries swept", "count", len(expired))
	}
	return expired, nil
}
