// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package grant models authorization grants, the tokens issued under them and
// the per-grant-type issuance policy.
//
// A Grant is a tagged variant: its Type selects a row of the policy table
// (see CapabilitiesFor) and every protocol restriction, such as refusing a
// refresh token for client_credentials, is decided from that row.
//
// Grant values are not safe for concurrent mutation. Engines mutate private
// copies (see Clone) and commit them through a grant store.
package grant

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	grantErrors "github.com/stacklok/grantengine/pkg/errors"
)

// Grant is a server-side record of one authorization decision.
type Grant struct {
	ID        string             `json:"id"`
	Type      Type               `json:"grant_type"`
	ClientID  string             `json:"client_id"`
	Subject   string             `json:"subject,omitempty"`
	Scopes    Scopes             `json:"scopes"`
	Tokens    []*Token           `json:"tokens,omitempty"`
	Code      *AuthorizationCode `json:"code,omitempty"`
	Nonce     string             `json:"nonce,omitempty"`
	AuthTime  time.Time          `json:"auth_time,omitzero"`
	Revoked   bool               `json:"revoked,omitempty"`
	RevokedAt time.Time          `json:"revoked_at,omitzero"`
	CreatedAt time.Time          `json:"created_at"`
}

// Params holds the identity of a new grant.
type Params struct {
	// ID is generated when empty.
	ID       string
	Type     Type
	ClientID string
	// Subject identifies the resource owner; empty means absent.
	Subject string
	Scopes  Scopes
	// Code is required for authorization_code grants and rejected otherwise.
	Code      *AuthorizationCode
	Nonce     string
	AuthTime  time.Time
	CreatedAt time.Time
}

// New validates params against the policy table and returns a grant with no tokens.
func New(p Params) (*Grant, error) {
	caps, err := CapabilitiesFor(p.Type)
	if err != nil {
		return nil, err
	}
	if p.ClientID == "" {
		return nil, grantErrors.New(grantErrors.TypeInvalidGrantConstruction, "client is required", nil)
	}
	if caps.RequiresResourceOwner && p.Subject == "" {
		return nil, grantErrors.Newf(grantErrors.TypeInvalidGrantConstruction,
			"grant type %s requires a resource owner", p.Type)
	}
	if caps.ForbidsResourceOwner && p.Subject != "" {
		return nil, grantErrors.Newf(grantErrors.TypeInvalidGrantConstruction,
			"grant type %s must not carry a resource owner", p.Type)
	}
	switch {
	case caps.CodeIsSingleUse && p.Code == nil:
		return nil, grantErrors.Newf(grantErrors.TypeInvalidGrantConstruction,
			"grant type %s requires an authorization code", p.Type)
	case !caps.CodeIsSingleUse && p.Code != nil:
		return nil, grantErrors.Newf(grantErrors.TypeInvalidGrantConstruction,
			"grant type %s does not use an authorization code", p.Type)
	case p.Code != nil && p.Code.State != CodeIssued:
		return nil, grantErrors.New(grantErrors.TypeInvalidGrantConstruction,
			"authorization code must start in the issued state", nil)
	case caps.RequiresPKCE && p.Code != nil && p.Code.CodeChallenge == "":
		return nil, grantErrors.Newf(grantErrors.TypeInvalidGrantConstruction,
			"grant type %s requires a PKCE code challenge", p.Type)
	}

	id := p.ID
	if id == "" {
		id = uuid.NewString()
	}
	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	return &Grant{
		ID:        id,
		Type:      p.Type,
		ClientID:  p.ClientID,
		Subject:   p.Subject,
		Scopes:    NewScopes(p.Scopes...),
		Code:      p.Code.Clone(),
		Nonce:     p.Nonce,
		AuthTime:  p.AuthTime,
		CreatedAt: createdAt,
	}, nil
}

// Capabilities returns the policy row for the grant's type.
func (g *Grant) Capabilities() (Capabilities, error) {
	return CapabilitiesFor(g.Type)
}

// HasResourceOwner reports whether the grant names a resource owner.
func (g *Grant) HasResourceOwner() bool {
	return g.Subject != ""
}

// IsOpenID reports whether the negotiated scopes select the OpenID Connect profile.
func (g *Grant) IsOpenID() bool {
	return g.Scopes.Has(ScopeOpenID)
}

// CreateAccessToken mints an access token for requested, which must be a subset
// of the grant's scopes. An empty request means all of the grant's scopes.
func (g *Grant) CreateAccessToken(ctx context.Context, m Minter, requested Scopes) (*Token, error) {
	if err := g.checkUsable(); err != nil {
		return nil, err
	}
	scopes := g.Scopes.Clone()
	if len(requested) > 0 {
		requested = NewScopes(requested...)
		if missing := requested.Missing(g.Scopes, nil); len(missing) > 0 {
			return nil, grantErrors.Newf(grantErrors.TypeScopeExceeded,
				"requested scopes exceed grant: %s", strings.Join(missing, " "))
		}
		scopes = requested
	}
	return g.mint(ctx, m, KindAccessToken, scopes)
}

// CreateRefreshToken mints a refresh token when the grant type allows one.
func (g *Grant) CreateRefreshToken(ctx context.Context, m Minter) (*Token, error) {
	caps, err := g.Capabilities()
	if err != nil {
		return nil, err
	}
	if !caps.AllowsRefreshToken {
		return nil, grantErrors.Newf(grantErrors.TypeUnsupportedOperation,
			"the authorization server MUST NOT issue a refresh token for grant type %s", g.Type)
	}
	if err := g.checkUsable(); err != nil {
		return nil, err
	}
	return g.mint(ctx, m, KindRefreshToken, g.Scopes.Clone())
}

// CreateIDToken mints an identity token. It only applies to OpenID Connect
// grants that name a resource owner.
func (g *Grant) CreateIDToken(ctx context.Context, m Minter) (*Token, error) {
	if !g.IsOpenID() {
		return nil, grantErrors.New(grantErrors.TypeNotApplicable,
			"identity tokens require the openid scope", nil)
	}
	if !g.HasResourceOwner() {
		return nil, grantErrors.New(grantErrors.TypeNotApplicable,
			"identity tokens require a resource owner", nil)
	}
	if err := g.checkUsable(); err != nil {
		return nil, err
	}
	return g.mint(ctx, m, KindIDToken, g.Scopes.Clone())
}

// Revoke marks the grant and every token issued under it revoked, and moves
// an unredeemed code to CodeRevoked. It returns false if the grant was already revoked.
func (g *Grant) Revoke(now time.Time) bool {
	if g.Revoked {
		return false
	}
	g.Revoked = true
	g.RevokedAt = now
	for _, t := range g.Tokens {
		t.Revoke(now)
	}
	if g.Code != nil && g.Code.State == CodeIssued {
		g.Code.State = CodeRevoked
	}
	return true
}

// AppendToken records t in issuance order. Tokens with equal IssuedAt keep
// their append order.
func (g *Grant) AppendToken(t *Token) error {
	if t.GrantID != g.ID {
		return fmt.Errorf("token belongs to grant %s, not %s", t.GrantID, g.ID)
	}
	if !t.ExpiresAt.After(t.IssuedAt) {
		return fmt.Errorf("token expiry %s is not after issuance %s", t.ExpiresAt, t.IssuedAt)
	}
	if t.Kind == KindRefreshToken {
		caps, err := g.Capabilities()
		if err != nil {
			return err
		}
		if !caps.AllowsRefreshToken {
			return grantErrors.Newf(grantErrors.TypeUnsupportedOperation,
				"the authorization server MUST NOT issue a refresh token for grant type %s", g.Type)
		}
	}
	i := len(g.Tokens)
	for i > 0 && g.Tokens[i-1].IssuedAt.After(t.IssuedAt) {
		i--
	}
	g.Tokens = slices.Insert(g.Tokens, i, t)
	return nil
}

// Token returns the token with the given value.
func (g *Grant) Token(value string) (*Token, bool) {
	for _, t := range g.Tokens {
		if t.Value == value {
			return t, true
		}
	}
	return nil, false
}

// Latest returns the most recently issued token of kind.
func (g *Grant) Latest(kind Kind) (*Token, bool) {
	for i := len(g.Tokens) - 1; i >= 0; i-- {
		if g.Tokens[i].Kind == kind {
			return g.Tokens[i], true
		}
	}
	return nil, false
}

// Clone returns a deep copy of g.
func (g *Grant) Clone() *Grant {
	if g == nil {
		return nil
	}
	c := *g
	c.Scopes = g.Scopes.Clone()
	c.Code = g.Code.Clone()
	if g.Tokens != nil {
		c.Tokens = make([]*Token, len(g.Tokens))
		for i, t := range g.Tokens {
			c.Tokens[i] = t.Clone()
		}
	}
	return &c
}

func (g *Grant) checkUsable() error {
	if g.Revoked {
		return grantErrors.Newf(grantErrors.TypeInvalidGrant, "grant %s is revoked", g.ID)
	}
	return nil
}

func (g *Grant) mint(ctx context.Context, m Minter, kind Kind, scopes Scopes) (*Token, error) {
	t, err := m.Mint(ctx, g, kind, scopes)
	if err != nil {
		return nil, err
	}
	if err := g.AppendToken(t); err != nil {
		return nil, grantErrors.New(grantErrors.TypeTokenGenerationFailure, "minted token rejected", err)
	}
	return t, nil
}
