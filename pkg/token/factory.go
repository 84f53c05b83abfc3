// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package token manufactures token values for authorization grants.
//
// Access tokens, refresh tokens and authorization codes are opaque HMAC
// protected random values unless JWT access tokens are selected. Identity
// tokens are always signed JWTs. The factory holds no mutable state and is
// shared by every request; lifetimes are supplied per request through
// Factory.Minter so configuration changes apply to the next request.
package token

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	grantErrors "github.com/stacklok/grantengine/pkg/errors"
	"github.com/stacklok/grantengine/pkg/grant"
	"github.com/stacklok/grantengine/pkg/keys"
)

// Config holds the factory's fixed inputs.
type Config struct {
	// Issuer is the iss claim of every JWT.
	Issuer string
	// Keys signs identity tokens and JWT access tokens.
	Keys keys.Provider
	// HMACSecrets protect opaque values.
	HMACSecrets *keys.HMACSecrets
	// AccessTokenAudience is the aud claim of JWT access tokens.
	AccessTokenAudience []string
}

// Lifetimes are the validity periods per token kind.
type Lifetimes struct {
	AccessToken       time.Duration `mapstructure:"access_token" yaml:"access_token"`
	RefreshToken      time.Duration `mapstructure:"refresh_token" yaml:"refresh_token"`
	IDToken           time.Duration `mapstructure:"id_token" yaml:"id_token"`
	AuthorizationCode time.Duration `mapstructure:"authorization_code" yaml:"authorization_code"`
}

// For returns the lifetime of kind.
func (l Lifetimes) For(kind grant.Kind) time.Duration {
	switch kind {
	case grant.KindAccessToken:
		return l.AccessToken
	case grant.KindRefreshToken:
		return l.RefreshToken
	case grant.KindIDToken:
		return l.IDToken
	default:
		return 0
	}
}

// Policy is the per-request issuance configuration.
type Policy struct {
	Lifetimes         Lifetimes
	AccessTokenFormat grant.Format
}

// Factory mints token values.
type Factory struct {
	issuer   string
	audience []string
	keys     keys.Provider
	opaque   *opaqueGenerator
	clock    clock.PassiveClock
}

// Option configures a Factory.
type Option func(*Factory)

// WithClock sets the clock used for issuance timestamps and JWT validation.
func WithClock(c clock.PassiveClock) Option {
	return func(f *Factory) {
		f.clock = c
	}
}

// NewFactory validates cfg and returns a Factory.
func NewFactory(cfg Config, opts ...Option) (*Factory, error) {
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}
	if cfg.Keys == nil {
		return nil, fmt.Errorf("key provider is required")
	}
	opaque, err := newOpaqueGenerator(cfg.HMACSecrets)
	if err != nil {
		return nil, err
	}

	f := &Factory{
		issuer:   cfg.Issuer,
		audience: cfg.AccessTokenAudience,
		keys:     cfg.Keys,
		opaque:   opaque,
		clock:    clock.RealClock{},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Minter returns a grant.Minter applying p.
func (f *Factory) Minter(p Policy) grant.Minter {
	return &minter{factory: f, policy: p}
}

// NewCode creates an authorization code valid for lifetime.
func (f *Factory) NewCode(ctx context.Context, lifetime time.Duration) (*grant.AuthorizationCode, error) {
	if lifetime <= 0 {
		return nil, generationFailure("authorization code", fmt.Errorf("lifetime must be positive, got %s", lifetime))
	}
	value, err := f.opaque.generate(ctx)
	if err != nil {
		return nil, generationFailure("authorization code", err)
	}
	now := f.now()
	return &grant.AuthorizationCode{
		Value:     value,
		State:     grant.CodeIssued,
		IssuedAt:  now,
		ExpiresAt: now.Add(lifetime),
	}, nil
}

// Validate reports whether value is structurally a token this factory could
// have minted: an opaque value with a valid HMAC or a JWT with a valid
// signature, issuer and lifetime. It does not consult any store.
func (f *Factory) Validate(ctx context.Context, value string) error {
	if strings.Count(value, ".") == 2 {
		_, err := f.VerifyJWT(ctx, value)
		return err
	}
	return f.opaque.validate(ctx, value)
}

func (f *Factory) now() time.Time {
	return f.clock.Now().UTC()
}

type minter struct {
	factory *Factory
	policy  Policy
}

// Mint implements grant.Minter.
func (m *minter) Mint(ctx context.Context, g *grant.Grant, kind grant.Kind, scopes grant.Scopes) (*grant.Token, error) {
	lifetime := m.policy.Lifetimes.For(kind)
	if lifetime <= 0 {
		return nil, generationFailure(string(kind), fmt.Errorf("lifetime must be positive, got %s", lifetime))
	}

	now := m.factory.now()
	t := &grant.Token{
		Kind:      kind,
		Format:    grant.FormatOpaque,
		GrantID:   g.ID,
		Scopes:    scopes.Clone(),
		IssuedAt:  now,
		ExpiresAt: now.Add(lifetime),
	}

	var err error
	switch {
	case kind == grant.KindIDToken:
		t.Format = grant.FormatJWT
		t.Value, err = m.factory.signIDToken(ctx, g, t)
	case kind == grant.KindAccessToken && m.policy.AccessTokenFormat == grant.FormatJWT:
		t.Format = grant.FormatJWT
		t.Value, err = m.factory.signAccessToken(ctx, g, t)
	default:
		t.Value, err = m.factory.opaque.generate(ctx)
	}
	if err != nil {
		return nil, generationFailure(string(kind), err)
	}
	return t, nil
}

func generationFailure(what string, cause error) error {
	return grantErrors.New(grantErrors.TypeTokenGenerationFailure, "failed to mint "+what, cause)
}

func newJTI() string {
	return uuid.NewString()
}
