// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package engine decides whether to mint access, refresh and identity tokens
// for a grant request and commits the outcome to a grant store.
//
// The engine keeps no grant state of its own. Every request takes one
// configuration snapshot, resolves the client and resource owner through the
// directory, mints tokens on a private copy of the grant and persists them
// with a single store operation. Concurrent requests against the same grant
// are serialized by the store: an authorization code is exchanged once and a
// refresh token is rotated once, no matter how many callers race.
package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"k8s.io/utils/clock"

	"github.com/stacklok/grantengine/pkg/config"
	"github.com/stacklok/grantengine/pkg/directory"
	grantErrors "github.com/stacklok/grantengine/pkg/errors"
	"github.com/stacklok/grantengine/pkg/grant"
	"github.com/stacklok/grantengine/pkg/storage"
	"github.com/stacklok/grantengine/pkg/token"
)

// Engine issues, refreshes, revokes and introspects tokens.
type Engine struct {
	store     storage.GrantStore
	directory directory.Directory
	factory   *token.Factory
	config    config.Provider
	clock     clock.PassiveClock
	limiter   *clientLimiter
	telemetry *instruments

	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the clock used for issuance, expiry and revocation times.
func WithClock(c clock.PassiveClock) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithMeterProvider sets the meter provider. Defaults to the global provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(e *Engine) {
		e.meterProvider = mp
	}
}

// WithTracerProvider sets the tracer provider. Defaults to the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) {
		e.tracerProvider = tp
	}
}

// New returns an Engine over its collaborators.
func New(
	store storage.GrantStore,
	dir directory.Directory,
	factory *token.Factory,
	cfg config.Provider,
	opts ...Option,
) (*Engine, error) {
	switch {
	case store == nil:
		return nil, fmt.Errorf("grant store is required")
	case dir == nil:
		return nil, fmt.Errorf("directory is required")
	case factory == nil:
		return nil, fmt.Errorf("token factory is required")
	case cfg == nil:
		return nil, fmt.Errorf("config provider is required")
	}

	e := &Engine{
		store:     store,
		directory: dir,
		factory:   factory,
		config:    cfg,
		clock:     clock.RealClock{},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.meterProvider == nil {
		e.meterProvider = otel.GetMeterProvider()
	}
	if e.tracerProvider == nil {
		e.tracerProvider = otel.GetTracerProvider()
	}

	inst, err := newInstruments(e.meterProvider, e.tracerProvider)
	if err != nil {
		return nil, err
	}
	e.telemetry = inst
	e.limiter = newClientLimiter(limiterIdleTTL)
	return e, nil
}

// Tokens is the outcome of a successful issuance.
type Tokens struct {
	GrantID   string
	GrantType grant.Type
	Scopes    grant.Scopes

	AccessToken *grant.Token
	// RefreshToken is nil when the grant type or client is not eligible.
	RefreshToken *grant.Token
	// IDToken is set for OpenID Connect grants with a resource owner.
	IDToken *grant.Token
}

func (t *Tokens) minted() []*grant.Token {
	out := make([]*grant.Token, 0, 3)
	for _, tok := range []*grant.Token{t.AccessToken, t.IDToken, t.RefreshToken} {
		if tok != nil {
			out = append(out, tok)
		}
	}
	return out
}

func (e *Engine) now() time.Time {
	return e.clock.Now().UTC()
}

// snapshot returns the configuration for one request.
func (e *Engine) snapshot() (*config.Config, error) {
	cfg := e.config.GetConfig()
	if cfg == nil {
		return nil, fmt.Errorf("no configuration available")
	}
	return cfg, nil
}

// admit applies the checks common to every issuing request.
func (e *Engine) admit(cfg *config.Config, t grant.Type, clientID string) error {
	if _, err := grant.ParseType(string(t)); err != nil {
		return err
	}
	if !cfg.GrantTypeEnabled(t) {
		return grantErrors.Newf(grantErrors.TypeUnsupportedGrantType, "grant type %s is not enabled", t)
	}
	if clientID == "" {
		return grantErrors.New(grantErrors.TypeInvalidRequest, "client_id is required", nil)
	}
	return nil
}

// client resolves clientID, checks its registration for t and charges its
// rate limit bucket.
func (e *Engine) client(
	ctx context.Context,
	cfg *config.Config,
	clientID string,
	t grant.Type,
) (*directory.Client, error) {
	client, err := e.directory.GetClient(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if !client.AllowsGrantType(t) {
		return nil, grantErrors.Newf(grantErrors.TypeUnauthorizedClient,
			"client %s is not registered for grant type %s", clientID, t)
	}
	if err := e.limiter.allow(cfg.RateLimit, client.ID, e.clock.Now()); err != nil {
		return nil, err
	}
	return client, nil
}

func (e *Engine) owner(ctx context.Context, subject string) (*directory.ResourceOwner, error) {
	if subject == "" {
		return nil, nil
	}
	return e.directory.GetResourceOwner(ctx, subject)
}

// negotiateScopes returns the scopes to grant. An explicit request must be
// covered by the client registration, the server allow list and the owner's
// authorization; an empty request takes the client's scopes narrowed by the
// other two.
func negotiateScopes(
	cfg *config.Config,
	client *directory.Client,
	owner *directory.ResourceOwner,
	requested grant.Scopes,
) (grant.Scopes, error) {
	strategy := grant.ScopeStrategy(cfg.ScopeStrategy)
	supported := grant.NewScopes(cfg.SupportedScopes...)

	bounds := []struct {
		name   string
		scopes grant.Scopes
		active bool
	}{
		{"client " + client.ID, client.Scopes, true},
		{"server", supported, len(supported) > 0},
		{"resource owner", scopesOf(owner), owner != nil && owner.Restricts()},
	}

	if len(requested) == 0 {
		scopes := client.Scopes.Clone()
		for _, b := range bounds[1:] {
			if b.active {
				scopes = scopes.Filter(b.scopes, strategy)
			}
		}
		return scopes, nil
	}

	scopes := grant.NewScopes(requested...)
	for _, b := range bounds {
		if !b.active {
			continue
		}
		if missing := scopes.Missing(b.scopes, strategy); len(missing) > 0 {
			return nil, grantErrors.Newf(grantErrors.TypeScopeExceeded,
				"scopes not authorized by %s: %s", b.name, strings.Join(missing, " "))
		}
	}
	return scopes, nil
}

func scopesOf(owner *directory.ResourceOwner) grant.Scopes {
	if owner == nil {
		return nil
	}
	return owner.Scopes
}

// refreshEligible reports whether a refresh token accompanies the access token.
func refreshEligible(cfg *config.Config, client *directory.Client, g *grant.Grant) bool {
	caps, err := g.Capabilities()
	if err != nil || !caps.AllowsRefreshToken {
		return false
	}
	return cfg.GrantTypeEnabled(grant.TypeRefreshToken) && client.AllowsGrantType(grant.TypeRefreshToken)
}

// mint creates the token set for g on a private copy and returns the copy
// with the tokens appended.
func (e *Engine) mint(
	ctx context.Context,
	cfg *config.Config,
	g *grant.Grant,
	requested grant.Scopes,
	withRefresh bool,
) (*Tokens, error) {
	m := e.factory.Minter(cfg.TokenPolicy())
	out := &Tokens{GrantID: g.ID, GrantType: g.Type}

	access, err := g.CreateAccessToken(ctx, m, requested)
	if err != nil {
		return nil, err
	}
	out.AccessToken = access
	out.Scopes = access.Scopes.Clone()

	if g.IsOpenID() && g.HasResourceOwner() {
		id, err := g.CreateIDToken(ctx, m)
		if err != nil {
			return nil, err
		}
		out.IDToken = id
	}

	if withRefresh {
		refresh, err := g.CreateRefreshToken(ctx, m)
		if err != nil {
			return nil, err
		}
		out.RefreshToken = refresh
	}
	return out, nil
}
