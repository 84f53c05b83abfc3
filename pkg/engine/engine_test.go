// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/mock/gomock"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/stacklok/grantengine/pkg/config"
	"github.com/stacklok/grantengine/pkg/directory"
	"github.com/stacklok/grantengine/pkg/directory/mocks"
	grantErrors "github.com/stacklok/grantengine/pkg/errors"
	"github.com/stacklok/grantengine/pkg/grant"
	"github.com/stacklok/grantengine/pkg/keys"
	"github.com/stacklok/grantengine/pkg/storage"
	"github.com/stacklok/grantengine/pkg/token"
)

const (
	testIssuer   = "https://auth.example.com"
	testRedirect = "https://app.example.com/callback"
	testVerifier = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
)

var testStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

var testClients = []directory.Client{
	{
		ID:         "C1",
		GrantTypes: []grant.Type{grant.TypeClientCredentials},
		Scopes:     grant.Scopes{"api:read"},
	},
	{
		ID:           "C2",
		GrantTypes:   []grant.Type{grant.TypeAuthorizationCode, grant.TypeRefreshToken},
		Scopes:       grant.Scopes{"openid", "profile"},
		RedirectURIs: []string{testRedirect},
		Public:       true,
	},
	{
		ID:         "C3",
		GrantTypes: []grant.Type{grant.TypeResourceOwnerPassword, grant.TypeRefreshToken},
		Scopes:     grant.Scopes{"api:read", "api:write"},
	},
	{
		ID:           "C4",
		GrantTypes:   []grant.Type{grant.TypeAuthorizationCode},
		Scopes:       grant.Scopes{"openid", "profile"},
		RedirectURIs: []string{testRedirect},
	},
}

var testOwners = []directory.ResourceOwner{
	{Subject: "U1"},
	{Subject: "U2", Scopes: grant.Scopes{"api:read"}},
}

type harness struct {
	engine  *Engine
	store   *storage.MemoryStore
	clock   *clocktesting.FakeClock
	factory *token.Factory
	config  *config.Config
	reader  *sdkmetric.ManualReader
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Issuer = testIssuer
	cfg.EnabledGrantTypes = append(cfg.EnabledGrantTypes, grant.TypeResourceOwnerPassword)
	return cfg
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()
	dir, err := directory.NewStatic(testClients, testOwners)
	require.NoError(t, err)
	return newHarnessWithDirectory(t, dir, mutate)
}

func newHarnessWithDirectory(t *testing.T, dir directory.Directory, mutate func(*config.Config)) *harness {
	t.Helper()

	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.Validate())

	clk := clocktesting.NewFakeClock(testStart)
	secrets, err := keys.GenerateHMACSecrets()
	require.NoError(t, err)
	factory, err := token.NewFactory(token.Config{
		Issuer:              cfg.Issuer,
		Keys:                keys.NewEphemeralProvider(""),
		HMACSecrets:         secrets,
		AccessTokenAudience: cfg.AccessTokenAudience,
	}, token.WithClock(clk))
	require.NoError(t, err)

	store := storage.NewMemoryStore(storage.WithCleanupInterval(0))
	t.Cleanup(func() { _ = store.Close() })

	reader := sdkmetric.NewManualReader()
	e, err := New(store, dir, factory, config.NewStatic(cfg),
		WithClock(clk),
		WithMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))))
	require.NoError(t, err)

	return &harness{engine: e, store: store, clock: clk, factory: factory, config: cfg, reader: reader}
}

func (h *harness) authorize(t *testing.T, clientID string) *Authorization {
	t.Helper()
	auth, err := h.engine.Authorize(context.Background(), AuthorizeRequest{
		ClientID:            clientID,
		Subject:             "U1",
		RedirectURI:         testRedirect,
		CodeChallenge:       oauth2.S256ChallengeFromVerifier(testVerifier),
		CodeChallengeMethod: grant.PKCEMethodS256,
		Nonce:               "n-0S6_WzA2Mj",
	})
	require.NoError(t, err)
	return auth
}

func (h *harness) exchange(code string) (*Tokens, error) {
	return h.engine.IssueFromGrant(context.Background(), IssueRequest{
		GrantType:    grant.TypeAuthorizationCode,
		ClientID:     "C2",
		Code:         code,
		CodeVerifier: testVerifier,
		RedirectURI:  testRedirect,
	})
}

func (h *harness) active(t *testing.T, value string) bool {
	t.Helper()
	info, err := h.engine.Introspect(context.Background(), value)
	require.NoError(t, err)
	return info.Active
}

// sum adds up every data point of the named int64 counter.
func (h *harness) sum(t *testing.T, name string, match func(attrs map[string]string) bool) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, h.reader.Collect(context.Background(), &rm))

	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			data, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "metric %s is not an int64 sum", name)
			for _, dp := range data.DataPoints {
				attrs := make(map[string]string)
				for _, kv := range dp.Attributes.ToSlice() {
					attrs[string(kv.Key)] = kv.Value.Emit()
				}
				if match == nil || match(attrs) {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func TestNew_RequiresDependencies(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryStore(storage.WithCleanupInterval(0))
	dir, err := directory.NewStatic(nil, nil)
	require.NoError(t, err)
	secrets, err := keys.GenerateHMACSecrets()
	require.NoError(t, err)
	factory, err := token.NewFactory(token.Config{
		Issuer: testIssuer, Keys: keys.NewEphemeralProvider(""), HMACSecrets: secrets,
	})
	require.NoError(t, err)
	cfg := config.NewStatic(testConfig())

	tests := []struct {
		name    string
		build   func() (*Engine, error)
		wantErr string
	}{
		{"store", func() (*Engine, error) { return New(nil, dir, factory, cfg) }, "grant store is required"},
		{"directory", func() (*Engine, error) { return New(store, nil, factory, cfg) }, "directory is required"},
		{"factory", func() (*Engine, error) { return New(store, dir, nil, cfg) }, "token factory is required"},
		{"config", func() (*Engine, error) { return New(store, dir, factory, nil) }, "config provider is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := tt.build()
			require.EqualError(t, err, tt.wantErr)
		})
	}
}

func TestIssue_ClientCredentials(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, nil)

	out, err := h.engine.IssueFromGrant(ctx, IssueRequest{
		GrantType: grant.TypeClientCredentials,
		ClientID:  "C1",
	})
	require.NoError(t, err)
	require.NotNil(t, out.AccessToken)
	assert.Nil(t, out.RefreshToken)
	assert.Nil(t, out.IDToken)
	assert.Equal(t, grant.Scopes{"api:read"}, out.Scopes)
	assert.Equal(t, testStart.Add(time.Hour), out.AccessToken.ExpiresAt)

	g, err := h.store.Get(ctx, out.GrantID)
	require.NoError(t, err)
	assert.Empty(t, g.Subject)
	require.Len(t, g.Tokens, 1)

	_, err = g.CreateRefreshToken(ctx, h.factory.Minter(h.config.TokenPolicy()))
	require.ErrorIs(t, err, grantErrors.ErrUnsupportedOperation)

	info, err := h.engine.Introspect(ctx, out.AccessToken.Value)
	require.NoError(t, err)
	want := &Introspection{
		Active:    true,
		Kind:      grant.KindAccessToken,
		Scopes:    grant.Scopes{"api:read"},
		ClientID:  "C1",
		GrantType: grant.TypeClientCredentials,
		IssuedAt:  testStart,
		ExpiresAt: testStart.Add(time.Hour),
	}
	if diff := cmp.Diff(want, info); diff != "" {
		t.Errorf("Introspect() mismatch (-want +got):\n%s", diff)
	}
}

func TestIssue_JWTAccessToken(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, func(c *config.Config) {
		c.AccessTokenFormat = grant.FormatJWT
		c.AccessTokenAudience = []string{"https://api.example.com"}
	})

	out, err := h.engine.IssueFromGrant(ctx, IssueRequest{GrantType: grant.TypeClientCredentials, ClientID: "C1"})
	require.NoError(t, err)
	assert.Equal(t, grant.FormatJWT, out.AccessToken.Format)

	claims, err := h.factory.VerifyJWT(ctx, out.AccessToken.Value)
	require.NoError(t, err)
	assert.Equal(t, "C1", claims.ClientID)
	assert.Equal(t, "api:read", claims.Scope)
	assert.True(t, h.active(t, out.AccessToken.Value))
}

func TestAuthorizationCodeFlow(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, nil)
	auth := h.authorize(t, "C2")
	assert.Equal(t, testRedirect, auth.RedirectURI)
	assert.Equal(t, grant.Scopes{"openid", "profile"}, auth.Scopes)
	assert.Equal(t, testStart.Add(10*time.Minute), auth.ExpiresAt)

	out, err := h.exchange(auth.Code)
	require.NoError(t, err)
	assert.Equal(t, auth.GrantID, out.GrantID)
	require.NotNil(t, out.AccessToken)
	require.NotNil(t, out.RefreshToken)
	require.NotNil(t, out.IDToken)

	claims, err := h.factory.VerifyJWT(ctx, out.IDToken.Value)
	require.NoError(t, err)
	assert.Equal(t, "U1", claims.Subject)
	assert.Equal(t, "n-0S6_WzA2Mj", claims.Nonce)
	assert.Equal(t, "C2", claims.AuthorizedParty)
	assert.NotEmpty(t, claims.AccessTokenHash)

	g, err := h.store.Get(ctx, auth.GrantID)
	require.NoError(t, err)
	assert.Equal(t, grant.CodeExchanged, g.Code.State)
	kinds := make([]grant.Kind, 0, len(g.Tokens))
	for _, tok := range g.Tokens {
		kinds = append(kinds, tok.Kind)
	}
	assert.Equal(t, []grant.Kind{grant.KindAccessToken, grant.KindIDToken, grant.KindRefreshToken}, kinds)

	_, err = h.exchange(auth.Code)
	require.ErrorIs(t, err, grantErrors.ErrCodeAlreadyUsed)
	assert.True(t, h.active(t, out.AccessToken.Value), "replay without revoke_on_code_reuse keeps the grant")
}

func TestExchange_RejectionsLeaveCodeUsable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*IssueRequest)
		wantErr error
	}{
		{"missing verifier", func(r *IssueRequest) { r.CodeVerifier = "" }, grantErrors.ErrInvalidGrant},
		{"wrong verifier", func(r *IssueRequest) { r.CodeVerifier = "not-the-verifier-used-for-the-challenge-000" }, grantErrors.ErrInvalidGrant},
		{"redirect mismatch", func(r *IssueRequest) { r.RedirectURI = "https://evil.example.com/cb" }, grantErrors.ErrInvalidGrant},
		{"redirect omitted", func(r *IssueRequest) { r.RedirectURI = "" }, grantErrors.ErrInvalidGrant},
		{"other client", func(r *IssueRequest) { r.ClientID = "C4" }, grantErrors.ErrInvalidGrant},
		{"scope beyond grant", func(r *IssueRequest) { r.Scopes = grant.Scopes{"email"} }, grantErrors.ErrScopeExceeded},
		{"unknown code", func(r *IssueRequest) { r.Code = "unknown" }, grantErrors.ErrNotFound},
		{"missing code", func(r *IssueRequest) { r.Code = "" }, grantErrors.ErrInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			h := newHarness(t, nil)
			auth := h.authorize(t, "C2")

			req := IssueRequest{
				GrantType:    grant.TypeAuthorizationCode,
				ClientID:     "C2",
				Code:         auth.Code,
				CodeVerifier: testVerifier,
				RedirectURI:  testRedirect,
			}
			tt.mutate(&req)
			_, err := h.engine.IssueFromGrant(ctx, req)
			require.ErrorIs(t, err, tt.wantErr)

			_, err = h.exchange(auth.Code)
			require.NoError(t, err)
		})
	}
}

func TestExchange_RevokeOnCodeReuse(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, func(c *config.Config) { c.RevokeOnCodeReuse = true })
	auth := h.authorize(t, "C2")

	out, err := h.exchange(auth.Code)
	require.NoError(t, err)

	_, err = h.exchange(auth.Code)
	require.ErrorIs(t, err, grantErrors.ErrCodeAlreadyUsed)

	g, err := h.store.Get(ctx, auth.GrantID)
	require.NoError(t, err)
	assert.True(t, g.Revoked)
	assert.False(t, h.active(t, out.AccessToken.Value))

	_, err = h.engine.Refresh(ctx, RefreshRequest{ClientID: "C2", RefreshToken: out.RefreshToken.Value})
	require.ErrorIs(t, err, grantErrors.ErrInvalidGrant)

	assert.Equal(t, int64(1), h.sum(t, "grantengine.revocations", func(a map[string]string) bool {
		return a["grantengine.reason"] == "authorization code reuse"
	}))
}

func TestExchange_ExpiredCode(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	auth := h.authorize(t, "C2")
	h.clock.Step(10 * time.Minute)

	_, err := h.exchange(auth.Code)
	require.ErrorIs(t, err, grantErrors.ErrCodeExpired)
}

func TestExchange_ConcurrentRedemption(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	auth := h.authorize(t, "C2")

	const callers = 16
	var succeeded, replayed atomic.Int32
	var eg errgroup.Group
	for range callers {
		eg.Go(func() error {
			_, err := h.exchange(auth.Code)
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, grantErrors.ErrCodeAlreadyUsed):
				replayed.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, eg.Wait())
	assert.Equal(t, int32(1), succeeded.Load())
	assert.Equal(t, int32(callers-1), replayed.Load())

	g, err := h.store.Get(context.Background(), auth.GrantID)
	require.NoError(t, err)
	assert.Len(t, g.Tokens, 3)
}

func TestAuthorize_Rejections(t *testing.T) {
	t.Parallel()

	challenge := oauth2.S256ChallengeFromVerifier(testVerifier)
	tests := []struct {
		name    string
		req     AuthorizeRequest
		wantErr error
	}{
		{
			name:    "missing challenge",
			req:     AuthorizeRequest{ClientID: "C2", Subject: "U1", RedirectURI: testRedirect},
			wantErr: grantErrors.ErrInvalidRequest,
		},
		{
			name: "plain challenge",
			req: AuthorizeRequest{ClientID: "C2", Subject: "U1", RedirectURI: testRedirect,
				CodeChallenge: testVerifier, CodeChallengeMethod: "plain"},
			wantErr: grantErrors.ErrInvalidRequest,
		},
		{
			name: "unregistered redirect",
			req: AuthorizeRequest{ClientID: "C2", Subject: "U1", RedirectURI: "https://evil.example.com/cb",
				CodeChallenge: challenge, CodeChallengeMethod: grant.PKCEMethodS256},
			wantErr: grantErrors.ErrInvalidRequest,
		},
		{
			name: "missing subject",
			req: AuthorizeRequest{ClientID: "C2", RedirectURI: testRedirect,
				CodeChallenge: challenge, CodeChallengeMethod: grant.PKCEMethodS256},
			wantErr: grantErrors.ErrInvalidGrantConstruction,
		},
		{
			name: "unknown owner",
			req: AuthorizeRequest{ClientID: "C2", Subject: "U9", RedirectURI: testRedirect,
				CodeChallenge: challenge, CodeChallengeMethod: grant.PKCEMethodS256},
			wantErr: grantErrors.ErrNotFound,
		},
		{
			name: "client without authorization_code",
			req: AuthorizeRequest{ClientID: "C1", Subject: "U1", RedirectURI: testRedirect,
				CodeChallenge: challenge, CodeChallengeMethod: grant.PKCEMethodS256},
			wantErr: grantErrors.ErrUnauthorizedClient,
		},
		{
			name: "scope beyond client",
			req: AuthorizeRequest{ClientID: "C2", Subject: "U1", RedirectURI: testRedirect, Scopes: grant.Scopes{"admin"},
				CodeChallenge: challenge, CodeChallengeMethod: grant.PKCEMethodS256},
			wantErr: grantErrors.ErrScopeExceeded,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, nil)
			_, err := h.engine.Authorize(context.Background(), tt.req)
			require.ErrorIs(t, err, tt.wantErr)

			grants, _, _ := h.store.Stats()
			assert.Zero(t, grants)
		})
	}
}

func TestIssue_Admission(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		req     IssueRequest
		wantErr error
	}{
		{"unknown grant type", IssueRequest{GrantType: "magic", ClientID: "C1"}, grantErrors.ErrUnsupportedGrantType},
		{"disabled grant type", IssueRequest{GrantType: grant.TypeImplicit, ClientID: "C2", Subject: "U1"}, grantErrors.ErrUnsupportedGrantType},
		{"missing client", IssueRequest{GrantType: grant.TypeClientCredentials}, grantErrors.ErrInvalidRequest},
		{"unknown client", IssueRequest{GrantType: grant.TypeClientCredentials, ClientID: "C9"}, grantErrors.ErrNotFound},
		{"unregistered grant type", IssueRequest{GrantType: grant.TypeClientCredentials, ClientID: "C2"}, grantErrors.ErrUnauthorizedClient},
		{"scope beyond client", IssueRequest{GrantType: grant.TypeClientCredentials, ClientID: "C1", Scopes: grant.Scopes{"api:write"}}, grantErrors.ErrScopeExceeded},
		{"scope beyond owner", IssueRequest{GrantType: grant.TypeResourceOwnerPassword, ClientID: "C3", Subject: "U2", Scopes: grant.Scopes{"api:write"}}, grantErrors.ErrScopeExceeded},
		{"owner on client_credentials", IssueRequest{GrantType: grant.TypeClientCredentials, ClientID: "C1", Subject: "U1"}, grantErrors.ErrInvalidGrantConstruction},
		{"password without owner", IssueRequest{GrantType: grant.TypeResourceOwnerPassword, ClientID: "C3"}, grantErrors.ErrInvalidGrantConstruction},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, nil)
			_, err := h.engine.IssueFromGrant(context.Background(), tt.req)
			require.ErrorIs(t, err, tt.wantErr)

			grants, _, _ := h.store.Stats()
			assert.Zero(t, grants)
		})
	}
}

func TestIssue_PasswordGrant(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, nil)

	out, err := h.engine.IssueFromGrant(ctx, IssueRequest{
		GrantType: grant.TypeResourceOwnerPassword,
		ClientID:  "C3",
		Subject:   "U2",
	})
	require.NoError(t, err)
	assert.Equal(t, grant.Scopes{"api:read"}, out.Scopes, "empty request narrows to the owner's scopes")
	assert.NotNil(t, out.RefreshToken)
	assert.Nil(t, out.IDToken, "no openid scope")
}

func TestNegotiateScopes(t *testing.T) {
	t.Parallel()

	client := &directory.Client{ID: "C", Scopes: grant.Scopes{"api", "api.read", "openid"}}
	owner := &directory.ResourceOwner{Subject: "U", Scopes: grant.Scopes{"api", "openid"}}

	tests := []struct {
		name      string
		strategy  string
		supported []string
		owner     *directory.ResourceOwner
		requested grant.Scopes
		want      grant.Scopes
		wantErr   bool
	}{
		{name: "defaults to client scopes", want: grant.Scopes{"api", "api.read", "openid"}},
		{name: "defaults filtered by server", supported: []string{"openid"}, want: grant.Scopes{"openid"}},
		{name: "defaults filtered by owner", owner: owner, want: grant.Scopes{"api", "openid"}},
		{name: "explicit subset", requested: grant.Scopes{"api.read"}, want: grant.Scopes{"api.read"}},
		{name: "explicit beyond client", requested: grant.Scopes{"admin"}, wantErr: true},
		{name: "explicit beyond server", supported: []string{"openid"}, requested: grant.Scopes{"api"}, wantErr: true},
		{name: "explicit beyond owner", owner: owner, requested: grant.Scopes{"api.read"}, wantErr: true},
		{
			name:      "hierarchic owner bound",
			strategy:  config.ScopeStrategyHierarchic,
			owner:     owner,
			requested: grant.Scopes{"api.read"},
			want:      grant.Scopes{"api.read"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := testConfig()
			if tt.strategy != "" {
				cfg.ScopeStrategy = tt.strategy
			}
			cfg.SupportedScopes = tt.supported

			got, err := negotiateScopes(cfg, client, tt.owner, tt.requested)
			if tt.wantErr {
				require.ErrorIs(t, err, grantErrors.ErrScopeExceeded)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRefresh_Rotation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, nil)
	first, err := h.exchange(h.authorize(t, "C2").Code)
	require.NoError(t, err)

	h.clock.Step(time.Minute)
	second, err := h.engine.Refresh(ctx, RefreshRequest{ClientID: "C2", RefreshToken: first.RefreshToken.Value})
	require.NoError(t, err)
	require.NotNil(t, second.RefreshToken)
	require.NotNil(t, second.IDToken)
	assert.NotEqual(t, first.RefreshToken.Value, second.RefreshToken.Value)
	assert.NotEqual(t, first.AccessToken.Value, second.AccessToken.Value)
	assert.Equal(t, first.GrantID, second.GrantID)
	assert.False(t, h.active(t, first.RefreshToken.Value))
	assert.True(t, h.active(t, second.AccessToken.Value))

	// A narrower access token under the same grant.
	third, err := h.engine.IssueFromGrant(ctx, IssueRequest{
		GrantType:    grant.TypeRefreshToken,
		ClientID:     "C2",
		RefreshToken: second.RefreshToken.Value,
		Scopes:       grant.Scopes{"profile"},
	})
	require.NoError(t, err)
	assert.Equal(t, grant.Scopes{"profile"}, third.Scopes)

	// Replaying a rotated token revokes the grant.
	_, err = h.engine.Refresh(ctx, RefreshRequest{ClientID: "C2", RefreshToken: first.RefreshToken.Value})
	require.ErrorIs(t, err, grantErrors.ErrInvalidGrant)
	require.ErrorContains(t, err, "reuse detected")

	assert.False(t, h.active(t, third.AccessToken.Value))
	_, err = h.engine.Refresh(ctx, RefreshRequest{ClientID: "C2", RefreshToken: third.RefreshToken.Value})
	require.ErrorIs(t, err, grantErrors.ErrInvalidGrant)
}

func TestRefresh_WithoutRotation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, func(c *config.Config) { c.RefreshTokenRotation = false })
	first, err := h.exchange(h.authorize(t, "C2").Code)
	require.NoError(t, err)

	for range 2 {
		next, err := h.engine.Refresh(ctx, RefreshRequest{ClientID: "C2", RefreshToken: first.RefreshToken.Value})
		require.NoError(t, err)
		assert.Equal(t, first.RefreshToken.Value, next.RefreshToken.Value)
		assert.NotEqual(t, first.AccessToken.Value, next.AccessToken.Value)
	}
	assert.True(t, h.active(t, first.RefreshToken.Value))

	// One access token and one identity token per refresh, plus the exchange.
	assert.Equal(t, int64(1), h.sum(t, "grantengine.tokens.issued", func(a map[string]string) bool {
		return a["grantengine.token_kind"] == string(grant.KindRefreshToken)
	}))
	assert.Equal(t, int64(3), h.sum(t, "grantengine.tokens.issued", func(a map[string]string) bool {
		return a["grantengine.token_kind"] == string(grant.KindAccessToken)
	}))
}

func TestRefresh_Rejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		req     func(out *Tokens) RefreshRequest
		prepare func(h *harness)
		wantErr error
	}{
		{
			name:    "missing token",
			req:     func(*Tokens) RefreshRequest { return RefreshRequest{ClientID: "C2"} },
			wantErr: grantErrors.ErrInvalidRequest,
		},
		{
			name:    "unknown token",
			req:     func(*Tokens) RefreshRequest { return RefreshRequest{ClientID: "C2", RefreshToken: "bogus"} },
			wantErr: grantErrors.ErrInvalidGrant,
		},
		{
			name: "access token presented",
			req: func(out *Tokens) RefreshRequest {
				return RefreshRequest{ClientID: "C2", RefreshToken: out.AccessToken.Value}
			},
			wantErr: grantErrors.ErrInvalidGrant,
		},
		{
			name: "other client",
			req: func(out *Tokens) RefreshRequest {
				return RefreshRequest{ClientID: "C3", RefreshToken: out.RefreshToken.Value}
			},
			wantErr: grantErrors.ErrInvalidGrant,
		},
		{
			name: "expired",
			req: func(out *Tokens) RefreshRequest {
				return RefreshRequest{ClientID: "C2", RefreshToken: out.RefreshToken.Value}
			},
			prepare: func(h *harness) { h.clock.Step(31 * 24 * time.Hour) },
			wantErr: grantErrors.ErrInvalidGrant,
		},
		{
			name: "scope beyond grant",
			req: func(out *Tokens) RefreshRequest {
				return RefreshRequest{ClientID: "C2", RefreshToken: out.RefreshToken.Value, Scopes: grant.Scopes{"email"}}
			},
			wantErr: grantErrors.ErrScopeExceeded,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, nil)
			out, err := h.exchange(h.authorize(t, "C2").Code)
			require.NoError(t, err)
			if tt.prepare != nil {
				tt.prepare(h)
			}

			_, err = h.engine.Refresh(context.Background(), tt.req(out))
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestRefresh_ConcurrentRotation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, nil)
	out, err := h.exchange(h.authorize(t, "C2").Code)
	require.NoError(t, err)

	const callers = 8
	var succeeded atomic.Int32
	var eg errgroup.Group
	for range callers {
		eg.Go(func() error {
			_, err := h.engine.Refresh(ctx, RefreshRequest{ClientID: "C2", RefreshToken: out.RefreshToken.Value})
			if err == nil {
				succeeded.Add(1)
				return nil
			}
			if !errors.Is(err, grantErrors.ErrInvalidGrant) {
				return err
			}
			return nil
		})
	}
	require.NoError(t, eg.Wait())
	assert.Equal(t, int32(1), succeeded.Load())
}

func TestSweep(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, nil)
	auth := h.authorize(t, "C2")
	out, err := h.engine.IssueFromGrant(ctx, IssueRequest{GrantType: grant.TypeClientCredentials, ClientID: "C1"})
	require.NoError(t, err)

	expired, err := h.engine.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, expired)

	h.clock.Step(2 * time.Hour)
	expired, err = h.engine.Sweep(ctx)
	require.NoError(t, err)

	byKind := make(map[string]storage.Expired)
	for _, e := range expired {
		byKind[e.Kind] = e
	}
	require.Len(t, byKind, 2)
	assert.Equal(t, auth.GrantID, byKind[storage.EntryCode].GrantID)
	assert.Equal(t, storage.Fingerprint(out.AccessToken.Value), byKind[string(grant.KindAccessToken)].Fingerprint)

	_, err = h.exchange(auth.Code)
	require.ErrorIs(t, err, grantErrors.ErrCodeExpired)
	assert.False(t, h.active(t, out.AccessToken.Value))
	assert.Equal(t, int64(2), h.sum(t, "grantengine.expirations", nil))
}

func TestTelemetry_RecordsOutcomes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, nil)

	_, err := h.exchange(h.authorize(t, "C2").Code)
	require.NoError(t, err)
	_, err = h.engine.IssueFromGrant(ctx, IssueRequest{
		GrantType: grant.TypeClientCredentials, ClientID: "C1", Scopes: grant.Scopes{"api:write"},
	})
	require.ErrorIs(t, err, grantErrors.ErrScopeExceeded)

	assert.Equal(t, int64(3), h.sum(t, "grantengine.tokens.issued", func(a map[string]string) bool {
		return a["grantengine.grant_type"] == string(grant.TypeAuthorizationCode)
	}))
	assert.Equal(t, int64(1), h.sum(t, "grantengine.operation.errors", func(a map[string]string) bool {
		return a["error.type"] == string(grantErrors.TypeScopeExceeded) && a["grantengine.operation"] == opIssue
	}))
}

func TestDirectoryFailure(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	dir := mocks.NewMockDirectory(ctrl)
	outage := errors.New("directory unavailable")
	dir.EXPECT().GetClient(gomock.Any(), "C1").Return(nil, outage)

	h := newHarnessWithDirectory(t, dir, nil)
	_, err := h.engine.IssueFromGrant(context.Background(), IssueRequest{
		GrantType: grant.TypeClientCredentials,
		ClientID:  "C1",
	})
	require.ErrorIs(t, err, outage)

	grants, _, _ := h.store.Stats()
	assert.Zero(t, grants)
	assert.Equal(t, int64(1), h.sum(t, "grantengine.operation.errors", func(a map[string]string) bool {
		return a["error.type"] == "internal"
	}))
}
