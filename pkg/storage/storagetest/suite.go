// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package storagetest holds the behavioral suite every storage.GrantStore
// implementation must pass.
package storagetest

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	grantErrors "github.com/stacklok/grantengine/pkg/errors"
	"github.com/stacklok/grantengine/pkg/grant"
	"github.com/stacklok/grantengine/pkg/storage"
)

// Base is the reference instant used by fixtures.
var Base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// NewStoreFunc returns an empty store. The suite closes it.
type NewStoreFunc func(t *testing.T) storage.GrantStore

// Run executes the suite against stores built by newStore.
func Run(t *testing.T, newStore NewStoreFunc) {
	t.Helper()

	cases := []struct {
		name string
		fn   func(t *testing.T, s storage.GrantStore)
	}{
		{"PutAndGet", testPutAndGet},
		{"PutDuplicate", testPutDuplicate},
		{"ExchangeCodeOnce", testExchangeCodeOnce},
		{"ExchangeCodeExpired", testExchangeCodeExpired},
		{"ExchangeCodeConcurrent", testExchangeCodeConcurrent},
		{"AppendTokens", testAppendTokens},
		{"RevokeGrant", testRevokeGrant},
		{"RevokeToken", testRevokeToken},
		{"RotateRefreshToken", testRotateRefreshToken},
		{"RotateRefreshTokenConcurrent", testRotateRefreshTokenConcurrent},
		{"SweepExpired", testSweepExpired},
		{"Health", testHealth},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			tc.fn(t, s)
		})
	}
}

// CodeGrant returns an authorization_code grant for alice with a PKCE-bound
// code that expires ten minutes after Base.
func CodeGrant(t *testing.T, id, code string) *grant.Grant {
	t.Helper()
	g, err := grant.New(grant.Params{
		ID:       id,
		Type:     grant.TypeAuthorizationCode,
		ClientID: "web-app",
		Subject:  "alice",
		Scopes:   grant.NewScopes(grant.ScopeOpenID, "profile"),
		Code: &grant.AuthorizationCode{
			Value:               code,
			State:               grant.CodeIssued,
			IssuedAt:            Base,
			ExpiresAt:           Base.Add(10 * time.Minute),
			RedirectURI:         "https://app.example.com/callback",
			CodeChallenge:       oauth2.S256ChallengeFromVerifier(oauth2.GenerateVerifier()),
			CodeChallengeMethod: grant.PKCEMethodS256,
		},
		Nonce:     "n-0S6_WzA2Mj",
		AuthTime:  Base,
		CreatedAt: Base,
	})
	require.NoError(t, err)
	return g
}

// ClientCredentialsGrant returns a client_credentials grant with no resource owner.
func ClientCredentialsGrant(t *testing.T, id string) *grant.Grant {
	t.Helper()
	g, err := grant.New(grant.Params{
		ID:        id,
		Type:      grant.TypeClientCredentials,
		ClientID:  "batch-job",
		Scopes:    grant.NewScopes("api:read"),
		CreatedAt: Base,
	})
	require.NoError(t, err)
	return g
}

// Token returns a token of kind issued at Base+offset with the given lifetime.
func Token(grantID string, kind grant.Kind, value string, offset, lifetime time.Duration) *grant.Token {
	issued := Base.Add(offset)
	return &grant.Token{
		Kind:      kind,
		Value:     value,
		Format:    grant.FormatOpaque,
		GrantID:   grantID,
		Scopes:    grant.NewScopes(grant.ScopeOpenID, "profile"),
		IssuedAt:  issued,
		ExpiresAt: issued.Add(lifetime),
	}
}

func requireType(t *testing.T, err error, typ grantErrors.Type) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, typ, grantErrors.TypeOf(err), "unexpected error: %v", err)
}

func testPutAndGet(t *testing.T, s storage.GrantStore) {
	ctx := t.Context()
	g := CodeGrant(t, "g-1", "abc123")
	require.NoError(t, s.Put(ctx, g))

	got, err := s.Get(ctx, "g-1")
	require.NoError(t, err)
	assert.Equal(t, grant.TypeAuthorizationCode, got.Type)
	assert.Equal(t, "web-app", got.ClientID)
	assert.Equal(t, "alice", got.Subject)
	assert.Equal(t, g.Scopes, got.Scopes)
	assert.Equal(t, "n-0S6_WzA2Mj", got.Nonce)
	require.NotNil(t, got.Code)
	assert.Equal(t, grant.CodeIssued, got.Code.State)
	assert.Equal(t, g.Code.CodeChallenge, got.Code.CodeChallenge)
	assert.Equal(t, "https://app.example.com/callback", got.Code.RedirectURI)
	assert.True(t, g.Code.ExpiresAt.Equal(got.Code.ExpiresAt))

	byCode, found, err := s.FindByCode(ctx, "abc123")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "g-1", byCode.ID)

	// Returned grants are copies.
	got.Revoked = true
	again, err := s.Get(ctx, "g-1")
	require.NoError(t, err)
	assert.False(t, again.Revoked)

	_, err = s.Get(ctx, "missing")
	requireType(t, err, grantErrors.TypeNotFound)

	_, found, err = s.FindByCode(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)

	_, found, err = s.FindByToken(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)
}

func testPutDuplicate(t *testing.T, s storage.GrantStore) {
	ctx := t.Context()
	require.NoError(t, s.Put(ctx, CodeGrant(t, "g-1", "abc123")))

	err := s.Put(ctx, CodeGrant(t, "g-1", "other-code"))
	requireType(t, err, grantErrors.TypeDuplicateGrant)

	err = s.Put(ctx, CodeGrant(t, "g-2", "abc123"))
	requireType(t, err, grantErrors.TypeDuplicateGrant)

	cc := ClientCredentialsGrant(t, "g-3")
	require.NoError(t, cc.AppendToken(Token("g-3", grant.KindAccessToken, "at-1", 0, time.Hour)))
	require.NoError(t, s.Put(ctx, cc))

	clash := ClientCredentialsGrant(t, "g-4")
	require.NoError(t, clash.AppendToken(Token("g-4", grant.KindAccessToken, "at-1", 0, time.Hour)))
	requireType(t, s.Put(ctx, clash), grantErrors.TypeDuplicateGrant)

	_, err = s.Get(ctx, "g-4")
	requireType(t, err, grantErrors.TypeNotFound)
}

func testExchangeCodeOnce(t *testing.T, s storage.GrantStore) {
	ctx := t.Context()
	require.NoError(t, s.Put(ctx, CodeGrant(t, "g-1", "abc123")))

	now := Base.Add(time.Minute)
	got, err := s.ExchangeCode(ctx, "abc123", now)
	require.NoError(t, err)
	assert.Equal(t, "g-1", got.ID)
	assert.Equal(t, grant.CodeExchanged, got.Code.State)
	assert.True(t, now.Equal(got.Code.ExchangedAt))

	_, err = s.ExchangeCode(ctx, "abc123", now.Add(time.Second))
	requireType(t, err, grantErrors.TypeCodeAlreadyUsed)

	_, err = s.ExchangeCode(ctx, "unknown", now)
	requireType(t, err, grantErrors.TypeNotFound)

	stored, err := s.Get(ctx, "g-1")
	require.NoError(t, err)
	assert.Equal(t, grant.CodeExchanged, stored.Code.State)
}

func testExchangeCodeExpired(t *testing.T, s storage.GrantStore) {
	ctx := t.Context()
	require.NoError(t, s.Put(ctx, CodeGrant(t, "g-1", "abc123")))

	// The deadline itself is already too late.
	_, err := s.ExchangeCode(ctx, "abc123", Base.Add(10*time.Minute))
	requireType(t, err, grantErrors.TypeCodeExpired)

	// Expiry is terminal even for a caller with an earlier clock.
	_, err = s.ExchangeCode(ctx, "abc123", Base)
	requireType(t, err, grantErrors.TypeCodeExpired)

	stored, err := s.Get(ctx, "g-1")
	require.NoError(t, err)
	assert.Equal(t, grant.CodeExpired, stored.Code.State)
}

func testExchangeCodeConcurrent(t *testing.T, s storage.GrantStore) {
	ctx := t.Context()
	require.NoError(t, s.Put(ctx, CodeGrant(t, "g-1", "abc123")))

	const workers = 16
	var wins, used atomic.Int32
	var eg errgroup.Group
	for range workers {
		eg.Go(func() error {
			_, err := s.ExchangeCode(ctx, "abc123", Base.Add(time.Minute))
			switch {
			case err == nil:
				wins.Add(1)
			case grantErrors.TypeOf(err) == grantErrors.TypeCodeAlreadyUsed:
				used.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, eg.Wait())
	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(workers-1), used.Load())
}

func testAppendTokens(t *testing.T, s storage.GrantStore) {
	ctx := t.Context()
	require.NoError(t, s.Put(ctx, CodeGrant(t, "g-1", "abc123")))

	at := Token("g-1", grant.KindAccessToken, "at-1", time.Minute, time.Hour)
	rt := Token("g-1", grant.KindRefreshToken, "rt-1", time.Minute, 24*time.Hour)
	early := Token("g-1", grant.KindIDToken, "id-1", 0, time.Hour)
	require.NoError(t, s.AppendTokens(ctx, "g-1", at, rt, early))

	g, err := s.Get(ctx, "g-1")
	require.NoError(t, err)
	values := make([]string, 0, len(g.Tokens))
	for _, tok := range g.Tokens {
		values = append(values, tok.Value)
	}
	assert.Equal(t, []string{"id-1", "at-1", "rt-1"}, values)

	rec, found, err := s.FindByToken(ctx, "rt-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, grant.KindRefreshToken, rec.Token.Kind)
	assert.Equal(t, "g-1", rec.Grant.ID)
	assert.True(t, rt.ExpiresAt.Equal(rec.Token.ExpiresAt))

	requireType(t, s.AppendTokens(ctx, "g-1", Token("g-1", grant.KindAccessToken, "at-1", 0, time.Hour)),
		grantErrors.TypeDuplicateGrant)
	requireType(t, s.AppendTokens(ctx, "missing", Token("missing", grant.KindAccessToken, "x", 0, time.Hour)),
		grantErrors.TypeNotFound)

	require.NoError(t, s.Put(ctx, ClientCredentialsGrant(t, "g-2")))
	err = s.AppendTokens(ctx, "g-2",
		Token("g-2", grant.KindAccessToken, "cc-at", 0, time.Hour),
		Token("g-2", grant.KindRefreshToken, "cc-rt", 0, time.Hour))
	requireType(t, err, grantErrors.TypeUnsupportedOperation)

	// A rejected batch leaves nothing behind.
	_, found, err = s.FindByToken(ctx, "cc-at")
	require.NoError(t, err)
	assert.False(t, found)
	cc, err := s.Get(ctx, "g-2")
	require.NoError(t, err)
	assert.Empty(t, cc.Tokens)
}

func testRevokeGrant(t *testing.T, s storage.GrantStore) {
	ctx := t.Context()
	require.NoError(t, s.Put(ctx, CodeGrant(t, "g-1", "abc123")))
	require.NoError(t, s.AppendTokens(ctx, "g-1",
		Token("g-1", grant.KindAccessToken, "at-1", 0, time.Hour),
		Token("g-1", grant.KindRefreshToken, "rt-1", 0, time.Hour)))

	revokedAt := Base.Add(5 * time.Minute)
	require.NoError(t, s.Revoke(ctx, "g-1", revokedAt))

	first, err := s.Get(ctx, "g-1")
	require.NoError(t, err)
	assert.True(t, first.Revoked)
	assert.True(t, revokedAt.Equal(first.RevokedAt))
	for _, tok := range first.Tokens {
		assert.True(t, tok.Revoked, tok.Value)
	}
	assert.Equal(t, grant.CodeRevoked, first.Code.State)

	// Revoking again changes nothing.
	require.NoError(t, s.Revoke(ctx, "g-1", revokedAt.Add(time.Hour)))
	second, err := s.Get(ctx, "g-1")
	require.NoError(t, err)
	assert.True(t, revokedAt.Equal(second.RevokedAt))
	assert.Len(t, second.Tokens, len(first.Tokens))

	_, err = s.ExchangeCode(ctx, "abc123", Base.Add(time.Minute))
	requireType(t, err, grantErrors.TypeCodeRevoked)

	requireType(t, s.AppendTokens(ctx, "g-1", Token("g-1", grant.KindAccessToken, "at-2", 0, time.Hour)),
		grantErrors.TypeInvalidGrant)

	requireType(t, s.Revoke(ctx, "nothing-here", revokedAt), grantErrors.TypeNotFound)
}

func testRevokeToken(t *testing.T, s storage.GrantStore) {
	ctx := t.Context()
	require.NoError(t, s.Put(ctx, CodeGrant(t, "g-1", "abc123")))
	require.NoError(t, s.AppendTokens(ctx, "g-1",
		Token("g-1", grant.KindAccessToken, "at-1", 0, time.Hour),
		Token("g-1", grant.KindAccessToken, "at-2", time.Second, time.Hour)))

	require.NoError(t, s.Revoke(ctx, "at-1", Base.Add(time.Minute)))
	require.NoError(t, s.Revoke(ctx, "at-1", Base.Add(2*time.Minute)))

	rec, found, err := s.FindByToken(ctx, "at-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, rec.Token.Revoked)
	assert.True(t, Base.Add(time.Minute).Equal(rec.Token.RevokedAt))
	assert.False(t, rec.Grant.Revoked)

	other, _, err := s.FindByToken(ctx, "at-2")
	require.NoError(t, err)
	assert.False(t, other.Token.Revoked)

	// Revoking the code by value stops its exchange without touching the grant.
	require.NoError(t, s.Revoke(ctx, "abc123", Base.Add(time.Minute)))
	_, err = s.ExchangeCode(ctx, "abc123", Base.Add(time.Minute))
	requireType(t, err, grantErrors.TypeCodeRevoked)
}

func testRotateRefreshToken(t *testing.T, s storage.GrantStore) {
	ctx := t.Context()
	require.NoError(t, s.Put(ctx, CodeGrant(t, "g-1", "abc123")))
	require.NoError(t, s.AppendTokens(ctx, "g-1",
		Token("g-1", grant.KindAccessToken, "at-1", 0, time.Hour),
		Token("g-1", grant.KindRefreshToken, "rt-1", 0, 24*time.Hour)))

	now := Base.Add(30 * time.Minute)
	g, err := s.RotateRefreshToken(ctx, "rt-1", now,
		Token("g-1", grant.KindAccessToken, "at-2", 30*time.Minute, time.Hour),
		Token("g-1", grant.KindRefreshToken, "rt-2", 30*time.Minute, 24*time.Hour))
	require.NoError(t, err)

	old, ok := g.Token("rt-1")
	require.True(t, ok)
	assert.True(t, old.Revoked)
	assert.True(t, old.Rotated)
	latest, ok := g.Latest(grant.KindRefreshToken)
	require.True(t, ok)
	assert.Equal(t, "rt-2", latest.Value)

	_, err = s.RotateRefreshToken(ctx, "rt-1", now,
		Token("g-1", grant.KindRefreshToken, "rt-3", 30*time.Minute, 24*time.Hour))
	requireType(t, err, grantErrors.TypeInvalidGrant)

	_, err = s.RotateRefreshToken(ctx, "at-2", now,
		Token("g-1", grant.KindRefreshToken, "rt-4", 30*time.Minute, 24*time.Hour))
	requireType(t, err, grantErrors.TypeInvalidGrant)

	_, err = s.RotateRefreshToken(ctx, "rt-2", Base.Add(48*time.Hour),
		Token("g-1", grant.KindRefreshToken, "rt-5", 48*time.Hour, 24*time.Hour))
	requireType(t, err, grantErrors.TypeInvalidGrant)

	_, err = s.RotateRefreshToken(ctx, "missing", now)
	requireType(t, err, grantErrors.TypeNotFound)

	_, found, err := s.FindByToken(ctx, "rt-3")
	require.NoError(t, err)
	assert.False(t, found)
}

func testRotateRefreshTokenConcurrent(t *testing.T, s storage.GrantStore) {
	ctx := t.Context()
	require.NoError(t, s.Put(ctx, CodeGrant(t, "g-1", "abc123")))
	require.NoError(t, s.AppendTokens(ctx, "g-1",
		Token("g-1", grant.KindRefreshToken, "rt-0", 0, 24*time.Hour)))

	const workers = 8
	var wins atomic.Int32
	var eg errgroup.Group
	for i := range workers {
		eg.Go(func() error {
			next := Token("g-1", grant.KindRefreshToken, "rt-next-"+string(rune('a'+i)), time.Minute, 24*time.Hour)
			_, err := s.RotateRefreshToken(ctx, "rt-0", Base.Add(time.Minute), next)
			switch {
			case err == nil:
				wins.Add(1)
			case grantErrors.TypeOf(err) == grantErrors.TypeInvalidGrant:
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, eg.Wait())
	assert.Equal(t, int32(1), wins.Load())

	g, err := s.Get(ctx, "g-1")
	require.NoError(t, err)
	assert.Len(t, g.Tokens, 2)
}

func testSweepExpired(t *testing.T, s storage.GrantStore) {
	ctx := t.Context()
	require.NoError(t, s.Put(ctx, CodeGrant(t, "g-1", "abc123")))
	require.NoError(t, s.Put(ctx, ClientCredentialsGrant(t, "g-2")))
	require.NoError(t, s.AppendTokens(ctx, "g-2",
		Token("g-2", grant.KindAccessToken, "short", 0, time.Minute),
		Token("g-2", grant.KindAccessToken, "revoked-short", 0, time.Minute),
		Token("g-2", grant.KindAccessToken, "long", 0, time.Hour)))
	require.NoError(t, s.Revoke(ctx, "revoked-short", Base))

	expired, err := s.SweepExpired(ctx, Base.Add(15*time.Minute))
	require.NoError(t, err)

	byFingerprint := make(map[string]storage.Expired, len(expired))
	for _, e := range expired {
		byFingerprint[e.Fingerprint] = e
	}
	assert.Len(t, byFingerprint, 2)
	assert.Equal(t, storage.EntryCode, byFingerprint[storage.Fingerprint("abc123")].Kind)
	assert.Equal(t, "g-1", byFingerprint[storage.Fingerprint("abc123")].GrantID)
	assert.Equal(t, string(grant.KindAccessToken), byFingerprint[storage.Fingerprint("short")].Kind)

	for _, value := range []string{"short", "revoked-short"} {
		_, found, err := s.FindByToken(ctx, value)
		require.NoError(t, err)
		assert.False(t, found, value)
	}
	_, found, err := s.FindByToken(ctx, "long")
	require.NoError(t, err)
	assert.True(t, found)

	_, err = s.ExchangeCode(ctx, "abc123", Base)
	requireType(t, err, grantErrors.TypeCodeExpired)

	// History survives the sweep.
	g, err := s.Get(ctx, "g-2")
	require.NoError(t, err)
	assert.Len(t, g.Tokens, 3)

	again, err := s.SweepExpired(ctx, Base.Add(15*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, again)
}

func testHealth(t *testing.T, s storage.GrantStore) {
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	assert.NoError(t, s.Health(ctx))
}
