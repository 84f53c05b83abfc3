// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"hash"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/stacklok/grantengine/pkg/grant"
	"github.com/stacklok/grantengine/pkg/keys"
)

const (
	typeJWT         = "JWT"
	typeAccessToken = "at+jwt"
)

var supportedAlgorithms = []jose.SignatureAlgorithm{
	jose.RS256, jose.RS384, jose.RS512,
	jose.PS256, jose.PS384, jose.PS512,
	jose.ES256, jose.ES384, jose.ES512,
	jose.EdDSA,
}

// Claims is the verified content of a JWT minted by the factory. Fields that
// do not apply to the token's kind are empty.
type Claims struct {
	jwt.Claims
	ClientID        string `json:"client_id,omitempty"`
	Scope           string `json:"scope,omitempty"`
	Nonce           string `json:"nonce,omitempty"`
	AuthTime        int64  `json:"auth_time,omitempty"`
	AuthorizedParty string `json:"azp,omitempty"`
	AccessTokenHash string `json:"at_hash,omitempty"`
}

func (f *Factory) signingKey(ctx context.Context) (*keys.SigningKey, error) {
	key, err := f.keys.SigningKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("signing key unavailable: %w", err)
	}
	return key, nil
}

func sign(key *keys.SigningKey, typ string, claims any) (string, error) {
	opts := (&jose.SignerOptions{}).WithType(jose.ContentType(typ)).WithHeader("kid", key.KeyID)
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.SignatureAlgorithm(key.Algorithm), Key: key.Key}, opts)
	if err != nil {
		return "", fmt.Errorf("failed to create signer: %w", err)
	}
	return jwt.Signed(signer).Claims(claims).Serialize()
}

func (f *Factory) signIDToken(ctx context.Context, g *grant.Grant, t *grant.Token) (string, error) {
	key, err := f.signingKey(ctx)
	if err != nil {
		return "", err
	}
	claims := Claims{
		Claims: jwt.Claims{
			Issuer:   f.issuer,
			Subject:  g.Subject,
			Audience: jwt.Audience{g.ClientID},
			IssuedAt: jwt.NewNumericDate(t.IssuedAt),
			Expiry:   jwt.NewNumericDate(t.ExpiresAt),
			ID:       newJTI(),
		},
		Nonce:           g.Nonce,
		AuthorizedParty: g.ClientID,
	}
	if !g.AuthTime.IsZero() {
		claims.AuthTime = g.AuthTime.Unix()
	}
	if access, ok := g.Latest(grant.KindAccessToken); ok {
		atHash, err := accessTokenHash(key.Algorithm, access.Value)
		if err != nil {
			return "", err
		}
		claims.AccessTokenHash = atHash
	}
	return sign(key, typeJWT, claims)
}

func (f *Factory) signAccessToken(ctx context.Context, g *grant.Grant, t *grant.Token) (string, error) {
	key, err := f.signingKey(ctx)
	if err != nil {
		return "", err
	}
	subject := g.Subject
	if subject == "" {
		subject = g.ClientID
	}
	claims := Claims{
		Claims: jwt.Claims{
			Issuer:   f.issuer,
			Subject:  subject,
			Audience: jwt.Audience(f.audience),
			IssuedAt: jwt.NewNumericDate(t.IssuedAt),
			Expiry:   jwt.NewNumericDate(t.ExpiresAt),
			ID:       newJTI(),
		},
		ClientID: g.ClientID,
		Scope:    t.Scopes.String(),
	}
	return sign(key, typeAccessToken, claims)
}

// VerifyJWT checks the signature of value against the provider's verification
// keys and validates issuer and lifetime.
func (f *Factory) VerifyJWT(ctx context.Context, value string) (*Claims, error) {
	tok, err := jwt.ParseSigned(value, supportedAlgorithms)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JWT: %w", err)
	}
	if len(tok.Headers) == 0 {
		return nil, fmt.Errorf("JWT has no protected header")
	}
	kid := tok.Headers[0].KeyID

	vks, err := f.keys.VerificationKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("verification keys unavailable: %w", err)
	}
	for _, vk := range vks {
		if kid != "" && vk.KeyID != kid {
			continue
		}
		var claims Claims
		if err := tok.Claims(vk.PublicKey, &claims); err != nil {
			continue
		}
		if err := claims.ValidateWithLeeway(jwt.Expected{Issuer: f.issuer, Time: f.clock.Now()}, 0); err != nil {
			return nil, fmt.Errorf("invalid JWT claims: %w", err)
		}
		return &claims, nil
	}
	return nil, fmt.Errorf("no verification key matches JWT signature")
}

// accessTokenHash computes the OIDC at_hash claim for alg.
func accessTokenHash(alg, accessToken string) (string, error) {
	var h hash.Hash
	switch jose.SignatureAlgorithm(alg) {
	case jose.RS256, jose.ES256, jose.PS256:
		h = sha256.New()
	case jose.RS384, jose.ES384, jose.PS384:
		h = sha512.New384()
	case jose.RS512, jose.ES512, jose.PS512, jose.EdDSA:
		h = sha512.New()
	default:
		return "", fmt.Errorf("no at_hash function for algorithm %s", alg)
	}
	h.Write([]byte(accessToken))
	sum := h.Sum(nil)
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2]), nil
}
