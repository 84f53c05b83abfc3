// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package storage provides the grant store contract and its in-memory and
// Redis implementations. The SQLite implementation lives in storage/sqlite.
//
// A grant store owns every mutation of grants after construction. Callers
// receive copies; changing a returned grant has no effect until it goes
// back through a store operation.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	grantErrors "github.com/stacklok/grantengine/pkg/errors"
	"github.com/stacklok/grantengine/pkg/grant"
)

// EntryCode is the Expired.Kind of an authorization code.
const EntryCode = "authorization_code"

// TokenRecord is a token together with a snapshot of its owning grant.
type TokenRecord struct {
	Token *grant.Token
	Grant *grant.Grant
}

// Expired describes an entry cleaned by SweepExpired.
type Expired struct {
	// Kind is EntryCode or a grant.Kind.
	Kind    string
	GrantID string
	// Fingerprint identifies the code or token value without revealing it.
	Fingerprint string
	ExpiresAt   time.Time
}

// GrantStore is a concurrency-safe repository of grants indexed by grant ID,
// authorization code and token value.
type GrantStore interface {
	// Put stores a new grant with any tokens it already carries.
	// It fails with DuplicateGrant if the grant ID, its code or a token value exists.
	Put(ctx context.Context, g *grant.Grant) error

	// Get returns the grant with id or fails with NotFound.
	Get(ctx context.Context, id string) (*grant.Grant, error)

	// FindByCode returns the grant owning code. A miss returns (nil, false, nil).
	FindByCode(ctx context.Context, code string) (*grant.Grant, bool, error)

	// FindByToken returns the token with value and its grant. A miss returns (nil, false, nil).
	FindByToken(ctx context.Context, value string) (*TokenRecord, bool, error)

	// ExchangeCode atomically moves code from ISSUED to EXCHANGED and returns its grant.
	// Exactly one of any number of concurrent callers succeeds; the others fail with
	// CodeAlreadyUsed, CodeExpired or CodeRevoked. Unknown codes fail with NotFound.
	ExchangeCode(ctx context.Context, code string, now time.Time) (*grant.Grant, error)

	// AppendTokens adds tokens to a grant in issuance order. It fails with InvalidGrant
	// if the grant is revoked and UnsupportedOperation for a refresh token the grant
	// type may not carry.
	AppendTokens(ctx context.Context, grantID string, tokens ...*grant.Token) error

	// RotateRefreshToken atomically revokes the refresh token value, marking it rotated,
	// and appends its replacements. Only one rotation of a given value can succeed.
	RotateRefreshToken(ctx context.Context, value string, now time.Time, replacements ...*grant.Token) (*grant.Grant, error)

	// Revoke marks a grant (by ID), a token (by value) or a code (by value) revoked.
	// Revoking a grant cascades to its tokens and unredeemed code. Idempotent.
	Revoke(ctx context.Context, id string, now time.Time) error

	// SweepExpired moves overdue codes to EXPIRED and removes expired tokens from the
	// lookup index. It returns the entries that expired without being revoked.
	// Grants and their token history are kept.
	SweepExpired(ctx context.Context, now time.Time) ([]Expired, error)

	// Health reports whether the backing medium is reachable.
	Health(ctx context.Context) error

	// Close releases resources.
	Close() error
}

// Fingerprint returns a stable, non-reversible identifier for a code or token value.
func Fingerprint(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

// PrepareGrant validates g for Put and returns a copy whose tokens went
// through grant.AppendToken. Store implementations share it.
func PrepareGrant(g *grant.Grant) (*grant.Grant, error) {
	if g == nil || g.ID == "" {
		return nil, grantErrors.New(grantErrors.TypeInvalidGrantConstruction, "grant ID is required", nil)
	}
	if _, err := g.Capabilities(); err != nil {
		return nil, err
	}
	out := g.Clone()
	out.Tokens = nil
	for _, t := range g.Tokens {
		if t.Value == "" {
			return nil, grantErrors.New(grantErrors.TypeInvalidRequest, "token value is required", nil)
		}
		if err := out.AppendToken(t.Clone()); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// PrepareAppend checks that tokens can be appended to g without modifying g.
func PrepareAppend(g *grant.Grant, tokens []*grant.Token) error {
	if g.Revoked {
		return grantErrors.Newf(grantErrors.TypeInvalidGrant, "grant %s is revoked", g.ID)
	}
	scratch := g.Clone()
	for _, t := range tokens {
		if t.Value == "" {
			return grantErrors.New(grantErrors.TypeInvalidRequest, "token value is required", nil)
		}
		if err := scratch.AppendToken(t.Clone()); err != nil {
			return err
		}
	}
	return nil
}

// CheckRotation validates that old may be rotated at now.
func CheckRotation(g *grant.Grant, old *grant.Token, now time.Time) error {
	switch {
	case old.Kind != grant.KindRefreshToken:
		return grantErrors.New(grantErrors.TypeInvalidGrant, "token is not a refresh token", nil)
	case g.Revoked:
		return grantErrors.Newf(grantErrors.TypeInvalidGrant, "grant %s is revoked", g.ID)
	case old.Rotated:
		return grantErrors.New(grantErrors.TypeInvalidGrant, "refresh token was already rotated", nil)
	case old.Revoked:
		return grantErrors.New(grantErrors.TypeInvalidGrant, "refresh token is revoked", nil)
	case old.Expired(now):
		return grantErrors.New(grantErrors.TypeInvalidGrant, "refresh token expired", nil)
	}
	return nil
}

// GrantNotFound returns the NotFound error for a grant ID.
func GrantNotFound(id string) error {
	return grantErrors.Newf(grantErrors.TypeNotFound, "grant %s not found", id)
}

// Duplicate returns the DuplicateGrant error for an existing entry.
func Duplicate(what string) error {
	return grantErrors.Newf(grantErrors.TypeDuplicateGrant, "%s already exists", what)
}
