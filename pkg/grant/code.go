// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package grant

import (
	"crypto/subtle"
	"fmt"
	"time"

	"golang.org/x/oauth2"

	grantErrors "github.com/stacklok/grantengine/pkg/errors"
)

// PKCEMethodS256 is the only accepted code challenge method.
const PKCEMethodS256 = "S256"

// CodeState is the lifecycle state of an authorization code.
type CodeState int32

const (
	// CodeIssued is the only non-terminal state.
	CodeIssued CodeState = iota
	// CodeExchanged is terminal: the code was redeemed exactly once.
	CodeExchanged
	// CodeExpired is terminal: the deadline passed before redemption.
	CodeExpired
	// CodeRevoked is terminal: the grant was revoked before redemption.
	CodeRevoked
)

var codeStateNames = map[CodeState]string{
	CodeIssued:    "issued",
	CodeExchanged: "exchanged",
	CodeExpired:   "expired",
	CodeRevoked:   "revoked",
}

func (s CodeState) String() string {
	if name, ok := codeStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("CodeState(%d)", int32(s))
}

// ParseCodeState is the inverse of CodeState.String.
func ParseCodeState(name string) (CodeState, error) {
	for s, n := range codeStateNames {
		if n == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown code state %q", name)
}

// Terminal reports whether no further transition is possible.
func (s CodeState) Terminal() bool {
	return s != CodeIssued
}

// Err returns the failure an exchange attempt observes in state s, or nil for CodeIssued.
func (s CodeState) Err() error {
	switch s {
	case CodeIssued:
		return nil
	case CodeExchanged:
		return grantErrors.New(grantErrors.TypeCodeAlreadyUsed, "authorization code was already exchanged", nil)
	case CodeExpired:
		return grantErrors.New(grantErrors.TypeCodeExpired, "authorization code expired", nil)
	case CodeRevoked:
		return grantErrors.New(grantErrors.TypeCodeRevoked, "authorization code was revoked", nil)
	default:
		return fmt.Errorf("invalid code state %d", int32(s))
	}
}

// AuthorizationCode is the single-use value backing an authorization_code grant.
type AuthorizationCode struct {
	Value               string    `json:"value"`
	State               CodeState `json:"state"`
	IssuedAt            time.Time `json:"issued_at"`
	ExpiresAt           time.Time `json:"expires_at"`
	ExchangedAt         time.Time `json:"exchanged_at,omitzero"`
	RedirectURI         string    `json:"redirect_uri,omitempty"`
	CodeChallenge       string    `json:"code_challenge,omitempty"`
	CodeChallengeMethod string    `json:"code_challenge_method,omitempty"`
}

// Expired reports whether the code's deadline has passed at now.
func (c *AuthorizationCode) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// VerifyPKCE checks verifier against the stored S256 challenge (RFC 7636 4.6).
func (c *AuthorizationCode) VerifyPKCE(verifier string) error {
	if c.CodeChallenge == "" {
		return nil
	}
	if verifier == "" {
		return grantErrors.New(grantErrors.TypeInvalidGrant, "code_verifier is required", nil)
	}
	if c.CodeChallengeMethod != PKCEMethodS256 {
		return grantErrors.Newf(grantErrors.TypeInvalidGrant, "unsupported code challenge method %q", c.CodeChallengeMethod)
	}
	computed := oauth2.S256ChallengeFromVerifier(verifier)
	if subtle.ConstantTimeCompare([]byte(computed), []byte(c.CodeChallenge)) != 1 {
		return grantErrors.New(grantErrors.TypeInvalidGrant, "code_verifier does not match code_challenge", nil)
	}
	return nil
}

// Clone returns a copy of c.
func (c *AuthorizationCode) Clone() *AuthorizationCode {
	if c == nil {
		return nil
	}
	cc := *c
	return &cc
}
