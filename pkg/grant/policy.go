// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package grant

import (
	"slices"

	grantErrors "github.com/stacklok/grantengine/pkg/errors"
)

// Type is the grant-type variant of an authorization grant.
type Type string

const (
	// TypeAuthorizationCode is the authorization code grant (RFC 6749 4.1).
	TypeAuthorizationCode Type = "authorization_code"
	// TypeImplicit is the implicit grant (RFC 6749 4.2).
	TypeImplicit Type = "implicit"
	// TypeResourceOwnerPassword is the resource owner password credentials grant (RFC 6749 4.3).
	TypeResourceOwnerPassword Type = "password"
	// TypeClientCredentials is the client credentials grant (RFC 6749 4.4).
	TypeClientCredentials Type = "client_credentials"
	// TypeRefreshToken is the refresh token grant (RFC 6749 6).
	TypeRefreshToken Type = "refresh_token"
	// TypeUMATicket is the UMA 2.0 extension grant.
	TypeUMATicket Type = "urn:ietf:params:oauth:grant-type:uma-ticket"
)

// Capabilities is the per-grant-type issuance policy.
type Capabilities struct {
	// AllowsRefreshToken reports whether a refresh token may ever be issued.
	AllowsRefreshToken bool
	// RequiresResourceOwner reports whether a grant must name a resource owner.
	RequiresResourceOwner bool
	// RequiresPKCE reports whether the code exchange must present a PKCE verifier.
	RequiresPKCE bool
	// CodeIsSingleUse reports whether the grant is backed by a single-use authorization code.
	CodeIsSingleUse bool
	// ForbidsResourceOwner reports whether a grant must not name a resource owner.
	ForbidsResourceOwner bool
}

// policy is the capability matrix. It is never mutated after package initialization.
var policy = map[Type]Capabilities{
	TypeAuthorizationCode: {
		AllowsRefreshToken:    true,
		RequiresResourceOwner: true,
		RequiresPKCE:          true,
		CodeIsSingleUse:       true,
	},
	TypeImplicit: {
		RequiresResourceOwner: true,
	},
	TypeResourceOwnerPassword: {
		AllowsRefreshToken:    true,
		RequiresResourceOwner: true,
	},
	TypeClientCredentials: {
		ForbidsResourceOwner: true,
	},
	TypeRefreshToken: {
		AllowsRefreshToken: true,
	},
	TypeUMATicket: {
		AllowsRefreshToken:   true,
		ForbidsResourceOwner: true,
	},
}

// CapabilitiesFor returns the issuance policy for t.
func CapabilitiesFor(t Type) (Capabilities, error) {
	caps, ok := policy[t]
	if !ok {
		return Capabilities{}, grantErrors.Newf(grantErrors.TypeUnsupportedGrantType, "unknown grant type %q", t)
	}
	return caps, nil
}

// Types returns every grant type known to the policy table, sorted.
func Types() []Type {
	types := make([]Type, 0, len(policy))
	for t := range policy {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}

// ParseType converts a wire value into a Type known to the policy table.
func ParseType(s string) (Type, error) {
	t := Type(s)
	if _, err := CapabilitiesFor(t); err != nil {
		return "", err
	}
	return t, nil
}
