// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package grant

import (
	"slices"
	"strings"

	"github.com/ory/fosite"
)

// ScopeOpenID marks a request as OpenID Connect.
const ScopeOpenID = "openid"

// Scopes is a set of scope names kept sorted and free of duplicates.
type Scopes []string

// NewScopes normalizes names into a Scopes set. Empty names are dropped.
func NewScopes(names ...string) Scopes {
	out := make(Scopes, 0, len(names))
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			out = append(out, n)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// ParseScopes splits a space-delimited scope string (RFC 6749 3.3).
func ParseScopes(s string) Scopes {
	return NewScopes(strings.Fields(s)...)
}

// String returns the space-delimited form.
func (s Scopes) String() string {
	return strings.Join(s, " ")
}

// Has reports whether scope is present by exact match.
func (s Scopes) Has(scope string) bool {
	return fosite.ExactScopeStrategy(s, scope)
}

// Missing returns the names in s that strategy does not find in granted.
// A nil strategy means exact matching.
func (s Scopes) Missing(granted Scopes, strategy fosite.ScopeStrategy) []string {
	if strategy == nil {
		strategy = fosite.ExactScopeStrategy
	}
	var missing []string
	for _, scope := range s {
		if !strategy(granted, scope) {
			missing = append(missing, scope)
		}
	}
	return missing
}

// SubsetOf reports whether every scope in s is covered by granted.
func (s Scopes) SubsetOf(granted Scopes, strategy fosite.ScopeStrategy) bool {
	return len(s.Missing(granted, strategy)) == 0
}

// Filter returns the scopes in s covered by granted.
func (s Scopes) Filter(granted Scopes, strategy fosite.ScopeStrategy) Scopes {
	if strategy == nil {
		strategy = fosite.ExactScopeStrategy
	}
	out := make(Scopes, 0, len(s))
	for _, scope := range s {
		if strategy(granted, scope) {
			out = append(out, scope)
		}
	}
	return out
}

// Clone returns a copy of s.
func (s Scopes) Clone() Scopes {
	if s == nil {
		return nil
	}
	return slices.Clone(s)
}

// ScopeStrategy resolves a configured strategy name. Unknown names fall back to exact matching.
func ScopeStrategy(name string) fosite.ScopeStrategy {
	switch name {
	case "hierarchic":
		return fosite.HierarchicScopeStrategy
	case "wildcard":
		return fosite.WildcardScopeStrategy
	default:
		return fosite.ExactScopeStrategy
	}
}
