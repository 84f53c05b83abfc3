// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package directory resolves registered clients and resource owners.
//
// The engine consults a Directory before issuing any grant: the client must
// be registered for the requested grant type, and the negotiated scopes are
// bounded by what the client and the resource owner may receive.
package directory

import (
	"context"
	"slices"

	"github.com/stacklok/grantengine/pkg/grant"
)

//go:generate mockgen -destination=mocks/mock_directory.go -package=mocks -source=directory.go Directory

// Directory looks up clients and resource owners. Misses fail with NotFound.
type Directory interface {
	GetClient(ctx context.Context, id string) (*Client, error)
	GetResourceOwner(ctx context.Context, subject string) (*ResourceOwner, error)
}

// Client is a registered OAuth client.
type Client struct {
	ID string `yaml:"id"`
	// GrantTypes the client may use.
	GrantTypes []grant.Type `yaml:"grant_types"`
	// Scopes the client may be granted.
	Scopes grant.Scopes `yaml:"scopes"`
	// RedirectURIs are matched exactly.
	RedirectURIs []string `yaml:"redirect_uris"`
	// Public clients cannot hold a secret and must use PKCE.
	Public bool `yaml:"public"`
}

// AllowsGrantType reports whether the client is registered for t.
func (c *Client) AllowsGrantType(t grant.Type) bool {
	return slices.Contains(c.GrantTypes, t)
}

// ResolveRedirectURI returns the redirect URI to use for uri. An empty uri
// selects the only registered URI when exactly one exists (RFC 6749 3.1.2.3).
func (c *Client) ResolveRedirectURI(uri string) (string, bool) {
	if uri == "" {
		if len(c.RedirectURIs) == 1 {
			return c.RedirectURIs[0], true
		}
		return "", false
	}
	return uri, slices.Contains(c.RedirectURIs, uri)
}

// Clone returns a deep copy of c.
func (c *Client) Clone() *Client {
	if c == nil {
		return nil
	}
	out := *c
	out.GrantTypes = slices.Clone(c.GrantTypes)
	out.Scopes = c.Scopes.Clone()
	out.RedirectURIs = slices.Clone(c.RedirectURIs)
	return &out
}

// ResourceOwner is an entity able to authorize access to its resources.
type ResourceOwner struct {
	Subject string `yaml:"subject"`
	// Scopes bounds what may be granted on the owner's behalf. Empty means unrestricted.
	Scopes grant.Scopes `yaml:"scopes"`
}

// Restricts reports whether the owner limits grantable scopes.
func (o *ResourceOwner) Restricts() bool {
	return len(o.Scopes) > 0
}

// Clone returns a deep copy of o.
func (o *ResourceOwner) Clone() *ResourceOwner {
	if o == nil {
		return nil
	}
	out := *o
	out.Scopes = o.Scopes.Clone()
	return &out
}
