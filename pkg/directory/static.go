// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package directory

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	grantErrors "github.com/stacklok/grantengine/pkg/errors"
	"github.com/stacklok/grantengine/pkg/grant"
)

// Static is an immutable in-memory Directory.
type Static struct {
	clients map[string]*Client
	owners  map[string]*ResourceOwner
}

var _ Directory = (*Static)(nil)

// File is the on-disk directory format.
type File struct {
	Clients        []Client        `yaml:"clients"`
	ResourceOwners []ResourceOwner `yaml:"resource_owners"`
}

// NewStatic validates and indexes clients and owners.
func NewStatic(clients []Client, owners []ResourceOwner) (*Static, error) {
	s := &Static{
		clients: make(map[string]*Client, len(clients)),
		owners:  make(map[string]*ResourceOwner, len(owners)),
	}
	for i := range clients {
		c := clients[i].Clone()
		if c.ID == "" {
			return nil, fmt.Errorf("client [%d]: id is required", i)
		}
		if _, exists := s.clients[c.ID]; exists {
			return nil, fmt.Errorf("client %q is defined more than once", c.ID)
		}
		for _, t := range c.GrantTypes {
			if _, err := grant.ParseType(string(t)); err != nil {
				return nil, fmt.Errorf("client %q: %w", c.ID, err)
			}
		}
		c.Scopes = grant.NewScopes(c.Scopes...)
		s.clients[c.ID] = c
	}
	for i := range owners {
		o := owners[i].Clone()
		if o.Subject == "" {
			return nil, fmt.Errorf("resource owner [%d]: subject is required", i)
		}
		if _, exists := s.owners[o.Subject]; exists {
			return nil, fmt.Errorf("resource owner %q is defined more than once", o.Subject)
		}
		o.Scopes = grant.NewScopes(o.Scopes...)
		s.owners[o.Subject] = o
	}
	return s, nil
}

// LoadFile reads a YAML directory file.
func LoadFile(path string) (*Static, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path comes from operator configuration
	if err != nil {
		return nil, fmt.Errorf("failed to read directory file: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse directory file: %w", err)
	}
	return NewStatic(f.Clients, f.ResourceOwners)
}

// GetClient implements Directory.
func (s *Static) GetClient(_ context.Context, id string) (*Client, error) {
	c, ok := s.clients[id]
	if !ok {
		return nil, grantErrors.Newf(grantErrors.TypeNotFound, "client %q is not registered", id)
	}
	return c.Clone(), nil
}

// GetResourceOwner implements Directory.
func (s *Static) GetResourceOwner(_ context.Context, subject string) (*ResourceOwner, error) {
	o, ok := s.owners[subject]
	if !ok {
		return nil, grantErrors.Newf(grantErrors.TypeNotFound, "resource owner %q is not known", subject)
	}
	return o.Clone(), nil
}
