// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"context"
	"fmt"

	"github.com/ory/fosite"
	"github.com/ory/fosite/token/hmac"

	"github.com/stacklok/grantengine/pkg/keys"
)

// opaqueEntropy is the random part of every opaque value, in bytes.
const opaqueEntropy = 32

// opaqueGenerator produces "<random>.<hmac>" values. The HMAC lets the
// validation path discard forged values before touching the store.
type opaqueGenerator struct {
	strategy *hmac.HMACStrategy
}

func newOpaqueGenerator(secrets *keys.HMACSecrets) (*opaqueGenerator, error) {
	if secrets == nil || len(secrets.Current) < keys.MinHMACSecretLength {
		return nil, fmt.Errorf("HMAC secret must be at least %d bytes", keys.MinHMACSecretLength)
	}
	cfg := &fosite.Config{
		GlobalSecret:         secrets.Current,
		RotatedGlobalSecrets: secrets.Rotated,
		TokenEntropy:         opaqueEntropy,
	}
	return &opaqueGenerator{strategy: &hmac.HMACStrategy{Config: cfg}}, nil
}

func (g *opaqueGenerator) generate(ctx context.Context) (string, error) {
	value, _, err := g.strategy.Generate(ctx)
	if err != nil {
		return "", err
	}
	return value, nil
}

func (g *opaqueGenerator) validate(ctx context.Context, value string) error {
	return g.strategy.Validate(ctx, value)
}
