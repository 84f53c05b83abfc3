// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package keys supplies the signing keys used for identity tokens and
// JWT access tokens, and the HMAC secrets used for opaque tokens.
package keys

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/stacklok/grantengine/pkg/logger"
)

//go:generate mockgen -destination=mocks/mock_provider.go -package=mocks -source=provider.go Provider

// DefaultAlgorithm is the signing algorithm for generated keys.
const DefaultAlgorithm = "ES256"

// SigningKey is private key material with its JWS metadata.
type SigningKey struct {
	// KeyID is the RFC 7638 thumbprint unless configured otherwise.
	KeyID     string
	Algorithm string
	Key       crypto.Signer
	CreatedAt time.Time
}

// VerificationKey is the public half of a SigningKey.
type VerificationKey struct {
	KeyID     string
	Algorithm string
	PublicKey crypto.PublicKey
	CreatedAt time.Time
}

func (k *SigningKey) verificationKey() *VerificationKey {
	return &VerificationKey{
		KeyID:     k.KeyID,
		Algorithm: k.Algorithm,
		PublicKey: k.Key.Public(),
		CreatedAt: k.CreatedAt,
	}
}

func (k *SigningKey) clone() *SigningKey {
	c := *k
	return &c
}

// Provider supplies the key used to sign new tokens and every key that
// tokens still in circulation may have been signed with.
type Provider interface {
	// SigningKey returns the current signing key.
	SigningKey(ctx context.Context) (*SigningKey, error)
	// VerificationKeys returns the public keys accepted during validation.
	VerificationKeys(ctx context.Context) ([]*VerificationKey, error)
}

// FileProvider serves keys loaded from PEM files at construction.
type FileProvider struct {
	signing *SigningKey
	all     []*SigningKey
}

// NewFileProvider loads cfg.SigningKeyFile for signing and cfg.FallbackKeyFiles
// for verification only. File names are relative to cfg.KeyDir.
func NewFileProvider(cfg Config) (*FileProvider, error) {
	if cfg.SigningKeyFile == "" {
		return nil, fmt.Errorf("signing key file is required")
	}
	signing, err := loadKeyFile(filepath.Join(cfg.KeyDir, cfg.SigningKeyFile), cfg.Algorithm)
	if err != nil {
		return nil, fmt.Errorf("failed to load signing key: %w", err)
	}

	all := []*SigningKey{signing}
	for _, name := range cfg.FallbackKeyFiles {
		key, err := loadKeyFile(filepath.Join(cfg.KeyDir, name), "")
		if err != nil {
			return nil, fmt.Errorf("failed to load fallback key %s: %w", name, err)
		}
		all = append(all, key)
	}
	return &FileProvider{signing: signing, all: all}, nil
}

func loadKeyFile(path, algorithm string) (*SigningKey, error) {
	signer, err := LoadSigningKey(path)
	if err != nil {
		return nil, err
	}
	key, err := NewSigningKey(signer, "", algorithm)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key parameters: %w", err)
	}
	key.CreatedAt = time.Now()
	return key, nil
}

// SigningKey returns a copy of the primary key.
func (p *FileProvider) SigningKey(_ context.Context) (*SigningKey, error) {
	return p.signing.clone(), nil
}

// VerificationKeys returns the primary key followed by the fallback keys.
func (p *FileProvider) VerificationKeys(_ context.Context) ([]*VerificationKey, error) {
	out := make([]*VerificationKey, 0, len(p.all))
	for _, k := range p.all {
		out = append(out, k.verificationKey())
	}
	return out, nil
}

// EphemeralProvider generates a key on first use and keeps it in memory.
// Tokens it signed cannot be verified after a restart.
type EphemeralProvider struct {
	algorithm string

	mu  sync.Mutex
	key *SigningKey
}

// NewEphemeralProvider returns a provider generating a key for algorithm,
// or DefaultAlgorithm when empty.
func NewEphemeralProvider(algorithm string) *EphemeralProvider {
	if algorithm == "" {
		algorithm = DefaultAlgorithm
	}
	return &EphemeralProvider{algorithm: algorithm}
}

// SigningKey returns the generated key, generating it on the first call.
func (p *EphemeralProvider) SigningKey(_ context.Context) (*SigningKey, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.key == nil {
		signer, err := generatePrivateKey(p.algorithm)
		if err != nil {
			return nil, fmt.Errorf("failed to generate signing key: %w", err)
		}
		key, err := NewSigningKey(signer, "", p.algorithm)
		if err != nil {
			return nil, err
		}
		key.CreatedAt = time.Now()
		logger.Warnw("generated ephemeral signing key, tokens will not verify after restart",
			"algorithm", key.Algorithm,
			"key_id", key.KeyID,
		)
		p.key = key
	}
	return p.key.clone(), nil
}

// VerificationKeys returns the generated key's public half.
func (p *EphemeralProvider) VerificationKeys(ctx context.Context) ([]*VerificationKey, error) {
	key, err := p.SigningKey(ctx)
	if err != nil {
		return nil, err
	}
	return []*VerificationKey{key.verificationKey()}, nil
}

func generatePrivateKey(algorithm string) (crypto.Signer, error) {
	switch algorithm {
	case "ES256":
		return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	case "ES384":
		return ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	case "ES512":
		return ecdsa.GenerateKey(elliptic.P521(), rand.Reader)
	case "RS256", "RS384", "RS512", "PS256", "PS384", "PS512":
		return rsa.GenerateKey(rand.Reader, MinRSAKeyBits)
	case "EdDSA":
		_, key, err := ed25519.GenerateKey(rand.Reader)
		return key, err
	default:
		return nil, fmt.Errorf("unsupported algorithm for key generation: %s", algorithm)
	}
}

var (
	_ Provider = (*FileProvider)(nil)
	_ Provider = (*EphemeralProvider)(nil)
)
