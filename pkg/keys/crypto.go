// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/go-jose/go-jose/v4"
)

const (
	// MinRSAKeyBits is the smallest RSA modulus accepted for signing.
	MinRSAKeyBits = 2048
	// MinHMACSecretLength is the smallest HMAC secret accepted, in bytes.
	MinHMACSecretLength = 32
)

// LoadSigningKey reads a PEM-encoded private key. RSA (PKCS1/PKCS8),
// ECDSA (SEC1/PKCS8) and Ed25519 (PKCS8) keys are supported.
func LoadSigningKey(path string) (crypto.Signer, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from operator configuration
	if err != nil {
		return nil, fmt.Errorf("failed to read signing key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block from %s", path)
	}

	var key any
	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		key, err = x509.ParseECPrivateKey(block.Bytes)
	default:
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse signing key: %w", err)
	}

	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("failed to parse signing key: %T is not a signer", key)
	}
	if rsaKey, ok := signer.(*rsa.PrivateKey); ok && rsaKey.N.BitLen() < MinRSAKeyBits {
		return nil, fmt.Errorf("RSA key size %d bits is below minimum required %d bits", rsaKey.N.BitLen(), MinRSAKeyBits)
	}
	return signer, nil
}

// DeriveAlgorithm returns the default JWS algorithm for key.
func DeriveAlgorithm(key crypto.Signer) (string, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return string(jose.RS256), nil
	case *ecdsa.PrivateKey:
		switch k.Curve {
		case elliptic.P256():
			return string(jose.ES256), nil
		case elliptic.P384():
			return string(jose.ES384), nil
		case elliptic.P521():
			return string(jose.ES512), nil
		default:
			return "", fmt.Errorf("unsupported EC curve %s", k.Curve.Params().Name)
		}
	case ed25519.PrivateKey:
		return string(jose.EdDSA), nil
	default:
		return "", fmt.Errorf("unsupported key type %T", key)
	}
}

// ValidateAlgorithmForKey checks that alg can be produced with key.
func ValidateAlgorithmForKey(alg string, key crypto.Signer) error {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		switch jose.SignatureAlgorithm(alg) {
		case jose.RS256, jose.RS384, jose.RS512, jose.PS256, jose.PS384, jose.PS512:
			return nil
		}
		return fmt.Errorf("algorithm %s is not compatible with RSA keys", alg)
	case *ecdsa.PrivateKey:
		want, err := DeriveAlgorithm(k)
		if err != nil {
			return err
		}
		if alg != want {
			return fmt.Errorf("algorithm %s is not compatible with EC key on curve %s", alg, k.Curve.Params().Name)
		}
		return nil
	case ed25519.PrivateKey:
		if jose.SignatureAlgorithm(alg) != jose.EdDSA {
			return fmt.Errorf("algorithm %s is not compatible with Ed25519 keys", alg)
		}
		return nil
	default:
		return fmt.Errorf("unsupported key type %T", key)
	}
}

// DeriveKeyID returns the RFC 7638 thumbprint of key's public half.
func DeriveKeyID(key crypto.Signer) (string, error) {
	jwk := jose.JSONWebKey{Key: key.Public()}
	thumb, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("failed to compute key thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(thumb), nil
}

// NewSigningKey wraps signer with its key ID and algorithm, deriving whichever is empty.
func NewSigningKey(signer crypto.Signer, keyID, algorithm string) (*SigningKey, error) {
	if algorithm == "" {
		derived, err := DeriveAlgorithm(signer)
		if err != nil {
			return nil, err
		}
		algorithm = derived
	} else if err := ValidateAlgorithmForKey(algorithm, signer); err != nil {
		return nil, err
	}
	if keyID == "" {
		derived, err := DeriveKeyID(signer)
		if err != nil {
			return nil, err
		}
		keyID = derived
	}
	return &SigningKey{KeyID: keyID, Algorithm: algorithm, Key: signer}, nil
}

// HMACSecrets holds the secret used to mint opaque tokens and the retired
// secrets still accepted when validating them.
type HMACSecrets struct {
	Current []byte
	Rotated [][]byte
}

// All returns Current followed by Rotated.
func (s *HMACSecrets) All() [][]byte {
	return append([][]byte{s.Current}, s.Rotated...)
}

// LoadHMACSecrets reads secrets from files. The first path is the current
// secret; later paths are rotated secrets and may be empty to skip a slot.
// It returns nil when paths is empty.
func LoadHMACSecrets(paths []string) (*HMACSecrets, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	if paths[0] == "" {
		return nil, fmt.Errorf("current HMAC secret path cannot be empty")
	}
	current, err := loadHMACSecret(paths[0])
	if err != nil {
		return nil, fmt.Errorf("failed to load current HMAC secret: %w", err)
	}

	secrets := &HMACSecrets{Current: current}
	for i, p := range paths[1:] {
		if p == "" {
			continue
		}
		rotated, err := loadHMACSecret(p)
		if err != nil {
			return nil, fmt.Errorf("failed to load rotated HMAC secret [%d]: %w", i+1, err)
		}
		secrets.Rotated = append(secrets.Rotated, rotated)
	}
	return secrets, nil
}

// GenerateHMACSecrets returns a random current secret with no rotated secrets.
func GenerateHMACSecrets() (*HMACSecrets, error) {
	secret := make([]byte, MinHMACSecretLength)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("failed to generate HMAC secret: %w", err)
	}
	return &HMACSecrets{Current: secret}, nil
}

func loadHMACSecret(path string) ([]byte, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from operator configuration
	if err != nil {
		return nil, err
	}
	secret := bytes.TrimSpace(data)
	if len(secret) < MinHMACSecretLength {
		return nil, fmt.Errorf("HMAC secret must be at least %d bytes, got %d", MinHMACSecretLength, len(secret))
	}
	return secret, nil
}
