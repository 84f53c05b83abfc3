// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadSigningKey(t *testing.T) {
	t.Parallel()

	rsaKey, _ := rsa.GenerateKey(rand.Reader, 2048)
	smallRSAKey, _ := rsa.GenerateKey(rand.Reader, 1024)
	ecKey, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	_, edKey, _ := ed25519.GenerateKey(rand.Reader)

	pkcs8 := func(key any) []byte {
		der, err := x509.MarshalPKCS8PrivateKey(key)
		require.NoError(t, err)
		return der
	}
	sec1, err := x509.MarshalECPrivateKey(ecKey)
	require.NoError(t, err)

	tests := []struct {
		name     string
		pemType  string
		der      []byte
		raw      string
		path     string
		wantErr  string
		wantType any
	}{
		{name: "RSA PKCS1", pemType: "RSA PRIVATE KEY", der: x509.MarshalPKCS1PrivateKey(rsaKey), wantType: &rsa.PrivateKey{}},
		{name: "RSA PKCS8", pemType: "PRIVATE KEY", der: pkcs8(rsaKey), wantType: &rsa.PrivateKey{}},
		{name: "EC SEC1", pemType: "EC PRIVATE KEY", der: sec1, wantType: &ecdsa.PrivateKey{}},
		{name: "EC PKCS8", pemType: "PRIVATE KEY", der: pkcs8(ecKey), wantType: &ecdsa.PrivateKey{}},
		{name: "Ed25519 PKCS8", pemType: "PRIVATE KEY", der: pkcs8(edKey), wantType: ed25519.PrivateKey{}},
		{name: "RSA below minimum", pemType: "RSA PRIVATE KEY", der: x509.MarshalPKCS1PrivateKey(smallRSAKey), wantErr: "below minimum required"},
		{name: "invalid PEM", raw: "not valid PEM", wantErr: "failed to decode PEM block"},
		{name: "garbage key", pemType: "PRIVATE KEY", der: []byte("garbage"), wantErr: "failed to parse signing key"},
		{name: "missing file", path: "/nonexistent/key.pem", wantErr: "failed to read signing key"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			path := tt.path
			if path == "" {
				path = filepath.Join(t.TempDir(), "key.pem")
				data := []byte(tt.raw)
				if tt.der != nil {
					data = pem.EncodeToMemory(&pem.Block{Type: tt.pemType, Bytes: tt.der})
				}
				require.NoError(t, os.WriteFile(path, data, 0600))
			}

			signer, err := LoadSigningKey(path)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				assert.Nil(t, signer)
				return
			}
			require.NoError(t, err)
			assert.IsType(t, tt.wantType, signer)
		})
	}
}

func TestValidateAlgorithmForKey(t *testing.T) {
	t.Parallel()

	rsaKey, _ := rsa.GenerateKey(rand.Reader, 2048)
	ecP256, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	ecP384, _ := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	_, edKey, _ := ed25519.GenerateKey(rand.Reader)

	tests := []struct {
		name    string
		alg     string
		key     crypto.Signer
		wantErr string
	}{
		{"RS256 with RSA", "RS256", rsaKey, ""},
		{"PS384 with RSA", "PS384", rsaKey, ""},
		{"ES256 with P-256", "ES256", ecP256, ""},
		{"ES384 with P-384", "ES384", ecP384, ""},
		{"EdDSA with Ed25519", "EdDSA", edKey, ""},
		{"ES256 with RSA", "ES256", rsaKey, "not compatible with RSA"},
		{"RS256 with EC", "RS256", ecP256, "not compatible with EC"},
		{"ES256 with P-384", "ES256", ecP384, "not compatible with EC key"},
		{"RS256 with Ed25519", "RS256", edKey, "not compatible with Ed25519"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := ValidateAlgorithmForKey(tt.alg, tt.key)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestNewSigningKey(t *testing.T) {
	t.Parallel()

	ecKey, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	_, edKey, _ := ed25519.GenerateKey(rand.Reader)

	key, err := NewSigningKey(ecKey, "", "")
	require.NoError(t, err)
	assert.Equal(t, "ES256", key.Algorithm)
	assert.NotEmpty(t, key.KeyID)

	key, err = NewSigningKey(edKey, "my-key", "")
	require.NoError(t, err)
	assert.Equal(t, "EdDSA", key.Algorithm)
	assert.Equal(t, "my-key", key.KeyID)

	_, err = NewSigningKey(ecKey, "", "ES384")
	require.ErrorContains(t, err, "not compatible with EC")
}

func TestDeriveKeyID(t *testing.T) {
	t.Parallel()

	k1, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	k2, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)

	id1, err := DeriveKeyID(k1)
	require.NoError(t, err)
	again, err := DeriveKeyID(k1)
	require.NoError(t, err)
	other, err := DeriveKeyID(k2)
	require.NoError(t, err)

	assert.Equal(t, id1, again, "same key should produce same ID")
	assert.NotEqual(t, id1, other, "different keys should produce different IDs")
}

func TestLoadHMACSecrets(t *testing.T) {
	t.Parallel()

	valid := strings.Repeat("a", 32)
	valid2 := strings.Repeat("b", 32)
	short := strings.Repeat("c", 31)

	write := func(t *testing.T, dir, name, content string) string {
		t.Helper()
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(content), 0600))
		return p
	}

	tests := []struct {
		name        string
		setup       func(t *testing.T, dir string) []string
		wantCurrent []byte
		wantRotated [][]byte
		wantErr     string
	}{
		{
			name:  "no paths",
			setup: func(*testing.T, string) []string { return nil },
		},
		{
			name: "current and rotated, whitespace trimmed",
			setup: func(t *testing.T, dir string) []string {
				return []string{write(t, dir, "current", "  "+valid+"\n"), "", write(t, dir, "old", valid2)}
			},
			wantCurrent: []byte(valid),
			wantRotated: [][]byte{[]byte(valid2)},
		},
		{
			name:    "empty current path",
			setup:   func(*testing.T, string) []string { return []string{""} },
			wantErr: "current HMAC secret path cannot be empty",
		},
		{
			name: "current too short",
			setup: func(t *testing.T, dir string) []string {
				return []string{write(t, dir, "current", short)}
			},
			wantErr: "HMAC secret must be at least",
		},
		{
			name: "rotated missing",
			setup: func(t *testing.T, dir string) []string {
				return []string{write(t, dir, "current", valid), "/nonexistent/old"}
			},
			wantErr: "failed to load rotated HMAC secret [1]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			secrets, err := LoadHMACSecrets(tt.setup(t, t.TempDir()))
			if tt.wantErr != "" {
				require.ErrorContains(t, err, tt.wantErr)
				assert.Nil(t, secrets)
				return
			}
			require.NoError(t, err)
			if tt.wantCurrent == nil {
				assert.Nil(t, secrets)
				return
			}
			assert.Equal(t, tt.wantCurrent, secrets.Current)
			assert.Equal(t, tt.wantRotated, secrets.Rotated)
			assert.Len(t, secrets.All(), 1+len(tt.wantRotated))
		})
	}
}

func TestGenerateHMACSecrets(t *testing.T) {
	t.Parallel()

	a, err := GenerateHMACSecrets()
	require.NoError(t, err)
	b, err := GenerateHMACSecrets()
	require.NoError(t, err)

	assert.Len(t, a.Current, MinHMACSecretLength)
	assert.NotEqual(t, a.Current, b.Current)
	assert.Empty(t, a.Rotated)
}
