// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keys

import "fmt"

// Config selects where signing keys come from.
type Config struct {
	// KeyDir is the directory holding PEM private keys. Empty selects an ephemeral key.
	KeyDir string `mapstructure:"key_dir" yaml:"key_dir"`
	// SigningKeyFile is the key used to sign new tokens, relative to KeyDir.
	SigningKeyFile string `mapstructure:"signing_key_file" yaml:"signing_key_file"`
	// FallbackKeyFiles are retired keys still accepted for verification.
	// To rotate, point SigningKeyFile at the new key and move the old name here
	// until every token it signed has expired.
	FallbackKeyFiles []string `mapstructure:"fallback_key_files" yaml:"fallback_key_files"`
	// Algorithm overrides the algorithm derived from the key, or picks the
	// algorithm of a generated key.
	Algorithm string `mapstructure:"algorithm" yaml:"algorithm"`
}

// NewProviderFromConfig returns a FileProvider when KeyDir is set and an
// EphemeralProvider otherwise.
func NewProviderFromConfig(cfg Config) (Provider, error) {
	if cfg.KeyDir != "" {
		return NewFileProvider(cfg)
	}
	if cfg.SigningKeyFile != "" {
		return nil, fmt.Errorf("signing_key_file %q requires key_dir", cfg.SigningKeyFile)
	}
	return NewEphemeralProvider(cfg.Algorithm), nil
}
