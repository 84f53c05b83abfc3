// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config holds the grant engine configuration.
//
// The engine reads a snapshot through a Provider at the start of every
// request, so a reload applies to subsequent requests and never to tokens
// already issued.
package config

import (
	"errors"
	"fmt"
	"maps"
	"net/url"
	"slices"
	"time"

	"github.com/stacklok/grantengine/pkg/grant"
	"github.com/stacklok/grantengine/pkg/keys"
	"github.com/stacklok/grantengine/pkg/storage"
	"github.com/stacklok/grantengine/pkg/telemetry"
	"github.com/stacklok/grantengine/pkg/token"
)

// Scope strategy names.
const (
	ScopeStrategyExact      = "exact"
	ScopeStrategyHierarchic = "hierarchic"
	ScopeStrategyWildcard   = "wildcard"
)

// Config is the complete grant engine configuration.
type Config struct {
	// Issuer is the iss claim of every signed token.
	Issuer string `mapstructure:"issuer" yaml:"issuer"`

	// EnabledGrantTypes lists the grant types the engine accepts.
	EnabledGrantTypes []grant.Type `mapstructure:"enabled_grant_types" yaml:"enabled_grant_types"`

	// SupportedScopes is the server-wide scope allow list. Empty allows any
	// scope registered for the client.
	SupportedScopes []string `mapstructure:"supported_scopes" yaml:"supported_scopes"`

	// ScopeStrategy selects how a requested scope matches a granted one:
	// exact, hierarchic or wildcard.
	ScopeStrategy string `mapstructure:"scope_strategy" yaml:"scope_strategy"`

	AccessTokenFormat   grant.Format `mapstructure:"access_token_format" yaml:"access_token_format"`
	AccessTokenAudience []string     `mapstructure:"access_token_audience" yaml:"access_token_audience"`

	// RefreshTokenRotation replaces the refresh token on every refresh and
	// treats reuse of a replaced token as replay.
	RefreshTokenRotation bool `mapstructure:"refresh_token_rotation" yaml:"refresh_token_rotation"`

	// RevokeOnCodeReuse revokes the grant when its code is presented twice.
	RevokeOnCodeReuse bool `mapstructure:"revoke_on_code_reuse" yaml:"revoke_on_code_reuse"`

	Lifetimes token.Lifetimes `mapstructure:"lifetimes" yaml:"lifetimes"`

	Signing keys.Config `mapstructure:"signing" yaml:"signing"`

	// HMACSecretFiles protect opaque values. The first file is current, the
	// rest are accepted for verification only. Empty generates a secret.
	HMACSecretFiles []string `mapstructure:"hmac_secret_files" yaml:"hmac_secret_files"`

	RateLimit RateLimitConfig `mapstructure:"rate_limit" yaml:"rate_limit"`

	// SweepInterval is the period of the store expiry sweep. Zero disables it.
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`

	Storage   StorageConfig    `mapstructure:"storage" yaml:"storage"`
	Directory DirectoryConfig  `mapstructure:"directory" yaml:"directory"`
	Telemetry telemetry.Config `mapstructure:"telemetry" yaml:"telemetry"`
}

// RateLimitConfig bounds token issuance per client. PerSecond of zero disables it.
type RateLimitConfig struct {
	PerSecond float64 `mapstructure:"per_second" yaml:"per_second"`
	Burst     int     `mapstructure:"burst" yaml:"burst"`
}

// Enabled reports whether issuance is rate limited.
func (r RateLimitConfig) Enabled() bool {
	return r.PerSecond > 0
}

// StorageConfig selects and configures the grant store.
type StorageConfig struct {
	Type   storage.Type `mapstructure:"type" yaml:"type"`
	Redis  RedisConfig  `mapstructure:"redis" yaml:"redis"`
	SQLite SQLiteConfig `mapstructure:"sqlite" yaml:"sqlite"`
}

// RedisConfig configures the Redis store. The password is read from
// PasswordFile so it never appears in the configuration itself.
type RedisConfig struct {
	Addr               string        `mapstructure:"addr" yaml:"addr"`
	SentinelMasterName string        `mapstructure:"sentinel_master_name" yaml:"sentinel_master_name"`
	SentinelAddrs      []string      `mapstructure:"sentinel_addrs" yaml:"sentinel_addrs"`
	Username           string        `mapstructure:"username" yaml:"username"`
	PasswordFile       string        `mapstructure:"password_file" yaml:"password_file"`
	DB                 int           `mapstructure:"db" yaml:"db"`
	KeyPrefix          string        `mapstructure:"key_prefix" yaml:"key_prefix"`
	DialTimeout        time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
}

// SQLiteConfig configures the SQLite store.
type SQLiteConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// DirectoryConfig locates the client and resource owner directory.
type DirectoryConfig struct {
	File string `mapstructure:"file" yaml:"file"`
}

// Default returns the configuration used for every unset key.
func Default() *Config {
	return &Config{
		EnabledGrantTypes: []grant.Type{
			grant.TypeAuthorizationCode,
			grant.TypeClientCredentials,
			grant.TypeRefreshToken,
		},
		ScopeStrategy:        ScopeStrategyExact,
		AccessTokenFormat:    grant.FormatOpaque,
		RefreshTokenRotation: true,
		Lifetimes: token.Lifetimes{
			AccessToken:       time.Hour,
			RefreshToken:      30 * 24 * time.Hour,
			IDToken:           time.Hour,
			AuthorizationCode: 10 * time.Minute,
		},
		SweepInterval: time.Minute,
		Storage: StorageConfig{
			Type: storage.TypeMemory,
			Redis: RedisConfig{
				KeyPrefix: storage.DefaultKeyPrefix,
			},
			SQLite: SQLiteConfig{Path: "grants.db"},
		},
		Directory: DirectoryConfig{
			File: "clients.yaml",
		},
		Telemetry: telemetry.DefaultConfig(),
	}
}

// applyDefaults fills zero values that a decoded file may leave behind.
func (c *Config) applyDefaults() {
	def := Default()
	if c.ScopeStrategy == "" {
		c.ScopeStrategy = def.ScopeStrategy
	}
	if c.AccessTokenFormat == "" {
		c.AccessTokenFormat = def.AccessTokenFormat
	}
	if c.Storage.Type == "" {
		c.Storage.Type = def.Storage.Type
	}
	if c.Storage.Redis.KeyPrefix == "" {
		c.Storage.Redis.KeyPrefix = def.Storage.Redis.KeyPrefix
	}
	if c.RateLimit.Enabled() && c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = max(1, int(c.RateLimit.PerSecond))
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = def.Telemetry.ServiceName
	}
	if c.Telemetry.ServiceVersion == "" {
		c.Telemetry.ServiceVersion = def.Telemetry.ServiceVersion
	}
}

// Validate reports every problem with the configuration.
func (c *Config) Validate() error {
	var errs []error

	if c.Issuer == "" {
		errs = append(errs, errors.New("issuer is required"))
	} else if u, err := url.Parse(c.Issuer); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("issuer must be an absolute URL, got %q", c.Issuer))
	}

	if len(c.EnabledGrantTypes) == 0 {
		errs = append(errs, errors.New("at least one grant type must be enabled"))
	}
	for _, t := range c.EnabledGrantTypes {
		if _, err := grant.ParseType(string(t)); err != nil {
			errs = append(errs, fmt.Errorf("enabled_grant_types: %w", err))
		}
	}

	switch c.ScopeStrategy {
	case ScopeStrategyExact, ScopeStrategyHierarchic, ScopeStrategyWildcard:
	default:
		errs = append(errs, fmt.Errorf("unknown scope_strategy %q", c.ScopeStrategy))
	}

	switch c.AccessTokenFormat {
	case grant.FormatOpaque, grant.FormatJWT:
	default:
		errs = append(errs, fmt.Errorf("unknown access_token_format %q", c.AccessTokenFormat))
	}

	for name, d := range map[string]time.Duration{
		"access_token":       c.Lifetimes.AccessToken,
		"refresh_token":      c.Lifetimes.RefreshToken,
		"id_token":           c.Lifetimes.IDToken,
		"authorization_code": c.Lifetimes.AuthorizationCode,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("lifetimes.%s must be positive, got %s", name, d))
		}
	}

	if c.RateLimit.PerSecond < 0 || c.RateLimit.Burst < 0 {
		errs = append(errs, errors.New("rate_limit values must not be negative"))
	}
	if c.SweepInterval < 0 {
		errs = append(errs, fmt.Errorf("sweep_interval must not be negative, got %s", c.SweepInterval))
	}

	errs = append(errs, c.Storage.validate()...)

	if c.Directory.File == "" {
		errs = append(errs, errors.New("directory.file is required"))
	}

	if err := c.Telemetry.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("telemetry: %w", err))
	}

	return errors.Join(errs...)
}

func (s StorageConfig) validate() []error {
	switch s.Type {
	case storage.TypeMemory:
		return nil
	case storage.TypeRedis:
		if s.Redis.Addr == "" && s.Redis.SentinelMasterName == "" && len(s.Redis.SentinelAddrs) == 0 {
			return []error{errors.New("storage.redis requires addr or sentinel configuration")}
		}
		return nil
	case storage.TypeSQLite:
		if s.SQLite.Path == "" {
			return []error{errors.New("storage.sqlite.path is required")}
		}
		return nil
	default:
		return []error{fmt.Errorf("unknown storage.type %q", s.Type)}
	}
}

// GrantTypeEnabled reports whether t is accepted.
func (c *Config) GrantTypeEnabled(t grant.Type) bool {
	return slices.Contains(c.EnabledGrantTypes, t)
}

// TokenPolicy returns the per-request issuance policy.
func (c *Config) TokenPolicy() token.Policy {
	return token.Policy{
		Lifetimes:         c.Lifetimes,
		AccessTokenFormat: c.AccessTokenFormat,
	}
}

// Clone returns a deep copy of c.
func (c *Config) Clone() *Config {
	out := *c
	out.EnabledGrantTypes = slices.Clone(c.EnabledGrantTypes)
	out.SupportedScopes = slices.Clone(c.SupportedScopes)
	out.AccessTokenAudience = slices.Clone(c.AccessTokenAudience)
	out.HMACSecretFiles = slices.Clone(c.HMACSecretFiles)
	out.Signing.FallbackKeyFiles = slices.Clone(c.Signing.FallbackKeyFiles)
	out.Storage.Redis.SentinelAddrs = slices.Clone(c.Storage.Redis.SentinelAddrs)
	out.Telemetry.Headers = maps.Clone(c.Telemetry.Headers)
	return &out
}
