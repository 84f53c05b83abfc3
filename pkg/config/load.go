// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. GRANTENGINE_STORAGE_TYPE=redis.
const EnvPrefix = "GRANTENGINE"

// Load reads the YAML file at path, applies environment overrides and
// defaults, and validates the result. An empty path loads defaults and
// environment overrides only.
func Load(path string) (*Config, error) {
	v := newViper(path)
	if path != "" {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, Default())
	return v
}

// setDefaults registers every key so environment overrides reach Unmarshal
// even when the file omits the key.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("issuer", d.Issuer)
	v.SetDefault("enabled_grant_types", d.EnabledGrantTypes)
	v.SetDefault("supported_scopes", d.SupportedScopes)
	v.SetDefault("scope_strategy", d.ScopeStrategy)
	v.SetDefault("access_token_format", d.AccessTokenFormat)
	v.SetDefault("access_token_audience", d.AccessTokenAudience)
	v.SetDefault("refresh_token_rotation", d.RefreshTokenRotation)
	v.SetDefault("revoke_on_code_reuse", d.RevokeOnCodeReuse)

	v.SetDefault("lifetimes.access_token", d.Lifetimes.AccessToken)
	v.SetDefault("lifetimes.refresh_token", d.Lifetimes.RefreshToken)
	v.SetDefault("lifetimes.id_token", d.Lifetimes.IDToken)
	v.SetDefault("lifetimes.authorization_code", d.Lifetimes.AuthorizationCode)

	v.SetDefault("signing.key_dir", d.Signing.KeyDir)
	v.SetDefault("signing.signing_key_file", d.Signing.SigningKeyFile)
	v.SetDefault("signing.fallback_key_files", d.Signing.FallbackKeyFiles)
	v.SetDefault("signing.algorithm", d.Signing.Algorithm)
	v.SetDefault("hmac_secret_files", d.HMACSecretFiles)

	v.SetDefault("rate_limit.per_second", d.RateLimit.PerSecond)
	v.SetDefault("rate_limit.burst", d.RateLimit.Burst)
	v.SetDefault("sweep_interval", d.SweepInterval)

	v.SetDefault("storage.type", d.Storage.Type)
	v.SetDefault("storage.redis.addr", d.Storage.Redis.Addr)
	v.SetDefault("storage.redis.sentinel_master_name", d.Storage.Redis.SentinelMasterName)
	v.SetDefault("storage.redis.sentinel_addrs", d.Storage.Redis.SentinelAddrs)
	v.SetDefault("storage.redis.username", d.Storage.Redis.Username)
	v.SetDefault("storage.redis.password_file", d.Storage.Redis.PasswordFile)
	v.SetDefault("storage.redis.db", d.Storage.Redis.DB)
	v.SetDefault("storage.redis.key_prefix", d.Storage.Redis.KeyPrefix)
	v.SetDefault("storage.redis.dial_timeout", d.Storage.Redis.DialTimeout)
	v.SetDefault("storage.redis.read_timeout", d.Storage.Redis.ReadTimeout)
	v.SetDefault("storage.redis.write_timeout", d.Storage.Redis.WriteTimeout)
	v.SetDefault("storage.sqlite.path", d.Storage.SQLite.Path)

	v.SetDefault("directory.file", d.Directory.File)

	v.SetDefault("telemetry.endpoint", d.Telemetry.Endpoint)
	v.SetDefault("telemetry.service_name", d.Telemetry.ServiceName)
	v.SetDefault("telemetry.service_version", d.Telemetry.ServiceVersion)
	v.SetDefault("telemetry.tracing_enabled", d.Telemetry.TracingEnabled)
	v.SetDefault("telemetry.metrics_enabled", d.Telemetry.MetricsEnabled)
	v.SetDefault("telemetry.sampling_rate", d.Telemetry.SamplingRate)
	v.SetDefault("telemetry.insecure", d.Telemetry.Insecure)
	v.SetDefault("telemetry.enable_prometheus_metrics_path", d.Telemetry.EnablePrometheusMetricsPath)
}
