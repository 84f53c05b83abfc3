// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/stacklok/grantengine/pkg/config"
	"github.com/stacklok/grantengine/pkg/storage"
	"github.com/stacklok/grantengine/pkg/storage/sqlite"
)

// RedisPasswordEnvVar supplies the Redis password when no password file is configured.
const RedisPasswordEnvVar = "GRANTENGINE_REDIS_PASSWORD"

// newStore creates the grant store selected by cfg.Type.
func newStore(ctx context.Context, cfg config.StorageConfig) (storage.GrantStore, error) {
	switch cfg.Type {
	case storage.TypeMemory, "":
		// Server.Run owns the sweep so expirations reach telemetry.
		return storage.NewMemoryStore(storage.WithCleanupInterval(0)), nil

	case storage.TypeRedis:
		password, err := resolveRedisPassword(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve Redis password: %w", err)
		}
		store, err := storage.NewRedisStore(ctx, storage.RedisConfig{
			Addr:               cfg.Redis.Addr,
			SentinelMasterName: cfg.Redis.SentinelMasterName,
			SentinelAddrs:      cfg.Redis.SentinelAddrs,
			Username:           cfg.Redis.Username,
			Password:           password,
			DB:                 cfg.Redis.DB,
			KeyPrefix:          cfg.Redis.KeyPrefix,
			DialTimeout:        cfg.Redis.DialTimeout,
			ReadTimeout:        cfg.Redis.ReadTimeout,
			WriteTimeout:       cfg.Redis.WriteTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Redis store: %w", err)
		}
		return store, nil

	case storage.TypeSQLite:
		store, err := sqlite.Open(ctx, cfg.SQLite.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open SQLite store: %w", err)
		}
		return store, nil

	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
}

// resolveRedisPassword reads the password file, falling back to RedisPasswordEnvVar.
func resolveRedisPassword(cfg config.RedisConfig) (string, error) {
	if cfg.PasswordFile != "" {
		data, err := os.ReadFile(cfg.PasswordFile) // #nosec G304 - file path is provided by user via config
		if err != nil {
			return "", fmt.Errorf("failed to read Redis password file: %w", err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	return os.Getenv(RedisPasswordEnvVar), nil
}
