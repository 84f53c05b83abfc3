// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import "time"

// Type defines the type of storage backend.
type Type string

const (
	// TypeMemory keeps grants in process memory (default).
	TypeMemory Type = "memory"

	// TypeRedis keeps grants in Redis, standalone or behind Sentinel.
	TypeRedis Type = "redis"

	// TypeSQLite keeps grants in a SQLite database file.
	TypeSQLite Type = "sqlite"

	// DefaultCleanupInterval is how often the in-memory store sweeps expired entries.
	DefaultCleanupInterval = time.Minute

	// DefaultKeyPrefix namespaces Redis keys.
	DefaultKeyPrefix = "grantengine:"
)
