// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package logger provides the process-wide structured logger used by grantengine.
//
// It wraps toolhive-core/logging. Components log grant IDs, client IDs and
// token kinds; token and code values never reach the log.
package logger

import (
	"log/slog"
	"strconv"
	"sync/atomic"

	"github.com/go-logr/logr"
	"github.com/spf13/viper"

	"github.com/stacklok/toolhive-core/env"
	"github.com/stacklok/toolhive-core/logging"
)

const (
	// UnstructuredLogsEnvVar selects text output when true or unset, JSON when false.
	UnstructuredLogsEnvVar = "UNSTRUCTURED_LOGS"
	// DebugEnvVar enables debug level when set to a true value.
	DebugEnvVar = "GRANTENGINE_DEBUG"
)

var current atomic.Pointer[slog.Logger]

func init() {
	current.Store(logging.New())
}

// Get returns the current logger for injection into structs.
func Get() *slog.Logger {
	return current.Load()
}

// Set replaces the current logger. Production code calls Initialize instead.
func Set(l *slog.Logger) {
	current.Store(l)
}

// Initialize configures the logger from the process environment and the
// viper "debug" key.
func Initialize() {
	InitializeWithEnv(&env.OSReader{})
}

// InitializeWithEnv configures the logger reading variables through envReader.
func InitializeWithEnv(envReader env.Reader) {
	var opts []logging.Option
	if boolEnv(envReader, UnstructuredLogsEnvVar, true) {
		opts = append(opts, logging.WithFormat(logging.FormatText))
	}
	if viper.GetBool("debug") || boolEnv(envReader, DebugEnvVar, false) {
		opts = append(opts, logging.WithLevel(slog.LevelDebug))
	}
	current.Store(logging.New(opts...))
}

// boolEnv parses name as a bool, returning fallback when unset or malformed.
func boolEnv(envReader env.Reader, name string, fallback bool) bool {
	v, err := strconv.ParseBool(envReader.Getenv(name))
	if err != nil {
		return fallback
	}
	return v
}

// NewLogr bridges the current logger to logr for libraries such as OpenTelemetry.
func NewLogr() logr.Logger {
	return logr.FromSlogHandler(Get().Handler())
}

// Debug logs msg at debug level.
func Debug(msg string) { Get().Debug(msg) }

// Debugw logs msg at debug level with key-value pairs.
func Debugw(msg string, keysAndValues ...any) { Get().Debug(msg, keysAndValues...) }

// Info logs msg at info level.
func Info(msg string) { Get().Info(msg) }

// Infow logs msg at info level with key-value pairs.
func Infow(msg string, keysAndValues ...any) { Get().Info(msg, keysAndValues...) }

// Warn logs msg at warning level.
func Warn(msg string) { Get().Warn(msg) }

// Warnw logs msg at warning level with key-value pairs.
func Warnw(msg string, keysAndValues ...any) { Get().Warn(msg, keysAndValues...) }

// Error logs msg at error level.
func Error(msg string) { Get().Error(msg) }

// Errorw logs msg at error level with key-value pairs.
func Errorw(msg string, keysAndValues ...any) { Get().Error(msg, keysAndValues...) }
