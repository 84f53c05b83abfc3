// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package otlp builds OTLP HTTP exporters for traces and metrics.
package otlp

import (
	"errors"
	"time"
)

// DefaultExportInterval is how often metrics are pushed to the collector.
const DefaultExportInterval = 30 * time.Second

// Config holds the OTLP exporter settings.
type Config struct {
	// Endpoint is the collector host and port, e.g. "localhost:4318".
	Endpoint string
	Headers  map[string]string
	// Insecure disables TLS.
	Insecure bool
	// SamplingRate is the fraction of root spans kept.
	SamplingRate float64
	// ExportInterval overrides DefaultExportInterval.
	ExportInterval time.Duration
}

var errNoEndpoint = errors.New("OTLP endpoint is required")
