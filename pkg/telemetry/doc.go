// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package telemetry builds the OpenTelemetry tracer and meter providers used
// by the grant engine, including OTLP export and a Prometheus scrape handler.
package telemetry
