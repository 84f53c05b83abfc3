// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package providers assembles OpenTelemetry tracer and meter providers from
// OTLP and Prometheus building blocks.
package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/stacklok/grantengine/pkg/logger"
)

const shutdownTimeout = 5 * time.Second

// Config selects which signals are exported and where.
type Config struct {
	ServiceName    string
	ServiceVersion string

	// OTLPEndpoint is the collector endpoint. Empty disables OTLP export.
	OTLPEndpoint   string
	Headers        map[string]string
	Insecure       bool
	TracingEnabled bool
	MetricsEnabled bool
	SamplingRate   float64

	// EnablePrometheusMetricsPath adds a Prometheus reader and scrape handler.
	EnablePrometheusMetricsPath bool
}

func (c Config) validate() error {
	if c.ServiceName == "" {
		return errors.New("service name cannot be empty")
	}
	if c.ServiceVersion == "" {
		return errors.New("service version cannot be empty")
	}
	return nil
}

// CompositeProvider holds the tracer and meter providers built for a Config
// and the resources to release on shutdown.
type CompositeProvider struct {
	tracerProvider    trace.TracerProvider
	meterProvider     metric.MeterProvider
	prometheusHandler http.Handler
	shutdownFuncs     []func(context.Context) error
}

// NewCompositeProvider builds providers for cfg. A configuration that exports
// nothing yields no-op providers.
func NewCompositeProvider(ctx context.Context, cfg Config) (*CompositeProvider, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	selector := NewStrategySelector(cfg)
	if selector.IsFullyNoOp() {
		logger.Debugw("no telemetry configured, using no-op providers")
		return &CompositeProvider{
			tracerProvider: tracenoop.NewTracerProvider(),
			meterProvider:  noop.NewMeterProvider(),
		}, nil
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create telemetry resource for %s %s: %w",
			cfg.ServiceName, cfg.ServiceVersion, err)
	}

	composite := &CompositeProvider{}

	meters, err := selector.SelectMeterStrategy().CreateMeterProvider(ctx, cfg, res)
	if err != nil {
		return nil, fmt.Errorf("failed to create meter provider (endpoint %q, prometheus %t): %w",
			cfg.OTLPEndpoint, cfg.EnablePrometheusMetricsPath, err)
	}
	composite.meterProvider = meters.MeterProvider
	composite.prometheusHandler = meters.PrometheusHandler
	composite.addShutdown(meters.ShutdownFunc)

	tp, shutdown, err := selector.SelectTracerStrategy().CreateTracerProvider(ctx, cfg, res)
	if err != nil {
		_ = composite.Shutdown(ctx)
		return nil, fmt.Errorf("failed to create tracer provider (endpoint %q): %w", cfg.OTLPEndpoint, err)
	}
	composite.tracerProvider = tp
	composite.addShutdown(shutdown)

	logger.Infow("telemetry providers created",
		"service", cfg.ServiceName,
		"otlp_endpoint", cfg.OTLPEndpoint,
		"tracing", cfg.TracingEnabled,
		"metrics", cfg.MetricsEnabled,
		"prometheus", cfg.EnablePrometheusMetricsPath)
	return composite, nil
}

func (p *CompositeProvider) addShutdown(fn func(context.Context) error) {
	if fn != nil {
		p.shutdownFuncs = append(p.shutdownFuncs, fn)
	}
}

// TracerProvider returns the tracer provider.
func (p *CompositeProvider) TracerProvider() trace.TracerProvider {
	return p.tracerProvider
}

// MeterProvider returns the meter provider.
func (p *CompositeProvider) MeterProvider() metric.MeterProvider {
	return p.meterProvider
}

// PrometheusHandler returns the scrape handler, or nil when Prometheus is disabled.
func (p *CompositeProvider) PrometheusHandler() http.Handler {
	return p.prometheusHandler
}

// Shutdown flushes and stops every provider, waiting at most five seconds.
func (p *CompositeProvider) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	var errs []error
	for _, shutdown := range p.shutdownFuncs {
		if err := shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
