// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/grantengine/pkg/logger"
	"github.com/stacklok/grantengine/pkg/telemetry/providers"
	"github.com/stacklok/grantengine/pkg/versions"
)

// DefaultServiceName is reported when no service name is configured.
const DefaultServiceName = "grantengine"

// Config holds the configuration for OpenTelemetry instrumentation.
type Config struct {
	// Endpoint is the OTLP HTTP collector endpoint, e.g. "localhost:4318".
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	ServiceName    string `mapstructure:"service_name" yaml:"service_name"`
	ServiceVersion string `mapstructure:"service_version" yaml:"service_version"`

	// TracingEnabled controls whether spans are exported to Endpoint.
	TracingEnabled bool `mapstructure:"tracing_enabled" yaml:"tracing_enabled"`

	// MetricsEnabled controls whether metrics are exported to Endpoint.
	// It is independent of EnablePrometheusMetricsPath.
	MetricsEnabled bool `mapstructure:"metrics_enabled" yaml:"metrics_enabled"`

	// SamplingRate is the trace sampling ratio (0.0-1.0).
	SamplingRate float64 `mapstructure:"sampling_rate" yaml:"sampling_rate"`

	// Headers are sent with every OTLP request.
	Headers map[string]string `mapstructure:"headers" yaml:"headers"`

	// Insecure uses HTTP instead of HTTPS for the OTLP endpoint.
	Insecure bool `mapstructure:"insecure" yaml:"insecure"`

	// EnablePrometheusMetricsPath exposes a Prometheus scrape handler.
	EnablePrometheusMetricsPath bool `mapstructure:"enable_prometheus_metrics_path" yaml:"enable_prometheus_metrics_path"`
}

// DefaultConfig returns a default telemetry configuration.
func DefaultConfig() Config {
	return Config{
		ServiceName:    DefaultServiceName,
		ServiceVersion: versions.GetVersionInfo().Version,
		SamplingRate:   0.05,
		Headers:        make(map[string]string),
	}
}

// Validate checks the configuration for contradictions.
func (c Config) Validate() error {
	if c.Endpoint != "" && !c.TracingEnabled && !c.MetricsEnabled {
		return fmt.Errorf("OTLP endpoint is configured but both tracing and metrics are disabled; " +
			"either enable tracing or metrics, or remove the endpoint")
	}
	if c.SamplingRate < 0 || c.SamplingRate > 1 {
		return fmt.Errorf("sampling rate must be between 0.0 and 1.0, got %v", c.SamplingRate)
	}
	return nil
}

// Provider encapsulates OpenTelemetry providers and configuration.
type Provider struct {
	config            Config
	tracerProvider    trace.TracerProvider
	meterProvider     metric.MeterProvider
	prometheusHandler http.Handler
	shutdown          func(context.Context) error
}

// NewProvider creates a new OpenTelemetry provider with the given configuration
// and installs it as the global OTel provider.
func NewProvider(ctx context.Context, config Config) (*Provider, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.ServiceName == "" {
		config.ServiceName = DefaultServiceName
	}
	if config.ServiceVersion == "" {
		config.ServiceVersion = versions.GetVersionInfo().Version
	}

	telemetryProviders, err := providers.NewCompositeProvider(ctx, providers.Config{
		ServiceName:                 config.ServiceName,
		ServiceVersion:              config.ServiceVersion,
		OTLPEndpoint:                config.Endpoint,
		Headers:                     config.Headers,
		Insecure:                    config.Insecure,
		TracingEnabled:              config.TracingEnabled,
		MetricsEnabled:              config.MetricsEnabled,
		SamplingRate:                config.SamplingRate,
		EnablePrometheusMetricsPath: config.EnablePrometheusMetricsPath,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build telemetry providers: %w", err)
	}

	tracerProvider := telemetryProviders.TracerProvider()
	meterProvider := telemetryProviders.MeterProvider()

	otel.SetLogger(logger.NewLogr())
	otel.SetTracerProvider(tracerProvider)
	otel.SetMeterProvider(meterProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Provider{
		config:            config,
		tracerProvider:    tracerProvider,
		meterProvider:     meterProvider,
		prometheusHandler: telemetryProviders.PrometheusHandler(),
		shutdown:          telemetryProviders.Shutdown,
	}, nil
}

// Config returns the effective configuration.
func (p *Provider) Config() Config {
	return p.config
}

// Shutdown flushes and stops the exporters.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.shutdown != nil {
		return p.shutdown(ctx)
	}
	return nil
}

// TracerProvider returns the configured tracer provider.
func (p *Provider) TracerProvider() trace.TracerProvider {
	return p.tracerProvider
}

// MeterProvider returns the configured meter provider.
func (p *Provider) MeterProvider() metric.MeterProvider {
	return p.meterProvider
}

// PrometheusHandler returns the Prometheus scrape handler, or nil when the
// metrics path is disabled.
func (p *Provider) PrometheusHandler() http.Handler {
	return p.prometheusHandler
}
