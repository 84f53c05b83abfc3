// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package providers

import (
	"context"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/stacklok/grantengine/pkg/telemetry/providers/otlp"
	"github.com/stacklok/grantengine/pkg/telemetry/providers/prometheus"
)

// TracerStrategy builds a tracer provider.
type TracerStrategy interface {
	CreateTracerProvider(ctx context.Context, config Config, res *resource.Resource) (
		trace.TracerProvider, func(context.Context) error, error)
}

// MeterResult carries the meter provider and its optional companions.
type MeterResult struct {
	MeterProvider     metric.MeterProvider
	PrometheusHandler http.Handler
	ShutdownFunc      func(context.Context) error
}

// MeterStrategy builds a meter provider.
type MeterStrategy interface {
	CreateMeterProvider(ctx context.Context, config Config, res *resource.Resource) (*MeterResult, error)
}

// StrategySelector picks tracer and meter strategies from a Config.
type StrategySelector struct {
	config Config
}

// NewStrategySelector returns a selector for config.
func NewStrategySelector(config Config) *StrategySelector {
	return &StrategySelector{config: config}
}

func (s *StrategySelector) otlpTracing() bool {
	return s.config.OTLPEndpoint != "" && s.config.TracingEnabled
}

func (s *StrategySelector) otlpMetrics() bool {
	return s.config.OTLPEndpoint != "" && s.config.MetricsEnabled
}

// IsFullyNoOp reports whether nothing would be exported.
func (s *StrategySelector) IsFullyNoOp() bool {
	return !s.otlpTracing() && !s.otlpMetrics() && !s.config.EnablePrometheusMetricsPath
}

// SelectTracerStrategy returns the OTLP strategy when tracing has somewhere to go.
func (s *StrategySelector) SelectTracerStrategy() TracerStrategy {
	if s.otlpTracing() {
		return &OTLPTracerStrategy{}
	}
	return &NoOpTracerStrategy{}
}

// SelectMeterStrategy returns a unified strategy when any metric reader is enabled.
func (s *StrategySelector) SelectMeterStrategy() MeterStrategy {
	if s.otlpMetrics() || s.config.EnablePrometheusMetricsPath {
		return &UnifiedMeterStrategy{
			EnableOTLP:       s.otlpMetrics(),
			EnablePrometheus: s.config.EnablePrometheusMetricsPath,
		}
	}
	return &NoOpMeterStrategy{}
}

// NoOpTracerStrategy yields a tracer provider that records nothing.
type NoOpTracerStrategy struct{}

// CreateTracerProvider implements TracerStrategy.
func (*NoOpTracerStrategy) CreateTracerProvider(context.Context, Config, *resource.Resource) (
	trace.TracerProvider, func(context.Context) error, error) {
	return tracenoop.NewTracerProvider(), nil, nil
}

// OTLPTracerStrategy exports spans over OTLP HTTP.
type OTLPTracerStrategy struct{}

// CreateTracerProvider implements TracerStrategy.
func (*OTLPTracerStrategy) CreateTracerProvider(ctx context.Context, config Config, res *resource.Resource) (
	trace.TracerProvider, func(context.Context) error, error) {
	tp, err := otlp.NewTracerProvider(ctx, otlpConfig(config), res)
	if err != nil {
		return nil, nil, err
	}
	return tp, tp.Shutdown, nil
}

// NoOpMeterStrategy yields a meter provider that records nothing.
type NoOpMeterStrategy struct{}

// CreateMeterProvider implements MeterStrategy.
func (*NoOpMeterStrategy) CreateMeterProvider(context.Context, Config, *resource.Resource) (*MeterResult, error) {
	return &MeterResult{MeterProvider: noop.NewMeterProvider()}, nil
}

// UnifiedMeterStrategy attaches every enabled reader to a single SDK meter provider.
type UnifiedMeterStrategy struct {
	EnableOTLP       bool
	EnablePrometheus bool
}

// CreateMeterProvider implements MeterStrategy.
func (u *UnifiedMeterStrategy) CreateMeterProvider(
	ctx context.Context,
	config Config,
	res *resource.Resource,
) (*MeterResult, error) {
	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	result := &MeterResult{}

	if u.EnableOTLP {
		reader, err := otlp.NewMetricReader(ctx, otlpConfig(config))
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP metric reader: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(reader))
	}

	if u.EnablePrometheus {
		reader, handler, err := prometheus.NewReader(prometheus.Config{
			EnableMetricsPath:     true,
			IncludeRuntimeMetrics: true,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Prometheus reader: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(reader))
		result.PrometheusHandler = handler
	}

	provider := sdkmetric.NewMeterProvider(opts...)
	result.MeterProvider = provider
	result.ShutdownFunc = provider.Shutdown
	return result, nil
}

func otlpConfig(config Config) otlp.Config {
	return otlp.Config{
		Endpoint:     config.OTLPEndpoint,
		Headers:      config.Headers,
		Insecure:     config.Insecure,
		SamplingRate: config.SamplingRate,
	}
}
