// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	grantErrors "github.com/stacklok/grantengine/pkg/errors"
	"github.com/stacklok/grantengine/pkg/grant"
	"github.com/stacklok/grantengine/pkg/storage"
)

const instrumentationName = "github.com/stacklok/grantengine/pkg/engine"

// Operation names.
const (
	opAuthorize   = "authorize"
	opIssue       = "issue"
	opRefresh     = "refresh"
	opRevoke      = "revoke"
	opRevokeGrant = "revoke_grant"
	opIntrospect  = "introspect"
	opSweep       = "sweep"
)

var (
	attrOperation = attribute.Key("grantengine.operation")
	attrGrantType = attribute.Key("grantengine.grant_type")
	attrTokenKind = attribute.Key("grantengine.token_kind")
	attrReason    = attribute.Key("grantengine.reason")
	attrEntryKind = attribute.Key("grantengine.entry_kind")
	attrErrorType = attribute.Key("error.type")
)

type instruments struct {
	tracer trace.Tracer

	tokensIssued metric.Int64Counter
	revocations  metric.Int64Counter
	expirations  metric.Int64Counter
	errorsTotal  metric.Int64Counter
	opDuration   metric.Float64Histogram
}

func newInstruments(mp metric.MeterProvider, tp trace.TracerProvider) (*instruments, error) {
	meter := mp.Meter(instrumentationName)

	tokensIssued, err := meter.Int64Counter(
		"grantengine.tokens.issued",
		metric.WithDescription("Tokens issued by kind and grant type"))
	if err != nil {
		return nil, fmt.Errorf("failed to create tokens issued counter: %w", err)
	}
	revocations, err := meter.Int64Counter(
		"grantengine.revocations",
		metric.WithDescription("Revocations by reason"))
	if err != nil {
		return nil, fmt.Errorf("failed to create revocations counter: %w", err)
	}
	expirations, err := meter.Int64Counter(
		"grantengine.expirations",
		metric.WithDescription("Codes and tokens expired by the sweep"))
	if err != nil {
		return nil, fmt.Errorf("failed to create expirations counter: %w", err)
	}
	errorsTotal, err := meter.Int64Counter(
		"grantengine.operation.errors",
		metric.WithDescription("Failed operations by error type"))
	if err != nil {
		return nil, fmt.Errorf("failed to create errors counter: %w", err)
	}
	opDuration, err := meter.Float64Histogram(
		"grantengine.operation.duration",
		metric.WithDescription("Duration of engine operations in seconds"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("failed to create duration histogram: %w", err)
	}

	return &instruments{
		tracer:       tp.Tracer(instrumentationName),
		tokensIssued: tokensIssued,
		revocations:  revocations,
		expirations:  expirations,
		errorsTotal:  errorsTotal,
		opDuration:   opDuration,
	}, nil
}

// record opens a span for op and returns a function to defer that records
// its duration and outcome.
func (i *instruments) record(ctx context.Context, op string, t grant.Type, err *error) (context.Context, func()) {
	attrs := []attribute.KeyValue{attrOperation.String(op)}
	if t != "" {
		attrs = append(attrs, attrGrantType.String(string(t)))
	}
	ctx, span := i.tracer.Start(ctx, "grantengine."+op,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...))
	start := time.Now()

	return ctx, func() {
		metricAttrs := attrs
		if err != nil && *err != nil {
			errType := string(grantErrors.TypeOf(*err))
			if errType == "" {
				errType = "internal"
			}
			metricAttrs = append(metricAttrs, attrErrorType.String(errType))
			i.errorsTotal.Add(ctx, 1, metric.WithAttributes(metricAttrs...))
			span.RecordError(*err)
			span.SetAttributes(attrErrorType.String(errType))
			span.SetStatus(codes.Error, errType)
		}
		i.opDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(metricAttrs...))
		span.End()
	}
}

func (i *instruments) issued(ctx context.Context, t grant.Type, tokens []*grant.Token) {
	for _, tok := range tokens {
		i.tokensIssued.Add(ctx, 1, metric.WithAttributes(
			attrTokenKind.String(string(tok.Kind)),
			attrGrantType.String(string(t))))
	}
}

func (i *instruments) revoked(ctx context.Context, reason string) {
	i.revocations.Add(ctx, 1, metric.WithAttributes(attrReason.String(reason)))
}

func (i *instruments) expired(ctx context.Context, entries []storage.Expired) {
	for _, e := range entries {
		i.expirations.Add(ctx, 1, metric.WithAttributes(attrEntryKind.String(e.Kind)))
	}
}
