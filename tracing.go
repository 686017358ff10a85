// tracing.go: OpenTelemetry spans around plugin lifecycle verbs
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TracerName is the instrumentation scope used by DefaultTracer.
const TracerName = "github.com/agilira/go-pluginhost"

// DefaultTracer returns the tracer of the globally registered provider.
func DefaultTracer() trace.Tracer {
	return otel.Tracer(TracerName)
}

// NoopTracer returns a tracer that records nothing.
func NoopTracer() trace.Tracer {
	return noop.NewTracerProvider().Tracer(TracerName)
}

func startVerbSpan(ctx context.Context, tracer trace.Tracer, verb string, p *Plugin) (context.Context, trace.Span) {
	if tracer == nil {
		tracer = NoopTracer()
	}
	return tracer.Start(ctx, "plugin."+verb,
		trace.WithAttributes(
			attribute.String("plugin.name", p.Name()),
			attribute.String("plugin.hash", p.Hash()),
			attribute.Int("plugin.version", p.Info().Version),
			attribute.String("plugin.state", p.State().String()),
		),
	)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
