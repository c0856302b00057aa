// Package telemetry provides lightweight OpenTelemetry helpers for the
// Helmsman engine. Metrics and span events degrade to no-ops when no
// OTel SDK is installed by the host application, so engine code can emit
// unconditionally.
package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/helmsman-ai/helmsman"

// Module label values used in metric emission for per-subsystem filtering.
const (
	ModuleOrchestrator = "orchestrator"
	ModuleScheduler    = "scheduler"
	ModuleRunner       = "runner"
	ModuleCheckpoint   = "checkpoint"
	ModuleRecovery     = "recovery"
	ModuleStore        = "store"
	ModuleTrigger      = "trigger"
)

var (
	mu         sync.RWMutex
	counters   = map[string]metric.Float64Counter{}
	histograms = map[string]metric.Float64Histogram{}
)

func meter() metric.Meter {
	return otel.GetMeterProvider().Meter(instrumentationName)
}

// Counter increments a named counter by 1. Labels are alternating
// key/value pairs; an odd trailing key is dropped.
func Counter(name string, labels ...string) {
	CounterAdd(context.Background(), name, 1, labels...)
}

// CounterAdd increments a named counter by the given value.
func CounterAdd(ctx context.Context, name string, value float64, labels ...string) {
	mu.RLock()
	c, ok := counters[name]
	mu.RUnlock()
	if !ok {
		var err error
		c, err = meter().Float64Counter(name)
		if err != nil {
			return
		}
		mu.Lock()
		counters[name] = c
		mu.Unlock()
	}
	c.Add(ctx, value, metric.WithAttributes(toAttributes(labels)...))
}

// Histogram records a value in a named histogram.
func Histogram(name string, value float64, labels ...string) {
	mu.RLock()
	h, ok := histograms[name]
	mu.RUnlock()
	if !ok {
		var err error
		h, err = meter().Float64Histogram(name)
		if err != nil {
			return
		}
		mu.Lock()
		histograms[name] = h
		mu.Unlock()
	}
	h.Record(context.Background(), value, metric.WithAttributes(toAttributes(labels)...))
}

// AddSpanEvent adds an event to the span in ctx, if one is recording.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.AddEvent(name, trace.WithAttributes(attrs...))
	}
}

// SetSpanAttributes sets attributes on the span in ctx, if one is recording.
func SetSpanAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetAttributes(attrs...)
	}
}

// RecordSpanError records an error on the span in ctx, if one is recording.
func RecordSpanError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.RecordError(err)
	}
}

// StartSpan starts a child span using the globally installed tracer provider.
// The caller must End() the returned span.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.GetTracerProvider().Tracer(instrumentationName)
	ctx, span := tracer.Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

func toAttributes(labels []string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(labels)/2)
	for i := 0; i+1 < len(labels); i += 2 {
		attrs = append(attrs, attribute.String(labels[i], labels[i+1]))
	}
	return attrs
}
