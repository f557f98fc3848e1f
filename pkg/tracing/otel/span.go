package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tracekit/tracekit/pkg/tracing"
)

// spanAdapter wraps an OpenTelemetry span, together with the native context
// it is bound to, as a tracing.Span.
type spanAdapter struct {
	delegate trace.Span
	ctx      context.Context
}

// static compile time interface validation
var (
	_ tracing.Span            = (*spanAdapter)(nil)
	_ tracing.NativeContexter = (*spanAdapter)(nil)
)

// FromContext wraps the OpenTelemetry span bound to ctx. When ctx carries no
// span the returned wrapper is non-recording and inert.
func FromContext(ctx context.Context) tracing.Span {
	return &spanAdapter{delegate: trace.SpanFromContext(ctx), ctx: ctx}
}

// ToOtel unwraps the OpenTelemetry span backing s, nil when s is not backed
// by this package.
func ToOtel(s tracing.Span) trace.Span {
	if a, ok := s.(*spanAdapter); ok {
		return a.delegate
	}
	return nil
}

// IsNoop implements tracing.Span
func (s *spanAdapter) IsNoop() bool {
	return !s.delegate.IsRecording()
}

// Context implements tracing.Span
func (s *spanAdapter) Context() tracing.TraceContext {
	return spanContext{sc: s.delegate.SpanContext()}
}

// NativeContext implements tracing.NativeContexter
func (s *spanAdapter) NativeContext() context.Context {
	return s.ctx
}

// Name implements tracing.Span
func (s *spanAdapter) Name(name string) tracing.Span {
	s.delegate.SetName(name)
	return s
}

// Tag implements tracing.Span
func (s *spanAdapter) Tag(key, value string) tracing.Span {
	s.delegate.SetAttributes(attribute.String(key, value))
	return s
}

// Event implements tracing.Span
func (s *spanAdapter) Event(value string) tracing.Span {
	s.delegate.AddEvent(value)
	return s
}

// Error implements tracing.Span
func (s *spanAdapter) Error(err error) tracing.Span {
	s.delegate.RecordError(err)
	return s
}

// End implements tracing.Span
func (s *spanAdapter) End() {
	s.delegate.End()
}

type spanContext struct {
	sc trace.SpanContext
}

var _ tracing.TraceContext = spanContext{}

func (c spanContext) TraceID() string {
	if !c.sc.HasTraceID() {
		return ""
	}
	return c.sc.TraceID().String()
}

func (c spanContext) SpanID() string {
	if !c.sc.HasSpanID() {
		return ""
	}
	return c.sc.SpanID().String()
}

func (c spanContext) Sampled() bool {
	return c.sc.IsSampled()
}
