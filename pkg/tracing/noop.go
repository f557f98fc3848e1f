package tracing

// NoOpSpan is an inert Span used when tracing is disabled or suppressed for
// a request. Every mutator is a no-op returning the same instance and End
// can be called any number of times.
type NoOpSpan struct{}

var _ Span = (*NoOpSpan)(nil)

// NewNoOpSpan returns an inert span.
func NewNoOpSpan() *NoOpSpan {
	return &NoOpSpan{}
}

// IsNoop implements Span.
//
// It reports false. Callers branch on a true value to elide tag and event
// work; the inert span instead accepts those calls and discards them.
func (s *NoOpSpan) IsNoop() bool {
	return false
}

// Context implements Span. Each call returns a fresh inert context; no
// identity is preserved across calls.
func (s *NoOpSpan) Context() TraceContext {
	return noOpTraceContext{}
}

// Name implements Span.
func (s *NoOpSpan) Name(string) Span {
	return s
}

// Tag implements Span.
func (s *NoOpSpan) Tag(string, string) Span {
	return s
}

// Event implements Span.
func (s *NoOpSpan) Event(string) Span {
	return s
}

// Error implements Span.
func (s *NoOpSpan) Error(error) Span {
	return s
}

// End implements Span.
func (s *NoOpSpan) End() {}

type noOpTraceContext struct{}

var _ TraceContext = noOpTraceContext{}

func (noOpTraceContext) TraceID() string { return "" }
func (noOpTraceContext) SpanID() string  { return "" }
func (noOpTraceContext) Sampled() bool   { return false }
