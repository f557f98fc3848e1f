package tracing

// Span represents a single traced unit of work as seen by instrumented code.
// Mutators return the receiver so calls can be chained.
type Span interface {
	// IsNoop reports whether the span discards all recorded data.
	IsNoop() bool
	// Context returns the TraceContext correlating this span to its trace.
	Context() TraceContext
	// Name updates the span name.
	Name(name string) Span
	// Tag sets a key/value tag on the span. Setting an existing key
	// overrides its value.
	Tag(key, value string) Span
	// Event annotates the span with a timestamped event.
	Event(value string) Span
	// Error records err on the span.
	Error(err error) Span
	// End finalizes the span and hands it to the engine's reporter.
	End()
}

// TraceContext is an immutable view of the identifiers correlating a span
// into a single logical trace.
type TraceContext interface {
	// TraceID returns the trace identifier, empty when unsampled or inert.
	TraceID() string
	// SpanID returns the span identifier, empty when unsampled or inert.
	SpanID() string
	// Sampled reports whether the trace is recorded upstream.
	Sampled() bool
}
