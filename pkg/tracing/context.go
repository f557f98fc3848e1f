package tracing

import "golang.org/x/net/context"

// Contexter is an extension interface to retrieve the current span from Go's
// context propagation mechanism. Engines satisfy it through their
// SpanFromContext implementation.
type Contexter interface {
	// SpanFromContext retrieves the Span bound to ctx. An inert span is
	// returned when ctx carries none.
	SpanFromContext(ctx context.Context) Span
}
