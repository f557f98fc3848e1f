package tracing

import (
	"context"
	"time"
)

// Attribute is a key/value pair set on a span at creation time, before the
// engine's builder stage completes.
type Attribute struct {
	Key   string
	Value string
}

// HeaderGetter is the adapter the engine's context-propagation extraction
// uses to read distributed-trace headers from an inbound request. It is the
// sole integration point for inbound propagation; the bridge itself does not
// implement propagation.
type HeaderGetter interface {
	// Keys enumerates all header names on the carrier.
	Keys(carrier ServerRequest) []string
	// Get returns the value of the named header, empty if unset.
	Get(carrier ServerRequest, key string) string
}

// Scope represents an acquired "current context" activation. Close releases
// it; Close is idempotent and must be called on every exit path.
type Scope interface {
	Close()
}

// Engine is the minimal contract a tracing backend implements for the
// server bridge. Native contexts are plain context.Context values carrying
// whatever the backend associates with an in-flight span.
type Engine interface {
	// Name returns the instrumentation name the engine registers under.
	Name() string
	// Extract derives a parent context from the carrier's propagation
	// headers, read through getter. Returns a root context when no
	// propagation headers are present.
	Extract(getter HeaderGetter, carrier ServerRequest) context.Context
	// StartSpan starts a server span under parent with the given name,
	// start time and builder-stage attributes, returning the native context
	// bound to the new span.
	StartSpan(parent context.Context, name string, start time.Time, attrs []Attribute) context.Context
	// EndSpan finalizes the span bound to ctx in a non-error state.
	EndSpan(ctx context.Context, statusCode int)
	// EndSpanWithError finalizes the span bound to ctx carrying err.
	EndSpanWithError(ctx context.Context, statusCode int, err error)
	// Activate makes ctx the engine's ambient current context until the
	// returned Scope is closed.
	Activate(ctx context.Context) Scope
	// CurrentContext returns the engine's ambient current context.
	CurrentContext() context.Context
	// SpanFromContext wraps the native span bound to ctx. When ctx carries
	// no span an inert wrapper is returned.
	SpanFromContext(ctx context.Context) Span
}
