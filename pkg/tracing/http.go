package tracing

import (
	"net/http"
	"sync"
)

// ServerRequest is a read-only view over an inbound HTTP request, decoupling
// the bridge from the hosting framework's request type. It additionally
// exposes a generic attribute slot used to stash per-request state such as
// the engine's native trace context.
type ServerRequest interface {
	// Path returns the request path, e.g. "/healthz".
	Path() string
	// Method returns the HTTP method.
	Method() string
	// URL returns the full request URL as a string.
	URL() string
	// Header returns the first value of the named header, empty if unset.
	Header(name string) string
	// HeaderNames enumerates the names of all headers on the request.
	HeaderNames() []string
	// Attribute returns the value stored under key, nil if absent.
	Attribute(key string) interface{}
	// SetAttribute stores value under key for the lifetime of the request.
	SetAttribute(key string, value interface{})
}

// ServerResponse is a read-only view over an outbound HTTP response.
type ServerResponse interface {
	// StatusCode returns the HTTP status code written to the client.
	StatusCode() int
	// Error returns the transport-level error for this exchange, nil if the
	// response completed normally.
	Error() error
	// Request returns the request view this response belongs to.
	Request() ServerRequest
}

// RequestParser enriches a freshly started span from the inbound request.
type RequestParser interface {
	Parse(req ServerRequest, ctx TraceContext, span Span)
}

// ResponseParser enriches a span from the outbound response before it ends.
type ResponseParser interface {
	Parse(res ServerResponse, ctx TraceContext, span Span)
}

// RequestParserFunc adapts a function to the RequestParser interface.
type RequestParserFunc func(req ServerRequest, ctx TraceContext, span Span)

// Parse implements RequestParser.
func (f RequestParserFunc) Parse(req ServerRequest, ctx TraceContext, span Span) {
	f(req, ctx, span)
}

// ResponseParserFunc adapts a function to the ResponseParser interface.
type ResponseParserFunc func(res ServerResponse, ctx TraceContext, span Span)

// Parse implements ResponseParser.
func (f ResponseParserFunc) Parse(res ServerResponse, ctx TraceContext, span Span) {
	f(res, ctx, span)
}

// WrapRequest adapts a net/http request to the ServerRequest view.
func WrapRequest(r *http.Request) ServerRequest {
	return &stdRequest{r: r}
}

type stdRequest struct {
	r *http.Request

	mtx   sync.Mutex
	attrs map[string]interface{}
}

func (s *stdRequest) Path() string {
	return s.r.URL.Path
}

func (s *stdRequest) Method() string {
	return s.r.Method
}

func (s *stdRequest) URL() string {
	if s.r.URL.IsAbs() {
		return s.r.URL.String()
	}
	// server-side requests carry a relative URL; rebuild an absolute one
	// from the Host header and the connection's transport security.
	scheme := "http"
	if s.r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + s.r.Host + s.r.URL.RequestURI()
}

func (s *stdRequest) Header(name string) string {
	return s.r.Header.Get(name)
}

func (s *stdRequest) HeaderNames() []string {
	names := make([]string, 0, len(s.r.Header))
	for name := range s.r.Header {
		names = append(names, name)
	}
	return names
}

func (s *stdRequest) Attribute(key string) interface{} {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.attrs[key]
}

func (s *stdRequest) SetAttribute(key string, value interface{}) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.attrs == nil {
		s.attrs = make(map[string]interface{})
	}
	s.attrs[key] = value
}

// WrapResponse builds a ServerResponse view from a completed exchange.
func WrapResponse(req ServerRequest, statusCode int, err error) ServerResponse {
	return &stdResponse{req: req, statusCode: statusCode, err: err}
}

type stdResponse struct {
	req        ServerRequest
	statusCode int
	err        error
}

func (s *stdResponse) StatusCode() int {
	return s.statusCode
}

func (s *stdResponse) Error() error {
	return s.err
}

func (s *stdResponse) Request() ServerRequest {
	return s.req
}
