package tracing

import (
	"context"
	"net/url"
	"regexp"
	"strconv"
	"time"
)

// InstrumentationName is the fixed name this bridge registers under with
// the tracing engines.
const InstrumentationName = "github.com/tracekit/tracekit/pkg/tracing"

// ContextAttribute is the request attribute key under which the engine's
// native context is stashed on the request object.
const ContextAttribute = InstrumentationName + ".server-context"

// span attribute keys populated during span creation
const (
	attrHTTPMethod    = "http.method"
	attrHTTPURL       = "http.url"
	attrHTTPScheme    = "http.scheme"
	attrHTTPHost      = "http.host"
	attrHTTPTarget    = "http.target"
	attrHTTPPath      = "http.path"
	attrHTTPUserAgent = "http.user_agent"
	attrPeerHostIP    = "net.peer.ip"
	attrPeerPort      = "net.peer.port"
)

// SkipPatternProvider supplies the exclusion pattern for request paths that
// must not be traced, e.g. health check endpoints.
type SkipPatternProvider interface {
	// SkipPattern returns the compiled exclusion matcher, nil to disable
	// exclusion.
	SkipPattern() *regexp.Regexp
}

// SkipPatternProviderFunc adapts a function to SkipPatternProvider.
type SkipPatternProviderFunc func() *regexp.Regexp

// SkipPattern implements SkipPatternProvider.
func (f SkipPatternProviderFunc) SkipPattern() *regexp.Regexp {
	return f()
}

// NativeContexter is implemented by engine span adapters to expose the
// native context the span is bound to.
type NativeContexter interface {
	NativeContext() context.Context
}

// NativeContext returns the engine native context bound to span, or
// context.Background when the span carries none (inert spans).
func NativeContext(span Span) context.Context {
	if nc, ok := span.(NativeContexter); ok {
		if ctx := nc.NativeContext(); ctx != nil {
			return ctx
		}
	}
	return context.Background()
}

// ServerHandler translates inbound HTTP server request/response pairs into
// spans of the configured tracing engine, applying path based exclusion and
// parser based enrichment. One HandleReceive / HandleSend invocation pair is
// expected per in-flight request; the handler itself holds no per-request
// state and is safe for concurrent use.
type ServerHandler struct {
	engine         Engine
	requestParser  RequestParser
	responseParser ResponseParser
	skipPattern    *regexp.Regexp
}

// NewServerHandler returns a ServerHandler bridging to engine. Both parsers
// may be nil, in which case enrichment is skipped. The provider's pattern is
// matched against the full request path; it is re-anchored here so partial
// matches do not suppress tracing.
func NewServerHandler(engine Engine, requestParser RequestParser, responseParser ResponseParser, provider SkipPatternProvider) *ServerHandler {
	var skip *regexp.Regexp
	if provider != nil {
		if p := provider.SkipPattern(); p != nil {
			skip = regexp.MustCompile(`\A(?:` + p.String() + `)\z`)
		}
	}
	return &ServerHandler{
		engine:         engine,
		requestParser:  requestParser,
		responseParser: responseParser,
		skipPattern:    skip,
	}
}

// HandleReceive starts the server span for req. When the request path fully
// matches the exclusion pattern an inert span is returned and the engine is
// not touched. A malformed request URL surfaces as the returned error; no
// span is started in that case.
func (h *ServerHandler) HandleReceive(req ServerRequest) (Span, error) {
	if path := req.Path(); path != "" && h.skipPattern != nil && h.skipPattern.MatchString(path) {
		return NewNoOpSpan(), nil
	}
	ctx, err := h.StartSpan(req, req, req, req.Method(), time.Now())
	if err != nil {
		return nil, err
	}
	return h.engine.SpanFromContext(ctx), nil
}

// HandleSend finalizes span for the completed exchange. The span's native
// context is activated for the duration of the call and released on every
// exit path, including a panicking response parser. The span is ended
// through its own native context, never through the ambient slot, so
// overlapping requests cannot end each other's spans. A transport-level
// error on the response routes the span into its error-ended state.
func (h *ServerHandler) HandleSend(res ServerResponse, span Span) {
	errT := res.Error()
	ctx := NativeContext(span)
	scope := h.engine.Activate(ctx)
	defer scope.Close()

	if h.responseParser != nil {
		h.responseParser.Parse(res, span.Context(), span)
	}
	if errT == nil {
		h.engine.EndSpan(ctx, res.StatusCode())
		return
	}
	h.engine.EndSpanWithError(ctx, res.StatusCode(), errT)
}

// StartSpan extends the engine's native span start: it extracts the remote
// parent from request's propagation headers, starts the span with the
// request-derived attributes, attaches the native context to storage and
// lets the optional request parser enrich the new span. Enrichment never
// alters the native span identity.
func (h *ServerHandler) StartSpan(connection, request, storage ServerRequest, spanName string, start time.Time) (context.Context, error) {
	attrs, err := h.requestAttributes(request)
	if err != nil {
		return nil, err
	}
	parent := h.engine.Extract(h.Getter(), request)
	ctx := h.engine.StartSpan(parent, spanName, start, attrs)
	h.AttachServerContext(ctx, storage)

	if h.requestParser != nil {
		span := h.engine.SpanFromContext(ctx)
		h.requestParser.Parse(connection, span.Context(), span)
	}
	return ctx, nil
}

// AttachServerContext stores the native context on the request object under
// ContextAttribute.
func (h *ServerHandler) AttachServerContext(ctx context.Context, req ServerRequest) {
	req.SetAttribute(ContextAttribute, ctx)
}

// ServerContext retrieves a previously attached native context from req.
// It returns nil when no context was attached or the stored value is of an
// unexpected type.
func (h *ServerHandler) ServerContext(req ServerRequest) context.Context {
	ctx, ok := req.Attribute(ContextAttribute).(context.Context)
	if !ok {
		return nil
	}
	return ctx
}

// Getter returns the header-access adapter the engine uses for inbound
// context propagation.
func (h *ServerHandler) Getter() HeaderGetter {
	return serverGetter{}
}

type serverGetter struct{}

func (serverGetter) Keys(carrier ServerRequest) []string {
	return carrier.HeaderNames()
}

func (serverGetter) Get(carrier ServerRequest, key string) string {
	return carrier.Header(key)
}

// Method returns the request method.
func (h *ServerHandler) Method(req ServerRequest) string {
	return req.Method()
}

// URL returns the full request URL string.
func (h *ServerHandler) URL(req ServerRequest) string {
	return req.URL()
}

// RequestHeader returns the named request header, empty if unset.
func (h *ServerHandler) RequestHeader(req ServerRequest, name string) string {
	return req.Header(name)
}

// ResponseStatus returns the response status code.
func (h *ServerHandler) ResponseStatus(res ServerResponse) int {
	return res.StatusCode()
}

// Scheme returns the scheme of the request URL.
func (h *ServerHandler) Scheme(req ServerRequest) (string, error) {
	u, err := h.toURL(req)
	if err != nil {
		return "", err
	}
	return u.Scheme, nil
}

// Host returns the hostname of the request URL, without port.
func (h *ServerHandler) Host(req ServerRequest) (string, error) {
	u, err := h.toURL(req)
	if err != nil {
		return "", err
	}
	return u.Hostname(), nil
}

// PeerHostIP returns the host component of the request URL.
func (h *ServerHandler) PeerHostIP(req ServerRequest) (string, error) {
	return h.Host(req)
}

// PeerPort returns the port of the request URL, 0 when the URL carries no
// explicit port.
func (h *ServerHandler) PeerPort(req ServerRequest) (int, error) {
	u, err := h.toURL(req)
	if err != nil {
		return 0, err
	}
	p := u.Port()
	if p == "" {
		return 0, nil
	}
	return strconv.Atoi(p)
}

// Target returns path plus "?query" and "#fragment", each omitted entirely
// when the component is absent.
func (h *ServerHandler) Target(req ServerRequest) (string, error) {
	u, err := h.toURL(req)
	if err != nil {
		return "", err
	}
	target := u.Path
	if u.RawQuery != "" {
		target += "?" + u.RawQuery
	}
	if u.Fragment != "" {
		target += "#" + u.Fragment
	}
	return target, nil
}

func (h *ServerHandler) toURL(req ServerRequest) (*url.URL, error) {
	return url.Parse(req.URL())
}

func (h *ServerHandler) requestAttributes(req ServerRequest) ([]Attribute, error) {
	scheme, err := h.Scheme(req)
	if err != nil {
		return nil, err
	}
	host, err := h.Host(req)
	if err != nil {
		return nil, err
	}
	target, err := h.Target(req)
	if err != nil {
		return nil, err
	}
	port, err := h.PeerPort(req)
	if err != nil {
		return nil, err
	}

	attrs := []Attribute{
		{Key: attrHTTPMethod, Value: h.Method(req)},
		{Key: attrHTTPURL, Value: h.URL(req)},
	}
	if scheme != "" {
		attrs = append(attrs, Attribute{Key: attrHTTPScheme, Value: scheme})
	}
	if host != "" {
		attrs = append(attrs, Attribute{Key: attrHTTPHost, Value: host},
			Attribute{Key: attrPeerHostIP, Value: host})
	}
	if target != "" {
		attrs = append(attrs, Attribute{Key: attrHTTPTarget, Value: target})
	}
	if port > 0 {
		attrs = append(attrs, Attribute{Key: attrPeerPort, Value: strconv.Itoa(port)})
	}
	if ua := h.RequestHeader(req, "User-Agent"); ua != "" {
		attrs = append(attrs, Attribute{Key: attrHTTPUserAgent, Value: ua})
	}
	if path := req.Path(); path != "" {
		attrs = append(attrs, Attribute{Key: attrHTTPPath, Value: path})
	}
	return attrs, nil
}
