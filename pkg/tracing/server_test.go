package tracing_test

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tracekit/tracekit/pkg/tracing"
)

// fakeRequest is an in-memory ServerRequest.
type fakeRequest struct {
	path    string
	method  string
	url     string
	headers map[string]string

	mtx   sync.Mutex
	attrs map[string]interface{}
}

func (r *fakeRequest) Path() string   { return r.path }
func (r *fakeRequest) Method() string { return r.method }
func (r *fakeRequest) URL() string    { return r.url }

func (r *fakeRequest) Header(name string) string {
	return r.headers[name]
}

func (r *fakeRequest) HeaderNames() []string {
	names := make([]string, 0, len(r.headers))
	for name := range r.headers {
		names = append(names, name)
	}
	return names
}

func (r *fakeRequest) Attribute(key string) interface{} {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.attrs[key]
}

func (r *fakeRequest) SetAttribute(key string, value interface{}) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if r.attrs == nil {
		r.attrs = make(map[string]interface{})
	}
	r.attrs[key] = value
}

type startCall struct {
	name  string
	start time.Time
	attrs map[string]string
}

type endCall struct {
	statusCode int
	err        error
	span       tracing.Span
}

type fakeSpanKey struct{}

// fakeEngine records engine interactions for assertions.
type fakeEngine struct {
	mtx         sync.Mutex
	scopes      tracing.ScopeHolder
	starts      []startCall
	ends        []endCall
	extracts    int
	activations int
	releases    int
}

var _ tracing.Engine = (*fakeEngine)(nil)

func (e *fakeEngine) Name() string { return "fake" }

func (e *fakeEngine) Extract(getter tracing.HeaderGetter, carrier tracing.ServerRequest) context.Context {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	e.extracts++
	return context.Background()
}

func (e *fakeEngine) StartSpan(parent context.Context, name string, start time.Time, attrs []tracing.Attribute) context.Context {
	kvs := make(map[string]string, len(attrs))
	for _, a := range attrs {
		kvs[a.Key] = a.Value
	}
	e.mtx.Lock()
	e.starts = append(e.starts, startCall{name: name, start: start, attrs: kvs})
	e.mtx.Unlock()
	span := &fakeSpan{name: name}
	ctx := context.WithValue(parent, fakeSpanKey{}, span)
	span.ctx = ctx
	return ctx
}

func (e *fakeEngine) EndSpan(ctx context.Context, statusCode int) {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	e.ends = append(e.ends, endCall{statusCode: statusCode, span: e.SpanFromContext(ctx)})
}

func (e *fakeEngine) EndSpanWithError(ctx context.Context, statusCode int, err error) {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	e.ends = append(e.ends, endCall{statusCode: statusCode, err: err, span: e.SpanFromContext(ctx)})
}

func (e *fakeEngine) Activate(ctx context.Context) tracing.Scope {
	e.mtx.Lock()
	e.activations++
	e.mtx.Unlock()
	return &countingScope{engine: e, inner: e.scopes.Activate(ctx)}
}

func (e *fakeEngine) CurrentContext() context.Context {
	return e.scopes.Current()
}

func (e *fakeEngine) SpanFromContext(ctx context.Context) tracing.Span {
	if span, ok := ctx.Value(fakeSpanKey{}).(*fakeSpan); ok {
		return span
	}
	return tracing.NewNoOpSpan()
}

type countingScope struct {
	engine *fakeEngine
	inner  tracing.Scope
}

func (s *countingScope) Close() {
	s.inner.Close()
	s.engine.mtx.Lock()
	s.engine.releases++
	s.engine.mtx.Unlock()
}

// fakeSpan implements tracing.Span plus NativeContexter.
type fakeSpan struct {
	name   string
	ctx    context.Context
	tags   map[string]string
	events []string
	errs   []error
	ended  int
}

var (
	_ tracing.Span            = (*fakeSpan)(nil)
	_ tracing.NativeContexter = (*fakeSpan)(nil)
)

func (s *fakeSpan) IsNoop() bool { return false }

func (s *fakeSpan) Context() tracing.TraceContext { return fakeTraceContext{} }

func (s *fakeSpan) NativeContext() context.Context { return s.ctx }

func (s *fakeSpan) Name(name string) tracing.Span {
	s.name = name
	return s
}

func (s *fakeSpan) Tag(key, value string) tracing.Span {
	if s.tags == nil {
		s.tags = make(map[string]string)
	}
	s.tags[key] = value
	return s
}

func (s *fakeSpan) Event(value string) tracing.Span {
	s.events = append(s.events, value)
	return s
}

func (s *fakeSpan) Error(err error) tracing.Span {
	s.errs = append(s.errs, err)
	return s
}

func (s *fakeSpan) End() { s.ended++ }

type fakeTraceContext struct{}

func (fakeTraceContext) TraceID() string { return "fake-trace" }
func (fakeTraceContext) SpanID() string  { return "fake-span" }
func (fakeTraceContext) Sampled() bool   { return true }

func skipProvider(expr string) tracing.SkipPatternProvider {
	re := regexp.MustCompile(expr)
	return tracing.SkipPatternProviderFunc(func() *regexp.Regexp { return re })
}

func newRequest(method, rawURL, path string) *fakeRequest {
	return &fakeRequest{
		method:  method,
		url:     rawURL,
		path:    path,
		headers: map[string]string{},
	}
}

func TestHandleReceiveSkipPattern(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		path    string
		skipped bool
	}{
		{"exact", "/healthz", "/healthz", true},
		{"alternation", "/healthz|/metrics", "/metrics", true},
		{"partial-no-skip", "/health", "/healthz", false},
		{"unanchored-no-skip", "health", "/healthz", false},
		{"empty-path", "/healthz", "", false},
		{"other", "/healthz", "/echo", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := &fakeEngine{}
			handler := tracing.NewServerHandler(engine, nil, nil, skipProvider(tt.pattern))

			req := newRequest("GET", "http://svc:8000"+tt.path, tt.path)
			span, err := handler.HandleReceive(req)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			_, inert := span.(*tracing.NoOpSpan)
			if inert != tt.skipped {
				t.Errorf("expected skipped=%t, got inert span=%t", tt.skipped, inert)
			}
			wantStarts := 1
			if tt.skipped {
				wantStarts = 0
			}
			if len(engine.starts) != wantStarts {
				t.Errorf("expected %d engine starts, got %d", wantStarts, len(engine.starts))
			}
		})
	}
}

func TestHandleReceiveStartsSpan(t *testing.T) {
	engine := &fakeEngine{}
	handler := tracing.NewServerHandler(engine, nil, nil, skipProvider("/healthz"))

	req := newRequest("POST", "https://example.com:8443/a/b?x=1", "/a/b")
	req.headers["User-Agent"] = "tracekit-test"

	span, err := handler.HandleReceive(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, inert := span.(*tracing.NoOpSpan); inert {
		t.Fatal("expected an active span")
	}
	if engine.extracts != 1 {
		t.Errorf("expected 1 extract, got %d", engine.extracts)
	}
	if len(engine.starts) != 1 {
		t.Fatalf("expected 1 engine start, got %d", len(engine.starts))
	}

	call := engine.starts[0]
	if call.name != "POST" {
		t.Errorf("expected span name POST, got %q", call.name)
	}
	for key, want := range map[string]string{
		"http.method":     "POST",
		"http.url":        "https://example.com:8443/a/b?x=1",
		"http.scheme":     "https",
		"http.host":       "example.com",
		"http.target":     "/a/b?x=1",
		"http.path":       "/a/b",
		"http.user_agent": "tracekit-test",
		"net.peer.ip":     "example.com",
		"net.peer.port":   "8443",
	} {
		if got := call.attrs[key]; got != want {
			t.Errorf("attribute %s: expected %q, got %q", key, want, got)
		}
	}

	// native context must have been attached to the request storage
	if handler.ServerContext(req) == nil {
		t.Error("expected server context attached to request")
	}
}

func TestHandleReceiveNoPathAttributeWhenBlank(t *testing.T) {
	engine := &fakeEngine{}
	handler := tracing.NewServerHandler(engine, nil, nil, nil)

	req := newRequest("GET", "http://example.com", "")
	if _, err := handler.HandleReceive(req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := engine.starts[0].attrs["http.path"]; ok {
		t.Error("expected no http.path attribute for blank path")
	}
}

func TestHandleReceiveMalformedURL(t *testing.T) {
	engine := &fakeEngine{}
	handler := tracing.NewServerHandler(engine, nil, nil, nil)

	req := newRequest("GET", "://missing-scheme", "/a")
	span, err := handler.HandleReceive(req)
	if err == nil {
		t.Fatal("expected a parse failure")
	}
	if span != nil {
		t.Error("expected no span on parse failure")
	}
	if len(engine.starts) != 0 {
		t.Errorf("expected no engine starts, got %d", len(engine.starts))
	}
}

func TestHandleReceiveInvokesRequestParser(t *testing.T) {
	engine := &fakeEngine{}
	var parsed []tracing.Span
	parser := tracing.RequestParserFunc(func(req tracing.ServerRequest, ctx tracing.TraceContext, span tracing.Span) {
		if ctx == nil {
			t.Error("expected a trace context")
		}
		parsed = append(parsed, span)
	})
	handler := tracing.NewServerHandler(engine, parser, nil, nil)

	req := newRequest("GET", "http://example.com/a", "/a")
	if _, err := handler.HandleReceive(req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(parsed) != 1 {
		t.Fatalf("expected request parser invoked once, got %d", len(parsed))
	}
}

func TestHandleSend(t *testing.T) {
	errBoom := errors.New("boom")

	tests := []struct {
		name       string
		statusCode int
		respErr    error
	}{
		{"ok", 200, nil},
		{"error", 503, errBoom},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := &fakeEngine{}
			handler := tracing.NewServerHandler(engine, nil, nil, nil)

			req := newRequest("GET", "http://example.com/a", "/a")
			span, err := handler.HandleReceive(req)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			handler.HandleSend(tracing.WrapResponse(req, tt.statusCode, tt.respErr), span)

			if len(engine.ends) != 1 {
				t.Fatalf("expected span ended exactly once, got %d", len(engine.ends))
			}
			end := engine.ends[0]
			if end.statusCode != tt.statusCode {
				t.Errorf("expected status %d, got %d", tt.statusCode, end.statusCode)
			}
			if !errors.Is(end.err, tt.respErr) && end.err != tt.respErr {
				t.Errorf("expected error %v, got %v", tt.respErr, end.err)
			}
			if engine.activations != 1 || engine.releases != 1 {
				t.Errorf("expected scope acquired and released exactly once, got %d/%d",
					engine.activations, engine.releases)
			}
		})
	}
}

func TestHandleSendInvokesResponseParser(t *testing.T) {
	engine := &fakeEngine{}
	invoked := 0
	parser := tracing.ResponseParserFunc(func(res tracing.ServerResponse, ctx tracing.TraceContext, span tracing.Span) {
		invoked++
		if res.StatusCode() != 201 {
			t.Errorf("expected status 201, got %d", res.StatusCode())
		}
		// parser must observe the activated scope
		if engine.CurrentContext() == context.Background() {
			t.Error("expected the span context active during parsing")
		}
	})
	handler := tracing.NewServerHandler(engine, nil, parser, nil)

	req := newRequest("GET", "http://example.com/a", "/a")
	span, _ := handler.HandleReceive(req)
	handler.HandleSend(tracing.WrapResponse(req, 201, nil), span)

	if invoked != 1 {
		t.Fatalf("expected response parser invoked once, got %d", invoked)
	}
}

func TestHandleSendReleasesScopeOnParserPanic(t *testing.T) {
	engine := &fakeEngine{}
	parser := tracing.ResponseParserFunc(func(tracing.ServerResponse, tracing.TraceContext, tracing.Span) {
		panic("parser exploded")
	})
	handler := tracing.NewServerHandler(engine, nil, parser, nil)

	req := newRequest("GET", "http://example.com/a", "/a")
	span, _ := handler.HandleReceive(req)

	func() {
		defer func() {
			if recover() == nil {
				t.Error("expected the parser panic to propagate")
			}
		}()
		handler.HandleSend(tracing.WrapResponse(req, 200, nil), span)
	}()

	if engine.activations != 1 || engine.releases != 1 {
		t.Errorf("expected scope acquired and released exactly once, got %d/%d",
			engine.activations, engine.releases)
	}
	if len(engine.ends) != 0 {
		t.Errorf("expected no span end after parser panic, got %d", len(engine.ends))
	}
	if engine.CurrentContext() != context.Background() {
		t.Error("expected ambient context restored after panic")
	}
}

func TestHandleSendOverlappingRequests(t *testing.T) {
	engine := &fakeEngine{}

	// request B's send blocks in its response parser so its activated
	// context occupies the ambient slot while request A finishes
	bActivated := make(chan struct{})
	bRelease := make(chan struct{})
	parserB := tracing.ResponseParserFunc(func(tracing.ServerResponse, tracing.TraceContext, tracing.Span) {
		close(bActivated)
		<-bRelease
	})
	handlerA := tracing.NewServerHandler(engine, nil, nil, nil)
	handlerB := tracing.NewServerHandler(engine, nil, parserB, nil)

	reqA := newRequest("GET", "http://example.com/a", "/a")
	reqB := newRequest("GET", "http://example.com/b", "/b")
	spanA, err := handlerA.HandleReceive(reqA)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	spanB, err := handlerB.HandleReceive(reqB)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	done := make(chan struct{})
	go func() {
		handlerB.HandleSend(tracing.WrapResponse(reqB, 204, nil), spanB)
		close(done)
	}()
	<-bActivated
	handlerA.HandleSend(tracing.WrapResponse(reqA, 200, nil), spanA)
	close(bRelease)
	<-done

	if len(engine.ends) != 2 {
		t.Fatalf("expected both spans ended, got %d ends", len(engine.ends))
	}
	for _, end := range engine.ends {
		switch end.statusCode {
		case 200:
			if end.span != spanA {
				t.Error("expected request A to end its own span")
			}
		case 204:
			if end.span != spanB {
				t.Error("expected request B to end its own span")
			}
		default:
			t.Errorf("unexpected end status %d", end.statusCode)
		}
	}
}

func TestServerContextRoundTrip(t *testing.T) {
	engine := &fakeEngine{}
	handler := tracing.NewServerHandler(engine, nil, nil, nil)

	req := newRequest("GET", "http://example.com/a", "/a")
	if got := handler.ServerContext(req); got != nil {
		t.Fatalf("expected nil before attach, got %v", got)
	}

	ctx := context.WithValue(context.Background(), ctxKey("k"), "v")
	handler.AttachServerContext(ctx, req)
	if got := handler.ServerContext(req); got != ctx {
		t.Fatalf("expected attached context back, got %v", got)
	}

	// a stored value of the wrong type yields nil
	req.SetAttribute(tracing.ContextAttribute, "bogus")
	if got := handler.ServerContext(req); got != nil {
		t.Fatalf("expected nil for foreign attribute value, got %v", got)
	}
}

func TestGetter(t *testing.T) {
	engine := &fakeEngine{}
	handler := tracing.NewServerHandler(engine, nil, nil, nil)

	req := newRequest("GET", "http://example.com/a", "/a")
	req.headers["Traceparent"] = "00-aa-bb-01"
	req.headers["X-Request-Id"] = "42"

	getter := handler.Getter()
	if got := getter.Get(req, "Traceparent"); got != "00-aa-bb-01" {
		t.Errorf("expected header value, got %q", got)
	}
	if got := getter.Get(req, "Missing"); got != "" {
		t.Errorf("expected empty value for missing header, got %q", got)
	}
	keys := getter.Keys(req)
	if len(keys) != 2 {
		t.Errorf("expected 2 header names, got %v", keys)
	}
}

func TestExtractors(t *testing.T) {
	engine := &fakeEngine{}
	handler := tracing.NewServerHandler(engine, nil, nil, nil)

	t.Run("target", func(t *testing.T) {
		tests := []struct {
			url  string
			want string
		}{
			{"https://host/a/b?x=1#frag", "/a/b?x=1#frag"},
			{"https://host/a/b?x=1", "/a/b?x=1"},
			{"https://host/a/b#frag", "/a/b#frag"},
			{"https://host/a/b", "/a/b"},
			{"https://host", ""},
		}
		for _, tt := range tests {
			req := newRequest("GET", tt.url, "")
			got, err := handler.Target(req)
			if err != nil {
				t.Fatalf("%s: unexpected error: %v", tt.url, err)
			}
			if got != tt.want {
				t.Errorf("%s: expected %q, got %q", tt.url, tt.want, got)
			}
		}
	})

	t.Run("peer", func(t *testing.T) {
		req := newRequest("GET", "https://example.com:8443/path", "/path")

		if got, err := handler.PeerHostIP(req); err != nil || got != "example.com" {
			t.Errorf("expected example.com, got %q (%v)", got, err)
		}
		if got, err := handler.PeerPort(req); err != nil || got != 8443 {
			t.Errorf("expected 8443, got %d (%v)", got, err)
		}
		if got, err := handler.Scheme(req); err != nil || got != "https" {
			t.Errorf("expected https, got %q (%v)", got, err)
		}
	})

	t.Run("no-port", func(t *testing.T) {
		req := newRequest("GET", "https://example.com/path", "/path")
		if got, err := handler.PeerPort(req); err != nil || got != 0 {
			t.Errorf("expected 0 for absent port, got %d (%v)", got, err)
		}
	})

	t.Run("malformed", func(t *testing.T) {
		req := newRequest("GET", "://missing-scheme", "/a")

		if _, err := handler.Scheme(req); err == nil {
			t.Error("Scheme: expected parse failure")
		}
		if _, err := handler.Host(req); err == nil {
			t.Error("Host: expected parse failure")
		}
		if _, err := handler.Target(req); err == nil {
			t.Error("Target: expected parse failure")
		}
		if _, err := handler.PeerHostIP(req); err == nil {
			t.Error("PeerHostIP: expected parse failure")
		}
		if _, err := handler.PeerPort(req); err == nil {
			t.Error("PeerPort: expected parse failure")
		}
	})

	t.Run("direct", func(t *testing.T) {
		req := newRequest("PUT", "http://h/x", "/x")
		req.headers["X-Custom"] = "yes"

		if got := handler.Method(req); got != "PUT" {
			t.Errorf("expected PUT, got %q", got)
		}
		if got := handler.URL(req); got != "http://h/x" {
			t.Errorf("expected url back, got %q", got)
		}
		if got := handler.RequestHeader(req, "X-Custom"); got != "yes" {
			t.Errorf("expected header value, got %q", got)
		}
		res := tracing.WrapResponse(req, 418, nil)
		if got := handler.ResponseStatus(res); got != 418 {
			t.Errorf("expected 418, got %d", got)
		}
	})
}

func TestWrapResponse(t *testing.T) {
	req := newRequest("GET", "http://h/x", "/x")
	errT := errors.New("conn reset")
	res := tracing.WrapResponse(req, 502, errT)

	if res.StatusCode() != 502 {
		t.Errorf("expected 502, got %d", res.StatusCode())
	}
	if !strings.Contains(res.Error().Error(), "conn reset") {
		t.Errorf("unexpected error: %v", res.Error())
	}
	if res.Request() != tracing.ServerRequest(req) {
		t.Error("expected the wrapped request back")
	}
}
