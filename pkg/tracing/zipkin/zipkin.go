// Copyright (c) Bas van Beek 2022.
// Copyright (c) Tetrate, Inc 2021.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package zipkin provides primitives for creating and configuring a Zipkin
// tracing engine for this binary.
package zipkin

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path"
	"strconv"
	"time"

	"github.com/openzipkin/zipkin-go"
	"github.com/openzipkin/zipkin-go/model"
	"github.com/openzipkin/zipkin-go/propagation/b3"
	"github.com/openzipkin/zipkin-go/reporter"
	zrpr "github.com/openzipkin/zipkin-go/reporter/http"
	"github.com/tetratelabs/multierror"
	"github.com/tetratelabs/run"
	"github.com/tetratelabs/run/pkg/version"

	"github.com/tracekit/tracekit/pkg"
	"github.com/tracekit/tracekit/pkg/tracing"
)

// flags
const (
	ReporterEndpoint = "zipkin-reporter-endpoint"
	LocalServicename = "zipkin-local-servicename"
	LocalHostport    = "zipkin-local-hostport"
	SinglehostSpans  = "zipkin-singlehost-spans"
	SampleRate       = "zipkin-sample-rate"
)

const (
	// default configuration values
	defaultReporterAddr = "http://zipkin:9411/api/v2/spans"
	defaultSampleRate   = 1.0
)

// Service implements run.GroupService
type Service struct {
	Servicename     string
	LocalHostport   string
	Address         string
	SampleRate      float64
	Reporter        reporter.Reporter
	SingleHostSpans bool

	zipkinTracer *zipkin.Tracer
	engine       tracing.Engine
	ownsReporter bool
	closer       chan error
}

// static compile time run interfaces validation
var (
	_ run.Config            = (*Service)(nil)
	_ run.PreRunner         = (*Service)(nil)
	_ run.Service           = (*Service)(nil)
	_ tracing.EngineService = (*Service)(nil)
)

// Name implements run.Unit.
func (s *Service) Name() string {
	return "zipkin"
}

// GroupName implements run.Namer so the Zipkin local endpoint service name
// defaults to the name of the run.Group if not set before calling Group's Run
// or RunConfig.
func (s *Service) GroupName(name string) {
	if s.Servicename == "" {
		s.Servicename = name
	}
}

// FlagSet implements run.Config
func (s *Service) FlagSet() *run.FlagSet {
	// set defaults if needed
	if s.Address == "" {
		s.Address = defaultReporterAddr
	}
	if s.Servicename == "" {
		s.Servicename = path.Base(os.Args[0])
	}
	if s.SampleRate < 0 {
		s.SampleRate = 0.0
	} else if s.SampleRate == 0.0 {
		s.SampleRate = defaultSampleRate
	}

	// create our configuration flags
	flags := run.NewFlagSet("Zipkin Tracer Config")

	flags.StringVar(
		&s.Address,
		ReporterEndpoint,
		s.Address,
		`Full address, including URI, of the Zipkin HTTP collector`)
	flags.StringVar(
		&s.Servicename,
		LocalServicename,
		s.Servicename,
		`Local ServiceName to report`)
	flags.StringVar(
		&s.LocalHostport,
		LocalHostport,
		s.LocalHostport,
		`Local ip:port to report`)
	flags.BoolVar(
		&s.SingleHostSpans,
		SinglehostSpans,
		false,
		`Do not use Zipkin RPC shared spans`)
	flags.Float64Var(
		&s.SampleRate,
		SampleRate,
		s.SampleRate,
		`Set the Zipkin sample rate, between never (0.0) and always (1.0), `+
			`smallest increment: 0.0001`)

	return flags
}

// Validate implements run.Config
func (s *Service) Validate() error {
	var mErr error

	if s.Reporter == nil {
		if _, err := url.Parse(s.Address); err != nil {
			mErr = multierror.Append(mErr,
				fmt.Errorf(pkg.FlagErr, ReporterEndpoint, err))
		}
	}
	if s.Servicename == "" {
		mErr = multierror.Append(mErr,
			fmt.Errorf(pkg.FlagErr, LocalServicename, pkg.ErrRequired))
	}
	if s.LocalHostport != "" {
		if _, _, err := net.SplitHostPort(s.LocalHostport); err != nil {
			mErr = multierror.Append(mErr,
				fmt.Errorf(pkg.FlagErr, LocalHostport, err))
		}
	}
	if _, err := zipkin.NewBoundarySampler(s.SampleRate, 0); err != nil {
		mErr = multierror.Append(mErr,
			fmt.Errorf(pkg.FlagErr, SampleRate, err))
	}

	return mErr
}

// PreRun implements run.PreRunner
func (s *Service) PreRun() error {
	var err error

	// configure our local endpoint
	ep, err := zipkin.NewEndpoint(s.Servicename, s.LocalHostport)
	if err != nil {
		return err
	}

	// configure our sampler
	salt := time.Now().UnixNano()
	sampler, err := zipkin.NewBoundarySampler(s.SampleRate, salt)
	if err != nil {
		return err
	}

	rep := s.Reporter
	if rep == nil {
		// we create our own reporter
		s.ownsReporter = true
		rep = zrpr.NewReporter(s.Address)
	}

	// create our tracer
	s.zipkinTracer, err = zipkin.NewTracer(
		rep,
		zipkin.WithLocalEndpoint(ep),
		zipkin.WithSharedSpans(!s.SingleHostSpans),
		zipkin.WithSampler(sampler),
		zipkin.WithTags(map[string]string{tracing.VersionTag: version.Parse()}),
	)
	if err != nil {
		if s.ownsReporter {
			// we handle the lifecycle of the reporter internally
			_ = rep.Close() // nolint: errcheck
		}
		return err
	}

	s.Reporter = rep
	s.engine = NewEngine(s.zipkinTracer)
	s.closer = make(chan error)

	return nil
}

// Serve implements run.GroupService
func (s *Service) Serve() error {
	return <-s.closer
}

// GracefulStop implements run.GroupService
func (s *Service) GracefulStop() {
	close(s.closer)
	if s.ownsReporter {
		// we handle the lifecycle of the reporter internally
		_ = s.Reporter.Close() // nolint: errcheck
	}
}

// Engine implements tracing.Engineer
func (s *Service) Engine() tracing.Engine {
	return s.engine
}

// SpanFromContext implements tracing.Contexter
func (s *Service) SpanFromContext(ctx context.Context) tracing.Span {
	return &spanAdapter{delegate: zipkin.SpanOrNoopFromContext(ctx), ctx: ctx}
}

// engine implements tracing.Engine on top of zipkin-go.
type engine struct {
	tracer *zipkin.Tracer
	scopes tracing.ScopeHolder
}

var _ tracing.Engine = (*engine)(nil)

// NewEngine returns a tracing.Engine backed by the given Zipkin tracer.
func NewEngine(tracer *zipkin.Tracer) tracing.Engine {
	return &engine{tracer: tracer}
}

// parentKey carries an extracted remote parent between Extract and
// StartSpan.
type parentKey struct{}

// Name implements tracing.Engine
func (e *engine) Name() string {
	return "zipkin"
}

// Extract implements tracing.Engine. It reads B3 propagation headers
// through the bridge's getter.
func (e *engine) Extract(getter tracing.HeaderGetter, carrier tracing.ServerRequest) context.Context {
	sc, err := b3.ParseHeaders(
		getter.Get(carrier, b3.TraceID),
		getter.Get(carrier, b3.SpanID),
		getter.Get(carrier, b3.ParentSpanID),
		getter.Get(carrier, b3.Sampled),
		getter.Get(carrier, b3.Flags),
	)
	if err != nil || sc == nil {
		return context.Background()
	}
	return context.WithValue(context.Background(), parentKey{}, sc)
}

// StartSpan implements tracing.Engine
func (e *engine) StartSpan(parent context.Context, name string, start time.Time, attrs []tracing.Attribute) context.Context {
	opts := []zipkin.SpanOption{zipkin.Kind(model.Server)}
	if !start.IsZero() {
		opts = append(opts, zipkin.StartTime(start))
	}
	if sc, ok := parent.Value(parentKey{}).(*model.SpanContext); ok && sc != nil {
		opts = append(opts, zipkin.Parent(*sc))
	}
	span := e.tracer.StartSpan(name, opts...)
	for _, a := range attrs {
		span.Tag(a.Key, a.Value)
	}
	return zipkin.NewContext(parent, span)
}

// EndSpan implements tracing.Engine
func (e *engine) EndSpan(ctx context.Context, statusCode int) {
	span := zipkin.SpanFromContext(ctx)
	if span == nil {
		return
	}
	if statusCode > 0 {
		span.Tag("http.status_code", strconv.Itoa(statusCode))
	}
	span.Finish()
}

// EndSpanWithError implements tracing.Engine
func (e *engine) EndSpanWithError(ctx context.Context, statusCode int, err error) {
	span := zipkin.SpanFromContext(ctx)
	if span == nil {
		return
	}
	if statusCode > 0 {
		span.Tag("http.status_code", strconv.Itoa(statusCode))
	}
	zipkin.TagError.Set(span, err.Error())
	span.Finish()
}

// Activate implements tracing.Engine
func (e *engine) Activate(ctx context.Context) tracing.Scope {
	return e.scopes.Activate(ctx)
}

// CurrentContext implements tracing.Engine
func (e *engine) CurrentContext() context.Context {
	return e.scopes.Current()
}

// SpanFromContext implements tracing.Engine
func (e *engine) SpanFromContext(ctx context.Context) tracing.Span {
	return &spanAdapter{delegate: zipkin.SpanOrNoopFromContext(ctx), ctx: ctx}
}

// spanAdapter wraps a Zipkin span, together with the native context it is
// bound to, as a tracing.Span.
type spanAdapter struct {
	delegate zipkin.Span
	ctx      context.Context
}

// static compile time interface validation
var (
	_ tracing.Span            = (*spanAdapter)(nil)
	_ tracing.NativeContexter = (*spanAdapter)(nil)
)

// IsNoop implements tracing.Span
func (s *spanAdapter) IsNoop() bool {
	return s.delegate.Context().TraceID.Empty()
}

// Context implements tracing.Span
func (s *spanAdapter) Context() tracing.TraceContext {
	return spanContext{sc: s.delegate.Context()}
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
	s.delegate.Tag(key, value)
	return s
}

// Event implements tracing.Span
func (s *spanAdapter) Event(value string) tracing.Span {
	s.delegate.Annotate(time.Now(), value)
	return s
}

// Error implements tracing.Span
func (s *spanAdapter) Error(err error) tracing.Span {
	zipkin.TagError.Set(s.delegate, err.Error())
	return s
}

// End implements tracing.Span
func (s *spanAdapter) End() {
	s.delegate.Finish()
}

type spanContext struct {
	sc model.SpanContext
}

var _ tracing.TraceContext = spanContext{}

func (c spanContext) TraceID() string {
	if c.sc.TraceID.Empty() {
		return ""
	}
	return c.sc.TraceID.String()
}

func (c spanContext) SpanID() string {
	if c.sc.ID == 0 {
		return ""
	}
	return c.sc.ID.String()
}

func (c spanContext) Sampled() bool {
	return c.sc.Sampled != nil && *c.sc.Sampled
}
