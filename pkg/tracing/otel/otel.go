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

// Package otel provides primitives for creating and configuring an
// OpenTelemetry tracing engine for this binary.
package otel

import (
	"context"
	"fmt"
	"net"
	"os"
	"path"
	"time"

	"github.com/tetratelabs/multierror"
	"github.com/tetratelabs/run"
	"github.com/tetratelabs/run/pkg/version"
	"go.opentelemetry.io/contrib/propagators/b3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"

	"github.com/tracekit/tracekit/pkg"
	"github.com/tracekit/tracekit/pkg/tracing"
)

// flags
const (
	ExporterEndpoint = "otel-exporter-endpoint"
	LocalServicename = "otel-local-servicename"
	SampleRate       = "otel-sample-rate"
	ConnectTimeout   = "otel-connect-timeout"
)

const (
	// default configuration values
	defaultExporterAddr   = "otel-collector:4317"
	defaultSampleRate     = 1.0
	defaultConnectTimeout = 10 * time.Second
)

// Service implements run.GroupService
type Service struct {
	Servicename string
	Address     string
	SampleRate  float64
	Timeout     time.Duration

	// Exporter can be pre-set to bypass the OTLP exporter construction,
	// e.g. with an in-memory exporter in tests.
	Exporter tracesdk.SpanExporter

	provider     *tracesdk.TracerProvider
	engine       tracing.Engine
	ownsExporter bool
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
	return "otel"
}

// GroupName implements run.Namer so the reported service name defaults to
// the name of the run.Group if not set before calling Group's Run or
// RunConfig.
func (s *Service) GroupName(name string) {
	if s.Servicename == "" {
		s.Servicename = name
	}
}

// FlagSet implements run.Config
func (s *Service) FlagSet() *run.FlagSet {
	// set defaults if needed
	if s.Address == "" {
		s.Address = defaultExporterAddr
	}
	if s.Servicename == "" {
		s.Servicename = path.Base(os.Args[0])
	}
	if s.SampleRate < 0 {
		s.SampleRate = 0.0
	} else if s.SampleRate == 0.0 {
		s.SampleRate = defaultSampleRate
	}
	if s.Timeout <= 0 {
		s.Timeout = defaultConnectTimeout
	}

	// create our configuration flags
	flags := run.NewFlagSet("OpenTelemetry Tracer Config")

	flags.StringVar(
		&s.Address,
		ExporterEndpoint,
		s.Address,
		`host:port of the OTLP gRPC collector`)
	flags.StringVar(
		&s.Servicename,
		LocalServicename,
		s.Servicename,
		`Local ServiceName to report`)
	flags.Float64Var(
		&s.SampleRate,
		SampleRate,
		s.SampleRate,
		`Set the trace sample rate, between never (0.0) and always (1.0)`)
	flags.DurationVar(
		&s.Timeout,
		ConnectTimeout,
		s.Timeout,
		`Time to wait for the OTLP collector connection`)

	return flags
}

// Validate implements run.Config
func (s *Service) Validate() error {
	var mErr error

	if s.Exporter == nil {
		if _, _, err := net.SplitHostPort(s.Address); err != nil {
			mErr = multierror.Append(mErr,
				fmt.Errorf(pkg.FlagErr, ExporterEndpoint, err))
		}
	}
	if s.Servicename == "" {
		mErr = multierror.Append(mErr,
			fmt.Errorf(pkg.FlagErr, LocalServicename, pkg.ErrRequired))
	}
	if s.SampleRate < 0 || s.SampleRate > 1 {
		mErr = multierror.Append(mErr,
			fmt.Errorf(pkg.FlagErr, SampleRate,
				pkg.Error("sample rate must be between 0.0 and 1.0")))
	}

	return mErr
}

// PreRun implements run.PreRunner
func (s *Service) PreRun() error {
	exp := s.Exporter
	if exp == nil {
		// we create our own exporter
		s.ownsExporter = true
		ctx, cancel := context.WithTimeout(context.Background(), s.Timeout)
		defer cancel()

		client := otlptracegrpc.NewClient(
			otlptracegrpc.WithInsecure(),
			otlptracegrpc.WithEndpoint(s.Address),
			otlptracegrpc.WithDialOption(grpc.WithBlock()))

		var err error
		if exp, err = otlptrace.New(ctx, client); err != nil {
			return err
		}
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(s.Servicename),
			attribute.String(tracing.VersionTag, version.Parse()),
		))
	if err != nil {
		if s.ownsExporter {
			// we handle the lifecycle of the exporter internally
			_ = exp.Shutdown(context.Background()) // nolint: errcheck
		}
		return err
	}

	s.provider = tracesdk.NewTracerProvider(
		tracesdk.WithSampler(tracesdk.ParentBased(tracesdk.TraceIDRatioBased(s.SampleRate))),
		tracesdk.WithBatcher(exp),
		tracesdk.WithResource(res),
	)

	// TraceContext first so W3C headers win on inject; B3 kept for
	// interop with Zipkin-instrumented peers.
	propagator := propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}, b3.New())

	s.Exporter = exp
	s.engine = NewEngine(s.provider, propagator)
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

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if s.provider != nil {
		_ = s.provider.Shutdown(ctx) // nolint: errcheck
	}
	if s.ownsExporter {
		// we handle the lifecycle of the exporter internally
		_ = s.Exporter.Shutdown(ctx) // nolint: errcheck
	}
}

// Engine implements tracing.Engineer
func (s *Service) Engine() tracing.Engine {
	return s.engine
}

// SpanFromContext implements tracing.Contexter
func (s *Service) SpanFromContext(ctx context.Context) tracing.Span {
	return FromContext(ctx)
}

// engine implements tracing.Engine on top of the OpenTelemetry SDK.
type engine struct {
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
	scopes     tracing.ScopeHolder
}

var _ tracing.Engine = (*engine)(nil)

// NewEngine returns a tracing.Engine backed by the given tracer provider
// and propagator.
func NewEngine(tp trace.TracerProvider, propagator propagation.TextMapPropagator) tracing.Engine {
	return &engine{
		tracer:     tp.Tracer(tracing.InstrumentationName),
		propagator: propagator,
	}
}

// Name implements tracing.Engine
func (e *engine) Name() string {
	return "otel"
}

// Extract implements tracing.Engine
func (e *engine) Extract(getter tracing.HeaderGetter, carrier tracing.ServerRequest) context.Context {
	return e.propagator.Extract(context.Background(), &headerCarrier{getter: getter, req: carrier})
}

// StartSpan implements tracing.Engine
func (e *engine) StartSpan(parent context.Context, name string, start time.Time, attrs []tracing.Attribute) context.Context {
	kvs := make([]attribute.KeyValue, 0, len(attrs))
	for _, a := range attrs {
		kvs = append(kvs, attribute.String(a.Key, a.Value))
	}
	opts := []trace.SpanStartOption{
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(kvs...),
	}
	if !start.IsZero() {
		opts = append(opts, trace.WithTimestamp(start))
	}
	ctx, _ := e.tracer.Start(parent, name, opts...)
	return ctx
}

// EndSpan implements tracing.Engine
func (e *engine) EndSpan(ctx context.Context, statusCode int) {
	span := trace.SpanFromContext(ctx)
	if statusCode > 0 {
		span.SetAttributes(attribute.Int("http.status_code", statusCode))
	}
	span.End()
}

// EndSpanWithError implements tracing.Engine
func (e *engine) EndSpanWithError(ctx context.Context, statusCode int, err error) {
	span := trace.SpanFromContext(ctx)
	if statusCode > 0 {
		span.SetAttributes(attribute.Int("http.status_code", statusCode))
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.End()
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
	return FromContext(ctx)
}

// headerCarrier adapts the bridge's header getter to the propagation
// TextMapCarrier contract. Extraction only; Set is a no-op.
type headerCarrier struct {
	getter tracing.HeaderGetter
	req    tracing.ServerRequest
}

var _ propagation.TextMapCarrier = (*headerCarrier)(nil)

func (c *headerCarrier) Get(key string) string {
	return c.getter.Get(c.req, key)
}

func (c *headerCarrier) Set(string, string) {}

func (c *headerCarrier) Keys() []string {
	return c.getter.Keys(c.req)
}
