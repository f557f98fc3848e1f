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

// Package service holds the demo endpoints exercising the server trace
// bridge: a health check excluded from tracing, an echo endpoint and an
// error injection endpoint driving spans into their error-ended state.
package service

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/tetratelabs/multierror"
	"github.com/tetratelabs/run"

	"github.com/tracekit/tracekit/pkg"
	"github.com/tracekit/tracekit/pkg/tracing"
)

const (
	flagDuration = "ep-duration"
	flagErrors   = "ep-errors"

	errPercentage pkg.Error = "expected percentage value between 0 and 100"
	errDuration   pkg.Error = "expected a zero or positive duration"
	errInternal   pkg.Error = "internal service failure occurred"
	errStatusCode pkg.Error = "expected a valid http status code"
)

// Tracing is the contract the endpoints need from the tracing service.
type Tracing interface {
	tracing.Engineer
	tracing.Contexter
	tracing.SkipPatternProvider
}

// Endpoints implements a run.Config compatible group of endpoints which will
// register themselves on the provided http service, instrumented through the
// server trace bridge.
type Endpoints struct {
	// dependencies
	Tracing Tracing

	ServiceName string

	handler http.Handler

	// service globals protected by mutex mtx
	mtx      sync.RWMutex
	errors   int32
	duration time.Duration
}

// Name implements run.Unit.
func (ep *Endpoints) Name() string {
	return "endpoints"
}

// FlagSet implements run.Config.
func (ep *Endpoints) FlagSet() *run.FlagSet {
	flags := run.NewFlagSet("Endpoint options")

	flags.Int32Var(&ep.errors, flagErrors, ep.errors,
		`Percentage of errors on echo handler`)

	flags.DurationVar(&ep.duration, flagDuration, ep.duration,
		`Duration of a request on echo handler`)

	return flags
}

// Validate implements run.Config.
func (ep *Endpoints) Validate() error {
	var mErr error

	if ep.errors < 0 || ep.errors > 100 {
		mErr = multierror.Append(mErr,
			fmt.Errorf(pkg.FlagErr, flagErrors, errPercentage),
		)
	}
	if ep.duration < 0 {
		mErr = multierror.Append(mErr,
			fmt.Errorf(pkg.FlagErr, flagDuration, errDuration),
		)
	}

	return mErr
}

// PreRun implements run.PreRunner.
func (ep *Endpoints) PreRun() error {
	if ep.Tracing == nil || ep.Tracing.Engine() == nil {
		return errors.New("missing tracing engine to attach to")
	}

	// create our service router
	router := mux.NewRouter()
	router.Methods("GET").Path("/healthz").HandlerFunc(ep.health)
	router.Methods("GET").Path("/fail/{code}").HandlerFunc(ep.fail)
	router.Methods("GET").PathPrefix("/").HandlerFunc(ep.echoHandler)

	handler := tracing.NewServerHandler(
		ep.Tracing.Engine(),
		tracing.RequestParserFunc(parseRequest),
		tracing.ResponseParserFunc(parseResponse),
		ep.Tracing,
	)
	ep.handler = tracing.Middleware(handler)(router)

	return nil
}

// parseRequest enriches freshly started server spans with the request
// correlation id when present.
func parseRequest(req tracing.ServerRequest, _ tracing.TraceContext, span tracing.Span) {
	if id := req.Header("X-Request-Id"); id != "" {
		span.Tag("http.request_id", id)
	}
}

// parseResponse marks the moment the response was committed.
func parseResponse(_ tracing.ServerResponse, _ tracing.TraceContext, span tracing.Span) {
	span.Event("response committed")
}

// Handler returns an HTTP handler that can be attached to an HTTP service.
// The handler holds a router to the endpoints with the sub handlers.
func (ep *Endpoints) Handler() http.Handler {
	return ep.handler
}

var (
	_ run.Config    = (*Endpoints)(nil)
	_ run.PreRunner = (*Endpoints)(nil)
)
