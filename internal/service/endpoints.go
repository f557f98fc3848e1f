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

package service

import (
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
)

// health answers liveness probes. The path is expected to be listed in the
// trace skip pattern so probes never show up as traces.
func (ep *Endpoints) health(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// fail responds with the requested status code, driving the server span
// into its error tagged state for 5xx codes.
func (ep *Endpoints) fail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	strCode, ok := mux.Vars(r)["code"]
	if !ok {
		ep.writeResponse(ctx, w, response{
			Code:  http.StatusBadRequest,
			Error: errStatusCode,
		})
		return
	}
	code, err := strconv.Atoi(strCode)
	if err != nil || code < 100 || code > 599 {
		ep.writeResponse(ctx, w, response{
			Code:  http.StatusBadRequest,
			Error: errStatusCode,
		})
		return
	}

	span := ep.Tracing.SpanFromContext(ctx)
	span.Event("failure requested").Tag("fail.code", strCode)

	ep.writeResponse(ctx, w, response{
		Code:    code,
		Message: "requested failure",
	})
}

// echoHandler echoes the received request, observing the configured
// artificial latency and error percentage.
func (ep *Endpoints) echoHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ep.mtx.RLock()
	errPct := ep.errors
	duration := ep.duration
	ep.mtx.RUnlock()

	if duration > 0 {
		time.Sleep(duration)
	}

	if errPct > 0 && rand.Int31n(100) < errPct { // nolint: gosec
		ep.Tracing.SpanFromContext(ctx).Error(errInternal)
		ep.writeResponse(ctx, w, response{
			Code:  http.StatusInternalServerError,
			Error: errInternal,
		})
		return
	}

	ep.writeResponse(ctx, w, response{
		Code:    http.StatusOK,
		Message: "echo from " + ep.ServiceName,
		Headers: r.Header,
	})
}
