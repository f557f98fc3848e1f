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

// Package pkg holds small shared helpers for the tracekit packages: a
// constant friendly error type and deep error chain inspection.
package pkg

import "errors"

// Error is a constant friendly error type. It allows sentinel errors to be
// declared as typed constants instead of variables.
type Error string

// Error implements the error interface.
func (e Error) Error() string {
	return string(e)
}

const (
	// FlagErr is the standard format for configuration flag errors. It takes
	// the flag name and the underlying error.
	FlagErr = "config error in flag --%s: %w"

	// ErrRequired signals a missing mandatory configuration value.
	ErrRequired Error = "required value not set"
)

// multiError is implemented by the multierror packages we consume
// (tetratelabs/multierror and hashicorp/go-multierror).
type multiError interface {
	WrappedErrors() []error
}

// HasError reports whether target can be found in err's chain. Unlike a bare
// errors.Is it also descends into multierror containers found anywhere in
// the chain, so a target buried inside an aggregated validation error is
// still matched.
func HasError(err, target error) bool {
	if err == nil {
		return target == nil
	}
	if target == nil {
		return false
	}
	if errors.Is(err, target) {
		return true
	}
	var mErr multiError
	if errors.As(err, &mErr) {
		for _, e := range mErr.WrappedErrors() {
			if HasError(e, target) {
				return true
			}
		}
	}
	return false
}
