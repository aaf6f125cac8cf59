/*
Copyright 2023 Watchpost, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package client

import (
	"errors"
	"fmt"
	"net/http"
)

// OutcomeCode tells the caller what happened to a request. The three
// user-visible situations ("this will sync later", "this failed outright",
// "you are signed out") are never conflated.
type OutcomeCode string

const (
	// OutcomeSuccess means the backend accepted the request.
	OutcomeSuccess OutcomeCode = "success"
	// OutcomeQueued means the request was durably queued and will be
	// replayed once connectivity returns. A provisional success.
	OutcomeQueued OutcomeCode = "queued"
	// OutcomeFailed means the request failed and will not be retried by
	// this layer. Err carries the reason.
	OutcomeFailed OutcomeCode = "failed"
)

// Response is the materialized HTTP response returned on success and on
// HTTP-level failures.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Outcome is the result of a request issued through the pipeline.
type Outcome struct {
	Code OutcomeCode
	// Response is set for OutcomeSuccess and for HTTP-level failures.
	Response *Response
	// QueueID identifies the queued entry for OutcomeQueued.
	QueueID string
	// Err is set for OutcomeFailed. Auth expiry is trace.AccessDenied,
	// transport failures are trace.ConnectionProblem, rejected requests
	// carry *HTTPError.
	Err error
}

// Success reports whether the backend accepted the request.
func (o Outcome) Success() bool {
	return o.Code == OutcomeSuccess
}

// Queued reports whether the request was deferred for later replay.
func (o Outcome) Queued() bool {
	return o.Code == OutcomeQueued
}

func success(resp *Response) Outcome {
	return Outcome{Code: OutcomeSuccess, Response: resp}
}

func queued(id string) Outcome {
	return Outcome{Code: OutcomeQueued, QueueID: id}
}

func failed(err error) Outcome {
	return Outcome{Code: OutcomeFailed, Err: err}
}

func failedHTTP(resp *Response) Outcome {
	return Outcome{Code: OutcomeFailed, Response: resp, Err: &HTTPError{Status: resp.Status}}
}

// HTTPError is a received non-2xx response other than 401. It is never
// retried by this layer: the backend did answer, it just said no.
type HTTPError struct {
	Status int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http error code=%v", e.Status)
}

// HTTPStatus extracts the status code from an error returned by the
// pipeline, if there is one.
func HTTPStatus(err error) (int, bool) {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Status, true
	}
	return 0, false
}
