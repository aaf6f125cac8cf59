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
	"net/http"

	"github.com/google/go-querystring/query"
	"github.com/gravitational/trace"
	jsoniter "github.com/json-iterator/go"

	"github.com/watchpost/client-go/lib/stringset"
)

// mutatingMethods are the verbs that change server-side state. Only these
// are eligible for queueing: replaying a stale read is semantically wrong.
var mutatingMethods = stringset.New(
	http.MethodPost,
	http.MethodPut,
	http.MethodPatch,
	http.MethodDelete,
)

// Request is a fully-materialized description of an API call. It must
// round-trip through serialization losslessly because queued requests are
// persisted to disk and replayed after a restart.
type Request struct {
	// Method is the HTTP method.
	Method string `json:"method"`
	// Path is resolved against the client base URL.
	Path string `json:"path"`
	// RawQuery is the encoded query string, without the leading "?".
	RawQuery string `json:"query,omitempty"`
	// Headers are additional headers to send.
	Headers map[string]string `json:"headers,omitempty"`
	// Body is the request payload.
	Body []byte `json:"body,omitempty"`
}

// NewJSONRequest builds a request carrying a JSON-encoded payload.
func NewJSONRequest(method, path string, payload interface{}) (Request, error) {
	req := Request{Method: method, Path: path}
	if payload != nil {
		body, err := jsoniter.Marshal(payload)
		if err != nil {
			return Request{}, trace.Wrap(err)
		}
		req.Body = body
	}
	return req, nil
}

// SetQuery encodes the query options struct (tagged with `url`) into the
// request query string.
func (r *Request) SetQuery(opts interface{}) error {
	values, err := query.Values(opts)
	if err != nil {
		return trace.Wrap(err)
	}
	r.RawQuery = values.Encode()
	return nil
}

// Mutating reports whether replaying this request later is preferable to
// failing it when the device is offline.
func (r Request) Mutating() bool {
	return mutatingMethods.Contains(r.Method)
}

// Check validates the request.
func (r Request) Check() error {
	if r.Method == "" {
		return trace.BadParameter("request method is not set")
	}
	if r.Path == "" {
		return trace.BadParameter("request path is not set")
	}
	return nil
}
