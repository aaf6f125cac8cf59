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
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/context"

	"github.com/watchpost/client-go/auth"
	"github.com/watchpost/client-go/lib"
	"github.com/watchpost/client-go/lib/logger"
)

const (
	watchpostMaxConns    = 100
	watchpostHTTPTimeout = 10 * time.Second
)

// CredentialProvider supplies and rotates the bearer credentials attached
// to every outgoing request.
type CredentialProvider interface {
	// GetCredentials returns credentials valid "now".
	GetCredentials(ctx context.Context) (*auth.Credentials, error)
	// ForceRefresh unconditionally rotates the credentials. Called after
	// the backend rejected the current token.
	ForceRefresh(ctx context.Context) (*auth.Credentials, error)
}

// RetryQueue is where mutating requests go when they fail at the transport
// level. Implemented by queue.RetryQueue.
type RetryQueue interface {
	Enqueue(ctx context.Context, req Request) (string, error)
}

// Config stores the client configuration.
type Config struct {
	// APIURL is the base URL of the Watchpost backend.
	APIURL string
	// CredentialProvider supplies bearer tokens.
	CredentialProvider CredentialProvider
	// Queue receives mutating requests that failed at the transport level.
	// Optional: without a queue such requests fail with a connection
	// problem instead. Usually installed later via SetQueue because the
	// queue replays through this same client.
	Queue RetryQueue
	// HTTPTimeout bounds each dispatch attempt. A timed-out call is a
	// transport failure.
	HTTPTimeout time.Duration
	// Log is the logger. Optional.
	Log logrus.FieldLogger
}

func (conf *Config) CheckAndSetDefaults() error {
	if conf.APIURL == "" {
		return trace.BadParameter("api url is not set")
	}
	if conf.CredentialProvider == nil {
		return trace.BadParameter("credential provider is not set")
	}
	if conf.HTTPTimeout == 0 {
		conf.HTTPTimeout = watchpostHTTPTimeout
	}
	if conf.Log == nil {
		conf.Log = logger.Standard()
	}
	return nil
}

// Client is the per-request decision point of the access layer: it attaches
// a valid credential to every outgoing call, transparently rotates rejected
// credentials, and hands mutating requests over to the retry queue when the
// transport fails.
type Client struct {
	conf    Config
	client  *resty.Client
	baseURL *url.URL
}

// NewClient builds a Watchpost API client.
func NewClient(conf Config) (*Client, error) {
	if err := conf.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	baseURL, err := lib.AddrToURL(conf.APIURL)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	client := resty.NewWithClient(&http.Client{
		Timeout: conf.HTTPTimeout,
		Transport: &http.Transport{
			MaxConnsPerHost:     watchpostMaxConns,
			MaxIdleConnsPerHost: watchpostMaxConns,
		},
	})
	client.SetBaseURL(baseURL.String())
	client.SetHeader("Content-Type", "application/json")

	return &Client{conf: conf, client: client, baseURL: baseURL}, nil
}

// SetQueue installs the retry queue. Called once from the composition root
// after the queue has been built around this client.
func (c *Client) SetQueue(queue RetryQueue) {
	c.conf.Queue = queue
}

// Do issues a request and classifies its result. This is the single entry
// point for callers: they never talk to the transport or the credential
// provider directly.
func (c *Client) Do(ctx context.Context, req Request) Outcome {
	return c.do(ctx, req, true)
}

// Replay re-issues a previously queued request. Unlike Do it never queues:
// the queue already owns the entry and keeps it on failure.
func (c *Client) Replay(ctx context.Context, req Request) error {
	outcome := c.do(ctx, req, false)
	if !outcome.Success() {
		return trace.Wrap(outcome.Err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, req Request, allowQueue bool) Outcome {
	if err := req.Check(); err != nil {
		return failed(trace.Wrap(err))
	}

	log := c.conf.Log.WithFields(logrus.Fields{"method": req.Method, "path": req.Path})

	creds, err := c.conf.CredentialProvider.GetCredentials(ctx)
	switch {
	case trace.IsAccessDenied(err):
		// The session is over; never dispatch without a credential.
		return failed(trace.Wrap(err))
	case trace.IsConnectionProblem(err):
		// The credential could not be refreshed because the backend is
		// unreachable, which is the same situation as the dispatch itself
		// failing at the transport level.
		return c.transportFailure(ctx, req, err, allowQueue, log)
	case err != nil:
		return failed(trace.Wrap(err))
	}

	resp, err := c.dispatch(ctx, req, creds.AccessToken)
	if err != nil {
		return c.transportFailure(ctx, req, err, allowQueue, log)
	}

	if resp.Status == http.StatusUnauthorized {
		return c.retryWithFreshCredentials(ctx, req, log)
	}

	return classify(resp)
}

// retryWithFreshCredentials rotates the rejected credential and retries the
// original request exactly once. A single retry keeps the pipeline from
// looping against a backend that always answers 401.
func (c *Client) retryWithFreshCredentials(ctx context.Context, req Request, log logrus.FieldLogger) Outcome {
	log.Debug("Request was rejected with 401, rotating credentials")

	creds, err := c.conf.CredentialProvider.ForceRefresh(ctx)
	if err != nil {
		return failed(trace.Wrap(err))
	}

	resp, err := c.dispatch(ctx, req, creds.AccessToken)
	if err != nil {
		return failed(trace.Wrap(err))
	}
	if resp.Status == http.StatusUnauthorized {
		// The backend rejected a token it just issued. Give up rather
		// than rotating again.
		return failed(trace.AccessDenied("request was rejected with a freshly rotated credential"))
	}

	return classify(resp)
}

// transportFailure handles the "no HTTP response received" case: mutating
// requests are absorbed into the durable queue, reads propagate the error.
func (c *Client) transportFailure(ctx context.Context, req Request, cause error, allowQueue bool, log logrus.FieldLogger) Outcome {
	if !allowQueue || !req.Mutating() || c.conf.Queue == nil {
		return failed(trace.ConnectionProblem(cause, "backend is unreachable"))
	}

	id, err := c.conf.Queue.Enqueue(ctx, req)
	if err != nil {
		// A request that could not even be durably queued must surface as
		// a failure, never as "queued".
		log.WithError(err).Error("Failed to queue the request for later replay")
		return failed(trace.Wrap(err))
	}

	log.WithField("id", id).Info("Backend is unreachable, queued the request for later replay")

	return queued(id)
}

// dispatch performs a single HTTP call with the given bearer token.
func (c *Client) dispatch(ctx context.Context, req Request, token string) (*Response, error) {
	request := c.client.R().
		SetContext(ctx).
		SetAuthToken(token)

	if len(req.Headers) > 0 {
		request.SetHeaders(req.Headers)
	}
	if req.RawQuery != "" {
		request.SetQueryString(req.RawQuery)
	}
	if len(req.Body) > 0 {
		request.SetBody(req.Body)
	}

	resp, err := request.Execute(req.Method, req.Path)
	if err != nil {
		return nil, trace.ConnectionProblem(err, "no response from the backend")
	}

	return &Response{
		Status: resp.StatusCode(),
		Header: resp.Header(),
		Body:   resp.Body(),
	}, nil
}

// classify maps a received HTTP response to an outcome. 401 is handled by
// the caller before this point.
func classify(resp *Response) Outcome {
	if resp.Status >= 200 && resp.Status < 300 {
		return success(resp)
	}
	return failedHTTP(resp)
}
