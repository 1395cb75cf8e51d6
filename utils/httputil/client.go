// Package httputil provides the small HTTP client used to talk to the REST
// API.
package httputil

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/cordwire/cordwire/internal/backoff"
	"github.com/cordwire/cordwire/utils/json"
)

// StatusTooManyRequests is the status code sent when rate limited.
const StatusTooManyRequests = 429

// Retries is the default number of attempts for failing requests.
var Retries uint = 5

// RequestOption modifies a request before it is sent.
type RequestOption func(*http.Request) error

// WithHeaders adds the given headers.
func WithHeaders(h http.Header) RequestOption {
	return func(r *http.Request) error {
		for k, vs := range h {
			r.Header[k] = append(r.Header[k], vs...)
		}
		return nil
	}
}

// WithSchema encodes v into the request query.
func WithSchema(enc SchemaEncoder, v interface{}) RequestOption {
	return func(r *http.Request) error {
		values, err := enc.Encode(v)
		if err != nil {
			return err
		}

		q := r.URL.Query()
		for k, vs := range values {
			q[k] = vs
		}
		r.URL.RawQuery = q.Encode()

		return nil
	}
}

// HTTPError is returned for responses with a non-2xx status.
type HTTPError struct {
	Status int
	Body   []byte
}

func (err HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", err.Status, err.Body)
}

// Client is an HTTP client that decodes JSON and retries server errors.
type Client struct {
	*http.Client
	SchemaEncoder

	// OnRequest is applied to every request before the per-call options.
	OnRequest []RequestOption
	Retries   uint
}

// NewClient creates a new client with a 10s timeout.
func NewClient() *Client {
	return &Client{
		Client:        &http.Client{Timeout: 10 * time.Second},
		SchemaEncoder: &DefaultSchema{},
		Retries:       Retries,
	}
}

// RequestJSON sends a request and decodes the JSON response into to. A nil to
// discards the body.
func (c *Client) RequestJSON(ctx context.Context, to interface{}, method, url string, opts ...RequestOption) error {
	retry := backoff.NewTimer(250 * time.Millisecond)
	defer retry.Stop()

	var lastErr error

	for attempt := uint(0); c.Retries == 0 || attempt < c.Retries; attempt++ {
		if attempt > 0 {
			if _, err := retry.Sleep(ctx); err != nil {
				return errors.Wrap(lastErr, "gave up retrying")
			}
		}

		status, err := c.do(ctx, to, method, url, opts)
		if err == nil {
			return nil
		}

		lastErr = err
		if status != StatusTooManyRequests && status < 500 {
			return err
		}
	}

	return lastErr
}

func (c *Client) do(ctx context.Context, to interface{}, method, url string, opts []RequestOption) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return 0, errors.Wrap(err, "failed to create request")
	}

	req.Header.Set("Accept", "application/json")

	for _, opts := range [][]RequestOption{c.OnRequest, opts} {
		for _, opt := range opts {
			if err := opt(req); err != nil {
				return 0, errors.Wrap(err, "failed to apply request option")
			}
		}
	}

	resp, err := c.Do(req)
	if err != nil {
		return 0, errors.Wrap(err, "request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return resp.StatusCode, HTTPError{Status: resp.StatusCode, Body: body}
	}

	if to == nil || resp.StatusCode == http.StatusNoContent {
		return resp.StatusCode, nil
	}

	if err := json.DecodeStream(resp.Body, to); err != nil {
		return resp.StatusCode, errors.Wrap(err, "failed to decode response")
	}

	return resp.StatusCode, nil
}
