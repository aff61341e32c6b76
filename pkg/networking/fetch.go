// Copyright 2025 Stacklok, Inc.
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

package networking

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Result is the decoded body plus response headers of a fetch.
type Result[T any] struct {
	Data    T
	Headers http.Header
}

// fetchOptions configures a single FetchJSON/FetchJSONWithForm call.
type fetchOptions struct {
	method       string
	headers      map[string]string
	body         io.Reader
	errorHandler func(*http.Response, []byte) error
}

// Option customizes a fetch call.
type Option func(*fetchOptions)

// WithMethod overrides the HTTP method (default GET, or POST for form
// submissions).
func WithMethod(method string) Option {
	return func(o *fetchOptions) { o.method = method }
}

// WithHeader sets (overwriting) a request header, including Accept.
func WithHeader(key, value string) Option {
	return func(o *fetchOptions) {
		if o.headers == nil {
			o.headers = map[string]string{}
		}
		o.headers[key] = value
	}
}

// WithBody sets the request body.
func WithBody(body io.Reader) Option {
	return func(o *fetchOptions) { o.body = body }
}

// WithErrorHandler installs a handler invoked on non-2xx responses with the
// parsed status and raw body. Returning a non-nil error replaces the default
// *HTTPError; returning nil falls back to the default.
func WithErrorHandler(handler func(*http.Response, []byte) error) Option {
	return func(o *fetchOptions) { o.errorHandler = handler }
}

// FetchJSON issues an HTTP request to rawURL and decodes a JSON response
// body into T. Non-2xx responses produce an *HTTPError (or whatever
// WithErrorHandler returns) whose message is always the HTTP status text,
// never response body content.
func FetchJSON[T any](ctx context.Context, client *http.Client, rawURL string, opts ...Option) (*Result[T], error) {
	options := fetchOptions{method: http.MethodGet}
	for _, opt := range opts {
		opt(&options)
	}

	req, err := http.NewRequestWithContext(ctx, options.method, rawURL, options.body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range options.headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if options.errorHandler != nil {
			if handlerErr := options.errorHandler(resp, body); handlerErr != nil {
				return nil, handlerErr
			}
		}
		return nil, NewHTTPError(resp.StatusCode, rawURL, resp.Status)
	}

	if !isJSONContentType(resp.Header.Get("Content-Type")) {
		return nil, fmt.Errorf("unexpected content type %q from %s", resp.Header.Get("Content-Type"), rawURL)
	}

	var data T
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("failed to parse JSON from %s: %w", rawURL, err)
	}

	return &Result[T]{Data: data, Headers: resp.Header}, nil
}

// FetchJSONWithForm POSTs formData as application/x-www-form-urlencoded and
// decodes the JSON response into T.
func FetchJSONWithForm[T any](ctx context.Context, client *http.Client, rawURL string, formData url.Values, opts ...Option) (*Result[T], error) {
	allOpts := append([]Option{
		WithMethod(http.MethodPost),
		WithHeader("Content-Type", "application/x-www-form-urlencoded"),
		WithBody(strings.NewReader(formData.Encode())),
	}, opts...)
	return FetchJSON[T](ctx, client, rawURL, allOpts...)
}

// isJSONContentType reports whether a Content-Type header value names the
// JSON media type, ignoring case and any charset parameter.
func isJSONContentType(contentType string) bool {
	mediaType := strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])
	return strings.EqualFold(mediaType, "application/json")
}
