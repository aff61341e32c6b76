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
	"errors"
	"fmt"
)

// HTTPError represents a non-2xx response from a federation endpoint.
// Message is always derived from the HTTP status line, never the response
// body, so callers never leak upstream body content into logs or API
// responses.
type HTTPError struct {
	StatusCode int
	URL        string
	Message    string
}

// NewHTTPError builds an *HTTPError wrapped as an error.
func NewHTTPError(statusCode int, url, message string) error {
	return &HTTPError{
		StatusCode: statusCode,
		URL:        url,
		Message:    message,
	}
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d for URL %s: %s", e.StatusCode, e.URL, e.Message)
}

// IsHTTPError reports whether err is (or wraps) an *HTTPError with the given
// status code. A statusCode of 0 matches any HTTPError regardless of code.
func IsHTTPError(err error, statusCode int) bool {
	if err == nil {
		return false
	}
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		return false
	}
	return statusCode == 0 || httpErr.StatusCode == statusCode
}
