package api

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// HTTPError is returned for non-2xx backend responses. Detail carries the
// "detail" field of the JSON error body when present, otherwise the status line.
type HTTPError struct {
	Code   int
	Detail string
}

// Error returns the human-readable message, preferring the backend detail
func (e *HTTPError) Error() string {
	if e.Detail != "" {
		return e.Detail
	}
	return fmt.Sprintf("%d %s", e.Code, http.StatusText(e.Code))
}

// errFromResponse builds an HTTPError from a failed response body.
// Malformed or absent JSON bodies fall back to the status line.
func errFromResponse(code int, body []byte) *HTTPError {
	var eb struct {
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(body, &eb); err == nil && eb.Detail != "" {
		return &HTTPError{Code: code, Detail: eb.Detail}
	}
	return &HTTPError{Code: code, Detail: fmt.Sprintf("%d %s", code, http.StatusText(code))}
}
