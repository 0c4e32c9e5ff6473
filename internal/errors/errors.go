// Package errors defines the HTTP error envelope shared by every API
// endpoint, so clients parse one shape regardless of which handler
// failed.
package errors

import (
	"encoding/json"
	"net/http"
)

// Stable machine-readable error codes.
const (
	CodeBadRequest       = "BAD_REQUEST"
	CodeForbidden        = "FORBIDDEN"
	CodeNotFound         = "NOT_FOUND"
	CodeMethodNotAllowed = "METHOD_NOT_ALLOWED"
	CodeInternal         = "INTERNAL_ERROR"
)

// HTTPErrorResponse is the JSON error envelope.
type HTTPErrorResponse struct {
	Error HTTPError `json:"error"`
}

// HTTPError is the envelope body.
type HTTPError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Write sends the envelope with the given status.
func Write(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(HTTPErrorResponse{
		Error: HTTPError{Code: code, Message: message},
	})
}

// NotFoundHandler is the router fallback for unknown paths.
func NotFoundHandler(w http.ResponseWriter, r *http.Request) {
	Write(w, http.StatusNotFound, CodeNotFound, "resource not found: "+r.URL.Path)
}

// MethodNotAllowedHandler is the router fallback for known paths with the
// wrong verb.
func MethodNotAllowedHandler(w http.ResponseWriter, r *http.Request) {
	Write(w, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "method not allowed: "+r.Method)
}
