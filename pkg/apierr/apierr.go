// Package apierr defines the error bodies the proxy writes itself.
package apierr

import (
	"encoding/json"
	"net/http"
)

// Codes reported in the "error" field.
const (
	CodeAuthMissing       = "auth_missing"
	CodeAuthUnknown       = "auth_unknown"
	CodeMethodNotAllowed  = "method_not_allowed"
	CodeBadRequest        = "bad_request"
	CodeNotFound          = "not_found"
	CodeProvisionalLog    = "provisional_log_failure"
	CodeUpstreamTransport = "upstream_transport_failure"
	CodeInternal          = "internal_error"
)

// Body is the JSON shape of every proxy-generated error.
type Body struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Marshal renders an error body. It never fails for string input.
func Marshal(code, message string) []byte {
	b, _ := json.Marshal(Body{Error: code, Message: message})
	return b
}

// Write sends an error body with the given status.
func Write(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(Marshal(code, message))
}
