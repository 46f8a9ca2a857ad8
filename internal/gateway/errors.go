// Package gateway is the HTTP device surface: pairing and device lifecycle,
// scoped tool invocation, event delivery by polling, and the admin API.
// Every response uses the {ok, data} / {ok:false, error:{code,message}}
// envelope; device state lives in SQLite.
package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Error codes returned in the response envelope.
const (
	ErrCodeUnauthorized        = "ERR_UNAUTHORIZED"
	ErrCodeScopeTools          = "ERR_SCOPE_INSUFFICIENT_TOOLS"
	ErrCodeScopeSystem         = "ERR_SCOPE_INSUFFICIENT_SYSTEM"
	ErrCodeScopeMCP            = "ERR_SCOPE_INSUFFICIENT_MCP"
	ErrCodeUnknownTool         = "ERR_UNKNOWN_TOOL"
	ErrCodeNotImplemented      = "ERR_NOT_IMPLEMENTED"
	ErrCodeRateLimited         = "ERR_RATE_LIMITED"
	ErrCodeIdempotencyMismatch = "ERR_IDEMPOTENCY_MISMATCH"
	ErrCodeBadRequest          = "ERR_BAD_REQUEST"
	ErrCodeNotFound            = "ERR_NOT_FOUND"
	ErrCodeInternal            = "ERR_INTERNAL"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type envelope struct {
	OK    bool      `json:"ok"`
	Data  any       `json:"data,omitempty"`
	Error *apiError `json:"error,omitempty"`
}

func writeOK(w http.ResponseWriter, status int, data any) {
	writeEnvelope(w, status, envelope{OK: true, Data: data})
}

func writeErr(w http.ResponseWriter, status int, code, message string) {
	writeEnvelope(w, status, envelope{OK: false, Error: &apiError{Code: code, Message: message}})
}

func writeEnvelope(w http.ResponseWriter, status int, env envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		slog.Debug("gateway response write failed", "err", err)
	}
}
