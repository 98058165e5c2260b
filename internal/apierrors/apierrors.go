// Package apierrors provides the structured error response shared by the
// shard and router HTTP surfaces (spec.md §7).
package apierrors

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// Code is a machine-readable error identifier, analogous to the
// teacher's ErrorCode enum but scoped to this system's error taxonomy.
type Code string

const (
	CodeMissingKey       Code = "MISSING_KEY"
	CodeInvalidJSON      Code = "INVALID_JSON"
	CodeMethodNotAllowed Code = "METHOD_NOT_ALLOWED"
	CodeNotFoundPath     Code = "NOT_FOUND_PATH"
	CodeEngineClosed     Code = "ENGINE_CLOSED"
	CodeRateLimited      Code = "RATE_LIMITED"
	CodeUpstream         Code = "UPSTREAM_ERROR"
	CodeInternal         Code = "INTERNAL_ERROR"
)

// Response is the JSON body written for any non-2xx reply.
type Response struct {
	Error   Code   `json:"error"`
	Message string `json:"message"`
}

// Write logs and writes a structured error response.
func Write(w http.ResponseWriter, logger *zap.Logger, status int, code Code, message string) {
	if status >= 500 {
		logger.Error("request failed", zap.Int("status", status), zap.String("code", string(code)), zap.String("message", message))
	} else {
		logger.Debug("client error", zap.Int("status", status), zap.String("code", string(code)), zap.String("message", message))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(Response{Error: code, Message: message})
}
