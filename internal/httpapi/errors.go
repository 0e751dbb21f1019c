package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"

	"memoaid/internal/agent"
	"memoaid/internal/manager"
	"memoaid/internal/prompts"
	"memoaid/internal/settings"
	"memoaid/internal/toolrpc"
	"memoaid/pkg/types"
)

// HTTPError allows services to provide an HTTP status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	var he HTTPError
	switch {
	case errors.As(err, &he):
		return he.StatusCode()
	case manager.IsTooBusy(err):
		return http.StatusTooManyRequests
	case manager.IsBusy(err),
		errors.Is(err, manager.ErrNotLoaded),
		errors.Is(err, agent.ErrModelUnavailable),
		manager.IsDependencyUnavailable(err):
		return http.StatusServiceUnavailable
	case errors.Is(err, os.ErrNotExist),
		errors.Is(err, prompts.ErrNotFound),
		toolrpc.IsNotFound(err):
		return http.StatusNotFound
	case settings.IsUnknownKey(err),
		errors.Is(err, agent.ErrNoUserMessage):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded),
		toolrpc.IsTimeout(err):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Code: status})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger().Error().Err(err).Msg("encode response")
	}
}
