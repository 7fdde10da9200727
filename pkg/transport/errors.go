package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rhuss/autoscript/pkg/api"
	"github.com/rhuss/autoscript/pkg/debug"
	"github.com/rhuss/autoscript/pkg/pipeline"
	"github.com/rhuss/autoscript/pkg/sandbox"
)

// HTTPStatusFromError maps an APIError type to the corresponding HTTP status
// code. Transport-level errors (body too large, malformed multipart) are
// handled separately by the HTTP adapter.
func HTTPStatusFromError(err *api.APIError) int {
	switch err.Type {
	case api.ErrorTypeInvalidRequest:
		return http.StatusBadRequest
	case api.ErrorTypeNotFound:
		return http.StatusNotFound
	case api.ErrorTypeTooManyRequests:
		return http.StatusTooManyRequests
	case api.ErrorTypeUnavailable:
		return http.StatusServiceUnavailable
	case api.ErrorTypeModelError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ErrorFromRun converts a pipeline error into an APIError. lastLog is the
// log of the final attempt, returned verbatim when the retry budget ran out.
func ErrorFromRun(err error, lastLog string) *api.APIError {
	var apiErr *api.APIError
	if errors.Is(err, pipeline.ErrGeneration) {
		// Backend 5xx responses surface as bad gateway.
		if errors.As(err, &apiErr) {
			if apiErr.Type != api.ErrorTypeServerError {
				return apiErr
			}
			return api.NewModelError(apiErr.Message)
		}
		return api.NewModelError(err.Error())
	}

	switch {
	case errors.As(err, &apiErr):
		return apiErr
	case errors.Is(err, pipeline.ErrMissingInstruction):
		return api.NewInvalidRequestError("instruction", "Instruction is required.")
	case errors.Is(err, pipeline.ErrRetryBudgetExhausted):
		return api.NewExecutionError(lastLog)
	case sandbox.IsEnvironmentError(err):
		return api.NewUnavailableError(err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return api.NewServerError("run timed out")
	case errors.Is(err, context.Canceled):
		return api.NewServerError("run cancelled")
	}
	return api.NewServerError(err.Error())
}

// WriteErrorResponse writes a JSON error response using the ErrorResponse
// wrapper format from pkg/api.
func WriteErrorResponse(w http.ResponseWriter, apiErr *api.APIError, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(api.ErrorResponse{Error: apiErr}); err != nil {
		debug.Log("transport", "writing error response failed", "error", err)
	}
}

// WriteAPIError writes an APIError response, deriving the HTTP status code
// from the error type.
func WriteAPIError(w http.ResponseWriter, apiErr *api.APIError) {
	WriteErrorResponse(w, apiErr, HTTPStatusFromError(apiErr))
}
