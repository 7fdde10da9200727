package openaicompat

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/rhuss/autoscript/pkg/api"
)

// MapHTTPError converts a non-2xx backend response into an APIError, using
// the backend's own message when the body carries one.
func MapHTTPError(resp *http.Response) *api.APIError {
	message := ExtractErrorMessage(resp.Body)

	switch {
	case resp.StatusCode == http.StatusBadRequest:
		if message == "" {
			message = "invalid request to code generation backend"
		}
		return api.NewModelError(message)

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		if message == "" {
			message = "code generation backend authentication failed"
		}
		return api.NewServerError(message)

	case resp.StatusCode == http.StatusNotFound:
		if message == "" {
			message = "code generation model not found"
		}
		return api.NewModelError(message)

	case resp.StatusCode == http.StatusTooManyRequests:
		if message == "" {
			message = "code generation backend rate limit exceeded"
		}
		return api.NewTooManyRequestsError(message)

	case resp.StatusCode >= http.StatusInternalServerError:
		if message == "" {
			message = fmt.Sprintf("code generation backend error (HTTP %d)", resp.StatusCode)
		}
		return api.NewServerError(message)

	default:
		if message == "" {
			message = fmt.Sprintf("unexpected code generation backend response (HTTP %d)", resp.StatusCode)
		}
		return api.NewServerError(message)
	}
}

// MapNetworkError converts a connection level failure into an APIError.
func MapNetworkError(err error) *api.APIError {
	return api.NewServerError(fmt.Sprintf("code generation backend connection error: %s", err.Error()))
}

// ExtractErrorMessage reads at most 4 KiB of body and returns the error
// message of a ChatErrorResponse, or "".
func ExtractErrorMessage(body io.Reader) string {
	if body == nil {
		return ""
	}

	data, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil || len(data) == 0 {
		return ""
	}

	var errResp ChatErrorResponse
	if err := json.Unmarshal(data, &errResp); err == nil && errResp.Error.Message != "" {
		return errResp.Error.Message
	}
	return ""
}
