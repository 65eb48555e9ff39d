package apiclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/aussiebroadwan/carelink/pkg/domain"
)

var (
	// ErrInvalidCredentials wraps a rejected login. It never triggers a refresh.
	ErrInvalidCredentials = errors.New("apiclient: invalid credentials")

	// ErrTimeout is returned when a call exceeds its bounded wait.
	ErrTimeout = errors.New("apiclient: request timed out")

	// ErrNoRefreshToken is the cause of a RefreshError when nothing is stored.
	ErrNoRefreshToken = errors.New("apiclient: no refresh token stored")

	// ErrCoordinatorClosed is returned by Refresh after Close.
	ErrCoordinatorClosed = errors.New("apiclient: refresh coordinator closed")
)

// HTTPError is a non-2xx response surfaced to the caller. When the response
// was a 401 that could not be recovered, Err holds the refresh failure, so
// errors.Is(err, domain.ErrUnauthenticated) holds.
type HTTPError struct {
	Status  int
	Code    string
	Message string
	Body    []byte
	Err     error
}

func (e *HTTPError) Error() string {
	msg := fmt.Sprintf("apiclient: HTTP %d", e.Status)
	if e.Code != "" {
		msg += ": " + e.Code
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += " (" + e.Err.Error() + ")"
	}
	return msg
}

func (e *HTTPError) Unwrap() error { return e.Err }

// Unauthorized reports whether the server rejected the credentials.
func (e *HTTPError) Unauthorized() bool { return e.Status == http.StatusUnauthorized }

// RefreshError reports that the access token could not be renewed. It
// always means the session has been torn down.
type RefreshError struct {
	Reason string
	Err    error
}

func (e *RefreshError) Error() string {
	if e.Err == nil {
		return "apiclient: refresh failed: " + e.Reason
	}
	return fmt.Sprintf("apiclient: refresh failed: %s: %v", e.Reason, e.Err)
}

func (e *RefreshError) Unwrap() error { return e.Err }

// Is makes every RefreshError match domain.ErrUnauthenticated.
func (e *RefreshError) Is(target error) bool {
	return target == domain.ErrUnauthenticated
}

// errorResponse covers both shapes the API uses for failures.
type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	Message          string `json:"message"`
}

// parseErrorResponse turns a non-2xx response into a typed error.
// Returns nil for 2xx status codes.
func parseErrorResponse(status int, body []byte) *HTTPError {
	if status >= 200 && status < 300 {
		return nil
	}

	herr := &HTTPError{Status: status, Body: body}

	var errResp errorResponse
	if err := json.Unmarshal(body, &errResp); err == nil {
		herr.Code = errResp.Error
		herr.Message = errResp.Message
		if herr.Message == "" {
			herr.Message = errResp.ErrorDescription
		}
	}

	// Fallback: describe the status code
	if herr.Code == "" && herr.Message == "" {
		herr.Message = http.StatusText(status)
	}
	return herr
}
