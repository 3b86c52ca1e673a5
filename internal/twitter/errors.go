package twitter

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// API error codes that identify accounts which are gone.
const (
	CodeNoUserMatches = 17
	CodeUserNotFound  = 50
	CodePageNotFound  = 34
	CodeUserSuspended = 63
)

var ErrInvalidResponse = errors.New("invalid API response")

// RateLimitError is returned when the rate limit window is exhausted.
type RateLimitError struct {
	Endpoint string
	Reset    time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited on %s until %s", e.Endpoint, e.Reset.Format(time.RFC3339))
}

// APIError is a non-success response from the API.
type APIError struct {
	Endpoint   string
	StatusCode int
	Codes      []int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error on %s: status %d, codes %v: %s", e.Endpoint, e.StatusCode, e.Codes, e.Message)
}

// HasCode reports whether the response carried the given error code.
func (e *APIError) HasCode(code int) bool {
	for _, c := range e.Codes {
		if c == code {
			return true
		}
	}

	return false
}

// Unauthorized reports whether the credential may not see the requested account.
func (e *APIError) Unauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// DoesNotExist reports whether the requested account could not be found.
func (e *APIError) DoesNotExist() bool {
	return e.StatusCode == http.StatusNotFound ||
		e.HasCode(CodeUserNotFound) || e.HasCode(CodePageNotFound) || e.HasCode(CodeUserSuspended)
}

// IsRateLimit returns the rate limit error wrapped in err, if any.
func IsRateLimit(err error) (*RateLimitError, bool) {
	var rateLimitErr *RateLimitError
	if errors.As(err, &rateLimitErr) {
		return rateLimitErr, true
	}

	return nil, false
}

// IsUnavailable reports whether err means the account cannot be read with this credential.
func IsUnavailable(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}

	return apiErr.Unauthorized() || apiErr.DoesNotExist()
}

type errorBody struct {
	Errors []struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
	Error string `json:"error"`
}

func newAPIError(endpoint string, statusCode int, body []byte) *APIError {
	apiErr := &APIError{Endpoint: endpoint, StatusCode: statusCode}

	var parsed errorBody
	if err := api.Unmarshal(body, &parsed); err != nil {
		apiErr.Message = strings.TrimSpace(string(body))
		return apiErr
	}

	messages := make([]string, 0, len(parsed.Errors))
	for _, e := range parsed.Errors {
		apiErr.Codes = append(apiErr.Codes, e.Code)
		messages = append(messages, e.Message)
	}

	if parsed.Error != "" {
		messages = append(messages, parsed.Error)
	}

	apiErr.Message = strings.Join(messages, "; ")

	return apiErr
}
