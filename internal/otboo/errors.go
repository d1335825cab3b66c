package otboo

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-resty/resty/v2"
)

// RequestIDHeader carries the server-side correlation id of a request.
const RequestIDHeader = "otboo-request-id"

var (
	// ErrAuthExpired is returned for a 401 on a non-auth endpoint that could
	// not be recovered by a token refresh.
	ErrAuthExpired = errors.New("authentication expired")

	// ErrRefreshFailed is terminal for the session: the refresh call itself
	// failed and the session has been cleared.
	ErrRefreshFailed = errors.New("token refresh failed")

	// ErrNetwork wraps transport level failures.
	ErrNetwork = errors.New("network error")
)

// ErrorResponse is the structured error body returned by the OTBOO API.
type ErrorResponse struct {
	ExceptionName string            `json:"exceptionName"`
	Message       string            `json:"message"`
	Details       map[string]string `json:"details,omitempty"`
	RequestID     string            `json:"requestId,omitempty"`

	StatusCode int    `json:"-"`
	Method     string `json:"-"`
	Path       string `json:"-"`
}

func (e *ErrorResponse) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "request failed: %s %s (status: %d)", e.Method, e.Path, e.StatusCode)
	if e.ExceptionName != "" {
		fmt.Fprintf(&b, ": %s", e.ExceptionName)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	if e.RequestID != "" {
		fmt.Fprintf(&b, " [request id %s]", e.RequestID)
	}
	return b.String()
}

// HTTPStatus returns the response status code.
func (e *ErrorResponse) HTTPStatus() int {
	return e.StatusCode
}

// Unwrap lets errors.Is(err, ErrAuthExpired) match unrecovered 401s on
// regular API calls.
func (e *ErrorResponse) Unwrap() error {
	if e.StatusCode == http.StatusUnauthorized && !isAuthEndpoint(e.Path) {
		return ErrAuthExpired
	}
	return nil
}

// resolveError turns a failing response (>399) into an *ErrorResponse.
// Without this, failing responses would have nil error.
func resolveError(path string, res *resty.Response) error {
	if !res.IsError() {
		return nil
	}

	apiErr, ok := res.Error().(*ErrorResponse)
	if !ok || apiErr == nil {
		apiErr = &ErrorResponse{}
	}
	if apiErr.ExceptionName == "" && apiErr.Message == "" {
		// Body may be JSON served with a wrong content type, or unparsed
		// for streams.
		_ = json.Unmarshal(res.Body(), apiErr)
	}

	apiErr.StatusCode = res.StatusCode()
	apiErr.Method = res.Request.Method
	apiErr.Path = path
	if id := res.Header().Get(RequestIDHeader); id != "" {
		apiErr.RequestID = id
	}
	if apiErr.ExceptionName == "" {
		apiErr.ExceptionName = http.StatusText(res.StatusCode())
	}

	return apiErr
}

// Alert formats an error the way it is shown to a user: exception name,
// message and request id.
func Alert(err error) string {
	var apiErr *ErrorResponse
	if errors.As(err, &apiErr) {
		return fmt.Sprintf("An error occurred.\n- Exception: %s\n- Message: %s\n- Request ID: %s",
			apiErr.ExceptionName, apiErr.Message, apiErr.RequestID)
	}
	return fmt.Sprintf("An error occurred.\n- Message: %s", err)
}
