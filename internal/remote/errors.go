package remote

import (
	"fmt"

	"github.com/roach88/offsync/internal/outbox"
)

// HTTPError is a non-2xx response from the remote API.
type HTTPError struct {
	Method     string
	URL        string
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s %s: http %d %s: %s", e.Method, e.URL, e.StatusCode, e.Code, e.Message)
	}
	if e.Message != "" {
		return fmt.Sprintf("%s %s: http %d: %s", e.Method, e.URL, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s %s: http %d", e.Method, e.URL, e.StatusCode)
}

// Is treats every HTTP failure as a transient network failure. The outbox
// bounds the retries, not the status code.
func (e *HTTPError) Is(target error) bool {
	return target == outbox.ErrNetwork
}

// TransportError is a failure to reach the remote API at all (DNS, refused
// connection, timeout, unreadable body).
type TransportError struct {
	Method string
	URL    string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Is(target error) bool {
	return target == outbox.ErrNetwork
}
