package remote

import (
	"errors"
	"fmt"
)

// Sentinel errors for remote operations.
var (
	// ErrNetworkUnavailable indicates the remote could not be reached at all
	// (offline, DNS failure, connection refused). Callers skip the attempt
	// instead of treating it as a failure.
	ErrNetworkUnavailable = errors.New("network unavailable")

	// ErrRequestFailed indicates the remote answered with an error.
	ErrRequestFailed = errors.New("request failed")

	// ErrUnsupportedVersion indicates the remote runs a version older than
	// MinVersion.
	ErrUnsupportedVersion = errors.New("unsupported remote version")
)

// RequestError carries the details of a failed request.
type RequestError struct {
	Method  string
	URL     string
	Status  int    // HTTP status code
	Code    int    // remote error code, 0 if none
	Message string // remote error message
}

func (e *RequestError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s %s: status %d: error %d: %s", e.Method, e.URL, e.Status, e.Code, e.Message)
	}
	if e.Message != "" {
		return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.Status, e.Message)
	}
	return fmt.Sprintf("%s %s: status %d", e.Method, e.URL, e.Status)
}

// Unwrap makes errors.Is(err, ErrRequestFailed) hold.
func (e *RequestError) Unwrap() error {
	return ErrRequestFailed
}
