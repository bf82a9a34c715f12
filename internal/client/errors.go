package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// APIError is a non-2xx response from the daemon.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("api error %d", e.StatusCode)
}

// IsServiceUnavailable reports whether err is the "downstream not
// ready" class: HTTP 503. This class is never retried through the
// backoff loop; recovery detection belongs to the health probe.
func IsServiceUnavailable(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusServiceUnavailable
}

// isTransportError reports whether err is a network-level failure with
// no HTTP response at all: connection refused, DNS failure, timeout.
func isTransportError(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// IsRetryable reports whether err should go through the backoff loop:
// transport failures, timeouts, and 5xx responses other than the
// service-unavailable class.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if IsServiceUnavailable(err) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}
