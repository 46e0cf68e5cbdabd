package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrAlreadySubmitted is returned by SubmitSession when the backend answers
// 409: the session was graded by an earlier attempt.
var ErrAlreadySubmitted = errors.New("backend: session already submitted")

// StatusError is a non-2xx response from the exam backend.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend: %s %s: HTTP %d", e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("backend: %s %s: HTTP %d: %s", e.Method, e.Path, e.StatusCode, e.Message)
}

// NetworkError wraps a failure to complete the HTTP exchange at all.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string { return "backend: network: " + e.Err.Error() }

func (e *NetworkError) Unwrap() error { return e.Err }

// IsNotFound reports whether err is a 404 response.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusNotFound
}

// IsTransient reports whether a request that failed with err may succeed
// when repeated: network failures, timeouts, cancelled requests, 5xx and
// 429. Other 4xx responses are permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAlreadySubmitted) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode >= 500 || se.StatusCode == http.StatusTooManyRequests
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var ne *NetworkError
	return errors.As(err, &ne)
}
