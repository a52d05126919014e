package backend

import (
	"errors"
	"fmt"
)

// ErrUnavailable matches every failure of a research call. The orchestrator
// treats all of them as one "backend unavailable" condition.
var ErrUnavailable = errors.New("research backend unavailable")

// NetworkError is a transport failure: refused connection, reset, timeout.
type NetworkError struct {
	Timeout bool
	Err     error
}

func (e *NetworkError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("research backend timed out: %v", e.Err)
	}
	return fmt.Sprintf("research backend unreachable: %v", e.Err)
}

func (e *NetworkError) Unwrap() error        { return e.Err }
func (e *NetworkError) Is(target error) bool { return target == ErrUnavailable }

// ResponseError is a non-2xx status or a body that could not be decoded.
type ResponseError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *ResponseError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("research backend returned an unreadable response (status %d): %v", e.StatusCode, e.Err)
	case e.Message != "":
		return fmt.Sprintf("research backend returned status %d: %s", e.StatusCode, e.Message)
	default:
		return fmt.Sprintf("research backend returned status %d", e.StatusCode)
	}
}

func (e *ResponseError) Unwrap() error        { return e.Err }
func (e *ResponseError) Is(target error) bool { return target == ErrUnavailable }

// ApplicationError is a well-formed response reporting failure, or a success
// response missing required parts.
type ApplicationError struct {
	Message string
	Logs    []string
}

func (e *ApplicationError) Error() string {
	return "research backend error: " + e.Message
}

func (e *ApplicationError) Is(target error) bool { return target == ErrUnavailable }

const (
	KindNetwork     = "network_failure"
	KindBadResponse = "bad_response"
	KindApplication = "application_error"
	KindUnknown     = "unknown"
)

// Kind classifies err for logs and API details.
func Kind(err error) string {
	var ne *NetworkError
	var re *ResponseError
	var ae *ApplicationError
	switch {
	case errors.As(err, &ne):
		return KindNetwork
	case errors.As(err, &re):
		return KindBadResponse
	case errors.As(err, &ae):
		return KindApplication
	default:
		return KindUnknown
	}
}
