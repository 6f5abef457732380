package client

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Common errors returned by the client.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during retry.
	ErrContextCancelled = errors.New("context cancelled")

	// ErrMalformedResponse is returned when a successful response body does not
	// have the expected structure.
	ErrMalformedResponse = errors.New("malformed response")
)

// ErrorClass represents a classification of request failures.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx and other non-success statuses.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassNetwork represents transport errors.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassTimeout represents an attempt that exceeded its timeout.
	ErrorClassTimeout ErrorClass = "timeout"

	// ErrorClassMalformed represents a 2xx response whose body could not be decoded.
	ErrorClassMalformed ErrorClass = "malformed"
)

// APIError represents an iLINCS request failure with additional context.
type APIError struct {
	StatusCode int
	ErrorClass ErrorClass
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("iLINCS %s error (status %d): %s: %v",
			e.ErrorClass, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("iLINCS %s error (status %d): %s",
		e.ErrorClass, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *APIError) Unwrap() error {
	return e.Err
}

// ClassOf returns the error class carried by err, or "" if err is not an APIError.
func ClassOf(err error) ErrorClass {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorClass
	}
	return ""
}

// classifyStatus maps a non-success HTTP status to an error class.
func classifyStatus(statusCode int) ErrorClass {
	if statusCode >= 400 && statusCode < 500 {
		return ErrorClassClient
	}
	return ErrorClassServer
}

// classifyTransport maps a transport-level error to an error class.
func classifyTransport(err error) ErrorClass {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorClassTimeout
	}
	return ErrorClassNetwork
}

// malformed wraps a decode failure of a successful response.
func malformed(statusCode int, detail error) *APIError {
	return &APIError{
		StatusCode: statusCode,
		ErrorClass: ErrorClassMalformed,
		Message:    "unexpected response body",
		Err:        fmt.Errorf("%w: %v", ErrMalformedResponse, detail),
	}
}

// shouldRetry determines if an error should be retried under policy.
// Every failure of a best-effort download is retried except malformed bodies,
// which are only retried when the policy asks for it.
func shouldRetry(err error, policy RetryPolicy) bool {
	if ClassOf(err) == ErrorClassMalformed {
		return policy.RetryMalformed
	}
	return true
}
