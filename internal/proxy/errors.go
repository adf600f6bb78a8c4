// Package proxy forwards client requests to upstream replicas.
package proxy

import (
	"errors"
	"fmt"
)

// Sentinel errors for forwarding failures.
var (
	// ErrInvalidTarget indicates the upstream target URL could not be built.
	ErrInvalidTarget = errors.New("invalid upstream target")

	// ErrUpstreamTimeout indicates the upstream did not answer in time.
	ErrUpstreamTimeout = errors.New("upstream request timed out")

	// ErrUpstreamUnavailable indicates the upstream could not be reached.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)

// ForwardError carries context about a failed forward attempt.
type ForwardError struct {
	Service string
	Target  string
	Cause   error
}

// Error implements the error interface.
func (e *ForwardError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("forward to %s (%s) failed: %v", e.Service, e.Target, e.Cause)
	}
	return fmt.Sprintf("forward to %s (%s) failed", e.Service, e.Target)
}

// Unwrap returns the underlying error.
func (e *ForwardError) Unwrap() error {
	return e.Cause
}
