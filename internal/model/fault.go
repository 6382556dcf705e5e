package model

import (
	"errors"
	"fmt"
)

// FaultKind classifies a failure for propagation and reporting. The kind
// decides whether a failure gates the job, degrades a stage, or is a caller
// error with no side effects.
type FaultKind string

const (
	FaultInvalidRequest FaultKind = "invalid_request"
	FaultAuthentication FaultKind = "authentication_error"
	FaultTimeout        FaultKind = "timeout"
	FaultUpstream       FaultKind = "upstream_failure"
	FaultPartial        FaultKind = "partial_failure"
	FaultConfiguration  FaultKind = "configuration_error"
	FaultCancelled      FaultKind = "cancelled"
)

// Fault is a classified error carried through stage results and API
// responses. It wraps an underlying cause when one exists.
type Fault struct {
	Kind    FaultKind `json:"kind"`
	Message string    `json:"message"`
	cause   error
}

func (f *Fault) Error() string {
	if f.cause != nil {
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Message, f.cause)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

func (f *Fault) Unwrap() error {
	return f.cause
}

// NewFault creates a fault with no underlying cause.
func NewFault(kind FaultKind, msg string) *Fault {
	return &Fault{Kind: kind, Message: msg}
}

// NewFaultf creates a fault with a formatted message.
func NewFaultf(kind FaultKind, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapFault classifies an existing error.
func WrapFault(kind FaultKind, msg string, cause error) *Fault {
	return &Fault{Kind: kind, Message: msg, cause: cause}
}

// KindOf extracts the fault kind from an error chain. Unclassified errors
// report as upstream failures.
func KindOf(err error) FaultKind {
	if err == nil {
		return ""
	}
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return FaultUpstream
}

// IsKind reports whether err carries the given fault kind.
func IsKind(err error, kind FaultKind) bool {
	return KindOf(err) == kind
}
