package protocol

import (
	"errors"
	"fmt"
)

// ============================================================================
// FAILURE TAXONOMY
// Application-range JSON-RPC codes surfaced to clients.
// ============================================================================

// Kind classifies a client-visible failure.
type Kind string

const (
	KindInvalidArguments Kind = "InvalidArguments"
	KindNotFound         Kind = "NotFound"
	KindPermissionDenied Kind = "PermissionDenied"
	KindExecutionFailed  Kind = "ExecutionFailed"
	KindCancelled        Kind = "Cancelled"
	KindOutputTooLarge   Kind = "OutputTooLarge"
	KindCursorMismatch   Kind = "CursorMismatch"
	KindGone             Kind = "Gone"
	KindInternal         Kind = "Internal"
)

var kindCodes = map[Kind]int{
	KindInvalidArguments: -32000,
	KindNotFound:         -32001,
	KindPermissionDenied: -32002,
	KindExecutionFailed:  -32003,
	KindCancelled:        -32004,
	KindOutputTooLarge:   -32005,
	KindCursorMismatch:   -32006,
	KindGone:             -32007,
	KindInternal:         -32008,
}

// Code returns the JSON-RPC application code for the kind. Unknown kinds map
// to the Internal code.
func (k Kind) Code() int {
	if code, ok := kindCodes[k]; ok {
		return code
	}
	return kindCodes[KindInternal]
}

// Failure is a structured, client-visible error. Handlers return failures;
// the dispatcher converts anything else to KindInternal.
type Failure struct {
	Kind    Kind        `json:"kind"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// RPCError converts the failure to its wire form.
func (f *Failure) RPCError() *RPCError {
	return &RPCError{
		Code:    f.Kind.Code(),
		Message: f.Message,
		Data:    map[string]interface{}{"kind": string(f.Kind)},
	}
}

// Failf builds a failure of the given kind.
func Failf(kind Kind, format string, args ...interface{}) *Failure {
	return &Failure{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// AsFailure extracts a *Failure from an error chain, if present.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// IsKind reports whether err carries a failure of the given kind.
func IsKind(err error, kind Kind) bool {
	if f, ok := AsFailure(err); ok {
		return f.Kind == kind
	}
	return false
}
