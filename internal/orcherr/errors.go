// Package orcherr defines the orchestrator's stable JSON-RPC error taxonomy.
package orcherr

import (
	"errors"
	"fmt"
)

// Code is a JSON-RPC error code in the orchestrator's stable taxonomy.
type Code int

const (
	CodeInvalidRequest Code = -32600
	CodeMethodNotFound Code = -32601
	CodeInvalidParams  Code = -32602
	CodeInternal       Code = -32603

	CodeUnauthorized        Code = -32001
	CodeQuotaExceeded       Code = -32002
	CodeQueueUnavailable    Code = -32003
	CodeCapacityUnavailable Code = -32004
	CodeBackpressure        Code = -32010
	CodeDeadlineExpired     Code = -32020
	CodeWorkerFailed        Code = -32030
	CodeSagaCompensationFailed Code = -32040
	CodeSandboxPolicyViolation Code = -32050
	CodeSandboxTimeout         Code = -32051
	CodeSandboxResourceExhausted Code = -32052
	CodeNotFound Code = -32060
)

var messages = map[Code]string{
	CodeInvalidRequest:          "invalid request",
	CodeMethodNotFound:          "method not found",
	CodeInvalidParams:           "invalid params",
	CodeInternal:                "internal error",
	CodeUnauthorized:            "unauthorized",
	CodeQuotaExceeded:           "quota exceeded",
	CodeQueueUnavailable:        "queue unavailable",
	CodeCapacityUnavailable:     "capacity unavailable",
	CodeBackpressure:            "backpressure",
	CodeDeadlineExpired:         "deadline expired",
	CodeWorkerFailed:            "worker failed",
	CodeSagaCompensationFailed:  "saga compensation failed",
	CodeSandboxPolicyViolation:  "sandbox policy violation",
	CodeSandboxTimeout:          "sandbox timeout",
	CodeSandboxResourceExhausted: "sandbox resource exhausted",
	CodeNotFound:                "not found",
}

// Error is the orchestrator's structured error type. It carries a stable
// JSON-RPC code, a human message, and optional machine-readable data, and
// wraps an underlying cause when one exists.
type Error struct {
	Op      string
	Code    Code
	Message string
	Data    map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Op != "" && e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error for code, defaulting Message from the taxonomy table
// when msg is empty.
func New(op string, code Code, msg string, err error) *Error {
	if msg == "" {
		msg = messages[code]
	}
	return &Error{Op: op, Code: code, Message: msg, Err: err}
}

// WithData attaches machine-readable data and returns the receiver for
// chaining at the call site.
func (e *Error) WithData(data map[string]any) *Error {
	e.Data = data
	return e
}

func Invalid(op, msg string) *Error   { return New(op, CodeInvalidParams, msg, nil) }
func NotFound(op, msg string) *Error  { return New(op, CodeNotFound, msg, nil) }
func Internal(op string, err error) *Error {
	return New(op, CodeInternal, "", err)
}

// Is reports whether err (or any error it wraps) is an *Error with the
// given code.
func Is(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// Retryable reports whether an error represents a transient condition
// that may be retried locally with backoff before surfacing to a caller
// or saga compensation.
func Retryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Code {
	case CodeQueueUnavailable, CodeCapacityUnavailable, CodeInternal:
		return true
	default:
		return false
	}
}

// Terminal reports whether an error should never be retried (sandbox
// policy violations, deadline expiry, saga compensation failure).
func Terminal(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Code {
	case CodeSandboxPolicyViolation, CodeDeadlineExpired, CodeSagaCompensationFailed:
		return true
	default:
		return false
	}
}
