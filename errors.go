package citrusdb

import (
	"errors"
	"fmt"
	"syscall"
)

// Error is a structured citrusdb error: the operation that failed, the
// node it failed against (if any), the result code, and the kernel
// errno behind a socket-level failure, if there was one.
type Error struct {
	Op    string     // Operation that failed (e.g. "Get", "Put", "Operate")
	Node  string      // Node address (empty if not applicable)
	Code  ResultCode  // Result code
	Errno syscall.Errno // Kernel errno (0 if not applicable)
	Msg   string
	Inner error
}

func (e *Error) Error() string {
	var parts []string
	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.Node != "" {
		parts = append(parts, fmt.Sprintf("node=%s", e.Node))
	}
	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", e.Errno))
	}

	msg := e.Msg
	if msg == "" {
		msg = e.Code.String()
	}

	if len(parts) > 0 {
		return fmt.Sprintf("citrusdb: %s (%s)", msg, parts[0])
	}
	return fmt.Sprintf("citrusdb: %s", msg)
}

// Unwrap supports errors.Is/As against the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is lets errors.Is match two *Error values by result code alone, so
// callers can write errors.Is(err, citrusdb.ErrNotFound) without caring
// about which node or operation produced it.
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// Sentinel errors for the common result codes, usable with errors.Is.
var (
	ErrNotFound           = &Error{Code: ResultNotFound}
	ErrGenerationMismatch = &Error{Code: ResultGenerationMismatch}
	ErrParameterError     = &Error{Code: ResultParameterError}
	ErrClientError        = &Error{Code: ResultClientError}
	ErrThrottled          = &Error{Code: ResultThrottled}
	ErrTimeout            = &Error{Code: ResultTimeout}
)

// NewError creates a structured error for a result code that isn't OK.
func NewError(op string, node string, code ResultCode) *Error {
	return &Error{Op: op, Node: node, Code: code}
}

// WrapSocketError wraps a socket-layer failure (from internal/netutil)
// with request context, mapping the underlying errno where one exists.
func WrapSocketError(op string, node string, inner error) *Error {
	if inner == nil {
		return nil
	}
	if ue, ok := inner.(*Error); ok {
		return &Error{Op: op, Node: node, Code: ue.Code, Errno: ue.Errno, Msg: ue.Msg, Inner: ue.Inner}
	}
	if errno, ok := inner.(syscall.Errno); ok {
		return &Error{Op: op, Node: node, Code: ResultClientError, Errno: errno, Msg: errno.Error(), Inner: inner}
	}
	return &Error{Op: op, Node: node, Code: ResultClientError, Msg: inner.Error(), Inner: inner}
}

// IsCode reports whether err is a *Error (at any wrap depth) carrying code.
func IsCode(err error, code ResultCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
