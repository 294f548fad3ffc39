// Package lmerr defines the structured error type shared by every
// leakmon package. The root package re-exports these so external
// callers never import an internal path.
package lmerr

import (
	"errors"
	"fmt"

	"golang.org/x/sys/windows"
)

// Error represents a structured leakmon error with operation context
// and an underlying Windows error code.
type Error struct {
	Op    string  // operation that failed (e.g. "OpenTargetProcess", "ParseStacktrace")
	Code  ErrCode // high-level error category
	Errno error   // underlying windows.Errno, if any
	Msg   string  // human-readable message
	Inner error   // wrapped error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if e.Op != "" {
		return fmt.Sprintf("leakmon: %s: %s", e.Op, msg)
	}
	return fmt.Sprintf("leakmon: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is provides errors.Is support by comparing error codes.
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// ErrCode is a high-level error category.
type ErrCode string

const (
	ErrCodeIPCCreateFailed   ErrCode = "ipc create failed"
	ErrCodeIPCOpenFailed     ErrCode = "ipc open failed"
	ErrCodeInjectionFailed   ErrCode = "injection failed"
	ErrCodeCorruptRecord     ErrCode = "corrupt record"
	ErrCodeArchMismatch      ErrCode = "architecture mismatch"
	ErrCodeSymbolInitFailed  ErrCode = "symbol engine init failed"
	ErrCodeRemoteReadFailed  ErrCode = "cross-process read failed"
	ErrCodeStackWalkFailed   ErrCode = "stack walk failed"
	ErrCodeTargetNotFound    ErrCode = "target process not found"
	ErrCodeTargetExited      ErrCode = "target process exited"
	ErrCodeTimeout           ErrCode = "timeout"
	ErrCodePermissionDenied  ErrCode = "permission denied"
	ErrCodeInvalidParameters ErrCode = "invalid parameters"
	ErrCodeConfig            ErrCode = "invalid configuration"
	ErrCodeHookInstallFailed ErrCode = "hook install failed"
)

// NewError creates a new structured error.
func NewError(op string, code ErrCode, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

// NewErrorWithErrno creates a new structured error carrying a Windows
// error code.
func NewErrorWithErrno(op string, code ErrCode, errno error) *Error {
	msg := ""
	if errno != nil {
		msg = errno.Error()
	}
	return &Error{Op: op, Code: code, Errno: errno, Msg: msg}
}

// WrapError wraps an existing error with leakmon context, mapping a
// windows.Errno to an ErrCode where possible.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	if le, ok := inner.(*Error); ok {
		return &Error{Op: op, Code: le.Code, Errno: le.Errno, Msg: le.Msg, Inner: le.Inner}
	}

	var errno windows.Errno
	if errors.As(inner, &errno) {
		return &Error{
			Op:    op,
			Code:  mapErrnoToCode(errno),
			Errno: errno,
			Msg:   errno.Error(),
			Inner: inner,
		}
	}

	return &Error{Op: op, Code: ErrCodeInvalidParameters, Msg: inner.Error(), Inner: inner}
}

func mapErrnoToCode(errno windows.Errno) ErrCode {
	switch errno {
	case windows.ERROR_FILE_NOT_FOUND, windows.ERROR_PATH_NOT_FOUND:
		return ErrCodeTargetNotFound
	case windows.ERROR_ACCESS_DENIED:
		return ErrCodePermissionDenied
	case windows.ERROR_INVALID_PARAMETER:
		return ErrCodeInvalidParameters
	case windows.ERROR_TIMEOUT, windows.WAIT_TIMEOUT:
		return ErrCodeTimeout
	case windows.ERROR_ALREADY_EXISTS:
		return ErrCodeIPCCreateFailed
	default:
		return ErrCodeInvalidParameters
	}
}

// IsCode checks if an error matches a specific error code.
func IsCode(err error, code ErrCode) bool {
	var le *Error
	if errors.As(err, &le) {
		return le.Code == code
	}
	return false
}
