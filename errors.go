package leakmon

import "github.com/kaelmon/leakmon/internal/lmerr"

// Error is the structured error type returned by every leakmon
// operation, aliased from internal/lmerr so internal packages and
// external callers share one type.
type Error = lmerr.Error

// ErrCode is a high-level error category.
type ErrCode = lmerr.ErrCode

const (
	ErrCodeIPCCreateFailed   = lmerr.ErrCodeIPCCreateFailed
	ErrCodeIPCOpenFailed     = lmerr.ErrCodeIPCOpenFailed
	ErrCodeInjectionFailed   = lmerr.ErrCodeInjectionFailed
	ErrCodeCorruptRecord     = lmerr.ErrCodeCorruptRecord
	ErrCodeArchMismatch      = lmerr.ErrCodeArchMismatch
	ErrCodeSymbolInitFailed  = lmerr.ErrCodeSymbolInitFailed
	ErrCodeRemoteReadFailed  = lmerr.ErrCodeRemoteReadFailed
	ErrCodeStackWalkFailed   = lmerr.ErrCodeStackWalkFailed
	ErrCodeTargetNotFound    = lmerr.ErrCodeTargetNotFound
	ErrCodeTargetExited      = lmerr.ErrCodeTargetExited
	ErrCodeTimeout           = lmerr.ErrCodeTimeout
	ErrCodePermissionDenied  = lmerr.ErrCodePermissionDenied
	ErrCodeInvalidParameters = lmerr.ErrCodeInvalidParameters
	ErrCodeConfig            = lmerr.ErrCodeConfig
	ErrCodeHookInstallFailed = lmerr.ErrCodeHookInstallFailed
)

// NewError creates a new structured error.
func NewError(op string, code ErrCode, msg string) *Error {
	return lmerr.NewError(op, code, msg)
}

// NewErrorWithErrno creates a new structured error carrying a Windows
// error code.
func NewErrorWithErrno(op string, code ErrCode, errno error) *Error {
	return lmerr.NewErrorWithErrno(op, code, errno)
}

// WrapError wraps an existing error with leakmon context.
func WrapError(op string, inner error) *Error {
	return lmerr.WrapError(op, inner)
}

// IsCode checks if an error matches a specific error code.
func IsCode(err error, code ErrCode) bool {
	return lmerr.IsCode(err, code)
}
