// Package errors provides the structured error system used across vfskit,
// with error codes, categories, and the fixed negative errno namespace
// returned at the syscall boundary.
package errors

import (
	"fmt"
	"strings"
	"time"
)

// ErrorCode identifies a specific failure kind.
type ErrorCode string

// Error code constants organized by category.
const (
	// Resource exhaustion
	ErrCodeNoMemory      ErrorCode = "NO_MEMORY"
	ErrCodeTooManyOpen   ErrorCode = "TOO_MANY_OPEN"
	ErrCodeQueueOverflow ErrorCode = "QUEUE_OVERFLOW"
	ErrCodeTooManyLocks  ErrorCode = "TOO_MANY_LOCKS"

	// Invalid input
	ErrCodeInvalidArg  ErrorCode = "INVALID_ARG"
	ErrCodeNameTooLong ErrorCode = "NAME_TOO_LONG"
	ErrCodeInvalidPath ErrorCode = "INVALID_PATH"

	// State conflicts
	ErrCodeExists      ErrorCode = "EXISTS"
	ErrCodeBusy        ErrorCode = "BUSY"
	ErrCodeNotFound    ErrorCode = "NOT_FOUND"
	ErrCodeCrossDevice ErrorCode = "CROSS_DEVICE"
	ErrCodeNotDir      ErrorCode = "NOT_DIR"
	ErrCodeIsDir       ErrorCode = "IS_DIR"
	ErrCodeNotEmpty    ErrorCode = "NOT_EMPTY"

	// Concurrency conflicts
	ErrCodeLockConflict ErrorCode = "LOCK_CONFLICT"
	ErrCodeWouldBlock   ErrorCode = "WOULD_BLOCK"
	ErrCodeRateLimited  ErrorCode = "RATE_LIMITED"
	ErrCodeTimeout      ErrorCode = "TIMEOUT"
	ErrCodeDeadlock     ErrorCode = "DEADLOCK"
	ErrCodeCanceled     ErrorCode = "CANCELED"

	// Integrity and support
	ErrCodeCorrupted    ErrorCode = "CORRUPTED"
	ErrCodeNotSupported ErrorCode = "NOT_SUPPORTED"
	ErrCodeReadOnly     ErrorCode = "READ_ONLY"
	ErrCodePermission   ErrorCode = "PERMISSION"
	ErrCodeIOError      ErrorCode = "IO_ERROR"
)

// ErrorCategory groups codes by the kind of failure.
type ErrorCategory string

const (
	CategoryResource    ErrorCategory = "resource"
	CategoryInput       ErrorCategory = "input"
	CategoryState       ErrorCategory = "state"
	CategoryConcurrency ErrorCategory = "concurrency"
	CategoryIntegrity   ErrorCategory = "integrity"
)

// errnoTable maps each code to its fixed negative errno. These values are
// stable: they cross the syscall boundary unchanged.
var errnoTable = map[ErrorCode]int{
	ErrCodeNotFound:      -2001,
	ErrCodePermission:    -2002,
	ErrCodeExists:        -2003,
	ErrCodeNotDir:        -2004,
	ErrCodeIsDir:         -2005,
	ErrCodeReadOnly:      -2007,
	ErrCodeBusy:          -2008,
	ErrCodeInvalidPath:   -2009,
	ErrCodeNameTooLong:   -2011,
	ErrCodeNotSupported:  -2012,
	ErrCodeCorrupted:     -2013,
	ErrCodeTimeout:       -2015,
	ErrCodeNoMemory:      -2016,
	ErrCodeInvalidArg:    -2017,
	ErrCodeNotEmpty:      -2018,
	ErrCodeCrossDevice:   -2019,
	ErrCodeIOError:       -2020,
	ErrCodeTooManyOpen:   -2021,
	ErrCodeLockConflict:  -4001,
	ErrCodeDeadlock:      -4003,
	ErrCodeCanceled:      -4008,
	ErrCodeWouldBlock:    -4009,
	ErrCodeTooManyLocks:  -4010,
	ErrCodeQueueOverflow: -5006,
	ErrCodeRateLimited:   -5008,
}

// VFSError is a structured error with a code, category, and optional
// operational context.
type VFSError struct {
	Code      ErrorCode
	Category  ErrorCategory
	Message   string
	Component string
	Op        string
	Path      string
	Cause     error
	Timestamp time.Time
}

// Error implements the error interface.
func (e *VFSError) Error() string {
	var b strings.Builder
	if e.Component != "" {
		if e.Op != "" {
			fmt.Fprintf(&b, "[%s:%s] ", e.Component, e.Op)
		} else {
			fmt.Fprintf(&b, "[%s] ", e.Component)
		}
	}
	fmt.Fprintf(&b, "%s: %s", e.Code, e.Message)
	if e.Path != "" {
		fmt.Fprintf(&b, " (path %q)", e.Path)
	}
	return b.String()
}

// Unwrap returns the underlying cause for errors.Is/As chains.
func (e *VFSError) Unwrap() error {
	return e.Cause
}

// Is matches two VFSErrors by code.
func (e *VFSError) Is(target error) bool {
	if other, ok := target.(*VFSError); ok {
		return e.Code == other.Code
	}
	return false
}

// Errno returns the fixed negative integer for this error's code. Unmapped
// codes fall back to the generic I/O errno.
func (e *VFSError) Errno() int {
	if errno, ok := errnoTable[e.Code]; ok {
		return errno
	}
	return errnoTable[ErrCodeIOError]
}

// New creates a VFSError with its category derived from the code.
func New(code ErrorCode, message string) *VFSError {
	return &VFSError{
		Code:      code,
		Category:  GetCategory(code),
		Message:   message,
		Timestamp: time.Now(),
	}
}

// Newf creates a VFSError with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *VFSError {
	return New(code, fmt.Sprintf(format, args...))
}

// GetCategory determines the category for an error code.
func GetCategory(code ErrorCode) ErrorCategory {
	switch code {
	case ErrCodeNoMemory, ErrCodeTooManyOpen, ErrCodeQueueOverflow, ErrCodeTooManyLocks:
		return CategoryResource
	case ErrCodeInvalidArg, ErrCodeNameTooLong, ErrCodeInvalidPath:
		return CategoryInput
	case ErrCodeExists, ErrCodeBusy, ErrCodeNotFound, ErrCodeCrossDevice,
		ErrCodeNotDir, ErrCodeIsDir, ErrCodeNotEmpty:
		return CategoryState
	case ErrCodeLockConflict, ErrCodeWouldBlock, ErrCodeRateLimited,
		ErrCodeTimeout, ErrCodeDeadlock, ErrCodeCanceled:
		return CategoryConcurrency
	default:
		return CategoryIntegrity
	}
}

// Errno returns the errno for an arbitrary error: VFSErrors map through
// their code, nil maps to 0, anything else to the generic I/O errno.
func Errno(err error) int {
	if err == nil {
		return 0
	}
	if vfsErr, ok := err.(*VFSError); ok {
		return vfsErr.Errno()
	}
	return errnoTable[ErrCodeIOError]
}

// WithComponent sets the component that produced the error.
func (e *VFSError) WithComponent(component string) *VFSError {
	e.Component = component
	return e
}

// WithOp sets the operation during which the error occurred.
func (e *VFSError) WithOp(op string) *VFSError {
	e.Op = op
	return e
}

// WithPath attaches the path the operation was acting on.
func (e *VFSError) WithPath(path string) *VFSError {
	e.Path = path
	return e
}

// WithCause sets the underlying cause.
func (e *VFSError) WithCause(cause error) *VFSError {
	e.Cause = cause
	return e
}

// IsCode reports whether err is a VFSError carrying the given code.
func IsCode(err error, code ErrorCode) bool {
	vfsErr, ok := err.(*VFSError)
	return ok && vfsErr.Code == code
}
