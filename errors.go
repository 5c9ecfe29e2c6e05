package nvme

import (
	"errors"
	"fmt"
	"syscall"
)

// Error represents a structured transport error with queue and command
// context, plus an optional wrapped syscall errno from the platform facility.
type Error struct {
	Op    string    // operation that failed (e.g. "submit", "create_io_qpair")
	Queue int       // queue pair id (-1 if not applicable)
	CID   int       // command id, as assigned to the tracker (-1 if not applicable)
	Code  ErrorCode // high-level error category
	Errno syscall.Errno
	Msg   string
	Inner error
}

func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.Queue >= 0 {
		parts = append(parts, fmt.Sprintf("queue=%d", e.Queue))
	}
	if e.CID >= 0 {
		parts = append(parts, fmt.Sprintf("cid=%d", e.CID))
	}
	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", e.Errno))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("nvme: %s (%s)", msg, parts[0])
	}
	return fmt.Sprintf("nvme: %s", msg)
}

func (e *Error) Unwrap() error {
	return e.Inner
}

func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// ErrorCode represents high-level error categories a transport operation
// can fail with.
type ErrorCode string

const (
	// ErrCodeOutOfMemory covers tracker pool exhaustion and CMB/host
	// allocation failure.
	ErrCodeOutOfMemory ErrorCode = "out of memory"
	// ErrCodeIoError covers a completed command with a non-success status.
	ErrCodeIoError ErrorCode = "I/O error"
	// ErrCodeBadAddress covers virt_to_phys failures on a payload buffer.
	ErrCodeBadAddress ErrorCode = "bad address"
	// ErrCodeProtocolError covers malformed register contents, an invalid
	// CMB descriptor, or any other violation of the wire contract.
	ErrCodeProtocolError ErrorCode = "protocol error"
	// ErrCodeControllerError covers admin command failures during
	// construct/enable/create-io-qpair/destruct.
	ErrCodeControllerError ErrorCode = "controller error"
	// ErrCodeTimeout covers an admin command that never completed.
	ErrCodeTimeout ErrorCode = "timeout"
	// ErrCodeNotEnabled covers operations attempted on a qpair that failed
	// to auto-enable.
	ErrCodeNotEnabled ErrorCode = "queue pair not enabled"
)

// NewError creates a structured error with no queue/command scoping.
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Queue: -1, CID: -1, Code: code, Msg: msg}
}

// NewErrorWithErrno creates a structured error wrapping a platform errno.
func NewErrorWithErrno(op string, code ErrorCode, errno syscall.Errno) *Error {
	return &Error{Op: op, Queue: -1, CID: -1, Code: code, Errno: errno, Msg: errno.Error()}
}

// NewQueueError creates an error scoped to a queue pair.
func NewQueueError(op string, queue int, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Queue: queue, CID: -1, Code: code, Msg: msg}
}

// NewCommandError creates an error scoped to a queue pair and command id.
func NewCommandError(op string, queue, cid int, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Queue: queue, CID: cid, Code: code, Msg: msg}
}

// WrapError wraps an existing error with transport operation context,
// mapping a bare syscall.Errno to its error category.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	if ne, ok := inner.(*Error); ok {
		return &Error{
			Op: op, Queue: ne.Queue, CID: ne.CID,
			Code: ne.Code, Errno: ne.Errno, Msg: ne.Msg, Inner: ne.Inner,
		}
	}

	if errno, ok := inner.(syscall.Errno); ok {
		return &Error{
			Op: op, Queue: -1, CID: -1,
			Code: mapErrnoToCode(errno), Errno: errno, Msg: errno.Error(), Inner: inner,
		}
	}

	return &Error{Op: op, Queue: -1, CID: -1, Code: ErrCodeIoError, Msg: inner.Error(), Inner: inner}
}

func mapErrnoToCode(errno syscall.Errno) ErrorCode {
	switch errno {
	case syscall.ENOMEM, syscall.ENOSPC:
		return ErrCodeOutOfMemory
	case syscall.EFAULT:
		return ErrCodeBadAddress
	case syscall.EINVAL:
		return ErrCodeProtocolError
	case syscall.ETIMEDOUT:
		return ErrCodeTimeout
	default:
		return ErrCodeIoError
	}
}

// IsCode reports whether err is (or wraps) an *Error with the given code.
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsErrno reports whether err is (or wraps) an *Error carrying the given errno.
func IsErrno(err error, errno syscall.Errno) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Errno == errno
	}
	return false
}
