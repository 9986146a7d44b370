package ukernel

import (
	"fmt"

	"github.com/pkg/errors"
)

// Error is the status code returned by a failed kernel invocation.
type Error int

const (
	ErrInvalidArgument Error = iota + 1
	ErrInvalidCapability
	ErrIllegalOperation
	ErrRangeError
	ErrAlignmentError
	ErrFailedLookup
	ErrTruncatedMessage
	ErrDeleteFirst
	ErrRevokeFirst
	ErrNotEnoughMemory
)

var errorNames = map[Error]string{
	ErrInvalidArgument:   "invalid argument",
	ErrInvalidCapability: "invalid capability",
	ErrIllegalOperation:  "illegal operation",
	ErrRangeError:        "range error",
	ErrAlignmentError:    "alignment error",
	ErrFailedLookup:      "failed lookup",
	ErrTruncatedMessage:  "truncated message",
	ErrDeleteFirst:       "delete first",
	ErrRevokeFirst:       "revoke first",
	ErrNotEnoughMemory:   "not enough memory",
}

func (e Error) Error() string {
	if s, ok := errorNames[e]; ok {
		return "ukernel: " + s
	}
	return fmt.Sprintf("ukernel: error %d", int(e))
}

// IsFailedLookup reports whether err says an intermediate translation table
// is missing, the one failure a mapping caller can repair and retry.
func IsFailedLookup(err error) bool {
	e, ok := errors.Cause(err).(Error)
	return ok && e == ErrFailedLookup
}

// Is reports whether err is the kernel error code e.
func Is(err error, e Error) bool {
	c, ok := errors.Cause(err).(Error)
	return ok && c == e
}

// ErrStopped is returned from blocking operations when the calling thread has
// been deleted or the machine has shut down.
var ErrStopped = errors.New("ukernel: thread stopped")
