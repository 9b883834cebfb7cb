package pegasus

import (
	"fmt"

	"github.com/pegasus-kv/go-client/rpc"
)

// ErrorKind is the closed set of errors surfaced to callers, per spec §7.
type ErrorKind int8

const (
	KindOK ErrorKind = iota
	KindTimeout
	KindTableNotFound
	KindMetaUnreachable
	KindReplicaUnreachable
	KindInvalidArgument
	KindOverflow
	KindServerError
	KindClosed
)

func (k ErrorKind) String() string {
	switch k {
	case KindOK:
		return "OK"
	case KindTimeout:
		return "Timeout"
	case KindTableNotFound:
		return "TableNotFound"
	case KindMetaUnreachable:
		return "MetaUnreachable"
	case KindReplicaUnreachable:
		return "ReplicaUnreachable"
	case KindInvalidArgument:
		return "InvalidArgument"
	case KindOverflow:
		return "Overflow"
	case KindServerError:
		return "ServerError"
	case KindClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Error wraps an ErrorKind into a concrete error value. For KindServerError,
// Code carries the raw, unmapped server error code verbatim (per §7:
// "surface to the caller verbatim as ServerError(code)").
type Error struct {
	Kind ErrorKind
	Code rpc.ErrorCode
	msg  string
}

func (e *Error) Error() string {
	if e.Kind == KindServerError {
		return fmt.Sprintf("pegasus: server error %s", e.Code)
	}
	if e.msg != "" {
		return fmt.Sprintf("pegasus: %s: %s", e.Kind, e.msg)
	}
	return fmt.Sprintf("pegasus: %s", e.Kind)
}

// Is allows errors.Is(err, pegasus.ErrTimeout) style comparisons against the
// sentinel values below by comparing Kind only (Code/msg are diagnostic).
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

func newError(kind ErrorKind, msg string) *Error { return &Error{Kind: kind, msg: msg} }

// Sentinel errors for errors.Is comparisons, mirroring the teacher's
// ErrBrokerDead/ErrConnDead sentinel style.
var (
	ErrTimeout            = &Error{Kind: KindTimeout}
	ErrTableNotFound      = &Error{Kind: KindTableNotFound}
	ErrMetaUnreachable    = &Error{Kind: KindMetaUnreachable}
	ErrReplicaUnreachable = &Error{Kind: KindReplicaUnreachable}
	ErrInvalidArgument    = &Error{Kind: KindInvalidArgument}
	ErrOverflow           = &Error{Kind: KindOverflow}
	ErrClosed             = &Error{Kind: KindClosed}
)

// ServerError wraps a raw, non-retryable server error code into an *Error of
// KindServerError.
func ServerError(code rpc.ErrorCode) *Error {
	return &Error{Kind: KindServerError, Code: code}
}
