package transport

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKind classifies a transport failure.
type ErrorKind int

// Transport failure kinds.
const (
	ConnectTimeout ErrorKind = iota
	ConnectFailure
	DiscoveryFailure
	WriteFailure
	ReadFailure
	UnexpectedDisconnect
	NotConnected
)

func (k ErrorKind) String() string {
	switch k {
	case ConnectTimeout:
		return "connect timeout"
	case ConnectFailure:
		return "connect failure"
	case DiscoveryFailure:
		return "capability discovery failure"
	case WriteFailure:
		return "write failure"
	case ReadFailure:
		return "read failure"
	case UnexpectedDisconnect:
		return "unexpected disconnect"
	case NotConnected:
		return "not connected"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// Error is the single error type returned by transports.
type Error struct {
	Op   string
	Kind ErrorKind
	Err  error
}

// NewError wraps err.
func NewError(op string, kind ErrorKind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// ConnectError classifies a failed connect, turning an expired context into ConnectTimeout.
func ConnectError(ctx context.Context, op string, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return NewError(op, ConnectTimeout, err)
	}
	return NewError(op, ConnectFailure, err)
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is a transport Error of kind.
func IsKind(err error, kind ErrorKind) bool {
	var target *Error
	return errors.As(err, &target) && target.Kind == kind
}
