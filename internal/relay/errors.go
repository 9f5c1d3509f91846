package relay

import (
	"errors"
	"fmt"
)

// Kind classifies a failure by who caused it and how the relay reacts.
type Kind uint8

const (
	// ValidationError: malformed input. Reported to the client, connection
	// stays open.
	ValidationError Kind = iota + 1
	// PolicyRejection: a middleware unit said no.
	PolicyRejection
	// ResourceLimitExceeded: a connection or subscription cap was hit.
	ResourceLimitExceeded
	// StorageFailure: the store failed. Reported as "error:", connection
	// stays open.
	StorageFailure
	// TransportFailure: the peer is gone or unwritable; the connection
	// closes.
	TransportFailure
	// FatalProtocolViolation: the connection is closed after a notice.
	FatalProtocolViolation
)

func (k Kind) String() string {
	switch k {
	case ValidationError:
		return "validation"
	case PolicyRejection:
		return "policy"
	case ResourceLimitExceeded:
		return "resource_limit"
	case StorageFailure:
		return "storage"
	case TransportFailure:
		return "transport"
	case FatalProtocolViolation:
		return "fatal"
	default:
		return "unknown"
	}
}

var (
	ErrValidation    = &Error{Kind: ValidationError}
	ErrPolicy        = &Error{Kind: PolicyRejection}
	ErrResourceLimit = &Error{Kind: ResourceLimitExceeded}
	ErrStorage       = &Error{Kind: StorageFailure}
	ErrTransport     = &Error{Kind: TransportFailure}
	ErrFatal         = &Error{Kind: FatalProtocolViolation}
)

// Error is a classified relay failure. Reason is the client-facing text,
// already prefixed.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func newError(kind Kind, reason string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

func (e *Error) Error() string {
	switch {
	case e.Reason != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	case e.Reason != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, ErrStorage)
// works regardless of reason.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain, or 0.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
