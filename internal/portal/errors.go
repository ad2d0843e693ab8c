package portal

import (
	"errors"
	"fmt"
)

var (
	// ErrDenied matches any *DeniedError
	ErrDenied = errors.New("portal request denied")

	// ErrSessionClosed is reported when the portal closes our session
	ErrSessionClosed = errors.New("portal session closed by service")

	// ErrBusClosed is reported when the message stream ends
	ErrBusClosed = errors.New("bus message stream closed")
)

// TransportError means the bus was unavailable or rejected a call
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Response codes carried in Request.Response signals
const (
	ResponseSuccess   uint32 = 0
	ResponseCancelled uint32 = 1
	ResponseOther     uint32 = 2
)

// DeniedError is a non-success Response: the user declined the dialog or
// the interaction ended some other way.
type DeniedError struct {
	Step RequestKind
	Code uint32
}

func (e *DeniedError) Reason() string {
	switch e.Code {
	case ResponseCancelled:
		return "cancelled by user"
	case ResponseOther:
		return "interaction ended"
	default:
		return fmt.Sprintf("response code %d", e.Code)
	}
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("%s denied: %s", e.Step, e.Reason())
}

func (e *DeniedError) Is(target error) bool {
	return target == ErrDenied
}

// FailedError is the terminal reason a negotiation stopped, tagged with the
// state it was in when it failed.
type FailedError struct {
	State State
	Err   error
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("negotiation failed while %s: %v", e.State, e.Err)
}

func (e *FailedError) Unwrap() error {
	return e.Err
}
