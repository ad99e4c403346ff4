package mpio

import (
	"errors"
	"fmt"
)

// Transport failure classes. Transports wrap their own errors with one of
// these so the connection wrapper can report them uniformly.
var (
	ErrConnectionDropped     = errors.New("mpio: connection dropped")
	ErrConnectionUnavailable = errors.New("mpio: connection unavailable")
	ErrConnectionLost        = errors.New("mpio: connection lost")
	ErrEncode                = errors.New("mpio: message encoding failed")
)

// Internal consistency violations. They are always carried inside an
// *InternalError.
var (
	ErrMultiplePaths  = errors.New("mpio: multiple connections found for one engine")
	ErrMissingHandler = errors.New("mpio: no handler for resolved destination")
)

// Receive-side outcomes that are expected and handled locally.
var (
	ErrDestinationNotFound = errors.New("mpio: destination not found")
	ErrRouterStopped       = errors.New("mpio: router stopped")
)

// InternalError marks an unrecoverable internal messaging error. Callers
// detect it with errors.As; it is never produced by ordinary connection or
// destination churn.
type InternalError struct {
	Op  string
	Err error
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("internal messaging error in %s: %v", e.Op, e.Err)
}

func (e *InternalError) Unwrap() error {
	return e.Err
}

// IsInternal reports whether err is, or wraps, an *InternalError.
func IsInternal(err error) bool {
	var ie *InternalError
	return errors.As(err, &ie)
}

// Terminate is the one panic value ReceiveMessage lets escape. Host code
// panics with it to unwind a transport worker during shutdown.
type Terminate struct {
	Reason string
}

func (t Terminate) Error() string {
	if t.Reason == "" {
		return "mpio: terminate"
	}
	return "mpio: terminate: " + t.Reason
}
