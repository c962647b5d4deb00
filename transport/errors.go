package transport

import (
	"errors"
	"fmt"
)

// ErrClosed is the close cause when the transport was shut down by its owner.
var ErrClosed = errors.New("transport: closed")

// Error wraps a failure of the underlying connection. The transport is torn
// down after one and never reused.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
