package driver

import (
	"errors"
	"fmt"
)

// CommunicationError wraps any transport-level failure of a driver call:
// unexpected close, response timeout, malformed response. Callers decide
// policy (fail the step, reconnect, restart) via errors.As.
type CommunicationError struct {
	DriverID string
	Op       string
	Err      error
}

func (e *CommunicationError) Error() string {
	return fmt.Sprintf("driver %s: %s: %v", e.DriverID, e.Op, e.Err)
}

func (e *CommunicationError) Unwrap() error { return e.Err }

// IsCommunicationError reports whether err is (or wraps) a CommunicationError.
func IsCommunicationError(err error) bool {
	var ce *CommunicationError
	return errors.As(err, &ce)
}

// StartupError captures a failed driver start: spawn failure, port never
// accepted, or handshake failure. StdioTail holds the last captured child
// output for diagnosis.
type StartupError struct {
	DriverID  string
	Reason    string
	StdioTail string
	Err       error
}

func (e *StartupError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("driver %s failed to start: %s: %v", e.DriverID, e.Reason, e.Err)
	}
	return fmt.Sprintf("driver %s failed to start: %s", e.DriverID, e.Reason)
}

func (e *StartupError) Unwrap() error { return e.Err }

// ErrRequestTimeout marks an abandoned in-flight request id.
var ErrRequestTimeout = errors.New("request timed out")

// ErrClientClosed is returned for calls issued after Close.
var ErrClientClosed = errors.New("client closed")
