package cdp

import (
	"errors"
	"fmt"
	"time"
)

// ErrClosed is the cause of the ConnectionError returned once Close has been called.
var ErrClosed = errors.New("connection closed")

// ConnectionError means there is no usable channel to the target: the initial dial failed,
// the channel dropped while a command was in flight, or reconnection was exhausted.
type ConnectionError struct {
	URL string
	// Attempts is the number of reconnection attempts made before giving up, zero if none were made.
	Attempts int
	Cause    error
	Hint     string
}

func (e *ConnectionError) Error() string {
	msg := fmt.Sprintf("connection to %s failed", e.URL)
	if e.URL == "" {
		msg = "connection failed"
	}
	if e.Attempts > 0 {
		msg = fmt.Sprintf("%s after %d reconnection attempts", msg, e.Attempts)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %s", msg, e.Cause)
	}
	return msg
}

func (e *ConnectionError) Unwrap() error { return e.Cause }

func (e *ConnectionError) RecoveryHint() string {
	if e.Hint != "" {
		return e.Hint
	}
	return "check that the browser is still running and its remote debugging port is reachable"
}

// CommandError is an explicit error response from the target.
// Message is passed through verbatim.
type CommandError struct {
	Method  string
	Code    int
	Message string
	Data    string
}

func (e *CommandError) Error() string {
	if e.Data != "" {
		return fmt.Sprintf("%s: %s (code %d): %s", e.Method, e.Message, e.Code, e.Data)
	}
	return fmt.Sprintf("%s: %s (code %d)", e.Method, e.Message, e.Code)
}

func (e *CommandError) RecoveryHint() string {
	return fmt.Sprintf("check the method name and params of %s against the protocol version the target speaks", e.Method)
}

// TimeoutError means no response arrived within the command's budget.
// The command id is retired and a late response for it is dropped.
type TimeoutError struct {
	Method  string
	ID      int64
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("command %q (id %d) timed out after %s", e.Method, e.ID, e.Timeout)
}

func (e *TimeoutError) RecoveryHint() string {
	return "increase the command timeout or check whether the target is paused in a debugger"
}

// Hint returns the recovery hint of the first error in err's chain that has one.
func Hint(err error) string {
	var h interface{ RecoveryHint() string }
	if errors.As(err, &h) {
		return h.RecoveryHint()
	}
	return ""
}
