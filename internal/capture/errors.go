package capture

import (
	"errors"
	"fmt"
)

// ErrCaptureClosed reports that the capture stream ended normally: every
// device loop has exited and no more packets will arrive. The backend must
// not be polled again; construct a new one to retry.
var ErrCaptureClosed = errors.New("capture closed")

// ErrChannelClosed is the cooperative shutdown signal observed by device
// loops when the consumer has gone away. It is never surfaced to callers.
var ErrChannelClosed = errors.New("channel closed")

// FilterError reports that a capture filter could not be compiled or
// installed on a device.
type FilterError struct {
	Cause error
}

func (e *FilterError) Error() string {
	return fmt.Sprintf("filter error: %v", e.Cause)
}

func (e *FilterError) Unwrap() error { return e.Cause }

// SessionError reports that a capture session failed. HasCaptured
// distinguishes a session that never delivered a packet from one that worked
// and then died; callers use it to pick their retry messaging.
type SessionError struct {
	HasCaptured bool
	Cause       error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("capture error (has_captured = %t): %v", e.HasCaptured, e.Cause)
}

func (e *SessionError) Unwrap() error { return e.Cause }
