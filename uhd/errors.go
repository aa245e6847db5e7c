package uhd

import (
	"errors"
	"fmt"

	"github.com/rjboer/gouhd/driver"
)

// Error is a failure reported by the driver through a non-zero status.
type Error struct {
	Code    driver.Status
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("uhd: %s (%d)", e.Code, int(e.Code))
	}
	return fmt.Sprintf("uhd: %s (%d): %s", e.Code, int(e.Code), e.Message)
}

// Is matches sentinels by status code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code && t.Message == ""
}

// Sentinels for errors.Is, one per native status.
var (
	ErrInvalidDevice  = &Error{Code: driver.StatusInvalidDevice}
	ErrIndex          = &Error{Code: driver.StatusIndex}
	ErrKey            = &Error{Code: driver.StatusKey}
	ErrNotImplemented = &Error{Code: driver.StatusNotImplemented}
	ErrUSB            = &Error{Code: driver.StatusUSB}
	ErrIO             = &Error{Code: driver.StatusIO}
	ErrOS             = &Error{Code: driver.StatusOS}
	ErrAssertion      = &Error{Code: driver.StatusAssertion}
	ErrLookup         = &Error{Code: driver.StatusLookup}
	ErrType           = &Error{Code: driver.StatusType}
	ErrValue          = &Error{Code: driver.StatusValue}
	ErrRuntime        = &Error{Code: driver.StatusRuntime}
	ErrEnvironment    = &Error{Code: driver.StatusEnvironment}
	ErrSystem         = &Error{Code: driver.StatusSystem}
	ErrExcept         = &Error{Code: driver.StatusExcept}
	ErrUnknown        = &Error{Code: driver.StatusUnknown}
)

// Errors raised by this package rather than by the driver.
var (
	ErrDeviceClosed        = errors.New("uhd: device is closed")
	ErrDeviceBusy          = errors.New("uhd: device still has open streamers")
	ErrStreamerClosed      = errors.New("uhd: streamer is closed")
	ErrChannelCountChanged = errors.New("uhd: streamer channel count changed after first transfer")
	ErrInvalidCommand      = errors.New("uhd: invalid stream command")
	ErrSampleCount         = errors.New("uhd: driver reported a sample count outside the buffer")
)

// checkStatus turns a native status into an *Error using the driver's last
// error message.
func checkStatus(drv driver.DeviceDriver, status driver.Status) error {
	if status == driver.StatusNone {
		return nil
	}
	return &Error{Code: status, Message: drv.LastError()}
}

// StreamError reports an anomaly flagged in receive metadata.
type StreamError struct {
	Code RxErrorCode
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("uhd: receive %s", e.Code)
}

// Is matches another *StreamError with the same code.
func (e *StreamError) Is(target error) bool {
	t, ok := target.(*StreamError)
	return ok && t.Code == e.Code
}

// Stream anomaly sentinels.
var (
	ErrOverflow    = &StreamError{Code: RxErrorOverflow}
	ErrLateCommand = &StreamError{Code: RxErrorLateCommand}
	ErrBrokenChain = &StreamError{Code: RxErrorBrokenChain}
	ErrAlignment   = &StreamError{Code: RxErrorAlignment}
	ErrBadPacket   = &StreamError{Code: RxErrorBadPacket}
)
