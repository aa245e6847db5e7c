package driver

import "fmt"

// Status is the integer return code of every native call.
type Status int

// Native status codes.
const (
	StatusNone           Status = 0
	StatusInvalidDevice  Status = 1
	StatusIndex          Status = 10
	StatusKey            Status = 11
	StatusNotImplemented Status = 20
	StatusUSB            Status = 21
	StatusIO             Status = 30
	StatusOS             Status = 31
	StatusAssertion      Status = 40
	StatusLookup         Status = 41
	StatusType           Status = 42
	StatusValue          Status = 43
	StatusRuntime        Status = 44
	StatusEnvironment    Status = 45
	StatusSystem         Status = 46
	StatusExcept         Status = 47
	StatusBoostExcept    Status = 60
	StatusStdExcept      Status = 70
	StatusUnknown        Status = 100
)

var statusNames = map[Status]string{
	StatusNone:           "none",
	StatusInvalidDevice:  "invalid device",
	StatusIndex:          "index error",
	StatusKey:            "key error",
	StatusNotImplemented: "not implemented",
	StatusUSB:            "usb error",
	StatusIO:             "i/o error",
	StatusOS:             "os error",
	StatusAssertion:      "assertion error",
	StatusLookup:         "lookup error",
	StatusType:           "type error",
	StatusValue:          "value error",
	StatusRuntime:        "runtime error",
	StatusEnvironment:    "environment error",
	StatusSystem:         "system error",
	StatusExcept:         "driver exception",
	StatusBoostExcept:    "boost exception",
	StatusStdExcept:      "std exception",
	StatusUnknown:        "unknown error",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// RxErrorCode is the error condition carried by receive metadata.
type RxErrorCode int

const (
	RxErrorNone        RxErrorCode = 0x0
	RxErrorTimeout     RxErrorCode = 0x1
	RxErrorLateCommand RxErrorCode = 0x2
	RxErrorBrokenChain RxErrorCode = 0x4
	RxErrorOverflow    RxErrorCode = 0x8
	RxErrorAlignment   RxErrorCode = 0xc
	RxErrorBadPacket   RxErrorCode = 0xf
)

func (c RxErrorCode) String() string {
	switch c {
	case RxErrorNone:
		return "none"
	case RxErrorTimeout:
		return "timeout"
	case RxErrorLateCommand:
		return "late command"
	case RxErrorBrokenChain:
		return "broken chain"
	case RxErrorOverflow:
		return "overflow"
	case RxErrorAlignment:
		return "alignment"
	case RxErrorBadPacket:
		return "bad packet"
	default:
		return fmt.Sprintf("rx_error(%#x)", int(c))
	}
}

// AsyncEventCode identifies a transmit-side asynchronous event.
type AsyncEventCode int

const (
	AsyncEventBurstAck          AsyncEventCode = 0x1
	AsyncEventUnderflow         AsyncEventCode = 0x2
	AsyncEventSeqError          AsyncEventCode = 0x4
	AsyncEventTimeError         AsyncEventCode = 0x8
	AsyncEventUnderflowInPacket AsyncEventCode = 0x10
	AsyncEventSeqErrorInBurst   AsyncEventCode = 0x20
	AsyncEventUserPayload       AsyncEventCode = 0x40
)

func (c AsyncEventCode) String() string {
	switch c {
	case AsyncEventBurstAck:
		return "burst ack"
	case AsyncEventUnderflow:
		return "underflow"
	case AsyncEventSeqError:
		return "sequence error"
	case AsyncEventTimeError:
		return "time error"
	case AsyncEventUnderflowInPacket:
		return "underflow in packet"
	case AsyncEventSeqErrorInBurst:
		return "sequence error in burst"
	case AsyncEventUserPayload:
		return "user payload"
	default:
		return fmt.Sprintf("async_event(%#x)", int(c))
	}
}
