package uhd

import (
	"fmt"

	"github.com/rjboer/gouhd/driver"
)

// RxErrorCode is the condition reported with a receive call.
type RxErrorCode = driver.RxErrorCode

const (
	RxErrorNone        = driver.RxErrorNone
	RxErrorTimeout     = driver.RxErrorTimeout
	RxErrorLateCommand = driver.RxErrorLateCommand
	RxErrorBrokenChain = driver.RxErrorBrokenChain
	RxErrorOverflow    = driver.RxErrorOverflow
	RxErrorAlignment   = driver.RxErrorAlignment
	RxErrorBadPacket   = driver.RxErrorBadPacket
)

// AsyncEventCode identifies a transmit-side event.
type AsyncEventCode = driver.AsyncEventCode

const (
	EventBurstAck          = driver.AsyncEventBurstAck
	EventUnderflow         = driver.AsyncEventUnderflow
	EventSeqError          = driver.AsyncEventSeqError
	EventTimeError         = driver.AsyncEventTimeError
	EventUnderflowInPacket = driver.AsyncEventUnderflowInPacket
	EventSeqErrorInBurst   = driver.AsyncEventSeqErrorInBurst
	EventUserPayload       = driver.AsyncEventUserPayload
)

// ReceiveMetadata describes the result of one receive call.
//
// The zero value reports no samples and no time.
type ReceiveMetadata struct {
	time           TimeSpec
	hasTime        bool
	startOfBurst   bool
	endOfBurst     bool
	errorCode      RxErrorCode
	outOfSequence  bool
	fragmentOffset int
	moreFragments  bool
	samples        int
}

// TimeSpec returns the device time of the first sample, if known.
func (m ReceiveMetadata) TimeSpec() (TimeSpec, bool) { return m.time, m.hasTime }

// StartOfBurst reports whether the samples begin a burst.
func (m ReceiveMetadata) StartOfBurst() bool { return m.startOfBurst }

// EndOfBurst reports whether the samples end a burst.
func (m ReceiveMetadata) EndOfBurst() bool { return m.endOfBurst }

// ErrorCode returns the condition flagged by the device.
func (m ReceiveMetadata) ErrorCode() RxErrorCode { return m.errorCode }

// OutOfSequence reports a detected packet loss.
func (m ReceiveMetadata) OutOfSequence() bool { return m.outOfSequence }

// FragmentOffset is the sample offset of this fragment within its packet.
func (m ReceiveMetadata) FragmentOffset() int { return m.fragmentOffset }

// MoreFragments reports whether the packet did not fit the buffers.
func (m ReceiveMetadata) MoreFragments() bool { return m.moreFragments }

// Samples returns how many samples per channel were written.
func (m ReceiveMetadata) Samples() int { return m.samples }

// TimedOut reports a timeout with nothing received.
func (m ReceiveMetadata) TimedOut() bool {
	return m.errorCode == RxErrorTimeout && m.samples == 0
}

// Err returns the stream anomaly carried by the metadata. Timeouts are not
// anomalies.
func (m ReceiveMetadata) Err() error {
	switch m.errorCode {
	case RxErrorNone, RxErrorTimeout:
		return nil
	default:
		return &StreamError{Code: m.errorCode}
	}
}

func (m ReceiveMetadata) String() string {
	ts := "none"
	if m.hasTime {
		ts = m.time.String()
	}
	return fmt.Sprintf("rx{samples=%d time=%s sob=%t eob=%t error=%s}",
		m.samples, ts, m.startOfBurst, m.endOfBurst, m.errorCode)
}

// decodeReceiveMetadata reads every field of a driver metadata object. The
// sample count arrives separately and is set by the caller.
func decodeReceiveMetadata(drv driver.Driver, h driver.RxMetadataHandle) (ReceiveMetadata, error) {
	var (
		m  ReceiveMetadata
		st driver.Status
	)
	if m.hasTime, st = drv.RxMetadataHasTimeSpec(h); st != driver.StatusNone {
		return ReceiveMetadata{}, checkStatus(drv, st)
	}
	if m.hasTime {
		if m.time.Seconds, m.time.Fraction, st = drv.RxMetadataTimeSpec(h); st != driver.StatusNone {
			return ReceiveMetadata{}, checkStatus(drv, st)
		}
	}
	if m.startOfBurst, st = drv.RxMetadataStartOfBurst(h); st != driver.StatusNone {
		return ReceiveMetadata{}, checkStatus(drv, st)
	}
	if m.endOfBurst, st = drv.RxMetadataEndOfBurst(h); st != driver.StatusNone {
		return ReceiveMetadata{}, checkStatus(drv, st)
	}
	if m.errorCode, st = drv.RxMetadataErrorCode(h); st != driver.StatusNone {
		return ReceiveMetadata{}, checkStatus(drv, st)
	}
	if m.outOfSequence, st = drv.RxMetadataOutOfSequence(h); st != driver.StatusNone {
		return ReceiveMetadata{}, checkStatus(drv, st)
	}
	if m.fragmentOffset, st = drv.RxMetadataFragmentOffset(h); st != driver.StatusNone {
		return ReceiveMetadata{}, checkStatus(drv, st)
	}
	if m.moreFragments, st = drv.RxMetadataMoreFragments(h); st != driver.StatusNone {
		return ReceiveMetadata{}, checkStatus(drv, st)
	}
	return m, nil
}

// TransmitMetadata is both the burst description handed to a send call and
// the result reported back from it.
type TransmitMetadata struct {
	time         TimeSpec
	hasTime      bool
	startOfBurst bool
	endOfBurst   bool
	samples      int
}

// NewTransmitMetadata describes one complete burst sent immediately.
func NewTransmitMetadata() TransmitMetadata {
	return TransmitMetadata{startOfBurst: true, endOfBurst: true}
}

// WithTime schedules the first sample for device time t.
func (m TransmitMetadata) WithTime(t TimeSpec) TransmitMetadata {
	m.time, m.hasTime = t.Normalize(), true
	return m
}

// WithoutTime sends as soon as possible.
func (m TransmitMetadata) WithoutTime() TransmitMetadata {
	m.time, m.hasTime = TimeSpec{}, false
	return m
}

// WithBurst sets the start and end of burst markers.
func (m TransmitMetadata) WithBurst(start, end bool) TransmitMetadata {
	m.startOfBurst, m.endOfBurst = start, end
	return m
}

// TimeSpec returns the scheduled time, if any.
func (m TransmitMetadata) TimeSpec() (TimeSpec, bool) { return m.time, m.hasTime }

// StartOfBurst reports the start of burst marker.
func (m TransmitMetadata) StartOfBurst() bool { return m.startOfBurst }

// EndOfBurst reports the end of burst marker.
func (m TransmitMetadata) EndOfBurst() bool { return m.endOfBurst }

// Samples returns how many samples per channel the device accepted.
func (m TransmitMetadata) Samples() int { return m.samples }

func (m TransmitMetadata) String() string {
	ts := "none"
	if m.hasTime {
		ts = m.time.String()
	}
	return fmt.Sprintf("tx{samples=%d time=%s sob=%t eob=%t}", m.samples, ts, m.startOfBurst, m.endOfBurst)
}

// sameRequest reports whether two values describe the same burst.
func (m TransmitMetadata) sameRequest(o TransmitMetadata) bool {
	return m.hasTime == o.hasTime && m.time == o.time &&
		m.startOfBurst == o.startOfBurst && m.endOfBurst == o.endOfBurst
}

func decodeTransmitMetadata(drv driver.Driver, h driver.TxMetadataHandle) (TransmitMetadata, error) {
	var (
		m  TransmitMetadata
		st driver.Status
	)
	if m.hasTime, st = drv.TxMetadataHasTimeSpec(h); st != driver.StatusNone {
		return TransmitMetadata{}, checkStatus(drv, st)
	}
	if m.hasTime {
		if m.time.Seconds, m.time.Fraction, st = drv.TxMetadataTimeSpec(h); st != driver.StatusNone {
			return TransmitMetadata{}, checkStatus(drv, st)
		}
	}
	if m.startOfBurst, st = drv.TxMetadataStartOfBurst(h); st != driver.StatusNone {
		return TransmitMetadata{}, checkStatus(drv, st)
	}
	if m.endOfBurst, st = drv.TxMetadataEndOfBurst(h); st != driver.StatusNone {
		return TransmitMetadata{}, checkStatus(drv, st)
	}
	return m, nil
}

// AsyncMetadata is one transmit event reported by the device.
type AsyncMetadata struct {
	Channel int
	Event   AsyncEventCode
	Time    TimeSpec
	HasTime bool
}

func (m AsyncMetadata) String() string {
	if m.HasTime {
		return fmt.Sprintf("async{ch=%d event=%s time=%s}", m.Channel, m.Event, m.Time)
	}
	return fmt.Sprintf("async{ch=%d event=%s}", m.Channel, m.Event)
}

func decodeAsyncMetadata(drv driver.Driver, h driver.AsyncMetadataHandle) (AsyncMetadata, error) {
	var (
		m  AsyncMetadata
		st driver.Status
	)
	if m.Channel, st = drv.AsyncMetadataChannel(h); st != driver.StatusNone {
		return AsyncMetadata{}, checkStatus(drv, st)
	}
	if m.Event, st = drv.AsyncMetadataEventCode(h); st != driver.StatusNone {
		return AsyncMetadata{}, checkStatus(drv, st)
	}
	if m.HasTime, st = drv.AsyncMetadataHasTimeSpec(h); st != driver.StatusNone {
		return AsyncMetadata{}, checkStatus(drv, st)
	}
	if m.HasTime {
		if m.Time.Seconds, m.Time.Fraction, st = drv.AsyncMetadataTimeSpec(h); st != driver.StatusNone {
			return AsyncMetadata{}, checkStatus(drv, st)
		}
	}
	return m, nil
}
