// Package driver describes the procedural boundary between the streaming
// engine and a device driver library.
//
// The shape follows a C driver API: objects are referenced by opaque
// handles, results come back alongside an integer Status, and a zero handle
// means "null". Freeing a zero handle is always a no-op so that callers can
// release partially constructed objects unconditionally.
//
// Implementations:
//
//   - driver/sim: an in-process simulated device, used by tests and demos.
//   - driver/iiod: a network driver speaking the IIOD text protocol.
package driver

import "unsafe"

// Handle types. The zero value of each is the null handle.
type (
	DeviceHandle        uintptr
	RxStreamerHandle    uintptr
	TxStreamerHandle    uintptr
	RxMetadataHandle    uintptr
	TxMetadataHandle    uintptr
	AsyncMetadataHandle uintptr
)

// StreamArgs selects the sample formats and channels of a streamer.
type StreamArgs struct {
	// CPUFormat is the host-side sample layout of the caller buffers.
	CPUFormat Format
	// OTWFormat is the over-the-wire format, e.g. "sc16".
	OTWFormat string
	// Args carries driver specific key=value pairs.
	Args     string
	Channels []int
}

// StreamMode selects how a receive streamer produces samples.
type StreamMode int

// Values match the native stream mode characters.
const (
	StreamModeStartContinuous StreamMode = 'a'
	StreamModeStopContinuous  StreamMode = 'o'
	StreamModeNumSampsAndDone StreamMode = 'd'
	StreamModeNumSampsAndMore StreamMode = 'm'
)

func (m StreamMode) String() string {
	switch m {
	case StreamModeStartContinuous:
		return "start_continuous"
	case StreamModeStopContinuous:
		return "stop_continuous"
	case StreamModeNumSampsAndDone:
		return "num_samps_and_done"
	case StreamModeNumSampsAndMore:
		return "num_samps_and_more"
	default:
		return "unknown"
	}
}

// StreamCmd is the native encoding of a stream command.
type StreamCmd struct {
	Mode      StreamMode
	NumSamps  uint64
	StreamNow bool
	FullSecs  int64
	FracSecs  float64
}

// DeviceDriver covers device lifetime and the streamer factories.
type DeviceDriver interface {
	// Find returns the address strings of the devices matching args.
	Find(args string) ([]string, Status)
	// LastError returns the message of the most recent failing call.
	LastError() string

	DeviceMake(args string) (DeviceHandle, Status)
	DeviceFree(h *DeviceHandle) Status
	DeviceNumRxChannels(h DeviceHandle) (int, Status)
	DeviceNumTxChannels(h DeviceHandle) (int, Status)
	DeviceGetRxStream(h DeviceHandle, args StreamArgs, s RxStreamerHandle) Status
	DeviceGetTxStream(h DeviceHandle, args StreamArgs, s TxStreamerHandle) Status
}

// StreamDriver covers the streamer objects.
//
// Recv, Send and RecvAsyncMsg must not be called concurrently on the same
// streamer. Every other call is safe from any goroutine.
type StreamDriver interface {
	RxStreamerMake() (RxStreamerHandle, Status)
	RxStreamerFree(h *RxStreamerHandle) Status
	RxStreamerNumChannels(h RxStreamerHandle) (int, Status)
	RxStreamerMaxNumSamps(h RxStreamerHandle) (int, Status)
	RxStreamerIssueStreamCmd(h RxStreamerHandle, cmd StreamCmd) Status
	// RxStreamerRecv fills up to sampsPerBuff samples into each buffer in
	// buffs and returns the number written per channel.
	RxStreamerRecv(h RxStreamerHandle, buffs []unsafe.Pointer, sampsPerBuff int, md RxMetadataHandle, timeout float64, onePacket bool) (int, Status)

	TxStreamerMake() (TxStreamerHandle, Status)
	TxStreamerFree(h *TxStreamerHandle) Status
	TxStreamerNumChannels(h TxStreamerHandle) (int, Status)
	TxStreamerMaxNumSamps(h TxStreamerHandle) (int, Status)
	// TxStreamerSend pushes up to sampsPerBuff samples from each buffer and
	// returns the number the device accepted.
	TxStreamerSend(h TxStreamerHandle, buffs []unsafe.Pointer, sampsPerBuff int, md TxMetadataHandle, timeout float64) (int, Status)
	// TxStreamerRecvAsyncMsg waits for one transmit event. The bool reports
	// whether md was filled before the timeout.
	TxStreamerRecvAsyncMsg(h TxStreamerHandle, md AsyncMetadataHandle, timeout float64) (bool, Status)
}

// MetadataDriver covers the metadata objects. MetadataStore implements it.
type MetadataDriver interface {
	RxMetadataMake() (RxMetadataHandle, Status)
	RxMetadataFree(h *RxMetadataHandle) Status
	RxMetadataHasTimeSpec(h RxMetadataHandle) (bool, Status)
	RxMetadataTimeSpec(h RxMetadataHandle) (int64, float64, Status)
	RxMetadataStartOfBurst(h RxMetadataHandle) (bool, Status)
	RxMetadataEndOfBurst(h RxMetadataHandle) (bool, Status)
	RxMetadataErrorCode(h RxMetadataHandle) (RxErrorCode, Status)
	RxMetadataOutOfSequence(h RxMetadataHandle) (bool, Status)
	RxMetadataFragmentOffset(h RxMetadataHandle) (int, Status)
	RxMetadataMoreFragments(h RxMetadataHandle) (bool, Status)

	TxMetadataMake(hasTimeSpec bool, fullSecs int64, fracSecs float64, startOfBurst, endOfBurst bool) (TxMetadataHandle, Status)
	TxMetadataFree(h *TxMetadataHandle) Status
	TxMetadataHasTimeSpec(h TxMetadataHandle) (bool, Status)
	TxMetadataTimeSpec(h TxMetadataHandle) (int64, float64, Status)
	TxMetadataStartOfBurst(h TxMetadataHandle) (bool, Status)
	TxMetadataEndOfBurst(h TxMetadataHandle) (bool, Status)

	AsyncMetadataMake() (AsyncMetadataHandle, Status)
	AsyncMetadataFree(h *AsyncMetadataHandle) Status
	AsyncMetadataChannel(h AsyncMetadataHandle) (int, Status)
	AsyncMetadataHasTimeSpec(h AsyncMetadataHandle) (bool, Status)
	AsyncMetadataTimeSpec(h AsyncMetadataHandle) (int64, float64, Status)
	AsyncMetadataEventCode(h AsyncMetadataHandle) (AsyncEventCode, Status)
}

// Driver is the full native call surface used by package uhd.
type Driver interface {
	DeviceDriver
	StreamDriver
	MetadataDriver
}
