package uhd

import (
	"fmt"
	"sync"
	"time"

	"github.com/rjboer/gouhd/driver"
	"github.com/rjboer/gouhd/internal/logging"
	"github.com/rjboer/gouhd/internal/metrics"
)

// ReceiveStreamer moves samples of type T from the device into caller
// buffers. All methods may be called from any goroutine; transfers on one
// streamer are serialized.
type ReceiveStreamer[T Sample] struct {
	dev *Device
	drv driver.Driver
	log logging.Logger

	mu     sync.Mutex
	handle driver.RxStreamerHandle
	md     driver.RxMetadataHandle
	table  bufferTable
	closed bool
}

// NewReceiveStreamer creates a receive streamer on dev for args.Channels.
func NewReceiveStreamer[T Sample](dev *Device, args StreamArgs) (*ReceiveStreamer[T], error) {
	devHandle, err := dev.acquire()
	if err != nil {
		return nil, err
	}
	native := args.native(formatOf[T]())
	s := &ReceiveStreamer[T]{
		dev: dev,
		drv: dev.drv,
		log: dev.log.With(
			logging.Field{Key: "dir", Value: metrics.DirRx},
			logging.Field{Key: "format", Value: string(native.CPUFormat)},
		),
	}

	var st driver.Status
	if s.handle, st = s.drv.RxStreamerMake(); st != driver.StatusNone {
		return nil, s.abort("make rx streamer", st)
	}
	if st = s.drv.DeviceGetRxStream(devHandle, native, s.handle); st != driver.StatusNone {
		return nil, s.abort("bind rx streamer", st)
	}
	if s.md, st = s.drv.RxMetadataMake(); st != driver.StatusNone {
		return nil, s.abort("make rx metadata", st)
	}

	metrics.StreamerOpened(metrics.DirRx)
	s.log.Debug("rx streamer opened", logging.Field{Key: "channels", Value: native.Channels})
	return s, nil
}

// abort undoes a partial construction and returns the driver error.
func (s *ReceiveStreamer[T]) abort(what string, st driver.Status) error {
	metrics.IncDriverError(metrics.OpStreamer)
	err := fmt.Errorf("%s: %w", what, checkStatus(s.drv, st))
	s.free()
	s.dev.release()
	return err
}

// ChannelCount returns the number of channels the streamer moves.
func (s *ReceiveStreamer[T]) ChannelCount() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStreamerClosed
	}
	return s.channelCount()
}

func (s *ReceiveStreamer[T]) channelCount() (int, error) {
	n, st := s.drv.RxStreamerNumChannels(s.handle)
	if st != driver.StatusNone {
		metrics.IncDriverError(metrics.OpChannels)
		return 0, fmt.Errorf("rx channel count: %w", checkStatus(s.drv, st))
	}
	if s.table.ready() && n != s.table.size() {
		return 0, fmt.Errorf("%w: driver reports %d, streamer uses %d", ErrChannelCountChanged, n, s.table.size())
	}
	return n, nil
}

// MaxSamplesPerPacket returns the largest number of samples per channel a
// single packet carries.
func (s *ReceiveStreamer[T]) MaxSamplesPerPacket() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStreamerClosed
	}
	n, st := s.drv.RxStreamerMaxNumSamps(s.handle)
	if st != driver.StatusNone {
		metrics.IncDriverError(metrics.OpMaxPacket)
		return 0, fmt.Errorf("rx max samples: %w", checkStatus(s.drv, st))
	}
	return n, nil
}

// SendCommand issues cmd to the device. It does not wait for samples.
func (s *ReceiveStreamer[T]) SendCommand(cmd StreamCommand) error {
	native, err := cmd.native()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStreamerClosed
	}
	if st := s.drv.RxStreamerIssueStreamCmd(s.handle, native); st != driver.StatusNone {
		metrics.IncDriverError(metrics.OpCommand)
		return fmt.Errorf("issue %s: %w", cmd, checkStatus(s.drv, st))
	}
	s.log.Debug("stream command", logging.Field{Key: "command", Value: cmd.String()})
	return nil
}

// Receive fills buffers, one per channel, and blocks for at most timeout.
//
// It panics when the number of buffers differs from the channel count or
// when the buffers are empty or of unequal length. The returned metadata
// is valid whenever the driver call succeeded, including when the error is
// a *StreamError. A timeout is reported through the metadata only.
//
// The channel count is read once, on the first transfer, and sizes the
// buffer table for the life of the streamer. A later change in the count
// the driver reports is not seen here; ChannelCount returns
// ErrChannelCountChanged for it.
func (s *ReceiveStreamer[T]) Receive(buffers [][]T, timeout time.Duration, onePacket bool) (ReceiveMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ReceiveMetadata{}, ErrStreamerClosed
	}
	if !s.table.ready() {
		n, err := s.channelCount()
		if err != nil {
			return ReceiveMetadata{}, err
		}
		s.table.init(n)
	}

	length := load(&s.table, buffers)
	defer s.table.clear()

	n, st := s.drv.RxStreamerRecv(s.handle, s.table.ptrs, length, s.md, timeout.Seconds(), onePacket)
	if st != driver.StatusNone {
		metrics.IncDriverError(metrics.OpRecv)
		return ReceiveMetadata{}, fmt.Errorf("receive: %w", checkStatus(s.drv, st))
	}
	if n < 0 || n > length {
		metrics.IncDriverError(metrics.OpRecv)
		return ReceiveMetadata{}, fmt.Errorf("receive: %d samples into %d-sample buffers: %w", n, length, ErrSampleCount)
	}

	md, err := decodeReceiveMetadata(s.drv, s.md)
	if err != nil {
		metrics.IncDriverError(metrics.OpMetadata)
		return ReceiveMetadata{}, fmt.Errorf("receive metadata: %w", err)
	}
	md.samples = n
	metrics.AddRxSamples(n)

	if label := rxEventLabel(md.errorCode); label != "" {
		metrics.IncStreamEvent(metrics.DirRx, label)
	}
	if err := md.Err(); err != nil {
		s.log.Debug("receive anomaly", logging.Field{Key: "metadata", Value: md.String()})
		return md, err
	}
	return md, nil
}

// ReceiveSimple fills a single-channel buffer with a 100 ms timeout.
func (s *ReceiveStreamer[T]) ReceiveSimple(buffer []T) (ReceiveMetadata, error) {
	return s.Receive([][]T{buffer}, 100*time.Millisecond, false)
}

// Close releases the streamer. Release failures are logged, not returned.
// Close is safe to call more than once.
func (s *ReceiveStreamer[T]) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.free()
	s.dev.release()
	metrics.StreamerClosed(metrics.DirRx)
	s.log.Debug("rx streamer closed")
	return nil
}

// free releases the driver objects still held. Freed handles are zeroed by
// the driver, so a second call does nothing.
func (s *ReceiveStreamer[T]) free() {
	if st := s.drv.RxMetadataFree(&s.md); st != driver.StatusNone {
		s.releaseFailed("rx metadata", st)
		s.md = 0
	}
	if st := s.drv.RxStreamerFree(&s.handle); st != driver.StatusNone {
		s.releaseFailed("rx streamer", st)
		s.handle = 0
	}
}

func (s *ReceiveStreamer[T]) releaseFailed(what string, st driver.Status) {
	metrics.IncDriverError(metrics.OpRelease)
	s.log.Warn("release failed",
		logging.Field{Key: "object", Value: what},
		logging.Field{Key: "error", Value: checkStatus(s.drv, st)},
	)
}

func rxEventLabel(code RxErrorCode) string {
	switch code {
	case RxErrorTimeout:
		return metrics.EventTimeout
	case RxErrorOverflow:
		return metrics.EventOverflow
	case RxErrorLateCommand:
		return metrics.EventLateCommand
	case RxErrorBrokenChain:
		return metrics.EventBrokenChain
	case RxErrorAlignment:
		return metrics.EventAlignment
	case RxErrorBadPacket:
		return metrics.EventBadPacket
	default:
		return ""
	}
}
