package uhd

import (
	"fmt"
	"sync"
	"time"

	"github.com/rjboer/gouhd/driver"
	"github.com/rjboer/gouhd/internal/logging"
	"github.com/rjboer/gouhd/internal/metrics"
)

// TransmitStreamer moves samples of type T from caller buffers to the
// device. All methods may be called from any goroutine; transfers on one
// streamer are serialized.
type TransmitStreamer[T Sample] struct {
	dev *Device
	drv driver.Driver
	log logging.Logger

	mu     sync.Mutex
	handle driver.TxStreamerHandle
	async  driver.AsyncMetadataHandle
	table  bufferTable
	closed bool

	// md describes mdReq; it is rebuilt only when the request changes.
	md    driver.TxMetadataHandle
	mdReq TransmitMetadata
}

// NewTransmitStreamer creates a transmit streamer on dev for args.Channels.
func NewTransmitStreamer[T Sample](dev *Device, args StreamArgs) (*TransmitStreamer[T], error) {
	devHandle, err := dev.acquire()
	if err != nil {
		return nil, err
	}
	native := args.native(formatOf[T]())
	s := &TransmitStreamer[T]{
		dev: dev,
		drv: dev.drv,
		log: dev.log.With(
			logging.Field{Key: "dir", Value: metrics.DirTx},
			logging.Field{Key: "format", Value: string(native.CPUFormat)},
		),
	}

	var st driver.Status
	if s.handle, st = s.drv.TxStreamerMake(); st != driver.StatusNone {
		return nil, s.abort("make tx streamer", st)
	}
	if st = s.drv.DeviceGetTxStream(devHandle, native, s.handle); st != driver.StatusNone {
		return nil, s.abort("bind tx streamer", st)
	}
	if s.async, st = s.drv.AsyncMetadataMake(); st != driver.StatusNone {
		return nil, s.abort("make async metadata", st)
	}

	metrics.StreamerOpened(metrics.DirTx)
	s.log.Debug("tx streamer opened", logging.Field{Key: "channels", Value: native.Channels})
	return s, nil
}

func (s *TransmitStreamer[T]) abort(what string, st driver.Status) error {
	metrics.IncDriverError(metrics.OpStreamer)
	err := fmt.Errorf("%s: %w", what, checkStatus(s.drv, st))
	s.free()
	s.dev.release()
	return err
}

// ChannelCount returns the number of channels the streamer moves.
func (s *TransmitStreamer[T]) ChannelCount() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStreamerClosed
	}
	return s.channelCount()
}

func (s *TransmitStreamer[T]) channelCount() (int, error) {
	n, st := s.drv.TxStreamerNumChannels(s.handle)
	if st != driver.StatusNone {
		metrics.IncDriverError(metrics.OpChannels)
		return 0, fmt.Errorf("tx channel count: %w", checkStatus(s.drv, st))
	}
	if s.table.ready() && n != s.table.size() {
		return 0, fmt.Errorf("%w: driver reports %d, streamer uses %d", ErrChannelCountChanged, n, s.table.size())
	}
	return n, nil
}

// MaxSamplesPerPacket returns the largest number of samples per channel a
// single packet carries.
func (s *TransmitStreamer[T]) MaxSamplesPerPacket() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStreamerClosed
	}
	n, st := s.drv.TxStreamerMaxNumSamps(s.handle)
	if st != driver.StatusNone {
		metrics.IncDriverError(metrics.OpMaxPacket)
		return 0, fmt.Errorf("tx max samples: %w", checkStatus(s.drv, st))
	}
	return n, nil
}

// Send transmits buffers, one per channel, as one complete burst sent
// immediately. It blocks for at most timeout and panics on the same
// buffer misuse as ReceiveStreamer.Receive.
func (s *TransmitStreamer[T]) Send(buffers [][]T, timeout time.Duration) (TransmitMetadata, error) {
	return s.SendWithMetadata(buffers, NewTransmitMetadata(), timeout)
}

// SendWithMetadata transmits buffers with the burst markers and start time
// of req. The returned metadata reports how many samples were accepted.
// Like Receive, it sizes the buffer table from the channel count read on
// the first transfer and leaves change detection to ChannelCount.
func (s *TransmitStreamer[T]) SendWithMetadata(buffers [][]T, req TransmitMetadata, timeout time.Duration) (TransmitMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return TransmitMetadata{}, ErrStreamerClosed
	}
	if !s.table.ready() {
		n, err := s.channelCount()
		if err != nil {
			return TransmitMetadata{}, err
		}
		s.table.init(n)
	}
	length := load(&s.table, buffers)
	defer s.table.clear()

	if err := s.prepare(req); err != nil {
		return TransmitMetadata{}, err
	}
	n, st := s.drv.TxStreamerSend(s.handle, s.table.ptrs, length, s.md, timeout.Seconds())
	if st != driver.StatusNone {
		metrics.IncDriverError(metrics.OpSend)
		return TransmitMetadata{}, fmt.Errorf("send: %w", checkStatus(s.drv, st))
	}
	if n < 0 || n > length {
		metrics.IncDriverError(metrics.OpSend)
		return TransmitMetadata{}, fmt.Errorf("send: %d samples from %d-sample buffers: %w", n, length, ErrSampleCount)
	}

	md, err := decodeTransmitMetadata(s.drv, s.md)
	if err != nil {
		metrics.IncDriverError(metrics.OpMetadata)
		return TransmitMetadata{}, fmt.Errorf("send metadata: %w", err)
	}
	md.samples = n
	metrics.AddTxSamples(n)
	return md, nil
}

// prepare makes sure s.md describes req.
func (s *TransmitStreamer[T]) prepare(req TransmitMetadata) error {
	if s.md != 0 && s.mdReq.sameRequest(req) {
		return nil
	}
	if st := s.drv.TxMetadataFree(&s.md); st != driver.StatusNone {
		s.releaseFailed("tx metadata", st)
		s.md = 0
	}
	t := req.time.Normalize()
	h, st := s.drv.TxMetadataMake(req.hasTime, t.Seconds, t.Fraction, req.startOfBurst, req.endOfBurst)
	if st != driver.StatusNone {
		metrics.IncDriverError(metrics.OpMetadata)
		return fmt.Errorf("make tx metadata: %w", checkStatus(s.drv, st))
	}
	s.md, s.mdReq = h, req
	return nil
}

// ReceiveAsyncMessage waits up to timeout for one transmit event. The bool
// is false when no event arrived in time.
func (s *TransmitStreamer[T]) ReceiveAsyncMessage(timeout time.Duration) (AsyncMetadata, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return AsyncMetadata{}, false, ErrStreamerClosed
	}
	ok, st := s.drv.TxStreamerRecvAsyncMsg(s.handle, s.async, timeout.Seconds())
	if st != driver.StatusNone {
		metrics.IncDriverError(metrics.OpAsync)
		return AsyncMetadata{}, false, fmt.Errorf("async message: %w", checkStatus(s.drv, st))
	}
	if !ok {
		return AsyncMetadata{}, false, nil
	}
	md, err := decodeAsyncMetadata(s.drv, s.async)
	if err != nil {
		metrics.IncDriverError(metrics.OpMetadata)
		return AsyncMetadata{}, false, fmt.Errorf("async metadata: %w", err)
	}
	if label := asyncEventLabel(md.Event); label != "" {
		metrics.IncStreamEvent(metrics.DirTx, label)
	}
	return md, true, nil
}

// Close releases the streamer. Release failures are logged, not returned.
// Close is safe to call more than once.
func (s *TransmitStreamer[T]) Close() error {
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
	metrics.StreamerClosed(metrics.DirTx)
	s.log.Debug("tx streamer closed")
	return nil
}

func (s *TransmitStreamer[T]) free() {
	if st := s.drv.TxMetadataFree(&s.md); st != driver.StatusNone {
		s.releaseFailed("tx metadata", st)
		s.md = 0
	}
	if st := s.drv.AsyncMetadataFree(&s.async); st != driver.StatusNone {
		s.releaseFailed("async metadata", st)
		s.async = 0
	}
	if st := s.drv.TxStreamerFree(&s.handle); st != driver.StatusNone {
		s.releaseFailed("tx streamer", st)
		s.handle = 0
	}
}

func (s *TransmitStreamer[T]) releaseFailed(what string, st driver.Status) {
	metrics.IncDriverError(metrics.OpRelease)
	s.log.Warn("release failed",
		logging.Field{Key: "object", Value: what},
		logging.Field{Key: "error", Value: checkStatus(s.drv, st)},
	)
}

func asyncEventLabel(code AsyncEventCode) string {
	switch code {
	case EventBurstAck:
		return metrics.EventBurstAck
	case EventUnderflow, EventUnderflowInPacket:
		return metrics.EventUnderflow
	case EventSeqError, EventSeqErrorInBurst:
		return metrics.EventSeqError
	case EventTimeError:
		return metrics.EventTimeError
	default:
		return ""
	}
}
