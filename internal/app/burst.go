package app

import (
	"context"
	"fmt"
	"math"
	"math/cmplx"
	"time"

	"github.com/rjboer/gouhd/internal/dsp"
	"github.com/rjboer/gouhd/internal/logging"
	"github.com/rjboer/gouhd/internal/metrics"
	"github.com/rjboer/gouhd/internal/telemetry"
	"github.com/rjboer/gouhd/uhd"
)

// Burst transmits one burst of a complex tone and waits for the device to
// acknowledge it.
type Burst[T uhd.Sample] struct {
	tx       *uhd.TransmitStreamer[T]
	reporter telemetry.Reporter
	log      logging.Logger
	cfg      Config
	analyzer *dsp.Analyzer

	buffers [][]T
	chunk   [][]T
	tone    []complex128
	phase   float64
}

// NewBurst builds a burst over tx. NumSamples is the burst length and
// defaults to one block.
func NewBurst[T uhd.Sample](tx *uhd.TransmitStreamer[T], reporter telemetry.Reporter, logger logging.Logger, cfg Config) *Burst[T] {
	if logger == nil {
		logger = logging.Default()
	}
	if reporter == nil {
		reporter = telemetry.MultiReporter(nil)
	}
	cfg = cfg.withDefaults()
	if cfg.NumSamples == 0 {
		cfg.NumSamples = uint64(cfg.BlockSize)
	}
	b := &Burst[T]{
		tx:       tx,
		reporter: reporter,
		log:      logger.With(logging.Field{Key: "subsystem", Value: "burst"}),
		cfg:      cfg,
		analyzer: dsp.NewAnalyzer(cfg.BlockSize),
		buffers:  make([][]T, len(cfg.Channels)),
		chunk:    make([][]T, len(cfg.Channels)),
		tone:     make([]complex128, cfg.BlockSize),
	}
	for i := range b.buffers {
		b.buffers[i] = make([]T, cfg.BlockSize)
	}
	return b
}

// nextBlock fills the buffers with the next n tone samples at 0.5 full
// scale, keeping phase continuous across blocks.
func (b *Burst[T]) nextBlock(n int) {
	step := 0.0
	if b.cfg.SampleRate > 0 {
		step = 2 * math.Pi * b.cfg.ToneOffset / b.cfg.SampleRate
	}
	for k := 0; k < n; k++ {
		b.tone[k] = complex(0.5, 0) * cmplx.Exp(complex(0, b.phase))
		b.phase = math.Mod(b.phase+step, 2*math.Pi)
	}
	for i := range b.buffers {
		fromComplex(b.buffers[i][:n], b.tone[:n])
	}
}

// Run sends the burst and waits up to Timeout for each channel's burst
// acknowledgement. Partially accepted blocks are resent from the first
// rejected sample.
func (b *Burst[T]) Run(ctx context.Context) (Stats, error) {
	var stats Stats
	remaining := b.cfg.NumSamples
	first := true

	for remaining > 0 {
		n := int(min(remaining, uint64(b.cfg.BlockSize)))
		b.nextBlock(n)
		sent := 0
		for sent < n {
			select {
			case <-ctx.Done():
				return stats, ctx.Err()
			default:
			}
			last := uint64(n-sent) == remaining
			req := uhd.NewTransmitMetadata().WithBurst(first, last)
			for i, buf := range b.buffers {
				b.chunk[i] = buf[sent:n]
			}
			md, err := b.tx.SendWithMetadata(b.chunk, req, b.cfg.Timeout)
			if err != nil {
				return stats, fmt.Errorf("send burst: %w", err)
			}
			accepted := md.Samples()
			if accepted == 0 {
				return stats, fmt.Errorf("send burst: device accepted nothing with %d samples left", remaining)
			}
			first = false
			sent += accepted
			remaining -= uint64(accepted)
			stats.Samples += uint64(accepted)
		}
		stats.Blocks++
		b.report(n)
	}

	b.log.Info("burst sent", logging.Field{Key: "samples", Value: stats.Samples})
	return stats, b.awaitAcks(ctx, &stats)
}

func (b *Burst[T]) awaitAcks(ctx context.Context, stats *Stats) error {
	pending := make(map[int]bool, len(b.cfg.Channels))
	for _, ch := range b.cfg.Channels {
		pending[ch] = true
	}
	deadline := time.Now().Add(b.cfg.Timeout)
	for len(pending) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("no burst ack for %d channel(s) within %s", len(pending), b.cfg.Timeout)
		}
		ev, ok, err := b.tx.ReceiveAsyncMessage(b.cfg.Timeout / 10)
		if err != nil {
			return fmt.Errorf("await burst ack: %w", err)
		}
		if !ok {
			continue
		}
		if ev.Event == uhd.EventBurstAck {
			delete(pending, ev.Channel)
			continue
		}
		name := ev.Event.String()
		stats.event(name)
		b.reporter.Report(telemetry.Sample{Dir: metrics.DirTx, Channel: ev.Channel, Event: name})
		b.log.Warn("transmit event", logging.Field{Key: "event", Value: name}, logging.Field{Key: "channel", Value: ev.Channel})
	}
	return nil
}

func (b *Burst[T]) report(n int) {
	sum := b.analyzer.Summarize(b.tone[:n], b.cfg.SampleRate)
	now := time.Now()
	for _, ch := range b.cfg.Channels {
		b.reporter.Report(telemetry.Sample{
			Timestamp:    now,
			Dir:          metrics.DirTx,
			Channel:      ch,
			Samples:      n,
			PowerDBFS:    sum.PowerDBFS,
			PeakDBFS:     sum.PeakDBFS,
			PeakOffsetHz: sum.PeakOffsetHz,
		})
	}
}
