// Package app runs receive captures and transmit bursts on top of package
// uhd and reports them to telemetry.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rjboer/gouhd/internal/dsp"
	"github.com/rjboer/gouhd/internal/logging"
	"github.com/rjboer/gouhd/internal/metrics"
	"github.com/rjboer/gouhd/internal/telemetry"
	"github.com/rjboer/gouhd/uhd"
)

// Config captures the streaming loop settings shared by Capture and Burst.
type Config struct {
	// Channels lists the device channels; empty means channel 0.
	Channels []int
	// BlockSize is the per-channel buffer length of each call.
	BlockSize int
	Timeout   time.Duration
	OnePacket bool
	// NumSamples bounds a capture or sets the burst length. Zero captures
	// until the context ends.
	NumSamples uint64
	// WarmupBlocks are received and dropped before reporting starts.
	WarmupBlocks int
	// SampleRate is used for telemetry frequency offsets only.
	SampleRate float64
	// ToneOffset is the frequency of the transmitted tone in Hz.
	ToneOffset float64
	// MaxEvents bounds the stream events tolerated before a capture
	// gives up. Zero tolerates any number.
	MaxEvents int
}

func (c Config) withDefaults() Config {
	if len(c.Channels) == 0 {
		c.Channels = []int{0}
	}
	if c.BlockSize <= 0 {
		c.BlockSize = 4096
	}
	if c.Timeout <= 0 {
		c.Timeout = time.Second
	}
	return c
}

// Stats summarises a finished run.
type Stats struct {
	Blocks  int
	Samples uint64
	Events  map[string]int
}

func (s *Stats) event(name string) {
	if s.Events == nil {
		s.Events = make(map[string]int)
	}
	s.Events[name]++
}

// ErrStalled is returned when a receive times out before the capture is
// complete.
var ErrStalled = errors.New("capture stalled")

// Capture drives a receive streamer and reports every block.
type Capture[T uhd.Sample] struct {
	rx       *uhd.ReceiveStreamer[T]
	reporter telemetry.Reporter
	log      logging.Logger
	cfg      Config
	analyzer *dsp.Analyzer

	buffers [][]T
	scratch []complex128
}

// NewCapture builds a capture over rx. cfg.Channels must match the channels
// rx was created for; they label telemetry.
func NewCapture[T uhd.Sample](rx *uhd.ReceiveStreamer[T], reporter telemetry.Reporter, logger logging.Logger, cfg Config) *Capture[T] {
	if logger == nil {
		logger = logging.Default()
	}
	if reporter == nil {
		reporter = telemetry.MultiReporter(nil)
	}
	cfg = cfg.withDefaults()
	c := &Capture[T]{
		rx:       rx,
		reporter: reporter,
		log:      logger.With(logging.Field{Key: "subsystem", Value: "capture"}),
		cfg:      cfg,
		analyzer: dsp.NewAnalyzer(cfg.BlockSize),
		buffers:  make([][]T, len(cfg.Channels)),
	}
	for i := range c.buffers {
		c.buffers[i] = make([]T, cfg.BlockSize)
	}
	return c
}

// Run starts streaming and receives until NumSamples arrived or ctx ends.
// Continuous streaming is stopped before Run returns.
func (c *Capture[T]) Run(ctx context.Context) (Stats, error) {
	var stats Stats

	cmd := uhd.StartContinuous()
	if c.cfg.NumSamples > 0 {
		cmd = uhd.NumSamplesAndDone(c.cfg.NumSamples)
	}
	if err := c.rx.SendCommand(cmd); err != nil {
		return stats, fmt.Errorf("start capture: %w", err)
	}
	c.log.Info("capture started",
		logging.Field{Key: "command", Value: cmd.String()},
		logging.Field{Key: "channels", Value: c.cfg.Channels},
		logging.Field{Key: "block_size", Value: c.cfg.BlockSize},
	)
	if c.cfg.NumSamples == 0 {
		defer func() {
			if err := c.rx.SendCommand(uhd.StopContinuous()); err != nil {
				c.log.Warn("stop capture", logging.Field{Key: "error", Value: err})
			}
		}()
	}

	warmup := c.cfg.WarmupBlocks
	events := 0
	for {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		default:
		}

		md, err := c.rx.Receive(c.buffers, c.cfg.Timeout, c.cfg.OnePacket)
		var serr *uhd.StreamError
		switch {
		case errors.As(err, &serr):
			name := serr.Code.String()
			stats.event(name)
			c.reporter.Report(telemetry.Sample{Dir: metrics.DirRx, Event: name})
			events++
			if c.cfg.MaxEvents > 0 && events > c.cfg.MaxEvents {
				return stats, fmt.Errorf("too many stream events: %w", err)
			}
			c.log.Warn("stream event", logging.Field{Key: "event", Value: name})
		case err != nil:
			return stats, err
		case md.TimedOut():
			return stats, fmt.Errorf("%w after %d samples", ErrStalled, stats.Samples)
		}

		n := md.Samples()
		if n > 0 && warmup > 0 {
			warmup--
		} else if n > 0 {
			stats.Blocks++
			stats.Samples += uint64(n)
			c.report(n)
		}
		if md.EndOfBurst() && c.cfg.NumSamples > 0 {
			c.log.Info("capture complete",
				logging.Field{Key: "blocks", Value: stats.Blocks},
				logging.Field{Key: "samples", Value: stats.Samples},
			)
			return stats, nil
		}
	}
}

func (c *Capture[T]) report(n int) {
	now := time.Now()
	for i, ch := range c.cfg.Channels {
		c.scratch = toComplex(c.scratch, c.buffers[i][:n])
		sum := c.analyzer.Summarize(c.scratch, c.cfg.SampleRate)
		c.reporter.Report(telemetry.Sample{
			Timestamp:    now,
			Dir:          metrics.DirRx,
			Channel:      ch,
			Samples:      n,
			PowerDBFS:    sum.PowerDBFS,
			PeakDBFS:     sum.PeakDBFS,
			PeakOffsetHz: sum.PeakOffsetHz,
		})
	}
}
