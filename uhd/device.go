package uhd

import (
	"fmt"
	"sync"

	"github.com/rjboer/gouhd/driver"
	"github.com/rjboer/gouhd/internal/logging"
	"github.com/rjboer/gouhd/internal/metrics"
)

// Find returns the addresses of the units matching args, for example
// "type=sim" or "addr=192.168.2.1". An empty string matches everything.
func Find(drv driver.DeviceDriver, args string) ([]string, error) {
	addrs, st := drv.Find(args)
	if st != driver.StatusNone {
		metrics.IncDriverError(metrics.OpDiscovery)
		return nil, fmt.Errorf("find %q: %w", args, checkStatus(drv, st))
	}
	return addrs, nil
}

// Option configures a Device.
type Option func(*Device)

// WithLogger sets the logger used by the device and its streamers.
func WithLogger(l logging.Logger) Option {
	return func(d *Device) {
		if l != nil {
			d.log = l
		}
	}
}

// Device is an open unit. It must outlive every streamer created from it:
// Close refuses to release the unit while streamers are open.
type Device struct {
	drv  driver.Driver
	log  logging.Logger
	args string

	mu        sync.Mutex
	handle    driver.DeviceHandle
	streamers int
}

// Open makes a device from args.
func Open(drv driver.Driver, args string, opts ...Option) (*Device, error) {
	d := &Device{drv: drv, log: logging.Default(), args: args}
	for _, opt := range opts {
		opt(d)
	}
	h, st := drv.DeviceMake(args)
	if st != driver.StatusNone {
		metrics.IncDriverError(metrics.OpOpen)
		return nil, fmt.Errorf("open device %q: %w", args, checkStatus(drv, st))
	}
	d.handle = h
	d.log = d.log.With(logging.Field{Key: "device", Value: args})
	d.log.Debug("device opened")
	return d, nil
}

// Args returns the address the device was opened with.
func (d *Device) Args() string { return d.args }

// Driver returns the driver the device was opened on.
func (d *Device) Driver() driver.Driver { return d.drv }

// NumRxChannels returns the number of receive channels of the unit.
func (d *Device) NumRxChannels() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handle == 0 {
		return 0, ErrDeviceClosed
	}
	n, st := d.drv.DeviceNumRxChannels(d.handle)
	if st != driver.StatusNone {
		metrics.IncDriverError(metrics.OpChannels)
		return 0, fmt.Errorf("rx channels: %w", checkStatus(d.drv, st))
	}
	return n, nil
}

// NumTxChannels returns the number of transmit channels of the unit.
func (d *Device) NumTxChannels() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handle == 0 {
		return 0, ErrDeviceClosed
	}
	n, st := d.drv.DeviceNumTxChannels(d.handle)
	if st != driver.StatusNone {
		metrics.IncDriverError(metrics.OpChannels)
		return 0, fmt.Errorf("tx channels: %w", checkStatus(d.drv, st))
	}
	return n, nil
}

// Close releases the unit. It returns ErrDeviceBusy while streamers are
// still open and does nothing when already closed.
func (d *Device) Close() error {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handle == 0 {
		return nil
	}
	if d.streamers > 0 {
		return fmt.Errorf("%w: %d open", ErrDeviceBusy, d.streamers)
	}
	if st := d.drv.DeviceFree(&d.handle); st != driver.StatusNone {
		metrics.IncDriverError(metrics.OpRelease)
		d.log.Warn("device release failed", logging.Field{Key: "error", Value: checkStatus(d.drv, st)})
	}
	d.handle = 0
	d.log.Debug("device closed")
	return nil
}

// acquire registers a new streamer and returns the handle to bind it to.
func (d *Device) acquire() (driver.DeviceHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handle == 0 {
		return 0, ErrDeviceClosed
	}
	d.streamers++
	return d.handle, nil
}

func (d *Device) release() {
	d.mu.Lock()
	if d.streamers > 0 {
		d.streamers--
	}
	d.mu.Unlock()
}

// StreamArgs selects the channels and wire format of a streamer. The CPU
// format follows the streamer's sample type.
type StreamArgs struct {
	// OTWFormat is the over-the-wire format, "sc16" when empty.
	OTWFormat string
	// Args holds driver specific key=value pairs.
	Args string
	// Channels lists the device channels to stream, channel 0 when empty.
	Channels []int
}

func (a StreamArgs) native(cpu driver.Format) driver.StreamArgs {
	out := driver.StreamArgs{
		CPUFormat: cpu,
		OTWFormat: a.OTWFormat,
		Args:      a.Args,
		Channels:  append([]int(nil), a.Channels...),
	}
	if out.OTWFormat == "" {
		out.OTWFormat = string(driver.FormatSC16)
	}
	if len(out.Channels) == 0 {
		out.Channels = []int{0}
	}
	return out
}
