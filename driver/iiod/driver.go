// Package iiod implements driver.Driver for radios served by iiod over the
// network, such as the ADALM-Pluto.
//
// Each complex channel maps to an I/Q pair of scan elements on the
// configured receive and transmit devices. Buffers travel as interleaved
// sc16 and are converted to the streamer's CPU format on the host. iiod has
// no device clock, so timed commands and timed bursts are rejected with
// StatusNotImplemented and receive metadata never carries a time.
package iiod

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"strconv"
	"sync"
	"time"
	"unsafe"

	"github.com/rjboer/gouhd/driver"
	"github.com/rjboer/gouhd/internal/logging"
	"github.com/rjboer/gouhd/internal/mdns"
)

// Config describes how units are reached and laid out.
type Config struct {
	DialTimeout time.Duration
	IOTimeout   time.Duration
	Retries     uint64

	// RxDevice and TxDevice name the buffer devices; the args keys
	// rx_device and tx_device override them per unit.
	RxDevice string
	TxDevice string
	// BufferSamples is the receive buffer size, which is also the largest
	// packet.
	BufferSamples int

	DiscoveryTimeout time.Duration
	// Discover browses for units. It defaults to an mDNS browse for iiod.
	Discover func(ctx context.Context) ([]mdns.Host, error)

	Logger logging.Logger
}

func (c Config) withDefaults() Config {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 3 * time.Second
	}
	if c.IOTimeout <= 0 {
		c.IOTimeout = 5 * time.Second
	}
	if c.RxDevice == "" {
		c.RxDevice = "cf-ad9361-lpc"
	}
	if c.TxDevice == "" {
		c.TxDevice = "cf-ad9361-dds-core-lpc"
	}
	if c.BufferSamples <= 0 {
		c.BufferSamples = 4096
	}
	if c.DiscoveryTimeout <= 0 {
		c.DiscoveryTimeout = 2 * time.Second
	}
	if c.Discover == nil {
		c.Discover = mdns.DiscoverIIOD
	}
	if c.Logger == nil {
		c.Logger = logging.Default()
	}
	return c
}

type unit struct {
	client *Client
	addr   string
	rx     streamDevice
	tx     streamDevice
}

type stream struct {
	unit     *unit
	dev      streamDevice
	channels []int
	slot     []int
	format   driver.Format
	wire     []byte
	views    []driver.View
	open     bool
}

func (s *stream) bound() bool { return s.unit != nil }

type rxStream struct {
	stream
	finite    bool
	remaining uint64
	sob       bool
}

type txStream struct {
	stream
	async []driver.AsyncMetadata
}

// Driver reaches iiod units over TCP. The zero value is not usable; call New.
type Driver struct {
	driver.MetadataStore

	cfg Config
	log logging.Logger

	mu      sync.Mutex
	next    uintptr
	lastErr string
	units   map[driver.DeviceHandle]*unit
	rx      map[driver.RxStreamerHandle]*rxStream
	tx      map[driver.TxStreamerHandle]*txStream
}

var _ driver.Driver = (*Driver)(nil)

// New builds a driver.
func New(cfg Config) *Driver {
	cfg = cfg.withDefaults()
	return &Driver{
		cfg:   cfg,
		log:   cfg.Logger.With(logging.Field{Key: "driver", Value: "iiod"}),
		units: make(map[driver.DeviceHandle]*unit),
		rx:    make(map[driver.RxStreamerHandle]*rxStream),
		tx:    make(map[driver.TxStreamerHandle]*txStream),
	}
}

func (d *Driver) fail(status driver.Status, format string, args ...any) driver.Status {
	d.mu.Lock()
	d.lastErr = fmt.Sprintf(format, args...)
	d.mu.Unlock()
	return status
}

// failErr records err and maps it to a status.
func (d *Driver) failErr(err error) driver.Status {
	return d.fail(statusOf(err), "%v", err)
}

func (d *Driver) LastError() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastErr
}

// statusOf maps transport and remote errors to driver statuses.
func statusOf(err error) driver.Status {
	var re *RemoteError
	if errors.As(err, &re) {
		switch re.Errno {
		case 2: // ENOENT
			return driver.StatusKey
		case 16: // EBUSY
			return driver.StatusRuntime
		case 19: // ENODEV
			return driver.StatusLookup
		case 22: // EINVAL
			return driver.StatusValue
		case 38: // ENOSYS
			return driver.StatusNotImplemented
		}
	}
	return driver.StatusIO
}

// serverTimeout rounds a call timeout in seconds up to the millisecond
// resolution of the TIMEOUT command. iiod reads zero as "wait forever", so
// a poll becomes one millisecond.
func serverTimeout(timeout float64) time.Duration {
	ms := math.Ceil(timeout*1000 - 1e-6)
	if ms < 1 {
		ms = 1
	}
	return time.Duration(ms) * time.Millisecond
}

// bufferCall bounds the device side of a buffer operation by timeout and
// gives the connection IOTimeout on top of it to deliver the reply.
func (d *Driver) bufferCall(c *Client, timeout float64) (context.Context, context.CancelFunc, error) {
	server := serverTimeout(timeout)
	ctx, cancel := context.WithTimeout(context.Background(), server+d.cfg.IOTimeout)
	if err := c.SetTimeout(ctx, server); err != nil {
		cancel()
		return nil, nil, err
	}
	return ctx, cancel, nil
}

func unitAddress(addr string, port int, name string) string {
	a := driver.Args{"type": "iiod", "addr": addr}
	if port != 0 && port != DefaultPort {
		a["port"] = strconv.Itoa(port)
	}
	if name != "" {
		a["name"] = name
	}
	return a.String()
}

// Find lists units matching args. An explicit addr is returned as is;
// otherwise units are discovered with Config.Discover.
func (d *Driver) Find(args string) ([]string, driver.Status) {
	filter := driver.ParseArgs(args)
	delete(filter, "rx_device")
	delete(filter, "tx_device")
	if t := filter.Get("type", "iiod"); t != "iiod" {
		return nil, driver.StatusNone
	}
	if addr := filter.Get("addr", ""); addr != "" {
		port, _ := strconv.Atoi(filter.Get("port", ""))
		return []string{unitAddress(addr, port, "")}, driver.StatusNone
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.DiscoveryTimeout)
	defer cancel()
	hosts, err := d.cfg.Discover(ctx)
	if err != nil {
		return nil, d.fail(driver.StatusIO, "discover iiod: %v", err)
	}
	var out []string
	for _, h := range hosts {
		if len(h.Addresses) == 0 {
			continue
		}
		addr := unitAddress(h.Addresses[0].String(), h.Port, h.Instance)
		if driver.ParseArgs(addr).Matches(filter) {
			out = append(out, addr)
		}
	}
	return out, driver.StatusNone
}

func (d *Driver) DeviceMake(args string) (driver.DeviceHandle, driver.Status) {
	a := driver.ParseArgs(args)
	addr := a.Get("addr", "")
	if addr == "" {
		found, st := d.Find(args)
		if st != driver.StatusNone {
			return 0, st
		}
		if len(found) == 0 {
			return 0, d.fail(driver.StatusLookup, "no iiod unit matches %q", args)
		}
		a = driver.ParseArgs(found[0])
		addr = a.Get("addr", "")
	}
	if port := a.Get("port", ""); port != "" {
		addr = net.JoinHostPort(addr, port)
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.IOTimeout+d.cfg.DialTimeout*time.Duration(d.cfg.Retries+1))
	defer cancel()
	client, err := Dial(ctx, addr, DialOptions{
		Timeout:   d.cfg.DialTimeout,
		Retries:   d.cfg.Retries,
		IOTimeout: d.cfg.IOTimeout,
		Logger:    d.log,
	})
	if err != nil {
		return 0, d.fail(driver.StatusIO, "%v", err)
	}
	xmlData, err := client.Print(ctx)
	if err != nil {
		_ = client.Close()
		return 0, d.failErr(err)
	}
	rc, err := parseContext(xmlData)
	if err != nil {
		_ = client.Close()
		return 0, d.fail(driver.StatusRuntime, "%v", err)
	}

	u := &unit{
		client: client,
		addr:   client.Addr(),
		rx:     rc.streamDevice(a.Get("rx_device", d.cfg.RxDevice), false),
		tx:     rc.streamDevice(a.Get("tx_device", d.cfg.TxDevice), true),
	}
	d.log.Info("iiod unit opened",
		logging.Field{Key: "addr", Value: u.addr},
		logging.Field{Key: "context", Value: rc.Name},
		logging.Field{Key: "rx_channels", Value: u.rx.Channels()},
		logging.Field{Key: "tx_channels", Value: u.tx.Channels()},
	)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.next++
	h := driver.DeviceHandle(d.next)
	d.units[h] = u
	return h, driver.StatusNone
}

func (d *Driver) DeviceFree(h *driver.DeviceHandle) driver.Status {
	if h == nil || *h == 0 {
		return driver.StatusNone
	}
	d.mu.Lock()
	u, ok := d.units[*h]
	if !ok {
		d.lastErr = fmt.Sprintf("unknown device handle %d", *h)
		d.mu.Unlock()
		return driver.StatusInvalidDevice
	}
	delete(d.units, *h)
	d.mu.Unlock()

	*h = 0
	if err := u.client.Close(); err != nil {
		return d.failErr(err)
	}
	return driver.StatusNone
}

func (d *Driver) lookupUnit(h driver.DeviceHandle) (*unit, driver.Status) {
	d.mu.Lock()
	u, ok := d.units[h]
	d.mu.Unlock()
	if !ok {
		return nil, d.fail(driver.StatusInvalidDevice, "unknown device handle %d", h)
	}
	return u, driver.StatusNone
}

func (d *Driver) DeviceNumRxChannels(h driver.DeviceHandle) (int, driver.Status) {
	u, st := d.lookupUnit(h)
	if st != driver.StatusNone {
		return 0, st
	}
	return u.rx.Channels(), driver.StatusNone
}

func (d *Driver) DeviceNumTxChannels(h driver.DeviceHandle) (int, driver.Status) {
	u, st := d.lookupUnit(h)
	if st != driver.StatusNone {
		return 0, st
	}
	return u.tx.Channels(), driver.StatusNone
}

// bind validates args against sd and prepares s.
func (d *Driver) bind(s *stream, u *unit, sd streamDevice, args driver.StreamArgs) driver.Status {
	if err := args.CPUFormat.Validate(); err != nil {
		return d.fail(driver.StatusValue, "%v", err)
	}
	if args.OTWFormat != "" && args.OTWFormat != string(driver.FormatSC16) {
		return d.fail(driver.StatusValue, "iiod carries sc16 only, not %q", args.OTWFormat)
	}
	if len(args.Channels) == 0 {
		return d.fail(driver.StatusValue, "no channels selected")
	}
	seen := make(map[int]bool, len(args.Channels))
	for _, ch := range args.Channels {
		if ch < 0 || ch >= sd.Channels() {
			return d.fail(driver.StatusIndex, "channel %d out of range [0,%d) on %s", ch, sd.Channels(), sd.Name)
		}
		if seen[ch] {
			return d.fail(driver.StatusValue, "channel %d selected twice", ch)
		}
		seen[ch] = true
	}
	s.unit = u
	s.dev = sd
	s.channels = append([]int(nil), args.Channels...)
	s.slot = frameSlots(s.channels)
	s.format = args.CPUFormat
	s.views = make([]driver.View, len(s.channels))
	return driver.StatusNone
}

func (d *Driver) DeviceGetRxStream(h driver.DeviceHandle, args driver.StreamArgs, sh driver.RxStreamerHandle) driver.Status {
	u, st := d.lookupUnit(h)
	if st != driver.StatusNone {
		return st
	}
	s, st := d.rxStream(sh, false)
	if st != driver.StatusNone {
		return st
	}
	return d.bind(&s.stream, u, u.rx, args)
}

func (d *Driver) DeviceGetTxStream(h driver.DeviceHandle, args driver.StreamArgs, sh driver.TxStreamerHandle) driver.Status {
	u, st := d.lookupUnit(h)
	if st != driver.StatusNone {
		return st
	}
	s, st := d.txStream(sh, false)
	if st != driver.StatusNone {
		return st
	}
	return d.bind(&s.stream, u, u.tx, args)
}

func (d *Driver) rxStream(h driver.RxStreamerHandle, needBound bool) (*rxStream, driver.Status) {
	d.mu.Lock()
	s, ok := d.rx[h]
	d.mu.Unlock()
	if !ok || (needBound && !s.bound()) {
		return nil, d.fail(driver.StatusInvalidDevice, "rx streamer %d is not bound", h)
	}
	return s, driver.StatusNone
}

func (d *Driver) txStream(h driver.TxStreamerHandle, needBound bool) (*txStream, driver.Status) {
	d.mu.Lock()
	s, ok := d.tx[h]
	d.mu.Unlock()
	if !ok || (needBound && !s.bound()) {
		return nil, d.fail(driver.StatusInvalidDevice, "tx streamer %d is not bound", h)
	}
	return s, driver.StatusNone
}

func (d *Driver) RxStreamerMake() (driver.RxStreamerHandle, driver.Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.next++
	h := driver.RxStreamerHandle(d.next)
	d.rx[h] = &rxStream{}
	return h, driver.StatusNone
}

func (d *Driver) RxStreamerFree(h *driver.RxStreamerHandle) driver.Status {
	if h == nil || *h == 0 {
		return driver.StatusNone
	}
	d.mu.Lock()
	s, ok := d.rx[*h]
	delete(d.rx, *h)
	d.mu.Unlock()
	if !ok {
		return d.fail(driver.StatusInvalidDevice, "unknown rx streamer handle %d", *h)
	}
	*h = 0
	return d.closeBuffer(&s.stream)
}

func (d *Driver) closeBuffer(s *stream) driver.Status {
	if !s.open {
		return driver.StatusNone
	}
	s.open = false
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.IOTimeout)
	defer cancel()
	if err := s.unit.client.CloseBuffer(ctx, s.dev.Name); err != nil {
		return d.failErr(err)
	}
	return driver.StatusNone
}

func (d *Driver) openBuffer(s *stream, samples int) driver.Status {
	if s.open {
		return driver.StatusNone
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.IOTimeout)
	defer cancel()
	if err := s.unit.client.Open(ctx, s.dev.Name, samples, s.dev.mask(s.channels), false); err != nil {
		return d.failErr(err)
	}
	s.open = true
	return driver.StatusNone
}

func (d *Driver) RxStreamerNumChannels(h driver.RxStreamerHandle) (int, driver.Status) {
	s, st := d.rxStream(h, false)
	if st != driver.StatusNone {
		return 0, st
	}
	return len(s.channels), driver.StatusNone
}

func (d *Driver) RxStreamerMaxNumSamps(h driver.RxStreamerHandle) (int, driver.Status) {
	if _, st := d.rxStream(h, false); st != driver.StatusNone {
		return 0, st
	}
	return d.cfg.BufferSamples, driver.StatusNone
}

func (d *Driver) RxStreamerIssueStreamCmd(h driver.RxStreamerHandle, cmd driver.StreamCmd) driver.Status {
	s, st := d.rxStream(h, true)
	if st != driver.StatusNone {
		return st
	}
	if !cmd.StreamNow {
		return d.fail(driver.StatusNotImplemented, "iiod has no device clock for timed commands")
	}
	switch cmd.Mode {
	case driver.StreamModeStartContinuous:
		s.finite = false
	case driver.StreamModeStopContinuous:
		return d.closeBuffer(&s.stream)
	case driver.StreamModeNumSampsAndDone, driver.StreamModeNumSampsAndMore:
		if cmd.NumSamps == 0 {
			return d.fail(driver.StatusValue, "num_samps must be positive for %s", cmd.Mode)
		}
		s.finite = true
		s.remaining = cmd.NumSamps
	default:
		return d.fail(driver.StatusValue, "unknown stream mode %d", int(cmd.Mode))
	}
	if !s.open {
		s.sob = true
	}
	return d.openBuffer(&s.stream, d.cfg.BufferSamples)
}

// prepare sizes the wire buffer for n frames and wraps the caller buffers.
func (s *stream) prepare(buffs []unsafe.Pointer, sampsPerBuff, n int) []byte {
	size := n * wireSampleSize * len(s.channels)
	if cap(s.wire) < size {
		s.wire = make([]byte, size)
	}
	for i, p := range buffs {
		s.views[i] = driver.NewView(s.format, p, sampsPerBuff)
	}
	return s.wire[:size]
}

func (d *Driver) RxStreamerRecv(h driver.RxStreamerHandle, buffs []unsafe.Pointer, sampsPerBuff int, md driver.RxMetadataHandle, timeout float64, onePacket bool) (int, driver.Status) {
	s, st := d.rxStream(h, true)
	if st != driver.StatusNone {
		return 0, st
	}
	if len(buffs) != len(s.channels) {
		return 0, d.fail(driver.StatusValue, "got %d buffers for %d channels", len(buffs), len(s.channels))
	}
	if !s.open {
		if st := d.MetadataStore.SetRx(md, driver.RxMetadata{ErrorCode: driver.RxErrorTimeout}); st != driver.StatusNone {
			return 0, d.fail(st, "unknown rx metadata handle %d", md)
		}
		return 0, driver.StatusNone
	}

	n := sampsPerBuff
	if onePacket {
		n = min(n, d.cfg.BufferSamples)
	}
	if s.finite {
		n = int(min(uint64(n), s.remaining))
	}
	wire := s.prepare(buffs, sampsPerBuff, n)
	defer clear(s.views)

	got := 0
	ctx, cancel, err := d.bufferCall(s.unit.client, timeout)
	if err == nil {
		defer cancel()
		got, err = s.unit.client.ReadBuf(ctx, s.dev.Name, wire)
	}
	if errors.Is(err, ErrTimeout) {
		if st := d.MetadataStore.SetRx(md, driver.RxMetadata{ErrorCode: driver.RxErrorTimeout}); st != driver.StatusNone {
			return 0, d.fail(st, "unknown rx metadata handle %d", md)
		}
		return 0, driver.StatusNone
	}
	if err != nil {
		return 0, d.failErr(err)
	}

	var meta driver.RxMetadata
	frameSize := wireSampleSize * len(s.channels)
	frames := got / frameSize
	if rest := got % frameSize; rest != 0 {
		d.log.Warn("partial frame dropped",
			logging.Field{Key: "device", Value: s.dev.Name},
			logging.Field{Key: "bytes", Value: rest},
		)
		meta.ErrorCode = driver.RxErrorBadPacket
	}
	deinterleave(wire, s.views, s.slot, frames)

	meta.StartOfBurst = s.sob && frames > 0
	if frames > 0 {
		s.sob = false
	}
	if s.finite {
		s.remaining -= uint64(frames)
		if s.remaining == 0 {
			meta.EndOfBurst = true
			if st := d.closeBuffer(&s.stream); st != driver.StatusNone {
				return 0, st
			}
		}
	}
	if st := d.MetadataStore.SetRx(md, meta); st != driver.StatusNone {
		return 0, d.fail(st, "unknown rx metadata handle %d", md)
	}
	return frames, driver.StatusNone
}

func (d *Driver) TxStreamerMake() (driver.TxStreamerHandle, driver.Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.next++
	h := driver.TxStreamerHandle(d.next)
	d.tx[h] = &txStream{}
	return h, driver.StatusNone
}

func (d *Driver) TxStreamerFree(h *driver.TxStreamerHandle) driver.Status {
	if h == nil || *h == 0 {
		return driver.StatusNone
	}
	d.mu.Lock()
	s, ok := d.tx[*h]
	delete(d.tx, *h)
	d.mu.Unlock()
	if !ok {
		return d.fail(driver.StatusInvalidDevice, "unknown tx streamer handle %d", *h)
	}
	*h = 0
	return d.closeBuffer(&s.stream)
}

func (d *Driver) TxStreamerNumChannels(h driver.TxStreamerHandle) (int, driver.Status) {
	s, st := d.txStream(h, false)
	if st != driver.StatusNone {
		return 0, st
	}
	return len(s.channels), driver.StatusNone
}

func (d *Driver) TxStreamerMaxNumSamps(h driver.TxStreamerHandle) (int, driver.Status) {
	if _, st := d.txStream(h, false); st != driver.StatusNone {
		return 0, st
	}
	return d.cfg.BufferSamples, driver.StatusNone
}

func (d *Driver) TxStreamerSend(h driver.TxStreamerHandle, buffs []unsafe.Pointer, sampsPerBuff int, md driver.TxMetadataHandle, timeout float64) (int, driver.Status) {
	s, st := d.txStream(h, true)
	if st != driver.StatusNone {
		return 0, st
	}
	if len(buffs) != len(s.channels) {
		return 0, d.fail(driver.StatusValue, "got %d buffers for %d channels", len(buffs), len(s.channels))
	}
	meta, st := d.MetadataStore.Tx(md)
	if st != driver.StatusNone {
		return 0, d.fail(st, "unknown tx metadata handle %d", md)
	}
	if meta.HasTimeSpec {
		return 0, d.fail(driver.StatusNotImplemented, "iiod has no device clock for timed bursts")
	}
	if st := d.openBuffer(&s.stream, sampsPerBuff); st != driver.StatusNone {
		return 0, st
	}

	wire := s.prepare(buffs, sampsPerBuff, sampsPerBuff)
	interleave(wire, s.views, s.slot, sampsPerBuff)
	clear(s.views)

	ctx, cancel, err := d.bufferCall(s.unit.client, timeout)
	written := 0
	if err == nil {
		defer cancel()
		written, err = s.unit.client.WriteBuf(ctx, s.dev.Name, wire)
	}
	if errors.Is(err, ErrTimeout) {
		return 0, driver.StatusNone
	}
	if err != nil {
		return 0, d.failErr(err)
	}
	accepted := min(written/(wireSampleSize*len(s.channels)), sampsPerBuff)

	if meta.EndOfBurst && accepted == sampsPerBuff {
		if st := d.closeBuffer(&s.stream); st != driver.StatusNone {
			return accepted, st
		}
		for _, ch := range s.channels {
			s.async = append(s.async, driver.AsyncMetadata{Channel: ch, Event: driver.AsyncEventBurstAck})
		}
	}
	return accepted, driver.StatusNone
}

func (d *Driver) TxStreamerRecvAsyncMsg(h driver.TxStreamerHandle, md driver.AsyncMetadataHandle, timeout float64) (bool, driver.Status) {
	s, st := d.txStream(h, false)
	if st != driver.StatusNone {
		return false, st
	}
	if len(s.async) == 0 {
		return false, driver.StatusNone
	}
	ev := s.async[0]
	s.async = s.async[1:]
	if st := d.MetadataStore.SetAsync(md, ev); st != driver.StatusNone {
		return false, d.fail(st, "unknown async metadata handle %d", md)
	}
	return true, driver.StatusNone
}
