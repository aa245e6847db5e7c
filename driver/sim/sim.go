// Package sim implements driver.Driver with an in-process simulated radio.
//
// The simulated unit produces a complex tone on every receive channel and
// records what is transmitted. Tests steer it with hooks, one-shot fault
// injection and call counters.
package sim

import (
	"fmt"
	"math"
	"sync"
	"unsafe"

	"github.com/rjboer/gouhd/driver"
)

// Op names a native call for fault injection and call counting.
type Op string

const (
	OpDeviceMake     Op = "device_make"
	OpDeviceFree     Op = "device_free"
	OpGetRxStream    Op = "get_rx_stream"
	OpGetTxStream    Op = "get_tx_stream"
	OpRxMake         Op = "rx_streamer_make"
	OpRxFree         Op = "rx_streamer_free"
	OpTxMake         Op = "tx_streamer_make"
	OpTxFree         Op = "tx_streamer_free"
	OpNumChannels    Op = "num_channels"
	OpIssueStreamCmd Op = "issue_stream_cmd"
	OpRecv           Op = "recv"
	OpSend           Op = "send"
	OpRecvAsync      Op = "recv_async_msg"
)

// Config describes the simulated unit.
type Config struct {
	Serial            string
	RxChannels        int
	TxChannels        int
	MaxSampsPerPacket int
	SampleRate        float64
	ToneHz            float64
	Amplitude         float64
}

func (c Config) withDefaults() Config {
	if c.Serial == "" {
		c.Serial = "sim0"
	}
	if c.RxChannels <= 0 {
		c.RxChannels = 2
	}
	if c.TxChannels <= 0 {
		c.TxChannels = 2
	}
	if c.MaxSampsPerPacket <= 0 {
		c.MaxSampsPerPacket = 2000
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 1e6
	}
	if c.ToneHz == 0 {
		c.ToneHz = 100e3
	}
	if c.Amplitude == 0 {
		c.Amplitude = 0.5
	}
	return c
}

// RecvCall describes one receive request as seen by the device.
type RecvCall struct {
	Channels  int
	Requested int
	OnePacket bool
	Timeout   float64
	Streaming bool
}

// RecvResult is the device's answer to a receive request. Samples may
// exceed the request to emulate a misbehaving driver; only the requested
// number is written into the buffers.
type RecvResult struct {
	Samples int
	Meta    driver.RxMetadata
}

// RecvHook replaces the default sample production.
type RecvHook func(RecvCall) RecvResult

// FillAll answers every request with a full buffer and no error.
func FillAll(call RecvCall) RecvResult {
	return RecvResult{Samples: call.Requested}
}

// Silent answers every request with a timeout and no samples.
func Silent(RecvCall) RecvResult {
	return RecvResult{Meta: driver.RxMetadata{ErrorCode: driver.RxErrorTimeout}}
}

type fault struct {
	status  driver.Status
	message string
}

type rxStream struct {
	bound     bool
	channels  []int
	format    driver.Format
	streaming bool
	finite    bool
	remaining uint64
	sob       bool
	produced  uint64
}

type txStream struct {
	bound    bool
	channels []int
	format   driver.Format
	sent     uint64
}

// Driver is a simulated device driver. The zero value is not usable; call New.
type Driver struct {
	driver.MetadataStore

	cfg  Config
	addr string

	mu          sync.Mutex
	next        uintptr
	lastErr     string
	devices     map[driver.DeviceHandle]struct{}
	rx          map[driver.RxStreamerHandle]*rxStream
	tx          map[driver.TxStreamerHandle]*txStream
	faults      map[Op]fault
	calls       map[Op]int
	recvHook    RecvHook
	acceptLimit int
	numChansFix int
	commands    []driver.StreamCmd
	recvPtrs    [][]uintptr
	sendPtrs    [][]uintptr
	sentData    map[int][]complex128
	async       []driver.AsyncMetadata
}

var _ driver.Driver = (*Driver)(nil)

// New builds a simulated driver hosting one unit.
func New(cfg Config) *Driver {
	cfg = cfg.withDefaults()
	return &Driver{
		cfg:      cfg,
		addr:     "type=sim,serial=" + cfg.Serial,
		devices:  make(map[driver.DeviceHandle]struct{}),
		rx:       make(map[driver.RxStreamerHandle]*rxStream),
		tx:       make(map[driver.TxStreamerHandle]*txStream),
		faults:   make(map[Op]fault),
		calls:    make(map[Op]int),
		sentData: make(map[int][]complex128),
	}
}

// Config returns the effective configuration.
func (d *Driver) Config() Config { return d.cfg }

// OnRecv installs a hook that decides how receive requests are answered.
// A nil hook restores the default stream-command driven behaviour.
func (d *Driver) OnRecv(h RecvHook) {
	d.mu.Lock()
	d.recvHook = h
	d.mu.Unlock()
}

// FailNext makes the next call of op return status with message.
func (d *Driver) FailNext(op Op, status driver.Status, message string) {
	d.mu.Lock()
	d.faults[op] = fault{status: status, message: message}
	d.mu.Unlock()
}

// SetTxAcceptLimit caps the samples accepted per send; 0 removes the cap.
func (d *Driver) SetTxAcceptLimit(n int) {
	d.mu.Lock()
	d.acceptLimit = n
	d.mu.Unlock()
}

// OverrideNumChannels makes every streamer report n channels; 0 disables.
func (d *Driver) OverrideNumChannels(n int) {
	d.mu.Lock()
	d.numChansFix = n
	d.mu.Unlock()
}

// PushAsync queues a transmit event for RecvAsyncMsg.
func (d *Driver) PushAsync(md driver.AsyncMetadata) {
	d.mu.Lock()
	d.async = append(d.async, md)
	d.mu.Unlock()
}

// Calls returns how many times op was invoked.
func (d *Driver) Calls(op Op) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[op]
}

// Commands returns the stream commands issued so far.
func (d *Driver) Commands() []driver.StreamCmd {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]driver.StreamCmd(nil), d.commands...)
}

// RecvPointers returns the buffer addresses seen by each receive call.
func (d *Driver) RecvPointers() [][]uintptr {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][]uintptr(nil), d.recvPtrs...)
}

// SendPointers returns the buffer addresses seen by each send call.
func (d *Driver) SendPointers() [][]uintptr {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][]uintptr(nil), d.sendPtrs...)
}

// Sent returns every sample accepted on the given transmit channel.
func (d *Driver) Sent(channel int) []complex128 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]complex128(nil), d.sentData[channel]...)
}

// LiveStreamers returns the number of streamer handles not yet freed.
func (d *Driver) LiveStreamers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.rx) + len(d.tx)
}

// LiveDevices returns the number of device handles not yet freed.
func (d *Driver) LiveDevices() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.devices)
}

// enter counts the call and consumes a pending fault. Callers hold d.mu.
func (d *Driver) enter(op Op) driver.Status {
	d.calls[op]++
	if f, ok := d.faults[op]; ok {
		delete(d.faults, op)
		d.lastErr = f.message
		return f.status
	}
	return driver.StatusNone
}

func (d *Driver) fail(status driver.Status, format string, args ...any) driver.Status {
	d.lastErr = fmt.Sprintf(format, args...)
	return status
}

func (d *Driver) LastError() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastErr
}

func (d *Driver) Find(args string) ([]string, driver.Status) {
	if !driver.ParseArgs(d.addr).Matches(driver.ParseArgs(args)) {
		return nil, driver.StatusNone
	}
	return []string{d.addr}, driver.StatusNone
}

func (d *Driver) DeviceMake(args string) (driver.DeviceHandle, driver.Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if st := d.enter(OpDeviceMake); st != driver.StatusNone {
		return 0, st
	}
	if !driver.ParseArgs(d.addr).Matches(driver.ParseArgs(args)) {
		return 0, d.fail(driver.StatusLookup, "no simulated device matches %q", args)
	}
	d.next++
	h := driver.DeviceHandle(d.next)
	d.devices[h] = struct{}{}
	return h, driver.StatusNone
}

func (d *Driver) DeviceFree(h *driver.DeviceHandle) driver.Status {
	if h == nil || *h == 0 {
		return driver.StatusNone
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if st := d.enter(OpDeviceFree); st != driver.StatusNone {
		return st
	}
	if _, ok := d.devices[*h]; !ok {
		return d.fail(driver.StatusInvalidDevice, "unknown device handle %d", *h)
	}
	delete(d.devices, *h)
	*h = 0
	return driver.StatusNone
}

func (d *Driver) DeviceNumRxChannels(h driver.DeviceHandle) (int, driver.Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.devices[h]; !ok {
		return 0, d.fail(driver.StatusInvalidDevice, "unknown device handle %d", h)
	}
	return d.cfg.RxChannels, driver.StatusNone
}

func (d *Driver) DeviceNumTxChannels(h driver.DeviceHandle) (int, driver.Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.devices[h]; !ok {
		return 0, d.fail(driver.StatusInvalidDevice, "unknown device handle %d", h)
	}
	return d.cfg.TxChannels, driver.StatusNone
}

// checkArgs validates stream arguments against a channel limit. Callers hold d.mu.
func (d *Driver) checkArgs(args driver.StreamArgs, limit int) driver.Status {
	if err := args.CPUFormat.Validate(); err != nil {
		return d.fail(driver.StatusValue, "%v", err)
	}
	switch args.OTWFormat {
	case "", "sc16", "sc8":
	default:
		return d.fail(driver.StatusValue, "unsupported otw format %q", args.OTWFormat)
	}
	if len(args.Channels) == 0 {
		return d.fail(driver.StatusValue, "no channels selected")
	}
	for _, ch := range args.Channels {
		if ch < 0 || ch >= limit {
			return d.fail(driver.StatusIndex, "channel %d out of range [0,%d)", ch, limit)
		}
	}
	return driver.StatusNone
}

func (d *Driver) DeviceGetRxStream(h driver.DeviceHandle, args driver.StreamArgs, s driver.RxStreamerHandle) driver.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	if st := d.enter(OpGetRxStream); st != driver.StatusNone {
		return st
	}
	if _, ok := d.devices[h]; !ok {
		return d.fail(driver.StatusInvalidDevice, "unknown device handle %d", h)
	}
	st, ok := d.rx[s]
	if !ok {
		return d.fail(driver.StatusInvalidDevice, "unknown rx streamer handle %d", s)
	}
	if status := d.checkArgs(args, d.cfg.RxChannels); status != driver.StatusNone {
		return status
	}
	st.bound = true
	st.channels = append([]int(nil), args.Channels...)
	st.format = args.CPUFormat
	return driver.StatusNone
}

func (d *Driver) DeviceGetTxStream(h driver.DeviceHandle, args driver.StreamArgs, s driver.TxStreamerHandle) driver.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	if st := d.enter(OpGetTxStream); st != driver.StatusNone {
		return st
	}
	if _, ok := d.devices[h]; !ok {
		return d.fail(driver.StatusInvalidDevice, "unknown device handle %d", h)
	}
	st, ok := d.tx[s]
	if !ok {
		return d.fail(driver.StatusInvalidDevice, "unknown tx streamer handle %d", s)
	}
	if status := d.checkArgs(args, d.cfg.TxChannels); status != driver.StatusNone {
		return status
	}
	st.bound = true
	st.channels = append([]int(nil), args.Channels...)
	st.format = args.CPUFormat
	return driver.StatusNone
}

func (d *Driver) RxStreamerMake() (driver.RxStreamerHandle, driver.Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if st := d.enter(OpRxMake); st != driver.StatusNone {
		return 0, st
	}
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
	defer d.mu.Unlock()
	if st := d.enter(OpRxFree); st != driver.StatusNone {
		return st
	}
	if _, ok := d.rx[*h]; !ok {
		return d.fail(driver.StatusInvalidDevice, "unknown rx streamer handle %d", *h)
	}
	delete(d.rx, *h)
	*h = 0
	return driver.StatusNone
}

func (d *Driver) RxStreamerNumChannels(h driver.RxStreamerHandle) (int, driver.Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if st := d.enter(OpNumChannels); st != driver.StatusNone {
		return 0, st
	}
	st, ok := d.rx[h]
	if !ok {
		return 0, d.fail(driver.StatusInvalidDevice, "unknown rx streamer handle %d", h)
	}
	if d.numChansFix > 0 {
		return d.numChansFix, driver.StatusNone
	}
	return len(st.channels), driver.StatusNone
}

func (d *Driver) RxStreamerMaxNumSamps(h driver.RxStreamerHandle) (int, driver.Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.rx[h]; !ok {
		return 0, d.fail(driver.StatusInvalidDevice, "unknown rx streamer handle %d", h)
	}
	return d.cfg.MaxSampsPerPacket, driver.StatusNone
}

func (d *Driver) RxStreamerIssueStreamCmd(h driver.RxStreamerHandle, cmd driver.StreamCmd) driver.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	if st := d.enter(OpIssueStreamCmd); st != driver.StatusNone {
		return st
	}
	st, ok := d.rx[h]
	if !ok {
		return d.fail(driver.StatusInvalidDevice, "unknown rx streamer handle %d", h)
	}
	d.commands = append(d.commands, cmd)
	switch cmd.Mode {
	case driver.StreamModeStartContinuous:
		st.streaming, st.finite, st.sob = true, false, true
	case driver.StreamModeStopContinuous:
		st.streaming, st.finite = false, false
	case driver.StreamModeNumSampsAndDone, driver.StreamModeNumSampsAndMore:
		if cmd.NumSamps == 0 {
			return d.fail(driver.StatusValue, "num_samps must be positive for %s", cmd.Mode)
		}
		st.streaming, st.finite, st.sob = true, true, true
		st.remaining = cmd.NumSamps
	default:
		return d.fail(driver.StatusValue, "unknown stream mode %d", int(cmd.Mode))
	}
	return driver.StatusNone
}

func (d *Driver) RxStreamerRecv(h driver.RxStreamerHandle, buffs []unsafe.Pointer, sampsPerBuff int, md driver.RxMetadataHandle, timeout float64, onePacket bool) (int, driver.Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if st := d.enter(OpRecv); st != driver.StatusNone {
		return 0, st
	}
	st, ok := d.rx[h]
	if !ok || !st.bound {
		return 0, d.fail(driver.StatusInvalidDevice, "rx streamer %d is not bound", h)
	}
	if len(buffs) != len(st.channels) {
		return 0, d.fail(driver.StatusValue, "got %d buffers for %d channels", len(buffs), len(st.channels))
	}

	ptrs := make([]uintptr, len(buffs))
	for i, p := range buffs {
		ptrs[i] = uintptr(p)
	}
	d.recvPtrs = append(d.recvPtrs, ptrs)

	call := RecvCall{
		Channels:  len(buffs),
		Requested: sampsPerBuff,
		OnePacket: onePacket,
		Timeout:   timeout,
		Streaming: st.streaming,
	}
	var res RecvResult
	if d.recvHook != nil {
		res = d.recvHook(call)
	} else {
		res = d.produce(st, call)
	}

	written := min(res.Samples, sampsPerBuff)
	if written > 0 {
		res.Meta.HasTimeSpec = true
		res.Meta.FullSecs, res.Meta.FracSecs = d.clock(st.produced)
	}
	for i, p := range buffs {
		view := driver.NewView(st.format, p, sampsPerBuff)
		for k := 0; k < written; k++ {
			view.Set(k, d.tone(st.channels[i], st.produced+uint64(k)))
		}
	}
	st.produced += uint64(max(written, 0))

	if status := d.MetadataStore.SetRx(md, res.Meta); status != driver.StatusNone {
		return 0, d.fail(status, "unknown rx metadata handle %d", md)
	}
	return res.Samples, driver.StatusNone
}

// produce implements the stream-command driven default behaviour.
func (d *Driver) produce(st *rxStream, call RecvCall) RecvResult {
	if !st.streaming {
		return RecvResult{Meta: driver.RxMetadata{ErrorCode: driver.RxErrorTimeout}}
	}
	n := call.Requested
	if call.OnePacket {
		n = min(n, d.cfg.MaxSampsPerPacket)
	}
	var meta driver.RxMetadata
	if st.finite {
		n = min(n, int(min(st.remaining, uint64(math.MaxInt32))))
		st.remaining -= uint64(n)
		if st.remaining == 0 {
			st.streaming = false
			meta.EndOfBurst = true
		}
	}
	meta.StartOfBurst = st.sob
	st.sob = false
	return RecvResult{Samples: n, Meta: meta}
}

func (d *Driver) tone(channel int, k uint64) complex128 {
	phase := 2*math.Pi*d.cfg.ToneHz*float64(k)/d.cfg.SampleRate + float64(channel)*math.Pi/4
	return complex(d.cfg.Amplitude*math.Cos(phase), d.cfg.Amplitude*math.Sin(phase))
}

func (d *Driver) clock(samples uint64) (int64, float64) {
	secs := float64(samples) / d.cfg.SampleRate
	full := math.Floor(secs)
	return int64(full), secs - full
}

func (d *Driver) TxStreamerMake() (driver.TxStreamerHandle, driver.Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if st := d.enter(OpTxMake); st != driver.StatusNone {
		return 0, st
	}
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
	defer d.mu.Unlock()
	if st := d.enter(OpTxFree); st != driver.StatusNone {
		return st
	}
	if _, ok := d.tx[*h]; !ok {
		return d.fail(driver.StatusInvalidDevice, "unknown tx streamer handle %d", *h)
	}
	delete(d.tx, *h)
	*h = 0
	return driver.StatusNone
}

func (d *Driver) TxStreamerNumChannels(h driver.TxStreamerHandle) (int, driver.Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if st := d.enter(OpNumChannels); st != driver.StatusNone {
		return 0, st
	}
	st, ok := d.tx[h]
	if !ok {
		return 0, d.fail(driver.StatusInvalidDevice, "unknown tx streamer handle %d", h)
	}
	if d.numChansFix > 0 {
		return d.numChansFix, driver.StatusNone
	}
	return len(st.channels), driver.StatusNone
}

func (d *Driver) TxStreamerMaxNumSamps(h driver.TxStreamerHandle) (int, driver.Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.tx[h]; !ok {
		return 0, d.fail(driver.StatusInvalidDevice, "unknown tx streamer handle %d", h)
	}
	return d.cfg.MaxSampsPerPacket, driver.StatusNone
}

func (d *Driver) TxStreamerSend(h driver.TxStreamerHandle, buffs []unsafe.Pointer, sampsPerBuff int, md driver.TxMetadataHandle, timeout float64) (int, driver.Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if st := d.enter(OpSend); st != driver.StatusNone {
		return 0, st
	}
	st, ok := d.tx[h]
	if !ok || !st.bound {
		return 0, d.fail(driver.StatusInvalidDevice, "tx streamer %d is not bound", h)
	}
	if len(buffs) != len(st.channels) {
		return 0, d.fail(driver.StatusValue, "got %d buffers for %d channels", len(buffs), len(st.channels))
	}
	meta, status := d.MetadataStore.Tx(md)
	if status != driver.StatusNone {
		return 0, d.fail(status, "unknown tx metadata handle %d", md)
	}

	ptrs := make([]uintptr, len(buffs))
	for i, p := range buffs {
		ptrs[i] = uintptr(p)
	}
	d.sendPtrs = append(d.sendPtrs, ptrs)

	accepted := sampsPerBuff
	if d.acceptLimit > 0 {
		accepted = min(accepted, d.acceptLimit)
	}
	for i, p := range buffs {
		view := driver.NewView(st.format, p, sampsPerBuff)
		ch := st.channels[i]
		for k := 0; k < accepted; k++ {
			d.sentData[ch] = append(d.sentData[ch], view.At(k))
		}
	}
	st.sent += uint64(accepted)

	if meta.EndOfBurst && accepted == sampsPerBuff {
		full, frac := d.clock(st.sent)
		for _, ch := range st.channels {
			d.async = append(d.async, driver.AsyncMetadata{
				Channel:     ch,
				HasTimeSpec: true,
				FullSecs:    full,
				FracSecs:    frac,
				Event:       driver.AsyncEventBurstAck,
			})
		}
	}
	return accepted, driver.StatusNone
}

func (d *Driver) TxStreamerRecvAsyncMsg(h driver.TxStreamerHandle, md driver.AsyncMetadataHandle, timeout float64) (bool, driver.Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if st := d.enter(OpRecvAsync); st != driver.StatusNone {
		return false, st
	}
	if _, ok := d.tx[h]; !ok {
		return false, d.fail(driver.StatusInvalidDevice, "unknown tx streamer handle %d", h)
	}
	if len(d.async) == 0 {
		return false, driver.StatusNone
	}
	ev := d.async[0]
	d.async = d.async[1:]
	if status := d.MetadataStore.SetAsync(md, ev); status != driver.StatusNone {
		return false, d.fail(status, "unknown async metadata handle %d", md)
	}
	return true, driver.StatusNone
}
