package uhd

import (
	"sync"
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rjboer/gouhd/driver"
	"github.com/rjboer/gouhd/driver/sim"
)

func openSim(t *testing.T, cfg sim.Config) (*sim.Driver, *Device) {
	t.Helper()
	drv := sim.New(cfg)
	dev, err := Open(drv, "type=sim")
	require.NoError(t, err)
	t.Cleanup(func() { _ = dev.Close() })
	return drv, dev
}

func newRx[T Sample](t *testing.T, dev *Device, channels ...int) *ReceiveStreamer[T] {
	t.Helper()
	rx, err := NewReceiveStreamer[T](dev, StreamArgs{Channels: channels})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rx.Close() })
	return rx
}

func addrOf[T Sample](buf []T) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
}

func TestReceiveSimpleFillsWholeBuffer(t *testing.T) {
	drv, dev := openSim(t, sim.Config{})
	drv.OnRecv(sim.FillAll)
	rx := newRx[complex64](t, dev, 0)

	buf := make([]complex64, 150)
	md, err := rx.ReceiveSimple(buf)
	require.NoError(t, err)
	assert.Equal(t, 150, md.Samples())
	assert.Equal(t, RxErrorNone, md.ErrorCode())
	_, hasTime := md.TimeSpec()
	assert.True(t, hasTime)

	// channel 0 starts at phase zero
	assert.InDelta(t, 0.5, real(buf[0]), 1e-6)
	assert.InDelta(t, 0, imag(buf[0]), 1e-6)
	assert.NotZero(t, buf[149])
}

func TestReceiveTimeoutIsNotAnError(t *testing.T) {
	drv, dev := openSim(t, sim.Config{})
	drv.OnRecv(sim.Silent)
	rx := newRx[complex64](t, dev, 0)

	buf := make([]complex64, 64)
	md, err := rx.Receive([][]complex64{buf}, 10*time.Millisecond, false)
	require.NoError(t, err)
	assert.Equal(t, 0, md.Samples())
	assert.Equal(t, RxErrorTimeout, md.ErrorCode())
	assert.True(t, md.TimedOut())
	assert.NoError(t, md.Err())
	_, hasTime := md.TimeSpec()
	assert.False(t, hasTime)
}

func TestReceiveFollowsStreamCommands(t *testing.T) {
	drv, dev := openSim(t, sim.Config{})
	rx := newRx[complex128](t, dev, 1)
	buf := make([]complex128, 200)

	md, err := rx.ReceiveSimple(buf)
	require.NoError(t, err)
	assert.True(t, md.TimedOut(), "no samples before a stream command")

	require.NoError(t, rx.SendCommand(NumSamplesAndDone(300)))

	md, err = rx.ReceiveSimple(buf)
	require.NoError(t, err)
	assert.Equal(t, 200, md.Samples())
	assert.True(t, md.StartOfBurst())
	assert.False(t, md.EndOfBurst())

	md, err = rx.ReceiveSimple(buf)
	require.NoError(t, err)
	assert.Equal(t, 100, md.Samples())
	assert.False(t, md.StartOfBurst())
	assert.True(t, md.EndOfBurst())

	md, err = rx.ReceiveSimple(buf)
	require.NoError(t, err)
	assert.True(t, md.TimedOut())

	cmds := drv.Commands()
	require.Len(t, cmds, 1)
	assert.Equal(t, NumSamplesAndDoneMode, cmds[0].Mode)
	assert.Equal(t, uint64(300), cmds[0].NumSamps)
	assert.True(t, cmds[0].StreamNow)
}

func TestReceiveOnePacket(t *testing.T) {
	_, dev := openSim(t, sim.Config{MaxSampsPerPacket: 64})
	rx := newRx[SC16](t, dev, 0)

	spp, err := rx.MaxSamplesPerPacket()
	require.NoError(t, err)
	assert.Equal(t, 64, spp)

	require.NoError(t, rx.SendCommand(StartContinuous()))
	buf := make([]SC16, 200)

	md, err := rx.Receive([][]SC16{buf}, 10*time.Millisecond, true)
	require.NoError(t, err)
	assert.Equal(t, 64, md.Samples())

	md, err = rx.Receive([][]SC16{buf}, 10*time.Millisecond, false)
	require.NoError(t, err)
	assert.Equal(t, 200, md.Samples())

	require.NoError(t, rx.SendCommand(StopContinuous()))
	md, err = rx.Receive([][]SC16{buf}, 10*time.Millisecond, false)
	require.NoError(t, err)
	assert.True(t, md.TimedOut())
}

func TestReceiveMultiChannelUsesCallerBuffers(t *testing.T) {
	drv, dev := openSim(t, sim.Config{})
	drv.OnRecv(sim.FillAll)
	rx := newRx[SC16](t, dev, 0, 1)

	n, err := rx.ChannelCount()
	require.NoError(t, err)
	require.Equal(t, 2, n)

	first := [][]SC16{make([]SC16, 100), make([]SC16, 100)}
	second := [][]SC16{make([]SC16, 100), make([]SC16, 100)}

	_, err = rx.Receive(first, 10*time.Millisecond, false)
	require.NoError(t, err)
	_, err = rx.Receive(second, 10*time.Millisecond, false)
	require.NoError(t, err)

	ptrs := drv.RecvPointers()
	require.Len(t, ptrs, 2)
	assert.Equal(t, []uintptr{addrOf(first[0]), addrOf(first[1])}, ptrs[0])
	assert.Equal(t, []uintptr{addrOf(second[0]), addrOf(second[1])}, ptrs[1])

	for i, p := range rx.table.ptrs {
		assert.True(t, p == nil, "slot %d retained a caller buffer", i)
	}
	assert.NotEqual(t, first[0][0], first[1][0], "channels carry different phases")
	assert.Equal(t, int16(16384), first[0][0].I)
}

func TestReceiveBufferMisusePanics(t *testing.T) {
	drv, dev := openSim(t, sim.Config{})
	drv.OnRecv(sim.FillAll)
	rx := newRx[complex64](t, dev, 0, 1)

	cases := map[string][][]complex64{
		"too few":   {make([]complex64, 8)},
		"too many":  {make([]complex64, 8), make([]complex64, 8), make([]complex64, 8)},
		"none":      {},
		"unequal":   {make([]complex64, 8), make([]complex64, 9)},
		"empty":     {{}, {}},
		"nil slice": nil,
	}
	for name, bufs := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Panics(t, func() { _, _ = rx.Receive(bufs, time.Millisecond, false) })
		})
	}
	assert.Equal(t, 0, drv.Calls(sim.OpRecv))

	// the streamer stays usable after a panic
	md, err := rx.Receive([][]complex64{make([]complex64, 8), make([]complex64, 8)}, time.Millisecond, false)
	require.NoError(t, err)
	assert.Equal(t, 8, md.Samples())
}

func TestReceiveRejectsOutOfRangeCounts(t *testing.T) {
	drv, dev := openSim(t, sim.Config{})
	rx := newRx[complex64](t, dev, 0)
	buf := make([]complex64, 32)

	drv.OnRecv(func(c sim.RecvCall) sim.RecvResult { return sim.RecvResult{Samples: c.Requested + 5} })
	_, err := rx.ReceiveSimple(buf)
	assert.ErrorIs(t, err, ErrSampleCount)

	drv.OnRecv(func(sim.RecvCall) sim.RecvResult { return sim.RecvResult{Samples: -1} })
	_, err = rx.ReceiveSimple(buf)
	assert.ErrorIs(t, err, ErrSampleCount)
}

func TestReceiveReportsStreamAnomalies(t *testing.T) {
	drv, dev := openSim(t, sim.Config{})
	rx := newRx[complex64](t, dev, 0)
	buf := make([]complex64, 32)

	drv.OnRecv(func(sim.RecvCall) sim.RecvResult {
		return sim.RecvResult{Samples: 10, Meta: driver.RxMetadata{ErrorCode: driver.RxErrorOverflow, OutOfSequence: true}}
	})
	md, err := rx.ReceiveSimple(buf)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOverflow)
	assert.NotErrorIs(t, err, ErrLateCommand)
	var se *StreamError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, RxErrorOverflow, se.Code)
	assert.Equal(t, 10, md.Samples())
	assert.True(t, md.OutOfSequence())

	drv.OnRecv(func(c sim.RecvCall) sim.RecvResult {
		return sim.RecvResult{Samples: c.Requested, Meta: driver.RxMetadata{FragmentOffset: 32, MoreFragments: true}}
	})
	md, err = rx.ReceiveSimple(buf)
	require.NoError(t, err)
	assert.Equal(t, 32, md.FragmentOffset())
	assert.True(t, md.MoreFragments())
}

func TestReceiveDriverError(t *testing.T) {
	drv, dev := openSim(t, sim.Config{})
	drv.OnRecv(sim.FillAll)
	rx := newRx[complex64](t, dev, 0)

	drv.FailNext(sim.OpRecv, driver.StatusIO, "link down")
	md, err := rx.ReceiveSimple(make([]complex64, 16))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIO)
	assert.NotErrorIs(t, err, ErrValue)
	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "link down", e.Message)
	assert.Equal(t, 0, md.Samples())
	for _, p := range rx.table.ptrs {
		assert.True(t, p == nil)
	}
}

func TestChannelCountStability(t *testing.T) {
	drv, dev := openSim(t, sim.Config{})
	drv.OnRecv(sim.FillAll)
	rx := newRx[complex64](t, dev, 1)

	for i := 0; i < 3; i++ {
		n, err := rx.ChannelCount()
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	}

	_, err := rx.ReceiveSimple(make([]complex64, 4))
	require.NoError(t, err)

	drv.OverrideNumChannels(3)
	_, err = rx.ChannelCount()
	assert.ErrorIs(t, err, ErrChannelCountChanged)

	// the table keeps its size
	md, err := rx.ReceiveSimple(make([]complex64, 4))
	require.NoError(t, err)
	assert.Equal(t, 4, md.Samples())
	assert.Equal(t, 1, rx.table.size())
}

func TestReceiveCloseIsIdempotent(t *testing.T) {
	drv, dev := openSim(t, sim.Config{})
	rx, err := NewReceiveStreamer[complex64](dev, StreamArgs{})
	require.NoError(t, err)
	assert.Equal(t, 1, drv.LiveStreamers())

	require.NoError(t, rx.Close())
	require.NoError(t, rx.Close())
	assert.Equal(t, 0, drv.LiveStreamers())
	assert.Equal(t, 0, drv.Live())
	assert.Equal(t, 1, drv.Calls(sim.OpRxFree))

	_, err = rx.ReceiveSimple(make([]complex64, 4))
	assert.ErrorIs(t, err, ErrStreamerClosed)
	assert.ErrorIs(t, rx.SendCommand(StartContinuous()), ErrStreamerClosed)
	_, err = rx.ChannelCount()
	assert.ErrorIs(t, err, ErrStreamerClosed)
}

func TestReceiveCloseLogsReleaseFailure(t *testing.T) {
	drv, dev := openSim(t, sim.Config{})
	rx, err := NewReceiveStreamer[complex64](dev, StreamArgs{})
	require.NoError(t, err)

	drv.FailNext(sim.OpRxFree, driver.StatusRuntime, "busy")
	assert.NoError(t, rx.Close())
	assert.NoError(t, dev.Close(), "device is released even when a streamer free fails")
}

func TestNewReceiveStreamerFailure(t *testing.T) {
	drv, dev := openSim(t, sim.Config{RxChannels: 2})

	drv.FailNext(sim.OpGetRxStream, driver.StatusValue, "bad stream args")
	rx, err := NewReceiveStreamer[complex64](dev, StreamArgs{})
	assert.Nil(t, rx)
	assert.ErrorIs(t, err, ErrValue)
	assert.NoError(t, rx.Close())

	_, err = NewReceiveStreamer[complex64](dev, StreamArgs{Channels: []int{5}})
	assert.ErrorIs(t, err, ErrIndex)

	_, err = NewReceiveStreamer[complex64](dev, StreamArgs{OTWFormat: "fc32"})
	assert.ErrorIs(t, err, ErrValue)

	drv.FailNext(sim.OpRxMake, driver.StatusEnvironment, "no memory")
	_, err = NewReceiveStreamer[complex64](dev, StreamArgs{})
	assert.ErrorIs(t, err, ErrEnvironment)

	assert.Equal(t, 0, drv.LiveStreamers())
	assert.Equal(t, 0, drv.Live())
	assert.NoError(t, dev.Close())
}

func TestSendCommandValidation(t *testing.T) {
	drv, dev := openSim(t, sim.Config{})
	rx := newRx[complex64](t, dev, 0)

	assert.ErrorIs(t, rx.SendCommand(NumSamplesAndDone(0)), ErrInvalidCommand)
	assert.ErrorIs(t, rx.SendCommand(StreamCommand{Mode: StreamMode('x')}), ErrInvalidCommand)
	assert.Equal(t, 0, drv.Calls(sim.OpIssueStreamCmd))

	require.NoError(t, rx.SendCommand(NumSamplesAndMore(10).At(TimeSpec{Seconds: 2, Fraction: 1.5})))
	cmds := drv.Commands()
	require.Len(t, cmds, 1)
	assert.False(t, cmds[0].StreamNow)
	assert.Equal(t, int64(3), cmds[0].FullSecs)
	assert.InDelta(t, 0.5, cmds[0].FracSecs, 1e-12)

	drv.FailNext(sim.OpIssueStreamCmd, driver.StatusLookup, "")
	assert.ErrorIs(t, rx.SendCommand(StartContinuous()), ErrLookup)
}

func TestStreamersRunConcurrently(t *testing.T) {
	drv, dev := openSim(t, sim.Config{})
	drv.OnRecv(sim.FillAll)
	a := newRx[complex64](t, dev, 0)
	b := newRx[complex64](t, dev, 1)

	var wg sync.WaitGroup
	for _, rx := range []*ReceiveStreamer[complex64]{a, b, a} {
		wg.Add(1)
		go func(rx *ReceiveStreamer[complex64]) {
			defer wg.Done()
			buf := make([]complex64, 256)
			for i := 0; i < 50; i++ {
				md, err := rx.ReceiveSimple(buf)
				if !assert.NoError(t, err) {
					return
				}
				assert.Equal(t, 256, md.Samples())
			}
		}(rx)
	}
	wg.Wait()
	assert.Equal(t, 150, drv.Calls(sim.OpRecv))
}
