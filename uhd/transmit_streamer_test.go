package uhd

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rjboer/gouhd/driver"
	"github.com/rjboer/gouhd/driver/sim"
)

func newTx[T Sample](t *testing.T, dev *Device, channels ...int) *TransmitStreamer[T] {
	t.Helper()
	tx, err := NewTransmitStreamer[T](dev, StreamArgs{Channels: channels})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tx.Close() })
	return tx
}

func ramp(n int, scale float64) []complex128 {
	out := make([]complex128, n)
	for i := range out {
		out[i] = complex(scale*float64(i)/float64(n), -scale*float64(i)/float64(n))
	}
	return out
}

func TestSendSingleBurst(t *testing.T) {
	drv, dev := openSim(t, sim.Config{})
	tx := newTx[complex128](t, dev, 0, 1)

	bufs := [][]complex128{ramp(100, 0.5), ramp(100, 0.25)}
	md, err := tx.Send(bufs, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 100, md.Samples())
	assert.True(t, md.StartOfBurst())
	assert.True(t, md.EndOfBurst())
	_, hasTime := md.TimeSpec()
	assert.False(t, hasTime)

	assert.Equal(t, bufs[0], drv.Sent(0))
	assert.Equal(t, bufs[1], drv.Sent(1))
	for _, p := range tx.table.ptrs {
		assert.True(t, p == nil)
	}

	ptrs := drv.SendPointers()
	require.Len(t, ptrs, 1)
	assert.Equal(t, []uintptr{addrOf(bufs[0]), addrOf(bufs[1])}, ptrs[0])
}

func TestSendChannelCountStability(t *testing.T) {
	drv, dev := openSim(t, sim.Config{})
	tx := newTx[complex64](t, dev, 0)

	buf := make([]complex64, 4)
	_, err := tx.Send([][]complex64{buf}, time.Millisecond)
	require.NoError(t, err)

	drv.OverrideNumChannels(2)
	_, err = tx.ChannelCount()
	assert.ErrorIs(t, err, ErrChannelCountChanged)

	// the table keeps its size
	md, err := tx.Send([][]complex64{buf}, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 4, md.Samples())
	assert.Equal(t, 1, tx.table.size())
}

func TestSendIntegerFormat(t *testing.T) {
	drv, dev := openSim(t, sim.Config{})
	tx := newTx[SC8](t, dev, 1)

	buf := []SC8{{I: 127, Q: -127}, {I: 0, Q: 64}}
	md, err := tx.Send([][]SC8{buf}, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 2, md.Samples())

	sent := drv.Sent(1)
	require.Len(t, sent, 2)
	assert.InDelta(t, 1.0, real(sent[0]), 1e-9)
	assert.InDelta(t, -1.0, imag(sent[0]), 1e-9)
	assert.InDelta(t, 64.0/127.0, imag(sent[1]), 1e-9)
}

func TestSendBufferCountMismatchPanicsWithoutSending(t *testing.T) {
	drv, dev := openSim(t, sim.Config{TxChannels: 2})
	tx := newTx[complex64](t, dev, 0, 1)

	assert.Panics(t, func() {
		_, _ = tx.Send([][]complex64{make([]complex64, 16)}, time.Millisecond)
	})
	assert.Panics(t, func() {
		_, _ = tx.Send([][]complex64{make([]complex64, 16), make([]complex64, 15)}, time.Millisecond)
	})
	assert.Equal(t, 0, drv.Calls(sim.OpSend))
}

func TestSendPartialAcceptance(t *testing.T) {
	drv, dev := openSim(t, sim.Config{})
	tx := newTx[complex64](t, dev, 0)
	drv.SetTxAcceptLimit(40)

	md, err := tx.Send([][]complex64{make([]complex64, 100)}, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 40, md.Samples())
	assert.Len(t, drv.Sent(0), 40)

	// a truncated burst is not acknowledged
	_, ok, err := tx.ReceiveAsyncMessage(time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSendWithMetadataAndBurstAcks(t *testing.T) {
	_, dev := openSim(t, sim.Config{})
	tx := newTx[complex64](t, dev, 0, 1)
	bufs := [][]complex64{make([]complex64, 32), make([]complex64, 32)}

	at := TimeSpec{Seconds: 1, Fraction: 0.25}
	req := NewTransmitMetadata().WithBurst(true, false).WithTime(at)
	md, err := tx.SendWithMetadata(bufs, req, time.Millisecond)
	require.NoError(t, err)
	ts, ok := md.TimeSpec()
	require.True(t, ok)
	assert.Equal(t, at, ts)
	assert.True(t, md.StartOfBurst())
	assert.False(t, md.EndOfBurst())

	_, ok, err = tx.ReceiveAsyncMessage(time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok, "burst still open")

	md, err = tx.SendWithMetadata(bufs, NewTransmitMetadata().WithBurst(false, true), time.Millisecond)
	require.NoError(t, err)
	assert.True(t, md.EndOfBurst())

	for _, ch := range []int{0, 1} {
		ev, ok, err := tx.ReceiveAsyncMessage(time.Millisecond)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, ch, ev.Channel)
		assert.Equal(t, EventBurstAck, ev.Event)
		assert.True(t, ev.HasTime)
	}
	_, ok, err = tx.ReceiveAsyncMessage(time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSendReusesMetadataForSameRequest(t *testing.T) {
	drv, dev := openSim(t, sim.Config{})
	tx := newTx[complex64](t, dev, 0)
	bufs := [][]complex64{make([]complex64, 8)}

	for i := 0; i < 3; i++ {
		_, err := tx.Send(bufs, time.Millisecond)
		require.NoError(t, err)
	}
	first := tx.md
	assert.Equal(t, 2, drv.Live(), "async metadata plus one tx metadata")

	_, err := tx.SendWithMetadata(bufs, NewTransmitMetadata().WithTime(TimeSpec{Seconds: 4}), time.Millisecond)
	require.NoError(t, err)
	assert.NotEqual(t, first, tx.md)
	assert.Equal(t, 2, drv.Live(), "previous tx metadata was freed")

	require.NoError(t, tx.Close())
	assert.Equal(t, 0, drv.Live())
}

func TestReceiveAsyncMessageEvents(t *testing.T) {
	drv, dev := openSim(t, sim.Config{})
	tx := newTx[complex64](t, dev, 0)

	drv.PushAsync(driver.AsyncMetadata{Channel: 1, Event: driver.AsyncEventUnderflow})
	ev, ok, err := tx.ReceiveAsyncMessage(10 * time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, ev.Channel)
	assert.Equal(t, EventUnderflow, ev.Event)
	assert.False(t, ev.HasTime)
	assert.Contains(t, ev.String(), "ch=1")

	drv.FailNext(sim.OpRecvAsync, driver.StatusUSB, "cable pulled")
	_, ok, err = tx.ReceiveAsyncMessage(10 * time.Millisecond)
	assert.ErrorIs(t, err, ErrUSB)
	assert.False(t, ok)
}

func TestSendErrorsAndClose(t *testing.T) {
	drv, dev := openSim(t, sim.Config{})
	tx := newTx[complex64](t, dev, 0)
	bufs := [][]complex64{make([]complex64, 8)}

	drv.FailNext(sim.OpSend, driver.StatusRuntime, "fifo stalled")
	_, err := tx.Send(bufs, time.Millisecond)
	assert.ErrorIs(t, err, ErrRuntime)

	spp, err := tx.MaxSamplesPerPacket()
	require.NoError(t, err)
	assert.Equal(t, drv.Config().MaxSampsPerPacket, spp)

	require.NoError(t, tx.Close())
	require.NoError(t, tx.Close())
	assert.Equal(t, 1, drv.Calls(sim.OpTxFree))
	_, err = tx.Send(bufs, time.Millisecond)
	assert.ErrorIs(t, err, ErrStreamerClosed)
	_, _, err = tx.ReceiveAsyncMessage(time.Millisecond)
	assert.ErrorIs(t, err, ErrStreamerClosed)
	_, err = tx.MaxSamplesPerPacket()
	assert.ErrorIs(t, err, ErrStreamerClosed)
}

func TestNewTransmitStreamerFailure(t *testing.T) {
	drv, dev := openSim(t, sim.Config{TxChannels: 1})

	_, err := NewTransmitStreamer[complex64](dev, StreamArgs{Channels: []int{1}})
	assert.ErrorIs(t, err, ErrIndex)

	drv.FailNext(sim.OpTxMake, driver.StatusSystem, "")
	tx, err := NewTransmitStreamer[complex64](dev, StreamArgs{})
	assert.ErrorIs(t, err, ErrSystem)
	assert.NoError(t, tx.Close())

	assert.Equal(t, 0, drv.LiveStreamers())
	assert.Equal(t, 0, drv.Live())
	assert.NoError(t, dev.Close())
}
