package uhd

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTimeSpecConversions(t *testing.T) {
	tests := []struct {
		name string
		d    time.Duration
		want TimeSpec
	}{
		{"zero", 0, TimeSpec{}},
		{"sub second", 250 * time.Millisecond, TimeSpec{Seconds: 0, Fraction: 0.25}},
		{"whole", 3 * time.Second, TimeSpec{Seconds: 3}},
		{"mixed", 2*time.Second + 500*time.Millisecond, TimeSpec{Seconds: 2, Fraction: 0.5}},
		{"negative", -250 * time.Millisecond, TimeSpec{Seconds: -1, Fraction: 0.75}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TimeSpecFromDuration(tt.d)
			assert.Equal(t, tt.want.Seconds, got.Seconds)
			assert.InDelta(t, tt.want.Fraction, got.Fraction, 1e-12)
			assert.Equal(t, tt.d, got.Duration())
		})
	}
}

func TestTimeSpecArithmetic(t *testing.T) {
	ts := TimeSpecFromSeconds(1.75)
	assert.Equal(t, int64(1), ts.Seconds)
	assert.InDelta(t, 0.75, ts.Fraction, 1e-12)
	assert.InDelta(t, 1.75, ts.Float(), 1e-12)

	sum := ts.Add(500 * time.Millisecond)
	assert.Equal(t, int64(2), sum.Seconds)
	assert.InDelta(t, 0.25, sum.Fraction, 1e-12)

	n := TimeSpec{Seconds: 1, Fraction: -0.5}.Normalize()
	assert.Equal(t, int64(0), n.Seconds)
	assert.InDelta(t, 0.5, n.Fraction, 1e-12)

	assert.True(t, ts.Before(sum))
	assert.False(t, sum.Before(ts))
	assert.True(t, TimeSpec{Seconds: 1, Fraction: 1.5}.Before(TimeSpec{Seconds: 3}))
	assert.Equal(t, "2+0.250000000s", sum.String())
}

func TestStreamCommandEncoding(t *testing.T) {
	at := TimeSpec{Seconds: 5, Fraction: 0.125}
	tests := []struct {
		name    string
		cmd     StreamCommand
		str     string
		wantErr bool
	}{
		{"start", StartContinuous(), "start_continuous", false},
		{"stop", StopContinuous(), "stop_continuous", false},
		{"done", NumSamplesAndDone(150), "num_samps_and_done(150)", false},
		{"more timed", NumSamplesAndMore(10).At(at), "num_samps_and_more(10) at 5+0.125000000s", false},
		{"zero samples", NumSamplesAndDone(0), "", true},
		{"zero more", NumSamplesAndMore(0), "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			native, err := tt.cmd.native()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidCommand)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.str, tt.cmd.String())
			assert.Equal(t, tt.cmd.Mode, native.Mode)
			assert.Equal(t, tt.cmd.NumSamples, native.NumSamps)
			assert.Equal(t, tt.cmd.StreamNow, native.StreamNow)
			if !tt.cmd.StreamNow {
				assert.Equal(t, at.Seconds, native.FullSecs)
				assert.InDelta(t, at.Fraction, native.FracSecs, 1e-12)
			}
		})
	}
}

func TestMetadataZeroValues(t *testing.T) {
	var rx ReceiveMetadata
	assert.Equal(t, 0, rx.Samples())
	_, ok := rx.TimeSpec()
	assert.False(t, ok)
	assert.NoError(t, rx.Err())
	assert.False(t, rx.TimedOut())

	tx := NewTransmitMetadata()
	assert.True(t, tx.StartOfBurst())
	assert.True(t, tx.EndOfBurst())
	assert.True(t, tx.sameRequest(NewTransmitMetadata()))
	assert.False(t, tx.sameRequest(tx.WithTime(TimeSpec{Seconds: 1})))
	assert.True(t, tx.WithTime(TimeSpec{Seconds: 1}).WithoutTime().sameRequest(tx))
	assert.Contains(t, tx.String(), "sob=true")
}
