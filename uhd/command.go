package uhd

import (
	"fmt"

	"github.com/rjboer/gouhd/driver"
)

// StreamMode selects how the device produces samples after a command.
type StreamMode = driver.StreamMode

const (
	StartContinuousMode   = driver.StreamModeStartContinuous
	StopContinuousMode    = driver.StreamModeStopContinuous
	NumSamplesAndDoneMode = driver.StreamModeNumSampsAndDone
	NumSamplesAndMoreMode = driver.StreamModeNumSampsAndMore
)

// StreamCommand starts or stops sample production on a receive streamer.
//
// Commands execute immediately unless a start time is attached with At.
type StreamCommand struct {
	Mode       StreamMode
	NumSamples uint64
	// StreamNow starts streaming on receipt. When false the command is held
	// until the device clock reaches Time.
	StreamNow bool
	Time      TimeSpec
}

// StartContinuous streams until a stop command.
func StartContinuous() StreamCommand {
	return StreamCommand{Mode: StartContinuousMode, StreamNow: true}
}

// StopContinuous stops a continuous stream.
func StopContinuous() StreamCommand {
	return StreamCommand{Mode: StopContinuousMode, StreamNow: true}
}

// NumSamplesAndDone streams exactly n samples and ends the burst.
func NumSamplesAndDone(n uint64) StreamCommand {
	return StreamCommand{Mode: NumSamplesAndDoneMode, NumSamples: n, StreamNow: true}
}

// NumSamplesAndMore streams n samples and expects another command to follow
// without a gap.
func NumSamplesAndMore(n uint64) StreamCommand {
	return StreamCommand{Mode: NumSamplesAndMoreMode, NumSamples: n, StreamNow: true}
}

// At schedules the command for device time t.
func (c StreamCommand) At(t TimeSpec) StreamCommand {
	c.StreamNow = false
	c.Time = t.Normalize()
	return c
}

func (c StreamCommand) String() string {
	s := c.Mode.String()
	if c.Mode == NumSamplesAndDoneMode || c.Mode == NumSamplesAndMoreMode {
		s += fmt.Sprintf("(%d)", c.NumSamples)
	}
	if !c.StreamNow {
		s += " at " + c.Time.String()
	}
	return s
}

// native encodes the command for the driver.
func (c StreamCommand) native() (driver.StreamCmd, error) {
	switch c.Mode {
	case StartContinuousMode, StopContinuousMode:
	case NumSamplesAndDoneMode, NumSamplesAndMoreMode:
		if c.NumSamples == 0 {
			return driver.StreamCmd{}, fmt.Errorf("%s needs a positive sample count: %w", c.Mode, ErrInvalidCommand)
		}
	default:
		return driver.StreamCmd{}, fmt.Errorf("unknown mode %d: %w", int(c.Mode), ErrInvalidCommand)
	}
	cmd := driver.StreamCmd{
		Mode:      c.Mode,
		NumSamps:  c.NumSamples,
		StreamNow: c.StreamNow,
	}
	if !c.StreamNow {
		t := c.Time.Normalize()
		cmd.FullSecs, cmd.FracSecs = t.Seconds, t.Fraction
	}
	return cmd, nil
}
