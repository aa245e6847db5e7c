package telemetry

import (
	"math"

	"github.com/rjboer/gouhd/internal/logging"
)

// StdoutReporter logs each sample through a Logger.
type StdoutReporter struct {
	logger logging.Logger
}

// NewStdoutReporter builds a reporter on logger, or on the default logger
// when nil.
func NewStdoutReporter(logger logging.Logger) StdoutReporter {
	if logger == nil {
		logger = logging.Default()
	}
	return StdoutReporter{logger: logger}
}

func (r StdoutReporter) Report(s Sample) {
	fields := []logging.Field{
		{Key: "subsystem", Value: "telemetry"},
		{Key: "dir", Value: s.Dir},
		{Key: "channel", Value: s.Channel},
	}
	if s.Event != "" {
		r.logger.Warn("stream event", append(fields, logging.Field{Key: "event", Value: s.Event})...)
		return
	}
	fields = append(fields, logging.Field{Key: "samples", Value: s.Samples})
	if !math.IsInf(s.PowerDBFS, 0) {
		fields = append(fields, logging.Field{Key: "power_dbfs", Value: s.PowerDBFS})
	}
	if !math.IsInf(s.PeakDBFS, 0) {
		fields = append(fields,
			logging.Field{Key: "peak_dbfs", Value: s.PeakDBFS},
			logging.Field{Key: "peak_offset_hz", Value: s.PeakOffsetHz},
		)
	}
	r.logger.Info("block", fields...)
}
