package uhd

import (
	"fmt"
	"math"
	"time"
)

// TimeSpec is a device clock value: whole seconds plus a fraction in [0, 1).
type TimeSpec struct {
	Seconds  int64
	Fraction float64
}

// TimeSpecFromSeconds splits a floating point number of seconds.
func TimeSpecFromSeconds(secs float64) TimeSpec {
	full := math.Floor(secs)
	return TimeSpec{Seconds: int64(full), Fraction: secs - full}
}

// TimeSpecFromDuration converts a duration measured from time zero.
func TimeSpecFromDuration(d time.Duration) TimeSpec {
	full := d.Truncate(time.Second)
	if full > d {
		full -= time.Second
	}
	return TimeSpec{
		Seconds:  int64(full / time.Second),
		Fraction: float64(d-full) / float64(time.Second),
	}
}

// Normalize folds Fraction into [0, 1) adjusting Seconds.
func (t TimeSpec) Normalize() TimeSpec {
	carry := math.Floor(t.Fraction)
	return TimeSpec{Seconds: t.Seconds + int64(carry), Fraction: t.Fraction - carry}
}

// Float returns the time in seconds. Precision degrades for large values.
func (t TimeSpec) Float() float64 {
	return float64(t.Seconds) + t.Fraction
}

// Duration converts the time to a duration from time zero.
func (t TimeSpec) Duration() time.Duration {
	return time.Duration(t.Seconds)*time.Second + time.Duration(math.Round(t.Fraction*float64(time.Second)))
}

// Add returns t+d normalized.
func (t TimeSpec) Add(d time.Duration) TimeSpec {
	o := TimeSpecFromDuration(d)
	return TimeSpec{Seconds: t.Seconds + o.Seconds, Fraction: t.Fraction + o.Fraction}.Normalize()
}

// Before reports whether t is earlier than o.
func (t TimeSpec) Before(o TimeSpec) bool {
	a, b := t.Normalize(), o.Normalize()
	if a.Seconds != b.Seconds {
		return a.Seconds < b.Seconds
	}
	return a.Fraction < b.Fraction
}

func (t TimeSpec) String() string {
	return fmt.Sprintf("%d+%.9fs", t.Seconds, t.Fraction)
}
