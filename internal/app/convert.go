package app

import (
	"math"

	"github.com/rjboer/gouhd/uhd"
)

// toComplex widens src into dst, scaling integer samples to full scale 1.0.
func toComplex[T uhd.Sample](dst []complex128, src []T) []complex128 {
	if cap(dst) < len(src) {
		dst = make([]complex128, len(src))
	}
	dst = dst[:len(src)]
	switch s := any(src).(type) {
	case []complex64:
		for i, v := range s {
			dst[i] = complex128(v)
		}
	case []complex128:
		copy(dst, s)
	case []uhd.SC16:
		for i, v := range s {
			dst[i] = complex(float64(v.I)/math.MaxInt16, float64(v.Q)/math.MaxInt16)
		}
	case []uhd.SC8:
		for i, v := range s {
			dst[i] = complex(float64(v.I)/math.MaxInt8, float64(v.Q)/math.MaxInt8)
		}
	}
	return dst
}

// fromComplex narrows src into dst, which must be at least as long.
// Integer samples are clamped to full scale.
func fromComplex[T uhd.Sample](dst []T, src []complex128) {
	switch d := any(dst).(type) {
	case []complex64:
		for i, v := range src {
			d[i] = complex64(v)
		}
	case []complex128:
		copy(d, src)
	case []uhd.SC16:
		for i, v := range src {
			d[i] = uhd.SC16{I: int16(scale(real(v), math.MaxInt16)), Q: int16(scale(imag(v), math.MaxInt16))}
		}
	case []uhd.SC8:
		for i, v := range src {
			d[i] = uhd.SC8{I: int8(scale(real(v), math.MaxInt8)), Q: int8(scale(imag(v), math.MaxInt8))}
		}
	}
}

func scale(x, full float64) float64 {
	return math.Round(max(min(x, 1), -1) * full)
}
