package iiod

import (
	"encoding/binary"
	"math"

	"github.com/rjboer/gouhd/driver"
)

// wireSampleSize is one complex sample on the wire: int16 I then int16 Q,
// little endian, as produced by the AD9361 ADC path.
const wireSampleSize = 4

// deinterleave converts n frames of interleaved sc16 wire samples into the
// caller views. slot[i] is the frame position of the channel behind views[i].
func deinterleave(wire []byte, views []driver.View, slot []int, n int) {
	frame := wireSampleSize * len(views)
	for k := 0; k < n; k++ {
		base := k * frame
		for i, v := range views {
			off := base + slot[i]*wireSampleSize
			re := int16(binary.LittleEndian.Uint16(wire[off:]))
			im := int16(binary.LittleEndian.Uint16(wire[off+2:]))
			v.Set(k, complex(float64(re)/math.MaxInt16, float64(im)/math.MaxInt16))
		}
	}
}

// interleave is the inverse of deinterleave. Values outside [-1, 1] are
// clamped to full scale.
func interleave(wire []byte, views []driver.View, slot []int, n int) {
	frame := wireSampleSize * len(views)
	for k := 0; k < n; k++ {
		base := k * frame
		for i, v := range views {
			x := v.At(k)
			off := base + slot[i]*wireSampleSize
			binary.LittleEndian.PutUint16(wire[off:], uint16(fullScale(real(x))))
			binary.LittleEndian.PutUint16(wire[off+2:], uint16(fullScale(imag(x))))
		}
	}
}

func fullScale(x float64) int16 {
	return int16(math.Round(max(min(x, 1.0), -1.0) * math.MaxInt16))
}

// frameSlots maps each requested channel to its position in a wire frame.
// The wire carries enabled channels in ascending order.
func frameSlots(channels []int) []int {
	slot := make([]int, len(channels))
	for i, ch := range channels {
		for _, other := range channels {
			if other < ch {
				slot[i]++
			}
		}
	}
	return slot
}
