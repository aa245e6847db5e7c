package driver

import (
	"fmt"
	"math"
	"unsafe"
)

// Format names a host-side sample layout.
type Format string

const (
	FormatFC64 Format = "fc64" // complex128
	FormatFC32 Format = "fc32" // complex64
	FormatSC16 Format = "sc16" // int16 I, int16 Q
	FormatSC8  Format = "sc8"  // int8 I, int8 Q
)

// Size returns the number of bytes of one sample, or 0 for an unknown format.
func (f Format) Size() int {
	switch f {
	case FormatFC64:
		return 16
	case FormatFC32:
		return 8
	case FormatSC16:
		return 4
	case FormatSC8:
		return 2
	default:
		return 0
	}
}

// Validate reports whether f is a known format.
func (f Format) Validate() error {
	if f.Size() == 0 {
		return fmt.Errorf("unsupported cpu format %q", string(f))
	}
	return nil
}

// View gives element access to a raw per-channel buffer handed over by the
// streaming engine. Integer formats are scaled so that 1.0 maps to full scale.
type View struct {
	format Format
	base   unsafe.Pointer
	n      int
}

// NewView wraps n samples of format f starting at p.
func NewView(f Format, p unsafe.Pointer, n int) View {
	return View{format: f, base: p, n: n}
}

// Len returns the number of samples addressable through v.
func (v View) Len() int { return v.n }

// Set stores x at index i.
func (v View) Set(i int, x complex128) {
	if i < 0 || i >= v.n {
		panic(fmt.Sprintf("driver: view index %d out of range [0,%d)", i, v.n))
	}
	switch v.format {
	case FormatFC64:
		unsafe.Slice((*complex128)(v.base), v.n)[i] = x
	case FormatFC32:
		unsafe.Slice((*complex64)(v.base), v.n)[i] = complex64(x)
	case FormatSC16:
		s := unsafe.Slice((*int16)(v.base), 2*v.n)
		s[2*i] = toInt16(real(x))
		s[2*i+1] = toInt16(imag(x))
	case FormatSC8:
		s := unsafe.Slice((*int8)(v.base), 2*v.n)
		s[2*i] = toInt8(real(x))
		s[2*i+1] = toInt8(imag(x))
	default:
		panic(fmt.Sprintf("driver: view of unsupported format %q", string(v.format)))
	}
}

// At loads the sample at index i.
func (v View) At(i int) complex128 {
	if i < 0 || i >= v.n {
		panic(fmt.Sprintf("driver: view index %d out of range [0,%d)", i, v.n))
	}
	switch v.format {
	case FormatFC64:
		return unsafe.Slice((*complex128)(v.base), v.n)[i]
	case FormatFC32:
		return complex128(unsafe.Slice((*complex64)(v.base), v.n)[i])
	case FormatSC16:
		s := unsafe.Slice((*int16)(v.base), 2*v.n)
		return complex(float64(s[2*i])/math.MaxInt16, float64(s[2*i+1])/math.MaxInt16)
	case FormatSC8:
		s := unsafe.Slice((*int8)(v.base), 2*v.n)
		return complex(float64(s[2*i])/math.MaxInt8, float64(s[2*i+1])/math.MaxInt8)
	default:
		panic(fmt.Sprintf("driver: view of unsupported format %q", string(v.format)))
	}
}

func toInt16(x float64) int16 {
	return int16(math.Round(clamp(x) * math.MaxInt16))
}

func toInt8(x float64) int8 {
	return int8(math.Round(clamp(x) * math.MaxInt8))
}

func clamp(x float64) float64 {
	if x > 1 {
		return 1
	}
	if x < -1 {
		return -1
	}
	return x
}
