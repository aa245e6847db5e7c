package dsp

import "math"

// Hamming returns a Hamming window of length n. A non-positive n yields an
// empty window and n == 1 yields {1}.
func Hamming(n int) []float64 {
	if n <= 0 {
		return []float64{}
	}
	if n == 1 {
		return []float64{1}
	}
	win := make([]float64, n)
	for i := range win {
		win[i] = 0.54 - 0.46*math.Cos(2*math.Pi*float64(i)/float64(n-1))
	}
	return win
}

// ApplyWindow multiplies samples by window into dst, which is grown as
// needed and returned. The lengths of samples and window must match.
func ApplyWindow(dst, samples []complex128, window []float64) []complex128 {
	if len(samples) != len(window) {
		return dst[:0]
	}
	if cap(dst) < len(samples) {
		dst = make([]complex128, len(samples))
	}
	dst = dst[:len(samples)]
	for i, v := range samples {
		dst[i] = complex(real(v)*window[i], imag(v)*window[i])
	}
	return dst
}
