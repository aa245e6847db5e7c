// Package dsp summarises captured sample blocks for telemetry.
package dsp

import (
	"math"
	"math/cmplx"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
)

// FFTShift rotates data so that DC sits in the middle. The result is a new
// slice.
func FFTShift(data []complex128) []complex128 {
	n := len(data)
	out := make([]complex128, n)
	half := n / 2
	copy(out, data[n-half:])
	copy(out[half:], data[:n-half])
	return out
}

// Summary describes one block of samples normalised to full scale 1.0.
type Summary struct {
	// PowerDBFS is the mean sample power.
	PowerDBFS float64 `json:"powerDbfs"`
	// PeakBin is the index of the strongest bin after FFTShift.
	PeakBin      int     `json:"peakBin"`
	PeakDBFS     float64 `json:"peakDbfs"`
	PeakOffsetHz float64 `json:"peakOffsetHz"`
}

// Analyzer computes block summaries. The window and FFT plan are kept for
// the last block size seen; an Analyzer is safe for concurrent use.
type Analyzer struct {
	mu        sync.Mutex
	size      int
	window    []float64
	windowSum float64
	fft       *fourier.CmplxFFT
	scratch   []complex128
	coeff     []complex128
}

// NewAnalyzer returns an Analyzer prepared for blocks of size samples.
func NewAnalyzer(size int) *Analyzer {
	a := &Analyzer{}
	a.resize(size)
	return a
}

func (a *Analyzer) resize(size int) {
	if size == a.size && a.fft != nil {
		return
	}
	a.size = size
	a.window = Hamming(size)
	a.windowSum = 0
	for _, v := range a.window {
		a.windowSum += v
	}
	a.fft = fourier.NewCmplxFFT(max(size, 1))
	a.coeff = make([]complex128, max(size, 1))
}

// Spectrum returns the windowed, DC-centred magnitude spectrum in dBFS.
// Empty bins read -Inf.
func (a *Analyzer) Spectrum(samples []complex128) []float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.spectrum(samples)
}

func (a *Analyzer) spectrum(samples []complex128) []float64 {
	if len(samples) == 0 {
		return []float64{}
	}
	a.resize(len(samples))
	a.scratch = ApplyWindow(a.scratch, samples, a.window)
	coeff := FFTShift(a.fft.Coefficients(a.coeff, a.scratch))
	dbfs := make([]float64, len(coeff))
	for i, v := range coeff {
		dbfs[i] = toDB(cmplx.Abs(v / complex(a.windowSum, 0)))
	}
	return dbfs
}

// Summarize computes power and spectral peak of samples taken at
// sampleRate samples per second. A zero sampleRate leaves PeakOffsetHz at 0.
func (a *Analyzer) Summarize(samples []complex128, sampleRate float64) Summary {
	if len(samples) == 0 {
		return Summary{PowerDBFS: math.Inf(-1), PeakDBFS: math.Inf(-1)}
	}
	var power float64
	for _, v := range samples {
		power += real(v)*real(v) + imag(v)*imag(v)
	}
	s := Summary{PowerDBFS: 10 * math.Log10(power/float64(len(samples)))}

	a.mu.Lock()
	dbfs := a.spectrum(samples)
	a.mu.Unlock()

	s.PeakDBFS = math.Inf(-1)
	for i, v := range dbfs {
		if v > s.PeakDBFS {
			s.PeakBin, s.PeakDBFS = i, v
		}
	}
	if sampleRate > 0 {
		s.PeakOffsetHz = float64(s.PeakBin-len(samples)/2) * sampleRate / float64(len(samples))
	}
	return s
}

func toDB(mag float64) float64 {
	if mag == 0 {
		return math.Inf(-1)
	}
	return 20 * math.Log10(mag)
}
