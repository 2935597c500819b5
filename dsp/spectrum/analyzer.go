// Package spectrum provides read-only diagnostics over processed
// audio: an FFT magnitude snapshot for monitoring UIs and a Goertzel
// probe for cheap single-frequency level checks.
package spectrum

import (
	"fmt"

	algofft "github.com/MeKo-Christian/algo-fft"
	"github.com/cwbudde/algo-vecmath"
)

// Analyzer computes magnitude snapshots of fixed-size frames. It owns
// its scratch buffers, so repeated snapshots allocate nothing beyond
// the returned bin slice.
type Analyzer struct {
	plan    *algofft.Plan[complex128]
	fftSize int

	in  []complex128
	out []complex128
	re  []float64
	im  []float64
}

// NewAnalyzer creates an analyzer for frames up to fftSize samples.
// fftSize must be a power of two.
func NewAnalyzer(fftSize int) (*Analyzer, error) {
	if fftSize <= 0 || fftSize&(fftSize-1) != 0 {
		return nil, fmt.Errorf("fft size must be a power of two: %d", fftSize)
	}

	plan, err := algofft.NewPlan64(fftSize)
	if err != nil {
		return nil, fmt.Errorf("spectrum: create FFT plan: %w", err)
	}

	half := fftSize/2 + 1

	return &Analyzer{
		plan:    plan,
		fftSize: fftSize,
		in:      make([]complex128, fftSize),
		out:     make([]complex128, fftSize),
		re:      make([]float64, half),
		im:      make([]float64, half),
	}, nil
}

// FFTSize returns the transform size.
func (a *Analyzer) FFTSize() int { return a.fftSize }

// NumBins returns the number of non-negative-frequency bins produced
// by Magnitudes.
func (a *Analyzer) NumBins() int { return a.fftSize/2 + 1 }

// BinFrequency returns the center frequency of bin i at sampleRate.
func (a *Analyzer) BinFrequency(i int, sampleRate float64) float64 {
	return float64(i) * sampleRate / float64(a.fftSize)
}

// Magnitudes returns |X[k]| for bins 0..fftSize/2 of the given frame.
// Frames shorter than the FFT size are zero-padded; longer frames are
// truncated. The input is not modified.
func (a *Analyzer) Magnitudes(frame []float64) ([]float64, error) {
	n := len(frame)
	if n > a.fftSize {
		n = a.fftSize
	}

	for i := 0; i < n; i++ {
		a.in[i] = complex(frame[i], 0)
	}

	for i := n; i < a.fftSize; i++ {
		a.in[i] = 0
	}

	if err := a.plan.Forward(a.out, a.in); err != nil {
		return nil, fmt.Errorf("spectrum: forward transform: %w", err)
	}

	half := a.NumBins()
	for i := 0; i < half; i++ {
		a.re[i] = real(a.out[i])
		a.im[i] = imag(a.out[i])
	}

	bins := make([]float64, half)
	vecmath.Magnitude(bins, a.re, a.im)

	return bins, nil
}
