// Package eq implements the parametric filter bank: an ordered cascade
// of peaking stages attenuating or boosting narrow bands around their
// center frequencies. Stage parameters can be retuned in place while
// the bank is processing; changes take effect on the next sample and
// filter state is preserved, so retuning never resets the cascade.
package eq

import (
	"fmt"
	"math"
	"math/cmplx"

	"github.com/cwbudde/algo-anc/dsp/biquad"
)

// Stage describes one peaking filter in the cascade.
type Stage struct {
	FreqHz float64
	Q      float64
	GainDB float64
}

// Bank is an ordered series cascade of peaking stages. The processing
// methods are allocation-free and intended for the real-time frame
// path; Retune and SetGainDB mutate parameters in place.
type Bank struct {
	sampleRate float64
	stages     []Stage
	sections   []biquad.Section
}

// NewBank designs a cascade for the given stages. Every stage is
// validated; a bank with zero stages is valid and passes signal
// through unchanged.
func NewBank(sampleRate float64, stages []Stage) (*Bank, error) {
	b := &Bank{
		sampleRate: sampleRate,
		stages:     make([]Stage, len(stages)),
		sections:   make([]biquad.Section, len(stages)),
	}

	for i, st := range stages {
		c, err := biquad.Peak(st.FreqHz, st.Q, st.GainDB, sampleRate)
		if err != nil {
			return nil, fmt.Errorf("filter stage %d: %w", i, err)
		}

		b.stages[i] = st
		b.sections[i] = *biquad.NewSection(c)
	}

	return b, nil
}

// SampleRate returns the design sample rate in Hz.
func (b *Bank) SampleRate() float64 { return b.sampleRate }

// NumStages returns the number of stages in the cascade.
func (b *Bank) NumStages() int { return len(b.stages) }

// Stage returns the current parameters of stage i.
func (b *Bank) Stage(i int) (Stage, error) {
	if i < 0 || i >= len(b.stages) {
		return Stage{}, fmt.Errorf("stage index out of range [0, %d): %d", len(b.stages), i)
	}

	return b.stages[i], nil
}

// ProcessSample threads one sample through each stage in series order.
func (b *Bank) ProcessSample(x float64) float64 {
	for i := range b.sections {
		x = b.sections[i].ProcessSample(x)
	}

	return x
}

// ProcessBlock filters a block in-place through the full cascade.
func (b *Bank) ProcessBlock(buf []float64) {
	for i := range b.sections {
		b.sections[i].ProcessBlock(buf)
	}
}

// Retune redesigns stage i with new parameters, preserving its filter
// state. Invalid parameters are rejected and the prior tuning remains
// in effect.
func (b *Bank) Retune(i int, freqHz, q, gainDB float64) error {
	if i < 0 || i >= len(b.stages) {
		return fmt.Errorf("stage index out of range [0, %d): %d", len(b.stages), i)
	}

	c, err := biquad.Peak(freqHz, q, gainDB, b.sampleRate)
	if err != nil {
		return fmt.Errorf("retune stage %d: %w", i, err)
	}

	b.stages[i] = Stage{FreqHz: freqHz, Q: q, GainDB: gainDB}
	b.sections[i].SetCoefficients(c)

	return nil
}

// SetGainDB updates only the gain of stage i, keeping its frequency
// and Q. This is the per-frame fast path for energy-adaptive tuning.
func (b *Bank) SetGainDB(i int, gainDB float64) error {
	if i < 0 || i >= len(b.stages) {
		return fmt.Errorf("stage index out of range [0, %d): %d", len(b.stages), i)
	}

	st := b.stages[i]
	if st.GainDB == gainDB {
		return nil
	}

	return b.Retune(i, st.FreqHz, st.Q, gainDB)
}

// MagnitudeDB returns the cascaded magnitude response in dB at freqHz.
func (b *Bank) MagnitudeDB(freqHz float64) float64 {
	h := complex(1, 0)
	for i := range b.sections {
		h *= b.sections[i].Response(freqHz, b.sampleRate)
	}

	mag := cmplx.Abs(h)
	if mag < 1e-15 {
		return -300
	}

	return 20 * math.Log10(mag)
}

// Reset clears the state of every stage.
func (b *Bank) Reset() {
	for i := range b.sections {
		b.sections[i].Reset()
	}
}
