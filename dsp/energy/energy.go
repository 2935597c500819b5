// Package energy estimates per-band signal power from small decimated
// ring buffers. The estimate is a rolling sum of squares over the ring,
// a cheap proxy for spectral content in one band; it performs no
// spectral analysis.
package energy

import "fmt"

const (
	// DefaultRingSize is the per-band ring length in decimated samples.
	DefaultRingSize = 16
	// DefaultDecimation keeps every 8th input sample.
	DefaultDecimation = 8
)

// BandConfig describes one monitored band.
type BandConfig struct {
	// RingSize is the number of decimated samples the rolling estimate
	// covers. Defaults to DefaultRingSize when 0.
	RingSize int
	// Decimation keeps every Decimation-th input sample. Defaults to
	// DefaultDecimation when 0.
	Decimation int
	// Threshold is the energy level separating the two gain states.
	Threshold float64
}

// GainLaw is the discrete two-level adaptive gain control law:
// above the band threshold the base gain is multiplied by Boost,
// otherwise by Attenuate. Smoothing, when > 0, applies a one-pole
// smoother across re-evaluations to suppress gain flutter at the
// threshold boundary; at 0 the switching is abrupt.
type GainLaw struct {
	Boost     float64
	Attenuate float64
	Smoothing float64
}

// DefaultGainLaw mirrors the boost/attenuate factors used by the
// original control law, with smoothing disabled.
func DefaultGainLaw() GainLaw {
	return GainLaw{Boost: 1.2, Attenuate: 0.8}
}

// Validate rejects factors that cannot form a stable control law.
func (l GainLaw) Validate() error {
	if l.Boost <= 0 {
		return fmt.Errorf("gain law boost must be > 0: %f", l.Boost)
	}

	if l.Attenuate <= 0 {
		return fmt.Errorf("gain law attenuate must be > 0: %f", l.Attenuate)
	}

	if l.Smoothing < 0 || l.Smoothing > 1 {
		return fmt.Errorf("gain law smoothing must be in [0, 1]: %f", l.Smoothing)
	}

	return nil
}

type band struct {
	ring       []float64
	pos        int
	filled     int
	sum        float64
	count      uint64
	decimation int
	threshold  float64

	factor    float64 // smoothed control-law output
	hasFactor bool
}

// Meter tracks the energy of a fixed set of bands. Not safe for
// concurrent use; Observe runs on the frame path and is
// allocation-free.
type Meter struct {
	bands []band
}

// NewMeter creates a meter for the given band configurations.
func NewMeter(cfgs []BandConfig) (*Meter, error) {
	if len(cfgs) == 0 {
		return nil, fmt.Errorf("energy meter needs at least one band")
	}

	m := &Meter{bands: make([]band, len(cfgs))}

	for i, cfg := range cfgs {
		if cfg.RingSize == 0 {
			cfg.RingSize = DefaultRingSize
		}

		if cfg.Decimation == 0 {
			cfg.Decimation = DefaultDecimation
		}

		if cfg.RingSize < 0 {
			return nil, fmt.Errorf("band %d ring size must be > 0: %d", i, cfg.RingSize)
		}

		if cfg.Decimation < 0 {
			return nil, fmt.Errorf("band %d decimation must be > 0: %d", i, cfg.Decimation)
		}

		if cfg.Threshold < 0 {
			return nil, fmt.Errorf("band %d threshold must be >= 0: %f", i, cfg.Threshold)
		}

		m.bands[i] = band{
			ring:       make([]float64, cfg.RingSize),
			decimation: cfg.Decimation,
			threshold:  cfg.Threshold,
		}
	}

	return m, nil
}

// NumBands returns the number of monitored bands.
func (m *Meter) NumBands() int { return len(m.bands) }

// Observe feeds one input sample to all bands. Each band stores every
// Decimation-th sample into its ring and updates its rolling sum of
// squares.
func (m *Meter) Observe(sample float64) {
	for i := range m.bands {
		b := &m.bands[i]

		take := b.count%uint64(b.decimation) == 0
		b.count++

		if !take {
			continue
		}

		square := sample * sample

		if b.filled == len(b.ring) {
			b.sum -= b.ring[b.pos]
		} else {
			b.filled++
		}

		b.ring[b.pos] = square
		b.sum += square

		b.pos++
		if b.pos >= len(b.ring) {
			b.pos = 0
		}
	}
}

// ObserveBlock feeds a block of samples.
func (m *Meter) ObserveBlock(samples []float64) {
	for _, s := range samples {
		m.Observe(s)
	}
}

// Energy returns the rolling sum of squares for the band. The result
// is non-negative for all inputs.
func (m *Meter) Energy(band int) float64 {
	if band < 0 || band >= len(m.bands) {
		return 0
	}

	// Guard against accumulated rounding pushing the sum below zero.
	if m.bands[band].sum < 0 {
		return 0
	}

	return m.bands[band].sum
}

// GainFactor evaluates the two-level control law for the band and
// returns the factor to multiply into the band's base gain. It is
// meant to be called once per frame.
func (m *Meter) GainFactor(bandIdx int, law GainLaw) float64 {
	if bandIdx < 0 || bandIdx >= len(m.bands) {
		return 1
	}

	b := &m.bands[bandIdx]

	factor := law.Attenuate
	if m.Energy(bandIdx) > b.threshold {
		factor = law.Boost
	}

	if law.Smoothing <= 0 {
		b.factor = factor
		b.hasFactor = true

		return factor
	}

	if !b.hasFactor {
		b.factor = factor
		b.hasFactor = true
	} else {
		b.factor += (factor - b.factor) * law.Smoothing
	}

	return b.factor
}

// Reset clears all ring buffers and control-law state.
func (m *Meter) Reset() {
	for i := range m.bands {
		b := &m.bands[i]
		for j := range b.ring {
			b.ring[j] = 0
		}

		b.pos = 0
		b.filled = 0
		b.sum = 0
		b.count = 0
		b.factor = 0
		b.hasFactor = false
	}
}
