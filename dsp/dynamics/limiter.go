// Package dynamics provides the output limiter bounding the amplitude
// of the processed signal before it is emitted.
package dynamics

import (
	"fmt"
	"math"
)

const (
	minLimiterThresholdDB = -60.0
	maxLimiterThresholdDB = 0.0
	minLimiterKneeDB      = 0.0
	maxLimiterKneeDB      = 24.0
	minLimiterRatio       = 1.0
	maxLimiterRatio       = 1000.0
	minLimiterAttackS     = 0.00001
	maxLimiterAttackS     = 1.0
	minLimiterReleaseS    = 0.001
	maxLimiterReleaseS    = 10.0

	log2Of10Div20 = 0.16609640474436812 // log2(10)/20, dB -> log2 domain
)

// Config holds the limiter parameters. Times are in seconds.
type Config struct {
	ThresholdDB float64
	KneeDB      float64
	Ratio       float64
	AttackS     float64
	ReleaseS    float64
}

// DefaultConfig returns a transparent safety limiter.
func DefaultConfig() Config {
	return Config{
		ThresholdDB: -1.0,
		KneeDB:      2.0,
		Ratio:       20.0,
		AttackS:     0.001,
		ReleaseS:    0.1,
	}
}

// Validate rejects parameters outside their working ranges.
func (c Config) Validate() error {
	if c.ThresholdDB < minLimiterThresholdDB || c.ThresholdDB > maxLimiterThresholdDB || !isFinite(c.ThresholdDB) {
		return fmt.Errorf("limiter threshold must be in [%f, %f]: %f",
			minLimiterThresholdDB, maxLimiterThresholdDB, c.ThresholdDB)
	}

	if c.KneeDB < minLimiterKneeDB || c.KneeDB > maxLimiterKneeDB || !isFinite(c.KneeDB) {
		return fmt.Errorf("limiter knee must be in [%f, %f]: %f",
			minLimiterKneeDB, maxLimiterKneeDB, c.KneeDB)
	}

	if c.Ratio < minLimiterRatio || c.Ratio > maxLimiterRatio || !isFinite(c.Ratio) {
		return fmt.Errorf("limiter ratio must be in [%f, %f]: %f",
			minLimiterRatio, maxLimiterRatio, c.Ratio)
	}

	if c.AttackS < minLimiterAttackS || c.AttackS > maxLimiterAttackS || !isFinite(c.AttackS) {
		return fmt.Errorf("limiter attack must be in [%f, %f]: %f",
			minLimiterAttackS, maxLimiterAttackS, c.AttackS)
	}

	if c.ReleaseS < minLimiterReleaseS || c.ReleaseS > maxLimiterReleaseS || !isFinite(c.ReleaseS) {
		return fmt.Errorf("limiter release must be in [%f, %f]: %f",
			minLimiterReleaseS, maxLimiterReleaseS, c.ReleaseS)
	}

	return nil
}

// Limiter is a feedforward peak limiter: an attack/release envelope
// follower driving a soft-knee gain computer in the log2 domain.
// Not safe for concurrent use; processing is allocation-free.
type Limiter struct {
	cfg        Config
	sampleRate float64

	envelope     float64
	attackCoeff  float64
	releaseCoeff float64

	thresholdLog2    float64
	kneeWidthLog2    float64
	invKneeWidthLog2 float64
	compressionK     float64
}

// New creates a limiter for the given sample rate.
func New(sampleRate float64, cfg Config) (*Limiter, error) {
	if sampleRate <= 0 || !isFinite(sampleRate) {
		return nil, fmt.Errorf("limiter sample rate must be positive and finite: %f", sampleRate)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	l := &Limiter{cfg: cfg, sampleRate: sampleRate}
	l.recalculate()

	return l, nil
}

// Configure replaces the limiter parameters. Invalid parameters are
// rejected and the prior configuration remains in effect. Envelope
// state is preserved so reconfiguration does not click.
func (l *Limiter) Configure(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	l.cfg = cfg
	l.recalculate()

	return nil
}

// Config returns the active parameters.
func (l *Limiter) Config() Config { return l.cfg }

func (l *Limiter) recalculate() {
	l.attackCoeff = 1.0 - math.Exp(-math.Ln2/(l.cfg.AttackS*l.sampleRate))
	l.releaseCoeff = math.Exp(-math.Ln2 / (l.cfg.ReleaseS * l.sampleRate))

	l.thresholdLog2 = l.cfg.ThresholdDB * log2Of10Div20
	l.kneeWidthLog2 = l.cfg.KneeDB * log2Of10Div20

	if l.cfg.KneeDB > 0 {
		l.invKneeWidthLog2 = 1.0 / l.kneeWidthLog2
	} else {
		l.invKneeWidthLog2 = 0
	}

	l.compressionK = 1.0 - 1.0/l.cfg.Ratio
}

// ProcessSample limits one sample.
func (l *Limiter) ProcessSample(x float64) float64 {
	level := math.Abs(x)

	if level > l.envelope {
		l.envelope += (level - l.envelope) * l.attackCoeff
	} else {
		l.envelope = level + (l.envelope-level)*l.releaseCoeff
	}

	return x * l.gainForLevel(l.envelope)
}

// ProcessBlock limits a block in-place.
func (l *Limiter) ProcessBlock(buf []float64) {
	for i, x := range buf {
		buf[i] = l.ProcessSample(x)
	}
}

func (l *Limiter) gainForLevel(level float64) float64 {
	if level <= 0 {
		return 1.0
	}

	overshoot := math.Log2(level) - l.thresholdLog2

	if l.cfg.KneeDB <= 0 {
		if overshoot <= 0 {
			return 1.0
		}

		return math.Exp2(-overshoot * l.compressionK)
	}

	halfWidth := l.kneeWidthLog2 * 0.5
	if overshoot < -halfWidth {
		return 1.0
	}

	effective := overshoot
	if overshoot <= halfWidth {
		scratch := overshoot + halfWidth
		effective = scratch * scratch * 0.5 * l.invKneeWidthLog2
	}

	return math.Exp2(-effective * l.compressionK)
}

// Reset clears the envelope follower.
func (l *Limiter) Reset() {
	l.envelope = 0
}

func isFinite(v float64) bool {
	return !(math.IsNaN(v) || math.IsInf(v, 0))
}
