package anc

import (
	"fmt"
	"math"

	"github.com/cwbudde/algo-anc/dsp/biquad"
	"github.com/cwbudde/algo-anc/dsp/dynamics"
	"github.com/cwbudde/algo-anc/dsp/energy"
	"github.com/cwbudde/algo-anc/dsp/eq"
	"github.com/cwbudde/algo-anc/dsp/predict"
)

// MixLaw selects how the anti-noise frame is derived from the input
// frame and the predicted waveform.
type MixLaw int

const (
	// MixBlend combines the inverted input with the prediction using
	// the configured mix weights. This is the default law.
	MixBlend MixLaw = iota

	// MixPrediction plays back the predicted waveform only.
	MixPrediction

	// MixInvert outputs the phase-inverted input only.
	MixInvert
)

// String returns the textual name of the law.
func (m MixLaw) String() string {
	switch m {
	case MixBlend:
		return "blend"
	case MixPrediction:
		return "prediction"
	case MixInvert:
		return "invert"
	default:
		return fmt.Sprintf("MixLaw(%d)", int(m))
	}
}

// ParseMixLaw converts a textual law name as printed by String.
func ParseMixLaw(s string) (MixLaw, error) {
	switch s {
	case "blend":
		return MixBlend, nil
	case "prediction":
		return MixPrediction, nil
	case "invert":
		return MixInvert, nil
	default:
		return 0, fmt.Errorf("unknown mix law %q", s)
	}
}

// AdaptiveConfig controls energy-adaptive tuning of the filter bank.
// When enabled, one energy band is monitored per filter stage and the
// stage gain is scaled by the control-law factor every frame.
type AdaptiveConfig struct {
	Enabled bool

	// Law is the two-level boost/attenuate control law.
	Law energy.GainLaw

	// Threshold is the band energy separating the two gain states,
	// applied to every monitored band.
	Threshold float64

	// Thresholds, when non-empty, gives each stage's band its own
	// threshold instead of the shared one. Its length must equal the
	// number of filter stages.
	Thresholds []float64

	// RingSize and Decimation configure the per-band estimator; zero
	// selects the package defaults.
	RingSize   int
	Decimation int
}

// Config is the complete pipeline configuration. Mutate it through
// Options and Pipeline.Configure; the pipeline treats stored configs
// as immutable snapshots.
type Config struct {
	SampleRate float64

	// FrameSize is the per-callback frame length in samples.
	FrameSize int

	// PatternLength is the trailing window compared during pattern
	// matching and the length of the synthesized prediction.
	PatternLength int

	// HistoryCapacity bounds the pattern history in frames.
	HistoryCapacity int

	// PredictionWeights blends the best matches in rank order.
	PredictionWeights []float64

	// SearchWindow and SearchStride bound the matching cost for
	// low-latency profiles. Zero window searches the full history;
	// stride 1 compares every sample.
	SearchWindow int
	SearchStride int

	MixLaw MixLaw

	// InvertMix and PredictionMix weight the inverted input and the
	// prediction under MixBlend.
	InvertMix     float64
	PredictionMix float64

	// FilterStages is the peaking cascade shaping the anti-noise
	// signal. Empty passes signal through unfiltered.
	FilterStages []eq.Stage

	Adaptive AdaptiveConfig

	// DelaySeconds aligns the output with downstream playback latency.
	// MaxDelaySeconds fixes the compensator capacity for the session
	// so the delay can be retargeted without reallocation.
	DelaySeconds    float64
	MaxDelaySeconds float64

	LimiterEnabled bool
	Limiter        dynamics.Config

	// OutputGain is the final linear output scale.
	OutputGain float64

	// AnalysisSize is the FFT size for Analysis snapshots; zero picks
	// the next power of two at or above FrameSize.
	AnalysisSize int
}

// Option mutates a Config.
type Option func(*Config)

// DefaultConfig returns the standard full-scope configuration: blend
// mixing, no filter stages, no delay, limiter engaged.
func DefaultConfig() Config {
	weights := make([]float64, len(predict.DefaultWeights))
	copy(weights, predict.DefaultWeights)

	return Config{
		SampleRate:        48000,
		FrameSize:         256,
		PatternLength:     128,
		HistoryCapacity:   512,
		PredictionWeights: weights,
		SearchStride:      1,
		MixLaw:            MixBlend,
		InvertMix:         0.7,
		PredictionMix:     0.3,
		Adaptive:          AdaptiveConfig{Law: energy.DefaultGainLaw()},
		MaxDelaySeconds:   0.25,
		LimiterEnabled:    true,
		Limiter:           dynamics.DefaultConfig(),
		OutputGain:        1.0,
	}
}

// WithSampleRate sets the processing sample rate.
func WithSampleRate(sampleRate float64) Option {
	return func(cfg *Config) { cfg.SampleRate = sampleRate }
}

// WithFrameSize sets the per-callback frame length in samples.
func WithFrameSize(frameSize int) Option {
	return func(cfg *Config) { cfg.FrameSize = frameSize }
}

// WithPatternLength sets the pattern matching window length.
func WithPatternLength(patternLength int) Option {
	return func(cfg *Config) { cfg.PatternLength = patternLength }
}

// WithHistoryCapacity bounds the pattern history in frames.
func WithHistoryCapacity(capacity int) Option {
	return func(cfg *Config) { cfg.HistoryCapacity = capacity }
}

// WithPredictionWeights sets the match blend weights; their count
// fixes how many candidates are blended.
func WithPredictionWeights(weights ...float64) Option {
	return func(cfg *Config) {
		cfg.PredictionWeights = make([]float64, len(weights))
		copy(cfg.PredictionWeights, weights)
	}
}

// WithSearchScope bounds pattern matching to the most recent window
// frames, comparing every stride-th sample.
func WithSearchScope(window, stride int) Option {
	return func(cfg *Config) {
		cfg.SearchWindow = window
		cfg.SearchStride = stride
	}
}

// WithMixLaw selects the anti-noise mixing law.
func WithMixLaw(law MixLaw) Option {
	return func(cfg *Config) { cfg.MixLaw = law }
}

// WithMixWeights sets the inverted-input and prediction weights used
// by MixBlend.
func WithMixWeights(invert, prediction float64) Option {
	return func(cfg *Config) {
		cfg.InvertMix = invert
		cfg.PredictionMix = prediction
	}
}

// WithFilterStages replaces the peaking cascade.
func WithFilterStages(stages ...eq.Stage) Option {
	return func(cfg *Config) {
		cfg.FilterStages = make([]eq.Stage, len(stages))
		copy(cfg.FilterStages, stages)
	}
}

// WithAdaptiveGain configures energy-adaptive stage gains.
func WithAdaptiveGain(adaptive AdaptiveConfig) Option {
	return func(cfg *Config) { cfg.Adaptive = adaptive }
}

// WithDelay sets the output delay in seconds.
func WithDelay(seconds float64) Option {
	return func(cfg *Config) { cfg.DelaySeconds = seconds }
}

// WithMaxDelay sets the maximum compensable delay in seconds.
func WithMaxDelay(seconds float64) Option {
	return func(cfg *Config) { cfg.MaxDelaySeconds = seconds }
}

// WithLimiter enables the output limiter with the given settings.
func WithLimiter(limiter dynamics.Config) Option {
	return func(cfg *Config) {
		cfg.LimiterEnabled = true
		cfg.Limiter = limiter
	}
}

// WithoutLimiter disables the output limiter.
func WithoutLimiter() Option {
	return func(cfg *Config) { cfg.LimiterEnabled = false }
}

// WithOutputGain sets the final linear output scale.
func WithOutputGain(gain float64) Option {
	return func(cfg *Config) { cfg.OutputGain = gain }
}

// WithAnalysisSize sets the FFT size used by Analysis. Must be a
// power of two; zero derives it from the frame size.
func WithAnalysisSize(fftSize int) Option {
	return func(cfg *Config) { cfg.AnalysisSize = fftSize }
}

// clone deep-copies the config so stored snapshots stay immutable.
func (cfg *Config) clone() *Config {
	next := *cfg

	next.PredictionWeights = make([]float64, len(cfg.PredictionWeights))
	copy(next.PredictionWeights, cfg.PredictionWeights)

	next.FilterStages = make([]eq.Stage, len(cfg.FilterStages))
	copy(next.FilterStages, cfg.FilterStages)

	if cfg.Adaptive.Thresholds != nil {
		next.Adaptive.Thresholds = make([]float64, len(cfg.Adaptive.Thresholds))
		copy(next.Adaptive.Thresholds, cfg.Adaptive.Thresholds)
	}

	return &next
}

// Validate checks the full parameter set, including a trial design of
// every filter stage, so an accepted config can always be started.
func (cfg *Config) Validate() error {
	if cfg.SampleRate <= 0 || math.IsNaN(cfg.SampleRate) || math.IsInf(cfg.SampleRate, 0) {
		return fmt.Errorf("sample rate must be > 0: %v", cfg.SampleRate)
	}

	if cfg.FrameSize <= 0 {
		return fmt.Errorf("frame size must be > 0: %d", cfg.FrameSize)
	}

	if cfg.PatternLength <= 0 || cfg.PatternLength > cfg.FrameSize {
		return fmt.Errorf("pattern length must be in [1, %d]: %d", cfg.FrameSize, cfg.PatternLength)
	}

	if cfg.HistoryCapacity <= 0 {
		return fmt.Errorf("history capacity must be > 0: %d", cfg.HistoryCapacity)
	}

	if len(cfg.PredictionWeights) == 0 {
		return fmt.Errorf("prediction weights must not be empty")
	}

	for i, w := range cfg.PredictionWeights {
		if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			return fmt.Errorf("prediction weight %d must be >= 0: %v", i, w)
		}
	}

	if cfg.SearchWindow < 0 {
		return fmt.Errorf("search window must be >= 0: %d", cfg.SearchWindow)
	}

	if cfg.SearchStride <= 0 {
		return fmt.Errorf("search stride must be > 0: %d", cfg.SearchStride)
	}

	switch cfg.MixLaw {
	case MixBlend, MixPrediction, MixInvert:
	default:
		return fmt.Errorf("unknown mix law: %d", int(cfg.MixLaw))
	}

	if cfg.InvertMix < 0 || math.IsNaN(cfg.InvertMix) || math.IsInf(cfg.InvertMix, 0) {
		return fmt.Errorf("invert mix weight must be >= 0: %v", cfg.InvertMix)
	}

	if cfg.PredictionMix < 0 || math.IsNaN(cfg.PredictionMix) || math.IsInf(cfg.PredictionMix, 0) {
		return fmt.Errorf("prediction mix weight must be >= 0: %v", cfg.PredictionMix)
	}

	for i, st := range cfg.FilterStages {
		if _, err := biquad.Peak(st.FreqHz, st.Q, st.GainDB, cfg.SampleRate); err != nil {
			return fmt.Errorf("filter stage %d: %w", i, err)
		}
	}

	if cfg.Adaptive.Enabled {
		if err := cfg.Adaptive.Law.Validate(); err != nil {
			return fmt.Errorf("adaptive gain: %w", err)
		}

		if cfg.Adaptive.Threshold < 0 {
			return fmt.Errorf("adaptive gain threshold must be >= 0: %f", cfg.Adaptive.Threshold)
		}

		if n := len(cfg.Adaptive.Thresholds); n != 0 && n != len(cfg.FilterStages) {
			return fmt.Errorf("adaptive gain thresholds must match stage count %d: %d", len(cfg.FilterStages), n)
		}

		for i, th := range cfg.Adaptive.Thresholds {
			if th < 0 || math.IsNaN(th) {
				return fmt.Errorf("adaptive gain threshold %d must be >= 0: %f", i, th)
			}
		}

		if cfg.Adaptive.RingSize < 0 || cfg.Adaptive.Decimation < 0 {
			return fmt.Errorf("adaptive gain ring size and decimation must be >= 0")
		}
	}

	if cfg.DelaySeconds < 0 || math.IsNaN(cfg.DelaySeconds) {
		return fmt.Errorf("delay must be >= 0: %v", cfg.DelaySeconds)
	}

	if cfg.MaxDelaySeconds <= 0 || math.IsNaN(cfg.MaxDelaySeconds) {
		return fmt.Errorf("max delay must be > 0: %v", cfg.MaxDelaySeconds)
	}

	if cfg.DelaySeconds > cfg.MaxDelaySeconds {
		return fmt.Errorf("delay must be <= max delay %v: %v", cfg.MaxDelaySeconds, cfg.DelaySeconds)
	}

	if cfg.LimiterEnabled {
		if err := cfg.Limiter.Validate(); err != nil {
			return fmt.Errorf("limiter: %w", err)
		}
	}

	if cfg.OutputGain < 0 || math.IsNaN(cfg.OutputGain) || math.IsInf(cfg.OutputGain, 0) {
		return fmt.Errorf("output gain must be >= 0: %v", cfg.OutputGain)
	}

	if n := cfg.AnalysisSize; n != 0 && (n <= 0 || n&(n-1) != 0) {
		return fmt.Errorf("analysis size must be a power of two: %d", n)
	}

	return nil
}

// delaySamples converts the configured delay to whole samples.
func (cfg *Config) delaySamples() int {
	return int(math.Round(cfg.SampleRate * cfg.DelaySeconds))
}

// analysisSize resolves the FFT size for Analysis snapshots.
func (cfg *Config) analysisSize() int {
	if cfg.AnalysisSize > 0 {
		return cfg.AnalysisSize
	}

	n := 1
	for n < cfg.FrameSize {
		n <<= 1
	}

	return n
}
