package anc

import (
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"sync/atomic"

	"github.com/cwbudde/algo-vecmath"

	"github.com/cwbudde/algo-anc/dsp/biquad"
	"github.com/cwbudde/algo-anc/dsp/delay"
	"github.com/cwbudde/algo-anc/dsp/dynamics"
	"github.com/cwbudde/algo-anc/dsp/energy"
	"github.com/cwbudde/algo-anc/dsp/eq"
	"github.com/cwbudde/algo-anc/dsp/history"
	"github.com/cwbudde/algo-anc/dsp/predict"
	"github.com/cwbudde/algo-anc/dsp/spectrum"
)

var (
	// ErrAlreadyRunning is returned by Start on an active pipeline.
	ErrAlreadyRunning = errors.New("pipeline already running")

	// ErrNotRunning is returned by operations that need an active
	// processing session.
	ErrNotRunning = errors.New("pipeline not running")

	// ErrNotBound is returned by Run when the pipeline was started
	// without a frame source and sink.
	ErrNotBound = errors.New("pipeline has no bound frame source and sink")
)

// FrameSource delivers input frames to Run. ReadFrame fills dst and
// returns the number of samples written; a final partial frame may be
// returned together with io.EOF.
type FrameSource interface {
	ReadFrame(dst []float64) (int, error)
}

// FrameSink consumes processed frames from Run.
type FrameSink interface {
	WriteFrame(frame []float64) error
}

// Stats is a snapshot of pipeline counters.
type Stats struct {
	FramesProcessed uint64
	Faults          uint64
	LastFault       string
}

// session holds the state owned by the frame path for one Start/Stop
// cycle. It is published through an atomic pointer so ProcessFrame
// either sees the complete session or none at all.
type session struct {
	applied *Config // config snapshot last applied on the frame path

	hist  *history.Store
	pred  *predict.Predictor
	bank  *eq.Bank
	meter *energy.Meter
	comp  *delay.Compensator
	lim   *dynamics.Limiter

	analyzer *spectrum.Analyzer

	prediction []float64
	baseGainDB []float64
}

// Pipeline orchestrates the noise suppression chain. The frame path
// (ProcessFrame) is wait-free with respect to the control path
// (Configure, Retune, Start, Stop, Analysis): control changes are
// published as immutable config snapshots and picked up at the next
// frame boundary.
type Pipeline struct {
	mu sync.Mutex // serializes the control path

	cfg  atomic.Pointer[Config]
	sess atomic.Pointer[session]

	source FrameSource
	sink   FrameSink

	snapMu   sync.Mutex
	snapshot []float64 // copy of the last output frame, for Analysis

	frames    atomic.Uint64
	faults    atomic.Uint64
	lastFault atomic.Pointer[string]
}

// New creates an idle pipeline from the default config and options.
func New(opts ...Option) (*Pipeline, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p := &Pipeline{}
	p.cfg.Store(&cfg)

	return p, nil
}

// Config returns a copy of the current configuration.
func (p *Pipeline) Config() Config {
	return *p.cfg.Load().clone()
}

// Running reports whether a processing session is active.
func (p *Pipeline) Running() bool {
	return p.sess.Load() != nil
}

// Configure merges options into the current configuration. Invalid
// parameters are rejected as a whole and the prior configuration
// remains in effect.
//
// While running, parameter changes (mix law and weights, stage
// tunings, delay amount, limiter settings, adaptive law, output gain)
// take effect at the next frame boundary. Structural changes (sample
// rate, frame size, history and pattern dimensions, stage count,
// weight count, max delay) require an idle pipeline.
func (p *Pipeline) Configure(opts ...Option) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	cur := p.cfg.Load()

	next := cur.clone()
	for _, opt := range opts {
		if opt != nil {
			opt(next)
		}
	}

	if err := next.Validate(); err != nil {
		return err
	}

	if p.sess.Load() != nil {
		if field := structuralChange(cur, next); field != "" {
			return fmt.Errorf("cannot change %s while running", field)
		}
	}

	p.cfg.Store(next)

	return nil
}

// structuralChange names the first field whose change needs a session
// rebuild, or returns the empty string.
func structuralChange(prev, next *Config) string {
	switch {
	case next.SampleRate != prev.SampleRate:
		return "sample rate"
	case next.FrameSize != prev.FrameSize:
		return "frame size"
	case next.PatternLength != prev.PatternLength:
		return "pattern length"
	case next.HistoryCapacity != prev.HistoryCapacity:
		return "history capacity"
	case len(next.PredictionWeights) != len(prev.PredictionWeights):
		return "prediction weight count"
	case next.SearchWindow != prev.SearchWindow || next.SearchStride != prev.SearchStride:
		return "search scope"
	case len(next.FilterStages) != len(prev.FilterStages):
		return "filter stage count"
	case next.Adaptive.Enabled != prev.Adaptive.Enabled,
		next.Adaptive.RingSize != prev.Adaptive.RingSize,
		next.Adaptive.Decimation != prev.Adaptive.Decimation,
		next.Adaptive.Threshold != prev.Adaptive.Threshold,
		!equalFloats(next.Adaptive.Thresholds, prev.Adaptive.Thresholds):
		return "adaptive gain bands"
	case next.MaxDelaySeconds != prev.MaxDelaySeconds:
		return "max delay"
	case next.LimiterEnabled != prev.LimiterEnabled:
		return "limiter enablement"
	case next.AnalysisSize != prev.AnalysisSize:
		return "analysis size"
	default:
		return ""
	}
}

// Retune updates the parameters of one filter stage. The change is
// validated against the design rules first; on rejection the prior
// tuning stays in effect. While running, the frame path applies the
// redesign at the next frame boundary without resetting filter state.
func (p *Pipeline) Retune(stage int, freqHz, q, gainDB float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	cur := p.cfg.Load()
	if stage < 0 || stage >= len(cur.FilterStages) {
		return fmt.Errorf("stage index out of range [0, %d): %d", len(cur.FilterStages), stage)
	}

	if _, err := biquad.Peak(freqHz, q, gainDB, cur.SampleRate); err != nil {
		return fmt.Errorf("retune stage %d: %w", stage, err)
	}

	next := cur.clone()
	next.FilterStages[stage] = eq.Stage{FreqHz: freqHz, Q: q, GainDB: gainDB}
	p.cfg.Store(next)

	return nil
}

// Start builds a processing session from the current configuration.
// All per-session state is freshly allocated, so a restarted pipeline
// holds no history from the previous session.
//
// source and sink drive Run; both may be nil when the caller invokes
// ProcessFrame directly from its own capture callback.
func (p *Pipeline) Start(source FrameSource, sink FrameSink) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.sess.Load() != nil {
		return ErrAlreadyRunning
	}

	cfg := p.cfg.Load()

	sess, err := newSession(cfg)
	if err != nil {
		return err
	}

	p.source = source
	p.sink = sink

	p.snapMu.Lock()
	p.snapshot = make([]float64, cfg.FrameSize)
	p.snapMu.Unlock()

	p.sess.Store(sess)

	return nil
}

// Stop tears the session down. The gate is cleared first, so a frame
// arriving after Stop passes through untouched instead of racing the
// teardown. Configuration is retained for the next Start.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.sess.Load() == nil {
		return ErrNotRunning
	}

	p.sess.Store(nil)
	p.source = nil
	p.sink = nil

	p.snapMu.Lock()
	p.snapshot = nil
	p.snapMu.Unlock()

	return nil
}

func newSession(cfg *Config) (*session, error) {
	hist, err := history.New(cfg.HistoryCapacity, cfg.FrameSize)
	if err != nil {
		return nil, err
	}

	pred, err := predict.New(cfg.FrameSize, predict.Config{
		PatternLength: cfg.PatternLength,
		Weights:       cfg.PredictionWeights,
		SearchWindow:  cfg.SearchWindow,
		Stride:        cfg.SearchStride,
	})
	if err != nil {
		return nil, err
	}

	bank, err := eq.NewBank(cfg.SampleRate, cfg.FilterStages)
	if err != nil {
		return nil, err
	}

	var meter *energy.Meter
	if cfg.Adaptive.Enabled && len(cfg.FilterStages) > 0 {
		bands := make([]energy.BandConfig, len(cfg.FilterStages))
		for i := range bands {
			threshold := cfg.Adaptive.Threshold
			if len(cfg.Adaptive.Thresholds) > 0 {
				threshold = cfg.Adaptive.Thresholds[i]
			}

			bands[i] = energy.BandConfig{
				RingSize:   cfg.Adaptive.RingSize,
				Decimation: cfg.Adaptive.Decimation,
				Threshold:  threshold,
			}
		}

		meter, err = energy.NewMeter(bands)
		if err != nil {
			return nil, err
		}
	}

	comp, err := delay.NewForLatency(cfg.SampleRate, cfg.MaxDelaySeconds, cfg.DelaySeconds)
	if err != nil {
		return nil, err
	}

	var lim *dynamics.Limiter
	if cfg.LimiterEnabled {
		lim, err = dynamics.New(cfg.SampleRate, cfg.Limiter)
		if err != nil {
			return nil, err
		}
	}

	analyzer, err := spectrum.NewAnalyzer(cfg.analysisSize())
	if err != nil {
		return nil, err
	}

	baseGainDB := make([]float64, len(cfg.FilterStages))
	for i, st := range cfg.FilterStages {
		baseGainDB[i] = st.GainDB
	}

	return &session{
		applied:    cfg,
		hist:       hist,
		pred:       pred,
		bank:       bank,
		meter:      meter,
		comp:       comp,
		lim:        lim,
		analyzer:   analyzer,
		prediction: make([]float64, cfg.PatternLength),
		baseGainDB: baseGainDB,
	}, nil
}

// ProcessFrame runs one frame through the chain, writing the
// anti-noise output into dst. dst and src must both be FrameSize
// samples long. When the pipeline is idle the input passes through
// unchanged.
//
// A panic inside the chain is recovered: the frame passes through
// untouched, the fault counter is bumped and processing continues on
// the next frame. ProcessFrame must not be called concurrently with
// itself.
func (p *Pipeline) ProcessFrame(dst, src []float64) error {
	if len(dst) != len(src) {
		return fmt.Errorf("output length must match input length %d: %d", len(src), len(dst))
	}

	sess := p.sess.Load()
	if sess == nil {
		copy(dst, src)
		return nil
	}

	if len(src) != sess.applied.FrameSize {
		return fmt.Errorf("frame length must be %d: %d", sess.applied.FrameSize, len(src))
	}

	defer func() {
		if r := recover(); r != nil {
			copy(dst, src)
			p.faults.Add(1)

			msg := fmt.Sprintf("recovered processing fault: %v", r)
			p.lastFault.Store(&msg)
		}
	}()

	cfg := p.cfg.Load()
	if cfg != sess.applied {
		sess.applyControlChanges(cfg)
	}

	sess.hist.Append(src)
	sess.pred.Predict(sess.prediction, src, sess.hist)

	mixFrame(dst, src, sess.prediction, cfg)

	if sess.meter != nil {
		sess.meter.ObserveBlock(src)
		sess.adaptGains(cfg.Adaptive.Law)
	}

	sess.bank.ProcessBlock(dst)

	if sess.comp.Delay() > 0 {
		sess.comp.ProcessBlock(dst)
	}

	if sess.lim != nil {
		sess.lim.ProcessBlock(dst)
	}

	if g := cfg.OutputGain; g != 1 {
		vecmath.ScaleBlock(dst, dst, g)
	}

	p.frames.Add(1)

	// Diagnostics never block the frame path; a missed snapshot is
	// cheaper than a stall.
	if p.snapMu.TryLock() {
		copy(p.snapshot, dst)
		p.snapMu.Unlock()
	}

	return nil
}

// applyControlChanges folds a new config snapshot into the session
// state. Runs on the frame path only; the snapshot already passed
// Validate, so the per-component updates cannot fail.
func (s *session) applyControlChanges(cfg *Config) {
	prev := s.applied
	s.applied = cfg

	if !equalFloats(cfg.PredictionWeights, prev.PredictionWeights) {
		_ = s.pred.SetWeights(cfg.PredictionWeights)
	}

	if ds := cfg.delaySamples(); ds != s.comp.Delay() {
		_ = s.comp.SetDelay(ds)
	}

	if s.lim != nil && cfg.Limiter != prev.Limiter {
		_ = s.lim.Configure(cfg.Limiter)
	}

	for i, st := range cfg.FilterStages {
		if st == prev.FilterStages[i] {
			continue
		}

		_ = s.bank.Retune(i, st.FreqHz, st.Q, st.GainDB)
		s.baseGainDB[i] = st.GainDB
	}
}

// adaptGains re-evaluates the control law for every stage and applies
// the factor on top of the stage's base gain.
func (s *session) adaptGains(law energy.GainLaw) {
	for i, base := range s.baseGainDB {
		factor := s.meter.GainFactor(i, law)
		_ = s.bank.SetGainDB(i, base+20*math.Log10(factor))
	}
}

// mixFrame derives the anti-noise frame from the input and the
// prediction. The prediction covers the leading PatternLength samples;
// beyond it the predicted contribution is zero.
func mixFrame(dst, src, prediction []float64, cfg *Config) {
	switch cfg.MixLaw {
	case MixPrediction:
		n := copy(dst, prediction)
		for i := n; i < len(dst); i++ {
			dst[i] = 0
		}

	case MixInvert:
		vecmath.ScaleBlock(dst, src, -1)

	default:
		vecmath.ScaleBlock(dst, src, -cfg.InvertMix)

		n := len(prediction)
		if n > len(dst) {
			n = len(dst)
		}

		for i := 0; i < n; i++ {
			dst[i] += cfg.PredictionMix * prediction[i]
		}
	}
}

// Run pulls frames from the bound source, processes them and pushes
// the result to the sink until the source reports io.EOF. A final
// partial frame is zero-padded for processing and trimmed on output.
func (p *Pipeline) Run() error {
	p.mu.Lock()
	sess := p.sess.Load()
	source, sink := p.source, p.sink
	p.mu.Unlock()

	if sess == nil {
		return ErrNotRunning
	}

	if source == nil || sink == nil {
		return ErrNotBound
	}

	in := make([]float64, sess.applied.FrameSize)
	out := make([]float64, len(in))

	for {
		n, err := source.ReadFrame(in)
		if n > 0 {
			for i := n; i < len(in); i++ {
				in[i] = 0
			}

			if perr := p.ProcessFrame(out, in); perr != nil {
				return perr
			}

			if werr := sink.WriteFrame(out[:n]); werr != nil {
				return fmt.Errorf("write frame: %w", werr)
			}
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}

			return fmt.Errorf("read frame: %w", err)
		}
	}
}

// Analysis returns the magnitude spectrum of the most recent output
// frame. It runs entirely on the control path and never touches
// processing state.
func (p *Pipeline) Analysis() ([]float64, error) {
	sess := p.sess.Load()
	if sess == nil {
		return nil, ErrNotRunning
	}

	p.snapMu.Lock()
	defer p.snapMu.Unlock()

	if p.snapshot == nil {
		return nil, ErrNotRunning
	}

	return sess.analyzer.Magnitudes(p.snapshot)
}

// Stats returns the processing counters.
func (p *Pipeline) Stats() Stats {
	s := Stats{
		FramesProcessed: p.frames.Load(),
		Faults:          p.faults.Load(),
	}

	if msg := p.lastFault.Load(); msg != nil {
		s.LastFault = *msg
	}

	return s
}

func equalFloats(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}
