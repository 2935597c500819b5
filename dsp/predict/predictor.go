// Package predict implements a heuristic nearest-neighbor waveform
// predictor. It scores stored history frames against the trailing
// pattern of the current frame by L1 distance and synthesizes the
// near-future waveform as a weighted blend of the best matches.
//
// This is deliberately not an adaptive filter (LMS/NLMS); it is a
// pattern-matching heuristic with a bounded, configuration-controlled
// cost of O(scope * patternLength / stride) per call.
package predict

import (
	"fmt"

	"github.com/cwbudde/algo-vecmath"

	"github.com/cwbudde/algo-anc/dsp/history"
)

// DefaultWeights is the standard blend over the three best matches.
// The weights sum to unity; configurations may use sub-unity sums to
// avoid over-amplification of the synthesized signal.
var DefaultWeights = []float64{0.5, 0.3, 0.2}

// Config controls pattern matching and synthesis.
type Config struct {
	// PatternLength is the trailing window length L compared against
	// the first L samples of each stored frame. Must be > 0 and no
	// longer than the stored frame length.
	PatternLength int

	// Weights is applied to the best matches in rank order; its length
	// determines how many candidates are blended (K).
	Weights []float64

	// SearchWindow restricts matching to the most recent W history
	// entries. 0 searches the entire history.
	SearchWindow int

	// Stride compares every Stride-th sample when scoring. Values > 1
	// trade precision for speed; 1 compares every sample.
	Stride int
}

// Predictor synthesizes a predicted frame from a history store.
// It is deterministic: identical (history, frame) inputs produce
// identical output. Not safe for concurrent use.
type Predictor struct {
	cfg Config

	pattern []float64 // trailing window of the current frame
	scratch []float64 // per-candidate scaled contribution

	bestIdx   []int
	bestScore []float64
}

// New returns a predictor for frames of frameLen samples.
func New(frameLen int, cfg Config) (*Predictor, error) {
	if cfg.PatternLength <= 0 || cfg.PatternLength > frameLen {
		return nil, fmt.Errorf("pattern length must be in [1, %d]: %d", frameLen, cfg.PatternLength)
	}

	if len(cfg.Weights) == 0 {
		return nil, fmt.Errorf("prediction weights must not be empty")
	}

	for i, w := range cfg.Weights {
		if w < 0 {
			return nil, fmt.Errorf("prediction weight %d must be >= 0: %f", i, w)
		}
	}

	if cfg.SearchWindow < 0 {
		return nil, fmt.Errorf("search window must be >= 0: %d", cfg.SearchWindow)
	}

	if cfg.Stride <= 0 {
		cfg.Stride = 1
	}

	k := len(cfg.Weights)

	return &Predictor{
		cfg:       cfg,
		pattern:   make([]float64, cfg.PatternLength),
		scratch:   make([]float64, cfg.PatternLength),
		bestIdx:   make([]int, 0, k),
		bestScore: make([]float64, 0, k),
	}, nil
}

// PatternLength returns the configured trailing window length L.
func (p *Predictor) PatternLength() int { return p.cfg.PatternLength }

// SetWeights replaces the blend weights in place. The new vector must
// have the same length as the configured one, so the candidate count
// K stays fixed. Intended to be called from the processing goroutine
// between frames.
func (p *Predictor) SetWeights(weights []float64) error {
	if len(weights) != len(p.cfg.Weights) {
		return fmt.Errorf("weight count must stay %d: %d", len(p.cfg.Weights), len(weights))
	}

	for i, w := range weights {
		if w < 0 {
			return fmt.Errorf("prediction weight %d must be >= 0: %f", i, w)
		}
	}

	copy(p.cfg.Weights, weights)

	return nil
}

// Predict writes the predicted next window of PatternLength samples
// into dst. current is the frame captured this cycle and hist the
// pattern history (normally already containing current).
//
// With fewer than two stored frames no prediction is possible and the
// trailing window of current is returned unchanged. Predict never
// fails and performs no allocation.
func (p *Predictor) Predict(dst, current []float64, hist *history.Store) {
	l := p.cfg.PatternLength
	if len(dst) < l {
		l = len(dst)
	}

	p.extractPattern(current)

	if hist.Len() < 2 {
		copy(dst[:l], p.pattern[:l])
		return
	}

	p.selectCandidates(hist)

	for i := range dst[:l] {
		dst[i] = 0
	}

	for rank, idx := range p.bestIdx {
		w := p.cfg.Weights[rank]
		cand := hist.At(idx)

		// Candidates shorter than the pattern contribute zeros for the
		// out-of-range tail.
		n := l
		if len(cand) < n {
			n = len(cand)
		}

		vecmath.ScaleBlock(p.scratch[:n], cand[:n], w)
		vecmath.AddBlockInPlace(dst[:n], p.scratch[:n])
	}
}

// extractPattern copies the trailing PatternLength samples of frame
// into the pattern buffer, zero-filling on the left when the frame is
// shorter than the pattern.
func (p *Predictor) extractPattern(frame []float64) {
	l := len(p.pattern)
	if len(frame) >= l {
		copy(p.pattern, frame[len(frame)-l:])
		return
	}

	pad := l - len(frame)
	for i := 0; i < pad; i++ {
		p.pattern[i] = 0
	}

	copy(p.pattern[pad:], frame)
}

// selectCandidates ranks the search scope by L1 distance to the
// current pattern, keeping the best K indices in ascending score
// order. Scanning runs oldest to newest and equal scores displace
// earlier entries, so ties resolve to the most recent frame.
func (p *Predictor) selectCandidates(hist *history.Store) {
	k := cap(p.bestIdx)
	p.bestIdx = p.bestIdx[:0]
	p.bestScore = p.bestScore[:0]

	start := 0
	if w := p.cfg.SearchWindow; w > 0 && hist.Len() > w {
		start = hist.Len() - w
	}

	for i := start; i < hist.Len(); i++ {
		score := p.score(hist.At(i))

		pos := len(p.bestScore)
		for pos > 0 && score <= p.bestScore[pos-1] {
			pos--
		}

		if pos == k {
			continue
		}

		if len(p.bestScore) < k {
			p.bestScore = append(p.bestScore, 0)
			p.bestIdx = append(p.bestIdx, 0)
		}

		copy(p.bestScore[pos+1:], p.bestScore[pos:])
		copy(p.bestIdx[pos+1:], p.bestIdx[pos:])
		p.bestScore[pos] = score
		p.bestIdx[pos] = i
	}
}

// score returns the strided L1 distance between the leading pattern
// window of cand and the current pattern.
func (p *Predictor) score(cand []float64) float64 {
	sum := 0.0

	l := len(p.pattern)
	if len(cand) < l {
		l = len(cand)
	}

	for j := 0; j < l; j += p.cfg.Stride {
		d := cand[j] - p.pattern[j]
		if d < 0 {
			d = -d
		}

		sum += d
	}

	return sum
}
