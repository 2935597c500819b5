package predict

import (
	"math"
	"testing"

	"github.com/cwbudde/algo-anc/dsp/history"
	"github.com/cwbudde/algo-anc/internal/testutil"
)

func newStore(t *testing.T, capacity, frameLen int) *history.Store {
	t.Helper()

	s, err := history.New(capacity, frameLen)
	if err != nil {
		t.Fatal(err)
	}

	return s
}

func TestNewValidation(t *testing.T) {
	cases := []struct {
		name     string
		frameLen int
		cfg      Config
	}{
		{"zero pattern", 8, Config{PatternLength: 0, Weights: DefaultWeights}},
		{"pattern longer than frame", 8, Config{PatternLength: 9, Weights: DefaultWeights}},
		{"no weights", 8, Config{PatternLength: 4}},
		{"negative weight", 8, Config{PatternLength: 4, Weights: []float64{0.5, -0.1}}},
		{"negative window", 8, Config{PatternLength: 4, Weights: DefaultWeights, SearchWindow: -1}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.frameLen, tc.cfg); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestIdentityFallback(t *testing.T) {
	s := newStore(t, 8, 8)

	p, err := New(8, Config{PatternLength: 4, Weights: DefaultWeights})
	if err != nil {
		t.Fatal(err)
	}

	current := []float64{1, 2, 3, 4, 5, 6, 7, 8}
	dst := make([]float64, 4)

	// Empty history: trailing window returned unchanged.
	p.Predict(dst, current, s)
	testutil.RequireSliceNearlyEqual(t, dst, []float64{5, 6, 7, 8}, 0)

	// A single entry is still not enough to predict.
	s.Append(current)
	p.Predict(dst, current, s)
	testutil.RequireSliceNearlyEqual(t, dst, []float64{5, 6, 7, 8}, 0)
}

func TestDeterminism(t *testing.T) {
	s := newStore(t, 16, 32)

	p, err := New(32, Config{PatternLength: 16, Weights: DefaultWeights})
	if err != nil {
		t.Fatal(err)
	}

	for i := int64(0); i < 6; i++ {
		s.Append(testutil.DeterministicNoise(i+1, 0.8, 32))
	}

	current := testutil.DeterministicNoise(99, 0.8, 32)

	a := make([]float64, 16)
	b := make([]float64, 16)
	p.Predict(a, current, s)
	p.Predict(b, current, s)

	testutil.RequireSliceNearlyEqual(t, a, b, 0)
}

func TestConvergenceOnRepeatedFrame(t *testing.T) {
	const frameLen = 64
	const patternLen = 32

	s := newStore(t, 16, frameLen)

	p, err := New(frameLen, Config{PatternLength: patternLen, Weights: DefaultWeights})
	if err != nil {
		t.Fatal(err)
	}

	// Periodic within the pattern window so the leading and trailing
	// halves coincide.
	frame := testutil.DeterministicSine(1500, 48000, 0.5, frameLen)
	for i := 0; i < frameLen; i += patternLen {
		copy(frame[i:i+patternLen], frame[:patternLen])
	}

	dst := make([]float64, patternLen)
	for i := 0; i < len(DefaultWeights)+2; i++ {
		s.Append(frame)
		p.Predict(dst, frame, s)
	}

	// All top-K matches are identical, so the blend reproduces the frame.
	testutil.RequireSliceNearlyEqual(t, dst, frame[:patternLen], 1e-9)
}

func TestBestMatchSelection(t *testing.T) {
	s := newStore(t, 8, 4)

	p, err := New(4, Config{PatternLength: 4, Weights: []float64{1.0}})
	if err != nil {
		t.Fatal(err)
	}

	s.Append([]float64{9, 9, 9, 9})
	s.Append([]float64{1, 2, 3, 4})
	s.Append([]float64{-5, -5, -5, -5})

	dst := make([]float64, 4)
	p.Predict(dst, []float64{1, 2, 3, 4}, s)

	testutil.RequireSliceNearlyEqual(t, dst, []float64{1, 2, 3, 4}, 0)
}

func TestTieBreakPrefersNewer(t *testing.T) {
	s := newStore(t, 8, 2)

	p, err := New(2, Config{PatternLength: 2, Weights: []float64{1.0}})
	if err != nil {
		t.Fatal(err)
	}

	// Two candidates at identical distance from the zero pattern, with
	// opposite signs so the selected one is observable in the output.
	s.Append([]float64{0.5, 0.5})
	s.Append([]float64{-0.5, -0.5})

	dst := make([]float64, 2)
	p.Predict(dst, []float64{0, 0}, s)

	testutil.RequireSliceNearlyEqual(t, dst, []float64{-0.5, -0.5}, 0)
}

func TestSearchWindowExcludesOldMatches(t *testing.T) {
	s := newStore(t, 8, 2)

	p, err := New(2, Config{PatternLength: 2, Weights: []float64{1.0}, SearchWindow: 2})
	if err != nil {
		t.Fatal(err)
	}

	// The perfect match is older than the search window.
	s.Append([]float64{1, 1})
	s.Append([]float64{4, 4})
	s.Append([]float64{3, 3})

	dst := make([]float64, 2)
	p.Predict(dst, []float64{1, 1}, s)

	testutil.RequireSliceNearlyEqual(t, dst, []float64{3, 3}, 0)
}

func TestStrideApproximation(t *testing.T) {
	s := newStore(t, 8, 8)

	p, err := New(8, Config{PatternLength: 8, Weights: []float64{1.0}, Stride: 4})
	if err != nil {
		t.Fatal(err)
	}

	// Candidates differ only at indices skipped by stride 4, so the
	// strided score cannot tell them apart and the newer one wins.
	s.Append([]float64{1, 0, 0, 0, 1, 0, 0, 0})
	s.Append([]float64{1, 9, 9, 9, 1, 9, 9, 9})

	dst := make([]float64, 8)
	p.Predict(dst, []float64{1, 0, 0, 0, 1, 0, 0, 0}, s)

	if dst[1] != 9 {
		t.Fatalf("stride should have ignored mismatching samples, got %v", dst)
	}
}

func TestSubUnityWeightsScaleOutput(t *testing.T) {
	s := newStore(t, 4, 2)

	p, err := New(2, Config{PatternLength: 2, Weights: []float64{0.5}})
	if err != nil {
		t.Fatal(err)
	}

	s.Append([]float64{1, 1})
	s.Append([]float64{1, 1})

	dst := make([]float64, 2)
	p.Predict(dst, []float64{1, 1}, s)

	testutil.RequireSliceNearlyEqual(t, dst, []float64{0.5, 0.5}, 1e-12)
}

func TestShortCurrentFrameZeroPadsPattern(t *testing.T) {
	s := newStore(t, 4, 4)

	p, err := New(4, Config{PatternLength: 4, Weights: []float64{1.0}})
	if err != nil {
		t.Fatal(err)
	}

	dst := make([]float64, 4)
	p.Predict(dst, []float64{7, 8}, s)

	testutil.RequireSliceNearlyEqual(t, dst, []float64{0, 0, 7, 8}, 0)
}

func TestOutputFinite(t *testing.T) {
	s := newStore(t, 32, 64)

	p, err := New(64, Config{PatternLength: 64, Weights: DefaultWeights})
	if err != nil {
		t.Fatal(err)
	}

	dst := make([]float64, 64)
	for i := int64(0); i < 40; i++ {
		frame := testutil.DeterministicNoise(i, 1.0, 64)
		s.Append(frame)
		p.Predict(dst, frame, s)
		testutil.RequireFinite(t, dst)

		for _, v := range dst {
			if math.Abs(v) > 2 {
				t.Fatalf("prediction out of expected range: %v", v)
			}
		}
	}
}

func BenchmarkPredictFullScope(b *testing.B) {
	s, _ := history.New(512, 256)

	p, _ := New(256, Config{PatternLength: 128, Weights: DefaultWeights})
	for i := int64(0); i < 512; i++ {
		s.Append(testutil.DeterministicNoise(i, 1.0, 256))
	}

	current := testutil.DeterministicNoise(1000, 1.0, 256)
	dst := make([]float64, 128)
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		p.Predict(dst, current, s)
	}
}

func BenchmarkPredictLowLatency(b *testing.B) {
	s, _ := history.New(512, 256)

	p, _ := New(256, Config{PatternLength: 128, Weights: []float64{1.0}, SearchWindow: 8, Stride: 4})
	for i := int64(0); i < 512; i++ {
		s.Append(testutil.DeterministicNoise(i, 1.0, 256))
	}

	current := testutil.DeterministicNoise(1000, 1.0, 256)
	dst := make([]float64, 128)
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		p.Predict(dst, current, s)
	}
}
