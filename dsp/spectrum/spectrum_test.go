package spectrum

import (
	"math"
	"testing"

	"github.com/cwbudde/algo-anc/internal/testutil"
)

func TestNewAnalyzerValidation(t *testing.T) {
	for _, size := range []int{0, -8, 100, 1000} {
		if _, err := NewAnalyzer(size); err == nil {
			t.Fatalf("size %d: expected error", size)
		}
	}

	if _, err := NewAnalyzer(256); err != nil {
		t.Fatal(err)
	}
}

func TestMagnitudesLocateTone(t *testing.T) {
	const (
		fftSize = 512
		sr      = 48000.0
	)

	a, err := NewAnalyzer(fftSize)
	if err != nil {
		t.Fatal(err)
	}

	// Bin-aligned tone: bin 32 = 3000 Hz at 48 kHz / 512.
	tone := testutil.DeterministicSine(3000, sr, 1.0, fftSize)

	bins, err := a.Magnitudes(tone)
	if err != nil {
		t.Fatal(err)
	}

	if len(bins) != a.NumBins() {
		t.Fatalf("bin count: got %d want %d", len(bins), a.NumBins())
	}

	peak := 0
	for i, m := range bins {
		if m > bins[peak] {
			peak = i
		}
	}

	if peak != 32 {
		t.Fatalf("tone bin: got %d want 32", peak)
	}

	if got := a.BinFrequency(peak, sr); math.Abs(got-3000) > 1e-9 {
		t.Fatalf("bin frequency: got %v want 3000", got)
	}

	// A bin-aligned full-scale sine has magnitude N/2 at its bin.
	if math.Abs(bins[peak]-fftSize/2) > 1.0 {
		t.Fatalf("peak magnitude: got %v want ~%v", bins[peak], fftSize/2)
	}
}

func TestMagnitudesZeroPadsShortFrames(t *testing.T) {
	a, err := NewAnalyzer(256)
	if err != nil {
		t.Fatal(err)
	}

	bins, err := a.Magnitudes(testutil.DC(1.0, 64))
	if err != nil {
		t.Fatal(err)
	}

	// DC bin equals the sum of the 64 ones regardless of padding.
	if math.Abs(bins[0]-64) > 1e-9 {
		t.Fatalf("DC bin: got %v want 64", bins[0])
	}
}

func TestMagnitudesDoesNotMutateInput(t *testing.T) {
	a, err := NewAnalyzer(128)
	if err != nil {
		t.Fatal(err)
	}

	in := testutil.DeterministicNoise(9, 1.0, 128)
	ref := make([]float64, len(in))
	copy(ref, in)

	if _, err := a.Magnitudes(in); err != nil {
		t.Fatal(err)
	}

	testutil.RequireSliceNearlyEqual(t, in, ref, 0)
}

func TestGoertzelValidation(t *testing.T) {
	if _, err := NewGoertzel(1000, 0); err == nil {
		t.Fatal("expected error for zero sample rate")
	}

	if _, err := NewGoertzel(30000, 48000); err == nil {
		t.Fatal("expected error for frequency above nyquist")
	}
}

func TestGoertzelMatchesDFTBin(t *testing.T) {
	const (
		n  = 4800
		sr = 48000.0
	)

	tone := testutil.DeterministicSine(440, sr, 0.5, n)

	got, err := ToneLevel(tone, 440, sr)
	if err != nil {
		t.Fatal(err)
	}

	// Expected DFT magnitude for amplitude A over N samples: A*N/2.
	want := 0.5 * n / 2
	if math.Abs(got-want)/want > 0.01 {
		t.Fatalf("tone level: got %v want ~%v", got, want)
	}
}

func TestGoertzelRejectsRemoteTone(t *testing.T) {
	const sr = 48000.0

	tone := testutil.DeterministicSine(440, sr, 1.0, 4800)

	onTone, err := ToneLevel(tone, 440, sr)
	if err != nil {
		t.Fatal(err)
	}

	offTone, err := ToneLevel(tone, 4000, sr)
	if err != nil {
		t.Fatal(err)
	}

	if offTone > onTone/100 {
		t.Fatalf("off-tone leakage too high: on=%v off=%v", onTone, offTone)
	}
}

func TestGoertzelReset(t *testing.T) {
	g, err := NewGoertzel(440, 48000)
	if err != nil {
		t.Fatal(err)
	}

	g.ProcessBlock(testutil.DeterministicSine(440, 48000, 1.0, 4800))
	g.Reset()

	if g.Power() != 0 {
		t.Fatalf("power after reset: %v", g.Power())
	}
}

func BenchmarkMagnitudes(b *testing.B) {
	a, _ := NewAnalyzer(512)
	frame := testutil.DeterministicNoise(1, 1.0, 512)
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		_, _ = a.Magnitudes(frame)
	}
}
