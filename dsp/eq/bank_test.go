package eq

import (
	"math"
	"testing"

	"github.com/cwbudde/algo-anc/internal/testutil"
)

const sr = 48000.0

func sineRMS(samples []float64) float64 {
	sum := 0.0
	for _, v := range samples {
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

func TestNewBankValidation(t *testing.T) {
	if _, err := NewBank(sr, []Stage{{FreqHz: -40, Q: 2.5, GainDB: -15}}); err == nil {
		t.Fatal("expected error for negative frequency")
	}

	if _, err := NewBank(sr, []Stage{{FreqHz: 40, Q: 0, GainDB: -15}}); err == nil {
		t.Fatal("expected error for zero Q")
	}
}

func TestEmptyBankPassesThrough(t *testing.T) {
	b, err := NewBank(sr, nil)
	if err != nil {
		t.Fatal(err)
	}

	in := testutil.DeterministicNoise(5, 1.0, 128)
	out := make([]float64, len(in))
	copy(out, in)
	b.ProcessBlock(out)

	testutil.RequireSliceNearlyEqual(t, out, in, 0)
}

func TestBandAttenuation(t *testing.T) {
	// A -15 dB peaking stage at 40 Hz must attenuate a 40 Hz tone by
	// roughly 15 dB and leave a remote tone essentially untouched.
	b, err := NewBank(sr, []Stage{{FreqHz: 40, Q: 2.5, GainDB: -15}})
	if err != nil {
		t.Fatal(err)
	}

	tone := testutil.DeterministicSine(40, sr, 1.0, 48000)
	b.ProcessBlock(tone)

	// Skip the initial transient before measuring.
	gotDB := 20 * math.Log10(sineRMS(tone[12000:])/(1.0/math.Sqrt2))
	if math.Abs(gotDB-(-15)) > 1.0 {
		t.Fatalf("40 Hz attenuation: got %v dB want about -15 dB", gotDB)
	}

	b.Reset()

	remote := testutil.DeterministicSine(4000, sr, 1.0, 48000)
	b.ProcessBlock(remote)

	remoteDB := 20 * math.Log10(sineRMS(remote[12000:])/(1.0/math.Sqrt2))
	if math.Abs(remoteDB) > 0.5 {
		t.Fatalf("remote frequency should be unaffected, got %v dB", remoteDB)
	}
}

func TestCascadeOrderIsSeries(t *testing.T) {
	// Two stages in series must multiply responses: the cascade response
	// equals the sum of per-stage responses in dB.
	b, err := NewBank(sr, []Stage{
		{FreqHz: 100, Q: 2, GainDB: -6},
		{FreqHz: 100, Q: 2, GainDB: -6},
	})
	if err != nil {
		t.Fatal(err)
	}

	if got := b.MagnitudeDB(100); math.Abs(got-(-12)) > 0.05 {
		t.Fatalf("series cascade at center: got %v dB want -12 dB", got)
	}
}

func TestRetune(t *testing.T) {
	b, err := NewBank(sr, []Stage{{FreqHz: 40, Q: 2.5, GainDB: -15}})
	if err != nil {
		t.Fatal(err)
	}

	if err := b.Retune(0, 120, 1.8, -9); err != nil {
		t.Fatal(err)
	}

	st, err := b.Stage(0)
	if err != nil {
		t.Fatal(err)
	}

	if st.FreqHz != 120 || st.Q != 1.8 || st.GainDB != -9 {
		t.Fatalf("stage after retune: %+v", st)
	}

	if got := b.MagnitudeDB(120); math.Abs(got-(-9)) > 0.05 {
		t.Fatalf("response after retune: got %v dB want -9 dB", got)
	}
}

func TestRetuneRejectsInvalidAndKeepsPrior(t *testing.T) {
	b, err := NewBank(sr, []Stage{{FreqHz: 40, Q: 2.5, GainDB: -15}})
	if err != nil {
		t.Fatal(err)
	}

	if err := b.Retune(0, -1, 2.5, -15); err == nil {
		t.Fatal("expected error for negative frequency")
	}

	st, _ := b.Stage(0)
	if st.FreqHz != 40 {
		t.Fatalf("prior tuning must remain in effect, got %+v", st)
	}

	if err := b.Retune(3, 40, 2.5, -15); err == nil {
		t.Fatal("expected error for out-of-range stage")
	}
}

func TestSetGainDB(t *testing.T) {
	b, err := NewBank(sr, []Stage{{FreqHz: 200, Q: 2, GainDB: -6}})
	if err != nil {
		t.Fatal(err)
	}

	if err := b.SetGainDB(0, -12); err != nil {
		t.Fatal(err)
	}

	st, _ := b.Stage(0)
	if st.GainDB != -12 || st.FreqHz != 200 || st.Q != 2 {
		t.Fatalf("SetGainDB must only change gain: %+v", st)
	}
}

func TestRetunePreservesStateAcrossChange(t *testing.T) {
	b, err := NewBank(sr, []Stage{{FreqHz: 100, Q: 2, GainDB: -6}})
	if err != nil {
		t.Fatal(err)
	}

	tone := testutil.DeterministicSine(100, sr, 0.5, 4096)
	for _, x := range tone {
		b.ProcessSample(x)
	}

	if err := b.Retune(0, 100, 2, -7); err != nil {
		t.Fatal(err)
	}

	// The next sample must be continuous-ish, not a fresh-state click;
	// with preserved state the output stays bounded near the tone level.
	y := b.ProcessSample(tone[0])
	if math.Abs(y) > 1.0 {
		t.Fatalf("discontinuity after retune: %v", y)
	}
}

func BenchmarkProcessBlockThreeStages(b *testing.B) {
	bank, _ := NewBank(sr, []Stage{
		{FreqHz: 40, Q: 2.5, GainDB: -15},
		{FreqHz: 120, Q: 1.8, GainDB: -9},
		{FreqHz: 1200, Q: 1.2, GainDB: -4},
	})
	buf := testutil.DeterministicNoise(1, 1.0, 1024)
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		bank.ProcessBlock(buf)
	}
}
