package stats

import (
	"math"
	"testing"
)

func TestPercentileMedianAndP95(t *testing.T) {
	values := []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100}
	if got := Percentile(append([]float64(nil), values...), 50); math.Abs(got-55) > 1e-9 {
		t.Errorf("Percentile(50) = %v, want 55", got)
	}
	if got := Percentile(append([]float64(nil), values...), 0); got != 10 {
		t.Errorf("Percentile(0) = %v, want 10", got)
	}
	if got := Percentile(append([]float64(nil), values...), 100); got != 100 {
		t.Errorf("Percentile(100) = %v, want 100", got)
	}
}

func TestPercentileEmptyIsZero(t *testing.T) {
	if got := Percentile(nil, 95); got != 0 {
		t.Errorf("Percentile(nil) = %v, want 0", got)
	}
}

func TestChiSquarePValueKnownCriticalValues(t *testing.T) {
	// Standard chi-square critical values at alpha=0.05: df=1 -> 3.841,
	// df=2 -> 5.991. The corresponding p-value should land near 0.05.
	tests := []struct {
		stat float64
		df   int
	}{
		{3.841, 1},
		{5.991, 2},
	}
	for _, tt := range tests {
		p := ChiSquarePValue(tt.stat, tt.df)
		if math.Abs(p-0.05) > 0.005 {
			t.Errorf("ChiSquarePValue(%v, df=%d) = %v, want ~0.05", tt.stat, tt.df, p)
		}
	}
}

func TestChiSquarePValueZeroStatisticIsOne(t *testing.T) {
	if got := ChiSquarePValue(0, 1); math.Abs(got-1) > 1e-9 {
		t.Errorf("ChiSquarePValue(0, 1) = %v, want 1", got)
	}
}

func TestWelchTTestIdenticalSamplesNoDifference(t *testing.T) {
	tStat, df := WelchTTest(0.5, 0.1, 100, 0.5, 0.1, 100)
	if math.Abs(tStat) > 1e-9 {
		t.Errorf("WelchTTest() identical means t = %v, want 0", tStat)
	}
	p := OneSidedPValue(tStat, df)
	if math.Abs(p-0.5) > 0.01 {
		t.Errorf("OneSidedPValue(0, df) = %v, want ~0.5", p)
	}
}

func TestWelchTTestTreatmentBetterIsSignificant(t *testing.T) {
	tStat, df := WelchTTest(0.6, 0.05, 1000, 0.5, 0.05, 1000)
	if tStat <= 0 {
		t.Fatalf("WelchTTest() treatment>control t = %v, want > 0", tStat)
	}
	p := OneSidedPValue(tStat, df)
	if p > 0.01 {
		t.Errorf("OneSidedPValue() = %v, want a small p-value for a large separated sample", p)
	}
}

func TestWelchTTestTooFewSamplesReturnsZero(t *testing.T) {
	tStat, df := WelchTTest(1, 1, 1, 1, 1, 5)
	if tStat != 0 || df != 0 {
		t.Errorf("WelchTTest() with n1<2 = (%v, %v), want (0, 0)", tStat, df)
	}
}
