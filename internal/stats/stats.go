// Package stats implements the small set of statistical primitives the
// guardrail monitor and decision engine need: percentiles, the
// chi-square goodness-of-fit test, and Welch's t-test. None of the
// example repos import a statistics library for anything this size, so
// this is a deliberate standard-library-only package.
package stats

import "math"

// Percentile returns the p-th percentile (0..100) of values using
// linear interpolation between closest ranks. values is sorted in
// place; pass a copy if the caller still needs the original order.
func Percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sortFloats(values)
	if len(values) == 1 {
		return values[0]
	}
	rank := (p / 100) * float64(len(values)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return values[lo]
	}
	frac := rank - float64(lo)
	return values[lo]*(1-frac) + values[hi]*frac
}

func sortFloats(values []float64) {
	// Insertion sort: guardrail windows are small (minutes of traffic),
	// so an O(n^2) sort avoids importing sort for a handful of call
	// sites elsewhere still needing it. Swap to sort.Float64s if window
	// sizes grow into the thousands.
	for i := 1; i < len(values); i++ {
		v := values[i]
		j := i - 1
		for j >= 0 && values[j] > v {
			values[j+1] = values[j]
			j--
		}
		values[j+1] = v
	}
}

// ChiSquarePValue returns the upper-tail p-value of a chi-square
// statistic with df degrees of freedom: P(X >= stat). Used by the
// sample-ratio-mismatch guardrail to test observed vs. planned traffic
// splits.
func ChiSquarePValue(stat float64, df int) float64 {
	if stat < 0 || df <= 0 {
		return 1
	}
	return upperIncompleteGammaRegularized(float64(df)/2, stat/2)
}

// upperIncompleteGammaRegularized computes Q(a, x) = Γ(a,x)/Γ(a), the
// regularized upper incomplete gamma function, via the series
// representation of the lower half (x < a+1) or the continued-fraction
// representation of the upper half (x >= a+1). Standard numerical
// approach (Numerical Recipes §6.2); 200 iterations is ample for the
// magnitudes guardrail statistics produce.
func upperIncompleteGammaRegularized(a, x float64) float64 {
	if x < 0 || a <= 0 {
		return 1
	}
	if x == 0 {
		return 1
	}
	if x < a+1 {
		return 1 - lowerSeries(a, x)
	}
	return upperContinuedFraction(a, x)
}

func lowerSeries(a, x float64) float64 {
	gammaLnA := lgamma(a)
	ap := a
	sum := 1 / a
	term := sum
	for n := 0; n < 200; n++ {
		ap++
		term *= x / ap
		sum += term
		if math.Abs(term) < math.Abs(sum)*1e-14 {
			break
		}
	}
	return sum * math.Exp(-x+a*math.Log(x)-gammaLnA)
}

func upperContinuedFraction(a, x float64) float64 {
	const tiny = 1e-300
	gammaLnA := lgamma(a)
	b := x + 1 - a
	c := 1 / tiny
	d := 1 / b
	h := d
	for i := 1; i < 200; i++ {
		an := -float64(i) * (float64(i) - a)
		b += 2
		d = an*d + b
		if math.Abs(d) < tiny {
			d = tiny
		}
		c = b + an/c
		if math.Abs(c) < tiny {
			c = tiny
		}
		d = 1 / d
		delta := d * c
		h *= delta
		if math.Abs(delta-1) < 1e-14 {
			break
		}
	}
	return math.Exp(-x+a*math.Log(x)-gammaLnA) * h
}

func lgamma(a float64) float64 {
	v, _ := math.Lgamma(a)
	return v
}

// WelchTTest computes Welch's t-statistic and approximate degrees of
// freedom for two independent samples with unequal variance, summarized
// by (mean, variance, n) rather than raw samples so callers can stream
// sums instead of retaining every event.
func WelchTTest(mean1, var1 float64, n1 int, mean2, var2 float64, n2 int) (t, df float64) {
	if n1 < 2 || n2 < 2 {
		return 0, 0
	}
	se1 := var1 / float64(n1)
	se2 := var2 / float64(n2)
	se := se1 + se2
	if se <= 0 {
		return 0, 0
	}
	t = (mean1 - mean2) / math.Sqrt(se)
	df = (se * se) / (se1*se1/float64(n1-1) + se2*se2/float64(n2-1))
	return t, df
}

// OneSidedPValue returns P(T >= t) for a Student's t distribution with
// df degrees of freedom, via the regularized incomplete beta function
// relation. Used to turn WelchTTest's statistic into a confidence level.
func OneSidedPValue(t, df float64) float64 {
	if df <= 0 {
		return 1
	}
	x := df / (df + t*t)
	prob := 0.5 * regularizedIncompleteBeta(df/2, 0.5, x)
	if t > 0 {
		return prob
	}
	return 1 - prob
}

// regularizedIncompleteBeta computes I_x(a, b) via its continued
// fraction expansion (Numerical Recipes §6.4), valid for x in [0,1].
func regularizedIncompleteBeta(a, b, x float64) float64 {
	if x <= 0 {
		return 0
	}
	if x >= 1 {
		return 1
	}
	lbeta, _ := math.Lgamma(a)
	lb, _ := math.Lgamma(b)
	lab, _ := math.Lgamma(a + b)
	front := math.Exp(lab - lbeta - lb + a*math.Log(x) + b*math.Log(1-x))

	if x < (a+1)/(a+b+2) {
		return front * betaContinuedFraction(a, b, x) / a
	}
	return 1 - front*betaContinuedFraction(b, a, 1-x)/b
}

func betaContinuedFraction(a, b, x float64) float64 {
	const tiny = 1e-300
	qab := a + b
	qap := a + 1
	qam := a - 1
	c := 1.0
	d := 1 - qab*x/qap
	if math.Abs(d) < tiny {
		d = tiny
	}
	d = 1 / d
	h := d
	for m := 1; m < 200; m++ {
		m2 := float64(2 * m)
		aa := float64(m) * (b - float64(m)) * x / ((qam + m2) * (a + m2))
		d = 1 + aa*d
		if math.Abs(d) < tiny {
			d = tiny
		}
		c = 1 + aa/c
		if math.Abs(c) < tiny {
			c = tiny
		}
		d = 1 / d
		h *= d * c

		aa = -(a + float64(m)) * (qab + float64(m)) * x / ((a + m2) * (qap + m2))
		d = 1 + aa*d
		if math.Abs(d) < tiny {
			d = tiny
		}
		c = 1 + aa/c
		if math.Abs(c) < tiny {
			c = tiny
		}
		d = 1 / d
		delta := d * c
		h *= delta
		if math.Abs(delta-1) < 1e-14 {
			break
		}
	}
	return h
}
