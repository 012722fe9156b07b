package align

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// Metric is an image dissimilarity measure; lower is better. Evaluate
// returns D(fixed, warped) and, when grad is non-nil, writes ∂D/∂warped[i]
// into grad. Implementations must tolerate intensity scale differences
// between stains.
type Metric interface {
	Name() string
	Evaluate(fixed, warped, grad []float64) float64
}

// NCC is one minus the normalized cross-correlation
type NCC struct{}

// Name implements Metric
func (NCC) Name() string { return "ncc" }

// Evaluate implements Metric
func (NCC) Evaluate(fixed, warped, grad []float64) float64 {
	n := len(fixed)
	if n == 0 {
		return 1
	}
	var ms, mw float64
	for i := range fixed {
		ms += fixed[i]
		mw += warped[i]
	}
	ms /= float64(n)
	mw /= float64(n)

	var sw, ss, ww float64
	for i := range fixed {
		s := fixed[i] - ms
		w := warped[i] - mw
		sw += s * w
		ss += s * s
		ww += w * w
	}
	if ss < 1e-12 || ww < 1e-12 {
		for i := range grad {
			grad[i] = 0
		}
		return 1
	}
	norm := math.Sqrt(ss * ww)
	ncc := sw / norm
	if grad != nil {
		for i := range fixed {
			s := fixed[i] - ms
			w := warped[i] - mw
			grad[i] = -(s/norm - ncc*w/ww)
		}
	}
	return 1 - ncc
}

// MutualInformation is negative mutual information estimated from a joint
// histogram with linear (order-1 Parzen) binning of the warped intensities,
// which makes it differentiable.
type MutualInformation struct {
	Bins int
}

// Name implements Metric
func (MutualInformation) Name() string { return "mi" }

// Evaluate implements Metric
func (m MutualInformation) Evaluate(fixed, warped, grad []float64) float64 {
	bins := m.Bins
	if bins < 4 {
		bins = 32
	}
	n := len(fixed)
	if n == 0 {
		return 0
	}
	flo, fhi := minMax(fixed)
	wlo, whi := minMax(warped)
	if fhi-flo < 1e-12 || whi-wlo < 1e-12 {
		for i := range grad {
			grad[i] = 0
		}
		return 0
	}
	bw := (whi - wlo) / float64(bins-1)

	fbin := make([]int, n)
	wbin := make([]int, n)
	wfrac := make([]float64, n)
	joint := make([]float64, bins*bins)
	for i := range fixed {
		a := int(math.Round((fixed[i] - flo) / (fhi - flo) * float64(bins-1)))
		t := (warped[i] - wlo) / bw
		k := min(int(t), bins-2)
		f := t - float64(k)
		fbin[i], wbin[i], wfrac[i] = a, k, f
		joint[a*bins+k] += 1 - f
		joint[a*bins+k+1] += f
	}

	inv := 1 / float64(n)
	pa := make([]float64, bins)
	pb := make([]float64, bins)
	for a := 0; a < bins; a++ {
		for b := 0; b < bins; b++ {
			p := joint[a*bins+b] * inv
			joint[a*bins+b] = p
			pa[a] += p
			pb[b] += p
		}
	}

	var mi float64
	for a := 0; a < bins; a++ {
		for b := 0; b < bins; b++ {
			p := joint[a*bins+b]
			if p > 0 {
				mi += p * math.Log(p/(pa[a]*pb[b]))
			}
		}
	}

	if grad != nil {
		const eps = 1e-12
		dp := inv / bw
		for i := range fixed {
			a, k := fbin[i], wbin[i]
			l0 := math.Log(joint[a*bins+k]+eps) - math.Log(pb[k]+eps)
			l1 := math.Log(joint[a*bins+k+1]+eps) - math.Log(pb[k+1]+eps)
			grad[i] = -dp * (l1 - l0)
		}
	}
	return -mi
}

func minMax(v []float64) (lo, hi float64) {
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, x := range v {
		lo = math.Min(lo, x)
		hi = math.Max(hi, x)
	}
	return lo, hi
}

// Correlation returns the Pearson correlation of two equally sized buffers,
// 0 when either is constant
func Correlation(a, b []float64) float64 {
	if len(a) < 2 {
		return 0
	}
	_, sa := stat.MeanStdDev(a, nil)
	_, sb := stat.MeanStdDev(b, nil)
	if sa < 1e-12 || sb < 1e-12 {
		return 0
	}
	return stat.Correlation(a, b, nil)
}

// MetricByName resolves a configured metric name; unknown names fall back to NCC
func MetricByName(name string, bins int) Metric {
	switch name {
	case "mi", "mutual_information":
		return MutualInformation{Bins: bins}
	default:
		return NCC{}
	}
}
