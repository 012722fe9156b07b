package align

import "fmt"

// DefaultUnassignedThreshold is the unassigned fraction above which label
// transfer reports a warning
const DefaultUnassignedThreshold = 0.25

// TransferStats summarises one label transfer
type TransferStats struct {
	Pixels     int `json:"pixels"`
	Assigned   int `json:"assigned"`   // mapped onto a non-zero label
	Background int `json:"background"` // mapped inside the plane onto label 0
	Outside    int `json:"outside"`    // mapped outside the atlas plane
}

// UnassignedFraction is the share of pixels left at 0 because they mapped
// outside the atlas plane
func (s TransferStats) UnassignedFraction() float64 {
	if s.Pixels == 0 {
		return 0
	}
	return float64(s.Outside) / float64(s.Pixels)
}

// TransferLabels builds the RegionMap of a width × height slice: each pixel
// takes the label nearest to T(x) in the atlas label plane, or 0 when T(x)
// leaves the plane. It is a pure function of its inputs.
func TransferLabels(t Transform, labels *LabelImage, width, height int) (*RegionMap, TransferStats) {
	rm := NewRegionMap(width, height)
	stats := TransferStats{Pixels: width * height}
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			id, ok := labels.Nearest(t.Apply(Point{X: float64(x), Y: float64(y)}))
			switch {
			case !ok:
				stats.Outside++
			case id == 0:
				stats.Background++
			default:
				stats.Assigned++
			}
			rm.Labels[y*width+x] = id
		}
	}
	return rm, stats
}

// CheckUnassigned returns a warning when more than threshold of the slice
// mapped outside the atlas plane. A threshold ≤ 0 uses the default.
func CheckUnassigned(stats TransferStats, threshold float64) *Warning {
	if threshold <= 0 {
		threshold = DefaultUnassignedThreshold
	}
	frac := stats.UnassignedFraction()
	if frac <= threshold {
		return nil
	}
	return &Warning{
		Kind:     WarnUnassignedRegion,
		Fraction: frac,
		Message:  fmt.Sprintf("%.1f%% of slice pixels map outside the atlas section", frac*100),
	}
}
