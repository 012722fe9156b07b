package align

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// EstimatePixelSpacing guesses the physical size of a slice pixel from the
// tissue area ratio between the slice and an atlas section of known
// resolution. Slice tissue is every pixel above the midpoint of its 5th and
// 95th intensity percentiles; section tissue is every labelled pixel.
func EstimatePixelSpacing(slice *Image, section *AtlasSection) (float64, error) {
	gray := slice.Gray()
	sorted := append([]float64(nil), gray.Pix...)
	sort.Float64s(sorted)
	lo := stat.Quantile(0.05, stat.Empirical, sorted, nil)
	hi := stat.Quantile(0.95, stat.Empirical, sorted, nil)
	if hi-lo < 1e-9 {
		return 0, fmt.Errorf("slice has no tissue contrast")
	}
	threshold := (lo + hi) / 2

	var sliceArea, atlasArea int
	for _, v := range gray.Pix {
		if v > threshold {
			sliceArea++
		}
	}
	for _, l := range section.Labels.Labels {
		if l != 0 {
			atlasArea++
		}
	}
	if sliceArea == 0 || atlasArea == 0 {
		return 0, fmt.Errorf("cannot estimate spacing: slice tissue %d px, atlas tissue %d px", sliceArea, atlasArea)
	}
	return section.Resolution * math.Sqrt(float64(atlasArea)/float64(sliceArea)), nil
}
