package align

import (
	"math"
	"math/rand"
)

// blobImage renders a sum of isotropic Gaussians on a w × h grid
func blobImage(w, h int, blobs ...[3]float64) *Image {
	im := NewImage(w, h, 1)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var v float64
			for _, b := range blobs {
				dx, dy := float64(x)-b[0], float64(y)-b[1]
				v += math.Exp(-(dx*dx + dy*dy) / (2 * b[2] * b[2]))
			}
			im.Pix[y*w+x] = v
		}
	}
	return im
}

// moveImage resamples src so that out(x) = src(m⁻¹·x), i.e. content moves by m
func moveImage(src *Image, m AffineMatrix) *Image {
	inv := InvertMatrix(m)
	out := NewImage(src.Width, src.Height, src.Spacing)
	for y := 0; y < src.Height; y++ {
		for x := 0; x < src.Width; x++ {
			p := TransformPoint(Point{X: float64(x), Y: float64(y)}, inv)
			if src.Contains(p.X, p.Y) {
				out.Pix[y*src.Width+x] = src.Sample(p.X, p.Y)
			}
		}
	}
	return out
}

func randomBuffer(n int, seed int64) []float64 {
	r := rand.New(rand.NewSource(seed))
	v := make([]float64, n)
	for i := range v {
		v[i] = r.Float64()
	}
	return v
}

// rectMap paints region id over [x0, x1) × [y0, y1)
func rectMap(rm *RegionMap, id uint32, x0, y0, x1, y1 int) {
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			rm.Labels[y*rm.Width+x] = id
		}
	}
}
