package align

import "fmt"

// AffineFromLandmarks fits the least-squares affine mapping slice landmarks
// onto their atlas counterparts. Fewer than three pairs cannot pin all six
// parameters.
func AffineFromLandmarks(lms []Landmark) (AffineMatrix, error) {
	if len(lms) < 3 {
		return Identity(), fmt.Errorf("need at least 3 landmarks for an affine fit, got %d", len(lms))
	}
	src := make([]Point, len(lms))
	dst := make([]Point, len(lms))
	for i, lm := range lms {
		src[i] = lm.Slice
		dst[i] = lm.Atlas
	}
	return FitAffine(src, dst), nil
}

// LandmarkError returns the mean distance between T(slice) and atlas over
// the landmark set, in atlas-plane pixels
func LandmarkError(t Transform, lms []Landmark) float64 {
	if len(lms) == 0 {
		return 0
	}
	var sum float64
	for _, lm := range lms {
		sum += Distance(t.Apply(lm.Slice), lm.Atlas)
	}
	return sum / float64(len(lms))
}

// landmarksToLevel converts full-resolution landmarks to pyramid level
// coordinates with scale factor s = 2^level
func landmarksToLevel(lms []Landmark, s float64) []Landmark {
	out := make([]Landmark, len(lms))
	for i, lm := range lms {
		out[i] = Landmark{Slice: pointToLevel(lm.Slice, s), Atlas: pointToLevel(lm.Atlas, s)}
	}
	return out
}

// landmarkTerm evaluates weight·mean‖T(s)−a‖² in full-resolution pixels for
// level landmarks mapped by the level-space point map. It returns the energy
// and, per landmark, ∂E/∂T(s) in level units.
func landmarkTerm(lms []Landmark, mapped []Point, weight, s float64) (float64, []Point) {
	if len(lms) == 0 || weight == 0 {
		return 0, nil
	}
	n := float64(len(lms))
	var e float64
	grads := make([]Point, len(lms))
	for i, lm := range lms {
		dx := mapped[i].X - lm.Atlas.X
		dy := mapped[i].Y - lm.Atlas.Y
		e += s * s * (dx*dx + dy*dy)
		grads[i] = Point{X: 2 * weight * s * s * dx / n, Y: 2 * weight * s * s * dy / n}
	}
	return weight * e / n, grads
}

func pointToLevel(p Point, s float64) Point {
	return Point{X: (p.X+0.5)/s - 0.5, Y: (p.Y+0.5)/s - 0.5}
}

// affineToLevel re-expresses a full-resolution affine in level coordinates.
// Linear part is unchanged; translation absorbs the pixel-centre shift.
func affineToLevel(m AffineMatrix, s float64) AffineMatrix {
	h := (s - 1) / 2
	out := m
	out.Tx = (m.Tx + (m.A-1)*h + m.B*h) / s
	out.Ty = (m.Ty + m.C*h + (m.D-1)*h) / s
	return out
}

// affineFromLevel is the inverse of affineToLevel
func affineFromLevel(m AffineMatrix, s float64) AffineMatrix {
	h := (s - 1) / 2
	out := m
	out.Tx = s*m.Tx - (m.A-1)*h - m.B*h
	out.Ty = s*m.Ty - m.C*h - (m.D-1)*h
	return out
}
