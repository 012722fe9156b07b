package align

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// TransformPoint maps p through m: (a·x + b·y + tx, c·x + d·y + ty)
func TransformPoint(p Point, m AffineMatrix) Point {
	return Point{X: m.A*p.X + m.B*p.Y + m.Tx, Y: m.C*p.X + m.D*p.Y + m.Ty}
}

// TransformPoints maps every point of pts through m into a new slice
func TransformPoints(pts []Point, m AffineMatrix) []Point {
	out := make([]Point, 0, len(pts))
	for _, p := range pts {
		out = append(out, TransformPoint(p, m))
	}
	return out
}

// MultiplyMatrices returns outer∘inner, i.e. inner is applied first
func MultiplyMatrices(outer, inner AffineMatrix) AffineMatrix {
	t := TransformPoint(Point{X: inner.Tx, Y: inner.Ty}, outer)
	return AffineMatrix{
		A: outer.A*inner.A + outer.B*inner.C, B: outer.A*inner.B + outer.B*inner.D, Tx: t.X,
		C: outer.C*inner.A + outer.D*inner.C, D: outer.C*inner.B + outer.D*inner.D, Ty: t.Y,
	}
}

// InvertMatrix returns the inverse of m, or Identity when m is singular
func InvertMatrix(m AffineMatrix) AffineMatrix {
	det := m.Det()
	if math.Abs(det) < 1e-10 {
		return Identity()
	}
	lin := AffineMatrix{A: m.D / det, B: -m.B / det, C: -m.C / det, D: m.A / det}
	t := TransformPoint(Point{X: -m.Tx, Y: -m.Ty}, lin)
	lin.Tx, lin.Ty = t.X, t.Y
	return lin
}

func Translation(tx, ty float64) AffineMatrix {
	return AffineMatrix{A: 1, D: 1, Tx: tx, Ty: ty}
}

func Scale(sx, sy float64) AffineMatrix {
	return AffineMatrix{A: sx, D: sy}
}

// RotationDeg rotates counter-clockwise (in a y-up frame) about the origin
func RotationDeg(degrees float64) AffineMatrix {
	s, c := math.Sincos(degrees * math.Pi / 180)
	return AffineMatrix{A: c, B: -s, C: s, D: c}
}

// RotationAbout rotates by degrees around pivot
func RotationAbout(degrees float64, pivot Point) AffineMatrix {
	toOrigin := Translation(-pivot.X, -pivot.Y)
	back := Translation(pivot.X, pivot.Y)
	return MultiplyMatrices(back, MultiplyMatrices(RotationDeg(degrees), toOrigin))
}

// RotationDegrees is the rotation of m's linear part
func RotationDegrees(m AffineMatrix) float64 {
	return math.Atan2(m.C, m.A) * 180 / math.Pi
}

// FitAffine returns the least-squares transform taking src onto dst.
// One pair gives a translation, two pairs a similarity, three or more a full
// affine. Mismatched or empty input gives Identity.
func FitAffine(src, dst []Point) AffineMatrix {
	switch n := len(src); {
	case n == 0 || n != len(dst):
		return Identity()
	case n == 1:
		return Translation(dst[0].X-src[0].X, dst[0].Y-src[0].Y)
	case n == 2:
		return fitSimilarity(src[0], src[1], dst[0], dst[1])
	}
	return fitAffineQR(src, dst)
}

// fitSimilarity maps segment s0→s1 onto d0→d1 with rotation, uniform scale
// and shift
func fitSimilarity(s0, s1, d0, d1 Point) AffineMatrix {
	sv := Point{X: s1.X - s0.X, Y: s1.Y - s0.Y}
	dv := Point{X: d1.X - d0.X, Y: d1.Y - d0.Y}
	sl, dl := math.Hypot(sv.X, sv.Y), math.Hypot(dv.X, dv.Y)
	if sl < 1e-10 || dl < 1e-10 {
		return Identity()
	}

	theta := math.Atan2(dv.Y, dv.X) - math.Atan2(sv.Y, sv.X)
	m := MultiplyMatrices(RotationDeg(theta*180/math.Pi), Scale(dl/sl, dl/sl))
	at := TransformPoint(s0, m)
	m.Tx, m.Ty = d0.X-at.X, d0.Y-at.Y
	return m
}

// fitAffineQR solves [x y 1]·P = [x' y'] for the 3x2 parameter block P.
// Rank-deficient (collinear) input falls back to a similarity through the
// two source points furthest apart.
func fitAffineQR(src, dst []Point) AffineMatrix {
	n := len(src)
	design := mat.NewDense(n, 3, nil)
	obs := mat.NewDense(n, 2, nil)
	for i, p := range src {
		design.SetRow(i, []float64{p.X, p.Y, 1})
		obs.SetRow(i, []float64{dst[i].X, dst[i].Y})
	}

	if cond := mat.Cond(design, 2); math.IsInf(cond, 1) || cond > 1e12 {
		i, j := furthestPair(src)
		return fitSimilarity(src[i], src[j], dst[i], dst[j])
	}

	var qr mat.QR
	qr.Factorize(design)
	sol := mat.NewDense(3, 2, nil)
	if err := qr.SolveTo(sol, false, obs); err != nil {
		return Identity()
	}
	return AffineMatrix{
		A: sol.At(0, 0), B: sol.At(1, 0), Tx: sol.At(2, 0),
		C: sol.At(0, 1), D: sol.At(1, 1), Ty: sol.At(2, 1),
	}
}

func furthestPair(pts []Point) (int, int) {
	bi, bj, best := 0, len(pts)-1, -1.0
	for i := range pts {
		for j := i + 1; j < len(pts); j++ {
			if d := Distance(pts[i], pts[j]); d > best {
				bi, bj, best = i, j, d
			}
		}
	}
	return bi, bj
}

func Distance(a, b Point) float64 {
	return math.Hypot(b.X-a.X, b.Y-a.Y)
}

// Centroid is the mean of pts, the zero Point for none
func Centroid(pts []Point) Point {
	var c Point
	if len(pts) == 0 {
		return c
	}
	for _, p := range pts {
		c.X += p.X
		c.Y += p.Y
	}
	c.X /= float64(len(pts))
	c.Y /= float64(len(pts))
	return c
}
