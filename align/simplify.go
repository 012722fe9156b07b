package align

import "math"

// SimplifyRDP reduces an open polyline with Ramer–Douglas–Peucker; every
// removed point lies within epsilon of the kept outline
func SimplifyRDP(points []Point, epsilon float64) []Point {
	if len(points) < 3 {
		return append([]Point(nil), points...)
	}

	dmax := 0.0
	index := 0
	end := len(points) - 1
	for i := 1; i < end; i++ {
		d := perpendicularDistance(points[i], points[0], points[end])
		if d > dmax {
			dmax = d
			index = i
		}
	}

	if dmax <= epsilon {
		return []Point{points[0], points[end]}
	}
	left := SimplifyRDP(points[:index+1], epsilon)
	right := SimplifyRDP(points[index:], epsilon)
	out := make([]Point, 0, len(left)+len(right)-1)
	out = append(out, left[:len(left)-1]...)
	return append(out, right...)
}

// SimplifyRing simplifies a closed ring (first == last). The ring is split
// at its start and at the vertex farthest from it so both halves keep their
// anchors.
func SimplifyRing(ring []Point, epsilon float64) []Point {
	n := len(ring) - 1
	if n < 4 || epsilon <= 0 {
		return append([]Point(nil), ring...)
	}
	far, fd := 0, -1.0
	for i := 1; i < n; i++ {
		if d := Distance(ring[0], ring[i]); d > fd {
			far, fd = i, d
		}
	}
	a := SimplifyRDP(ring[:far+1], epsilon)
	b := SimplifyRDP(ring[far:], epsilon)
	out := make([]Point, 0, len(a)+len(b)-1)
	out = append(out, a[:len(a)-1]...)
	return append(out, b...)
}

// simplifySafely halves the tolerance until the simplified ring is simple
// and non-degenerate, falling back to the traced ring
func simplifySafely(ring []Point, epsilon float64) []Point {
	for eps := epsilon; eps >= 0.05; eps /= 2 {
		s := SimplifyRing(ring, eps)
		if len(s) >= 4 && math.Abs(signedArea(s)) > 0 && ringIsSimple(s) {
			return s
		}
	}
	return ring
}

// simplifyComponent simplifies an outer ring and its holes together. Each
// hole must stay inside the outer and clear of the holes before it; a hole
// that does not fit at any tolerance keeps its traced ring. If a traced hole
// still clashes with the simplified outer, the outer is kept as traced too,
// and as a last resort every ring is.
func simplifyComponent(outer []Point, holes [][]Point, tol float64) [][]Point {
	traced := append([][]Point{outer}, holes...)
	if tol <= 0 {
		return traced
	}
	if rings, ok := fitHoles(simplifySafely(outer, tol), holes, tol); ok {
		return rings
	}
	if rings, ok := fitHoles(outer, holes, tol); ok {
		return rings
	}
	return traced
}

func fitHoles(outer []Point, holes [][]Point, tol float64) ([][]Point, bool) {
	rings := [][]Point{outer}
	for _, h := range holes {
		fitted := false
		for eps := tol; eps >= 0.05; eps /= 2 {
			s := SimplifyRing(h, eps)
			if len(s) >= 4 && math.Abs(signedArea(s)) > 0 && ringIsSimple(s) && holeFits(outer, s, rings[1:]) {
				rings = append(rings, s)
				fitted = true
				break
			}
		}
		if fitted {
			continue
		}
		if !holeFits(outer, h, rings[1:]) {
			return nil, false
		}
		rings = append(rings, h)
	}
	return rings, true
}

func perpendicularDistance(pt, lineStart, lineEnd Point) float64 {
	dx := lineEnd.X - lineStart.X
	dy := lineEnd.Y - lineStart.Y
	mag := math.Hypot(dx, dy)
	if mag == 0 {
		return math.Hypot(pt.X-lineStart.X, pt.Y-lineStart.Y)
	}
	return math.Abs(dy*(pt.X-lineStart.X)-dx*(pt.Y-lineStart.Y)) / mag
}
