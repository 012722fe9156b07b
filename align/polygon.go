package align

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// Polygon is one closed outline in slice pixel-corner coordinates,
// [0, W] × [0, H]. Holes are separate polygons pointing at their outer ring.
type Polygon struct {
	Region    uint32  `json:"region"`
	Component int     `json:"component"` // 1-based ordinal among the region's components
	Hole      bool    `json:"hole"`
	Parent    int     `json:"parent"` // index of the enclosing outer polygon, -1 for outers
	Ring      []Point `json:"ring"`   // first == last
}

// Closed reports whether the ring has at least three distinct vertices and
// ends where it starts
func (p Polygon) Closed() bool {
	n := len(p.Ring)
	return n >= 4 && p.Ring[0] == p.Ring[n-1]
}

// Area returns the enclosed area in square pixels
func (p Polygon) Area() float64 {
	return planar.Area(toOrbRing(p.Ring))
}

// Centroid returns the area centroid of the ring
func (p Polygon) Centroid() Point {
	c, _ := planar.CentroidArea(toOrbRing(p.Ring))
	return Point{X: c[0], Y: c[1]}
}

// Contains reports whether pt lies inside the ring
func (p Polygon) Contains(pt Point) bool {
	return planar.RingContains(toOrbRing(p.Ring), orb.Point{pt.X, pt.Y})
}

// Bound returns the axis-aligned bounds of the ring
func (p Polygon) Bound() orb.Bound {
	return toOrbRing(p.Ring).Bound()
}

// Simple reports whether the ring is closed and no two non-adjacent edges
// cross or overlap
func (p Polygon) Simple() bool {
	return p.Closed() && ringIsSimple(p.Ring)
}

// holeFits reports whether hole lies inside outer and clear of the other
// holes of the same component. Rings may meet at isolated points but must
// not cross or share an edge stretch.
func holeFits(outer, hole []Point, others [][]Point) bool {
	if ringsConflict(outer, hole) {
		return false
	}
	for i := 0; i+1 < len(hole); i++ {
		if !ringCovers(outer, hole[i]) || !ringCovers(outer, midpoint(hole[i], hole[i+1])) {
			return false
		}
	}
	for _, o := range others {
		if ringsConflict(o, hole) {
			return false
		}
		for i := 0; i+1 < len(hole); i++ {
			if strictlyInside(o, midpoint(hole[i], hole[i+1])) {
				return false
			}
		}
		for i := 0; i+1 < len(o); i++ {
			if strictlyInside(hole, midpoint(o[i], o[i+1])) {
				return false
			}
		}
	}
	return true
}

// ringsConflict reports whether an edge of a crosses or overlaps an edge of b
func ringsConflict(a, b []Point) bool {
	for i := 0; i+1 < len(a); i++ {
		for j := 0; j+1 < len(b); j++ {
			if segmentsCross(a[i], a[i+1], b[j], b[j+1]) {
				return true
			}
		}
	}
	return false
}

func ringCovers(ring []Point, p Point) bool {
	return onRing(ring, p) || planar.RingContains(toOrbRing(ring), orb.Point{p.X, p.Y})
}

func strictlyInside(ring []Point, p Point) bool {
	return !onRing(ring, p) && planar.RingContains(toOrbRing(ring), orb.Point{p.X, p.Y})
}

func onRing(ring []Point, p Point) bool {
	for i := 0; i+1 < len(ring); i++ {
		if onSegment(ring[i], ring[i+1], p) {
			return true
		}
	}
	return false
}

func onSegment(a, b, p Point) bool {
	const eps = 1e-9
	return sign(orient(a, b, p)) == 0 &&
		p.X >= math.Min(a.X, b.X)-eps && p.X <= math.Max(a.X, b.X)+eps &&
		p.Y >= math.Min(a.Y, b.Y)-eps && p.Y <= math.Max(a.Y, b.Y)+eps
}

func midpoint(a, b Point) Point {
	return Point{X: (a.X + b.X) / 2, Y: (a.Y + b.Y) / 2}
}

func toOrbRing(ring []Point) orb.Ring {
	r := make(orb.Ring, len(ring))
	for i, p := range ring {
		r[i] = orb.Point{p.X, p.Y}
	}
	return r
}

// signedArea is the shoelace area; positive for rings traced clockwise on
// screen (y down), which is how outer boundaries are traced
func signedArea(ring []Point) float64 {
	var a float64
	for i := 0; i+1 < len(ring); i++ {
		a += ring[i].X*ring[i+1].Y - ring[i+1].X*ring[i].Y
	}
	return a / 2
}

// ringIsSimple tests every pair of non-adjacent edges of a closed ring.
// Touching at a single vertex is allowed; proper crossings and collinear
// overlaps are not.
func ringIsSimple(ring []Point) bool {
	n := len(ring) - 1 // edges
	if n < 3 {
		return false
	}
	for i := 0; i < n; i++ {
		a, b := ring[i], ring[i+1]
		if a == b {
			return false
		}
		for j := i + 1; j < n; j++ {
			if j == i+1 || (i == 0 && j == n-1) {
				// adjacent edges only share an endpoint; reject folding back
				c, d := ring[j], ring[j+1]
				if collinearOverlap(a, b, c, d) {
					return false
				}
				continue
			}
			if segmentsCross(a, b, ring[j], ring[j+1]) {
				return false
			}
		}
	}
	return true
}

func orient(a, b, c Point) float64 {
	return (b.X-a.X)*(c.Y-a.Y) - (b.Y-a.Y)*(c.X-a.X)
}

func sign(v float64) int {
	const eps = 1e-12
	switch {
	case v > eps:
		return 1
	case v < -eps:
		return -1
	}
	return 0
}

// segmentsCross reports a proper crossing or a collinear overlap of
// positive length between ab and cd
func segmentsCross(a, b, c, d Point) bool {
	o1 := sign(orient(a, b, c))
	o2 := sign(orient(a, b, d))
	o3 := sign(orient(c, d, a))
	o4 := sign(orient(c, d, b))
	if o1*o2 < 0 && o3*o4 < 0 {
		return true
	}
	if o1 == 0 && o2 == 0 {
		return collinearOverlap(a, b, c, d)
	}
	return false
}

// collinearOverlap reports whether collinear segments share more than a point
func collinearOverlap(a, b, c, d Point) bool {
	if sign(orient(a, b, c)) != 0 || sign(orient(a, b, d)) != 0 {
		return false
	}
	dx, dy := b.X-a.X, b.Y-a.Y
	l2 := dx*dx + dy*dy
	if l2 == 0 {
		return false
	}
	t1 := ((c.X-a.X)*dx + (c.Y-a.Y)*dy) / l2
	t2 := ((d.X-a.X)*dx + (d.Y-a.Y)*dy) / l2
	lo, hi := math.Min(t1, t2), math.Max(t1, t2)
	return math.Min(hi, 1)-math.Max(lo, 0) > 1e-9
}
