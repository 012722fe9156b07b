package align

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractBoundaries_Rectangle(t *testing.T) {
	rm := NewRegionMap(20, 20)
	rectMap(rm, 7, 5, 4, 15, 10)

	ex, warnings := ExtractBoundaries(rm, BoundaryOptions{})
	assert.Empty(t, warnings)
	require.Len(t, ex.Polygons, 1)

	p := ex.Polygons[0]
	assert.Equal(t, uint32(7), p.Region)
	assert.Equal(t, 1, p.Component)
	assert.False(t, p.Hole)
	assert.Equal(t, -1, p.Parent)
	assert.Equal(t, []Point{{5, 4}, {15, 4}, {15, 10}, {5, 10}, {5, 4}}, p.Ring)
	assert.True(t, p.Closed())
	assert.True(t, p.Simple())
	assert.InDelta(t, 60, p.Area(), 1e-9)
	pointsNear(t, Point{X: 10, Y: 7}, p.Centroid(), 1e-9)
	assert.True(t, p.Contains(Point{X: 6, Y: 5}))
	assert.False(t, p.Contains(Point{X: 16, Y: 5}))
	assert.Equal(t, []uint32{7}, ex.Regions())
}

func TestExtractBoundaries_AreaMatchesPixelCount(t *testing.T) {
	rm := NewRegionMap(30, 30)
	// an L shape and a plus sign
	rectMap(rm, 2, 2, 2, 5, 20)
	rectMap(rm, 2, 2, 17, 15, 20)
	rectMap(rm, 4, 20, 10, 23, 25)
	rectMap(rm, 4, 15, 16, 28, 19)

	ex, _ := ExtractBoundaries(rm, BoundaryOptions{})
	for _, p := range ex.Polygons {
		assert.InDelta(t, float64(rm.Count(p.Region)), p.Area(), 1e-9, "region %d", p.Region)
		assert.True(t, p.Simple(), "region %d", p.Region)
	}
}

func TestExtractBoundaries_Hole(t *testing.T) {
	rm := NewRegionMap(16, 16)
	rectMap(rm, 3, 2, 2, 12, 12)
	rectMap(rm, 0, 5, 5, 8, 8)

	ex, _ := ExtractBoundaries(rm, BoundaryOptions{})
	require.Len(t, ex.Polygons, 2)

	outer, hole := ex.Polygons[0], ex.Polygons[1]
	assert.False(t, outer.Hole)
	assert.InDelta(t, 100, outer.Area(), 1e-9)
	assert.Greater(t, signedArea(outer.Ring), 0.0)

	assert.True(t, hole.Hole)
	assert.Equal(t, 0, hole.Parent)
	assert.Equal(t, outer.Component, hole.Component)
	assert.InDelta(t, 9, math.Abs(signedArea(hole.Ring)), 1e-9)
	assert.Less(t, signedArea(hole.Ring), 0.0)
	assert.Len(t, ex.Outlines(), 1)
}

func TestExtractBoundaries_NestedRegion(t *testing.T) {
	rm := NewRegionMap(16, 16)
	rectMap(rm, 3, 2, 2, 12, 12)
	rectMap(rm, 4, 5, 5, 8, 8)

	ex, _ := ExtractBoundaries(rm, BoundaryOptions{})
	require.Len(t, ex.Polygons, 3)
	assert.Equal(t, uint32(3), ex.Polygons[0].Region)
	assert.True(t, ex.Polygons[1].Hole)
	assert.Equal(t, uint32(4), ex.Polygons[2].Region)
	assert.InDelta(t, 9, ex.Polygons[2].Area(), 1e-9)
	assert.Equal(t, []uint32{3, 4}, ex.Regions())
}

func TestExtractBoundaries_DiagonalPixelsStaySeparate(t *testing.T) {
	rm := NewRegionMap(6, 6)
	rm.Labels[2*6+2] = 5
	rm.Labels[3*6+3] = 5

	ex, _ := ExtractBoundaries(rm, BoundaryOptions{})
	require.Len(t, ex.Polygons, 2)
	for i, p := range ex.Polygons {
		assert.Equal(t, i+1, p.Component)
		assert.InDelta(t, 1, p.Area(), 1e-9)
		assert.Len(t, p.Ring, 5)
	}
	assert.Equal(t, []Point{{2, 2}, {3, 2}, {3, 3}, {2, 3}, {2, 2}}, ex.Polygons[0].Ring)
}

func TestExtractBoundaries_PinchedComponent(t *testing.T) {
	// two squares of the same region touching at a corner, plus a bridge
	// making them one 4-connected component
	rm := NewRegionMap(10, 10)
	rectMap(rm, 1, 1, 1, 4, 4)
	rectMap(rm, 1, 4, 4, 7, 7)
	rectMap(rm, 1, 4, 3, 5, 4)

	ex, _ := ExtractBoundaries(rm, BoundaryOptions{})
	require.Len(t, ex.Polygons, 1)
	assert.InDelta(t, 19, ex.Polygons[0].Area(), 1e-9)
	assert.True(t, ex.Polygons[0].Simple())
}

func TestExtractBoundaries_CanonicalOrder(t *testing.T) {
	rm := NewRegionMap(20, 20)
	rectMap(rm, 9, 1, 1, 4, 4)
	rectMap(rm, 2, 10, 10, 14, 14)
	rectMap(rm, 2, 10, 1, 14, 4)
	rectMap(rm, 9, 1, 10, 4, 14)

	ex, _ := ExtractBoundaries(rm, BoundaryOptions{})
	require.Len(t, ex.Polygons, 4)

	type key struct {
		region    uint32
		component int
		x, y      float64
	}
	var got []key
	for _, p := range ex.Polygons {
		got = append(got, key{p.Region, p.Component, p.Ring[0].X, p.Ring[0].Y})
	}
	assert.Equal(t, []key{
		{2, 1, 10, 1},
		{2, 2, 10, 10},
		{9, 1, 1, 1},
		{9, 2, 1, 10},
	}, got)
}

func TestExtractBoundaries_MinAreaAndRegions(t *testing.T) {
	rm := NewRegionMap(20, 20)
	rectMap(rm, 7, 0, 0, 10, 6)
	rectMap(rm, 3, 12, 12, 20, 20)

	tests := []struct {
		name         string
		opts         BoundaryOptions
		wantRegions  []uint32
		wantWarnings []uint32
	}{
		{"no filter", BoundaryOptions{}, []uint32{3, 7}, nil},
		{"region subset", BoundaryOptions{Regions: []uint32{7}}, []uint32{7}, nil},
		{"area threshold", BoundaryOptions{MinArea: 61, Regions: []uint32{3, 7, 8}}, []uint32{3}, []uint32{7, 8}},
		{"keep fragments", BoundaryOptions{MinArea: 61, KeepFragments: true, Regions: []uint32{3, 7, 8}}, []uint32{3, 7}, []uint32{8}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ex, warnings := ExtractBoundaries(rm, tt.opts)
			assert.Equal(t, tt.wantRegions, ex.Regions())

			var warned []uint32
			for _, w := range warnings {
				assert.Equal(t, WarnBoundaryExtractionEmpty, w.Kind)
				warned = append(warned, w.Region)
			}
			assert.Equal(t, tt.wantWarnings, warned)
		})
	}
}

func TestExtractBoundaries_SimplifiedStaysSimple(t *testing.T) {
	rm := NewRegionMap(40, 40)
	// a staircase disc
	for y := 0; y < 40; y++ {
		for x := 0; x < 40; x++ {
			if math.Hypot(float64(x)-19.5, float64(y)-19.5) < 15 {
				rm.Labels[y*40+x] = 6
			}
		}
	}

	full, _ := ExtractBoundaries(rm, BoundaryOptions{})
	simple, _ := ExtractBoundaries(rm, BoundaryOptions{Tolerance: 1.5})
	require.Len(t, simple.Polygons, 1)

	p := simple.Polygons[0]
	assert.True(t, p.Simple())
	assert.Less(t, len(p.Ring), len(full.Polygons[0].Ring))
	assert.InDelta(t, full.Polygons[0].Area(), p.Area(), 0.1*full.Polygons[0].Area())
}

func TestReextract_MatchesFullExtraction(t *testing.T) {
	base := NewRegionMap(30, 30)
	rectMap(base, 1, 2, 2, 12, 12)
	rectMap(base, 2, 14, 2, 28, 12)
	rectMap(base, 3, 2, 16, 28, 28)
	opts := BoundaryOptions{Tolerance: 1}

	edits := []struct {
		name   string
		pixels []PixelAssignment
	}{
		{"carve a notch", []PixelAssignment{{X: 5, Y: 2, Region: 0}, {X: 6, Y: 2, Region: 0}}},
		{"split a region", func() []PixelAssignment {
			var px []PixelAssignment
			for y := 2; y < 12; y++ {
				px = append(px, PixelAssignment{X: 20, Y: y, Region: 0})
			}
			return px
		}()},
		{"merge two regions", func() []PixelAssignment {
			var px []PixelAssignment
			for y := 2; y < 12; y++ {
				px = append(px, PixelAssignment{X: 12, Y: y, Region: 1}, PixelAssignment{X: 13, Y: y, Region: 1})
			}
			return px
		}()},
		{"punch a hole", []PixelAssignment{{X: 10, Y: 20, Region: 0}, {X: 11, Y: 20, Region: 0}}},
		{"new island", []PixelAssignment{{X: 0, Y: 29, Region: 2}}},
	}

	prev, _ := ExtractBoundaries(base, opts)
	current := base
	for _, e := range edits {
		t.Run(e.name, func(t *testing.T) {
			next := EditLog{Edits: []Edit{{Source: EditManual, Pixels: e.pixels}}}.Apply(current)
			_, dirty, err := Diff(current, next)
			require.NoError(t, err)

			incremental, iw := Reextract(prev, next, dirty)
			full, fw := ExtractBoundaries(next, opts)
			assert.Equal(t, full.Polygons, incremental.Polygons)
			assert.Equal(t, fw, iw)

			prev, current = incremental, next
		})
	}
}

func TestReextract_EmptyDirtyKeepsPolygons(t *testing.T) {
	rm := NewRegionMap(10, 10)
	rectMap(rm, 4, 2, 2, 6, 6)
	prev, _ := ExtractBoundaries(rm, BoundaryOptions{})

	again, _ := Reextract(prev, rm, Rect{})
	assert.Equal(t, prev.Polygons, again.Polygons)

	other, _ := Reextract(prev, NewRegionMap(5, 5), Rect{})
	assert.Empty(t, other.Polygons)
}

func TestRingIsSimple(t *testing.T) {
	bowtie := []Point{{0, 0}, {2, 2}, {2, 0}, {0, 2}, {0, 0}}
	square := []Point{{0, 0}, {2, 0}, {2, 2}, {0, 2}, {0, 0}}
	assert.False(t, Polygon{Ring: bowtie}.Simple())
	assert.True(t, Polygon{Ring: square}.Simple())
	assert.False(t, Polygon{Ring: square[:4]}.Closed())
}

// speckledMap fills a w×h map mostly with region 1, sprinkling region 2 and
// background so components get many holes of odd shapes.
func speckledMap(w, h int, seed int64) *RegionMap {
	rng := rand.New(rand.NewSource(seed))
	rm := NewRegionMap(w, h)
	for i := range rm.Labels {
		switch r := rng.Float64(); {
		case r < 0.7:
			rm.Labels[i] = 1
		case r < 0.85:
			rm.Labels[i] = 2
		}
	}
	return rm
}

func TestExtractBoundaries_SimplifiedHolesStayInside(t *testing.T) {
	cal := NewCalibration(1, 0, Point{})
	env := NewDeviceEnvelope(Point{X: -100, Y: -100}, Point{X: 1000, Y: 1000})

	for _, tol := range []float64{1, 2.5} {
		for seed := int64(1); seed <= 20; seed++ {
			rm := speckledMap(30, 30, seed)
			ex, _ := ExtractBoundaries(rm, BoundaryOptions{Tolerance: tol, KeepFragments: true})

			siblings := make(map[int][][]Point)
			for i, p := range ex.Polygons {
				require.True(t, p.Simple(), "tol %v seed %d polygon %d", tol, seed, i)
				if !p.Hole {
					continue
				}
				outer := ex.Polygons[p.Parent]
				require.False(t, outer.Hole)
				assert.True(t, holeFits(outer.Ring, p.Ring, siblings[p.Parent]),
					"tol %v seed %d hole %d escapes region %d", tol, seed, i, p.Region)
				siblings[p.Parent] = append(siblings[p.Parent], p.Ring)
			}

			_, err := ExportExcision(ex.Polygons, cal, env, nil, nil)
			assert.NoError(t, err, "tol %v seed %d", tol, seed)
		}
	}
}

func TestHoleFits(t *testing.T) {
	outer := []Point{{0, 0}, {10, 0}, {10, 10}, {0, 10}, {0, 0}}
	inner := []Point{{2, 2}, {2, 4}, {4, 4}, {4, 2}, {2, 2}}

	assert.True(t, holeFits(outer, inner, nil))
	assert.False(t, ringsConflict(outer, inner))

	// outside, meeting the outline only at a corner
	corner := []Point{{0, 0}, {-2, -1}, {-1, -2}, {0, 0}}
	assert.False(t, ringsConflict(outer, corner))
	assert.False(t, holeFits(outer, corner, nil))

	edge := []Point{{10, 2}, {10, 6}, {7, 6}, {7, 2}, {10, 2}}
	assert.True(t, ringsConflict(outer, edge))
	assert.False(t, holeFits(outer, edge, nil))

	assert.False(t, holeFits(outer, inner, [][]Point{inner}))
	assert.True(t, holeFits(outer, []Point{{6, 6}, {6, 8}, {8, 8}, {8, 6}, {6, 6}}, [][]Point{inner}))
}
