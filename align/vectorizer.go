package align

import (
	"fmt"
	"sort"
)

// BoundaryOptions controls contour extraction
type BoundaryOptions struct {
	Tolerance     float64  `yaml:"tolerance" json:"tolerance" toml:"tolerance"` // RDP tolerance in pixels, 0 keeps the traced outline
	MinArea       int      `yaml:"minArea" json:"minArea" toml:"min_area"`       // components smaller than this many pixels are dropped
	KeepFragments bool     `yaml:"keepFragments" json:"keepFragments" toml:"keep_fragments"`
	Regions       []uint32 `yaml:"regions" json:"regions" toml:"regions"` // if set, only these IDs are extracted
}

// Extraction is the result of boundary extraction. It remembers which
// component owns every pixel so a later edit can be re-extracted locally.
// An Extraction is never modified after it is returned.
type Extraction struct {
	Width    int
	Height   int
	Options  BoundaryOptions
	Polygons []Polygon

	compOf []int32 // component id per pixel, -1 for unassigned pixels
	comps  map[int32]*component
	nextID int32
}

// component is one 4-connected set of pixels sharing a region ID
type component struct {
	region uint32
	anchor int // raster index of the first pixel
	area   int
	bounds Rect
	rings  [][]Point // outer first, then holes; simplified
}

// Direction codes for pixel-edge tracing (y grows downwards)
const (
	dirEast = iota
	dirSouth
	dirWest
	dirNorth
)

var dirDelta = [4][2]int{{1, 0}, {0, 1}, {-1, 0}, {0, -1}}

// ExtractBoundaries traces every region component of rm along pixel edges,
// simplifies the rings and returns them in canonical order: region ID, then
// component anchor, outer ring before its holes.
func ExtractBoundaries(rm *RegionMap, opts BoundaryOptions) (*Extraction, []Warning) {
	ex := &Extraction{
		Width:   rm.Width,
		Height:  rm.Height,
		Options: opts,
		compOf:  make([]int32, rm.Width*rm.Height),
		comps:   make(map[int32]*component),
	}
	for i := range ex.compOf {
		ex.compOf[i] = -1
	}
	ex.floodRect(rm, Rect{MaxX: rm.Width, MaxY: rm.Height})
	return ex, ex.assemble()
}

// Reextract recomputes only the components that have a pixel inside dirty
// grown by one pixel. Every other component keeps its previous rings, so
// the result equals a full ExtractBoundaries of rm as long as dirty covers
// every pixel that changed since prev.
func Reextract(prev *Extraction, rm *RegionMap, dirty Rect) (*Extraction, []Warning) {
	if prev == nil || prev.Width != rm.Width || prev.Height != rm.Height {
		opts := BoundaryOptions{}
		if prev != nil {
			opts = prev.Options
		}
		return ExtractBoundaries(rm, opts)
	}

	ex := &Extraction{
		Width:   prev.Width,
		Height:  prev.Height,
		Options: prev.Options,
		compOf:  append([]int32(nil), prev.compOf...),
		comps:   make(map[int32]*component, len(prev.comps)),
		nextID:  prev.nextID,
	}
	for id, c := range prev.comps {
		ex.comps[id] = c
	}

	var grown Rect
	if !dirty.Empty() {
		grown = dirty.Grow(1, rm.Width, rm.Height)
	}
	affected := make(map[int32]struct{})
	for y := grown.MinY; y < grown.MaxY; y++ {
		for x := grown.MinX; x < grown.MaxX; x++ {
			if id := ex.compOf[y*ex.Width+x]; id >= 0 {
				affected[id] = struct{}{}
			}
		}
	}

	region := grown
	for id := range affected {
		c := ex.comps[id]
		for y := c.bounds.MinY; y < c.bounds.MaxY; y++ {
			for x := c.bounds.MinX; x < c.bounds.MaxX; x++ {
				if ex.compOf[y*ex.Width+x] == id {
					ex.compOf[y*ex.Width+x] = -1
				}
			}
		}
		region = region.Union(c.bounds)
		delete(ex.comps, id)
	}

	ex.floodRect(rm, region)
	return ex, ex.assemble()
}

// floodRect creates components for every unowned labelled pixel in r
func (ex *Extraction) floodRect(rm *RegionMap, r Rect) {
	for y := r.MinY; y < r.MaxY; y++ {
		for x := r.MinX; x < r.MaxX; x++ {
			i := y*ex.Width + x
			if rm.Labels[i] == 0 || ex.compOf[i] >= 0 {
				continue
			}
			id := ex.nextID
			ex.nextID++
			c := ex.flood(rm, i, id)
			ex.comps[id] = c
			ex.traceComponent(c, id)
		}
	}
}

// flood labels the 4-connected component containing seed with id
func (ex *Extraction) flood(rm *RegionMap, seed int, id int32) *component {
	w := ex.Width
	label := rm.Labels[seed]
	c := &component{region: label, anchor: seed}
	sx, sy := seed%w, seed/w
	c.bounds = Rect{MinX: sx, MinY: sy, MaxX: sx + 1, MaxY: sy + 1}

	stack := []int{seed}
	ex.compOf[seed] = id
	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		c.area++
		if i < c.anchor {
			c.anchor = i
		}
		x, y := i%w, i/w
		c.bounds = c.bounds.Union(Rect{MinX: x, MinY: y, MaxX: x + 1, MaxY: y + 1})
		for _, d := range dirDelta {
			nx, ny := x+d[0], y+d[1]
			if nx < 0 || ny < 0 || nx >= w || ny >= ex.Height {
				continue
			}
			j := ny*w + nx
			if rm.Labels[j] == label && ex.compOf[j] == -1 {
				ex.compOf[j] = id
				stack = append(stack, j)
			}
		}
	}
	return c
}

// traceComponent follows the pixel edges of a component. Edges are directed
// so the component is on the right; at pinch vertices the right turn is
// taken, which keeps diagonally touching pixels apart (4-connectivity).
func (ex *Extraction) traceComponent(c *component, id int32) {
	vw := ex.Width + 1
	in := func(x, y int) bool {
		return x >= 0 && y >= 0 && x < ex.Width && y < ex.Height && ex.compOf[y*ex.Width+x] == id
	}

	// outgoing edge directions per vertex, as a bitmask
	edges := make(map[int]uint8)
	var starts []int // edge keys in discovery order: vertex*4 + dir
	add := func(vx, vy, dir int) {
		v := vy*vw + vx
		edges[v] |= 1 << dir
		starts = append(starts, v*4+dir)
	}
	b := c.bounds
	for y := b.MinY; y < b.MaxY; y++ {
		for x := b.MinX; x < b.MaxX; x++ {
			if !in(x, y) {
				continue
			}
			if !in(x, y-1) {
				add(x, y, dirEast)
			}
			if !in(x+1, y) {
				add(x+1, y, dirSouth)
			}
			if !in(x, y+1) {
				add(x+1, y+1, dirWest)
			}
			if !in(x-1, y) {
				add(x, y+1, dirNorth)
			}
		}
	}

	visited := make(map[int]bool, len(starts))
	var outer []Point
	var holes [][]Point
	for _, start := range starts {
		if visited[start] {
			continue
		}
		var verts []Point
		var dirs []int
		e := start
		for {
			visited[e] = true
			v, d := e/4, e%4
			verts = append(verts, Point{X: float64(v % vw), Y: float64(v / vw)})
			dirs = append(dirs, d)

			nv := v + dirDelta[d][1]*vw + dirDelta[d][0]
			mask := edges[nv]
			next := -1
			for _, nd := range []int{(d + 1) % 4, d, (d + 3) % 4} {
				if mask&(1<<nd) != 0 {
					next = nv*4 + nd
					break
				}
			}
			if next < 0 || next == start {
				break
			}
			e = next
		}

		ring := cornerRing(verts, dirs)
		if signedArea(ring) > 0 && outer == nil {
			outer = ring
		} else {
			holes = append(holes, ring)
		}
	}

	if outer == nil {
		// every ring is a hole; nothing sensible to simplify against
		c.rings = holes
		return
	}
	c.rings = simplifyComponent(outer, holes, ex.Options.Tolerance)
}

// cornerRing keeps only vertices where the direction changes, rotated to
// start at the first such corner, and closes the ring
func cornerRing(verts []Point, dirs []int) []Point {
	n := len(verts)
	first := -1
	for i := 0; i < n && first < 0; i++ {
		if dirs[i] != dirs[(i+n-1)%n] {
			first = i
		}
	}
	if first < 0 {
		return nil
	}
	var corners []Point
	for k := 0; k < n; k++ {
		i := (first + k) % n
		if dirs[i] != dirs[(i+n-1)%n] {
			corners = append(corners, verts[i])
		}
	}
	return append(corners, corners[0])
}

// assemble flattens components into canonical order and reports requested
// regions that ended up without polygons
func (ex *Extraction) assemble() []Warning {
	comps := make([]*component, 0, len(ex.comps))
	for _, c := range ex.comps {
		comps = append(comps, c)
	}
	sort.Slice(comps, func(i, j int) bool {
		if comps[i].region != comps[j].region {
			return comps[i].region < comps[j].region
		}
		return comps[i].anchor < comps[j].anchor
	})

	var wanted map[uint32]bool
	if len(ex.Options.Regions) > 0 {
		wanted = make(map[uint32]bool, len(ex.Options.Regions))
		for _, id := range ex.Options.Regions {
			wanted[id] = true
		}
	}

	var polys []Polygon
	found := make(map[uint32]bool)
	ordinal := 0
	var lastRegion uint32
	for _, c := range comps {
		if wanted != nil && !wanted[c.region] {
			continue
		}
		if c.area < ex.Options.MinArea && !ex.Options.KeepFragments {
			continue
		}
		if len(c.rings) == 0 {
			continue
		}
		if c.region != lastRegion {
			ordinal = 0
			lastRegion = c.region
		}
		ordinal++
		found[c.region] = true

		parent := len(polys)
		polys = append(polys, Polygon{Region: c.region, Component: ordinal, Parent: -1, Ring: c.rings[0]})
		for _, h := range c.rings[1:] {
			polys = append(polys, Polygon{Region: c.region, Component: ordinal, Hole: true, Parent: parent, Ring: h})
		}
	}
	ex.Polygons = polys

	var warnings []Warning
	for _, id := range ex.Options.Regions {
		if !found[id] {
			warnings = append(warnings, Warning{
				Kind:    WarnBoundaryExtractionEmpty,
				Region:  id,
				Message: fmt.Sprintf("region %d has no polygon above the %d px area threshold", id, ex.Options.MinArea),
			})
		}
	}
	return warnings
}

// Regions returns the region IDs that have at least one polygon, ascending
func (ex *Extraction) Regions() []uint32 {
	var ids []uint32
	for _, p := range ex.Polygons {
		if len(ids) == 0 || ids[len(ids)-1] != p.Region {
			ids = append(ids, p.Region)
		}
	}
	return ids
}

// Outlines returns only the outer polygons
func (ex *Extraction) Outlines() []Polygon {
	var out []Polygon
	for _, p := range ex.Polygons {
		if !p.Hole {
			out = append(out, p)
		}
	}
	return out
}
