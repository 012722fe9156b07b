package align

import (
	"fmt"
	"sort"
)

// RegionMap assigns a region ID to every slice pixel; 0 is unassigned
type RegionMap struct {
	Width  int      `json:"width"`
	Height int      `json:"height"`
	Labels []uint32 `json:"labels"`
}

// NewRegionMap allocates an all-unassigned map
func NewRegionMap(width, height int) *RegionMap {
	return &RegionMap{Width: width, Height: height, Labels: make([]uint32, width*height)}
}

// At returns the region at (x, y), 0 outside the map
func (m *RegionMap) At(x, y int) uint32 {
	if x < 0 || y < 0 || x >= m.Width || y >= m.Height {
		return 0
	}
	return m.Labels[y*m.Width+x]
}

// Clone returns a deep copy
func (m *RegionMap) Clone() *RegionMap {
	out := NewRegionMap(m.Width, m.Height)
	copy(out.Labels, m.Labels)
	return out
}

// Equal reports whether both maps have identical extent and labels
func (m *RegionMap) Equal(o *RegionMap) bool {
	if m.Width != o.Width || m.Height != o.Height {
		return false
	}
	for i := range m.Labels {
		if m.Labels[i] != o.Labels[i] {
			return false
		}
	}
	return true
}

// Regions returns the distinct non-zero IDs, ascending
func (m *RegionMap) Regions() []uint32 {
	seen := make(map[uint32]struct{})
	for _, id := range m.Labels {
		if id != 0 {
			seen[id] = struct{}{}
		}
	}
	ids := make([]uint32, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Count returns the number of pixels carrying id
func (m *RegionMap) Count(id uint32) int {
	n := 0
	for _, v := range m.Labels {
		if v == id {
			n++
		}
	}
	return n
}

// EditSource tags who produced an edit
type EditSource string

const (
	EditManual EditSource = "manual"
	EditAuto   EditSource = "auto"
)

// PixelAssignment reassigns one pixel to a region
type PixelAssignment struct {
	X      int    `json:"x"`
	Y      int    `json:"y"`
	Region uint32 `json:"region"`
}

// Edit is one tagged batch of pixel reassignments
type Edit struct {
	Source EditSource        `json:"source"`
	Note   string            `json:"note,omitempty"`
	Pixels []PixelAssignment `json:"pixels"`
}

// EditLog is an ordered list of edits layered over a computed RegionMap.
// The computed map is never modified; Apply produces the edited view.
type EditLog struct {
	Edits []Edit `json:"edits"`
}

// Append returns a new log with e added at the end
func (l EditLog) Append(e Edit) EditLog {
	edits := make([]Edit, len(l.Edits), len(l.Edits)+1)
	copy(edits, l.Edits)
	return EditLog{Edits: append(edits, e)}
}

// Validate checks every edit against the map extent and the allowed labels.
// allowed may be nil to accept any ID.
func (l EditLog) Validate(width, height int, allowed func(uint32) bool) error {
	for i, e := range l.Edits {
		for _, p := range e.Pixels {
			if p.X < 0 || p.Y < 0 || p.X >= width || p.Y >= height {
				return fmt.Errorf("edit %d: pixel (%d, %d) outside %dx%d map", i, p.X, p.Y, width, height)
			}
			if p.Region != 0 && allowed != nil && !allowed(p.Region) {
				return fmt.Errorf("edit %d: region %d is not an atlas label", i, p.Region)
			}
		}
	}
	return nil
}

// Apply returns base with every edit applied in order. Out-of-range pixels
// are ignored.
func (l EditLog) Apply(base *RegionMap) *RegionMap {
	out := base.Clone()
	for _, e := range l.Edits {
		for _, p := range e.Pixels {
			if p.X < 0 || p.Y < 0 || p.X >= out.Width || p.Y >= out.Height {
				continue
			}
			out.Labels[p.Y*out.Width+p.X] = p.Region
		}
	}
	return out
}

// Bounds returns the smallest rectangle covering every edited pixel
func (l EditLog) Bounds() Rect {
	var r Rect
	for _, e := range l.Edits {
		for _, p := range e.Pixels {
			r = r.Union(Rect{MinX: p.X, MinY: p.Y, MaxX: p.X + 1, MaxY: p.Y + 1})
		}
	}
	return r
}

// BySource returns the sub-log holding only edits from src
func (l EditLog) BySource(src EditSource) EditLog {
	var out EditLog
	for _, e := range l.Edits {
		if e.Source == src {
			out.Edits = append(out.Edits, e)
		}
	}
	return out
}

// PixelChange is one pixel whose region differs between two maps
type PixelChange struct {
	X    int    `json:"x"`
	Y    int    `json:"y"`
	From uint32 `json:"from"`
	To   uint32 `json:"to"`
}

// Diff lists the pixels that differ between a and b in raster order, plus
// their bounding rectangle. Maps must have the same extent.
func Diff(a, b *RegionMap) ([]PixelChange, Rect, error) {
	if a.Width != b.Width || a.Height != b.Height {
		return nil, Rect{}, fmt.Errorf("cannot diff %dx%d map against %dx%d", a.Width, a.Height, b.Width, b.Height)
	}
	var changes []PixelChange
	var r Rect
	for i := range a.Labels {
		if a.Labels[i] == b.Labels[i] {
			continue
		}
		x, y := i%a.Width, i/a.Width
		changes = append(changes, PixelChange{X: x, Y: y, From: a.Labels[i], To: b.Labels[i]})
		r = r.Union(Rect{MinX: x, MinY: y, MaxX: x + 1, MaxY: y + 1})
	}
	return changes, r, nil
}
