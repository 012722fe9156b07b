package align

import (
	"fmt"

	"github.com/paulmach/orb"
)

// DeviceEnvelope is the stage area the microdissection device can reach, in
// device units. Home is where the cutting tour starts.
type DeviceEnvelope struct {
	Bound orb.Bound `json:"bound"`
	Home  Point     `json:"home"`
}

// NewDeviceEnvelope builds an envelope from its corners; the tour starts at min
func NewDeviceEnvelope(min, max Point) DeviceEnvelope {
	return DeviceEnvelope{
		Bound: orb.Bound{Min: orb.Point{min.X, min.Y}, Max: orb.Point{max.X, max.Y}},
		Home:  min,
	}
}

// Contains reports whether p is reachable
func (e DeviceEnvelope) Contains(p Point) bool {
	return e.Bound.Contains(orb.Point{p.X, p.Y})
}

// ExcisionShape is one outline to cut, in device units
type ExcisionShape struct {
	Order     int       `json:"order"` // 1-based cut sequence
	Region    uint32    `json:"region"`
	Component int       `json:"component"`
	Name      string    `json:"name"`
	Outline   []Point   `json:"outline"`
	Holes     [][]Point `json:"holes,omitempty"`
	Centroid  Point     `json:"centroid"`
}

// ExcisionGeometry is the ordered cut list handed to the device driver
type ExcisionGeometry struct {
	Policy            string          `json:"policy"`
	Shapes            []ExcisionShape `json:"shapes"`
	CalibrationPoints []Point         `json:"calibrationPoints"`
	Travel            float64         `json:"travel"` // centroid tour length from home
}

// ExportExcision calibrates polygons into device space and sequences them.
// It fails closed: an open or self-intersecting ring, or a hole that leaves
// its outline or overlaps a sibling hole, yields ErrInvalidPolygon and any
// vertex outside the envelope yields an *EnvelopeError
// (ErrDeviceEnvelopeExceeded). Holes stay attached to their outer outline.
func ExportExcision(polys []Polygon, cal Calibration, env DeviceEnvelope, policy CutOrderPolicy, ontology *Ontology) (*ExcisionGeometry, error) {
	if policy == nil {
		policy = NearestNeighborOrder{}
	}

	var shapes []ExcisionShape
	outerAt := make(map[int]int)       // polygon index → shape index
	holesOf := make(map[int][][]Point) // outer polygon index → accepted hole rings
	for i, p := range polys {
		if !p.Simple() {
			return nil, fmt.Errorf("%w: region %d component %d (polygon %d) is open or self-intersecting",
				ErrInvalidPolygon, p.Region, p.Component, i)
		}
		ring := cal.ApplyRing(p.Ring)
		for _, pt := range ring {
			if !env.Contains(pt) {
				return nil, fmt.Errorf("export aborted: %w", &EnvelopeError{Region: p.Region, Component: p.Component, Point: pt})
			}
		}
		if p.Hole {
			si, ok := outerAt[p.Parent]
			if !ok {
				return nil, fmt.Errorf("%w: hole %d of region %d has no outer polygon", ErrInvalidPolygon, i, p.Region)
			}
			if !holeFits(polys[p.Parent].Ring, p.Ring, holesOf[p.Parent]) {
				return nil, fmt.Errorf("%w: hole %d of region %d component %d leaves its outline or overlaps another hole",
					ErrInvalidPolygon, i, p.Region, p.Component)
			}
			holesOf[p.Parent] = append(holesOf[p.Parent], p.Ring)
			shapes[si].Holes = append(shapes[si].Holes, ring)
			continue
		}
		outerAt[i] = len(shapes)
		shapes = append(shapes, ExcisionShape{
			Region:    p.Region,
			Component: p.Component,
			Name:      ontology.ComponentName(p.Region, p.Component),
			Outline:   ring,
			Centroid:  Polygon{Ring: ring}.Centroid(),
		})
	}

	items := make([]CutItem, len(shapes))
	for i, s := range shapes {
		items[i] = CutItem{Region: s.Region, Component: s.Component, Centroid: s.Centroid}
	}
	order := policy.Order(items, env.Home)

	geom := &ExcisionGeometry{
		Policy:            policy.Name(),
		Shapes:            make([]ExcisionShape, 0, len(shapes)),
		CalibrationPoints: cal.ReferencePoints(),
		Travel:            TravelDistance(items, order, env.Home),
	}
	for k, i := range order {
		s := shapes[i]
		s.Order = k + 1
		geom.Shapes = append(geom.Shapes, s)
	}
	shapesExported.Add(float64(len(geom.Shapes)))
	return geom, nil
}
