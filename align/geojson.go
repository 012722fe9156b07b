package align

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// toOrbPolygon builds an orb polygon from an outer ring and its holes,
// closing any ring that is not already closed
func toOrbPolygon(outer []Point, holes [][]Point) orb.Polygon {
	poly := orb.Polygon{closedRing(outer)}
	for _, h := range holes {
		poly = append(poly, closedRing(h))
	}
	return poly
}

func closedRing(ring []Point) orb.Ring {
	r := make(orb.Ring, 0, len(ring)+1)
	for _, p := range ring {
		r = append(r, orb.Point{p.X, p.Y})
	}
	if len(r) > 0 && !r.Closed() {
		r = append(r, r[0])
	}
	return r
}

// ToFeatureCollection converts excision geometry to GeoJSON in device units.
// Each shape becomes one Polygon feature carrying its cut order and name.
func (g *ExcisionGeometry) ToFeatureCollection() *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, s := range g.Shapes {
		f := geojson.NewFeature(toOrbPolygon(s.Outline, s.Holes))
		f.ID = s.Order
		f.Properties = geojson.Properties{
			"order":     s.Order,
			"region":    s.Region,
			"component": s.Component,
			"name":      s.Name,
		}
		fc.Append(f)
	}
	fc.ExtraMembers = geojson.Properties{
		"policy": g.Policy,
		"travel": g.Travel,
	}
	return fc
}

// PolygonsToFeatureCollection converts extracted polygons to GeoJSON in slice
// pixel coordinates. Holes are folded into their outer polygon's feature.
func PolygonsToFeatureCollection(polys []Polygon, ontology *Ontology) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	holes := make(map[int][][]Point)
	for _, p := range polys {
		if p.Hole {
			holes[p.Parent] = append(holes[p.Parent], p.Ring)
		}
	}
	for i, p := range polys {
		if p.Hole {
			continue
		}
		f := geojson.NewFeature(toOrbPolygon(p.Ring, holes[i]))
		f.Properties = geojson.Properties{
			"region":    p.Region,
			"component": p.Component,
			"name":      ontology.ComponentName(p.Region, p.Component),
			"area":      p.Area(),
		}
		fc.Append(f)
	}
	return fc
}
