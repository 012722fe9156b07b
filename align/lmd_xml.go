package align

import (
	"encoding/xml"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// WriteLMDXML writes excision geometry in the Leica LMD ImageData format:
// global coordinates, three calibration points and one Shape_i element per
// outline in cut order. Holes are not cut and are omitted.
func WriteLMDXML(w io.Writer, geom *ExcisionGeometry) error {
	if len(geom.CalibrationPoints) < 3 {
		return fmt.Errorf("lmd export needs three calibration points, got %d", len(geom.CalibrationPoints))
	}

	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	root := xml.StartElement{Name: xml.Name{Local: "ImageData"}}
	if err := enc.EncodeToken(root); err != nil {
		return fmt.Errorf("failed to write lmd header: %w", err)
	}
	if err := writeElement(enc, "GlobalCoordinates", "1"); err != nil {
		return err
	}
	for i, p := range geom.CalibrationPoints[:3] {
		if err := writeElement(enc, fmt.Sprintf("X_CalibrationPoint_%d", i+1), formatCoord(p.X)); err != nil {
			return err
		}
		if err := writeElement(enc, fmt.Sprintf("Y_CalibrationPoint_%d", i+1), formatCoord(p.Y)); err != nil {
			return err
		}
	}
	if err := writeElement(enc, "ShapeCount", strconv.Itoa(len(geom.Shapes))); err != nil {
		return err
	}

	for i, s := range geom.Shapes {
		shape := xml.StartElement{Name: xml.Name{Local: fmt.Sprintf("Shape_%d", i+1)}}
		if err := enc.EncodeToken(shape); err != nil {
			return fmt.Errorf("failed to write shape %d: %w", i+1, err)
		}
		if err := writeElement(enc, "PointCount", strconv.Itoa(len(s.Outline))); err != nil {
			return err
		}
		for j, p := range s.Outline {
			if err := writeElement(enc, fmt.Sprintf("X_%d", j+1), formatCoord(p.X)); err != nil {
				return err
			}
			if err := writeElement(enc, fmt.Sprintf("Y_%d", j+1), formatCoord(p.Y)); err != nil {
				return err
			}
		}
		if err := enc.EncodeToken(shape.End()); err != nil {
			return fmt.Errorf("failed to close shape %d: %w", i+1, err)
		}
	}

	if err := enc.EncodeToken(root.End()); err != nil {
		return fmt.Errorf("failed to close lmd document: %w", err)
	}
	return enc.Flush()
}

func writeElement(enc *xml.Encoder, name, value string) error {
	if err := enc.EncodeElement(value, xml.StartElement{Name: xml.Name{Local: name}}); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return nil
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// lmdDocument is the decoded form used to read LMD files back
type lmdDocument struct {
	Fields []lmdField `xml:",any"`
}

type lmdField struct {
	XMLName xml.Name
	Value   string     `xml:",chardata"`
	Fields  []lmdField `xml:",any"`
}

// ReadLMDXML parses an ImageData document back into calibration points and
// outlines. Shape names and regions are not part of the format.
func ReadLMDXML(r io.Reader) (calibration []Point, outlines [][]Point, err error) {
	var doc lmdDocument
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, nil, fmt.Errorf("failed to decode lmd xml: %w", err)
	}
	values := make(map[string]float64)
	var shapes [][]lmdField
	for _, f := range doc.Fields {
		if len(f.Fields) > 0 {
			shapes = append(shapes, f.Fields)
			continue
		}
		if v, err := strconv.ParseFloat(f.Value, 64); err == nil {
			values[f.XMLName.Local] = v
		}
	}
	for i := 1; i <= 3; i++ {
		x, okx := values[fmt.Sprintf("X_CalibrationPoint_%d", i)]
		y, oky := values[fmt.Sprintf("Y_CalibrationPoint_%d", i)]
		if !okx || !oky {
			return nil, nil, fmt.Errorf("lmd xml is missing calibration point %d", i)
		}
		calibration = append(calibration, Point{X: x, Y: y})
	}
	for i, fields := range shapes {
		coords := make(map[string]float64)
		for _, f := range fields {
			if v, err := strconv.ParseFloat(f.Value, 64); err == nil {
				coords[f.XMLName.Local] = v
			}
		}
		count, ok := coords["PointCount"]
		// every point takes an X and a Y element
		if !ok || count < 0 || count != math.Trunc(count) || count > float64(len(fields)/2) {
			return nil, nil, fmt.Errorf("lmd xml shape %d has invalid PointCount %q", i+1, fieldValue(fields, "PointCount"))
		}
		n := int(count)
		ring := make([]Point, 0, n)
		for j := 1; j <= n; j++ {
			x, okx := coords[fmt.Sprintf("X_%d", j)]
			y, oky := coords[fmt.Sprintf("Y_%d", j)]
			if !okx || !oky {
				return nil, nil, fmt.Errorf("lmd xml shape %d is missing point %d of %d", i+1, j, n)
			}
			ring = append(ring, Point{X: x, Y: y})
		}
		outlines = append(outlines, ring)
	}
	return calibration, outlines, nil
}

func fieldValue(fields []lmdField, name string) string {
	for _, f := range fields {
		if f.XMLName.Local == name {
			return strings.TrimSpace(f.Value)
		}
	}
	return ""
}
