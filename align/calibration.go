package align

import (
	"fmt"
	"math"
)

// Calibration maps slice pixels to device stage coordinates. Pixel and
// Device hold the reference pairs it was built from; the first three device
// points are written to the LMD calibration block.
type Calibration struct {
	Matrix AffineMatrix `json:"matrix" yaml:"matrix"`
	Pixel  []Point      `json:"pixel" yaml:"pixel"`
	Device []Point      `json:"device" yaml:"device"`
}

// NewCalibration builds a calibration from a uniform scale (device units per
// pixel), a mounting rotation in degrees and the device position of pixel
// (0, 0)
func NewCalibration(scale, rotationDeg float64, offset Point) Calibration {
	m := MultiplyMatrices(Translation(offset.X, offset.Y),
		MultiplyMatrices(RotationDeg(rotationDeg), Scale(scale, scale)))
	pix := []Point{{0, 0}, {100, 0}, {0, 100}}
	return Calibration{Matrix: m, Pixel: pix, Device: TransformPoints(pix, m)}
}

// CalibrationFromPoints fits the pixel→device affine from reference pairs.
// Three pairs pin the affine exactly; more are fitted by least squares.
func CalibrationFromPoints(pixel, device []Point) (Calibration, error) {
	if len(pixel) != len(device) {
		return Calibration{}, fmt.Errorf("calibration needs matching point lists, got %d pixel and %d device", len(pixel), len(device))
	}
	if len(pixel) < 3 {
		return Calibration{}, fmt.Errorf("calibration needs three reference points, got %d", len(pixel))
	}
	a, b, c := pixel[0], pixel[1], pixel[2]
	if math.Abs(orient(a, b, c)) < 1e-9 {
		return Calibration{}, fmt.Errorf("calibration reference points are collinear")
	}
	m := FitAffine(pixel, device)
	if math.Abs(m.Det()) < 1e-12 {
		return Calibration{}, fmt.Errorf("calibration is singular")
	}
	return Calibration{
		Matrix: m,
		Pixel:  append([]Point(nil), pixel...),
		Device: append([]Point(nil), device...),
	}, nil
}

// Apply maps a pixel-corner coordinate to device units
func (c Calibration) Apply(p Point) Point {
	return TransformPoint(p, c.Matrix)
}

// ApplyRing maps every vertex of a ring
func (c Calibration) ApplyRing(ring []Point) []Point {
	return TransformPoints(ring, c.Matrix)
}

// Residual returns the largest distance between a mapped reference pixel and
// its device point
func (c Calibration) Residual() float64 {
	var worst float64
	for i := range c.Pixel {
		if i < len(c.Device) {
			worst = math.Max(worst, Distance(c.Apply(c.Pixel[i]), c.Device[i]))
		}
	}
	return worst
}

// ReferencePoints returns the three device points written to LMD files
func (c Calibration) ReferencePoints() []Point {
	if len(c.Device) >= 3 {
		return append([]Point(nil), c.Device[:3]...)
	}
	return TransformPoints([]Point{{0, 0}, {100, 0}, {0, 100}}, c.Matrix)
}
