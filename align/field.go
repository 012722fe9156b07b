package align

import "math"

// DisplacementField is a dense per-pixel offset on the slice grid, in slice
// pixel units.
type DisplacementField struct {
	Width  int       `json:"width"`
	Height int       `json:"height"`
	DX     []float64 `json:"dx"`
	DY     []float64 `json:"dy"`
}

// NewDisplacementField allocates a zero field
func NewDisplacementField(width, height int) *DisplacementField {
	return &DisplacementField{
		Width:  width,
		Height: height,
		DX:     make([]float64, width*height),
		DY:     make([]float64, width*height),
	}
}

// Clone returns a deep copy
func (f *DisplacementField) Clone() *DisplacementField {
	if f == nil {
		return nil
	}
	out := NewDisplacementField(f.Width, f.Height)
	copy(out.DX, f.DX)
	copy(out.DY, f.DY)
	return out
}

// At samples the displacement at a continuous grid coordinate (bilinear, clamped)
func (f *DisplacementField) At(x, y float64) Point {
	return Point{
		X: bilinear(f.DX, f.Width, f.Height, x, y),
		Y: bilinear(f.DY, f.Width, f.Height, x, y),
	}
}

// MaxMagnitude returns the largest displacement length in the field
func (f *DisplacementField) MaxMagnitude() float64 {
	if f == nil {
		return 0
	}
	var m float64
	for i := range f.DX {
		m = math.Max(m, math.Hypot(f.DX[i], f.DY[i]))
	}
	return m
}

// JacobianDeterminants returns det(I + ∇u) at every grid node using central
// differences. A positive value everywhere means the mapping x → x+u(x) does
// not fold.
func (f *DisplacementField) JacobianDeterminants() []float64 {
	w, h := f.Width, f.Height
	dets := make([]float64, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			xl, xr := max(x-1, 0), min(x+1, w-1)
			yu, yd := max(y-1, 0), min(y+1, h-1)
			var dxdx, dydx, dxdy, dydy float64
			if xr > xl {
				dxdx = (f.DX[y*w+xr] - f.DX[y*w+xl]) / float64(xr-xl)
				dydx = (f.DY[y*w+xr] - f.DY[y*w+xl]) / float64(xr-xl)
			}
			if yd > yu {
				dxdy = (f.DX[yd*w+x] - f.DX[yu*w+x]) / float64(yd-yu)
				dydy = (f.DY[yd*w+x] - f.DY[yu*w+x]) / float64(yd-yu)
			}
			dets[y*w+x] = (1+dxdx)*(1+dydy) - dxdy*dydx
		}
	}
	return dets
}

// MinJacobian returns the smallest Jacobian determinant of the field
func (f *DisplacementField) MinJacobian() float64 {
	if f == nil {
		return 1
	}
	m := math.Inf(1)
	for _, d := range f.JacobianDeterminants() {
		m = math.Min(m, d)
	}
	return m
}

// Upsample resamples the field onto a width × height grid whose pixels are
// factor times smaller, scaling the vectors accordingly. Grid coordinates
// follow the 2×2 block-mean pyramid convention.
func (f *DisplacementField) Upsample(width, height int, factor float64) *DisplacementField {
	out := NewDisplacementField(width, height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			cx := (float64(x)+0.5)/factor - 0.5
			cy := (float64(y)+0.5)/factor - 0.5
			d := f.At(cx, cy)
			out.DX[y*width+x] = d.X * factor
			out.DY[y*width+x] = d.Y * factor
		}
	}
	return out
}

// Transform maps slice pixel coordinates to atlas-plane pixel coordinates:
// T(x) = Affine(x + Field(x)). A nil Field means affine only.
type Transform struct {
	Affine AffineMatrix       `json:"affine"`
	Field  *DisplacementField `json:"field,omitempty"`
}

// Apply maps a slice pixel to the atlas plane
func (t Transform) Apply(p Point) Point {
	if t.Field != nil {
		d := t.Field.At(p.X, p.Y)
		p = Point{X: p.X + d.X, Y: p.Y + d.Y}
	}
	return TransformPoint(p, t.Affine)
}

// Inverse maps an atlas-plane pixel back to the slice. The field part is
// inverted by fixed-point iteration, accurate well below one pixel as long as
// the field's Jacobian stays positive.
func (t Transform) Inverse(q Point) Point {
	z := TransformPoint(q, InvertMatrix(t.Affine))
	if t.Field == nil {
		return z
	}
	x := z
	for i := 0; i < 50; i++ {
		d := t.Field.At(x.X, x.Y)
		next := Point{X: z.X - d.X, Y: z.Y - d.Y}
		if Distance(next, x) < 1e-6 {
			return next
		}
		x = next
	}
	return x
}

// AffineOnly reports whether the transform carries no deformable component
func (t Transform) AffineOnly() bool {
	return t.Field == nil
}

// MinJacobian returns the smallest determinant of ∂T/∂x over the field grid
func (t Transform) MinJacobian() float64 {
	return t.Affine.Det() * t.Field.MinJacobian()
}

// JacobianDeterminants returns det(∂T/∂x) on the slice grid; for an affine
// only transform sized w × h the affine determinant is repeated.
func (t Transform) JacobianDeterminants(w, h int) []float64 {
	det := t.Affine.Det()
	if t.Field == nil {
		dets := make([]float64, w*h)
		for i := range dets {
			dets[i] = det
		}
		return dets
	}
	dets := t.Field.JacobianDeterminants()
	for i := range dets {
		dets[i] *= det
	}
	return dets
}
