package align

import (
	"fmt"
	"math"
)

// ExtractOptions controls the output grid of ExtractSlice. Zero values pick
// a grid that covers the volume at its finest voxel spacing.
type ExtractOptions struct {
	Width      int     `json:"width" yaml:"width"`
	Height     int     `json:"height" yaml:"height"`
	Resolution float64 `json:"resolution" yaml:"resolution"` // physical units per output pixel
}

// LabelImage is a 2D grid of region IDs
type LabelImage struct {
	Width  int
	Height int
	Labels []uint32
}

// NewLabelImage allocates an all-background label image
func NewLabelImage(width, height int) *LabelImage {
	return &LabelImage{Width: width, Height: height, Labels: make([]uint32, width*height)}
}

// At returns the label at integer pixel (x, y), 0 outside
func (l *LabelImage) At(x, y int) uint32 {
	if x < 0 || y < 0 || x >= l.Width || y >= l.Height {
		return 0
	}
	return l.Labels[y*l.Width+x]
}

// Nearest returns the label of the pixel nearest to a continuous coordinate.
// ok is false when the coordinate falls outside the label plane.
func (l *LabelImage) Nearest(p Point) (uint32, bool) {
	if p.X < -0.5 || p.Y < -0.5 || p.X >= float64(l.Width)-0.5 || p.Y >= float64(l.Height)-0.5 {
		return 0, false
	}
	x := int(math.Floor(p.X + 0.5))
	y := int(math.Floor(p.Y + 0.5))
	return l.Labels[y*l.Width+x], true
}

// AtlasSection is the 2D reference cut out of an atlas by a plane
type AtlasSection struct {
	Plane      PlaneSpec
	Resolution float64
	Reference  *Image
	Labels     *LabelImage
}

// PixelToPhysical returns the atlas-space position of a section pixel
func (s *AtlasSection) PixelToPhysical(p Point) Vec3 {
	return s.Plane.Point(
		(p.X-float64(s.Reference.Width-1)/2)*s.Resolution,
		(p.Y-float64(s.Reference.Height-1)/2)*s.Resolution,
	)
}

// ExtractSlice resamples the atlas on the plane. Output pixel (i, j) samples
// Origin + (i-(W-1)/2)·res·U + (j-(H-1)/2)·res·V, so the plane origin lands
// at the centre of the section. Intensity is trilinear, labels are nearest
// voxel; samples outside the volume are 0. It fails only when the plane is
// degenerate or misses the volume's bounding box.
func ExtractSlice(atlas *Atlas, plane PlaneSpec, opts ExtractOptions) (*AtlasSection, error) {
	if atlas == nil {
		return nil, fmt.Errorf("%w: atlas is nil", ErrInputGeometry)
	}
	if err := plane.Validate(); err != nil {
		return nil, err
	}

	vol := atlas.Volume
	n := plane.Normal()
	above, below := 0, 0
	for _, c := range vol.Corners() {
		d := n.Dot(c.Sub(plane.Origin))
		switch {
		case d > 0:
			above++
		case d < 0:
			below++
		}
	}
	if above == 8 || below == 8 {
		return nil, fmt.Errorf("%w: plane through (%.2f, %.2f, %.2f) misses the atlas volume",
			ErrInputGeometry, plane.Origin.X, plane.Origin.Y, plane.Origin.Z)
	}

	opts = opts.withDefaults(vol)
	w, h, res := opts.Width, opts.Height, opts.Resolution

	ref := NewImage(w, h, res)
	labels := NewLabelImage(w, h)
	cx, cy := float64(w-1)/2, float64(h-1)/2
	for j := 0; j < h; j++ {
		for i := 0; i < w; i++ {
			p := plane.Point((float64(i)-cx)*res, (float64(j)-cy)*res)
			ref.Pix[j*w+i] = vol.SampleTrilinear(p)
			labels.Labels[j*w+i] = atlas.Labels.SampleNearest(p)
		}
	}

	return &AtlasSection{Plane: plane, Resolution: res, Reference: ref, Labels: labels}, nil
}

func (o ExtractOptions) withDefaults(vol *Volume) ExtractOptions {
	if o.Resolution <= 0 {
		o.Resolution = math.Min(vol.Spacing.X, math.Min(vol.Spacing.Y, vol.Spacing.Z))
	}
	if o.Width <= 0 || o.Height <= 0 {
		extent := math.Max(float64(vol.Nx)*vol.Spacing.X,
			math.Max(float64(vol.Ny)*vol.Spacing.Y, float64(vol.Nz)*vol.Spacing.Z))
		side := int(math.Ceil(extent / o.Resolution))
		if o.Width <= 0 {
			o.Width = side
		}
		if o.Height <= 0 {
			o.Height = side
		}
	}
	return o
}
