package align

import (
	"fmt"
	"image"
	"math"
	"sort"
)

// Volume is a 3D scalar atlas raster. Data is x-fastest:
// index = (z*Ny + y)*Nx + x. Voxel (i, j, k) sits at Origin + (i, j, k)·Spacing.
type Volume struct {
	Nx, Ny, Nz int
	Spacing    Vec3
	Origin     Vec3
	Data       []float32
}

// LabelVolume holds integer region IDs on the same grid as a Volume
type LabelVolume struct {
	Nx, Ny, Nz int
	Spacing    Vec3
	Origin     Vec3
	Labels     []uint32
}

// NewVolume allocates a zeroed volume with isotropic spacing
func NewVolume(nx, ny, nz int, spacing float64) *Volume {
	return &Volume{
		Nx: nx, Ny: ny, Nz: nz,
		Spacing: Vec3{spacing, spacing, spacing},
		Data:    make([]float32, nx*ny*nz),
	}
}

// NewLabelVolume allocates a label grid matching vol
func NewLabelVolume(vol *Volume) *LabelVolume {
	return &LabelVolume{
		Nx: vol.Nx, Ny: vol.Ny, Nz: vol.Nz,
		Spacing: vol.Spacing,
		Origin:  vol.Origin,
		Labels:  make([]uint32, vol.Nx*vol.Ny*vol.Nz),
	}
}

func (v *Volume) index(i, j, k int) int { return (k*v.Ny+j)*v.Nx + i }

// voxelCoords converts a physical position to continuous voxel indices
func (v *Volume) voxelCoords(p Vec3) (float64, float64, float64) {
	return (p.X - v.Origin.X) / v.Spacing.X,
		(p.Y - v.Origin.Y) / v.Spacing.Y,
		(p.Z - v.Origin.Z) / v.Spacing.Z
}

// SampleTrilinear interpolates intensity at a physical position.
// Positions outside the voxel extent return 0.
func (v *Volume) SampleTrilinear(p Vec3) float64 {
	x, y, z := v.voxelCoords(p)
	if x < -0.5 || y < -0.5 || z < -0.5 ||
		x > float64(v.Nx)-0.5 || y > float64(v.Ny)-0.5 || z > float64(v.Nz)-0.5 {
		return 0
	}
	x = math.Max(0, math.Min(x, float64(v.Nx-1)))
	y = math.Max(0, math.Min(y, float64(v.Ny-1)))
	z = math.Max(0, math.Min(z, float64(v.Nz-1)))

	x0, y0, z0 := int(x), int(y), int(z)
	x1, y1, z1 := min(x0+1, v.Nx-1), min(y0+1, v.Ny-1), min(z0+1, v.Nz-1)
	fx, fy, fz := x-float64(x0), y-float64(y0), z-float64(z0)

	c := func(i, j, k int) float64 { return float64(v.Data[v.index(i, j, k)]) }
	c00 := c(x0, y0, z0)*(1-fx) + c(x1, y0, z0)*fx
	c10 := c(x0, y1, z0)*(1-fx) + c(x1, y1, z0)*fx
	c01 := c(x0, y0, z1)*(1-fx) + c(x1, y0, z1)*fx
	c11 := c(x0, y1, z1)*(1-fx) + c(x1, y1, z1)*fx
	return (c00*(1-fy)+c10*fy)*(1-fz) + (c01*(1-fy)+c11*fy)*fz
}

// Corners returns the eight physical corners of the voxel extent
func (v *Volume) Corners() [8]Vec3 {
	lo := Vec3{
		X: v.Origin.X - 0.5*v.Spacing.X,
		Y: v.Origin.Y - 0.5*v.Spacing.Y,
		Z: v.Origin.Z - 0.5*v.Spacing.Z,
	}
	hi := Vec3{
		X: v.Origin.X + (float64(v.Nx)-0.5)*v.Spacing.X,
		Y: v.Origin.Y + (float64(v.Ny)-0.5)*v.Spacing.Y,
		Z: v.Origin.Z + (float64(v.Nz)-0.5)*v.Spacing.Z,
	}
	var out [8]Vec3
	for i := 0; i < 8; i++ {
		out[i] = Vec3{X: lo.X, Y: lo.Y, Z: lo.Z}
		if i&1 != 0 {
			out[i].X = hi.X
		}
		if i&2 != 0 {
			out[i].Y = hi.Y
		}
		if i&4 != 0 {
			out[i].Z = hi.Z
		}
	}
	return out
}

// Center returns the physical centre of the volume
func (v *Volume) Center() Vec3 {
	return Vec3{
		X: v.Origin.X + float64(v.Nx-1)*v.Spacing.X/2,
		Y: v.Origin.Y + float64(v.Ny-1)*v.Spacing.Y/2,
		Z: v.Origin.Z + float64(v.Nz-1)*v.Spacing.Z/2,
	}
}

// SampleNearest returns the label of the voxel nearest to p, 0 outside
func (l *LabelVolume) SampleNearest(p Vec3) uint32 {
	i := int(math.Round((p.X - l.Origin.X) / l.Spacing.X))
	j := int(math.Round((p.Y - l.Origin.Y) / l.Spacing.Y))
	k := int(math.Round((p.Z - l.Origin.Z) / l.Spacing.Z))
	if i < 0 || j < 0 || k < 0 || i >= l.Nx || j >= l.Ny || k >= l.Nz {
		return 0
	}
	return l.Labels[(k*l.Ny+j)*l.Nx+i]
}

// Atlas is an immutable intensity volume, its co-registered label volume
// and the ontology naming the labels. It is shared read-only by every
// pipeline that holds a lease on it.
type Atlas struct {
	Volume   *Volume
	Labels   *LabelVolume
	Ontology *Ontology
	labelSet map[uint32]struct{}
}

// NewAtlas validates that vol and labels share a grid and indexes the label set
func NewAtlas(vol *Volume, labels *LabelVolume, ontology *Ontology) (*Atlas, error) {
	if vol == nil || labels == nil {
		return nil, fmt.Errorf("atlas needs both an intensity and a label volume")
	}
	if vol.Nx <= 0 || vol.Ny <= 0 || vol.Nz <= 0 {
		return nil, fmt.Errorf("atlas volume has empty extent %dx%dx%d", vol.Nx, vol.Ny, vol.Nz)
	}
	if len(vol.Data) != vol.Nx*vol.Ny*vol.Nz {
		return nil, fmt.Errorf("atlas volume has %d voxels, want %d", len(vol.Data), vol.Nx*vol.Ny*vol.Nz)
	}
	if vol.Spacing.X <= 0 || vol.Spacing.Y <= 0 || vol.Spacing.Z <= 0 {
		return nil, fmt.Errorf("atlas spacing must be positive, got %+v", vol.Spacing)
	}
	if labels.Nx != vol.Nx || labels.Ny != vol.Ny || labels.Nz != vol.Nz {
		return nil, fmt.Errorf("label volume %dx%dx%d does not match intensity volume %dx%dx%d",
			labels.Nx, labels.Ny, labels.Nz, vol.Nx, vol.Ny, vol.Nz)
	}
	if labels.Spacing != vol.Spacing || labels.Origin != vol.Origin {
		return nil, fmt.Errorf("label volume spacing/origin does not match intensity volume")
	}
	if len(labels.Labels) != len(vol.Data) {
		return nil, fmt.Errorf("label volume has %d voxels, want %d", len(labels.Labels), len(vol.Data))
	}
	if ontology == nil {
		ontology = NewOntology(nil)
	}

	set := make(map[uint32]struct{})
	for _, id := range labels.Labels {
		if id != 0 {
			set[id] = struct{}{}
		}
	}
	return &Atlas{Volume: vol, Labels: labels, Ontology: ontology, labelSet: set}, nil
}

// HasLabel reports whether id occurs in the label volume
func (a *Atlas) HasLabel(id uint32) bool {
	_, ok := a.labelSet[id]
	return ok
}

// LabelIDs returns the non-zero label IDs present in the atlas, ascending
func (a *Atlas) LabelIDs() []uint32 {
	ids := make([]uint32, 0, len(a.labelSet))
	for id := range a.labelSet {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// SphereAtlas builds an n³ synthetic atlas holding one solid sphere of the
// given label at the centre. Intensity is 1 inside the sphere with a soft
// one-voxel edge so registration has a usable gradient.
func SphereAtlas(n int, radius float64, label uint32, spacing float64) *Atlas {
	vol := NewVolume(n, n, n, spacing)
	lab := NewLabelVolume(vol)
	c := float64(n-1) / 2
	for k := 0; k < n; k++ {
		for j := 0; j < n; j++ {
			for i := 0; i < n; i++ {
				d := math.Sqrt((float64(i)-c)*(float64(i)-c) + (float64(j)-c)*(float64(j)-c) + (float64(k)-c)*(float64(k)-c))
				idx := vol.index(i, j, k)
				vol.Data[idx] = float32(math.Max(0, math.Min(1, radius+0.5-d)))
				if d <= radius {
					lab.Labels[idx] = label
				}
			}
		}
	}
	onto := NewOntology([]Region{{ID: label, Acronym: fmt.Sprintf("R%d", label), Name: "sphere"}})
	atlas, _ := NewAtlas(vol, lab, onto)
	return atlas
}

// VolumeFromStack assembles intensity and label volumes from a z-ordered
// stack of 2D images. Intensity slices are averaged to gray; label slices
// carry region IDs in their gray value (8 or 16 bit). labels may be nil.
func VolumeFromStack(intensity, labels []image.Image, spacing Vec3) (*Volume, *LabelVolume, error) {
	if len(intensity) == 0 {
		return nil, nil, fmt.Errorf("empty image stack")
	}
	if labels != nil && len(labels) != len(intensity) {
		return nil, nil, fmt.Errorf("label stack has %d slices, intensity stack has %d", len(labels), len(intensity))
	}
	b := intensity[0].Bounds()
	vol := &Volume{Nx: b.Dx(), Ny: b.Dy(), Nz: len(intensity), Spacing: spacing}
	vol.Data = make([]float32, vol.Nx*vol.Ny*vol.Nz)
	lab := NewLabelVolume(vol)

	for k, img := range intensity {
		ib := img.Bounds()
		if ib.Dx() != vol.Nx || ib.Dy() != vol.Ny {
			return nil, nil, fmt.Errorf("slice %d is %dx%d, want %dx%d", k, ib.Dx(), ib.Dy(), vol.Nx, vol.Ny)
		}
		for j := 0; j < vol.Ny; j++ {
			for i := 0; i < vol.Nx; i++ {
				r, g, bl, _ := img.At(ib.Min.X+i, ib.Min.Y+j).RGBA()
				vol.Data[vol.index(i, j, k)] = float32(r+g+bl) / (3 * 65535)
			}
		}
		if labels == nil {
			continue
		}
		lb := labels[k].Bounds()
		if lb.Dx() != vol.Nx || lb.Dy() != vol.Ny {
			return nil, nil, fmt.Errorf("label slice %d is %dx%d, want %dx%d", k, lb.Dx(), lb.Dy(), vol.Nx, vol.Ny)
		}
		for j := 0; j < vol.Ny; j++ {
			for i := 0; i < vol.Nx; i++ {
				lab.Labels[vol.index(i, j, k)] = labelAt(labels[k], lb.Min.X+i, lb.Min.Y+j)
			}
		}
	}
	return vol, lab, nil
}

func labelAt(img image.Image, x, y int) uint32 {
	switch im := img.(type) {
	case *image.Gray:
		return uint32(im.GrayAt(x, y).Y)
	case *image.Gray16:
		return uint32(im.Gray16At(x, y).Y)
	}
	r, _, _, _ := img.At(x, y).RGBA()
	return r >> 8
}
