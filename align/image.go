package align

import (
	"fmt"
	"image"
	"math"

	"golang.org/x/image/draw"
	"gonum.org/v1/gonum/stat"
)

// Image is a 2D intensity raster with physical pixel spacing.
// Pix is row-major and channel-interleaved. Images are never modified after
// construction; every operation returns a new Image.
type Image struct {
	Width    int
	Height   int
	Channels int
	Pix      []float64
	Spacing  float64 // physical units per pixel
	Origin   Point   // physical position of pixel (0, 0)
}

// NewImage allocates a zeroed single-channel image
func NewImage(width, height int, spacing float64) *Image {
	return &Image{
		Width:    width,
		Height:   height,
		Channels: 1,
		Pix:      make([]float64, width*height),
		Spacing:  spacing,
	}
}

// Validate checks the raster dimensions and rejects non-finite samples
func (im *Image) Validate() error {
	if im == nil {
		return fmt.Errorf("image is nil")
	}
	if im.Width <= 0 || im.Height <= 0 {
		return fmt.Errorf("image has empty extent %dx%d", im.Width, im.Height)
	}
	ch := max(im.Channels, 1)
	if len(im.Pix) != im.Width*im.Height*ch {
		return fmt.Errorf("image buffer has %d samples, want %d", len(im.Pix), im.Width*im.Height*ch)
	}
	for i, v := range im.Pix {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("image sample %d is not finite", i)
		}
	}
	return nil
}

// At returns the single-channel value at integer pixel (x, y)
func (im *Image) At(x, y int) float64 {
	return im.Pix[y*im.Width+x]
}

// Gray collapses channels by averaging; single-channel images are returned as-is
func (im *Image) Gray() *Image {
	if im.Channels <= 1 {
		return im
	}
	out := &Image{Width: im.Width, Height: im.Height, Channels: 1, Spacing: im.Spacing, Origin: im.Origin}
	out.Pix = make([]float64, im.Width*im.Height)
	ch := im.Channels
	for i := range out.Pix {
		var sum float64
		for c := 0; c < ch; c++ {
			sum += im.Pix[i*ch+c]
		}
		out.Pix[i] = sum / float64(ch)
	}
	return out
}

// Contains reports whether the continuous coordinate lies within the
// sampled extent of the image
func (im *Image) Contains(x, y float64) bool {
	return x >= -0.5 && y >= -0.5 && x <= float64(im.Width)-0.5 && y <= float64(im.Height)-0.5
}

// Sample returns the bilinear interpolation at (x, y), clamping at borders
func (im *Image) Sample(x, y float64) float64 {
	return bilinear(im.Pix, im.Width, im.Height, x, y)
}

// SampleNearest returns the value of the pixel nearest to (x, y), clamping at borders
func (im *Image) SampleNearest(x, y float64) float64 {
	ix := min(max(int(math.Round(x)), 0), im.Width-1)
	iy := min(max(int(math.Round(y)), 0), im.Height-1)
	return im.Pix[iy*im.Width+ix]
}

func bilinear(pix []float64, w, h int, x, y float64) float64 {
	x = math.Max(0, math.Min(x, float64(w-1)))
	y = math.Max(0, math.Min(y, float64(h-1)))
	x0 := int(x)
	y0 := int(y)
	x1 := min(x0+1, w-1)
	y1 := min(y0+1, h-1)
	fx := x - float64(x0)
	fy := y - float64(y0)

	v00 := pix[y0*w+x0]
	v10 := pix[y0*w+x1]
	v01 := pix[y1*w+x0]
	v11 := pix[y1*w+x1]
	return (v00*(1-fx)+v10*fx)*(1-fy) + (v01*(1-fx)+v11*fx)*fy
}

// Gradient returns central-difference derivative images (d/dx, d/dy)
func (im *Image) Gradient() (gx, gy []float64) {
	w, h := im.Width, im.Height
	gx = make([]float64, w*h)
	gy = make([]float64, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			xl, xr := max(x-1, 0), min(x+1, w-1)
			yu, yd := max(y-1, 0), min(y+1, h-1)
			if xr > xl {
				gx[y*w+x] = (im.Pix[y*w+xr] - im.Pix[y*w+xl]) / float64(xr-xl)
			}
			if yd > yu {
				gy[y*w+x] = (im.Pix[yd*w+x] - im.Pix[yu*w+x]) / float64(yd-yu)
			}
		}
	}
	return gx, gy
}

// Downsample halves the image with a 2×2 block mean
func (im *Image) Downsample() *Image {
	w := max(1, im.Width/2)
	h := max(1, im.Height/2)
	out := &Image{Width: w, Height: h, Channels: 1, Spacing: im.Spacing * 2, Origin: im.Origin}
	out.Pix = make([]float64, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var sum float64
			n := 0
			for dy := 0; dy < 2; dy++ {
				for dx := 0; dx < 2; dx++ {
					sx, sy := 2*x+dx, 2*y+dy
					if sx < im.Width && sy < im.Height {
						sum += im.Pix[sy*im.Width+sx]
						n++
					}
				}
			}
			out.Pix[y*w+x] = sum / float64(n)
		}
	}
	return out
}

// Pyramid returns levels finest-first; level 0 is the (grayscale) input.
// Reduction stops early once either side would drop below minSize pixels.
func (im *Image) Pyramid(levels, minSize int) []*Image {
	pyr := []*Image{im.Gray()}
	for l := 1; l < levels; l++ {
		prev := pyr[l-1]
		if prev.Width/2 < minSize || prev.Height/2 < minSize {
			break
		}
		pyr = append(pyr, prev.Downsample())
	}
	return pyr
}

// Stats returns the mean and standard deviation of the intensities
func (im *Image) Stats() (mean, std float64) {
	return stat.MeanStdDev(im.Pix, nil)
}

// Normalized rescales intensities to [0, 1]; constant images become zero
func (im *Image) Normalized() *Image {
	out := &Image{Width: im.Width, Height: im.Height, Channels: im.Channels, Spacing: im.Spacing, Origin: im.Origin}
	out.Pix = make([]float64, len(im.Pix))
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range im.Pix {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	if hi-lo < 1e-12 {
		return out
	}
	for i, v := range im.Pix {
		out.Pix[i] = (v - lo) / (hi - lo)
	}
	return out
}

// GaussianBlur smooths a scalar buffer in place with a separable kernel
func GaussianBlur(pix []float64, w, h int, sigma float64) {
	if sigma <= 0 {
		return
	}
	radius := int(math.Ceil(3 * sigma))
	kernel := make([]float64, 2*radius+1)
	var sum float64
	for i := -radius; i <= radius; i++ {
		kernel[i+radius] = math.Exp(-float64(i*i) / (2 * sigma * sigma))
		sum += kernel[i+radius]
	}
	for i := range kernel {
		kernel[i] /= sum
	}

	tmp := make([]float64, len(pix))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var acc float64
			for k := -radius; k <= radius; k++ {
				sx := min(max(x+k, 0), w-1)
				acc += kernel[k+radius] * pix[y*w+sx]
			}
			tmp[y*w+x] = acc
		}
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var acc float64
			for k := -radius; k <= radius; k++ {
				sy := min(max(y+k, 0), h-1)
				acc += kernel[k+radius] * tmp[sy*w+x]
			}
			pix[y*w+x] = acc
		}
	}
}

// FromImage converts a decoded slice image into a normalized grayscale Image.
// A downscale factor > 1 shrinks the raster first. When bright pixels
// outnumber dark ones the stain is assumed to be on a bright background and
// intensities are inverted so tissue is always high.
func FromImage(src image.Image, downscale int, spacing float64) *Image {
	b := src.Bounds()
	if downscale > 1 {
		dst := image.NewRGBA64(image.Rect(0, 0, max(1, b.Dx()/downscale), max(1, b.Dy()/downscale)))
		draw.BiLinear.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
		src = dst
		b = dst.Bounds()
		spacing *= float64(downscale)
	}

	im := NewImage(b.Dx(), b.Dy(), spacing)
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			r, g, bl, _ := src.At(b.Min.X+x, b.Min.Y+y).RGBA()
			im.Pix[y*im.Width+x] = (float64(r) + float64(g) + float64(bl)) / (3 * 65535)
		}
	}
	im = im.Normalized()

	bright, dark := 0, 0
	for _, v := range im.Pix {
		if v >= 0.9 {
			bright++
		} else if v <= 0.1 {
			dark++
		}
	}
	if bright > dark {
		for i, v := range im.Pix {
			im.Pix[i] = 1 - v
		}
	}
	return im
}

// ToGray renders the mean channel as an 8-bit image, clamping to [0, 1]
func (im *Image) ToGray() *image.Gray {
	g := im.Gray()
	out := image.NewGray(image.Rect(0, 0, g.Width, g.Height))
	for i, v := range g.Pix {
		out.Pix[i] = uint8(math.Round(math.Max(0, math.Min(1, v)) * 255))
	}
	return out
}
