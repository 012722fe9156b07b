package align

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"

	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// OverlayRenderer draws region boundaries over the slice for review.
// Canvas units are slice pixels; PNG output is Scale device pixels per
// slice pixel.
type OverlayRenderer struct {
	Slice       *Image // optional background
	Polygons    []Polygon
	Ontology    *Ontology
	Scale       float64
	StrokeWidth float64
	FillAlpha   uint8
	Labels      bool // component names in PNG output
}

// NewOverlayRenderer creates a renderer with default styling
func NewOverlayRenderer(slice *Image, polys []Polygon, ontology *Ontology) *OverlayRenderer {
	return &OverlayRenderer{
		Slice:       slice,
		Polygons:    polys,
		Ontology:    ontology,
		Scale:       2,
		StrokeWidth: 0.75,
		FillAlpha:   70,
		Labels:      true,
	}
}

// canvasRenderer is implemented by both the svg and rasterizer renderers
type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
	RenderImage(img image.Image, m canvas.Matrix)
}

func (r *OverlayRenderer) size() (float64, float64, error) {
	if r.Slice != nil {
		return float64(r.Slice.Width), float64(r.Slice.Height), nil
	}
	var w, h float64
	for _, p := range r.Polygons {
		b := p.Bound()
		w = math.Max(w, b.Max[0])
		h = math.Max(h, b.Max[1])
	}
	if w <= 0 || h <= 0 {
		return 0, 0, fmt.Errorf("nothing to render")
	}
	return w, h, nil
}

// RenderSVG writes the overlay as SVG
func (r *OverlayRenderer) RenderSVG(w io.Writer) error {
	width, height, err := r.size()
	if err != nil {
		return err
	}
	s := svg.New(w, width, height, nil)
	r.render(s, width, height)
	return s.Close()
}

// RenderPNG writes the overlay as PNG, with component names when Labels is set
func (r *OverlayRenderer) RenderPNG(w io.Writer) error {
	width, height, err := r.size()
	if err != nil {
		return err
	}
	scale := r.Scale
	if scale <= 0 {
		scale = 1
	}
	rast := rasterizer.New(width, height, canvas.DPMM(scale), canvas.DefaultColorSpace)
	r.render(rast, width, height)

	out := image.NewRGBA(rast.Bounds())
	draw.Draw(out, out.Bounds(), rast, rast.Bounds().Min, draw.Src)
	if r.Labels {
		for _, p := range r.Polygons {
			if p.Hole {
				continue
			}
			c := p.Centroid()
			name := r.Ontology.ComponentName(p.Region, p.Component)
			x := int(c.X*scale) - len(name)*7/2
			y := int(c.Y*scale) + 4
			drawText(out, x, y, name, color.RGBA{0, 0, 0, 255})
		}
	}
	return png.Encode(w, out)
}

func (r *OverlayRenderer) render(dst canvasRenderer, width, height float64) {
	bg := canvas.DefaultStyle
	bg.Fill = canvas.Paint{Color: canvas.White}
	bg.Stroke = canvas.Paint{Color: canvas.Transparent}
	dst.RenderPath(canvas.Rectangle(width, height), bg, canvas.Identity)

	if r.Slice != nil {
		dst.RenderImage(r.Slice.ToGray(), canvas.Identity)
	}

	// canvas y grows upwards, slice rows grow downwards
	toCanvas := func(p Point) (float64, float64) { return p.X, height - p.Y }

	for _, p := range r.Polygons {
		if len(p.Ring) < 3 {
			continue
		}
		path := &canvas.Path{}
		for i, pt := range p.Ring {
			x, y := toCanvas(pt)
			if i == 0 {
				path.MoveTo(x, y)
			} else {
				path.LineTo(x, y)
			}
		}
		path.Close()

		style := canvas.DefaultStyle
		rc := RegionColor(p.Region)
		if p.Hole {
			style.Fill = canvas.Paint{Color: canvas.Transparent}
		} else {
			style.Fill = canvas.Paint{Color: premultiply(color.NRGBA{rc.R, rc.G, rc.B, r.FillAlpha})}
		}
		style.Stroke = canvas.Paint{Color: rc}
		style.StrokeWidth = r.StrokeWidth
		dst.RenderPath(path, style, canvas.Identity)
	}
}

// RegionColor returns a stable, well-spread colour for a region ID
func RegionColor(id uint32) color.RGBA {
	hue := math.Mod(float64(id)*137.508, 360)
	return hsvToRGBA(hue, 0.75, 0.9)
}

func hsvToRGBA(h, s, v float64) color.RGBA {
	c := v * s
	x := c * (1 - math.Abs(math.Mod(h/60, 2)-1))
	m := v - c
	var r, g, b float64
	switch {
	case h < 60:
		r, g, b = c, x, 0
	case h < 120:
		r, g, b = x, c, 0
	case h < 180:
		r, g, b = 0, c, x
	case h < 240:
		r, g, b = 0, x, c
	case h < 300:
		r, g, b = x, 0, c
	default:
		r, g, b = c, 0, x
	}
	return color.RGBA{uint8((r + m) * 255), uint8((g + m) * 255), uint8((b + m) * 255), 255}
}

// premultiply converts a straight-alpha colour for the canvas renderers
func premultiply(c color.NRGBA) color.RGBA {
	a := uint32(c.A)
	return color.RGBA{
		R: uint8(uint32(c.R) * a / 255),
		G: uint8(uint32(c.G) * a / 255),
		B: uint8(uint32(c.B) * a / 255),
		A: c.A,
	}
}

func drawText(img *image.RGBA, x, y int, text string, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}
