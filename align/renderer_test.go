package align

import (
	"bytes"
	"image/png"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func squarePolygon(region uint32, x0, y0, x1, y1 float64) Polygon {
	return Polygon{
		Region:    region,
		Component: 1,
		Parent:    -1,
		Ring:      []Point{{X: x0, Y: y0}, {X: x1, Y: y0}, {X: x1, Y: y1}, {X: x0, Y: y1}, {X: x0, Y: y0}},
	}
}

func TestOverlayRenderer_SVG(t *testing.T) {
	onto := NewOntology([]Region{{ID: 3, Acronym: "CA1"}})
	r := NewOverlayRenderer(blobImage(20, 20, [3]float64{10, 10, 3}), []Polygon{squarePolygon(3, 4, 4, 16, 16)}, onto)

	var buf bytes.Buffer
	require.NoError(t, r.RenderSVG(&buf))
	out := buf.String()
	assert.True(t, strings.Contains(out, "<svg"))
	assert.Contains(t, out, "<path")
}

func TestOverlayRenderer_PNG(t *testing.T) {
	r := NewOverlayRenderer(nil, []Polygon{squarePolygon(3, 4, 4, 16, 16)}, nil)

	var buf bytes.Buffer
	require.NoError(t, r.RenderPNG(&buf))
	img, err := png.Decode(&buf)
	require.NoError(t, err)

	b := img.Bounds()
	assert.InDelta(t, 32, b.Dx(), 1, "polygon extent times scale")
	assert.InDelta(t, 32, b.Dy(), 1)

	cr, cg, cb, _ := img.At(1, 1).RGBA()
	assert.Equal(t, [3]uint32{0xffff, 0xffff, 0xffff}, [3]uint32{cr, cg, cb}, "background is white")
	ir, ig, ib, _ := img.At(10, 28).RGBA()
	assert.NotEqual(t, [3]uint32{0xffff, 0xffff, 0xffff}, [3]uint32{ir, ig, ib}, "region is filled")
}

func TestOverlayRenderer_Empty(t *testing.T) {
	r := NewOverlayRenderer(nil, nil, nil)
	var buf bytes.Buffer
	assert.Error(t, r.RenderSVG(&buf))
	assert.Error(t, r.RenderPNG(&buf))
}

func TestRegionColor(t *testing.T) {
	assert.Equal(t, RegionColor(42), RegionColor(42))
	assert.NotEqual(t, RegionColor(1), RegionColor(2))
	for _, id := range []uint32{0, 1, 7, 1000, 1 << 31} {
		assert.Equal(t, uint8(255), RegionColor(id).A)
	}
}

func TestEstimatePixelSpacing(t *testing.T) {
	slice := NewImage(100, 100, 0)
	for y := 30; y < 70; y++ {
		for x := 30; x < 70; x++ {
			slice.Pix[y*100+x] = 1
		}
	}
	labels := NewLabelImage(50, 50)
	for y := 10; y < 30; y++ {
		for x := 10; x < 30; x++ {
			labels.Labels[y*50+x] = 4
		}
	}
	section := &AtlasSection{Resolution: 2, Labels: labels}

	spacing, err := EstimatePixelSpacing(slice, section)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, spacing, 1e-9)

	_, err = EstimatePixelSpacing(NewImage(10, 10, 0), section)
	assert.Error(t, err, "flat slice")

	_, err = EstimatePixelSpacing(slice, &AtlasSection{Resolution: 2, Labels: NewLabelImage(5, 5)})
	assert.Error(t, err, "empty atlas section")
}
