package main

import (
	"encoding/json"
	"fmt"
	"image"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "golang.org/x/image/tiff"

	"github.com/kwv/slicealign/align"
)

var imageExts = map[string]bool{".png": true, ".tif": true, ".tiff": true}

// loadImageFile decodes a PNG or TIFF file
func loadImageFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening image: %w", err)
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return img, nil
}

// loadStack decodes every image in dir in file name order
func loadStack(dir string) ([]image.Image, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading stack directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && imageExts[strings.ToLower(filepath.Ext(e.Name()))] {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("no PNG or TIFF images in %s", dir)
	}
	sort.Strings(names)

	stack := make([]image.Image, 0, len(names))
	for _, name := range names {
		img, err := loadImageFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		stack = append(stack, img)
	}
	return stack, nil
}

// loadAtlasDir builds an atlas from <dir>/intensity and <dir>/labels z-stacks
// and an ontology CSV. The labels stack and ontology are optional.
func loadAtlasDir(dir string, spacing float64, ontologyPath string) (*align.Atlas, error) {
	intensity, err := loadStack(filepath.Join(dir, "intensity"))
	if err != nil {
		return nil, fmt.Errorf("atlas intensity: %w", err)
	}
	var labels []image.Image
	if _, err := os.Stat(filepath.Join(dir, "labels")); err == nil {
		if labels, err = loadStack(filepath.Join(dir, "labels")); err != nil {
			return nil, fmt.Errorf("atlas labels: %w", err)
		}
	}

	vol, lab, err := align.VolumeFromStack(intensity, labels, align.Vec3{X: spacing, Y: spacing, Z: spacing})
	if err != nil {
		return nil, err
	}

	if ontologyPath == "" {
		ontologyPath = filepath.Join(dir, "ontology.csv")
	}
	var onto *align.Ontology
	if _, err := os.Stat(ontologyPath); err == nil {
		if onto, err = align.LoadOntology(ontologyPath); err != nil {
			return nil, err
		}
	}
	return align.NewAtlas(vol, lab, onto)
}

// sessionDetail is the JSON view of a result; the displacement field and
// raster maps stay server side
type sessionDetail struct {
	align.SessionSummary
	Affine     align.AffineMatrix      `json:"affine"`
	Diverged   bool                    `json:"diverged"`
	Iterations int                     `json:"iterations"`
	Transfer   align.TransferStats     `json:"transfer"`
	Warnings   []align.Warning         `json:"warnings"`
	Excision   *align.ExcisionGeometry `json:"excision,omitempty"`

	PublishedAt *time.Time `json:"publishedAt,omitempty"`
}

func newSessionDetail(res *align.PipelineResult) sessionDetail {
	d := sessionDetail{
		SessionSummary: align.SummarizeResult(res),
		Transfer:       res.Transfer,
		Warnings:       res.Warnings,
		Excision:       res.Excision,
	}
	if res.Registration != nil {
		d.Affine = res.Registration.Transform.Affine
		d.Diverged = res.Registration.Diverged
		d.Iterations = res.Registration.Iterations
	}
	return d
}

// resultGeoJSON returns exported shapes in device units, or the raw
// boundaries in slice pixels when export failed
func resultGeoJSON(res *align.PipelineResult) ([]byte, error) {
	if res.Excision != nil {
		return json.Marshal(res.Excision.ToFeatureCollection())
	}
	if res.Extraction == nil {
		return nil, fmt.Errorf("slice %s has no boundaries", res.ID)
	}
	return json.Marshal(align.PolygonsToFeatureCollection(res.Extraction.Polygons, res.Ontology()))
}

// writeOutputs writes the summary, GeoJSON, LMD XML and review overlays of a
// result into dir
func writeOutputs(dir string, res *align.PipelineResult, slice *align.Image) ([]string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}
	var written []string
	write := func(name string, data []byte) error {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, data, 0644); err != nil {
			return fmt.Errorf("writing %s: %w", name, err)
		}
		written = append(written, path)
		return nil
	}

	detail, err := json.MarshalIndent(newSessionDetail(res), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling result: %w", err)
	}
	if err := write(res.ID+".json", detail); err != nil {
		return written, err
	}

	if gj, err := resultGeoJSON(res); err == nil {
		if err := write(res.ID+".geojson", gj); err != nil {
			return written, err
		}
	}

	if res.Excision != nil {
		f, err := os.Create(filepath.Join(dir, res.ID+".lmd.xml"))
		if err != nil {
			return written, fmt.Errorf("creating lmd xml: %w", err)
		}
		err = align.WriteLMDXML(f, res.Excision)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err == nil {
			err = checkLMD(f.Name(), res.Excision)
		}
		if err != nil {
			return written, err
		}
		written = append(written, f.Name())
	}

	if res.Extraction == nil {
		return written, nil
	}
	r := align.NewOverlayRenderer(slice, res.Extraction.Polygons, res.Ontology())
	for _, format := range []string{"svg", "png"} {
		path := filepath.Join(dir, res.ID+".overlay."+format)
		f, err := os.Create(path)
		if err != nil {
			return written, fmt.Errorf("creating overlay: %w", err)
		}
		if format == "svg" {
			err = r.RenderSVG(f)
		} else {
			err = r.RenderPNG(f)
		}
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return written, fmt.Errorf("rendering %s overlay: %w", format, err)
		}
		written = append(written, path)
	}
	return written, nil
}

// checkLMD reads a written LMD file back and compares it with geom
func checkLMD(path string, geom *align.ExcisionGeometry) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("reopening lmd xml: %w", err)
	}
	defer f.Close()
	cal, outlines, err := align.ReadLMDXML(f)
	if err != nil {
		return fmt.Errorf("checking %s: %w", filepath.Base(path), err)
	}
	if len(outlines) != len(geom.Shapes) {
		return fmt.Errorf("checking %s: %d shapes read back, %d written", filepath.Base(path), len(outlines), len(geom.Shapes))
	}
	for i, p := range cal {
		if p != geom.CalibrationPoints[i] {
			return fmt.Errorf("checking %s: calibration point %d reads back as %v", filepath.Base(path), i+1, p)
		}
	}
	for i, ring := range outlines {
		if len(ring) != len(geom.Shapes[i].Outline) {
			return fmt.Errorf("checking %s: shape %d has %d points, %d written", filepath.Base(path), i+1, len(ring), len(geom.Shapes[i].Outline))
		}
	}
	return nil
}

// transformImage resamples src so its content moves by m
func transformImage(src *align.Image, m align.AffineMatrix) *align.Image {
	inv := align.InvertMatrix(m)
	out := align.NewImage(src.Width, src.Height, src.Spacing)
	for y := 0; y < src.Height; y++ {
		for x := 0; x < src.Width; x++ {
			p := align.TransformPoint(align.Point{X: float64(x), Y: float64(y)}, inv)
			if src.Contains(p.X, p.Y) {
				out.Pix[y*src.Width+x] = src.Sample(p.X, p.Y)
			}
		}
	}
	return out
}
